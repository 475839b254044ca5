package trace

import (
	"golang.org/x/sys/unix"

	"github.com/shiva-rt/shiva/internal/shivaerr"
)

// MemoryWriter is the narrow memory read/write contract the trace
// engine needs, abstracted so tests can drive it against an in-process
// byte buffer instead of a genuinely separate traced process, per
// SPEC_FULL.md §10's testing note ("in-process byte buffers rather than
// real ptrace attachment, since tests must not require root").
type MemoryWriter interface {
	Read(addr uint64, length int) ([]byte, error)
	Write(addr uint64, buf []byte) error
}

// SelfMemory implements MemoryWriter over a plain Go byte slice
// addressed by a base offset, for synthetic scenarios (spec.md §8's
// testable properties) that exercise breakpoint install/remove without
// a real target process.
type SelfMemory struct {
	Base uint64
	Buf  []byte
}

// NewSelfMemory returns a MemoryWriter backed by buf, whose first byte
// is addressed as base.
func NewSelfMemory(base uint64, buf []byte) *SelfMemory {
	return &SelfMemory{Base: base, Buf: buf}
}

func (m *SelfMemory) offset(addr uint64, length int) (int, error) {
	if addr < m.Base || addr-m.Base+uint64(length) > uint64(len(m.Buf)) {
		return 0, &shivaerr.TraceError{Op: "bounds-check", Addr: addr, Message: "address outside the backing buffer"}
	}
	return int(addr - m.Base), nil
}

func (m *SelfMemory) Read(addr uint64, length int) ([]byte, error) {
	off, err := m.offset(addr, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, m.Buf[off:off+length])
	return out, nil
}

func (m *SelfMemory) Write(addr uint64, buf []byte) error {
	off, err := m.offset(addr, len(buf))
	if err != nil {
		return err
	}
	copy(m.Buf[off:], buf)
	return nil
}

// PtraceMemory implements MemoryWriter against a genuinely separate
// traced process via golang.org/x/sys/unix's ptrace wrappers
// (PtracePeekData/PtracePokeData, which move memory word by word).
// Write does not query or change the protection of the target page; it
// relies on the ptrace write itself.
type PtraceMemory struct {
	Pid int
}

// NewPtraceMemory returns a MemoryWriter for the already-attached
// process pid.
func NewPtraceMemory(pid int) *PtraceMemory {
	return &PtraceMemory{Pid: pid}
}

func (p *PtraceMemory) Read(addr uint64, length int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := unix.PtracePeekData(p.Pid, uintptr(addr), buf)
	if err != nil {
		return nil, &shivaerr.TraceError{Op: "ptrace-peek", Addr: addr, Err: err}
	}
	return buf[:n], nil
}

func (p *PtraceMemory) Write(addr uint64, buf []byte) error {
	if err := unix.PtraceAttach(p.Pid); err != nil && err != unix.EPERM {
		// Already attached is the common case (Shiva holds the trace
		// relationship for the whole session); EPERM here just means
		// that. Any other error is surfaced.
		return &shivaerr.TraceError{Op: "ptrace-attach", Addr: addr, Err: err}
	}
	if _, err := unix.PtracePokeData(p.Pid, uintptr(addr), buf); err != nil {
		return &shivaerr.TraceError{Op: "ptrace-poke", Addr: addr, Err: err}
	}
	return nil
}

// Attach, Continue, and GetRegs/SetRegs wrap the remaining platform
// debugging primitives spec.md §4.5's trace(pid, op, …) operation names
// (attach, continue, read/write registers); kept as small direct
// pass-throughs rather than a generic dispatcher, since each ptrace
// request has a distinct Go signature in golang.org/x/sys/unix.
func Attach(pid int) error {
	if err := unix.PtraceAttach(pid); err != nil {
		return &shivaerr.TraceError{Op: "attach", Err: err}
	}
	return nil
}

func Continue(pid int, signal int) error {
	if err := unix.PtraceCont(pid, signal); err != nil {
		return &shivaerr.TraceError{Op: "continue", Err: err}
	}
	return nil
}

func GetRegs(pid int, regs *unix.PtraceRegs) error {
	if err := unix.PtraceGetRegs(pid, regs); err != nil {
		return &shivaerr.TraceError{Op: "get-regs", Err: err}
	}
	return nil
}

func SetRegs(pid int, regs *unix.PtraceRegs) error {
	if err := unix.PtraceSetRegs(pid, regs); err != nil {
		return &shivaerr.TraceError{Op: "set-regs", Err: err}
	}
	return nil
}
