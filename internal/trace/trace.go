// Package trace installs, tracks, and removes machine-level
// interceptions on the loaded target, and gives patch code a way to
// invoke the callee it replaced, per spec.md §4.5. Breakpoints are a
// tagged variant (BreakpointKind selecting call/jmp/int3 patch shape)
// rather than one struct with every field always present, per DESIGN
// NOTES §9.
package trace

import (
	"fmt"
	"sync"

	"github.com/shiva-rt/shiva/internal/archx/x86"
	"github.com/shiva-rt/shiva/internal/shivaerr"
)

// BreakpointKind selects how a breakpoint patches its site, per spec.md
// §4.5.
type BreakpointKind int

const (
	KindCall BreakpointKind = iota
	KindJmp
	KindInt3
)

func (k BreakpointKind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindJmp:
		return "jmp"
	case KindInt3:
		return "int3"
	default:
		return "unknown"
	}
}

// Handler is a registered callback for one breakpoint kind, plus the
// kind-specific state the call-original trampoline needs to rebuild the
// instruction it replaced.
type Handler struct {
	Kind        BreakpointKind
	Fn          func(site *Breakpoint) (interceptResult uint64)
	breakpoints []*Breakpoint
	mu          sync.Mutex // not locked by Engine; breakpoints is appended under Engine.mu
}

// Breakpoint is one installed interception: the address it patched, the
// bytes it overwrote (for restoration or for "call original"), and the
// handler driving it. Fields specific to a kind (e.g. SavedDisplacement
// only applies to KindCall/KindJmp) are simply left zero for the other
// kinds, per the tagged-variant convention DESIGN NOTES §9 calls for.
type Breakpoint struct {
	Addr              uint64
	Kind              BreakpointKind
	OriginalBytes     []byte
	SavedDisplacement int32 // call/jmp only: the displacement that was overwritten
	SavedAbsTarget    uint64
	Handler           *Handler
	callLock          sync.Mutex
}

// Engine owns every installed breakpoint and the MemoryWriter used to
// patch the target's memory, per spec.md §4.5.
type Engine struct {
	mem         MemoryWriter
	handlers    map[BreakpointKind][]*Handler
	breakpoints map[uint64]*Breakpoint
	mu          sync.Mutex
}

// NewEngine returns an engine that patches memory through mem.
func NewEngine(mem MemoryWriter) *Engine {
	return &Engine{
		mem:         mem,
		handlers:    make(map[BreakpointKind][]*Handler),
		breakpoints: make(map[uint64]*Breakpoint),
	}
}

// RegisterHandler records an association between a handler function and
// a breakpoint kind, per spec.md §4.5's register_handler operation.
func (e *Engine) RegisterHandler(kind BreakpointKind, fn func(*Breakpoint) uint64) *Handler {
	h := &Handler{Kind: kind, Fn: fn}
	e.mu.Lock()
	e.handlers[kind] = append(e.handlers[kind], h)
	e.mu.Unlock()
	return h
}

// SetBreakpoint installs a breakpoint of h's kind at addr: it records
// the original bytes, computes and writes the replacement, and appends
// the new Breakpoint to h's list, per spec.md §4.5's set_breakpoint
// operation.
func (e *Engine) SetBreakpoint(h *Handler, addr uint64, handlerAddr uint64) (*Breakpoint, error) {
	var width int
	switch h.Kind {
	case KindCall:
		width = x86.CallLen
	case KindJmp:
		width = x86.JmpLen
	case KindInt3:
		width = x86.Int3Len
	default:
		return nil, &shivaerr.TraceError{Op: "set-breakpoint", Addr: addr, Message: "unknown breakpoint kind"}
	}

	original, err := e.mem.Read(addr, width)
	if err != nil {
		return nil, &shivaerr.TraceError{Op: "read-original", Addr: addr, Err: err}
	}

	bp := &Breakpoint{Addr: addr, Kind: h.Kind, OriginalBytes: original, Handler: h}

	var patch []byte
	switch h.Kind {
	case KindCall, KindJmp:
		target, disp, err := decodeCallOrJmp(original, addr)
		if err != nil {
			return nil, &shivaerr.TraceError{Op: "decode-original", Addr: addr, Err: err}
		}
		bp.SavedDisplacement = disp
		bp.SavedAbsTarget = target
		if h.Kind == KindCall {
			patch = x86.EncodeCall(addr, handlerAddr)
		} else {
			patch = x86.EncodeJmp(addr, handlerAddr)
		}
	case KindInt3:
		patch = x86.EncodeInt3()
	}

	if err := e.mem.Write(addr, patch); err != nil {
		return nil, &shivaerr.TraceError{Op: "write-patch", Addr: addr, Err: err}
	}

	e.mu.Lock()
	e.breakpoints[addr] = bp
	h.breakpoints = append(h.breakpoints, bp)
	e.mu.Unlock()
	return bp, nil
}

// RemoveBreakpoint restores a breakpoint's original bytes and forgets
// it.
func (e *Engine) RemoveBreakpoint(addr uint64) error {
	e.mu.Lock()
	bp, ok := e.breakpoints[addr]
	if ok {
		delete(e.breakpoints, addr)
	}
	e.mu.Unlock()
	if !ok {
		return &shivaerr.TraceError{Op: "remove-breakpoint", Addr: addr, Message: "no breakpoint installed at address"}
	}
	if err := e.mem.Write(addr, bp.OriginalBytes); err != nil {
		return &shivaerr.TraceError{Op: "restore-original", Addr: addr, Err: err}
	}
	return nil
}

// Lookup returns the breakpoint installed at addr, if any. Records are
// keyed by the patched instruction's own address, not by a call's
// return address; CallOriginal does not call Lookup and takes the
// breakpoint record directly.
func (e *Engine) Lookup(addr uint64) (*Breakpoint, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	bp, ok := e.breakpoints[addr]
	return bp, ok
}

func decodeCallOrJmp(original []byte, addr uint64) (target uint64, disp int32, err error) {
	target, err = x86.DecodeCallOrJmpTarget(original, addr)
	if err != nil {
		return 0, 0, err
	}
	disp = int32(int64(target) - int64(addr) - int64(len(original)))
	return target, disp, nil
}

// CallOriginal rebuilds and invokes the instruction a breakpoint
// replaced, per spec.md §4.5's call-original trampoline contract.
// Re-entrancy at a single call site is serialized by bp's own lock, so
// two target threads hitting the same hook concurrently do not race
// building the trampoline.
func (e *Engine) CallOriginal(bp *Breakpoint, trampoline *Trampoline, args ...uint64) (uint64, error) {
	if bp.Kind != KindCall && bp.Kind != KindJmp {
		return 0, &shivaerr.TraceError{Op: "call-original", Addr: bp.Addr, Message: "breakpoint kind has no original callee"}
	}
	bp.callLock.Lock()
	defer bp.callLock.Unlock()

	code := x86.EncodeCall(trampoline.Base, bp.SavedAbsTarget)
	code = append(code, x86.EncodeInt3()...) // trap back to Shiva once the original returns
	if err := e.mem.Write(trampoline.Base, code); err != nil {
		return 0, &shivaerr.TraceError{Op: "write-trampoline", Addr: trampoline.Base, Err: err}
	}
	return trampoline.Invoke(args...)
}

// Trampoline is a per-breakpoint executable page the call-original path
// jumps through. CallOriginal rewrites its code on every call while
// holding the breakpoint's callLock, so concurrent hits of the same
// breakpoint never see the buffer mid-write.
type Trampoline struct {
	Base   uint64
	Invoke func(args ...uint64) (uint64, error)
}

func (b *Breakpoint) String() string {
	return fmt.Sprintf("breakpoint{addr=%#x kind=%s}", b.Addr, b.Kind)
}
