package modload

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/shiva-rt/shiva/internal/shivaerr"
)

// mapRecorder is the subset of internal/memmap.Tracker's contract
// Finalize needs, kept narrow so modload does not import memmap merely
// to record addresses.
type mapRecorder interface {
	MarkOwned(base uint64, length int, read, write, exec bool)
}

// Finalize maps the module's text and data buffers into the process at
// their reserved, page-aligned arena addresses and applies spec.md
// §4.4's final protections: text R+X, data R+W. It then records both
// mappings in tracker so later validation (a relocation target check, or
// a breakpoint install) sees them as owned.
//
// mmap(2)'s high-level golang.org/x/sys/unix.Mmap wrapper never exposes
// a fixed address, so placing a segment at the exact address the arena
// already promised relocations and PLT/GOT entries against requires the
// raw SYS_MMAP syscall with MAP_FIXED, the same raw-unix.Syscall idiom
// other examples in the pack use for operations the high-level wrapper
// doesn't cover.
func (m *Module) Finalize(tracker mapRecorder) error {
	if m.Finalized {
		return nil
	}

	if err := mapFixed(m.TextBase, m.Text, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return &shivaerr.MappingError{Op: "mmap-text", Addr: m.TextBase, Len: uintptr(len(m.Text)), Err: err}
	}
	tracker.MarkOwned(m.TextBase, len(m.Text), true, false, true)

	if err := mapFixed(m.DataBase, m.Data, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return &shivaerr.MappingError{Op: "mmap-data", Addr: m.DataBase, Len: uintptr(len(m.Data)), Err: err}
	}
	tracker.MarkOwned(m.DataBase, len(m.Data), true, true, false)

	m.Finalized = true
	return nil
}

// mapFixed reserves [base, base+len(content)) with MAP_FIXED|MAP_ANON,
// copies content into it (as writable), then applies the final prot.
func mapFixed(base uint64, content []byte, finalProt int) error {
	if len(content) == 0 {
		return nil
	}
	addr, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		uintptr(base),
		uintptr(len(content)),
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_FIXED),
		^uintptr(0),
		0,
	)
	if errno != 0 {
		return errno
	}
	if addr != uintptr(base) {
		return unix.EINVAL
	}

	dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(content))
	copy(dst, content)

	if finalProt != unix.PROT_READ|unix.PROT_WRITE {
		if err := unix.Mprotect(dst, finalProt); err != nil {
			return err
		}
	}
	return nil
}
