package modload

import "fmt"

// Arena is a bump allocator over a fixed-size virtual address range,
// grounded on the teacher's arena.go bump-allocator idiom (a running
// pointer advanced by each allocation's size, never freed individually).
// The module loader uses one per segment (text, data) to hand out
// section addresses (aligned to each section's own alignment) and
// PLT/GOT slots without a per-entry allocation.
type Arena struct {
	base    uint64
	cursor  uint64
	limit   uint64
}

// NewArena creates an arena spanning [base, base+size).
func NewArena(base, size uint64) *Arena {
	return &Arena{base: base, cursor: base, limit: base + size}
}

// Alloc reserves size bytes aligned to align (which must be a power of
// two) and returns the address of the reservation.
func (a *Arena) Alloc(size, align uint64) (uint64, error) {
	if align == 0 {
		align = 1
	}
	aligned := (a.cursor + align - 1) &^ (align - 1)
	if aligned+size > a.limit {
		return 0, fmt.Errorf("arena: out of space: need %d bytes at %#x, limit %#x", size, aligned, a.limit)
	}
	a.cursor = aligned + size
	return aligned, nil
}

// Used returns the number of bytes consumed so far, from base to the
// current cursor (not from zero, so alignment padding is included).
func (a *Arena) Used() uint64 {
	return a.cursor - a.base
}

// Base returns the arena's starting address.
func (a *Arena) Base() uint64 {
	return a.base
}
