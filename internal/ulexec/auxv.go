package ulexec

import "github.com/shiva-rt/shiva/internal/shivaiter"

// Auxiliary vector type constants Shiva's new vector needs, per spec.md
// §4.2 ("a new auxv with entries pointing at the loaded target's program
// header table, entry, phent/phnum, page size, etc.").
const (
	AT_NULL   = 0
	AT_PHDR   = 3
	AT_PHENT  = 4
	AT_PHNUM  = 5
	AT_PAGESZ = 6
	AT_BASE   = 7
	AT_ENTRY  = 9
)

// AuxvEntry is one (type, value) pair of the auxiliary vector.
type AuxvEntry struct {
	Type  int64
	Value uint64
}

// BuildAuxv materializes the auxiliary vector entries describing target,
// terminated by AT_NULL. linkerBase becomes AT_BASE, matching the
// dynamic linker's own load bias.
func BuildAuxv(target *Image, linkerBase uint64) []AuxvEntry {
	return []AuxvEntry{
		{AT_PHDR, target.Phdr},
		{AT_PHENT, uint64(target.Phentsize)},
		{AT_PHNUM, uint64(target.Phnum)},
		{AT_PAGESZ, PageSize},
		{AT_BASE, linkerBase},
		{AT_ENTRY, target.Entry},
		{AT_NULL, 0},
	}
}

// AuxvIterator replays a materialized auxv one entry at a time using the
// tri-state iterator protocol, and lets a caller patch an entry's value
// in place — mirroring the original's shiva_auxv_set_value, used to fix
// up AT_ENTRY/AT_PHDR/AT_BASE once final load addresses are known rather
// than requiring the whole vector to be rebuilt.
type AuxvIterator struct {
	entries []AuxvEntry
	pos     int
}

// NewAuxvIterator returns an iterator over entries (typically the slice
// returned by BuildAuxv).
func NewAuxvIterator(entries []AuxvEntry) *AuxvIterator {
	return &AuxvIterator{entries: entries}
}

// Next returns IterOK with the next entry, or IterDone once every entry
// (including the AT_NULL terminator) has been yielded, consistent with
// internal/memmap.Iterator and internal/callsite.Iterator.
func (it *AuxvIterator) Next() (AuxvEntry, shivaiter.Result) {
	if it.pos >= len(it.entries) {
		return AuxvEntry{}, shivaiter.Done
	}
	e := it.entries[it.pos]
	it.pos++
	return e, shivaiter.OK
}

// SetValue finds the first entry of the given auxv type and overwrites
// its value, reporting whether one was found.
func (it *AuxvIterator) SetValue(atType int64, value uint64) bool {
	for i := range it.entries {
		if it.entries[i].Type == atType {
			it.entries[i].Value = value
			return true
		}
	}
	return false
}
