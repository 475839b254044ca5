package modload

import (
	"debug/elf"

	"github.com/shiva-rt/shiva/internal/shivaerr"
)

// Segment names the two runtime buffers a module is split into, per
// spec.md §3's "two runtime segments (text, data+bss)".
type Segment int

const (
	SegText Segment = iota
	SegData
)

func (s Segment) String() string {
	if s == SegText {
		return "text"
	}
	return "data"
}

// SectionPlacement records where one loadable section of the patch
// object ended up: which runtime segment, its assigned virtual address,
// its offset within that segment's buffer, and its size.
type SectionPlacement struct {
	Name    string
	Seg     Segment
	Vaddr   uint64
	Offset  uint64
	Size    uint64
	IsNobits bool // true for .bss: reserves space but copies no file bytes
}

// classify partitions a loadable section into text or data by attribute,
// per spec.md §4.4: executable -> text, writable or allocatable-only ->
// data (.bss included as a zero-fill tail of data).
func classify(s *elf.Section) (Segment, bool) {
	if s.Flags&elf.SHF_ALLOC == 0 {
		return 0, false
	}
	if s.Flags&elf.SHF_EXECINSTR != 0 {
		return SegText, true
	}
	return SegData, true
}

// placeSections assigns each loadable section of f an address within its
// segment's arena, in section order, per spec.md §4.4 ("assign each
// section an address within the corresponding segment by bumping a
// running offset with alignment").
func placeSections(sections []*elf.Section, textArena, dataArena *Arena) ([]SectionPlacement, error) {
	var placements []SectionPlacement
	for _, s := range sections {
		seg, ok := classify(s)
		if !ok {
			continue
		}
		align := s.Addralign
		if align == 0 {
			align = 1
		}
		arena := textArena
		if seg == SegData {
			arena = dataArena
		}
		vaddr, err := arena.Alloc(s.Size, align)
		if err != nil {
			return nil, &shivaerr.LoaderError{Op: "place-section", Section: s.Name, Err: err}
		}
		placements = append(placements, SectionPlacement{
			Name:     s.Name,
			Seg:      seg,
			Vaddr:    vaddr,
			Offset:   vaddr - arena.Base(),
			Size:     s.Size,
			IsNobits: s.Type == elf.SHT_NOBITS,
		})
	}
	return placements, nil
}
