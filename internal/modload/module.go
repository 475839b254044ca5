// Package modload maps a relocatable ELF patch object into the current
// process as a position-independent module: it partitions the object's
// loadable sections into text and data+bss segments (layout.go), builds
// a PLT/GOT for references to symbols outside the module (pltgot.go),
// resolves every relocation against internal symbols or the caller's
// three-tier external resolver (reloc.go), and hands back a Module
// describing where everything landed. Parsing the patch object itself
// uses debug/elf read-only, the same way internal/elfview grounds its
// read paths — this package never rewrites the patch object's own file,
// only the in-memory segment buffers it produces.
package modload

import (
	"debug/elf"
	"fmt"

	"github.com/shiva-rt/shiva/internal/shivaerr"
)

// Default segment bases and sizes: the module's text and data segments
// sit below internal/ulexec's default linker (0x600_000) and target
// (0x1_000_000) bases.
const (
	DefaultTextBase = 0x200_000
	DefaultDataBase = 0x280_000
	DefaultSegSize  = 0x80_000
)

// Module is a loaded patch object: its text (R+X) and data (R+W) buffers,
// the section placement table, and the PLT/GOT table for its external
// references. Finalize() is called once placement and relocation are
// complete, per spec.md §4.4's Finalization step.
type Module struct {
	Text       []byte
	Data       []byte
	TextBase   uint64
	DataBase   uint64
	Sections   []SectionPlacement
	PLTGOT     *PLTGOT
	EntrySym   string
	Finalized  bool
}

// sectionBase returns the placed address of the section carrying an
// elf.Symbol's Section index, used to compute internal relocation
// targets (section base + symbol value).
func (m *Module) sectionBase(secIdx int, f *elf.File) (uint64, bool) {
	if secIdx <= 0 || secIdx >= len(f.Sections) {
		return 0, false
	}
	name := f.Sections[secIdx].Name
	for _, p := range m.Sections {
		if p.Name == name {
			return p.Vaddr, true
		}
	}
	return 0, false
}

// Load parses the relocatable ELF object at path, places its loadable
// sections, resolves every relocation via resolve, and returns the
// loaded Module. textBase/dataBase are the arena starting addresses the
// caller chooses (cmd/shiva passes DefaultTextBase and DefaultDataBase).
func Load(path string, textBase, dataBase uint64, resolve SymbolResolver) (*Module, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, &shivaerr.LoaderError{Op: "open", Section: path, Err: err}
	}
	defer f.Close()

	if f.Type != elf.ET_REL {
		return nil, &shivaerr.LoaderError{Op: "open", Section: path, Message: "patch object is not relocatable (ET_REL)"}
	}

	textArena := NewArena(textBase, DefaultSegSize)
	dataArena := NewArena(dataBase, DefaultSegSize)

	placements, err := placeSections(f.Sections, textArena, dataArena)
	if err != nil {
		return nil, err
	}

	m := &Module{
		TextBase: textBase,
		DataBase: dataBase,
		Text:     make([]byte, textArena.Used()),
		Data:     make([]byte, dataArena.Used()),
		Sections: placements,
	}

	for _, p := range placements {
		sec := f.Section(p.Name)
		if sec == nil || p.IsNobits {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return nil, &shivaerr.LoaderError{Op: "read-section", Section: p.Name, Err: err}
		}
		m.copyInto(p, data)
	}

	syms, err := f.Symbols()
	if err != nil && len(f.Sections) > 0 {
		// A patch object with no symbol table at all has nothing to
		// relocate against; treat as empty rather than failing.
		syms = nil
	}

	externals, err := collectExternalSymbols(f, syms)
	if err != nil {
		return nil, err
	}
	if len(externals) > 0 {
		pltBase, err := textArena.Alloc(uint64(len(externals)*pltEntrySize), 16)
		if err != nil {
			return nil, &shivaerr.LoaderError{Op: "alloc-plt", Err: err}
		}
		gotBase, err := dataArena.Alloc(uint64(len(externals)*8), 8)
		if err != nil {
			return nil, &shivaerr.LoaderError{Op: "alloc-got", Err: err}
		}
		pg, err := NewPLTGOT(externals, resolve.Resolve, pltBase, gotBase)
		if err != nil {
			return nil, err
		}
		m.PLTGOT = pg
		m.growTo(textArena, dataArena)
		copy(m.Text[pltBase-textBase:], pg.PLT())
		copy(m.Data[gotBase-dataBase:], pg.GOT())
	}

	if err := m.applyRelocations(f, syms, resolve); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Module) copyInto(p SectionPlacement, data []byte) {
	if p.Seg == SegText {
		copy(m.Text[p.Offset:], data)
	} else {
		copy(m.Data[p.Offset:], data)
	}
}

// growTo extends Text/Data to the arenas' current extent, since PLT/GOT
// allocation happens after the initial section copy.
func (m *Module) growTo(textArena, dataArena *Arena) {
	if need := int(textArena.Used()); need > len(m.Text) {
		grown := make([]byte, need)
		copy(grown, m.Text)
		m.Text = grown
	}
	if need := int(dataArena.Used()); need > len(m.Data) {
		grown := make([]byte, need)
		copy(grown, m.Data)
		m.Data = grown
	}
}

// collectExternalSymbols returns the sorted-by-first-use list of symbol
// names referenced by a relocation but not defined in this module
// (elf.Symbol.Section == elf.SHN_UNDEF), which is exactly the set that
// needs a PLT/GOT slot.
func collectExternalSymbols(f *elf.File, syms []elf.Symbol) ([]string, error) {
	seen := map[string]bool{}
	var names []string
	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA && sec.Type != elf.SHT_REL {
			continue
		}
		relocs, err := decodeRelocs(f, sec)
		if err != nil {
			return nil, err
		}
		for _, rr := range relocs {
			if rr.symIdx == 0 || int(rr.symIdx) > len(syms) {
				continue
			}
			sym := syms[rr.symIdx-1]
			if sym.Section == elf.SHN_UNDEF && sym.Name != "" && !seen[sym.Name] {
				seen[sym.Name] = true
				names = append(names, sym.Name)
			}
		}
	}
	return names, nil
}

func (m *Module) applyRelocations(f *elf.File, syms []elf.Symbol, resolve SymbolResolver) error {
	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA && sec.Type != elf.SHT_REL {
			continue
		}
		targetName := sec.Name
		if len(targetName) > 5 && targetName[:5] == ".rela" {
			targetName = targetName[5:]
		} else if len(targetName) > 4 && targetName[:4] == ".rel" {
			targetName = targetName[4:]
		}
		var placement *SectionPlacement
		for i := range m.Sections {
			if m.Sections[i].Name == targetName {
				placement = &m.Sections[i]
				break
			}
		}
		if placement == nil {
			continue
		}

		relocs, err := decodeRelocs(f, sec)
		if err != nil {
			return err
		}
		buf := m.Text
		segBase := m.TextBase
		if placement.Seg == SegData {
			buf = m.Data
			segBase = m.DataBase
		}

		for _, rr := range relocs {
			r := Relocation{Offset: placement.Offset + rr.offset, Type: rr.rtype, Addend: rr.addend}
			if rr.symIdx == 0 || int(rr.symIdx) > len(syms) {
				return &shivaerr.LoaderError{Op: "relocate", Section: sec.Name, Message: "relocation symbol index out of range"}
			}
			sym := syms[rr.symIdx-1]
			if sym.Section == elf.SHN_UNDEF {
				r.SymName = sym.Name
			} else {
				secBase, ok := m.sectionBase(int(sym.Section), f)
				if !ok {
					return &shivaerr.LoaderError{Op: "relocate", Section: sec.Name, Message: fmt.Sprintf("symbol %s has no placed section", sym.Name)}
				}
				r.SymSect = secBase
				r.SymValue = sym.Value
			}
			if err := applyRelocation(buf, segBase, r, f.Machine, resolve); err != nil {
				return err
			}
		}
	}
	return nil
}
