package modload

import (
	"debug/elf"
	"encoding/binary"

	"github.com/shiva-rt/shiva/internal/shivaerr"
)

// SymbolResolver resolves an external (undefined-in-module) symbol name
// to an absolute address, per spec.md §4.4's three-tier lookup order:
// (1) Shiva's own exported helpers, (2) the target binary's exported
// dynamic symbols, (3) addresses the callsite analyzer discovered for
// target-binary functions lacking a dynamic symbol. Callers compose the
// three tiers (e.g. with a chained resolver) before passing one in here;
// this package only needs the single merged contract.
type SymbolResolver interface {
	Resolve(name string) (addr uint64, ok bool)
}

// ChainResolver tries each SymbolResolver in order and returns the first
// hit, implementing the three-tier lookup order directly.
type ChainResolver []SymbolResolver

func (c ChainResolver) Resolve(name string) (uint64, bool) {
	for _, r := range c {
		if addr, ok := r.Resolve(name); ok {
			return addr, true
		}
	}
	return 0, false
}

// MapResolver is a SymbolResolver backed by a plain name->address table,
// used for Shiva's own exported-helper tier and for simple tests.
type MapResolver map[string]uint64

func (m MapResolver) Resolve(name string) (uint64, bool) {
	addr, ok := m[name]
	return addr, ok
}

// Relocation is one entry from a relocatable section's .rela table,
// reduced to the fields applyRelocation needs.
type Relocation struct {
	Offset   uint64 // offset within the segment buffer holding the target section
	Type     uint32
	Addend   int64
	SymName  string // empty if the symbol is defined within this module
	SymValue uint64 // section-relative value, if internal
	SymSect  uint64 // base address of the symbol's defining section, if internal
}

// applyRelocation patches buf (the bytes of the segment holding the
// section being relocated, placed at sectionBase) for one relocation
// record, per spec.md §4.4. PC-relative types compute their addend
// relative to the patch site's own runtime address (sectionBase +
// r.Offset).
func applyRelocation(buf []byte, sectionBase uint64, r Relocation, machine elf.Machine, resolve SymbolResolver) error {
	var value uint64
	if r.SymName == "" {
		value = uint64(int64(r.SymSect+r.SymValue) + r.Addend)
	} else {
		addr, ok := resolve.Resolve(r.SymName)
		if !ok {
			return &shivaerr.RelocationError{Symbol: r.SymName, Message: "unresolved external symbol"}
		}
		value = uint64(int64(addr) + r.Addend)
	}

	site := sectionBase + r.Offset
	if r.Offset >= uint64(len(buf)) {
		return &shivaerr.LoaderError{Op: "apply-relocation", Message: "relocation offset out of section bounds"}
	}

	switch machine {
	case elf.EM_X86_64:
		return applyX86_64(buf, r, site, value)
	case elf.EM_AARCH64:
		return applyAArch64(buf, r, site, value)
	default:
		return &shivaerr.RelocationError{Type: r.Type, Message: "unsupported machine"}
	}
}

func applyX86_64(buf []byte, r Relocation, site, value uint64) error {
	switch elf.R_X86_64(r.Type) {
	case elf.R_X86_64_64:
		if r.Offset+8 > uint64(len(buf)) {
			return &shivaerr.LoaderError{Op: "apply-relocation", Message: "relocation offset out of section bounds"}
		}
		binary.LittleEndian.PutUint64(buf[r.Offset:], value)
	case elf.R_X86_64_32S, elf.R_X86_64_32:
		if r.Offset+4 > uint64(len(buf)) {
			return &shivaerr.LoaderError{Op: "apply-relocation", Message: "relocation offset out of section bounds"}
		}
		binary.LittleEndian.PutUint32(buf[r.Offset:], uint32(value))
	case elf.R_X86_64_PC32, elf.R_X86_64_PLT32:
		if r.Offset+4 > uint64(len(buf)) {
			return &shivaerr.LoaderError{Op: "apply-relocation", Message: "relocation offset out of section bounds"}
		}
		rel := int32(int64(value) - int64(site))
		binary.LittleEndian.PutUint32(buf[r.Offset:], uint32(rel))
	default:
		return &shivaerr.RelocationError{Type: r.Type, Message: "unsupported x86_64 relocation type"}
	}
	return nil
}

// rawReloc is one decoded entry from a .rela/.rel section, before the
// symbol table is consulted to classify it internal vs. external.
type rawReloc struct {
	offset uint64
	symIdx uint32
	rtype  uint32
	addend int64
}

// decodeRelocs reads an ELF64 SHT_RELA or SHT_REL section's raw bytes.
// Both x86_64 and aarch64 relocatable objects emit RELA exclusively, but
// REL is decoded too (without an explicit addend) for robustness.
func decodeRelocs(f *elf.File, sec *elf.Section) ([]rawReloc, error) {
	data, err := sec.Data()
	if err != nil {
		return nil, &shivaerr.LoaderError{Op: "read-relocs", Section: sec.Name, Err: err}
	}
	bo := f.ByteOrder

	var entrySize int
	hasAddend := sec.Type == elf.SHT_RELA
	if hasAddend {
		entrySize = 24
	} else {
		entrySize = 16
	}
	if entrySize == 0 || len(data)%entrySize != 0 {
		return nil, &shivaerr.LoaderError{Op: "read-relocs", Section: sec.Name, Message: "malformed relocation section"}
	}

	var out []rawReloc
	for off := 0; off < len(data); off += entrySize {
		rec := data[off : off+entrySize]
		offset := bo.Uint64(rec[0:8])
		info := bo.Uint64(rec[8:16])
		rtype := uint32(info)
		symIdx := uint32(info >> 32)
		var addend int64
		if hasAddend {
			addend = int64(bo.Uint64(rec[16:24]))
		}
		out = append(out, rawReloc{offset: offset, symIdx: symIdx, rtype: rtype, addend: addend})
	}
	return out, nil
}

func applyAArch64(buf []byte, r Relocation, site, value uint64) error {
	switch elf.R_AARCH64(r.Type) {
	case elf.R_AARCH64_ABS64:
		binary.LittleEndian.PutUint64(buf[r.Offset:], value)
	case elf.R_AARCH64_CALL26, elf.R_AARCH64_JUMP26:
		disp := int64(value) - int64(site)
		if disp%4 != 0 {
			return &shivaerr.RelocationError{Type: r.Type, Message: "unaligned branch target"}
		}
		imm26 := uint32((disp/4)&0x03ffffff)
		if r.Offset+4 > uint64(len(buf)) {
			return &shivaerr.LoaderError{Op: "apply-relocation", Message: "relocation offset out of section bounds"}
		}
		word := binary.LittleEndian.Uint32(buf[r.Offset:])
		word = (word &^ 0x03ffffff) | imm26
		binary.LittleEndian.PutUint32(buf[r.Offset:], word)
	default:
		return &shivaerr.RelocationError{Type: r.Type, Message: "unsupported aarch64 relocation type"}
	}
	return nil
}
