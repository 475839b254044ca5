package modload

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// buildPatchObjectELF hand-assembles a minimal ET_REL x86_64 object with
// one .text section, a symbol table holding one symbol defined in .text
// and one left undefined (external), and a .rela.text section relocating
// against both — enough for Load to exercise placement, internal
// relocation, and external resolution in one pass. Grounded the same way
// internal/prelink/fixture_test.go hand-assembles its ET_EXEC fixture.
func buildPatchObjectELF(t *testing.T) string {
	t.Helper()

	const ehdrSize = 64
	text := make([]byte, 16) // two patch sites: offset 0 (8B) and offset 8 (4B)

	strtab := []byte{0}
	internalNameOff := uint32(len(strtab))
	strtab = append(strtab, append([]byte("internal_sym"), 0)...)
	externalNameOff := uint32(len(strtab))
	strtab = append(strtab, append([]byte("external_helper"), 0)...)

	sym := make([]byte, 0, 72)
	sym = appendSym64(sym, 0, 0, 0, 0, 0) // null symbol
	sym = appendSym64(sym, internalNameOff, 0x11, 1 /* .text */, 0, 0)
	sym = appendSym64(sym, externalNameOff, 0x12, 0 /* SHN_UNDEF */, 0, 0)

	rela := make([]byte, 0, 48)
	rela = appendRela64(rela, 0, 1, uint32(elf.R_X86_64_64), 0)
	rela = appendRela64(rela, 8, 2, uint32(elf.R_X86_64_PC32), -4)

	shstrtab := []byte{0}
	nameOff := map[string]uint32{}
	for _, n := range []string{".text", ".rela.text", ".symtab", ".strtab", ".shstrtab"} {
		nameOff[n] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, append([]byte(n), 0)...)
	}

	textOff := uint64(ehdrSize)
	relaOff := textOff + uint64(len(text))
	symOff := relaOff + uint64(len(rela))
	strOff := symOff + uint64(len(sym))
	shstrOff := strOff + uint64(len(strtab))
	shOff := shstrOff + uint64(len(shstrtab))

	const shnum = 6
	const shentsz = 64
	total := shOff + shnum*shentsz
	buf := make([]byte, total)

	copy(buf[0:4], elf.ELFMAG)
	buf[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	buf[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	buf[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	buf[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)
	binary.LittleEndian.PutUint16(buf[16:18], uint16(elf.ET_REL))
	binary.LittleEndian.PutUint16(buf[18:20], uint16(elf.EM_X86_64))
	binary.LittleEndian.PutUint32(buf[20:24], 1)
	binary.LittleEndian.PutUint64(buf[40:48], shOff)
	binary.LittleEndian.PutUint16(buf[52:54], ehdrSize)
	binary.LittleEndian.PutUint16(buf[58:60], shentsz)
	binary.LittleEndian.PutUint16(buf[60:62], shnum)
	binary.LittleEndian.PutUint16(buf[62:64], 5) // e_shstrndx

	copy(buf[textOff:], text)
	copy(buf[relaOff:], rela)
	copy(buf[symOff:], sym)
	copy(buf[strOff:], strtab)
	copy(buf[shstrOff:], shstrtab)

	writeShdrModload(buf, shOff, 0, shdrFieldsModload{})
	writeShdrModload(buf, shOff, 1, shdrFieldsModload{
		NameOff: nameOff[".text"], Type: uint32(elf.SHT_PROGBITS),
		Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR), Offset: textOff, Size: uint64(len(text)), Addralign: 16,
	})
	writeShdrModload(buf, shOff, 2, shdrFieldsModload{
		NameOff: nameOff[".rela.text"], Type: uint32(elf.SHT_RELA),
		Offset: relaOff, Size: uint64(len(rela)), Link: 3, Info: 1, Addralign: 8, Entsize: 24,
	})
	writeShdrModload(buf, shOff, 3, shdrFieldsModload{
		NameOff: nameOff[".symtab"], Type: uint32(elf.SHT_SYMTAB),
		Offset: symOff, Size: uint64(len(sym)), Link: 4, Addralign: 8, Entsize: 24,
	})
	writeShdrModload(buf, shOff, 4, shdrFieldsModload{
		NameOff: nameOff[".strtab"], Type: uint32(elf.SHT_STRTAB), Offset: strOff, Size: uint64(len(strtab)), Addralign: 1,
	})
	writeShdrModload(buf, shOff, 5, shdrFieldsModload{
		NameOff: nameOff[".shstrtab"], Type: uint32(elf.SHT_STRTAB), Offset: shstrOff, Size: uint64(len(shstrtab)), Addralign: 1,
	})

	path := filepath.Join(t.TempDir(), "patch.o")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write patch object: %v", err)
	}
	return path
}

func appendSym64(dst []byte, name uint32, info byte, shndx uint16, value, size uint64) []byte {
	var b [24]byte
	binary.LittleEndian.PutUint32(b[0:4], name)
	b[4] = info
	b[5] = 0
	binary.LittleEndian.PutUint16(b[6:8], shndx)
	binary.LittleEndian.PutUint64(b[8:16], value)
	binary.LittleEndian.PutUint64(b[16:24], size)
	return append(dst, b[:]...)
}

func appendRela64(dst []byte, offset uint64, symIdx uint32, rtype uint32, addend int64) []byte {
	var b [24]byte
	binary.LittleEndian.PutUint64(b[0:8], offset)
	info := uint64(symIdx)<<32 | uint64(rtype)
	binary.LittleEndian.PutUint64(b[8:16], info)
	binary.LittleEndian.PutUint64(b[16:24], uint64(addend))
	return append(dst, b[:]...)
}

type shdrFieldsModload struct {
	NameOff            uint32
	Type               uint32
	Flags              uint64
	Offset, Size       uint64
	Link, Info         uint32
	Addralign, Entsize uint64
}

func writeShdrModload(buf []byte, shoff uint64, index int, f shdrFieldsModload) {
	off := shoff + uint64(index)*64
	b := buf[off : off+64]
	binary.LittleEndian.PutUint32(b[0:4], f.NameOff)
	binary.LittleEndian.PutUint32(b[4:8], f.Type)
	binary.LittleEndian.PutUint64(b[8:16], f.Flags)
	binary.LittleEndian.PutUint64(b[24:32], f.Offset)
	binary.LittleEndian.PutUint64(b[32:40], f.Size)
	binary.LittleEndian.PutUint32(b[40:44], f.Link)
	binary.LittleEndian.PutUint32(b[44:48], f.Info)
	binary.LittleEndian.PutUint64(b[48:56], f.Addralign)
	binary.LittleEndian.PutUint64(b[56:64], f.Entsize)
}

func TestLoadPlacesAndRelocates(t *testing.T) {
	path := buildPatchObjectELF(t)
	resolver := MapResolver{"external_helper": 0x7f0000}

	m, err := Load(path, DefaultTextBase, DefaultDataBase, resolver)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	wantSections := []SectionPlacement{
		{Name: ".text", Seg: SegText, Vaddr: DefaultTextBase, Offset: 0, Size: 16, IsNobits: false},
	}
	if diff := cmp.Diff(wantSections, m.Sections); diff != "" {
		t.Fatalf("section placement mismatch (-want +got):\n%s", diff)
	}

	internal := binary.LittleEndian.Uint64(m.Text[0:8])
	if internal != DefaultTextBase {
		t.Errorf("internal relocation = %#x, want %#x (section base)", internal, uint64(DefaultTextBase))
	}

	site := DefaultTextBase + 8
	want := int32(int64(0x7f0000-4) - int64(site))
	got := int32(binary.LittleEndian.Uint32(m.Text[8:12]))
	if got != want {
		t.Errorf("external PC32 relocation = %d, want %d", got, want)
	}
}

func TestLoadFailsOnUnresolvedExternal(t *testing.T) {
	path := buildPatchObjectELF(t)
	_, err := Load(path, DefaultTextBase, DefaultDataBase, MapResolver{})
	if err == nil {
		t.Fatal("expected unresolved-symbol failure")
	}
}

func TestLoadRejectsNonRelocatable(t *testing.T) {
	// Reuse the patch object builder but flip e_type to ET_EXEC.
	path := buildPatchObjectELF(t)
	buf, _ := os.ReadFile(path)
	binary.LittleEndian.PutUint16(buf[16:18], uint16(elf.ET_EXEC))
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("rewrite fixture: %v", err)
	}
	if _, err := Load(path, DefaultTextBase, DefaultDataBase, MapResolver{}); err == nil {
		t.Fatal("expected rejection of a non-ET_REL object")
	}
}
