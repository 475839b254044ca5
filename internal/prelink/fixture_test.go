package prelink

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// buildFixtureELF hand-assembles a minimal ELF64 dynamic executable with
// the program header shape Run requires: PT_LOAD, PT_INTERP, PT_DYNAMIC,
// PT_NOTE (in that order, satisfying the PT_DYNAMIC-precedes-PT_NOTE
// invariant), plus a .dynamic/.shstrtab section header pair so
// retargetDynamicSection has something to update. It returns the path to
// the file it wrote under t.TempDir().
func buildFixtureELF(t *testing.T, interp string) string {
	t.Helper()

	const (
		ehdrOff = 0
		phOff   = 64
		phnum   = 4
		phentsz = 56
	)
	interpOff := uint64(phOff + phnum*phentsz) // 288
	interpBytes := append([]byte(interp), 0)
	dynOff := interpOff + uint64(len(interpBytes))
	dynBytes := make([]byte, 0, 32)
	dynBytes = elfviewEncodeDynTag(dynBytes, int64(elf.DT_NEEDED), 0)
	dynBytes = elfviewEncodeDynTag(dynBytes, int64(elf.DT_NULL), 0)
	shstrOff := dynOff + uint64(len(dynBytes))
	shstrtab := []byte{0}
	shstrtab = append(shstrtab, append([]byte(".dynamic"), 0)...)
	shstrtab = append(shstrtab, append([]byte(".shstrtab"), 0)...)
	shOff := shstrOff + uint64(len(shstrtab))
	const shnum = 3
	const shentsz = 64
	noteOff := shOff + uint64(shnum*shentsz)
	noteBytes := make([]byte, 32)
	total := noteOff + uint64(len(noteBytes))

	buf := make([]byte, total)

	// e_ident
	copy(buf[0:4], elf.ELFMAG)
	buf[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	buf[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	buf[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	buf[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)

	binary.LittleEndian.PutUint16(buf[16:18], uint16(elf.ET_EXEC))
	binary.LittleEndian.PutUint16(buf[18:20], uint16(elf.EM_X86_64))
	binary.LittleEndian.PutUint32(buf[20:24], 1)
	binary.LittleEndian.PutUint64(buf[24:32], 0x401000)
	binary.LittleEndian.PutUint64(buf[32:40], phOff)
	binary.LittleEndian.PutUint64(buf[40:48], shOff)
	binary.LittleEndian.PutUint16(buf[52:54], 64)
	binary.LittleEndian.PutUint16(buf[54:56], phentsz)
	binary.LittleEndian.PutUint16(buf[56:58], phnum)
	binary.LittleEndian.PutUint16(buf[58:60], shentsz)
	binary.LittleEndian.PutUint16(buf[60:62], shnum)
	binary.LittleEndian.PutUint16(buf[62:64], 2) // shstrndx

	const base = 0x400000
	writePhdr(buf, phOff, 0, phdrFields{
		Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_X),
		Offset: 0, Vaddr: base, Paddr: base, Filesz: total, Memsz: total, Align: 0x1000,
	})
	writePhdr(buf, phOff, 1, phdrFields{
		Type: uint32(elf.PT_INTERP), Flags: uint32(elf.PF_R),
		Offset: interpOff, Vaddr: base + interpOff, Paddr: base + interpOff,
		Filesz: uint64(len(interpBytes)), Memsz: uint64(len(interpBytes)), Align: 1,
	})
	writePhdr(buf, phOff, 2, phdrFields{
		Type: uint32(elf.PT_DYNAMIC), Flags: uint32(elf.PF_R | elf.PF_W),
		Offset: dynOff, Vaddr: base + dynOff, Paddr: base + dynOff,
		Filesz: uint64(len(dynBytes)), Memsz: uint64(len(dynBytes)), Align: 8,
	})
	writePhdr(buf, phOff, 3, phdrFields{
		Type: uint32(elf.PT_NOTE), Flags: uint32(elf.PF_R),
		Offset: noteOff, Vaddr: base + noteOff, Paddr: base + noteOff,
		Filesz: uint64(len(noteBytes)), Memsz: uint64(len(noteBytes)), Align: 8,
	})

	copy(buf[interpOff:], interpBytes)
	copy(buf[dynOff:], dynBytes)
	copy(buf[shstrOff:], shstrtab)
	copy(buf[noteOff:], noteBytes)

	writeShdr(buf, shOff, 0, shdrFields{})
	writeShdr(buf, shOff, 1, shdrFields{
		NameOff: 1, Type: uint32(elf.SHT_DYNAMIC), Flags: uint64(elf.SHF_WRITE | elf.SHF_ALLOC),
		Addr: base + dynOff, Offset: dynOff, Size: uint64(len(dynBytes)), Addralign: 8, Entsize: 16,
	})
	writeShdr(buf, shOff, 2, shdrFields{
		NameOff: 10, Type: uint32(elf.SHT_STRTAB), Offset: shstrOff, Size: uint64(len(shstrtab)), Addralign: 1,
	})

	path := filepath.Join(t.TempDir(), "fixture.elf")
	if err := os.WriteFile(path, buf, 0o755); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

type phdrFields struct {
	Type, Flags                          uint32
	Offset, Vaddr, Paddr, Filesz, Memsz, Align uint64
}

func writePhdr(buf []byte, phoff uint64, index int, f phdrFields) {
	off := phoff + uint64(index)*56
	b := buf[off : off+56]
	binary.LittleEndian.PutUint32(b[0:4], f.Type)
	binary.LittleEndian.PutUint32(b[4:8], f.Flags)
	binary.LittleEndian.PutUint64(b[8:16], f.Offset)
	binary.LittleEndian.PutUint64(b[16:24], f.Vaddr)
	binary.LittleEndian.PutUint64(b[24:32], f.Paddr)
	binary.LittleEndian.PutUint64(b[32:40], f.Filesz)
	binary.LittleEndian.PutUint64(b[40:48], f.Memsz)
	binary.LittleEndian.PutUint64(b[48:56], f.Align)
}

type shdrFields struct {
	NameOff           uint32
	Type              uint32
	Flags             uint64
	Addr, Offset, Size uint64
	Link, Info        uint32
	Addralign, Entsize uint64
}

func writeShdr(buf []byte, shoff uint64, index int, f shdrFields) {
	off := shoff + uint64(index)*64
	b := buf[off : off+64]
	binary.LittleEndian.PutUint32(b[0:4], f.NameOff)
	binary.LittleEndian.PutUint32(b[4:8], f.Type)
	binary.LittleEndian.PutUint64(b[8:16], f.Flags)
	binary.LittleEndian.PutUint64(b[16:24], f.Addr)
	binary.LittleEndian.PutUint64(b[24:32], f.Offset)
	binary.LittleEndian.PutUint64(b[32:40], f.Size)
	binary.LittleEndian.PutUint32(b[40:44], f.Link)
	binary.LittleEndian.PutUint32(b[44:48], f.Info)
	binary.LittleEndian.PutUint64(b[48:56], f.Addralign)
	binary.LittleEndian.PutUint64(b[56:64], f.Entsize)
}

// elfviewEncodeDynTag mirrors elfview.EncodeDynTag without importing the
// package twice under a different alias in this file's build.
func elfviewEncodeDynTag(dst []byte, tag int64, val uint64) []byte {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], uint64(tag))
	binary.LittleEndian.PutUint64(b[8:16], val)
	return append(dst, b[:]...)
}
