// Package elfview is Shiva's narrow contract onto ELF64 bytes: the spec
// treats a full ELF-object library as an external collaborator (the
// original C leans on libelfmaster; nothing in the retrieval pack ships a
// Go equivalent that can also rewrite an ELF file in place), so this
// package plays that role directly. Read-only structural work (symbol
// tables, sections, DWARF-free relocations of already-linked images)
// prefers the standard library's debug/elf, grounded the same way
// other_examples' lambdai-pprof elfexec.go and JetSetIlly Gopher2600
// hardware/memory/cartridge/elf wrap it. Mutation — rewriting PT_INTERP,
// synthesizing a PT_LOAD/PT_DYNAMIC pair, appending strings — has no
// library anywhere in the pack and is hand-rolled here, the same way the
// original shiva-ld.c hand-rolls it against libelfmaster's segment/section
// modify calls.
package elfview

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

const (
	EhdrSize = 64
	PhdrSize = 56
	ShdrSize = 64

	// EIPad is the offset of the padding bytes in e_ident where Shiva
	// writes its prelink signature.
	EIPad = 9
)

// RawImage is a whole ELF64 file held in memory for byte-level reading
// and patching. All offsets are file offsets unless named Vaddr.
type RawImage struct {
	Path string
	Buf  []byte
}

// Open reads path fully into memory and validates the ELF64 magic.
func Open(path string) (*RawImage, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("elfview: open %s: %w", path, err)
	}
	if len(buf) < EhdrSize || string(buf[0:4]) != elf.ELFMAG {
		return nil, fmt.Errorf("elfview: %s is not an ELF file", path)
	}
	if buf[elf.EI_CLASS] != byte(elf.ELFCLASS64) {
		return nil, fmt.Errorf("elfview: %s is not ELF64", path)
	}
	return &RawImage{Path: path, Buf: buf}, nil
}

// Save writes the image to a temporary file in the same directory as out
// and renames it into place, so a crash or error never leaves a partial
// file at the destination path — the same write-temp-then-rename
// discipline the original prelinker uses via mkstemp+rename.
func (r *RawImage) Save(out string) error {
	dir := filepath.Dir(out)
	tmp, err := os.CreateTemp(dir, ".shiva-ld-*")
	if err != nil {
		return fmt.Errorf("elfview: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(r.Buf); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("elfview: write temp file: %w", err)
	}
	if fi, statErr := os.Stat(r.Path); statErr == nil {
		_ = tmp.Chmod(fi.Mode())
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("elfview: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, out); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("elfview: rename %s -> %s: %w", tmpPath, out, err)
	}
	return nil
}

// Ehdr is the subset of the ELF64 header Shiva inspects or mutates.
type Ehdr struct {
	Type      uint16
	Machine   uint16
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

func (r *RawImage) Ehdr() Ehdr {
	b := r.Buf
	return Ehdr{
		Type:      binary.LittleEndian.Uint16(b[16:18]),
		Machine:   binary.LittleEndian.Uint16(b[18:20]),
		Entry:     binary.LittleEndian.Uint64(b[24:32]),
		Phoff:     binary.LittleEndian.Uint64(b[32:40]),
		Shoff:     binary.LittleEndian.Uint64(b[40:48]),
		Phentsize: binary.LittleEndian.Uint16(b[54:56]),
		Phnum:     binary.LittleEndian.Uint16(b[56:58]),
		Shentsize: binary.LittleEndian.Uint16(b[58:60]),
		Shnum:     binary.LittleEndian.Uint16(b[60:62]),
		Shstrndx:  binary.LittleEndian.Uint16(b[62:64]),
	}
}

// SetSignature writes Shiva's prelink magic into the ELF identification
// padding bytes (e_ident[EI_PAD:]).
func (r *RawImage) SetSignature(magic uint32) {
	binary.LittleEndian.PutUint32(r.Buf[EIPad:EIPad+4], magic)
}

// Signature reads back the value written by SetSignature.
func (r *RawImage) Signature() uint32 {
	return binary.LittleEndian.Uint32(r.Buf[EIPad : EIPad+4])
}

// Phdr is a mutable ELF64 program header.
type Phdr struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// Phdrs parses and returns every program header.
func (r *RawImage) Phdrs() []Phdr {
	eh := r.Ehdr()
	out := make([]Phdr, 0, eh.Phnum)
	for i := 0; i < int(eh.Phnum); i++ {
		out = append(out, r.phdrAt(eh.Phoff, uint64(eh.Phentsize), i))
	}
	return out
}

func (r *RawImage) phdrAt(phoff, phentsize uint64, index int) Phdr {
	off := phoff + uint64(index)*phentsize
	b := r.Buf[off : off+PhdrSize]
	return Phdr{
		Type:   elf.ProgType(binary.LittleEndian.Uint32(b[0:4])),
		Flags:  elf.ProgFlag(binary.LittleEndian.Uint32(b[4:8])),
		Offset: binary.LittleEndian.Uint64(b[8:16]),
		Vaddr:  binary.LittleEndian.Uint64(b[16:24]),
		Paddr:  binary.LittleEndian.Uint64(b[24:32]),
		Filesz: binary.LittleEndian.Uint64(b[32:40]),
		Memsz:  binary.LittleEndian.Uint64(b[40:48]),
		Align:  binary.LittleEndian.Uint64(b[48:56]),
	}
}

// SetPhdr overwrites program header index in place.
func (r *RawImage) SetPhdr(index int, p Phdr) error {
	eh := r.Ehdr()
	if index < 0 || index >= int(eh.Phnum) {
		return fmt.Errorf("elfview: program header index %d out of range (phnum=%d)", index, eh.Phnum)
	}
	off := eh.Phoff + uint64(index)*uint64(eh.Phentsize)
	b := r.Buf[off : off+PhdrSize]
	binary.LittleEndian.PutUint32(b[0:4], uint32(p.Type))
	binary.LittleEndian.PutUint32(b[4:8], uint32(p.Flags))
	binary.LittleEndian.PutUint64(b[8:16], p.Offset)
	binary.LittleEndian.PutUint64(b[16:24], p.Vaddr)
	binary.LittleEndian.PutUint64(b[24:32], p.Paddr)
	binary.LittleEndian.PutUint64(b[32:40], p.Filesz)
	binary.LittleEndian.PutUint64(b[40:48], p.Memsz)
	binary.LittleEndian.PutUint64(b[48:56], p.Align)
	return nil
}

// Shdr is a mutable ELF64 section header.
type Shdr struct {
	NameOff   uint32
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

func (r *RawImage) Shdrs() []Shdr {
	eh := r.Ehdr()
	out := make([]Shdr, 0, eh.Shnum)
	for i := 0; i < int(eh.Shnum); i++ {
		out = append(out, r.shdrAt(eh.Shoff, uint64(eh.Shentsize), i))
	}
	return out
}

func (r *RawImage) shdrAt(shoff, shentsize uint64, index int) Shdr {
	off := shoff + uint64(index)*shentsize
	b := r.Buf[off : off+ShdrSize]
	return Shdr{
		NameOff:   binary.LittleEndian.Uint32(b[0:4]),
		Type:      elf.SectionType(binary.LittleEndian.Uint32(b[4:8])),
		Flags:     elf.SectionFlag(binary.LittleEndian.Uint64(b[8:16])),
		Addr:      binary.LittleEndian.Uint64(b[16:24]),
		Offset:    binary.LittleEndian.Uint64(b[24:32]),
		Size:      binary.LittleEndian.Uint64(b[32:40]),
		Link:      binary.LittleEndian.Uint32(b[40:44]),
		Info:      binary.LittleEndian.Uint32(b[44:48]),
		Addralign: binary.LittleEndian.Uint64(b[48:56]),
		Entsize:   binary.LittleEndian.Uint64(b[56:64]),
	}
}

// SetShdr overwrites section header index in place.
func (r *RawImage) SetShdr(index int, s Shdr) error {
	eh := r.Ehdr()
	if index < 0 || index >= int(eh.Shnum) {
		return fmt.Errorf("elfview: section header index %d out of range (shnum=%d)", index, eh.Shnum)
	}
	off := eh.Shoff + uint64(index)*uint64(eh.Shentsize)
	b := r.Buf[off : off+ShdrSize]
	binary.LittleEndian.PutUint32(b[0:4], s.NameOff)
	binary.LittleEndian.PutUint32(b[4:8], uint32(s.Type))
	binary.LittleEndian.PutUint64(b[8:16], uint64(s.Flags))
	binary.LittleEndian.PutUint64(b[16:24], s.Addr)
	binary.LittleEndian.PutUint64(b[24:32], s.Offset)
	binary.LittleEndian.PutUint64(b[32:40], s.Size)
	binary.LittleEndian.PutUint32(b[40:44], s.Link)
	binary.LittleEndian.PutUint32(b[44:48], s.Info)
	binary.LittleEndian.PutUint64(b[48:56], s.Addralign)
	binary.LittleEndian.PutUint64(b[56:64], s.Entsize)
	return nil
}

// SectionName resolves a section's name via the section header string
// table named by Ehdr.Shstrndx.
func (r *RawImage) SectionName(s Shdr) string {
	eh := r.Ehdr()
	strtab := r.shdrAt(eh.Shoff, uint64(eh.Shentsize), int(eh.Shstrndx))
	return r.CString(strtab.Offset + uint64(s.NameOff))
}

// CString reads a NUL-terminated string starting at file offset off.
func (r *RawImage) CString(off uint64) string {
	end := off
	for end < uint64(len(r.Buf)) && r.Buf[end] != 0 {
		end++
	}
	return string(r.Buf[off:end])
}

// VaddrToOffset translates a virtual address to a file offset using the
// first PT_LOAD segment that contains it.
func (r *RawImage) VaddrToOffset(vaddr uint64) (uint64, error) {
	for _, p := range r.Phdrs() {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if vaddr >= p.Vaddr && vaddr < p.Vaddr+p.Filesz {
			return p.Offset + (vaddr - p.Vaddr), nil
		}
	}
	return 0, fmt.Errorf("elfview: vaddr %#x not contained in any PT_LOAD segment", vaddr)
}

// Grow appends zero bytes until len(Buf) == size. It is a no-op if the
// buffer is already at least that long.
func (r *RawImage) Grow(size uint64) {
	if uint64(len(r.Buf)) >= size {
		return
	}
	r.Buf = append(r.Buf, make([]byte, size-uint64(len(r.Buf)))...)
}

// Append grows the buffer and copies data to the end, returning the file
// offset it was written at.
func (r *RawImage) Append(data []byte) uint64 {
	off := uint64(len(r.Buf))
	r.Buf = append(r.Buf, data...)
	return off
}
