package elfview

import (
	"debug/elf"
	"encoding/binary"
)

// Shiva's three custom dynamic tags, drawn from the OS-specific range as
// spec.md §3/§6 require: DT_LOOS + {10, 11, 12}.
const (
	DTShivaSearch      = int64(elf.DT_LOOS) + 10
	DTShivaNeeded      = int64(elf.DT_LOOS) + 11
	DTShivaOrigInterp  = int64(elf.DT_LOOS) + 12
	DynEntrySize       = 16 // sizeof(Elf64_Dyn): d_tag (8) + d_val/d_ptr (8)
	NewShivaTagCount   = 3  // DT_SHIVA_SEARCH, DT_SHIVA_NEEDED, DT_SHIVA_ORIG_INTERP
)

// DynTag is one Elf64_Dyn entry: a signed tag and an unsigned value/addr.
type DynTag struct {
	Tag int64
	Val uint64
}

// EncodeDynTag appends the 16-byte wire representation of a dynamic tag
// to dst and returns the extended slice.
func EncodeDynTag(dst []byte, tag int64, val uint64) []byte {
	var buf [DynEntrySize]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(tag))
	binary.LittleEndian.PutUint64(buf[8:16], val)
	return append(dst, buf[:]...)
}

// ReadDynTags parses every Elf64_Dyn entry in the segment's file range,
// excluding the trailing DT_NULL terminator, and returns them in order.
func (r *RawImage) ReadDynTags(seg Phdr) []DynTag {
	var tags []DynTag
	for off := seg.Offset; off+DynEntrySize <= seg.Offset+seg.Filesz; off += DynEntrySize {
		tag := int64(binary.LittleEndian.Uint64(r.Buf[off : off+8]))
		val := binary.LittleEndian.Uint64(r.Buf[off+8 : off+16])
		if tag == int64(elf.DT_NULL) {
			break
		}
		tags = append(tags, DynTag{Tag: tag, Val: val})
	}
	return tags
}

// DynTagCount returns the number of non-terminator entries in the PT_DYNAMIC
// segment, matching elf_dtag_count in the original C (elf_dtag_count *
// sizeof(ElfW(Dyn))).
func (r *RawImage) DynTagCount(seg Phdr) int {
	return len(r.ReadDynTags(seg))
}

// InterpreterString returns the content of a PT_INTERP segment together
// with the segment header itself (the caller needs seg.Offset and
// seg.Filesz to overwrite it in place). ok is false if no PT_INTERP
// segment exists (a statically linked executable).
func (r *RawImage) InterpreterString() (path string, seg Phdr, ok bool) {
	for _, p := range r.Phdrs() {
		if p.Type == elf.PT_INTERP {
			return r.CString(p.Offset), p, true
		}
	}
	return "", Phdr{}, false
}

// OverwriteInterpreter replaces the PT_INTERP string in place. It fails
// (returns false) if newPath, including its NUL terminator, would not fit
// within the original segment's file size — the original string must not
// be overrun, since nothing after it is guaranteed to be padding.
func (r *RawImage) OverwriteInterpreter(seg Phdr, newPath string) bool {
	if uint64(len(newPath)+1) > seg.Filesz {
		return false
	}
	copy(r.Buf[seg.Offset:], []byte(newPath))
	r.Buf[seg.Offset+uint64(len(newPath))] = 0
	for i := uint64(len(newPath)) + 1; i < seg.Filesz; i++ {
		r.Buf[seg.Offset+i] = 0
	}
	return true
}
