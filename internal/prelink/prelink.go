// Package prelink rewrites a dynamically linked ELF executable so that
// the kernel maps Shiva instead of the real dynamic linker, and so that
// Shiva can find the patch object and the real linker once it runs. It is
// the Go analogue of shiva-ld.c: given (input executable, patch basename,
// search path, new interpreter path, output path), it replaces PT_INTERP
// and synthesizes a PT_LOAD/PT_DYNAMIC pair carrying three extra dynamic
// tags and the strings they point at.
package prelink

import (
	"debug/elf"
	"fmt"

	"github.com/shiva-rt/shiva/internal/elfview"
	"github.com/shiva-rt/shiva/internal/shivaerr"
	"github.com/shiva-rt/shiva/internal/shivaformat"
	"github.com/shiva-rt/shiva/internal/shivalog"
)

const pageSize = 4096

// Request names the five inputs the prelinker contract requires.
type Request struct {
	InputExec  string
	PatchBase  string // basename of the patch object, e.g. "noop.o"
	SearchPath string // module search directory, e.g. "/opt/shiva/modules"
	InterpPath string // new interpreter path, e.g. "/lib/shiva"
	OutputExec string
}

// newSegment tracks the coordinates of the synthesized PT_LOAD as it is
// computed, mirroring struct shiva_prelink_ctx's new_segment member.
type newSegment struct {
	vaddr            uint64
	offset           uint64
	filesz           uint64
	memsz            uint64
	dynSize          uint64
	searchPathOffset uint64
	neededOffset     uint64
	origInterpOffset uint64
}

func pageAlign(v uint64) uint64 {
	return (v + pageSize - 1) &^ (pageSize - 1)
}

// Run performs the full prelink rewrite described in spec.md §4.1 and
// writes the result to req.OutputExec. On any failure no output file is
// left behind: Run only calls RawImage.Save once every mutation has
// succeeded, and Save itself writes to a temp file and renames, so a
// process kill mid-write cannot corrupt an existing OutputExec either.
func Run(req Request) error {
	img, err := elfview.Open(req.InputExec)
	if err != nil {
		return &shivaerr.PrelinkError{Op: "open", Path: req.InputExec, Err: err}
	}

	origInterpPath, interpSeg, hasInterp := img.InterpreterString()
	if !hasInterp {
		return &shivaerr.PrelinkError{Op: "check-interp", Path: req.InputExec,
			Message: "static ELF unsupported"}
	}

	phdrs := img.Phdrs()
	dynIndex, dynSeg, hasDynamic := findDynamic(phdrs)
	if !hasDynamic {
		return &shivaerr.PrelinkError{Op: "check-dynamic", Path: req.InputExec,
			Message: "static ELF unsupported"}
	}

	// If the input is already prelinked, its PT_INTERP now names Shiva
	// itself rather than the real linker. Reuse the original-interpreter
	// string already recorded in DT_SHIVA_ORIG_INTERP so that repeated
	// prelinking is idempotent (spec.md §8 invariant 1: stable modulo the
	// original-interp string) instead of clobbering it on every pass.
	if stable, ok := findStableOrigInterp(img, img.ReadDynTags(dynSeg)); ok {
		origInterpPath = stable
	}

	// The slot to repurpose as the new segment's PT_LOAD is normally
	// PT_NOTE. But on a binary Shiva already prelinked, that PT_NOTE slot
	// was already consumed by the previous run — the slot to reuse this
	// time is the synthetic PT_LOAD that run left behind, identified by
	// sharing PT_DYNAMIC's file offset. Without this case, re-running Run
	// on its own output would fail to find a PT_NOTE at all.
	slotIndex, slotOK := findReusableSlot(phdrs, dynIndex, dynSeg)
	if !slotOK {
		return &shivaerr.PrelinkError{Op: "check-note", Path: req.InputExec,
			Message: "failed to find PT_NOTE after PT_DYNAMIC; this binary's " +
				"program header order is not supported (PT_DYNAMIC must precede PT_NOTE)"}
	}

	lastLoad, ok := lastLoadSegment(phdrs)
	if !ok {
		return &shivaerr.PrelinkError{Op: "check-load", Path: req.InputExec,
			Message: "no PT_LOAD segment found"}
	}

	// Drop any Shiva tags already present so re-prelinking doesn't pile up
	// duplicate DT_SHIVA_* entries on every pass; the three re-added below
	// are the only copies that survive into the output.
	oldTags := stripShivaTags(img.ReadDynTags(dynSeg))
	oldDynBytes := encodeDynTags(oldTags)

	seg := newSegment{}
	seg.dynSize = uint64(len(oldTags)+elfview.NewShivaTagCount+1) * elfview.DynEntrySize
	seg.filesz = seg.dynSize +
		uint64(len(req.SearchPath)+1) +
		uint64(len(req.PatchBase)+1) +
		uint64(len(origInterpPath)+1)
	seg.memsz = seg.filesz
	seg.offset = pageAlign(uint64(len(img.Buf)))
	seg.vaddr = pageAlign(lastLoad.Vaddr + lastLoad.Memsz)
	seg.searchPathOffset = seg.dynSize
	seg.neededOffset = seg.searchPathOffset + uint64(len(req.SearchPath)+1)
	seg.origInterpOffset = seg.neededOffset + uint64(len(req.PatchBase)+1)

	shivalog.Debugf("new segment: vaddr=%#x offset=%#x filesz=%d dynsize=%d",
		seg.vaddr, seg.offset, seg.filesz, seg.dynSize)

	// Repurpose the PT_NOTE slot as the new PT_LOAD. Per SPEC_FULL §6 this
	// implementation narrows permissions to R+W: nothing ever executes out
	// of this segment, only the dynamic linker reads the tags and only
	// Shiva reads the strings.
	if err := img.SetPhdr(slotIndex, elfview.Phdr{
		Type:   elf.PT_LOAD,
		Flags:  elf.PF_R | elf.PF_W,
		Offset: seg.offset,
		Vaddr:  seg.vaddr,
		Paddr:  seg.vaddr,
		Filesz: seg.filesz,
		Memsz:  seg.memsz,
		Align:  pageSize,
	}); err != nil {
		return &shivaerr.PrelinkError{Op: "rewrite-note-to-load", Path: req.InputExec, Err: err}
	}

	// Point PT_DYNAMIC at the new segment.
	if err := img.SetPhdr(dynIndex, elfview.Phdr{
		Type:   elf.PT_DYNAMIC,
		Flags:  elf.PF_R | elf.PF_W,
		Offset: seg.offset,
		Vaddr:  seg.vaddr,
		Paddr:  seg.vaddr,
		Filesz: seg.dynSize,
		Memsz:  seg.dynSize,
		Align:  8,
	}); err != nil {
		return &shivaerr.PrelinkError{Op: "rewrite-dynamic", Path: req.InputExec, Err: err}
	}

	if err := retargetDynamicSection(img, seg); err != nil {
		return &shivaerr.PrelinkError{Op: "rewrite-dynamic-shdr", Path: req.InputExec, Err: err}
	}

	img.Grow(seg.offset)
	img.Append(buildNewSegmentBytes(oldDynBytes, seg, req, origInterpPath))

	img.SetSignature(shivaformat.Magic)

	if !img.OverwriteInterpreter(interpSeg, req.InterpPath) {
		return &shivaerr.PrelinkError{Op: "rewrite-interp", Path: req.InputExec,
			Message: fmt.Sprintf("PT_INTERP is only %d bytes and cannot house %q",
				interpSeg.Filesz, req.InterpPath)}
	}

	if err := img.Save(req.OutputExec); err != nil {
		return &shivaerr.PrelinkError{Op: "save", Path: req.OutputExec, Err: err}
	}
	return nil
}

// findStableOrigInterp looks for a pre-existing DT_SHIVA_ORIG_INTERP tag
// among tags and, if found, resolves the string it points at via the
// virtual address it was recorded under. This is what makes repeated
// prelinking idempotent: without it, re-running Run on an already
// prelinked binary would capture the *current* PT_INTERP (which by then
// names Shiva, not the real linker) as the new "original" interpreter.
func findStableOrigInterp(img *elfview.RawImage, tags []elfview.DynTag) (string, bool) {
	for _, t := range tags {
		if t.Tag != elfview.DTShivaOrigInterp {
			continue
		}
		off, err := img.VaddrToOffset(t.Val)
		if err != nil {
			return "", false
		}
		return img.CString(off), true
	}
	return "", false
}

func stripShivaTags(tags []elfview.DynTag) []elfview.DynTag {
	out := make([]elfview.DynTag, 0, len(tags))
	for _, t := range tags {
		switch t.Tag {
		case elfview.DTShivaSearch, elfview.DTShivaNeeded, elfview.DTShivaOrigInterp:
			continue
		}
		out = append(out, t)
	}
	return out
}

func findDynamic(phdrs []elfview.Phdr) (index int, seg elfview.Phdr, ok bool) {
	for i, p := range phdrs {
		if p.Type == elf.PT_DYNAMIC {
			return i, p, true
		}
	}
	return 0, elfview.Phdr{}, false
}

// findReusableSlot locates the program header slot Run should repurpose
// into the new synthesized PT_LOAD. On a fresh (never-prelinked) binary
// that is PT_NOTE, required to appear at or after dynIndex (SPEC_FULL §6
// resolves the PT_DYNAMIC/PT_NOTE ordering Open Question this way,
// failing fast rather than silently assuming an order the binary does
// not have). On a binary Shiva already prelinked, PT_NOTE no longer
// exists — it was consumed by the earlier run — so the reusable slot is
// instead the synthetic PT_LOAD that run produced, recognized by sharing
// PT_DYNAMIC's current file offset.
func findReusableSlot(phdrs []elfview.Phdr, dynIndex int, dynSeg elfview.Phdr) (int, bool) {
	for i := dynIndex; i < len(phdrs); i++ {
		if phdrs[i].Type == elf.PT_NOTE {
			return i, true
		}
	}
	for i, p := range phdrs {
		if p.Type == elf.PT_LOAD && p.Offset == dynSeg.Offset {
			return i, true
		}
	}
	return 0, false
}

// lastLoadSegment returns the PT_LOAD segment with the highest virtual
// address across the whole program header table. It deliberately
// considers every PT_LOAD, including the slot Run is about to repurpose:
// on a binary Shiva already prelinked, that slot is itself the
// highest-addressed mapping, and the new segment must land beyond it —
// placing the new segment relative to some earlier, lower segment would
// collide with the one about to be replaced.
func lastLoadSegment(phdrs []elfview.Phdr) (elfview.Phdr, bool) {
	var last elfview.Phdr
	found := false
	for _, p := range phdrs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if !found || p.Vaddr+p.Memsz > last.Vaddr+last.Memsz {
			last = p
			found = true
		}
	}
	return last, found
}

func encodeDynTags(tags []elfview.DynTag) []byte {
	var out []byte
	for _, t := range tags {
		out = elfview.EncodeDynTag(out, t.Tag, t.Val)
	}
	return out
}

// buildNewSegmentBytes lays out the new segment's contents: the original
// dynamic entries, the three Shiva tags, a terminator, then the three
// strings in fixed order (search path, patch basename, original
// interpreter) — matching spec.md §4.1 step 6 exactly.
func buildNewSegmentBytes(oldDynBytes []byte, seg newSegment, req Request, origInterp string) []byte {
	buf := make([]byte, 0, seg.filesz)
	buf = append(buf, oldDynBytes...)
	buf = elfview.EncodeDynTag(buf, elfview.DTShivaSearch, seg.vaddr+seg.searchPathOffset)
	buf = elfview.EncodeDynTag(buf, elfview.DTShivaNeeded, seg.vaddr+seg.neededOffset)
	buf = elfview.EncodeDynTag(buf, elfview.DTShivaOrigInterp, seg.vaddr+seg.origInterpOffset)
	buf = elfview.EncodeDynTag(buf, int64(elf.DT_NULL), 0)
	buf = append(buf, []byte(req.SearchPath)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(req.PatchBase)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(origInterp)...)
	buf = append(buf, 0)
	return buf
}

// retargetDynamicSection updates the .dynamic section header's address,
// offset and size to match the synthesized PT_DYNAMIC, per spec.md §4.1
// step 5.
func retargetDynamicSection(img *elfview.RawImage, seg newSegment) error {
	for i, s := range img.Shdrs() {
		if s.Type != elf.SHT_DYNAMIC {
			continue
		}
		s.Addr = seg.vaddr
		s.Offset = seg.offset
		s.Size = seg.dynSize
		return img.SetShdr(i, s)
	}
	return fmt.Errorf("no SHT_DYNAMIC section header found")
}
