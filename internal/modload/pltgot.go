package modload

import (
	"encoding/binary"

	"github.com/shiva-rt/shiva/internal/shivaerr"
)

// MaxPLTEntries bounds the number of external symbols one module may
// import through the PLT/GOT, per spec.md §4.4's stated cap.
const MaxPLTEntries = 4096

const pltEntrySize = 16

// PLTGOT holds the generated PLT stub code and GOT pointer table for one
// module's external symbol imports. Unlike the teacher's ld.so-style
// lazy-binding stubs (plt_got.go's PLT[0] resolver + pushq/jmp dance),
// Shiva resolves every external symbol eagerly at load time via
// SymbolResolver, so GOT entries hold the final resolved address
// directly and PLT stubs are a single indirect jump each — there is no
// runtime resolver to jump back to.
type PLTGOT struct {
	entries  []string
	plt      []byte
	got      []byte
	pltBase  uint64
	gotBase  uint64
}

// NewPLTGOT builds PLT/GOT tables for the given externally-referenced
// symbol names, resolving each through resolve. pltBase and gotBase are
// the addresses the caller has already reserved (via Arena.Alloc) for
// the PLT and GOT buffers respectively.
func NewPLTGOT(symbols []string, resolve func(name string) (uint64, bool), pltBase, gotBase uint64) (*PLTGOT, error) {
	if len(symbols) > MaxPLTEntries {
		return nil, &shivaerr.LoaderError{Op: "pltgot", Message: "too many external symbols for PLT cap"}
	}

	pg := &PLTGOT{entries: symbols, pltBase: pltBase, gotBase: gotBase}
	pg.got = make([]byte, 0, len(symbols)*8)
	for _, name := range symbols {
		addr, ok := resolve(name)
		if !ok {
			return nil, &shivaerr.LoaderError{Op: "pltgot", Section: name, Message: "unresolved external symbol"}
		}
		pg.got = binary.LittleEndian.AppendUint64(pg.got, addr)
	}

	pg.plt = make([]byte, 0, len(symbols)*pltEntrySize)
	for i := range symbols {
		pltOffset := pltBase + uint64(len(pg.plt))
		gotOffset := gotBase + uint64(i*8)

		// jmpq *GOT[i]: an indirect memory jump, which archx/x86's
		// EncodeJmp (a direct rel32 jump, used for branch rewriting
		// elsewhere) cannot express; emit it by hand as ff 25 rel32,
		// the same opcode the teacher's plt_got.go uses for its PLT[0]
		// resolver stub's final jmpq *GOT[2].
		entry := make([]byte, pltEntrySize)
		entry[0], entry[1] = 0xff, 0x25
		rel := int32(int64(gotOffset) - int64(pltOffset+6))
		binary.LittleEndian.PutUint32(entry[2:6], uint32(rel))
		for j := 6; j < pltEntrySize; j++ {
			entry[j] = 0x90 // nop padding to a fixed stride
		}
		pg.plt = append(pg.plt, entry...)
	}
	return pg, nil
}

// PLT returns the generated PLT stub bytes.
func (pg *PLTGOT) PLT() []byte { return pg.plt }

// GOT returns the generated GOT bytes (resolved absolute addresses).
func (pg *PLTGOT) GOT() []byte { return pg.got }

// GetPLTOffset returns the byte offset of funcName's stub within PLT(),
// or -1 if funcName was not one of the imported symbols.
func (pg *PLTGOT) GetPLTOffset(funcName string) int {
	for i, name := range pg.entries {
		if name == funcName {
			return i * pltEntrySize
		}
	}
	return -1
}

// PLTAddr returns the absolute address of funcName's PLT stub, or
// (0, false) if it was not imported.
func (pg *PLTGOT) PLTAddr(funcName string) (uint64, bool) {
	off := pg.GetPLTOffset(funcName)
	if off < 0 {
		return 0, false
	}
	return pg.pltBase + uint64(off), true
}
