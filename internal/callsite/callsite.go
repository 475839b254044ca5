// Package callsite disassembles a target's executable mapping and
// produces one branch-site record per call/unconditional-jmp/ret
// instruction, per spec.md §4.3. Disassembly itself is out of scope for
// this repo to reimplement (spec.md §1 names "the disassembler library"
// as an external collaborator); this package wires
// golang.org/x/arch/x86/x86asm and golang.org/x/arch/arm64/arm64asm,
// the Go ecosystem's disassemblers (the same ones behind `go tool
// objdump`), since no example repo in the retrieval pack vendors one.
package callsite

import (
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/shiva-rt/shiva/internal/shivaiter"
)

// Kind is the branch-site's instruction class, per spec.md §3.
type Kind int

const (
	Call Kind = iota
	Jmp
	Ret
)

func (k Kind) String() string {
	switch k {
	case Call:
		return "call"
	case Jmp:
		return "jmp"
	case Ret:
		return "ret"
	default:
		return "unknown"
	}
}

// BranchSite is one instruction that transfers control: symbol being
// called (if resolved via a symbol table), its kind, the resolved
// target virtual address (valid only if TargetKnown), and the vaddr of
// the branching instruction itself.
type BranchSite struct {
	Addr        uint64
	Kind        Kind
	Target      uint64
	TargetKnown bool
	Symbol      string
}

// SymbolTable resolves an address to the name of the symbol containing
// it, used to annotate a resolved branch target. A nil table or a miss
// simply leaves BranchSite.Symbol empty.
type SymbolTable interface {
	Lookup(addr uint64) (name string, ok bool)
}

// Arch selects which disassembler Analyze uses.
type Arch int

const (
	X86_64 Arch = iota
	AArch64
)

// Analyzer walks an in-memory code buffer instruction by instruction and
// collects branch sites.
type Analyzer struct {
	Arch   Arch
	Syms   SymbolTable
	sites  []BranchSite
}

// NewAnalyzer returns an analyzer for the given architecture. syms may be
// nil.
func NewAnalyzer(arch Arch, syms SymbolTable) *Analyzer {
	return &Analyzer{Arch: arch, Syms: syms}
}

// Analyze disassembles code (the bytes of an executable mapping) located
// at base in the target's address space and returns every branch site
// found. Decode errors on an individual instruction are not fatal: the
// x86_64 scan advances one byte and the aarch64 scan advances to the
// next 4-byte word, then continues, since misaligned disassembly
// starting points are common when scanning a whole section rather than
// only verified instruction boundaries.
func (a *Analyzer) Analyze(code []byte, base uint64) []BranchSite {
	a.sites = a.sites[:0]
	switch a.Arch {
	case X86_64:
		a.analyzeX86(code, base)
	case AArch64:
		a.analyzeARM64(code, base)
	}
	return a.sites
}

func (a *Analyzer) analyzeX86(code []byte, base uint64) {
	for pc := 0; pc < len(code); {
		inst, err := x86asm.Decode(code[pc:], 64)
		if err != nil || inst.Len == 0 {
			pc++
			continue
		}
		addr := base + uint64(pc)
		switch inst.Op {
		case x86asm.CALL, x86asm.JMP:
			kind := Jmp
			if inst.Op == x86asm.CALL {
				kind = Call
			}
			a.recordX86Branch(inst, addr, kind)
		case x86asm.RET:
			a.sites = append(a.sites, BranchSite{Addr: addr, Kind: Ret, TargetKnown: false})
		}
		pc += inst.Len
	}
}

func (a *Analyzer) recordX86Branch(inst x86asm.Inst, addr uint64, kind Kind) {
	site := BranchSite{Addr: addr, Kind: kind}
	if len(inst.Args) > 0 {
		if rel, ok := inst.Args[0].(x86asm.Rel); ok {
			target := uint64(int64(addr) + int64(inst.Len) + int64(rel))
			site.Target = target
			site.TargetKnown = true
			if a.Syms != nil {
				if name, ok := a.Syms.Lookup(target); ok {
					site.Symbol = name
				}
			}
		}
	}
	a.sites = append(a.sites, site)
}

func (a *Analyzer) analyzeARM64(code []byte, base uint64) {
	for pc := 0; pc+4 <= len(code); pc += 4 {
		inst, err := arm64asm.Decode(code[pc:])
		if err != nil {
			continue
		}
		addr := base + uint64(pc)
		switch inst.Op {
		case arm64asm.BL, arm64asm.B:
			kind := Jmp
			if inst.Op == arm64asm.BL {
				kind = Call
			}
			a.recordARM64Branch(inst, addr, kind)
		case arm64asm.BLR:
			a.sites = append(a.sites, BranchSite{Addr: addr, Kind: Call, TargetKnown: false})
		case arm64asm.BR:
			a.sites = append(a.sites, BranchSite{Addr: addr, Kind: Jmp, TargetKnown: false})
		case arm64asm.RET:
			a.sites = append(a.sites, BranchSite{Addr: addr, Kind: Ret, TargetKnown: false})
		}
	}
}

func (a *Analyzer) recordARM64Branch(inst arm64asm.Inst, addr uint64, kind Kind) {
	site := BranchSite{Addr: addr, Kind: kind}
	if len(inst.Args) > 0 {
		if rel, ok := inst.Args[0].(arm64asm.PCRel); ok {
			target := uint64(int64(addr) + int64(rel))
			site.Target = target
			site.TargetKnown = true
			if a.Syms != nil {
				if name, ok := a.Syms.Lookup(target); ok {
					site.Symbol = name
				}
			}
		}
	}
	a.sites = append(a.sites, site)
}

// Iterator replays a completed Analyze() pass one site at a time using
// the tri-state iterator protocol spec.md's supplemented iterator
// contract requires, mirroring the original's
// shiva_branch_iterator_next.
type Iterator struct {
	sites []BranchSite
	pos   int
}

// NewIterator returns an iterator over sites, the slice returned by
// Analyze.
func NewIterator(sites []BranchSite) *Iterator {
	return &Iterator{sites: sites}
}

// Next returns IterOK with the next site, or IterDone once exhausted.
func (it *Iterator) Next() (BranchSite, shivaiter.Result) {
	if it.pos >= len(it.sites) {
		return BranchSite{}, shivaiter.Done
	}
	s := it.sites[it.pos]
	it.pos++
	return s, shivaiter.OK
}
