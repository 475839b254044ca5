package trace

import (
	"bytes"
	"testing"

	"github.com/shiva-rt/shiva/internal/archx/x86"
)

const codeBase = 0x10000

// buildTextFixture returns a SelfMemory seeded with a CALL instruction
// (at offset 0) targeting a callee at offset 0x100, mirroring the shape
// of a patched call site in original_source's sshd_patch.c scenario.
func buildTextFixture() (*SelfMemory, uint64, uint64) {
	buf := make([]byte, 0x200)
	siteAddr := uint64(codeBase)
	calleeAddr := uint64(codeBase + 0x100)
	call := x86.EncodeCall(siteAddr, calleeAddr)
	copy(buf[0:], call)
	copy(buf[0x100:], []byte{0x90, 0x90, 0xc3}) // nop nop ret stand-in callee
	return NewSelfMemory(codeBase, buf), siteAddr, calleeAddr
}

func TestSetBreakpointPatchesCallSite(t *testing.T) {
	mem, siteAddr, calleeAddr := buildTextFixture()
	engine := NewEngine(mem)
	handlerAddr := uint64(codeBase + 0x180)

	h := engine.RegisterHandler(KindCall, func(bp *Breakpoint) uint64 { return 0 })
	bp, err := engine.SetBreakpoint(h, siteAddr, handlerAddr)
	if err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
	if bp.SavedAbsTarget != calleeAddr {
		t.Errorf("SavedAbsTarget = %#x, want %#x", bp.SavedAbsTarget, calleeAddr)
	}

	patched, err := mem.Read(siteAddr, x86.CallLen)
	if err != nil {
		t.Fatalf("Read patched site: %v", err)
	}
	wantPatch := x86.EncodeCall(siteAddr, handlerAddr)
	if !bytes.Equal(patched, wantPatch) {
		t.Errorf("patched bytes = % x, want % x", patched, wantPatch)
	}

	got, ok := engine.Lookup(siteAddr)
	if !ok || got != bp {
		t.Errorf("Lookup(%#x) = %v, %v; want %v, true", siteAddr, got, ok, bp)
	}
}

func TestRemoveBreakpointRestoresOriginalBytes(t *testing.T) {
	mem, siteAddr, _ := buildTextFixture()
	original, err := mem.Read(siteAddr, x86.CallLen)
	if err != nil {
		t.Fatalf("Read original: %v", err)
	}

	engine := NewEngine(mem)
	h := engine.RegisterHandler(KindCall, func(bp *Breakpoint) uint64 { return 0 })
	if _, err := engine.SetBreakpoint(h, siteAddr, codeBase+0x180); err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}

	if err := engine.RemoveBreakpoint(siteAddr); err != nil {
		t.Fatalf("RemoveBreakpoint: %v", err)
	}
	restored, err := mem.Read(siteAddr, x86.CallLen)
	if err != nil {
		t.Fatalf("Read restored: %v", err)
	}
	if !bytes.Equal(restored, original) {
		t.Errorf("restored bytes = % x, want % x", restored, original)
	}
	if _, ok := engine.Lookup(siteAddr); ok {
		t.Errorf("Lookup(%#x) still found after removal", siteAddr)
	}
}

func TestRemoveBreakpointFailsWhenNoneInstalled(t *testing.T) {
	mem, _, _ := buildTextFixture()
	engine := NewEngine(mem)
	if err := engine.RemoveBreakpoint(codeBase); err == nil {
		t.Fatal("expected error removing a breakpoint that was never installed")
	}
}

func TestSetBreakpointFailsOnOutOfBoundsAddress(t *testing.T) {
	mem, _, _ := buildTextFixture()
	engine := NewEngine(mem)
	h := engine.RegisterHandler(KindInt3, func(bp *Breakpoint) uint64 { return 0 })
	if _, err := engine.SetBreakpoint(h, codeBase+0xffff, 0); err == nil {
		t.Fatal("expected error installing a breakpoint outside the backing buffer")
	}
}

func TestCallOriginalInvokesTrampolineWithSavedTarget(t *testing.T) {
	mem, siteAddr, calleeAddr := buildTextFixture()
	engine := NewEngine(mem)
	h := engine.RegisterHandler(KindCall, func(bp *Breakpoint) uint64 { return 0 })
	bp, err := engine.SetBreakpoint(h, siteAddr, codeBase+0x180)
	if err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}

	var invokedWith uint64
	trampoline := &Trampoline{
		Base: codeBase + 0x1c0,
		Invoke: func(args ...uint64) (uint64, error) {
			invokedWith = bp.SavedAbsTarget
			return 42, nil
		},
	}

	result, err := engine.CallOriginal(bp, trampoline)
	if err != nil {
		t.Fatalf("CallOriginal: %v", err)
	}
	if result != 42 {
		t.Errorf("result = %d, want 42", result)
	}
	if invokedWith != calleeAddr {
		t.Errorf("trampoline saw target %#x, want %#x", invokedWith, calleeAddr)
	}

	code, err := mem.Read(trampoline.Base, x86.CallLen+x86.Int3Len)
	if err != nil {
		t.Fatalf("Read trampoline code: %v", err)
	}
	wantCall := x86.EncodeCall(trampoline.Base, calleeAddr)
	if !bytes.Equal(code[:x86.CallLen], wantCall) {
		t.Errorf("trampoline call bytes = % x, want % x", code[:x86.CallLen], wantCall)
	}
	if code[x86.CallLen] != x86.Int3Opcode {
		t.Errorf("trampoline trailing byte = %#x, want int3 %#x", code[x86.CallLen], x86.Int3Opcode)
	}
}

func TestCallOriginalRejectsInt3Breakpoint(t *testing.T) {
	mem, siteAddr, _ := buildTextFixture()
	engine := NewEngine(mem)
	h := engine.RegisterHandler(KindInt3, func(bp *Breakpoint) uint64 { return 0 })
	bp, err := engine.SetBreakpoint(h, siteAddr, 0)
	if err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
	if _, err := engine.CallOriginal(bp, &Trampoline{}); err == nil {
		t.Fatal("expected error calling original through an int3 breakpoint")
	}
}
