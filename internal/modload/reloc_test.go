package modload

import (
	"debug/elf"
	"encoding/binary"
	"testing"
)

func TestApplyRelocationX86_64Abs64Internal(t *testing.T) {
	buf := make([]byte, 16)
	r := Relocation{Offset: 0, Type: uint32(elf.R_X86_64_64), SymSect: 0x401000, SymValue: 0x20, Addend: 4}
	if err := applyRelocation(buf, 0x400000, r, elf.EM_X86_64, nil); err != nil {
		t.Fatalf("applyRelocation: %v", err)
	}
	got := binary.LittleEndian.Uint64(buf[0:8])
	if want := uint64(0x401000 + 0x20 + 4); got != want {
		t.Errorf("got %#x, want %#x", got, want)
	}
}

func TestApplyRelocationX86_64PC32External(t *testing.T) {
	buf := make([]byte, 16)
	resolver := MapResolver{"helper": 0x500000}
	r := Relocation{Offset: 8, Type: uint32(elf.R_X86_64_PC32), SymName: "helper", Addend: -4}
	// site = sectionBase(0x400000) + offset(8) = 0x400008
	if err := applyRelocation(buf, 0x400000, r, elf.EM_X86_64, resolver); err != nil {
		t.Fatalf("applyRelocation: %v", err)
	}
	want := int32(int64(0x500000-4) - int64(0x400008))
	got := int32(binary.LittleEndian.Uint32(buf[8:12]))
	if got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestApplyRelocationUnresolvedExternalFails(t *testing.T) {
	buf := make([]byte, 8)
	r := Relocation{Offset: 0, Type: uint32(elf.R_X86_64_64), SymName: "missing"}
	err := applyRelocation(buf, 0x400000, r, elf.EM_X86_64, MapResolver{})
	if err == nil {
		t.Fatal("expected unresolved symbol error")
	}
}

func TestApplyRelocationAArch64Call26(t *testing.T) {
	buf := make([]byte, 4)
	// site = 0x10000, target = 0x10000 + 4*100 = 0x10190
	r := Relocation{Offset: 0, Type: uint32(elf.R_AARCH64_CALL26), SymSect: 0x10190}
	if err := applyRelocation(buf, 0x10000, r, elf.EM_AARCH64, nil); err != nil {
		t.Fatalf("applyRelocation: %v", err)
	}
	word := binary.LittleEndian.Uint32(buf)
	imm26 := int32(word & 0x03ffffff)
	if imm26 != 100 {
		t.Errorf("imm26 = %d, want 100", imm26)
	}
}

func TestApplyRelocationAArch64RejectsUnaligned(t *testing.T) {
	buf := make([]byte, 4)
	r := Relocation{Offset: 0, Type: uint32(elf.R_AARCH64_CALL26), SymSect: 0x10003}
	if err := applyRelocation(buf, 0x10000, r, elf.EM_AARCH64, nil); err == nil {
		t.Fatal("expected unaligned-branch error")
	}
}

func TestChainResolverTriesInOrder(t *testing.T) {
	c := ChainResolver{MapResolver{"a": 1}, MapResolver{"b": 2}}
	if addr, ok := c.Resolve("b"); !ok || addr != 2 {
		t.Errorf("Resolve(b) = %d, %v; want 2, true", addr, ok)
	}
	if _, ok := c.Resolve("missing"); ok {
		t.Error("Resolve(missing) should fail")
	}
}
