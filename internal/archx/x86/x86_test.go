package x86

import "testing"

func TestEncodeDecodeCallRoundTrip(t *testing.T) {
	from := uint64(0x401000)
	to := uint64(0x402500)
	instr := EncodeCall(from, to)
	if len(instr) != CallLen {
		t.Fatalf("len = %d, want %d", len(instr), CallLen)
	}
	if instr[0] != CallOpcode {
		t.Fatalf("opcode = %#x, want %#x", instr[0], CallOpcode)
	}
	got, err := DecodeCallOrJmpTarget(instr, from)
	if err != nil {
		t.Fatalf("DecodeCallOrJmpTarget: %v", err)
	}
	if got != to {
		t.Errorf("decoded target = %#x, want %#x", got, to)
	}
}

func TestEncodeJmpBackwards(t *testing.T) {
	from := uint64(0x402500)
	to := uint64(0x401000)
	instr := EncodeJmp(from, to)
	got, err := DecodeCallOrJmpTarget(instr, from)
	if err != nil {
		t.Fatalf("DecodeCallOrJmpTarget: %v", err)
	}
	if got != to {
		t.Errorf("decoded target = %#x, want %#x", got, to)
	}
}

func TestEncodeInt3(t *testing.T) {
	instr := EncodeInt3()
	if len(instr) != 1 || instr[0] != Int3Opcode {
		t.Errorf("EncodeInt3() = %v, want [%#x]", instr, Int3Opcode)
	}
}

func TestDecodeCallOrJmpTarget_RejectsOtherOpcodes(t *testing.T) {
	_, err := DecodeCallOrJmpTarget([]byte{0x90, 0, 0, 0, 0}, 0x1000)
	if err == nil {
		t.Fatal("expected error decoding a non-CALL/JMP opcode")
	}
}
