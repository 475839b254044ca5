// Package x86 encodes the x86_64 patch bytes the trace engine writes at
// call sites, and the trampoline transfer used once at the end of
// userland exec. Byte-level instruction construction is grounded on the
// teacher's mov_x86_64.go and syscall_x86_64.go (REX-prefixed opcodes
// written as raw bytes rather than assembled from mnemonics).
package x86

import (
	"encoding/binary"
	"fmt"
)

const (
	// CallOpcode is the one-byte opcode for a near relative CALL.
	CallOpcode = 0xe8
	// JmpOpcode is the one-byte opcode for a near relative JMP.
	JmpOpcode = 0xe9
	// Int3Opcode traps into the process's SIGTRAP handler.
	Int3Opcode = 0xcc

	// CallLen and JmpLen are both opcode (1) + rel32 (4).
	CallLen = 5
	JmpLen  = 5
	Int3Len = 1
)

// EncodeCall returns the 5-byte relative CALL instruction that, placed at
// from, transfers control to to.
func EncodeCall(from, to uint64) []byte {
	return encodeRel(CallOpcode, from, to, CallLen)
}

// EncodeJmp returns the 5-byte relative JMP instruction that, placed at
// from, transfers control to to.
func EncodeJmp(from, to uint64) []byte {
	return encodeRel(JmpOpcode, from, to, JmpLen)
}

// EncodeInt3 returns the single-byte software breakpoint trap.
func EncodeInt3() []byte {
	return []byte{Int3Opcode}
}

func encodeRel(opcode byte, from, to uint64, length uint64) []byte {
	buf := make([]byte, length)
	buf[0] = opcode
	nextInstr := from + length
	rel := int32(int64(to) - int64(nextInstr))
	binary.LittleEndian.PutUint32(buf[1:5], uint32(rel))
	return buf
}

// DecodeCallOrJmpTarget reads a 5-byte CALL/JMP instruction at addr and
// returns the absolute target address it encodes. It is how the trace
// engine recovers a breakpoint's original displacement before
// overwriting it, so "call original" can reconstruct the real call.
func DecodeCallOrJmpTarget(instr []byte, addr uint64) (uint64, error) {
	if len(instr) < 5 {
		return 0, fmt.Errorf("x86: instruction too short to decode rel32: %d bytes", len(instr))
	}
	if instr[0] != CallOpcode && instr[0] != JmpOpcode {
		return 0, fmt.Errorf("x86: opcode %#x is not a near CALL/JMP", instr[0])
	}
	rel := int32(binary.LittleEndian.Uint32(instr[1:5]))
	nextInstr := addr + 5
	return uint64(int64(nextInstr) + int64(rel)), nil
}
