//go:build amd64

package ulexec

import "github.com/shiva-rt/shiva/internal/archx/x86"

// Transfer switches the stack pointer to sp and jumps to entry with
// every other general-purpose register zeroed, per spec.md §4.2's
// "switch stack pointer to the new stack base, zero general registers,
// jump to the linker's entry". This never returns.
func Transfer(sp, entry uint64) {
	x86.EnterLoader(uintptr(sp), uintptr(entry))
}
