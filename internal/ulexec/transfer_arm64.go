//go:build arm64

package ulexec

import "github.com/shiva-rt/shiva/internal/archx/arm64"

// Transfer switches the stack pointer to sp and jumps to entry with
// R1–R14, R29 and R30 zeroed (see arm64.EnterLoader; R15–R28 are not
// cleared). This never returns.
func Transfer(sp, entry uint64) {
	arm64.EnterLoader(uintptr(sp), uintptr(entry))
}
