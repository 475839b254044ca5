//go:build arm64

package arm64

// EnterLoader performs the final step of userland exec on aarch64: sets
// the stack pointer to sp, zeroes R1–R14, the frame pointer (R29) and
// the link register (R30), and branches to entry through R0. R15–R28
// are left as they are. It never returns. See x86.EnterLoader for the
// rationale (DESIGN NOTES §9's per-architecture transfer shim).
func EnterLoader(sp, entry uintptr)
