//go:build amd64

package x86

// EnterLoader performs the final step of userland exec: it sets the
// stack pointer to sp, zeroes the general-purpose registers the ABI
// doesn't require to carry a value across exec, and jumps to entry —
// indistinguishable, from the loader's point of view, from a kernel
// ELF-load transfer of control. It never returns.
//
// This is DESIGN NOTES §9's per-architecture shim: userland exec calls
// this exactly once, after every segment is mapped and the auxv is
// materialized, and treats it as the one architecture-specific
// operation in an otherwise portable algorithm.
func EnterLoader(sp, entry uintptr)
