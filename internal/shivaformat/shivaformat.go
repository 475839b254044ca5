// Package shivaformat holds constants describing the on-disk shape of a
// Shiva-prelinked executable, shared between the prelinker (which writes
// them) and the runtime loader (which reads them back).
package shivaformat

// Magic is written as a little-endian uint32 into the ELF identification
// padding bytes (e_ident[EI_PAD:]) to mark an executable as prelinked.
// The original C names the same 4 bytes 0x31f64 as a bare uint32_t value;
// spec.md's external-interfaces section states the full value with its
// leading byte, 0x00031f64 — both describe one little-endian write.
const Magic uint32 = 0x00031f64
