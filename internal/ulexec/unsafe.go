package ulexec

import "unsafe"

// unsafeSlice views the length bytes at addr as a []byte, for mappings
// obtained directly from a raw mmap syscall (which hands back a pointer,
// not a slice).
func unsafeSlice(addr uintptr, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}
