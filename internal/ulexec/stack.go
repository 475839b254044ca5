package ulexec

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/shiva-rt/shiva/internal/shivaerr"
)

// NewStack allocates StackPages of anonymous R+W memory below stackTop
// and materializes, from the top down: the argument/environment string
// bytes, then (16-byte aligned) argc, argv[] (NULL-terminated), envp[]
// (NULL-terminated), and auxv (AT_NULL-terminated) — the exact layout
// the System V x86_64/aarch64 ABI requires at a fresh process's initial
// entry point, per spec.md §4.2. It returns the final stack pointer to
// hand to Transfer.
func NewStack(stackTop uint64, argv, envp []string, auxv []AuxvEntry) (uint64, error) {
	base := alignDown(stackTop, PageSize) - uint64(StackPages)*PageSize
	length := int(alignDown(stackTop, PageSize) - base)

	mem, err := mmapFixed(base, length, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		return 0, &shivaerr.MappingError{Op: "mmap-stack", Addr: base, Len: uintptr(length), Err: err}
	}

	// Copy every string to the top of the region, recording each one's
	// final address.
	cursor := uint64(base) + uint64(length)
	strAddr := func(s string) uint64 {
		n := len(s) + 1
		cursor -= uint64(n)
		copy(mem[cursor-base:], s)
		mem[cursor-base+uint64(len(s))] = 0
		return cursor
	}

	argvAddrs := make([]uint64, len(argv))
	for i, a := range argv {
		argvAddrs[i] = strAddr(a)
	}
	envpAddrs := make([]uint64, len(envp))
	for i, e := range envp {
		envpAddrs[i] = strAddr(e)
	}

	cursor = alignDown(cursor, 16)

	// Lay out, from the computed top downward: auxv, envp pointers
	// (NULL-terminated), argv pointers (NULL-terminated), argc.
	entries := 1 /* argc */ + len(argv) + 1 /* NULL */ + len(envp) + 1 /* NULL */ + len(auxv)*2
	cursor = alignDown(cursor-uint64(entries)*8, 16)
	sp := cursor

	write64 := func(v uint64) {
		binary.LittleEndian.PutUint64(mem[cursor-base:], v)
		cursor += 8
	}

	write64(uint64(len(argv)))
	for _, a := range argvAddrs {
		write64(a)
	}
	write64(0)
	for _, e := range envpAddrs {
		write64(e)
	}
	write64(0)
	for _, a := range auxv {
		write64(uint64(a.Type))
		write64(a.Value)
	}

	return sp, nil
}
