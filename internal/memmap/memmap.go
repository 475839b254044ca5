// Package memmap maintains Shiva's authoritative list of this process's
// memory mappings: base, length, protection, and origin (owned by
// Shiva, or observed from a kernel mapping present at startup). Per
// spec.md §4.3 it seeds from /proc/self/maps and is updated on every
// allocation or protection change Shiva itself performs.
package memmap

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/shiva-rt/shiva/internal/shivaerr"
	"github.com/shiva-rt/shiva/internal/shivaiter"
)

// Origin distinguishes a mapping Shiva itself created from one that was
// already present in the address space when Shiva started, per the
// memory-map tracker invariant in spec.md §3.
type Origin int

const (
	Observed Origin = iota
	Owned
)

func (o Origin) String() string {
	if o == Owned {
		return "owned"
	}
	return "observed"
}

// Prot mirrors the read/write/execute bits of a mapping's current
// kernel-visible protection.
type Prot struct {
	Read, Write, Exec bool
}

// Mapping is one entry in the tracker's list.
type Mapping struct {
	Base   uint64
	Length uint64
	Prot   Prot
	Origin Origin
	Path   string // backing file, or "" for anonymous/unnamed mappings
}

func (m Mapping) contains(addr uint64) bool {
	return addr >= m.Base && addr < m.Base+m.Length
}

// Tracker is Shiva's process-wide mapping list. It is not safe for
// concurrent mutation from multiple goroutines, consistent with
// spec.md §5: shared state is mutated only by Shiva's own control
// thread.
type Tracker struct {
	mappings []Mapping
}

// NewTracker returns an empty tracker. Callers normally follow with
// SeedFromProcSelfMaps to populate it from the kernel's view of the
// address space at startup.
func NewTracker() *Tracker {
	return &Tracker{}
}

// SeedFromProcSelfMaps opens /proc/self/maps and adds every line as an
// Observed mapping.
func (t *Tracker) SeedFromProcSelfMaps() error {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return &shivaerr.MappingError{Op: "seed", Message: "open /proc/self/maps", Err: err}
	}
	defer f.Close()
	return t.SeedFromReader(f)
}

// SeedFromReader parses Linux /proc/<pid>/maps-format lines from r. It is
// split out from SeedFromProcSelfMaps so tests can seed a tracker from a
// synthetic buffer instead of requiring a real process's map file.
func (t *Tracker) SeedFromReader(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		m, err := parseMapsLine(line)
		if err != nil {
			return &shivaerr.MappingError{Op: "seed", Message: fmt.Sprintf("parse maps line %q", line), Err: err}
		}
		t.mappings = append(t.mappings, m)
	}
	if err := scanner.Err(); err != nil {
		return &shivaerr.MappingError{Op: "seed", Message: "scan maps", Err: err}
	}
	return nil
}

// parseMapsLine parses one line of the form:
// "7f1234500000-7f1234520000 r-xp 00000000 08:01 1234  /lib/libc.so.6"
func parseMapsLine(line string) (Mapping, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Mapping{}, fmt.Errorf("too few fields")
	}
	addrRange := strings.SplitN(fields[0], "-", 2)
	if len(addrRange) != 2 {
		return Mapping{}, fmt.Errorf("malformed address range %q", fields[0])
	}
	base, err := strconv.ParseUint(addrRange[0], 16, 64)
	if err != nil {
		return Mapping{}, fmt.Errorf("parse base: %w", err)
	}
	end, err := strconv.ParseUint(addrRange[1], 16, 64)
	if err != nil {
		return Mapping{}, fmt.Errorf("parse end: %w", err)
	}
	if end < base {
		return Mapping{}, fmt.Errorf("end %#x before base %#x", end, base)
	}
	perms := fields[1]
	m := Mapping{
		Base:   base,
		Length: end - base,
		Origin: Observed,
		Prot: Prot{
			Read:  strings.Contains(perms, "r"),
			Write: strings.Contains(perms, "w"),
			Exec:  strings.Contains(perms, "x"),
		},
	}
	if len(fields) >= 6 {
		m.Path = fields[5]
	}
	return m, nil
}

// Add records a mapping Shiva itself just created or changed the
// protection of (Origin is always Owned). If an existing mapping with
// the same base is present it is replaced, so repeated mprotect calls on
// a mapping Shiva owns update its recorded protection in place.
func (t *Tracker) Add(m Mapping) {
	m.Origin = Owned
	for i, existing := range t.mappings {
		if existing.Base == m.Base {
			t.mappings[i] = m
			return
		}
	}
	t.mappings = append(t.mappings, m)
}

// MarkOwned is a convenience wrapper over Add for callers (e.g.
// internal/modload's Finalize) that only have the extent and protection
// fields in hand as scalars rather than a constructed Mapping.
func (t *Tracker) MarkOwned(base uint64, length int, read, write, exec bool) {
	t.Add(Mapping{
		Base:   base,
		Length: uint64(length),
		Prot:   Prot{Read: read, Write: write, Exec: exec},
	})
}

// Lookup returns the mapping containing addr, if any.
func (t *Tracker) Lookup(addr uint64) (Mapping, bool) {
	for _, m := range t.mappings {
		if m.contains(addr) {
			return m, true
		}
	}
	return Mapping{}, false
}

// Validate reports whether addr falls inside any tracked mapping.
func (t *Tracker) Validate(addr uint64) bool {
	_, ok := t.Lookup(addr)
	return ok
}

// Len returns the number of tracked mappings.
func (t *Tracker) Len() int {
	return len(t.mappings)
}

// Iterator walks a tracker's mappings in insertion order using the
// tri-state protocol spec.md's supplemented iterator contract requires
// (internal/shivaiter.Result), mirroring the original's
// shiva_maps_iterator_next.
type Iterator struct {
	t   *Tracker
	pos int
}

// NewIterator returns an iterator positioned before the first mapping.
func (t *Tracker) NewIterator() *Iterator {
	return &Iterator{t: t}
}

// Next advances the iterator and reports its outcome: IterOK with a
// valid Mapping, IterDone once every mapping has been visited, or
// IterError if the tracker's list was mutated out from under it
// (detected via a length shrink, the one structural-error case in a
// slice-backed iterator).
func (it *Iterator) Next() (Mapping, shivaiter.Result) {
	if it.pos > len(it.t.mappings) {
		return Mapping{}, shivaiter.Error
	}
	if it.pos >= len(it.t.mappings) {
		return Mapping{}, shivaiter.Done
	}
	m := it.t.mappings[it.pos]
	it.pos++
	return m, shivaiter.OK
}
