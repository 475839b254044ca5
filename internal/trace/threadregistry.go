package trace

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shiva-rt/shiva/internal/shivaerr"
)

// ThreadFlag mirrors the original's shiva_trace_thread_t flag bits,
// supplemented from original_source/shiva.h per SPEC_FULL.md §6: a
// thread discovered by Shiva may be newly seen, paused, traced by
// Shiva itself, traced externally, or mid-coredump.
type ThreadFlag uint32

const (
	FlagNew ThreadFlag = 1 << iota
	FlagTraced
	FlagPaused
	FlagExternTracer
	FlagCoredumping
)

// Thread is one entry in the registry: the same fields as the
// original's shiva_trace_thread_t.
type Thread struct {
	Name             string
	Uid, Gid         int
	Pid, Ppid        int
	ExternalTracerPid int
	Flags            ThreadFlag
}

func (t Thread) hasFlag(f ThreadFlag) bool { return t.Flags&f != 0 }

// ThreadRegistry tracks every thread of the target process Shiva has
// discovered, so the breakpoint-install safety contract in spec.md §5
// ("only safe when target threads are paused") has something concrete
// to check against.
type ThreadRegistry struct {
	threads map[int]*Thread
}

// NewThreadRegistry returns an empty registry.
func NewThreadRegistry() *ThreadRegistry {
	return &ThreadRegistry{threads: make(map[int]*Thread)}
}

// Insert records or replaces a thread entry, mirroring the original's
// shiva_trace_thread_insert.
func (r *ThreadRegistry) Insert(t Thread) {
	r.threads[t.Pid] = &t
}

// Lookup returns the thread entry for pid, if known.
func (r *ThreadRegistry) Lookup(pid int) (Thread, bool) {
	t, ok := r.threads[pid]
	if !ok {
		return Thread{}, false
	}
	return *t, true
}

// SetFlag sets f on the thread pid, reporting whether pid was known.
func (r *ThreadRegistry) SetFlag(pid int, f ThreadFlag) bool {
	t, ok := r.threads[pid]
	if !ok {
		return false
	}
	t.Flags |= f
	return true
}

// ClearFlag clears f on the thread pid, reporting whether pid was
// known.
func (r *ThreadRegistry) ClearFlag(pid int, f ThreadFlag) bool {
	t, ok := r.threads[pid]
	if !ok {
		return false
	}
	t.Flags &^= f
	return true
}

// AllPaused reports whether every registered thread carries FlagPaused
// — the check spec.md §5's breakpoint-install safety contract names
// ("only safe when target threads are paused ... or enforcement is the
// caller's responsibility"), made concrete here rather than left
// implicit.
func (r *ThreadRegistry) AllPaused() bool {
	for _, t := range r.threads {
		if !t.hasFlag(FlagPaused) {
			return false
		}
	}
	return true
}

// Len returns the number of registered threads.
func (r *ThreadRegistry) Len() int {
	return len(r.threads)
}

// DiscoverTasks populates the registry by polling /proc/<pid>/task, the
// same directory-scan approach internal/memmap's seeding uses for
// /proc/self/maps, reading each task's /proc/<pid>/task/<tid>/status for
// Uid/Gid/PPid.
func (r *ThreadRegistry) DiscoverTasks(pid int) error {
	taskDir := fmt.Sprintf("/proc/%d/task", pid)
	entries, err := os.ReadDir(taskDir)
	if err != nil {
		return &shivaerr.TraceError{Op: "discover-tasks", Message: "read " + taskDir, Err: err}
	}
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		t := Thread{Pid: tid, Flags: FlagNew}
		if err := readStatusInto(&t, filepath.Join(taskDir, e.Name(), "status")); err != nil {
			return err
		}
		r.Insert(t)
	}
	return nil
}

func readStatusInto(t *Thread, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &shivaerr.TraceError{Op: "read-status", Message: path, Err: err}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "Name:"):
			t.Name = strings.TrimSpace(strings.TrimPrefix(line, "Name:"))
		case strings.HasPrefix(line, "PPid:"):
			t.Ppid = parseFirstInt(strings.TrimPrefix(line, "PPid:"))
		case strings.HasPrefix(line, "Uid:"):
			t.Uid = parseFirstInt(strings.TrimPrefix(line, "Uid:"))
		case strings.HasPrefix(line, "Gid:"):
			t.Gid = parseFirstInt(strings.TrimPrefix(line, "Gid:"))
		case strings.HasPrefix(line, "TracerPid:"):
			t.ExternalTracerPid = parseFirstInt(strings.TrimPrefix(line, "TracerPid:"))
			if t.ExternalTracerPid != 0 {
				t.Flags |= FlagExternTracer
			}
		}
	}
	return scanner.Err()
}

func parseFirstInt(s string) int {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0
	}
	n, _ := strconv.Atoi(fields[0])
	return n
}
