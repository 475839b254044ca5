// Package shivactx defines the single root value that holds Shiva's
// process-wide runtime state, per SPEC_FULL.md §5 / DESIGN NOTES §9
// ("Ownership of process-wide state"). cmd/shiva builds it and fills it
// in as each subsystem runs; the subsystem packages themselves take the
// specific values they need as explicit parameters, not a *Context.
package shivactx

import (
	"github.com/shiva-rt/shiva/internal/callsite"
	"github.com/shiva-rt/shiva/internal/config"
	"github.com/shiva-rt/shiva/internal/memmap"
	"github.com/shiva-rt/shiva/internal/modload"
	"github.com/shiva-rt/shiva/internal/trace"
)

// Context is Shiva's runtime context: pointers into the mapped target
// and linker images, the process's mapping list, the analyzer's branch
// sites, the loaded patch module, and the trace engine — exactly the
// "Runtime context" record named in spec.md §3.
type Context struct {
	Config config.Runtime

	// TargetBase, TargetEntry, TargetPhdr describe the userland-exec'd
	// target image; LinkerBase/LinkerEntry describe the real dynamic
	// linker mapped beneath it.
	TargetBase  uint64
	TargetEntry uint64
	TargetPhdr  uint64
	LinkerBase  uint64
	LinkerEntry uint64

	Argv []string
	Envp []string

	Mappings   *memmap.Tracker
	Branches   []callsite.BranchSite
	Module     *modload.Module
	TraceEngine *trace.Engine
}

// New builds an empty Context seeded with the resolved environment
// configuration and a freshly started mapping tracker. Every field
// describing the target/linker/module is filled in as the corresponding
// subsystem runs.
func New(cfg config.Runtime) *Context {
	return &Context{
		Config:   cfg,
		Mappings: memmap.NewTracker(),
	}
}
