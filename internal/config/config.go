// Package config resolves Shiva's tunables from environment variables,
// layered underneath whatever a cmd/ binary's flags explicitly set. It
// uses github.com/xyproto/env/v2, the teacher compiler's one genuine
// third-party dependency (flapc's go.mod lists it, but flapc itself never
// calls it directly); this package is where that call finally happens.
package config

import (
	"github.com/xyproto/env/v2"
)

const (
	// DefaultModuleSearchPath is used when neither a flag nor
	// SHIVA_MODULE_SEARCH_PATH names a search directory.
	DefaultModuleSearchPath = "/opt/shiva/modules"

	// DefaultMaxPLTEntries mirrors SHIVA_MODULE_MAX_PLT_COUNT from the
	// data model. Runtime.MaxPLTEntries carries it (or the environment
	// override); the module loader does not read that field and enforces
	// its own modload.MaxPLTEntries constant of the same value.
	DefaultMaxPLTEntries = 4096
)

// Runtime holds the environment-resolved defaults a Shiva binary falls
// back to when a flag was not given explicitly.
type Runtime struct {
	ModuleSearchPath string
	Debug            bool
	MaxPLTEntries    int
}

// Load reads SHIVA_MODULE_SEARCH_PATH, SHIVA_DEBUG, and
// SHIVA_MAX_PLT_ENTRIES from the environment, falling back to the compiled
// defaults when unset.
func Load() Runtime {
	return Runtime{
		ModuleSearchPath: env.Str("SHIVA_MODULE_SEARCH_PATH", DefaultModuleSearchPath),
		Debug:            env.Bool("SHIVA_DEBUG"),
		MaxPLTEntries:    env.Int("SHIVA_MAX_PLT_ENTRIES", DefaultMaxPLTEntries),
	}
}
