// Package shivalog provides Shiva's debug-trace output: a single
// process-wide verbosity switch and a Fprintf-style helper, in the same
// spirit as the teacher compiler's VerboseMode global and its
// fmt.Fprintf(os.Stderr, ...) call sites. Shiva has no structured logging
// library in its dependency graph (nor does anything else in the retrieval
// pack reach for one), so this stays deliberately small.
package shivalog

import (
	"fmt"
	"os"
)

// Verbose controls whether Debugf writes anything. It is a package
// variable, not a Context field, because it is set once from a CLI flag
// or environment variable before any subsystem starts and never changes
// for the life of the process.
var Verbose bool

// Debugf writes a formatted trace line to stderr when Verbose is set.
func Debugf(format string, args ...any) {
	if !Verbose {
		return
	}
	fmt.Fprintf(os.Stderr, "[shiva] "+format+"\n", args...)
}

// Errorf always writes a formatted diagnostic to stderr, regardless of
// Verbose. Used for failures that are about to cause a fatal exit.
func Errorf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "shiva: "+format+"\n", args...)
}
