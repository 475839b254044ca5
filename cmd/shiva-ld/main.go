// Command shiva-ld is the Go analogue of shiva-ld.c: it rewrites a
// dynamically linked executable so the kernel loads Shiva instead of the
// real dynamic linker, per spec.md §6's CLI contract.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/shiva-rt/shiva/internal/config"
	"github.com/shiva-rt/shiva/internal/prelink"
	"github.com/shiva-rt/shiva/internal/shivalog"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: shiva-ld -e INPUT -p PATCH_BASENAME -i INTERP_PATH -s SEARCH_PATH -o OUTPUT")
	flag.PrintDefaults()
}

func main() {
	var (
		inputExec  = flag.String("e", "", "input executable to prelink")
		patchBase  = flag.String("p", "", "basename of the patch object, e.g. noop.o")
		interpPath = flag.String("i", "", "new interpreter path, e.g. /lib/shiva")
		searchPath = flag.String("s", "", "module search directory, e.g. /opt/shiva/modules")
		outputExec = flag.String("o", "", "output executable path")
		verbose    = flag.Bool("v", false, "verbose mode")
	)
	flag.Usage = usage
	flag.Parse()

	shivalog.Verbose = *verbose || config.Load().Debug

	// All five flags are required; spec.md §6 says a missing flag prints
	// usage and exits 0, not an error — this is meant to double as `-h`.
	if *inputExec == "" || *patchBase == "" || *interpPath == "" || *searchPath == "" || *outputExec == "" {
		usage()
		os.Exit(0)
	}

	req := prelink.Request{
		InputExec:  *inputExec,
		PatchBase:  *patchBase,
		SearchPath: *searchPath,
		InterpPath: *interpPath,
		OutputExec: *outputExec,
	}
	shivalog.Debugf("prelinking %s -> %s (interp=%s search=%s patch=%s)",
		req.InputExec, req.OutputExec, req.InterpPath, req.SearchPath, req.PatchBase)

	if err := prelink.Run(req); err != nil {
		shivalog.Errorf("%v", err)
		os.Exit(1)
	}
}
