// Package shivaerr defines the error categories used across Shiva's
// subsystems: prelinking, mapping, module loading, relocation, and
// tracing. Each category is a distinct type so callers can distinguish
// them with errors.As instead of string matching.
package shivaerr

import "fmt"

// PrelinkError reports a failure while rewriting an executable: malformed
// input, a missing PT_DYNAMIC/PT_NOTE, an interpreter path overflow, or an
// I/O failure.
type PrelinkError struct {
	Op      string
	Path    string
	Err     error
	Message string
}

func (e *PrelinkError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("prelink: %s (%s): %s", e.Op, e.Path, e.detail())
	}
	return fmt.Sprintf("prelink: %s: %s", e.Op, e.detail())
}

func (e *PrelinkError) detail() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "unknown error"
}

func (e *PrelinkError) Unwrap() error { return e.Err }

// MappingError reports a failed mmap/mprotect, or a request for a fixed
// address that conflicts with an existing mapping.
type MappingError struct {
	Op      string
	Addr    uint64
	Len     uintptr
	Err     error
	Message string
}

func (e *MappingError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("mapping: %s at %#x (len %#x): %s", e.Op, e.Addr, e.Len, msg)
}

func (e *MappingError) Unwrap() error { return e.Err }

// LoaderError reports a malformed patch object, an oversize PLT, or a
// section whose attribute (text vs. data) could not be determined.
type LoaderError struct {
	Op      string
	Section string
	Err     error
	Message string
}

func (e *LoaderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Section != "" {
		return fmt.Sprintf("module loader: %s (section %s): %s", e.Op, e.Section, msg)
	}
	return fmt.Sprintf("module loader: %s: %s", e.Op, msg)
}

func (e *LoaderError) Unwrap() error { return e.Err }

// RelocationError reports an unsupported relocation type or an unresolved
// external symbol reference; Symbol names the offending symbol when known.
type RelocationError struct {
	Symbol  string
	Type    uint32
	Message string
}

func (e *RelocationError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("relocation: %s: symbol %q", e.Message, e.Symbol)
	}
	return fmt.Sprintf("relocation: %s (type %d)", e.Message, e.Type)
}

// TraceError reports an invalid address, a failed protection change, an
// unknown breakpoint type, or a dispatch with no registered handler.
type TraceError struct {
	Op      string
	Addr    uint64
	Err     error
	Message string
}

func (e *TraceError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Addr != 0 {
		return fmt.Sprintf("trace: %s at %#x: %s", e.Op, e.Addr, msg)
	}
	return fmt.Sprintf("trace: %s: %s", e.Op, msg)
}

func (e *TraceError) Unwrap() error { return e.Err }
