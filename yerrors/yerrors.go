// Package yerrors provides the error taxonomy and error-record types shared
// across the datastore core. It follows the classify-and-wrap pattern used
// throughout the rest of this module: a small set of sentinel codes, a
// wrapper that attaches component/operation context, and helpers for
// building the multi-entry validation records the commit orchestrator and
// edit engine return to callers.
package yerrors

import (
	"errors"
	"fmt"
)

// Code is the error taxonomy returned verbatim across the session boundary,
// per the core's public contract.
type Code int

const (
	OK Code = iota
	InvalidArgument
	SchemaLibrary
	System
	OutOfMemory
	NotFound
	Exists
	Internal
	InitFailed
	Unsupported
	UnknownModule
	BadElement
	ValidationFailed
	OperationFailed
	Unauthorized
	Locked
	Timeout
	CallbackFailed
)

func (c Code) String() string {
	switch c {
	case OK:
		return "ok"
	case InvalidArgument:
		return "invalid_argument"
	case SchemaLibrary:
		return "schema_library"
	case System:
		return "system"
	case OutOfMemory:
		return "out_of_memory"
	case NotFound:
		return "not_found"
	case Exists:
		return "exists"
	case Internal:
		return "internal"
	case InitFailed:
		return "init_failed"
	case Unsupported:
		return "unsupported"
	case UnknownModule:
		return "unknown_module"
	case BadElement:
		return "bad_element"
	case ValidationFailed:
		return "validation_failed"
	case OperationFailed:
		return "operation_failed"
	case Unauthorized:
		return "unauthorized"
	case Locked:
		return "locked"
	case Timeout:
		return "timeout"
	case CallbackFailed:
		return "callback_failed"
	default:
		return "unknown"
	}
}

// CodedError carries a taxonomy code plus the component/operation that
// raised it, mirroring the classified-error pattern the rest of the module
// uses for transient/fatal/invalid classification.
type CodedError struct {
	Code      Code
	Component string
	Operation string
	Action    string
	Err       error
}

func (e *CodedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s.%s: %s (%s)", e.Component, e.Operation, e.Action, e.Code)
	}
	return fmt.Sprintf("%s.%s: %s failed: %v (%s)", e.Component, e.Operation, e.Action, e.Err, e.Code)
}

func (e *CodedError) Unwrap() error { return e.Err }

// New builds a CodedError with no underlying cause.
func New(code Code, component, operation, action string) error {
	return &CodedError{Code: code, Component: component, Operation: operation, Action: action}
}

// Wrap attaches a taxonomy code and component/operation context to err,
// following the Wrap/WrapInvalid/WrapFatal naming pattern.
func Wrap(err error, code Code, component, operation, action string) error {
	if err == nil {
		return nil
	}
	return &CodedError{Code: code, Component: component, Operation: operation, Action: action, Err: err}
}

// CodeOf extracts the taxonomy code from err, defaulting to Internal for
// errors that were never classified.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return Internal
}

// Entry is a single offending location in a multi-entry validation record.
type Entry struct {
	Message string
	XPath   string
}

// Record is the per-session error record exposed across the boundary:
// a code plus zero or more (message, xpath) entries. Validation failures
// collect every offending node rather than short-circuiting on the first.
type Record struct {
	Code    Code
	Entries []Entry
}

func (r *Record) Error() string {
	if r == nil || len(r.Entries) == 0 {
		return r.Code.String()
	}
	return fmt.Sprintf("%s: %s (+%d more)", r.Code, r.Entries[0].Message, len(r.Entries)-1)
}

// Add appends an offending entry to the record.
func (r *Record) Add(message, xpath string) {
	r.Entries = append(r.Entries, Entry{Message: message, XPath: xpath})
}

// Empty reports whether the record carries no entries.
func (r *Record) Empty() bool {
	return r == nil || len(r.Entries) == 0
}

// NewRecord builds a Record for the given code, ready to accumulate entries.
func NewRecord(code Code) *Record {
	return &Record{Code: code}
}
