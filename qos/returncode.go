package qos

import "fmt"

// ReturnCode is the DDS-style enumerated result value returned at the
// core's API boundary (spec.md §6). The core never uses panics/unwinding
// for recoverable conditions; every operation that can fail returns one
// of these as an error, wrapped with context via fmt.Errorf("%w", ...).
type ReturnCode int

const (
	// Ok is not normally constructed as an error; operations return a
	// nil error on success. It exists so status structs can record the
	// "no error" case uniformly.
	Ok ReturnCode = iota
	Error
	Unsupported
	BadParameter
	PreconditionNotMet
	OutOfResources
	NotEnabled
	ImmutablePolicy
	InconsistentPolicy
	AlreadyDeleted
	Timeout
	NoData
	IllegalOperation
	NotAllowedBySecurity
)

var names = map[ReturnCode]string{
	Ok:                   "Ok",
	Error:                "Error",
	Unsupported:          "Unsupported",
	BadParameter:         "BadParameter",
	PreconditionNotMet:   "PreconditionNotMet",
	OutOfResources:       "OutOfResources",
	NotEnabled:           "NotEnabled",
	ImmutablePolicy:      "ImmutablePolicy",
	InconsistentPolicy:   "InconsistentPolicy",
	AlreadyDeleted:       "AlreadyDeleted",
	Timeout:              "Timeout",
	NoData:               "NoData",
	IllegalOperation:     "IllegalOperation",
	NotAllowedBySecurity: "NotAllowedBySecurity",
}

func (c ReturnCode) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return "Unknown"
}

// Error implements the error interface directly on the code value, so
// a bare ReturnCode can be returned and compared with errors.Is without
// an intermediate wrapper type.
func (c ReturnCode) Error() string { return c.String() }

// Is lets errors.Is(err, qos.Timeout) match both a bare ReturnCode and a
// wrapped one produced by Wrap.
func (c ReturnCode) Is(target error) bool {
	other, ok := target.(ReturnCode)
	return ok && other == c
}

// Wrap attaches context to a ReturnCode while keeping it matchable by
// errors.Is/errors.As. Mirrors the teacher's fmt.Errorf("...: %w", err)
// wrapping convention (go/flow/ingest.go et al.).
func Wrap(code ReturnCode, format string, args ...interface{}) error {
	return &wrapped{code: code, msg: fmt.Sprintf(format, args...)}
}

type wrapped struct {
	code ReturnCode
	msg  string
}

func (w *wrapped) Error() string { return w.msg + ": " + w.code.String() }
func (w *wrapped) Unwrap() error { return w.code }
