// Package coreerr defines the stable error categories the core engine
// returns across every layer (parser, planner, runtime, persist). Callers
// use errors.Is against the sentinel Kind values rather than string
// matching.
package coreerr

import "errors"

// Kind is a stable, machine-readable error category (spec §7).
type Kind error

var (
	// KindParse covers malformed source text.
	KindParse Kind = errors.New("parse")
	// KindValidation covers unsafe rules, arity/type mismatches, unstratifiable negation.
	KindValidation Kind = errors.New("validation")
	// KindNotFound covers unknown KG/relation/rule/index lookups.
	KindNotFound Kind = errors.New("not-found")
	// KindConflict covers schema rejection against existing data.
	KindConflict Kind = errors.New("conflict")
	// KindRuntimeTransient covers retryable conditions (full command channel, deadline exceeded).
	KindRuntimeTransient Kind = errors.New("runtime-transient")
	// KindPersist covers fatal write-path persistence errors (WAL write failure).
	KindPersist Kind = errors.New("persist")
	// KindCorruption covers recoverable on-disk corruption (bad CRC, truncated record).
	KindCorruption Kind = errors.New("corruption")
	// KindInternal covers invariant violations; the owning KG refuses further writes.
	KindInternal Kind = errors.New("internal")
)

// E wraps an underlying cause with a stable Kind and human context.
type E struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *E) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *E) Unwrap() error {
	return e.Err
}

func (e *E) Is(target error) bool {
	return e.Kind == target
}

// New builds an *E of the given kind with a formatted message and optional cause.
func New(kind Kind, msg string, cause error) *E {
	return &E{Kind: kind, Msg: msg, Err: cause}
}

func Parse(msg string, cause error) error       { return New(KindParse, msg, cause) }
func Validation(msg string, cause error) error  { return New(KindValidation, msg, cause) }
func NotFound(msg string, cause error) error    { return New(KindNotFound, msg, cause) }
func Conflict(msg string, cause error) error    { return New(KindConflict, msg, cause) }
func Transient(msg string, cause error) error   { return New(KindRuntimeTransient, msg, cause) }
func Persist(msg string, cause error) error     { return New(KindPersist, msg, cause) }
func Corruption(msg string, cause error) error  { return New(KindCorruption, msg, cause) }
func Internal(msg string, cause error) error    { return New(KindInternal, msg, cause) }

// Is reports whether err belongs to the given Kind.
func Is(err error, kind Kind) bool {
	return errors.Is(err, kind)
}
