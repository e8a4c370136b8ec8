// Package objerr defines the error taxonomy shared by the change algebra,
// notifier pipeline, and coordinator: a small set of kinds callers can
// branch on with errors.Is, plus a wrapping type that preserves the
// underlying cause.
package objerr

import (
	"errors"
	"fmt"
)

// Kind classifies the failure modes the coordinator and its collaborators
// can produce.
type Kind int

const (
	// Unknown is the zero value; no constructor here assigns it, and
	// KindOf returns it only together with false.
	Unknown Kind = iota
	// SchemaMismatch means a notifier's query no longer matches the
	// schema of the collection it was registered against.
	SchemaMismatch
	// VersionMismatch means a snapshot or notifier was asked to advance
	// to a version older than (or disjoint from) its current one.
	VersionMismatch
	// TargetGone means the object a notifier observes (or the notifier
	// itself) was released before a pending operation could complete.
	TargetGone
	// QueryExecution means re-running a registered query against a new
	// snapshot failed.
	QueryExecution
	// LogParse means the transaction log could not be parsed into a
	// change set.
	LogParse
	// ChannelIO means the cross-process commit wake channel failed to
	// read or write.
	ChannelIO
)

func (k Kind) String() string {
	switch k {
	case SchemaMismatch:
		return "schema_mismatch"
	case VersionMismatch:
		return "version_mismatch"
	case TargetGone:
		return "target_gone"
	case QueryExecution:
		return "query_execution"
	case LogParse:
		return "log_parse"
	case ChannelIO:
		return "channel_io"
	default:
		return "unknown"
	}
}

// Error is the error type returned across package boundaries in this
// module. It carries a Kind so callers can branch with errors.Is against
// the sentinel values below, and wraps the underlying cause for %w/Unwrap.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("objerr: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("objerr: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is one of the sentinel Kind markers declared
// below, matching on Kind rather than identity.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind around an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Sentinel markers usable with errors.Is(err, objerr.ErrSchemaMismatch)
// without needing a message match.
var (
	ErrSchemaMismatch  = &Error{Kind: SchemaMismatch}
	ErrVersionMismatch = &Error{Kind: VersionMismatch}
	ErrTargetGone      = &Error{Kind: TargetGone}
	ErrQueryExecution  = &Error{Kind: QueryExecution}
	ErrLogParse        = &Error{Kind: LogParse}
	ErrChannelIO       = &Error{Kind: ChannelIO}
)

// KindOf extracts the Kind of err if it is (or wraps) an *Error, and false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return Unknown, false
}
