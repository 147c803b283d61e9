// Package errkind defines the stable error-identifier taxonomy (spec
// §7) that every internal package wraps its failures in, so the HTTP
// layer (internal/weldr) can map them onto the right status code and
// client-facing id without re-deriving the classification itself.
package errkind

import "fmt"

type Kind string

const (
	UnknownBlueprint Kind = "UnknownBlueprint"
	UnknownCommit    Kind = "UnknownCommit"
	BlueprintsError  Kind = "BlueprintsError"
	BuildInQueue     Kind = "BuildInQueueError"
	BadCompose       Kind = "BadCompose"
	BadComposeType   Kind = "BadComposeType"
	UnknownUUID      Kind = "UnknownUUID"
	BuildFailed      Kind = "BuildFailed"
	ProjectsError    Kind = "ProjectsError"
	UnknownSource    Kind = "UnknownSource"
	SystemSource     Kind = "SystemSource"
	InvalidChars     Kind = "InvalidChars"
)

// Error pairs a stable Kind with a human-readable message, so that
// callers can both log something useful and branch on err.Kind.
type Error struct {
	Kind Kind
	ID   string
	Msg  string
}

func New(kind Kind, id, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, ID: id, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.ID, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// KindOf extracts the Kind from err if it (or something it wraps) is
// an *Error, defaulting to BlueprintsError for anything unclassified.
func KindOf(err error) Kind {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return BlueprintsError
}

// As is a small local stand-in for errors.As, limited to *Error targets
// and single-error Unwrap chains, so callers need not import errors just
// for this one check.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
