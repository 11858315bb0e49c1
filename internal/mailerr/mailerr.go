// Package mailerr defines the error kinds surfaced by mailgate operations.
// Every failure returned to an HTTP handler carries exactly one Kind so the
// handler can pick a status code without inspecting transport errors.
package mailerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// UpstreamFailure is an opaque failure from the store or the submission client.
	UpstreamFailure Kind = iota
	// Unauthorized means the sender is not one of the configured accounts.
	Unauthorized
	// InvalidInput means a required field is missing or malformed.
	InvalidInput
	// FolderNotFound means the store refused to select the folder.
	FolderNotFound
	// DraftNotFound means no draft carries the requested correlation id.
	DraftNotFound
	// ConnectionLost means the store session broke during the operation.
	ConnectionLost
	// Timeout means a dial or protocol exchange exceeded its deadline.
	Timeout
	// ReconciliationPartialFailure means an old draft was deleted but its
	// replacement could not be submitted. The draft content is lost.
	ReconciliationPartialFailure
	// Canceled means the caller went away before the operation finished.
	Canceled
	// RateLimited means the client exceeded its request budget.
	RateLimited
)

var kindNames = map[Kind]string{
	UpstreamFailure:              "upstream_failure",
	Unauthorized:                 "unauthorized",
	InvalidInput:                 "invalid_input",
	FolderNotFound:               "folder_not_found",
	DraftNotFound:                "draft_not_found",
	ConnectionLost:               "connection_lost",
	Timeout:                      "timeout",
	ReconciliationPartialFailure: "reconciliation_partial_failure",
	Canceled:                     "canceled",
	RateLimited:                  "rate_limited",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified failure. Op names the operation that failed and Err
// keeps the underlying cause for logs.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the bare sentinel of the same kind, so that
// errors.Is(err, mailerr.ErrDraftNotFound) matches any DraftNotFound error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrUpstreamFailure              = &Error{Kind: UpstreamFailure}
	ErrUnauthorized                 = &Error{Kind: Unauthorized}
	ErrInvalidInput                 = &Error{Kind: InvalidInput}
	ErrFolderNotFound               = &Error{Kind: FolderNotFound}
	ErrDraftNotFound                = &Error{Kind: DraftNotFound}
	ErrConnectionLost               = &Error{Kind: ConnectionLost}
	ErrTimeout                      = &Error{Kind: Timeout}
	ErrReconciliationPartialFailure = &Error{Kind: ReconciliationPartialFailure}
	ErrCanceled                     = &Error{Kind: Canceled}
	ErrRateLimited                  = &Error{Kind: RateLimited}
)

// New returns a classified error.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf returns a classified error with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Unclassified errors are reported as UpstreamFailure, except context errors
// which map to Timeout and Canceled.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, context.Canceled):
		return Canceled
	}
	return UpstreamFailure
}

// FromContext classifies a context error.
func FromContext(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return New(Timeout, op, err)
	}
	return New(Canceled, op, err)
}

// Wrap classifies err unless it already carries a kind.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return New(kind, op, err)
}
