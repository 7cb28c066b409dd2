package ledger

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a ledger bridge failure so callers can decide how to react
// without parsing messages.
type ErrorKind string

const (
	KindMalformedHex       ErrorKind = "malformed_hex"
	KindDecryptionFailed   ErrorKind = "decryption_failed"
	KindSubmissionRejected ErrorKind = "submission_rejected"
	KindConnectionLost     ErrorKind = "connection_lost"
	KindTimeout            ErrorKind = "timeout"
	KindAccountNotFound    ErrorKind = "account_not_found"
)

// Retryable reports whether a caller may resubmit after confirming, through a read,
// that the original call was not included.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindSubmissionRejected, KindConnectionLost, KindTimeout:
		return true
	}
	return false
}

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrMalformedHex       = &Error{Kind: KindMalformedHex}
	ErrDecryptionFailed   = &Error{Kind: KindDecryptionFailed}
	ErrSubmissionRejected = &Error{Kind: KindSubmissionRejected}
	ErrConnectionLost     = &Error{Kind: KindConnectionLost}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrAccountNotFound    = &Error{Kind: KindAccountNotFound}
)

// Error is the typed failure returned by every ledger bridge component.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// E builds an *Error. err may be nil.
func E(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error with a formatted cause.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
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
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}
