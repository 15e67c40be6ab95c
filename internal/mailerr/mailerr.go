// Package mailerr implements the closed error taxonomy of spec §7, in the
// shape of the teacher's framework/exterrors: a typed error wrapper carrying
// an enhanced status code that every outer layer (LMTP, CLI exit code,
// proxy referral) maps independently instead of string-matching errors.
package mailerr

import (
	"errors"
	"fmt"
)

// Code is the closed sum type from spec §7.
type Code int

const (
	// OkCompleted is a sentinel, not a failure; it is occasionally
	// returned by callers that want to propagate a success status
	// through the same Code-carrying pipeline (e.g. duplicate-suppressed
	// delivery, which still "succeeds").
	OkCompleted Code = iota
	Io
	PermissionDenied
	MailboxBadFormat
	MailboxNotSupported
	QuotaExceeded
	MessageContainsNul
	MessageContainsBareNewline
	MessageContains8bit
	MessageBadHeader
	MessageNoBlankLine
	MailboxNonexistent
	MailboxExists
	ServerUnavailable
	InvalidIdentifier
	UserFlagExhausted
)

func (c Code) String() string {
	switch c {
	case OkCompleted:
		return "ok-completed"
	case Io:
		return "io"
	case PermissionDenied:
		return "permission-denied"
	case MailboxBadFormat:
		return "mailbox-bad-format"
	case MailboxNotSupported:
		return "mailbox-not-supported"
	case QuotaExceeded:
		return "quota-exceeded"
	case MessageContainsNul:
		return "message-contains-nul"
	case MessageContainsBareNewline:
		return "message-contains-bare-newline"
	case MessageContains8bit:
		return "message-contains-8bit"
	case MessageBadHeader:
		return "message-bad-header"
	case MessageNoBlankLine:
		return "message-no-blank-line"
	case MailboxNonexistent:
		return "mailbox-nonexistent"
	case MailboxExists:
		return "mailbox-exists"
	case ServerUnavailable:
		return "server-unavailable"
	case InvalidIdentifier:
		return "invalid-identifier"
	case UserFlagExhausted:
		return "user-flag-exhausted"
	default:
		return "unknown"
	}
}

// Error wraps a Code and an underlying cause, plus caller-supplied fields,
// mirroring exterrors.WithFields(err, map[string]interface{}{...}).
type Error struct {
	Code   Code
	Err    error
	Fields map[string]interface{}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error from a Code and an optional wrapped cause.
func New(code Code, cause error) *Error {
	return &Error{Code: code, Err: cause}
}

// WithFields attaches diagnostic fields to err, creating an *Error with
// code Io if err is not already one of ours (outer layers logging a
// bare error still get a taxonomy value to dispatch on).
func WithFields(err error, fields map[string]interface{}) *Error {
	var me *Error
	if errors.As(err, &me) {
		merged := make(map[string]interface{}, len(me.Fields)+len(fields))
		for k, v := range me.Fields {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
		return &Error{Code: me.Code, Err: me.Err, Fields: merged}
	}
	return &Error{Code: Io, Err: err, Fields: fields}
}

// CodeOf extracts the Code carried by err, defaulting to Io for errors
// that never passed through this package (e.g. raw os.PathError).
func CodeOf(err error) Code {
	if err == nil {
		return OkCompleted
	}
	var me *Error
	if errors.As(err, &me) {
		return me.Code
	}
	return Io
}

// IsTemporary reports whether a retry might succeed — quota and I/O
// failures are retriable per spec §7, format and permission failures
// are not.
func IsTemporary(err error) bool {
	switch CodeOf(err) {
	case Io, QuotaExceeded, ServerUnavailable:
		return true
	default:
		return false
	}
}
