// Package errs classifies engine errors into the fixed taxonomy the campaign
// engine, dispatcher, and job queue use to decide retry vs terminal handling.
package errs

import "fmt"

// Kind is one of the error categories the engine reasons about. These are not
// Go types because every collaborator (dispatcher, session registry, vault,
// engine) needs to compare kinds across package boundaries without importing
// each other's concrete error types.
type Kind string

const (
	NotConnected     Kind = "NotConnected"
	ScanExpired      Kind = "ScanExpired"
	CodeExpired      Kind = "CodeExpired"
	RecipientInvalid Kind = "RecipientInvalid"
	TransientNetwork Kind = "TransientNetwork"
	QuotaExceeded    Kind = "QuotaExceeded"
	AuthFailed       Kind = "AuthFailed"
	RenderError      Kind = "RenderError"
	CryptoCorrupted  Kind = "CryptoCorrupted"
	CampaignNotActive Kind = "CampaignNotActive"
	AdminRequired    Kind = "AdminRequired"
)

// Error wraps an underlying cause with a Kind and the operation that produced
// it, so callers can classify without string-matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a classified error. cause may be nil.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// KindOf returns the Kind carried by err, or "" if err does not carry one.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

// Retryable reports whether a job that failed with this Kind should be
// retried by the queue's backoff, per spec.md §7's disposition table.
func Retryable(kind Kind) bool {
	switch kind {
	case TransientNetwork, QuotaExceeded, NotConnected, CampaignNotActive:
		return true
	default:
		return false
	}
}
