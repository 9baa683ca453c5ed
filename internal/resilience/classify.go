// Package resilience wraps backend calls with failure classification, an
// exponential retry ladder, and a cached credential vault.
package resilience

import (
	"context"
	"errors"
	"strings"

	"github.com/chatrelay/chatrelay/internal/backend"
)

// Class labels a failure for the retry ladder.
type Class int

const (
	// ClassPermanent failures abort immediately.
	ClassPermanent Class = iota
	// ClassRetryable failures re-enter the backoff ladder.
	ClassRetryable
	// ClassAuth failures trigger one forced credential refresh before a
	// single out-of-ladder retry.
	ClassAuth
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassAuth:
		return "auth"
	default:
		return "permanent"
	}
}

// ErrEmptyResult reports a run that terminated without producing any content.
// Callers return it to re-enter the ladder when the backend came back empty.
var ErrEmptyResult = errors.New("backend returned an empty result")

// errPermanent is the marker wrapped by Permanent.
var errPermanent = errors.New("permanent")

// Permanent marks err so the classifier never retries it, regardless of its
// message text.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &markedErr{err: err}
}

type markedErr struct{ err error }

func (m *markedErr) Error() string { return m.err.Error() }
func (m *markedErr) Unwrap() error { return m.err }
func (m *markedErr) Is(target error) bool {
	return target == errPermanent || errors.Is(m.err, target)
}

var retryableTokens = []string{
	"timeout", "timed out", "deadline exceeded",
	"connection reset", "connection refused", "broken pipe",
	"502", "503", "504", "bad gateway", "service unavailable",
	"too many requests", "429", "overloaded", "temporarily",
	"eof",
}

var authTokens = []string{
	"401", "403", "unauthorized", "forbidden",
	"invalid token", "token expired", "authentication",
}

// Classify maps err to its retry class. Marker errors win over message text:
// Permanent-wrapped and protocol errors never retry, ErrEmptyResult always
// does, and cancellation is permanent because the caller already gave up.
// Deadline expiry deliberately falls through to keyword matching since HTTP
// client timeouts wrap context.DeadlineExceeded. Everything else is
// classified by keywords in the message, defaulting to permanent so unknown
// failures never loop.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}
	if errors.Is(err, errPermanent) || errors.Is(err, backend.ErrProtocol) {
		return ClassPermanent
	}
	if errors.Is(err, ErrEmptyResult) {
		return ClassRetryable
	}
	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}
	msg := strings.ToLower(err.Error())
	for _, tok := range authTokens {
		if strings.Contains(msg, tok) {
			return ClassAuth
		}
	}
	for _, tok := range retryableTokens {
		if strings.Contains(msg, tok) {
			return ClassRetryable
		}
	}
	return ClassPermanent
}
