package activitypub

import (
	"errors"
	"fmt"
)

// AuthenticationError means the transport identity of a request could not be
// established: bad or missing signature, digest mismatch, disallowed algorithm.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "authentication failed: " + e.Reason
}

// PolicyRejection is returned when a host is blocked, closed or otherwise
// refused by the host policy.
type PolicyRejection struct {
	Host   string
	Reason string
}

func (e *PolicyRejection) Error() string {
	return fmt.Sprintf("host %s rejected: %s", e.Host, e.Reason)
}

// ValidationError marks a remote object that must not be accepted.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid object: " + e.Reason
}

// ResolutionFailure covers transport errors, non-2xx responses and exceeded
// resolution bounds.
type ResolutionFailure struct {
	URI    string
	Reason string
	// StatusCode is the HTTP status of the failed fetch, 0 when there was none.
	StatusCode int
	Err        error
}

func (e *ResolutionFailure) Error() string {
	msg := "failed to resolve"
	if e.URI != "" {
		msg += " " + e.URI
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResolutionFailure) Unwrap() error {
	return e.Err
}

// isPermanentFailure reports whether err is a fetch the remote answered
// with a 4xx status. Retrying such a fetch is pointless.
func isPermanentFailure(err error) bool {
	var rf *ResolutionFailure
	return errors.As(err, &rf) && rf.StatusCode >= 400 && rf.StatusCode < 500
}

type DiscoveryError struct {
	Query  string
	Reason string
	Err    error
}

func (e *DiscoveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webfinger %s: %s: %v", e.Query, e.Reason, e.Err)
	}
	return fmt.Sprintf("webfinger %s: %s", e.Query, e.Reason)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

type ReconciliationError struct {
	Acct   string
	Reason string
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("cannot reconcile %s: %s", e.Acct, e.Reason)
}

const (
	StatusOK   = "ok"
	StatusSkip = "skip"
)

// Result is the outcome of an activity handler that did not fail.
// A skip is a benign no-op, not an error.
type Result struct {
	Status string
	Reason string
}

func okResult() Result {
	return Result{Status: StatusOK}
}

func skipResult(format string, args ...any) Result {
	return Result{Status: StatusSkip, Reason: fmt.Sprintf(format, args...)}
}

func (r Result) String() string {
	if r.Reason == "" {
		return r.Status
	}
	return r.Status + ": " + r.Reason
}
