// Package provider defines the adapter contract between the job lifecycle and
// external generation services. An adapter translates a generation request
// into a provider-specific start call, polls the resulting handle, and fetches
// terminal payloads. All provider branching lives behind this interface;
// implementations are selected by the job's provider field.
package provider

import (
	"context"
	"errors"
	"fmt"

	"server/internal/domain"
)

// Handle is the opaque identifier a provider assigns to a started job.
type Handle string

// StartRequest carries the immutable request snapshot to an adapter.
type StartRequest struct {
	JobID       string
	Type        domain.JobType
	Prompt      string
	Quantity    int
	AspectRatio string
}

// Outcome is the normalized result of a poll.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// PollResult is the normalized poll response. ResultLocator is set only for
// OutcomeSucceeded; Message carries the provider's failure reason for
// OutcomeFailed. Polling an already-terminal handle must keep returning the
// same terminal result.
type PollResult struct {
	Outcome       Outcome
	ResultLocator string
	Message       string
}

// Payload is a fetched terminal result.
type Payload struct {
	Data   []byte
	MIME   string
	Width  int
	Height int
}

// Adapter is the provider-agnostic start/poll/fetch abstraction.
type Adapter interface {
	Name() string
	Start(ctx context.Context, req StartRequest) (Handle, error)
	Poll(ctx context.Context, handle Handle) (PollResult, error)
	Fetch(ctx context.Context, locator string) (Payload, error)
}

// SubmissionError reports a request the provider rejected outright (invalid
// parameters, quota). It is surfaced synchronously to the submitter and never
// retried.
type SubmissionError struct {
	Reason  string
	Message string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submission rejected (%s): %s", e.Reason, e.Message)
}

// TransientPollError reports a poll failure worth retrying with backoff
// (network fault, rate limit, provider hiccup).
type TransientPollError struct {
	Err error
}

func (e *TransientPollError) Error() string {
	return fmt.Sprintf("transient poll failure: %v", e.Err)
}

func (e *TransientPollError) Unwrap() error { return e.Err }

// PermanentPollError reports a poll failure that finalizes the job as failed
// immediately (handle invalid or expired).
type PermanentPollError struct {
	Message string
}

func (e *PermanentPollError) Error() string {
	return fmt.Sprintf("permanent poll failure: %s", e.Message)
}

// IsTransient reports whether err should be retried with backoff. Any error
// that is not explicitly classified is treated as transient: the scheduler
// assumes a provider call that timed out or blew up may succeed next time.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentPollError
	if errors.As(err, &perm) {
		return false
	}
	var sub *SubmissionError
	return !errors.As(err, &sub)
}

// IsPermanent reports whether err finalizes the job without retry.
func IsPermanent(err error) bool {
	var perm *PermanentPollError
	return errors.As(err, &perm)
}
