// Package synthetic provides a deterministic in-process provider for
// development runs and tests. A started job stays pending for a configured
// number of polls, then completes with a payload derived from the job id.
package synthetic

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"server/internal/provider"
)

// Provider implements provider.Adapter entirely in memory.
type Provider struct {
	// CompleteAfter is how many polls a handle stays pending before it
	// succeeds. Zero completes on the first poll.
	CompleteAfter int

	mu    sync.Mutex
	polls map[provider.Handle]int
}

// New constructs a synthetic provider.
func New(completeAfter int) *Provider {
	return &Provider{
		CompleteAfter: completeAfter,
		polls:         make(map[provider.Handle]int),
	}
}

func (p *Provider) Name() string { return "synthetic" }

// Start accepts any non-empty prompt and returns a handle bound to the job id.
func (p *Provider) Start(_ context.Context, req provider.StartRequest) (provider.Handle, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", &provider.SubmissionError{Reason: "invalid_prompt", Message: "prompt must not be empty"}
	}
	return provider.Handle("synthetic-job:" + req.JobID), nil
}

// Poll counts attempts per handle. Once a handle has completed it keeps
// returning the same terminal result.
func (p *Provider) Poll(_ context.Context, handle provider.Handle) (provider.PollResult, error) {
	if !strings.HasPrefix(string(handle), "synthetic-job:") {
		return provider.PollResult{}, &provider.PermanentPollError{Message: "unknown handle"}
	}

	p.mu.Lock()
	seen := p.polls[handle]
	if seen < p.CompleteAfter {
		p.polls[handle] = seen + 1
	}
	p.mu.Unlock()

	if seen < p.CompleteAfter {
		return provider.PollResult{Outcome: provider.OutcomePending}, nil
	}
	jobID := strings.TrimPrefix(string(handle), "synthetic-job:")
	return provider.PollResult{
		Outcome:       provider.OutcomeSucceeded,
		ResultLocator: "synthetic-result:" + jobID,
	}, nil
}

// Fetch returns a small deterministic payload for the locator.
func (p *Provider) Fetch(_ context.Context, locator string) (provider.Payload, error) {
	if !strings.HasPrefix(locator, "synthetic-result:") {
		return provider.Payload{}, fmt.Errorf("unknown locator %q", locator)
	}
	jobID := strings.TrimPrefix(locator, "synthetic-result:")
	data := []byte(fmt.Sprintf("synthetic payload for job %s", jobID))
	return provider.Payload{Data: data, MIME: "text/plain"}, nil
}

var _ provider.Adapter = (*Provider)(nil)
