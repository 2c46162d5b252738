package domain

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// JobType enumerates supported generation job categories.
type JobType string

const (
	JobTypeImageGenerate JobType = "image_generate"
	JobTypeVideoGenerate JobType = "video_generate"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// CanTransition reports whether a job may move from one status to another.
// Transitions are monotonic: queued -> in_progress -> {succeeded|failed},
// with queued allowed to finalize directly (a permanent failure on the very
// first poll, or a submission rejected by the provider before any poll).
func CanTransition(from, to JobStatus) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case JobStatusInProgress:
		return from == JobStatusQueued || from == JobStatusInProgress
	case JobStatusSucceeded, JobStatusFailed:
		return from == JobStatusQueued || from == JobStatusInProgress
	default:
		return false
	}
}

// Job encapsulates the lifecycle of a single submitted generation request.
// The persisted row is the single source of truth: no component holds job
// state in memory across poll attempts.
type Job struct {
	ID               string
	OwnerRef         string
	Type             JobType
	Provider         string
	Prompt           string
	Quantity         int
	AspectRatio      string
	Status           JobStatus
	ProviderHandle   string
	ResultLocator    string
	AttemptCount     int
	FinalizeAttempts int
	NextPollAt       *time.Time
	LastError        string
	QueuedAt         time.Time
	CompletedAt      *time.Time
	ArtifactRefs     []string
}

// NormalizePrompt trims and NFC-normalizes prompt text so that equivalent
// submissions compare and hash stably regardless of the client's Unicode form.
func NormalizePrompt(prompt string) string {
	return norm.NFC.String(strings.TrimSpace(prompt))
}
