package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"server/internal/domain"
	"server/internal/provider"
	"server/pkg/zip"
)

const (
	defaultQuantity = 1
	maxQuantity     = 4
	startTimeout    = 30 * time.Second
	defaultOwner    = "anonymous"
)

type generateRequest struct {
	Type        string `json:"type"`
	Provider    string `json:"provider"`
	Prompt      string `json:"prompt"`
	Quantity    int    `json:"quantity"`
	AspectRatio string `json:"aspect_ratio"`
	OwnerRef    string `json:"owner_ref"`
}

type generateResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// SubmitGeneration accepts a generation request, starts it at the provider
// and enqueues the job for polling. Provider rejections surface synchronously;
// every later provider fault is contained in the worker and observed through
// the status endpoint.
func (a *App) SubmitGeneration(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	jobType := domain.JobType(req.Type)
	if req.Type == "" {
		jobType = domain.JobTypeImageGenerate
	}
	if jobType != domain.JobTypeImageGenerate && jobType != domain.JobTypeVideoGenerate {
		a.error(w, http.StatusBadRequest, "bad_request", "unsupported job type")
		return
	}

	prompt := domain.NormalizePrompt(req.Prompt)
	if prompt == "" {
		a.error(w, http.StatusBadRequest, "invalid_prompt", "prompt must not be empty")
		return
	}

	providerName := req.Provider
	if providerName == "" {
		providerName = "gemini"
	}
	adapter, resolved := a.Providers.Select(providerName)
	if adapter == nil {
		a.error(w, http.StatusBadRequest, "bad_request", "unsupported provider")
		return
	}

	quantity := req.Quantity
	if quantity <= 0 {
		quantity = defaultQuantity
	}
	if quantity > maxQuantity {
		quantity = maxQuantity
	}
	owner := req.OwnerRef
	if owner == "" {
		owner = defaultOwner
	}

	now := a.now()
	// The job is persisted before the start call so a crash mid-start still
	// leaves a traceable record, but its first poll is deferred past the
	// start deadline: a worker must not claim a job whose handle has not
	// landed yet.
	startBy := now.Add(startTimeout)
	job := &domain.Job{
		ID:          uuid.NewString(),
		OwnerRef:    owner,
		Type:        jobType,
		Provider:    resolved,
		Prompt:      prompt,
		Quantity:    quantity,
		AspectRatio: req.AspectRatio,
		Status:      domain.JobStatusQueued,
		QueuedAt:    now,
		NextPollAt:  &startBy,
	}
	if err := a.Jobs.Enqueue(r.Context(), job); err != nil {
		a.Logger.Error().Err(err).Msg("handlers: enqueue job failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to queue job")
		return
	}

	startCtx, cancel := context.WithTimeout(r.Context(), startTimeout)
	defer cancel()
	handle, err := adapter.Start(startCtx, provider.StartRequest{
		JobID:       job.ID,
		Type:        job.Type,
		Prompt:      job.Prompt,
		Quantity:    job.Quantity,
		AspectRatio: job.AspectRatio,
	})
	if err != nil {
		var sub *provider.SubmissionError
		if errors.As(err, &sub) {
			_ = a.Jobs.RecordFailure(r.Context(), job.ID, 0, sub.Message, a.now())
			a.error(w, http.StatusUnprocessableEntity, sub.Reason, sub.Message)
			return
		}
		a.Logger.Error().Err(err).Str("job_id", job.ID).Str("provider", resolved).Msg("handlers: provider start failed")
		_ = a.Jobs.RecordFailure(r.Context(), job.ID, 0, "provider unavailable", a.now())
		a.error(w, http.StatusBadGateway, "provider_unavailable", "provider did not accept the request")
		return
	}
	if err := a.Jobs.SetProviderHandle(r.Context(), job.ID, string(handle), a.now()); err != nil {
		a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("handlers: record provider handle failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to queue job")
		return
	}

	a.json(w, http.StatusAccepted, generateResponse{JobID: job.ID, Status: string(domain.JobStatusQueued)})
}

// GenerationStatus returns the current lifecycle state of one job.
func (a *App) GenerationStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := a.Jobs.GetByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("handlers: load job failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load job")
		return
	}

	resp := map[string]any{
		"id":            job.ID,
		"type":          job.Type,
		"provider":      job.Provider,
		"status":        job.Status,
		"attempt_count": job.AttemptCount,
		"queued_at":     job.QueuedAt,
	}
	if job.LastError != "" {
		resp["last_error"] = job.LastError
	}
	if job.CompletedAt != nil {
		resp["completed_at"] = job.CompletedAt
	}
	if job.Status == domain.JobStatusSucceeded {
		resp["artifact_refs"] = job.ArtifactRefs
	}
	a.json(w, http.StatusOK, resp)
}

// GenerationArchive bundles every artifact of a succeeded job into one zip
// download.
func (a *App) GenerationArchive(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := a.Jobs.GetByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to load job")
		return
	}
	if job.Status != domain.JobStatusSucceeded {
		a.error(w, http.StatusConflict, "not_ready", "job has not succeeded")
		return
	}

	artifacts := make([]zip.Artifact, 0, len(job.ArtifactRefs))
	for _, key := range job.ArtifactRefs {
		data, err := a.Blobs.Get(r.Context(), key)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			a.Logger.Error().Err(err).Str("key", key).Msg("handlers: read artifact failed")
			a.error(w, http.StatusInternalServerError, "internal", "failed to read artifact")
			return
		}
		artifacts = append(artifacts, zip.Artifact{Name: zip.NameFromKey(key), Data: data})
	}
	if len(artifacts) == 0 {
		a.error(w, http.StatusNotFound, "not_found", "no artifacts available")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+jobID+`.zip"`)
	if err := zip.WriteArchive(w, artifacts); err != nil {
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("handlers: write archive failed")
	}
}

// GenerationAssets lists catalog entries produced by one job.
func (a *App) GenerationAssets(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if _, err := a.Jobs.GetByID(r.Context(), jobID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to load job")
		return
	}
	entries, err := a.Catalog.ListByJobID(r.Context(), jobID)
	if err != nil {
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("handlers: list job assets failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list assets")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"assets": toAssetViews(entries)})
}
