package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/openhire/matchd/internal/matching"
	"github.com/openhire/matchd/internal/storage"
)

// Store abstracts the queue and application data the worker needs.
type Store interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetApplication(id string) (storage.Application, error)
	GetCandidate(id string) (storage.Candidate, error)
	GetJobVariant(id string) (storage.JobVariant, error)
	EffectiveRequirements(variantID string) ([]storage.Requirement, error)
	UpdateApplicationFitScore(id string, score float64) error
}

// Matcher computes the fit between a candidate and a job variant.
type Matcher interface {
	Match(ctx context.Context, candidateID, jobVariantID string) (matching.MatchResult, error)
}

// Explainer persists the explanation derived from a match result.
type Explainer interface {
	Generate(ctx context.Context, applicationID string, candidate storage.Candidate, variant storage.JobVariant, reqs []storage.Requirement, result matching.MatchResult) (storage.MatchExplanation, error)
}

// Worker processes fit_score jobs from the SQLite job queue.
type Worker struct {
	store     Store
	matcher   Matcher
	explainer Explainer
	poll      time.Duration
	logger    *slog.Logger
}

// NewWorker creates a Worker. explainer may be nil, skipping explanation
// generation. If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store Store, matcher Matcher, explainer Explainer, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:     store,
		matcher:   matcher,
		explainer: explainer,
		poll:      pollInterval,
		logger:    slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single fit_score job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobTypeFitScore})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload fitScorePayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	app, err := w.store.GetApplication(payload.ApplicationID)
	if err != nil {
		return fmt.Errorf("loading application %s: %w", payload.ApplicationID, err)
	}

	result, err := w.matcher.Match(ctx, app.CandidateID, app.JobVariantID)
	if err != nil {
		return fmt.Errorf("matching: %w", err)
	}

	if err := w.store.UpdateApplicationFitScore(app.ID, result.FitScore); err != nil {
		return fmt.Errorf("updating fit score: %w", err)
	}

	if w.explainer == nil {
		return nil
	}

	candidate, err := w.store.GetCandidate(app.CandidateID)
	if err != nil {
		return fmt.Errorf("loading candidate %s: %w", app.CandidateID, err)
	}
	variant, err := w.store.GetJobVariant(app.JobVariantID)
	if err != nil {
		return fmt.Errorf("loading job variant %s: %w", app.JobVariantID, err)
	}
	reqs, err := w.store.EffectiveRequirements(app.JobVariantID)
	if err != nil {
		return fmt.Errorf("loading requirements: %w", err)
	}
	if _, err := w.explainer.Generate(ctx, app.ID, candidate, variant, reqs, result); err != nil {
		return fmt.Errorf("generating explanation: %w", err)
	}
	return nil
}
