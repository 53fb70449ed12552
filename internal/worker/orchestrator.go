package worker

import (
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/openhire/matchd/internal/storage"
)

// JobTypeFitScore is the queue job type for one application's fit score
// calculation.
const JobTypeFitScore = "fit_score"

// maxBatchJitter spreads batch-enqueued jobs over a window so a large
// recalculation does not hammer the embedding API at once.
const maxBatchJitter = 5 * time.Second

// Queue abstracts job submission.
type Queue interface {
	EnqueueJob(job storage.Job) error
}

// Orchestrator submits fit score jobs to the durable queue.
type Orchestrator struct {
	queue  Queue
	logger *slog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(queue Queue) *Orchestrator {
	return &Orchestrator{queue: queue, logger: slog.Default()}
}

type fitScorePayload struct {
	ApplicationID string `json:"application_id"`
}

// EnqueueFitScore queues a fit score calculation for one application.
// Enqueue failures are logged and swallowed: creating an application must
// never fail because the queue is unavailable.
func (o *Orchestrator) EnqueueFitScore(applicationID string) {
	if err := o.enqueue(applicationID, 0); err != nil {
		o.logger.Error("failed to enqueue fit score job",
			"application_id", applicationID, "error", err)
	}
}

// BatchEnqueueFitScores queues one fit score job per application, each
// delayed by a random amount within the jitter window. Returns the number
// of jobs enqueued; per-application failures are logged and skipped.
func (o *Orchestrator) BatchEnqueueFitScores(applicationIDs []string) int {
	enqueued := 0
	for _, id := range applicationIDs {
		if err := o.enqueue(id, rand.N(maxBatchJitter)); err != nil {
			o.logger.Error("failed to enqueue fit score job",
				"application_id", id, "error", err)
			continue
		}
		enqueued++
	}
	return enqueued
}

func (o *Orchestrator) enqueue(applicationID string, delay time.Duration) error {
	payload, err := json.Marshal(fitScorePayload{ApplicationID: applicationID})
	if err != nil {
		return err
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        JobTypeFitScore,
		PayloadJSON: string(payload),
	}
	if delay > 0 {
		job.RunAfter = time.Now().UTC().Add(delay)
	}
	return o.queue.EnqueueJob(job)
}
