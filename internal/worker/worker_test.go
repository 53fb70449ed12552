package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/openhire/matchd/internal/matching"
	"github.com/openhire/matchd/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedApplication(t *testing.T, st *storage.Store, appID string) {
	t.Helper()
	if err := st.SaveCandidate(storage.Candidate{ID: "cand-1", FullName: "Ada Park"}); err != nil {
		t.Fatalf("seeding candidate: %v", err)
	}
	if err := st.SaveJobVariant(storage.JobVariant{ID: "var-1", Title: "Frontend Engineer"}); err != nil {
		t.Fatalf("seeding variant: %v", err)
	}
	if err := st.CreateApplication(storage.Application{ID: appID, CandidateID: "cand-1", JobVariantID: "var-1"}); err != nil {
		t.Fatalf("seeding application: %v", err)
	}
}

type fakeMatcher struct {
	result matching.MatchResult
	err    error
	calls  int
}

func (m *fakeMatcher) Match(_ context.Context, candidateID, jobVariantID string) (matching.MatchResult, error) {
	m.calls++
	if m.err != nil {
		return matching.MatchResult{}, m.err
	}
	res := m.result
	res.CandidateID = candidateID
	res.JobVariantID = jobVariantID
	return res, nil
}

type fakeExplainer struct {
	applicationIDs []string
	err            error
}

func (e *fakeExplainer) Generate(_ context.Context, applicationID string, _ storage.Candidate, _ storage.JobVariant, _ []storage.Requirement, _ matching.MatchResult) (storage.MatchExplanation, error) {
	e.applicationIDs = append(e.applicationIDs, applicationID)
	return storage.MatchExplanation{ApplicationID: applicationID}, e.err
}

func TestEnqueueFitScore(t *testing.T) {
	st := openTestStore(t)
	orch := NewOrchestrator(st)

	orch.EnqueueFitScore("app-1")

	job, err := st.ClaimNextJob([]string{JobTypeFitScore})
	if err != nil {
		t.Fatalf("claiming job: %v", err)
	}
	if job == nil {
		t.Fatal("no job enqueued")
	}
	if job.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", job.MaxAttempts)
	}

	var payload fitScorePayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if payload.ApplicationID != "app-1" {
		t.Errorf("payload application = %s, want app-1", payload.ApplicationID)
	}
}

type failingQueue struct{ calls int }

func (q *failingQueue) EnqueueJob(storage.Job) error {
	q.calls++
	return errors.New("queue unavailable")
}

func TestEnqueueFitScore_SwallowsErrors(t *testing.T) {
	q := &failingQueue{}
	orch := NewOrchestrator(q)

	// Must not panic or surface the error.
	orch.EnqueueFitScore("app-1")
	if q.calls != 1 {
		t.Errorf("queue calls = %d, want 1", q.calls)
	}

	if got := orch.BatchEnqueueFitScores([]string{"app-1", "app-2"}); got != 0 {
		t.Errorf("BatchEnqueueFitScores = %d, want 0 when every enqueue fails", got)
	}
}

func TestBatchEnqueueFitScores(t *testing.T) {
	st := openTestStore(t)
	orch := NewOrchestrator(st)

	if got := orch.BatchEnqueueFitScores([]string{"app-1", "app-2"}); got != 2 {
		t.Fatalf("BatchEnqueueFitScores = %d, want 2", got)
	}

	counts, err := st.CountJobs()
	if err != nil {
		t.Fatalf("counting jobs: %v", err)
	}
	if counts["pending"] != 2 {
		t.Errorf("pending jobs = %d, want 2", counts["pending"])
	}
}

type recordingQueue struct{ jobs []storage.Job }

func (q *recordingQueue) EnqueueJob(job storage.Job) error {
	q.jobs = append(q.jobs, job)
	return nil
}

func TestBatchEnqueueFitScores_Jitter(t *testing.T) {
	q := &recordingQueue{}
	orch := NewOrchestrator(q)

	orch.BatchEnqueueFitScores([]string{"app-1", "app-2"})

	if len(q.jobs) != 2 {
		t.Fatalf("enqueued %d jobs, want 2", len(q.jobs))
	}
	latest := time.Now().UTC().Add(maxBatchJitter)
	for _, job := range q.jobs {
		if job.Type != JobTypeFitScore {
			t.Errorf("job type = %s, want %s", job.Type, JobTypeFitScore)
		}
		if job.RunAfter.After(latest) {
			t.Errorf("RunAfter = %s, beyond the jitter window", job.RunAfter)
		}
	}
}

func TestWorker_RunOnce(t *testing.T) {
	st := openTestStore(t)
	seedApplication(t, st, "app-1")
	orch := NewOrchestrator(st)
	orch.EnqueueFitScore("app-1")

	matcher := &fakeMatcher{result: matching.MatchResult{FitScore: 77.5}}
	explainer := &fakeExplainer{}
	w := NewWorker(st, matcher, explainer, 0)

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if !done {
		t.Fatal("RunOnce() = false, want a processed job")
	}

	app, err := st.GetApplication("app-1")
	if err != nil {
		t.Fatalf("loading application: %v", err)
	}
	if app.FitScore == nil || *app.FitScore != 77.5 {
		t.Errorf("FitScore = %v, want 77.5", app.FitScore)
	}
	if len(explainer.applicationIDs) != 1 || explainer.applicationIDs[0] != "app-1" {
		t.Errorf("explainer calls = %v, want [app-1]", explainer.applicationIDs)
	}

	counts, err := st.CountJobs()
	if err != nil {
		t.Fatalf("counting jobs: %v", err)
	}
	if counts["completed"] != 1 {
		t.Errorf("completed jobs = %d, want 1", counts["completed"])
	}
}

func TestWorker_RunOnce_MatchFailure(t *testing.T) {
	st := openTestStore(t)
	seedApplication(t, st, "app-1")
	orch := NewOrchestrator(st)
	orch.EnqueueFitScore("app-1")

	matcher := &fakeMatcher{err: errors.New("embedding api down")}
	w := NewWorker(st, matcher, nil, 0)

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if !done {
		t.Fatal("RunOnce() = false, want a processed job")
	}

	// First failure goes back to pending with a backoff.
	counts, err := st.CountJobs()
	if err != nil {
		t.Fatalf("counting jobs: %v", err)
	}
	if counts["pending"] != 1 {
		t.Errorf("pending jobs = %d, want 1 after first failure", counts["pending"])
	}

	app, err := st.GetApplication("app-1")
	if err != nil {
		t.Fatalf("loading application: %v", err)
	}
	if app.FitScore != nil {
		t.Errorf("FitScore = %v, want unset after a failed match", *app.FitScore)
	}
}

func TestWorker_RunOnce_NoJob(t *testing.T) {
	st := openTestStore(t)
	w := NewWorker(st, &fakeMatcher{}, nil, 0)

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if done {
		t.Error("RunOnce() = true with an empty queue")
	}
}

func TestWorker_Run_StopsOnCancel(t *testing.T) {
	st := openTestStore(t)
	w := NewWorker(st, &fakeMatcher{}, nil, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(stopped)
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
