package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/openhire/matchd/internal/matching"
	"github.com/openhire/matchd/internal/storage"
	"github.com/openhire/matchd/internal/vector"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Matcher abstracts the matching engine for the API layer.
type Matcher interface {
	Match(ctx context.Context, candidateID, jobVariantID string) (matching.MatchResult, error)
	FindMatchingCandidates(ctx context.Context, jobVariantID string, opts matching.FindOptions) ([]matching.MatchResult, error)
	RefreshCandidateEmbeddings(ctx context.Context, candidateID string) error
}

// ExplainService abstracts explanation persistence.
type ExplainService interface {
	Generate(ctx context.Context, applicationID string, candidate storage.Candidate, variant storage.JobVariant, reqs []storage.Requirement, result matching.MatchResult) (storage.MatchExplanation, error)
	Get(applicationID string) (storage.MatchExplanation, error)
	Delete(applicationID string) error
}

// Enqueuer abstracts fit score job submission.
type Enqueuer interface {
	EnqueueFitScore(applicationID string)
	BatchEnqueueFitScores(applicationIDs []string) int
}

// AppDeps holds the API handler dependencies.
type AppDeps struct {
	Store        *storage.Store
	Engine       Matcher
	Explanations ExplainService
	Orchestrator Enqueuer
	Vectors      *vector.Store
	Token        string
}

// NewAppHandler builds the HTTP API. Every route except /health requires
// bearer auth.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/match", handleMatch(deps))
		r.Get("/jobs/{id}/candidates", handleFindCandidates(deps))
		r.Post("/jobs/{id}/recalculate", handleRecalculate(deps))

		r.Post("/applications", handleCreateApplication(deps))
		r.Get("/applications/{id}", handleGetApplication(deps))
		r.Get("/applications/{id}/explanation", handleGetExplanation(deps))
		r.Post("/applications/{id}/explanation", handleRegenerateExplanation(deps))
		r.Delete("/applications/{id}/explanation", handleDeleteExplanation(deps))

		r.Post("/candidates/{id}/embeddings", handleRefreshEmbeddings(deps))

		r.Get("/stats", handleStats(deps))
	})

	return r
}

func handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	}
}

type matchRequest struct {
	CandidateID  string `json:"candidate_id"`
	JobVariantID string `json:"job_variant_id"`
}

func handleMatch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req matchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.CandidateID == "" || req.JobVariantID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "candidate_id and job_variant_id are required")
			return
		}

		result, err := deps.Engine.Match(r.Context(), req.CandidateID, req.JobVariantID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "candidate or job variant not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "match failed: %v", err)
			return
		}

		writeJSON(w, result)
	}
}

func handleFindCandidates(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobVariantID := chi.URLParam(r, "id")

		opts := matching.FindOptions{
			MinFitScore:        parseFloatParam(r, "min_fit_score", 0),
			MaxResults:         parseIntParam(r, "max_results", 10, 100),
			IncludeExplanation: r.URL.Query().Get("include_explanation") == "true",
		}

		results, err := deps.Engine.FindMatchingCandidates(r.Context(), jobVariantID, opts)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job variant not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "candidate search failed: %v", err)
			return
		}

		if results == nil {
			results = []matching.MatchResult{}
		}
		writeJSON(w, results)
	}
}

func handleRecalculate(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobVariantID := chi.URLParam(r, "id")

		if _, err := deps.Store.GetJobVariant(jobVariantID); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job variant not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load job variant: %v", err)
			return
		}

		apps, err := deps.Store.ListApplications(jobVariantID, nil)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list applications: %v", err)
			return
		}

		ids := make([]string, len(apps))
		for i, a := range apps {
			ids[i] = a.ID
		}
		queued := deps.Orchestrator.BatchEnqueueFitScores(ids)

		writeJSON(w, map[string]any{"status": "queued", "jobs": queued})
	}
}

type createApplicationRequest struct {
	CandidateID  string `json:"candidate_id"`
	JobVariantID string `json:"job_variant_id"`
}

type applicationResponse struct {
	ID           string   `json:"id"`
	CandidateID  string   `json:"candidate_id"`
	JobVariantID string   `json:"job_variant_id"`
	FitScore     *float64 `json:"fit_score"`
	CreatedAt    string   `json:"created_at"`
}

func toApplicationResponse(a storage.Application) applicationResponse {
	return applicationResponse{
		ID:           a.ID,
		CandidateID:  a.CandidateID,
		JobVariantID: a.JobVariantID,
		FitScore:     a.FitScore,
		CreatedAt:    a.CreatedAt.Format(time.RFC3339),
	}
}

func handleCreateApplication(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req createApplicationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.CandidateID == "" || req.JobVariantID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "candidate_id and job_variant_id are required")
			return
		}

		if _, err := deps.Store.GetCandidate(req.CandidateID); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "candidate not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load candidate: %v", err)
			return
		}
		if _, err := deps.Store.GetJobVariant(req.JobVariantID); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job variant not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load job variant: %v", err)
			return
		}

		app := storage.Application{
			ID:           uuid.New().String(),
			CandidateID:  req.CandidateID,
			JobVariantID: req.JobVariantID,
			CreatedAt:    time.Now().UTC(),
		}
		if err := deps.Store.CreateApplication(app); err != nil {
			httpError(w, http.StatusConflict, "invalid_request_error", "failed to create application: %v", err)
			return
		}

		// Fire and forget: the queue being down never fails the creation.
		deps.Orchestrator.EnqueueFitScore(app.ID)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(toApplicationResponse(app))
	}
}

func handleGetApplication(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		app, err := deps.Store.GetApplication(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "application not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get application: %v", err)
			return
		}

		writeJSON(w, toApplicationResponse(app))
	}
}

type explanationResponse struct {
	ApplicationID    string          `json:"application_id"`
	OverallScore     float64         `json:"overall_score"`
	MustHaveScore    float64         `json:"must_have_score"`
	ShouldHaveScore  float64         `json:"should_have_score"`
	NiceToHaveScore  float64         `json:"nice_to_have_score"`
	Strengths        []string        `json:"strengths"`
	Gaps             []string        `json:"gaps"`
	Recommendations  []string        `json:"recommendations"`
	DetailedAnalysis json.RawMessage `json:"detailed_analysis,omitempty"`
	UpdatedAt        string          `json:"updated_at"`
}

func toExplanationResponse(e storage.MatchExplanation) explanationResponse {
	resp := explanationResponse{
		ApplicationID:   e.ApplicationID,
		OverallScore:    e.OverallScore,
		MustHaveScore:   e.MustHaveScore,
		ShouldHaveScore: e.ShouldHaveScore,
		NiceToHaveScore: e.NiceToHaveScore,
		Strengths:       e.Strengths,
		Gaps:            e.Gaps,
		Recommendations: e.Recommendations,
		UpdatedAt:       e.UpdatedAt.Format(time.RFC3339),
	}
	if json.Valid([]byte(e.DetailedAnalysis)) {
		resp.DetailedAnalysis = json.RawMessage(e.DetailedAnalysis)
	}
	return resp
}

func handleGetExplanation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		exp, err := deps.Explanations.Get(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "explanation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get explanation: %v", err)
			return
		}

		writeJSON(w, toExplanationResponse(exp))
	}
}

func handleRegenerateExplanation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		app, err := deps.Store.GetApplication(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "application not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get application: %v", err)
			return
		}

		result, err := deps.Engine.Match(r.Context(), app.CandidateID, app.JobVariantID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "match failed: %v", err)
			return
		}

		candidate, err := deps.Store.GetCandidate(app.CandidateID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load candidate: %v", err)
			return
		}
		variant, err := deps.Store.GetJobVariant(app.JobVariantID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load job variant: %v", err)
			return
		}
		reqs, err := deps.Store.EffectiveRequirements(app.JobVariantID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load requirements: %v", err)
			return
		}

		exp, err := deps.Explanations.Generate(r.Context(), app.ID, candidate, variant, reqs, result)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store explanation: %v", err)
			return
		}

		writeJSON(w, toExplanationResponse(exp))
	}
}

func handleDeleteExplanation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if err := deps.Explanations.Delete(id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete explanation: %v", err)
			return
		}

		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

func handleRefreshEmbeddings(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Engine.RefreshCandidateEmbeddings(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "candidate not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to refresh embeddings: %v", err)
			return
		}

		writeJSON(w, map[string]string{"status": "refreshed"})
	}
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Vectors.GetStats(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get vector stats: %v", err)
			return
		}

		jobs, err := deps.Store.CountJobs()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count jobs: %v", err)
			return
		}

		writeJSON(w, map[string]any{
			"embeddings": stats,
			"queue":      jobs,
		})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func parseFloatParam(r *http.Request, key string, defaultVal float64) float64 {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return defaultVal
	}
	return v
}
