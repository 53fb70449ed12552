package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openhire/matchd/internal/matching"
	"github.com/openhire/matchd/internal/storage"
	"github.com/openhire/matchd/internal/vector"
)

const testToken = "test-token-12345"

type stubMatcher struct {
	result     matching.MatchResult
	results    []matching.MatchResult
	err        error
	refreshErr error

	lastFindOpts matching.FindOptions
}

func (m *stubMatcher) Match(_ context.Context, candidateID, jobVariantID string) (matching.MatchResult, error) {
	if m.err != nil {
		return matching.MatchResult{}, m.err
	}
	res := m.result
	res.CandidateID = candidateID
	res.JobVariantID = jobVariantID
	return res, nil
}

func (m *stubMatcher) FindMatchingCandidates(_ context.Context, _ string, opts matching.FindOptions) ([]matching.MatchResult, error) {
	m.lastFindOpts = opts
	return m.results, m.err
}

func (m *stubMatcher) RefreshCandidateEmbeddings(_ context.Context, _ string) error {
	return m.refreshErr
}

type stubExplanations struct {
	saved map[string]storage.MatchExplanation
}

func (s *stubExplanations) Generate(_ context.Context, applicationID string, _ storage.Candidate, _ storage.JobVariant, _ []storage.Requirement, result matching.MatchResult) (storage.MatchExplanation, error) {
	exp := storage.MatchExplanation{
		ApplicationID: applicationID,
		OverallScore:  result.FitScore,
		Strengths:     result.Strengths,
		Gaps:          result.Gaps,
	}
	if s.saved == nil {
		s.saved = make(map[string]storage.MatchExplanation)
	}
	s.saved[applicationID] = exp
	return exp, nil
}

func (s *stubExplanations) Get(applicationID string) (storage.MatchExplanation, error) {
	exp, ok := s.saved[applicationID]
	if !ok {
		return storage.MatchExplanation{}, storage.ErrNotFound
	}
	return exp, nil
}

func (s *stubExplanations) Delete(applicationID string) error {
	delete(s.saved, applicationID)
	return nil
}

type stubEnqueuer struct {
	single []string
	batch  [][]string
}

func (e *stubEnqueuer) EnqueueFitScore(applicationID string) {
	e.single = append(e.single, applicationID)
}

func (e *stubEnqueuer) BatchEnqueueFitScores(applicationIDs []string) int {
	e.batch = append(e.batch, applicationIDs)
	return len(applicationIDs)
}

type testAPI struct {
	handler      http.Handler
	store        *storage.Store
	matcher      *stubMatcher
	explanations *stubExplanations
	enqueuer     *stubEnqueuer
}

func setupAPI(t *testing.T) *testAPI {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	a := &testAPI{
		store:        store,
		matcher:      &stubMatcher{},
		explanations: &stubExplanations{},
		enqueuer:     &stubEnqueuer{},
	}
	a.handler = NewAppHandler(AppDeps{
		Store:        store,
		Engine:       a.matcher,
		Explanations: a.explanations,
		Orchestrator: a.enqueuer,
		Vectors:      vector.NewStore(store.DB(), 3),
		Token:        testToken,
	})
	return a
}

func (a *testAPI) seedApplication(t *testing.T, appID string) {
	t.Helper()
	if err := a.store.SaveCandidate(storage.Candidate{ID: "cand-1", FullName: "Ada Park"}); err != nil {
		t.Fatalf("seeding candidate: %v", err)
	}
	if err := a.store.SaveJobVariant(storage.JobVariant{ID: "var-1", Title: "Frontend Engineer"}); err != nil {
		t.Fatalf("seeding variant: %v", err)
	}
	if appID == "" {
		return
	}
	if err := a.store.CreateApplication(storage.Application{ID: appID, CandidateID: "cand-1", JobVariantID: "var-1"}); err != nil {
		t.Fatalf("seeding application: %v", err)
	}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestHealth_NoAuth(t *testing.T) {
	a := setupAPI(t)

	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, authReq(http.MethodGet, "/health", "", ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestAuth_Required(t *testing.T) {
	a := setupAPI(t)

	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, authReq(http.MethodPost, "/match", `{}`, ""))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}

	rr = httptest.NewRecorder()
	a.handler.ServeHTTP(rr, authReq(http.MethodPost, "/match", `{}`, "wrong-token"))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestMatch(t *testing.T) {
	a := setupAPI(t)
	a.matcher.result = matching.MatchResult{FitScore: 85}

	body := `{"candidate_id":"cand-1","job_variant_id":"var-1"}`
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, authReq(http.MethodPost, "/match", body, testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var res matching.MatchResult
	if err := json.NewDecoder(rr.Body).Decode(&res); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if res.FitScore != 85 {
		t.Errorf("fit score = %g, want 85", res.FitScore)
	}
	if res.CandidateID != "cand-1" {
		t.Errorf("candidate = %s, want cand-1", res.CandidateID)
	}
}

func TestMatch_MissingFields(t *testing.T) {
	a := setupAPI(t)

	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, authReq(http.MethodPost, "/match", `{"candidate_id":"cand-1"}`, testToken))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestMatch_NotFound(t *testing.T) {
	a := setupAPI(t)
	a.matcher.err = storage.ErrNotFound

	body := `{"candidate_id":"missing","job_variant_id":"var-1"}`
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, authReq(http.MethodPost, "/match", body, testToken))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestFindCandidates(t *testing.T) {
	a := setupAPI(t)
	a.matcher.results = []matching.MatchResult{
		{CandidateID: "cand-1", FitScore: 90},
		{CandidateID: "cand-2", FitScore: 70},
	}

	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, authReq(http.MethodGet, "/jobs/var-1/candidates?min_fit_score=60&max_results=5", "", testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var results []matching.MatchResult
	if err := json.NewDecoder(rr.Body).Decode(&results); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("got %d results, want 2", len(results))
	}

	if a.matcher.lastFindOpts.MinFitScore != 60 {
		t.Errorf("MinFitScore = %g, want 60", a.matcher.lastFindOpts.MinFitScore)
	}
	if a.matcher.lastFindOpts.MaxResults != 5 {
		t.Errorf("MaxResults = %d, want 5", a.matcher.lastFindOpts.MaxResults)
	}
}

func TestFindCandidates_Empty(t *testing.T) {
	a := setupAPI(t)

	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, authReq(http.MethodGet, "/jobs/var-1/candidates", "", testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "[]" {
		t.Errorf("body = %s, want []", got)
	}
}

func TestCreateApplication(t *testing.T) {
	a := setupAPI(t)
	a.seedApplication(t, "")

	body := `{"candidate_id":"cand-1","job_variant_id":"var-1"}`
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, authReq(http.MethodPost, "/applications", body, testToken))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusAccepted, rr.Body.String())
	}

	var resp applicationResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.ID == "" {
		t.Fatal("response missing id")
	}
	if resp.FitScore != nil {
		t.Errorf("fit score = %v, want unset before the worker runs", *resp.FitScore)
	}

	if len(a.enqueuer.single) != 1 || a.enqueuer.single[0] != resp.ID {
		t.Errorf("enqueued = %v, want [%s]", a.enqueuer.single, resp.ID)
	}

	if _, err := a.store.GetApplication(resp.ID); err != nil {
		t.Errorf("application not persisted: %v", err)
	}
}

func TestCreateApplication_UnknownCandidate(t *testing.T) {
	a := setupAPI(t)
	a.seedApplication(t, "")

	body := `{"candidate_id":"ghost","job_variant_id":"var-1"}`
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, authReq(http.MethodPost, "/applications", body, testToken))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
	if len(a.enqueuer.single) != 0 {
		t.Errorf("enqueued %v for a rejected application", a.enqueuer.single)
	}
}

func TestCreateApplication_Duplicate(t *testing.T) {
	a := setupAPI(t)
	a.seedApplication(t, "app-1")

	body := `{"candidate_id":"cand-1","job_variant_id":"var-1"}`
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, authReq(http.MethodPost, "/applications", body, testToken))

	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusConflict)
	}
}

func TestGetApplication(t *testing.T) {
	a := setupAPI(t)
	a.seedApplication(t, "app-1")

	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, authReq(http.MethodGet, "/applications/app-1", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	rr = httptest.NewRecorder()
	a.handler.ServeHTTP(rr, authReq(http.MethodGet, "/applications/ghost", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d for a missing application", rr.Code, http.StatusNotFound)
	}
}

func TestExplanationLifecycle(t *testing.T) {
	a := setupAPI(t)
	a.seedApplication(t, "app-1")
	a.matcher.result = matching.MatchResult{FitScore: 72, Strengths: []string{"Strong in JavaScript"}}

	// No explanation yet.
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, authReq(http.MethodGet, "/applications/app-1/explanation", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d before generation", rr.Code, http.StatusNotFound)
	}

	// Regenerate.
	rr = httptest.NewRecorder()
	a.handler.ServeHTTP(rr, authReq(http.MethodPost, "/applications/app-1/explanation", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("regenerate status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var resp explanationResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.OverallScore != 72 {
		t.Errorf("overall score = %g, want 72", resp.OverallScore)
	}

	// Fetch.
	rr = httptest.NewRecorder()
	a.handler.ServeHTTP(rr, authReq(http.MethodGet, "/applications/app-1/explanation", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d, want %d", rr.Code, http.StatusOK)
	}

	// Delete, then delete again: both succeed.
	for i := 0; i < 2; i++ {
		rr = httptest.NewRecorder()
		a.handler.ServeHTTP(rr, authReq(http.MethodDelete, "/applications/app-1/explanation", "", testToken))
		if rr.Code != http.StatusOK {
			t.Fatalf("delete #%d status = %d, want %d", i+1, rr.Code, http.StatusOK)
		}
	}

	rr = httptest.NewRecorder()
	a.handler.ServeHTTP(rr, authReq(http.MethodGet, "/applications/app-1/explanation", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d after delete", rr.Code, http.StatusNotFound)
	}
}

func TestRecalculate(t *testing.T) {
	a := setupAPI(t)
	a.seedApplication(t, "app-1")
	if err := a.store.SaveCandidate(storage.Candidate{ID: "cand-2", FullName: "Lin Moss"}); err != nil {
		t.Fatalf("seeding candidate: %v", err)
	}
	if err := a.store.CreateApplication(storage.Application{ID: "app-2", CandidateID: "cand-2", JobVariantID: "var-1"}); err != nil {
		t.Fatalf("seeding application: %v", err)
	}

	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, authReq(http.MethodPost, "/jobs/var-1/recalculate", "", testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var resp map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["jobs"].(float64) != 2 {
		t.Errorf("jobs = %v, want 2", resp["jobs"])
	}
	if len(a.enqueuer.batch) != 1 || len(a.enqueuer.batch[0]) != 2 {
		t.Errorf("batch enqueues = %v, want one batch of 2", a.enqueuer.batch)
	}
}

func TestRecalculate_UnknownVariant(t *testing.T) {
	a := setupAPI(t)

	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, authReq(http.MethodPost, "/jobs/ghost/recalculate", "", testToken))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestRefreshEmbeddings_NotFound(t *testing.T) {
	a := setupAPI(t)
	a.matcher.refreshErr = storage.ErrNotFound

	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, authReq(http.MethodPost, "/candidates/ghost/embeddings", "", testToken))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestStats(t *testing.T) {
	a := setupAPI(t)
	a.seedApplication(t, "")

	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, authReq(http.MethodGet, "/stats", "", testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var resp struct {
		Embeddings vector.Stats   `json:"embeddings"`
		Queue      map[string]int `json:"queue"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Embeddings.TotalCandidates != 1 {
		t.Errorf("total candidates = %d, want 1", resp.Embeddings.TotalCandidates)
	}
}
