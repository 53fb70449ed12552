package explain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openhire/matchd/internal/matching"
	"github.com/openhire/matchd/internal/storage"
)

const (
	// generateTimeout bounds one full explanation generation, including
	// the per-requirement rewrites.
	generateTimeout = 45 * time.Second

	rewriteConcurrency = 3
	maxNarrativeItems  = 5
)

// ContentGenerator produces text from a prompt. GenerateFast targets a
// cheaper model for short rewrites.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, prompt string) (string, error)
	GenerateFast(ctx context.Context, prompt string) (string, error)
}

// Store is the slice of storage the explanation service needs.
type Store interface {
	UpsertExplanation(e storage.MatchExplanation) error
	GetExplanationByApplication(applicationID string) (storage.MatchExplanation, error)
	DeleteExplanationByApplication(applicationID string) error
}

// Service persists match explanations. With a generator configured it
// enhances the deterministic narrative via an LLM; without one, or when the
// LLM call or its output fails, it falls back to the deterministic fields.
type Service struct {
	store           Store
	gen             ContentGenerator
	rewriteEvidence bool
}

// Option configures a Service.
type Option func(*Service)

// WithEvidenceRewrite turns per-requirement explanation rewriting through
// the fast model on or off.
func WithEvidenceRewrite(enabled bool) Option {
	return func(s *Service) { s.rewriteEvidence = enabled }
}

// NewService creates a Service. gen may be nil, leaving explanations fully
// deterministic.
func NewService(store Store, gen ContentGenerator, opts ...Option) *Service {
	s := &Service{store: store, gen: gen}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// narrative is the JSON shape the model is asked to return.
type narrative struct {
	Summary         string   `json:"summary"`
	Strengths       []string `json:"strengths"`
	Gaps            []string `json:"gaps"`
	Recommendations []string `json:"recommendations"`
}

// Generate builds and persists the explanation for one application from a
// fresh match result. Enhancement failures degrade to the deterministic
// narrative, never to an error.
func (s *Service) Generate(ctx context.Context, applicationID string, candidate storage.Candidate, variant storage.JobVariant, reqs []storage.Requirement, result matching.MatchResult) (storage.MatchExplanation, error) {
	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	analysis := result.DetailedAnalysis
	if s.gen != nil && s.rewriteEvidence {
		analysis = s.rewriteAnalysis(ctx, analysis)
	}
	analysisJSON, err := json.Marshal(analysis)
	if err != nil {
		return storage.MatchExplanation{}, fmt.Errorf("marshal analysis: %w", err)
	}

	exp := storage.MatchExplanation{
		ApplicationID:    applicationID,
		OverallScore:     result.FitScore,
		MustHaveScore:    result.Breakdown.MustHaveScore,
		ShouldHaveScore:  result.Breakdown.ShouldHaveScore,
		NiceToHaveScore:  result.Breakdown.NiceToHaveScore,
		Strengths:        capItems(result.Strengths),
		Gaps:             capItems(result.Gaps),
		Recommendations:  capItems(result.Recommendations),
		DetailedAnalysis: string(analysisJSON),
	}

	if s.gen != nil {
		if n, ok := s.tryEnhance(ctx, candidate, variant, reqs, result); ok {
			if len(n.Strengths) > 0 {
				exp.Strengths = capItems(n.Strengths)
			}
			if len(n.Gaps) > 0 {
				exp.Gaps = capItems(n.Gaps)
			}
			if len(n.Recommendations) > 0 {
				exp.Recommendations = capItems(n.Recommendations)
			}
		}
	}

	if err := s.store.UpsertExplanation(exp); err != nil {
		return storage.MatchExplanation{}, fmt.Errorf("storing explanation: %w", err)
	}
	return exp, nil
}

// Get returns the stored explanation for an application, or
// storage.ErrNotFound.
func (s *Service) Get(applicationID string) (storage.MatchExplanation, error) {
	return s.store.GetExplanationByApplication(applicationID)
}

// Delete removes the stored explanation for an application. Deleting a
// missing explanation is not an error.
func (s *Service) Delete(applicationID string) error {
	return s.store.DeleteExplanationByApplication(applicationID)
}

// tryEnhance asks the model for a richer narrative. Any failure, from the
// call itself to unparseable output, reports ok=false.
func (s *Service) tryEnhance(ctx context.Context, candidate storage.Candidate, variant storage.JobVariant, reqs []storage.Requirement, result matching.MatchResult) (narrative, bool) {
	prompt, err := buildPrompt(candidate, variant, reqs, result)
	if err != nil {
		slog.Warn("building explanation prompt failed", "error", err)
		return narrative{}, false
	}

	raw, err := s.gen.GenerateContent(ctx, prompt)
	if err != nil {
		slog.Warn("explanation enhancement failed, keeping deterministic narrative",
			"candidate_id", result.CandidateID, "job_variant_id", result.JobVariantID, "error", err)
		return narrative{}, false
	}

	var n narrative
	if err := json.Unmarshal([]byte(extractJSON(raw)), &n); err != nil {
		slog.Warn("unparseable explanation response, keeping deterministic narrative",
			"candidate_id", result.CandidateID, "error", err)
		return narrative{}, false
	}
	return n, true
}

const rewritePromptTemplate = `Rewrite the following requirement evaluation as one short recruiter-friendly sentence. Output only the sentence, no markdown.

Requirement: %s
Matched: %t
Evidence: %s`

// rewriteAnalysis rewrites each requirement explanation through the fast
// model with bounded concurrency. Individual failures keep the
// deterministic text.
func (s *Service) rewriteAnalysis(ctx context.Context, analysis []matching.RequirementMatch) []matching.RequirementMatch {
	out := make([]matching.RequirementMatch, len(analysis))
	copy(out, analysis)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(rewriteConcurrency)
	for i := range out {
		i := i
		g.Go(func() error {
			prompt := fmt.Sprintf(rewritePromptTemplate,
				out[i].Requirement.Description, out[i].Matched, strings.Join(out[i].Evidence, "; "))
			text, err := s.gen.GenerateFast(gCtx, prompt)
			if err != nil {
				slog.Warn("requirement rewrite failed",
					"requirement_id", out[i].Requirement.ID, "error", err)
				return nil
			}
			if text = strings.TrimSpace(text); text != "" {
				out[i].Explanation = text
			}
			return nil
		})
	}
	// Workers only return nil; Wait just joins them.
	_ = g.Wait()
	return out
}

func capItems(items []string) []string {
	if len(items) > maxNarrativeItems {
		return items[:maxNarrativeItems]
	}
	return items
}
