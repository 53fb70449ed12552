package matching

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/openhire/matchd/internal/embedding"
	"github.com/openhire/matchd/internal/storage"
	"github.com/openhire/matchd/internal/vector"
)

const (
	// matchConcurrency bounds simultaneous per-candidate matches during a
	// ranked candidate search.
	matchConcurrency = 5

	// poolThreshold is the coarse similarity cut for the candidate pool
	// pulled from the vector store before full matching runs.
	poolThreshold = 0.3

	// keywordFloor is the lowest embedding confidence the keyword
	// fallback will rescue: below it the texts are plainly unrelated.
	keywordFloor = 0.4

	maxStrengths = 5
)

// Repository is the slice of storage the engine needs.
type Repository interface {
	GetCandidate(id string) (storage.Candidate, error)
	GetJobVariant(id string) (storage.JobVariant, error)
	EffectiveRequirements(variantID string) ([]storage.Requirement, error)
	UpdateSkillEmbedding(skillID string, vec []float32) error
	UpdateRequirementEmbedding(requirementID string, vec []float32) error
}

// Embedder generates embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) (embedding.Result, error)
	EmbedBatch(ctx context.Context, texts []string) ([]embedding.Result, error)
}

// VectorIndex is the slice of the vector store the engine needs.
type VectorIndex interface {
	FindCandidatesForJob(ctx context.Context, jobEmbedding []float32, jobVariantID string, opts vector.SearchOptions) ([]vector.Match, error)
	UpsertCandidateEmbedding(ctx context.Context, candidateID string, vec []float32) error
}

// Weights control how category scores combine into the overall fit score.
// MUST dominates so must-have failures drag the overall score down even
// when should/nice are strong.
type Weights struct {
	Must   float64
	Should float64
	Nice   float64
}

// DefaultWeights is the 55/30/15 MUST/SHOULD/NICE split. NICE stays light
// enough that a candidate clearing every must/should requirement lands
// above 80 even with zero nice-to-have coverage.
var DefaultWeights = Weights{Must: 0.55, Should: 0.30, Nice: 0.15}

// RequirementMatch is the per-requirement outcome of one match computation.
type RequirementMatch struct {
	Requirement storage.Requirement `json:"requirement"`
	Matched     bool                `json:"matched"`
	Confidence  float64             `json:"confidence"`
	Evidence    []string            `json:"evidence"`
	Explanation string              `json:"explanation"`
}

// Breakdown holds the per-category scores, each in [0,100].
type Breakdown struct {
	MustHaveScore   float64 `json:"must_have_score"`
	ShouldHaveScore float64 `json:"should_have_score"`
	NiceToHaveScore float64 `json:"nice_to_have_score"`
}

// MatchResult is the transient output of one matching computation.
type MatchResult struct {
	CandidateID      string             `json:"candidate_id"`
	JobVariantID     string             `json:"job_variant_id"`
	FitScore         float64            `json:"fit_score"`
	Breakdown        Breakdown          `json:"breakdown"`
	Strengths        []string           `json:"strengths"`
	Gaps             []string           `json:"gaps"`
	Recommendations  []string           `json:"recommendations"`
	DetailedAnalysis []RequirementMatch `json:"detailed_analysis"`
}

// Engine scores candidates against job requirement sets.
type Engine struct {
	repo      Repository
	vectors   VectorIndex
	embedder  Embedder
	threshold float64
	weights   Weights
}

// NewEngine creates an Engine. threshold is the confidence above which a
// requirement counts as matched (<= 0 defaults to 0.6); zero-value weights
// default to DefaultWeights.
func NewEngine(repo Repository, vectors VectorIndex, embedder Embedder, threshold float64, weights Weights) *Engine {
	if threshold <= 0 {
		threshold = 0.6
	}
	if weights == (Weights{}) {
		weights = DefaultWeights
	}
	return &Engine{
		repo:      repo,
		vectors:   vectors,
		embedder:  embedder,
		threshold: threshold,
		weights:   weights,
	}
}

// Match computes the fit between a candidate and a job variant. Missing
// candidate or variant surfaces storage.ErrNotFound.
func (e *Engine) Match(ctx context.Context, candidateID, jobVariantID string) (MatchResult, error) {
	candidate, err := e.repo.GetCandidate(candidateID)
	if err != nil {
		return MatchResult{}, fmt.Errorf("loading candidate %s: %w", candidateID, err)
	}
	variant, err := e.repo.GetJobVariant(jobVariantID)
	if err != nil {
		return MatchResult{}, fmt.Errorf("loading job variant %s: %w", jobVariantID, err)
	}
	reqs, err := e.repo.EffectiveRequirements(variant.ID)
	if err != nil {
		return MatchResult{}, fmt.Errorf("loading requirements for %s: %w", jobVariantID, err)
	}

	result := MatchResult{CandidateID: candidateID, JobVariantID: jobVariantID}

	// Matching nothing cannot be penalized: no requirements means a
	// perfect score.
	if len(reqs) == 0 {
		result.FitScore = 100
		result.Breakdown = Breakdown{MustHaveScore: 100, ShouldHaveScore: 100, NiceToHaveScore: 100}
		return result, nil
	}

	for _, req := range reqs {
		rm, err := e.evaluateRequirement(ctx, candidate, req)
		if err != nil {
			return MatchResult{}, err
		}
		result.DetailedAnalysis = append(result.DetailedAnalysis, rm)
	}

	result.Breakdown = e.aggregate(result.DetailedAnalysis)
	result.FitScore = clampScore(
		e.weights.Must*result.Breakdown.MustHaveScore +
			e.weights.Should*result.Breakdown.ShouldHaveScore +
			e.weights.Nice*result.Breakdown.NiceToHaveScore)

	result.Strengths, result.Gaps, result.Recommendations = deriveNarrative(result.DetailedAnalysis)
	return result, nil
}

// evaluateRequirement computes the match confidence for one requirement:
// best cosine similarity between the requirement embedding and the
// candidate's skill embeddings (whole-profile embedding as a fallback
// signal), with a keyword-overlap rescue for near-miss confidences.
func (e *Engine) evaluateRequirement(ctx context.Context, candidate storage.Candidate, req storage.Requirement) (RequirementMatch, error) {
	rm := RequirementMatch{Requirement: req}

	reqVec := req.Embedding
	if len(reqVec) == 0 {
		res, err := e.embedder.Embed(ctx, req.Description)
		if err != nil {
			return RequirementMatch{}, fmt.Errorf("embedding requirement %s: %w", req.ID, err)
		}
		reqVec = res.Vector
		// Persist so later matches load the stored embedding instead of
		// re-calling the embedding API.
		if err := e.repo.UpdateRequirementEmbedding(req.ID, reqVec); err != nil {
			slog.Warn("failed to persist requirement embedding",
				"requirement_id", req.ID, "error", err)
		}
	}

	var best float64
	var bestSignal string
	for _, sk := range candidate.Skills {
		if len(sk.Embedding) == 0 {
			continue
		}
		sim, err := vector.CosineSimilarity(reqVec, sk.Embedding)
		if err != nil {
			return RequirementMatch{}, fmt.Errorf("comparing requirement %s to skill %s: %w", req.ID, sk.Name, err)
		}
		if sim > best {
			best = sim
			bestSignal = "skill " + sk.Name
		}
	}
	if len(candidate.Embedding) > 0 {
		sim, err := vector.CosineSimilarity(reqVec, candidate.Embedding)
		if err != nil {
			return RequirementMatch{}, fmt.Errorf("comparing requirement %s to candidate profile: %w", req.ID, err)
		}
		if sim > best {
			best = sim
			bestSignal = "profile"
		}
	}

	rm.Confidence = best
	if bestSignal != "" && best > 0 {
		rm.Evidence = append(rm.Evidence, fmt.Sprintf("%s (similarity %.2f)", bestSignal, best))
	}

	// Keyword fallback: an exact mention can rescue an embedding score
	// that is close but not conclusive. It never rescues scores below
	// the floor and never runs when embeddings already decided.
	if rm.Confidence >= keywordFloor && rm.Confidence <= e.threshold {
		if hit := keywordEvidence(candidate, req); hit != "" {
			rm.Confidence = e.threshold + 0.05
			if rm.Confidence > 1 {
				rm.Confidence = 1
			}
			rm.Evidence = append(rm.Evidence, hit)
		}
	}
	if rm.Confidence > 1 {
		rm.Confidence = 1
	}
	if rm.Confidence < 0 {
		rm.Confidence = 0
	}

	rm.Matched = rm.Confidence > e.threshold
	if rm.Matched {
		rm.Explanation = fmt.Sprintf("%q matched with %.2f confidence", req.Description, rm.Confidence)
	} else {
		rm.Explanation = fmt.Sprintf("%q not evidenced in the candidate profile (confidence %.2f)", req.Description, rm.Confidence)
	}
	return rm, nil
}

// keywordEvidence reports an exact token/substring mention of the
// requirement (or one of its alternatives) in the candidate's skills or
// experience, or "" when none.
func keywordEvidence(candidate storage.Candidate, req storage.Requirement) string {
	terms := append([]string{req.Description}, req.Alternatives...)
	for _, term := range terms {
		needle := strings.ToLower(strings.TrimSpace(term))
		if needle == "" {
			continue
		}
		for _, sk := range candidate.Skills {
			if strings.Contains(strings.ToLower(sk.Name), needle) {
				return fmt.Sprintf("keyword %q in skill %s", term, sk.Name)
			}
		}
		for _, ex := range candidate.Experiences {
			haystack := strings.ToLower(ex.Title + " " + ex.Description)
			if strings.Contains(haystack, needle) {
				return fmt.Sprintf("keyword %q in experience %s", term, ex.Title)
			}
		}
	}
	return ""
}

// aggregate computes weight-normalized category scores: matched
// requirements contribute proportional to confidence, unmatched contribute
// zero. A category with no requirements scores 100.
func (e *Engine) aggregate(analysis []RequirementMatch) Breakdown {
	var sums, totals [3]float64
	for _, rm := range analysis {
		cat, err := ParseCategory(rm.Requirement.Category)
		if err != nil {
			// The storage CHECK constraint keeps unknown categories out.
			slog.Warn("skipping requirement with unknown category",
				"requirement_id", rm.Requirement.ID, "category", rm.Requirement.Category)
			continue
		}
		w := float64(rm.Requirement.Weight)
		totals[cat] += w
		if rm.Matched {
			sums[cat] += w * rm.Confidence
		}
	}

	score := func(cat Category) float64 {
		if totals[cat] == 0 {
			return 100
		}
		return clampScore(sums[cat] / totals[cat] * 100)
	}
	return Breakdown{
		MustHaveScore:   score(CategoryMust),
		ShouldHaveScore: score(CategoryShould),
		NiceToHaveScore: score(CategoryNice),
	}
}

// deriveNarrative builds the deterministic strengths/gaps/recommendations
// from the per-requirement analysis. Every unmatched requirement is a gap;
// only MUST/SHOULD gaps produce recommendations.
func deriveNarrative(analysis []RequirementMatch) (strengths, gaps, recommendations []string) {
	matched := make([]RequirementMatch, 0, len(analysis))
	var niceGaps []string
	for _, rm := range analysis {
		if rm.Matched {
			matched = append(matched, rm)
			continue
		}
		if rm.Requirement.Category == storage.CategoryNice {
			niceGaps = append(niceGaps, rm.Requirement.Description)
			continue
		}
		gaps = append(gaps, rm.Requirement.Description)
		recommendations = append(recommendations,
			fmt.Sprintf("Consider strengthening %s before the next interview stage", rm.Requirement.Description))
	}
	gaps = append(gaps, niceGaps...)

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Confidence > matched[j].Confidence })
	for i, rm := range matched {
		if i == maxStrengths {
			break
		}
		strengths = append(strengths, "Strong in "+rm.Requirement.Description)
	}
	return strengths, gaps, recommendations
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// FindOptions filter a ranked candidate search.
type FindOptions struct {
	MinFitScore        float64
	MaxResults         int
	IncludeExplanation bool
}

// FindMatchingCandidates embeds the job once, pulls a similarity-filtered
// candidate pool from the vector index (excluding candidates already
// applied to this variant), runs a full match per candidate with bounded
// concurrency, and returns results at or above MinFitScore ranked by fit
// score descending.
func (e *Engine) FindMatchingCandidates(ctx context.Context, jobVariantID string, opts FindOptions) ([]MatchResult, error) {
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = 10
	}

	variant, err := e.repo.GetJobVariant(jobVariantID)
	if err != nil {
		return nil, fmt.Errorf("loading job variant %s: %w", jobVariantID, err)
	}
	reqs, err := e.repo.EffectiveRequirements(variant.ID)
	if err != nil {
		return nil, fmt.Errorf("loading requirements for %s: %w", jobVariantID, err)
	}

	jobRes, err := e.embedder.Embed(ctx, embedding.JobText(variant, reqs))
	if err != nil {
		return nil, fmt.Errorf("embedding job %s: %w", jobVariantID, err)
	}

	poolLimit := maxResults * 3
	if poolLimit < 30 {
		poolLimit = 30
	}
	pool, err := e.vectors.FindCandidatesForJob(ctx, jobRes.Vector, jobVariantID, vector.SearchOptions{
		Threshold: poolThreshold,
		Limit:     poolLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("searching candidate pool: %w", err)
	}
	if len(pool) == 0 {
		return nil, nil
	}

	var mu sync.Mutex
	var results []MatchResult
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(matchConcurrency)
	for _, m := range pool {
		m := m
		g.Go(func() error {
			res, err := e.Match(gCtx, m.CandidateID, jobVariantID)
			if err != nil {
				return err
			}
			if res.FitScore < opts.MinFitScore {
				return nil
			}
			if !opts.IncludeExplanation {
				res.DetailedAnalysis = nil
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].FitScore > results[j].FitScore })
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}

// RefreshCandidateEmbeddings recomputes and upserts the candidate's profile
// embedding plus any missing skill embeddings. Idempotent; recomputation is
// always from the authoritative profile data.
func (e *Engine) RefreshCandidateEmbeddings(ctx context.Context, candidateID string) error {
	candidate, err := e.repo.GetCandidate(candidateID)
	if err != nil {
		return fmt.Errorf("loading candidate %s: %w", candidateID, err)
	}

	profileRes, err := e.embedder.Embed(ctx, embedding.CandidateText(candidate))
	if err != nil {
		return fmt.Errorf("embedding candidate %s: %w", candidateID, err)
	}
	if err := e.vectors.UpsertCandidateEmbedding(ctx, candidateID, profileRes.Vector); err != nil {
		return fmt.Errorf("storing candidate embedding: %w", err)
	}

	var pending []storage.Skill
	var texts []string
	for _, sk := range candidate.Skills {
		if len(sk.Embedding) > 0 {
			continue
		}
		pending = append(pending, sk)
		texts = append(texts, embedding.SkillText(sk))
	}
	if len(pending) == 0 {
		return nil
	}

	results, err := e.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding skills for %s: %w", candidateID, err)
	}
	for i, sk := range pending {
		if err := e.repo.UpdateSkillEmbedding(sk.ID, results[i].Vector); err != nil {
			return fmt.Errorf("storing embedding for skill %s: %w", sk.Name, err)
		}
	}
	return nil
}
