package explain

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openhire/matchd/internal/matching"
	"github.com/openhire/matchd/internal/storage"
)

//go:embed prompt.md
var promptTemplate string

// buildPrompt renders the explanation prompt. Embeddings are stripped from
// every payload: they are large and carry nothing the model can use.
func buildPrompt(candidate storage.Candidate, variant storage.JobVariant, reqs []storage.Requirement, result matching.MatchResult) (string, error) {
	skills := make([]map[string]any, 0, len(candidate.Skills))
	for _, sk := range candidate.Skills {
		skills = append(skills, map[string]any{
			"name":        sk.Name,
			"years":       sk.Years,
			"proficiency": sk.Proficiency,
		})
	}
	experiences := make([]map[string]any, 0, len(candidate.Experiences))
	for _, ex := range candidate.Experiences {
		experiences = append(experiences, map[string]any{
			"title":       ex.Title,
			"company":     ex.Company,
			"description": ex.Description,
		})
	}
	candidateJSON, err := json.MarshalIndent(map[string]any{
		"full_name":  candidate.FullName,
		"summary":    candidate.Summary,
		"skills":     skills,
		"experience": experiences,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal candidate payload: %w", err)
	}

	reqPayload := make([]map[string]any, 0, len(reqs))
	for _, r := range reqs {
		reqPayload = append(reqPayload, map[string]any{
			"description": r.Description,
			"category":    r.Category,
			"weight":      r.Weight,
		})
	}
	jobJSON, err := json.MarshalIndent(map[string]any{
		"title":        variant.Title,
		"company":      variant.Company,
		"description":  variant.Description,
		"requirements": reqPayload,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal job payload: %w", err)
	}

	analysis := make([]map[string]any, 0, len(result.DetailedAnalysis))
	for _, rm := range result.DetailedAnalysis {
		analysis = append(analysis, map[string]any{
			"requirement": rm.Requirement.Description,
			"category":    rm.Requirement.Category,
			"matched":     rm.Matched,
			"confidence":  rm.Confidence,
			"evidence":    rm.Evidence,
		})
	}
	matchJSON, err := json.MarshalIndent(map[string]any{
		"fit_score":          result.FitScore,
		"must_have_score":    result.Breakdown.MustHaveScore,
		"should_have_score":  result.Breakdown.ShouldHaveScore,
		"nice_to_have_score": result.Breakdown.NiceToHaveScore,
		"requirements":       analysis,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal match payload: %w", err)
	}

	prompt := strings.ReplaceAll(promptTemplate, "{{CANDIDATE_JSON}}", string(candidateJSON))
	prompt = strings.ReplaceAll(prompt, "{{JOB_JSON}}", string(jobJSON))
	prompt = strings.ReplaceAll(prompt, "{{MATCH_JSON}}", string(matchJSON))
	return prompt, nil
}

// extractJSON strips a markdown code fence from a model response, if any.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSpace(raw)
		if idx := strings.LastIndex(raw, "```"); idx != -1 {
			raw = raw[:idx]
		}
	}
	raw = strings.Trim(raw, "`")
	return strings.TrimSpace(raw)
}
