package embedding

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/openhire/matchd/internal/storage"
)

// charsPerToken is the truncation heuristic: roughly 4 characters per
// token for English text.
const charsPerToken = 4

// Truncate cuts text to the model's token budget using the character-length
// heuristic. Oversized input is logged, never silently dropped.
func Truncate(text string, maxTokens int) string {
	text = strings.TrimSpace(text)
	if maxTokens <= 0 {
		return text
	}
	maxChars := maxTokens * charsPerToken
	if len(text) <= maxChars {
		return text
	}
	slog.Warn("embedding input truncated",
		"original_chars", len(text), "max_chars", maxChars)
	return text[:maxChars]
}

func estimateTokens(text string) int {
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// CandidateText builds the canonical text representation of a candidate:
// summary, skills, and work experience sections, omitting empty ones.
func CandidateText(c storage.Candidate) string {
	var b strings.Builder

	if s := strings.TrimSpace(c.Summary); s != "" {
		b.WriteString("Summary: ")
		b.WriteString(s)
		b.WriteString("\n")
	}

	if len(c.Skills) > 0 {
		b.WriteString("Skills: ")
		parts := make([]string, 0, len(c.Skills))
		for _, sk := range c.Skills {
			part := sk.Name
			if sk.Years > 0 {
				part = fmt.Sprintf("%s (%g years", sk.Name, sk.Years)
				if sk.Proficiency != "" {
					part += ", " + sk.Proficiency
				}
				part += ")"
			} else if sk.Proficiency != "" {
				part = fmt.Sprintf("%s (%s)", sk.Name, sk.Proficiency)
			}
			parts = append(parts, part)
		}
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString("\n")
	}

	if len(c.Experiences) > 0 {
		b.WriteString("Experience:\n")
		for _, ex := range c.Experiences {
			line := "- " + ex.Title
			if ex.Company != "" {
				line += " at " + ex.Company
			}
			if d := strings.TrimSpace(ex.Description); d != "" {
				line += ": " + d
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	return strings.TrimSpace(b.String())
}

// JobText builds the canonical text representation of a job: optional
// title/description header, then requirements grouped by category with a
// labeled header per group.
func JobText(v storage.JobVariant, reqs []storage.Requirement) string {
	var b strings.Builder

	if t := strings.TrimSpace(v.Title); t != "" {
		b.WriteString("Job: ")
		b.WriteString(t)
		b.WriteString("\n")
	}
	if d := strings.TrimSpace(v.Description); d != "" {
		b.WriteString(d)
		b.WriteString("\n")
	}

	groups := []struct {
		category string
		label    string
	}{
		{storage.CategoryMust, "Must have:"},
		{storage.CategoryShould, "Should have:"},
		{storage.CategoryNice, "Nice to have:"},
	}
	for _, g := range groups {
		var lines []string
		for _, r := range reqs {
			if r.Category == g.category {
				lines = append(lines, "- "+r.Description)
			}
		}
		if len(lines) == 0 {
			continue
		}
		b.WriteString(g.label)
		b.WriteString("\n")
		b.WriteString(strings.Join(lines, "\n"))
		b.WriteString("\n")
	}

	return strings.TrimSpace(b.String())
}

// SkillText is the canonical representation of a single skill or term:
// the name verbatim.
func SkillText(s storage.Skill) string {
	return strings.TrimSpace(s.Name)
}
