package embedding

import (
	"strings"
	"testing"

	"github.com/openhire/matchd/internal/storage"
)

func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", 100)

	got := Truncate(long, 10) // 40-char budget
	if len(got) != 40 {
		t.Errorf("len = %d, want 40", len(got))
	}

	if got := Truncate("short", 10); got != "short" {
		t.Errorf("short input = %q, want unchanged", got)
	}
	if got := Truncate("  padded  ", 10); got != "padded" {
		t.Errorf("padded input = %q, want trimmed", got)
	}
}

func TestCandidateText_OmitsEmptySections(t *testing.T) {
	c := storage.Candidate{
		Skills: []storage.Skill{
			{Name: "JavaScript", Years: 5, Proficiency: "expert"},
			{Name: "React", Years: 3},
		},
	}
	got := CandidateText(c)

	if strings.Contains(got, "Summary:") {
		t.Error("empty summary section should be omitted")
	}
	if strings.Contains(got, "Experience:") {
		t.Error("empty experience section should be omitted")
	}
	if !strings.Contains(got, "JavaScript (5 years, expert)") {
		t.Errorf("missing skill detail in %q", got)
	}
	if !strings.Contains(got, "React (3 years)") {
		t.Errorf("missing skill without proficiency in %q", got)
	}
}

func TestCandidateText_FullProfile(t *testing.T) {
	c := storage.Candidate{
		Summary: "Backend engineer.",
		Skills:  []storage.Skill{{Name: "Go"}},
		Experiences: []storage.WorkExperience{
			{Title: "Engineer", Company: "Initech", Description: "Built services"},
		},
	}
	got := CandidateText(c)

	for _, want := range []string{"Summary: Backend engineer.", "Skills: Go", "- Engineer at Initech: Built services"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in:\n%s", want, got)
		}
	}
}

func TestJobText_GroupsByCategory(t *testing.T) {
	v := storage.JobVariant{Title: "Backend Engineer", Description: "Build services."}
	reqs := []storage.Requirement{
		{Description: "Go", Category: storage.CategoryMust},
		{Description: "Kubernetes", Category: storage.CategoryNice},
		{Description: "SQL", Category: storage.CategoryShould},
		{Description: "gRPC", Category: storage.CategoryMust},
	}
	got := JobText(v, reqs)

	mustIdx := strings.Index(got, "Must have:")
	shouldIdx := strings.Index(got, "Should have:")
	niceIdx := strings.Index(got, "Nice to have:")
	if mustIdx == -1 || shouldIdx == -1 || niceIdx == -1 {
		t.Fatalf("missing category headers in:\n%s", got)
	}
	if !(mustIdx < shouldIdx && shouldIdx < niceIdx) {
		t.Errorf("category groups out of order in:\n%s", got)
	}
	if !strings.HasPrefix(got, "Job: Backend Engineer") {
		t.Errorf("missing title header in:\n%s", got)
	}
}

func TestJobText_OmitsEmptyGroups(t *testing.T) {
	got := JobText(storage.JobVariant{}, []storage.Requirement{
		{Description: "Go", Category: storage.CategoryMust},
	})
	if strings.Contains(got, "Should have:") || strings.Contains(got, "Nice to have:") {
		t.Errorf("empty groups should be omitted:\n%s", got)
	}
}

func TestSkillText_Verbatim(t *testing.T) {
	if got := SkillText(storage.Skill{Name: " TypeScript "}); got != "TypeScript" {
		t.Errorf("SkillText = %q, want %q", got, "TypeScript")
	}
}
