package storage

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedCandidate(t *testing.T, s *Store, id string) Candidate {
	t.Helper()
	c := Candidate{
		ID:       id,
		FullName: "Ada Lovelace",
		Email:    "ada@example.com",
		Summary:  "Senior backend engineer with a focus on distributed systems.",
		Skills: []Skill{
			{ID: id + "-sk1", Name: "Go", Years: 5, Proficiency: "expert"},
			{ID: id + "-sk2", Name: "PostgreSQL", Years: 3, Proficiency: "advanced"},
		},
		Experiences: []WorkExperience{
			{ID: id + "-ex1", Title: "Backend Engineer", Company: "Initech", Description: "Built APIs", StartDate: "2019-01", EndDate: "2023-06"},
		},
		Educations: []Education{
			{ID: id + "-ed1", Degree: "BSc", Field: "Mathematics", Institution: "UCL"},
		},
	}
	if err := s.SaveCandidate(c); err != nil {
		t.Fatalf("SaveCandidate() error: %v", err)
	}
	return c
}

func seedVariant(t *testing.T, s *Store, id, templateID, familyID string) {
	t.Helper()
	v := JobVariant{ID: id, Title: "Backend Engineer", Company: "Acme", TemplateID: templateID, FamilyID: familyID}
	if err := s.SaveJobVariant(v); err != nil {
		t.Fatalf("SaveJobVariant() error: %v", err)
	}
}

func TestVectorCodec_RoundTrip(t *testing.T) {
	in := []float32{0.25, -1.5, 3.75, 0}
	out, err := DecodeVector(EncodeVector(in))
	if err != nil {
		t.Fatalf("DecodeVector() error: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("round trip = %v, want %v", out, in)
	}
}

func TestVectorCodec_Empty(t *testing.T) {
	if got := EncodeVector(nil); got != nil {
		t.Errorf("EncodeVector(nil) = %v, want nil", got)
	}
	out, err := DecodeVector(nil)
	if err != nil || out != nil {
		t.Errorf("DecodeVector(nil) = %v, %v, want nil, nil", out, err)
	}
}

func TestVectorCodec_CorruptLength(t *testing.T) {
	if _, err := DecodeVector([]byte{1, 2, 3}); err == nil {
		t.Error("DecodeVector() with 3 bytes should fail")
	}
}

func TestSaveAndGetCandidate(t *testing.T) {
	s := openTestStore(t)
	seedCandidate(t, s, "cand-1")

	got, err := s.GetCandidate("cand-1")
	if err != nil {
		t.Fatalf("GetCandidate() error: %v", err)
	}
	if got.FullName != "Ada Lovelace" {
		t.Errorf("FullName = %q", got.FullName)
	}
	if len(got.Skills) != 2 {
		t.Fatalf("len(Skills) = %d, want 2", len(got.Skills))
	}
	if got.Skills[0].Name != "Go" {
		t.Errorf("Skills[0].Name = %q, want Go (sorted by name)", got.Skills[0].Name)
	}
	if len(got.Experiences) != 1 || len(got.Educations) != 1 {
		t.Errorf("experiences=%d educations=%d, want 1/1", len(got.Experiences), len(got.Educations))
	}
	if got.Embedding != nil {
		t.Errorf("Embedding = %v, want nil before computation", got.Embedding)
	}
}

func TestGetCandidate_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetCandidate("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateSkillEmbedding(t *testing.T) {
	s := openTestStore(t)
	seedCandidate(t, s, "cand-1")

	if err := s.UpdateSkillEmbedding("cand-1-sk1", []float32{1, 0, 0}); err != nil {
		t.Fatalf("UpdateSkillEmbedding() error: %v", err)
	}

	got, err := s.GetCandidate("cand-1")
	if err != nil {
		t.Fatalf("GetCandidate() error: %v", err)
	}
	if !reflect.DeepEqual(got.Skills[0].Embedding, []float32{1, 0, 0}) {
		t.Errorf("skill embedding = %v", got.Skills[0].Embedding)
	}

	if err := s.UpdateSkillEmbedding("ghost", []float32{1}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing skill err = %v, want ErrNotFound", err)
	}
}

func TestEffectiveRequirements_InheritsTemplateAndFamily(t *testing.T) {
	s := openTestStore(t)
	seedVariant(t, s, "var-1", "tmpl-1", "fam-1")

	reqs := []Requirement{
		{ID: "r1", Description: "Go", Category: CategoryMust, Weight: 9, VariantID: "var-1"},
		{ID: "r2", Description: "SQL", Category: CategoryShould, Weight: 6, TemplateID: "tmpl-1"},
		{ID: "r3", Description: "Communication", Category: CategoryNice, Weight: 3, FamilyID: "fam-1"},
		{ID: "r4", Description: "Rust", Category: CategoryMust, Weight: 8, TemplateID: "tmpl-other"},
	}
	for _, r := range reqs {
		if err := s.SaveRequirement(r); err != nil {
			t.Fatalf("SaveRequirement(%s) error: %v", r.ID, err)
		}
	}

	got, err := s.EffectiveRequirements("var-1")
	if err != nil {
		t.Fatalf("EffectiveRequirements() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3 (variant + template + family, excluding r4)", len(got))
	}
	ids := map[string]bool{}
	for _, r := range got {
		ids[r.ID] = true
	}
	for _, want := range []string{"r1", "r2", "r3"} {
		if !ids[want] {
			t.Errorf("missing requirement %s", want)
		}
	}
}

func TestUpdateRequirementEmbedding(t *testing.T) {
	s := openTestStore(t)
	seedVariant(t, s, "var-1", "", "")
	if err := s.SaveRequirement(Requirement{ID: "r1", Description: "Go", Category: CategoryMust, Weight: 9, VariantID: "var-1"}); err != nil {
		t.Fatalf("SaveRequirement() error: %v", err)
	}

	if err := s.UpdateRequirementEmbedding("r1", []float32{0, 1, 0}); err != nil {
		t.Fatalf("UpdateRequirementEmbedding() error: %v", err)
	}

	got, err := s.EffectiveRequirements("var-1")
	if err != nil {
		t.Fatalf("EffectiveRequirements() error: %v", err)
	}
	if len(got) != 1 || !reflect.DeepEqual(got[0].Embedding, []float32{0, 1, 0}) {
		t.Errorf("requirements = %+v, want r1 with the stored embedding", got)
	}

	if err := s.UpdateRequirementEmbedding("ghost", []float32{1}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing requirement err = %v, want ErrNotFound", err)
	}
}

func TestSaveRequirement_ScopeConstraint(t *testing.T) {
	s := openTestStore(t)

	// No scope at all.
	if err := s.SaveRequirement(Requirement{ID: "bad1", Description: "x", Category: CategoryMust, Weight: 5}); err == nil {
		t.Error("requirement with no scope should violate CHECK constraint")
	}
	// Two scopes.
	if err := s.SaveRequirement(Requirement{ID: "bad2", Description: "x", Category: CategoryMust, Weight: 5, VariantID: "v", TemplateID: "t"}); err == nil {
		t.Error("requirement with two scopes should violate CHECK constraint")
	}
}

func TestApplications_CreateListUpdate(t *testing.T) {
	s := openTestStore(t)
	seedCandidate(t, s, "cand-1")
	seedCandidate(t, s, "cand-2")
	seedVariant(t, s, "var-1", "", "")

	apps := []Application{
		{ID: "app-1", CandidateID: "cand-1", JobVariantID: "var-1"},
		{ID: "app-2", CandidateID: "cand-2", JobVariantID: "var-1"},
	}
	for _, a := range apps {
		if err := s.CreateApplication(a); err != nil {
			t.Fatalf("CreateApplication(%s) error: %v", a.ID, err)
		}
	}

	all, err := s.ListApplications("var-1", nil)
	if err != nil {
		t.Fatalf("ListApplications() error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len = %d, want 2", len(all))
	}

	filtered, err := s.ListApplications("var-1", []string{"cand-2"})
	if err != nil {
		t.Fatalf("ListApplications(filtered) error: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != "app-2" {
		t.Errorf("filtered = %+v, want only app-2", filtered)
	}

	if err := s.UpdateApplicationFitScore("app-1", 87.5); err != nil {
		t.Fatalf("UpdateApplicationFitScore() error: %v", err)
	}
	got, err := s.GetApplication("app-1")
	if err != nil {
		t.Fatalf("GetApplication() error: %v", err)
	}
	if got.FitScore == nil || *got.FitScore != 87.5 {
		t.Errorf("FitScore = %v, want 87.5", got.FitScore)
	}
}

func TestExplanation_UpsertGetDelete(t *testing.T) {
	s := openTestStore(t)
	seedCandidate(t, s, "cand-1")
	seedVariant(t, s, "var-1", "", "")
	if err := s.CreateApplication(Application{ID: "app-1", CandidateID: "cand-1", JobVariantID: "var-1"}); err != nil {
		t.Fatalf("CreateApplication() error: %v", err)
	}

	e := MatchExplanation{
		ID:              "exp-1",
		ApplicationID:   "app-1",
		OverallScore:    82,
		MustHaveScore:   90,
		ShouldHaveScore: 75,
		NiceToHaveScore: 60,
		Strengths:       []string{"Strong in Go"},
		Gaps:            []string{"TypeScript"},
		Recommendations: []string{"Consider TypeScript training"},
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.UpsertExplanation(e); err != nil {
		t.Fatalf("UpsertExplanation() error: %v", err)
	}

	got, err := s.GetExplanationByApplication("app-1")
	if err != nil {
		t.Fatalf("GetExplanationByApplication() error: %v", err)
	}
	if got.OverallScore != 82 || !reflect.DeepEqual(got.Gaps, []string{"TypeScript"}) {
		t.Errorf("got = %+v", got)
	}

	// Upsert overwrites in place: same application, new scores.
	e.OverallScore = 91
	e.Strengths = []string{"Strong in Go", "Strong in PostgreSQL"}
	if err := s.UpsertExplanation(e); err != nil {
		t.Fatalf("UpsertExplanation(update) error: %v", err)
	}
	got, err = s.GetExplanationByApplication("app-1")
	if err != nil {
		t.Fatalf("GetExplanationByApplication() error: %v", err)
	}
	if got.OverallScore != 91 || len(got.Strengths) != 2 {
		t.Errorf("after update got = %+v", got)
	}

	if err := s.DeleteExplanationByApplication("app-1"); err != nil {
		t.Fatalf("DeleteExplanationByApplication() error: %v", err)
	}
	if _, err := s.GetExplanationByApplication("app-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete err = %v, want ErrNotFound", err)
	}
	// Deleting again is a no-op.
	if err := s.DeleteExplanationByApplication("app-1"); err != nil {
		t.Errorf("second delete error: %v, want nil", err)
	}
}
