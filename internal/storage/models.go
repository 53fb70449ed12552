package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Candidate is a persisted candidate profile. Embedding is nil until the
// profile text has been embedded.
type Candidate struct {
	ID          string
	FullName    string
	Email       string
	Summary     string
	Embedding   []float32
	Skills      []Skill
	Experiences []WorkExperience
	Educations  []Education
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Skill struct {
	ID          string
	CandidateID string
	Name        string
	Years       float64
	Proficiency string
	Embedding   []float32
}

type WorkExperience struct {
	ID          string
	CandidateID string
	Title       string
	Company     string
	Description string
	StartDate   string
	EndDate     string
}

type Education struct {
	ID          string
	CandidateID string
	Degree      string
	Field       string
	Institution string
}

// Requirement category values, the closed MUST/SHOULD/NICE set.
// internal/matching owns the typed enum; storage keeps the raw string.
const (
	CategoryMust   = "MUST"
	CategoryShould = "SHOULD"
	CategoryNice   = "NICE"
)

// Requirement is one item of a job's requirement set. Exactly one of
// FamilyID, TemplateID, VariantID is non-empty (enforced by a CHECK
// constraint). Rows referenced by a match explanation are never updated,
// so historical explanations stay reproducible.
type Requirement struct {
	ID           string
	Description  string
	Category     string
	Weight       int // 1..10
	Alternatives []string
	FamilyID     string
	TemplateID   string
	VariantID    string
	Embedding    []float32
}

// JobVariant is a company-specific job opening. Its effective requirement
// set is the union of variant, template, and family scoped requirements.
type JobVariant struct {
	ID          string
	Title       string
	Description string
	Company     string
	TemplateID  string
	FamilyID    string
	CreatedAt   time.Time
}

type Application struct {
	ID           string
	CandidateID  string
	JobVariantID string
	FitScore     *float64
	CreatedAt    time.Time
}

// MatchExplanation is the persisted, human-readable record derived from one
// matching computation. One row per application.
type MatchExplanation struct {
	ID               string
	ApplicationID    string
	OverallScore     float64
	MustHaveScore    float64
	ShouldHaveScore  float64
	NiceToHaveScore  float64
	Strengths        []string
	Gaps             []string
	Recommendations  []string
	DetailedAnalysis string // JSON snapshot of []RequirementMatch
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Job is a durable queue row.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
