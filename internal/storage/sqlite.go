package storage

import (
	"database/sql"
	"embed"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for candidates, jobs,
// requirements, applications, and match explanations.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "matchd.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for packages that run their own
// queries over storage tables (internal/vector).
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate applies any embedded SQL migration files that haven't run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// EncodeVector serializes a float32 vector to little-endian bytes for BLOB
// storage. Returns nil for an empty vector so the column stays NULL.
func EncodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector deserializes little-endian bytes into a float32 vector.
// Returns an error if the byte length is not a multiple of 4.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

func marshalStrings(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshalStrings(s string) []string {
	if s == "" {
		return nil
	}
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// --- Candidates ---

// SaveCandidate inserts a candidate together with its skills, work
// experiences, and educations in one transaction.
func (s *Store) SaveCandidate(c Candidate) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning candidate transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	createdAt := now
	if !c.CreatedAt.IsZero() {
		createdAt = c.CreatedAt.UTC().Format(time.RFC3339)
	}

	if _, err := tx.Exec(`
		INSERT INTO candidates (id, full_name, email, summary, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.FullName, c.Email, c.Summary, EncodeVector(c.Embedding), createdAt, now,
	); err != nil {
		return fmt.Errorf("inserting candidate %s: %w", c.ID, err)
	}

	for _, sk := range c.Skills {
		if _, err := tx.Exec(`
			INSERT INTO candidate_skills (id, candidate_id, name, years, proficiency, embedding)
			VALUES (?, ?, ?, ?, ?, ?)`,
			sk.ID, c.ID, sk.Name, sk.Years, sk.Proficiency, EncodeVector(sk.Embedding),
		); err != nil {
			return fmt.Errorf("inserting skill %s: %w", sk.Name, err)
		}
	}
	for _, ex := range c.Experiences {
		if _, err := tx.Exec(`
			INSERT INTO work_experiences (id, candidate_id, title, company, description, start_date, end_date)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			ex.ID, c.ID, ex.Title, ex.Company, ex.Description, ex.StartDate, ex.EndDate,
		); err != nil {
			return fmt.Errorf("inserting work experience %s: %w", ex.ID, err)
		}
	}
	for _, ed := range c.Educations {
		if _, err := tx.Exec(`
			INSERT INTO educations (id, candidate_id, degree, field, institution)
			VALUES (?, ?, ?, ?, ?)`,
			ed.ID, c.ID, ed.Degree, ed.Field, ed.Institution,
		); err != nil {
			return fmt.Errorf("inserting education %s: %w", ed.ID, err)
		}
	}

	return tx.Commit()
}

// GetCandidate loads a candidate with skills, experiences, and educations.
func (s *Store) GetCandidate(id string) (Candidate, error) {
	var c Candidate
	var blob []byte
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, full_name, email, summary, embedding, created_at, updated_at
		FROM candidates WHERE id = ?`, id,
	).Scan(&c.ID, &c.FullName, &c.Email, &c.Summary, &blob, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Candidate{}, ErrNotFound
	}
	if err != nil {
		return Candidate{}, err
	}

	if c.Embedding, err = DecodeVector(blob); err != nil {
		return Candidate{}, fmt.Errorf("decoding embedding for candidate %s: %w", id, err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Candidate{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Candidate{}, fmt.Errorf("parsing updated_at: %w", err)
	}

	if c.Skills, err = s.candidateSkills(id); err != nil {
		return Candidate{}, err
	}
	if c.Experiences, err = s.candidateExperiences(id); err != nil {
		return Candidate{}, err
	}
	if c.Educations, err = s.candidateEducations(id); err != nil {
		return Candidate{}, err
	}
	return c, nil
}

func (s *Store) candidateSkills(candidateID string) ([]Skill, error) {
	rows, err := s.db.Query(`
		SELECT id, candidate_id, name, years, proficiency, embedding
		FROM candidate_skills WHERE candidate_id = ? ORDER BY name ASC`, candidateID)
	if err != nil {
		return nil, fmt.Errorf("querying skills: %w", err)
	}
	defer rows.Close()

	var skills []Skill
	for rows.Next() {
		var sk Skill
		var blob []byte
		if err := rows.Scan(&sk.ID, &sk.CandidateID, &sk.Name, &sk.Years, &sk.Proficiency, &blob); err != nil {
			return nil, err
		}
		if sk.Embedding, err = DecodeVector(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for skill %s: %w", sk.ID, err)
		}
		skills = append(skills, sk)
	}
	return skills, rows.Err()
}

func (s *Store) candidateExperiences(candidateID string) ([]WorkExperience, error) {
	rows, err := s.db.Query(`
		SELECT id, candidate_id, title, company, description, start_date, end_date
		FROM work_experiences WHERE candidate_id = ? ORDER BY start_date DESC`, candidateID)
	if err != nil {
		return nil, fmt.Errorf("querying work experiences: %w", err)
	}
	defer rows.Close()

	var exps []WorkExperience
	for rows.Next() {
		var ex WorkExperience
		if err := rows.Scan(&ex.ID, &ex.CandidateID, &ex.Title, &ex.Company, &ex.Description, &ex.StartDate, &ex.EndDate); err != nil {
			return nil, err
		}
		exps = append(exps, ex)
	}
	return exps, rows.Err()
}

func (s *Store) candidateEducations(candidateID string) ([]Education, error) {
	rows, err := s.db.Query(`
		SELECT id, candidate_id, degree, field, institution
		FROM educations WHERE candidate_id = ?`, candidateID)
	if err != nil {
		return nil, fmt.Errorf("querying educations: %w", err)
	}
	defer rows.Close()

	var eds []Education
	for rows.Next() {
		var ed Education
		if err := rows.Scan(&ed.ID, &ed.CandidateID, &ed.Degree, &ed.Field, &ed.Institution); err != nil {
			return nil, err
		}
		eds = append(eds, ed)
	}
	return eds, rows.Err()
}

// UpdateSkillEmbedding stores the embedding for a single skill row.
func (s *Store) UpdateSkillEmbedding(skillID string, vec []float32) error {
	res, err := s.db.Exec(`UPDATE candidate_skills SET embedding = ? WHERE id = ?`, EncodeVector(vec), skillID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Job variants and requirements ---

func (s *Store) SaveJobVariant(v JobVariant) error {
	createdAt := v.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO job_variants (id, title, description, company, template_id, family_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.Title, v.Description, v.Company, v.TemplateID, v.FamilyID,
		createdAt.Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetJobVariant(id string) (JobVariant, error) {
	var v JobVariant
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, title, description, company, template_id, family_id, created_at
		FROM job_variants WHERE id = ?`, id,
	).Scan(&v.ID, &v.Title, &v.Description, &v.Company, &v.TemplateID, &v.FamilyID, &createdAt)
	if err == sql.ErrNoRows {
		return JobVariant{}, ErrNotFound
	}
	if err != nil {
		return JobVariant{}, err
	}
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return JobVariant{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return v, nil
}

func (s *Store) SaveRequirement(r Requirement) error {
	_, err := s.db.Exec(`
		INSERT INTO requirements (id, description, category, weight, alternatives, family_id, template_id, variant_id, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Description, r.Category, r.Weight, marshalStrings(r.Alternatives),
		r.FamilyID, r.TemplateID, r.VariantID, EncodeVector(r.Embedding),
	)
	return err
}

// EffectiveRequirements returns the variant's full requirement set: rows
// scoped to the variant itself plus rows inherited from its template and
// job family.
func (s *Store) EffectiveRequirements(variantID string) ([]Requirement, error) {
	v, err := s.GetJobVariant(variantID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT id, description, category, weight, alternatives, family_id, template_id, variant_id, embedding
		FROM requirements
		WHERE variant_id = ?
		   OR (template_id != '' AND template_id = ?)
		   OR (family_id != '' AND family_id = ?)
		ORDER BY category ASC, weight DESC`,
		variantID, v.TemplateID, v.FamilyID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying requirements: %w", err)
	}
	defer rows.Close()

	var reqs []Requirement
	for rows.Next() {
		var r Requirement
		var alternatives string
		var blob []byte
		if err := rows.Scan(&r.ID, &r.Description, &r.Category, &r.Weight, &alternatives,
			&r.FamilyID, &r.TemplateID, &r.VariantID, &blob); err != nil {
			return nil, err
		}
		r.Alternatives = unmarshalStrings(alternatives)
		if r.Embedding, err = DecodeVector(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for requirement %s: %w", r.ID, err)
		}
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

// UpdateRequirementEmbedding stores the embedding for a requirement. The
// requirement's text fields are never updated through this store once saved.
func (s *Store) UpdateRequirementEmbedding(requirementID string, vec []float32) error {
	res, err := s.db.Exec(`UPDATE requirements SET embedding = ? WHERE id = ?`, EncodeVector(vec), requirementID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Applications ---

func (s *Store) CreateApplication(a Application) error {
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO applications (id, candidate_id, job_variant_id, fit_score, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.CandidateID, a.JobVariantID, a.FitScore, createdAt.Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetApplication(id string) (Application, error) {
	var a Application
	var fitScore sql.NullFloat64
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, candidate_id, job_variant_id, fit_score, created_at
		FROM applications WHERE id = ?`, id,
	).Scan(&a.ID, &a.CandidateID, &a.JobVariantID, &fitScore, &createdAt)
	if err == sql.ErrNoRows {
		return Application{}, ErrNotFound
	}
	if err != nil {
		return Application{}, err
	}
	if fitScore.Valid {
		a.FitScore = &fitScore.Float64
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return Application{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return a, nil
}

// ListApplications returns applications for a job variant, optionally
// filtered to the given candidate IDs.
func (s *Store) ListApplications(jobVariantID string, candidateIDs []string) ([]Application, error) {
	query := `SELECT id, candidate_id, job_variant_id, fit_score, created_at
		FROM applications WHERE job_variant_id = ?`
	args := []interface{}{jobVariantID}
	if len(candidateIDs) > 0 {
		query += ` AND candidate_id IN (?` + strings.Repeat(",?", len(candidateIDs)-1) + `)`
		for _, id := range candidateIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying applications: %w", err)
	}
	defer rows.Close()

	var apps []Application
	for rows.Next() {
		var a Application
		var fitScore sql.NullFloat64
		var createdAt string
		if err := rows.Scan(&a.ID, &a.CandidateID, &a.JobVariantID, &fitScore, &createdAt); err != nil {
			return nil, err
		}
		if fitScore.Valid {
			a.FitScore = &fitScore.Float64
		}
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

// UpdateApplicationFitScore overwrites the fit score. Recomputation is
// idempotent: last writer wins.
func (s *Store) UpdateApplicationFitScore(id string, score float64) error {
	res, err := s.db.Exec(`UPDATE applications SET fit_score = ? WHERE id = ?`, score, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Match explanations ---

// UpsertExplanation inserts the explanation for an application, or
// overwrites the existing row's fields in place. A missing ID is filled in
// on the insert path; the conflict update keeps the existing row's ID.
func (s *Store) UpsertExplanation(e MatchExplanation) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC().Format(time.RFC3339)
	createdAt := now
	if !e.CreatedAt.IsZero() {
		createdAt = e.CreatedAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.Exec(`
		INSERT INTO match_explanations
			(id, application_id, overall_score, must_have_score, should_have_score, nice_to_have_score,
			 strengths, gaps, recommendations, detailed_analysis, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(application_id) DO UPDATE SET
			overall_score = excluded.overall_score,
			must_have_score = excluded.must_have_score,
			should_have_score = excluded.should_have_score,
			nice_to_have_score = excluded.nice_to_have_score,
			strengths = excluded.strengths,
			gaps = excluded.gaps,
			recommendations = excluded.recommendations,
			detailed_analysis = excluded.detailed_analysis,
			updated_at = excluded.updated_at`,
		e.ID, e.ApplicationID, e.OverallScore, e.MustHaveScore, e.ShouldHaveScore, e.NiceToHaveScore,
		marshalStrings(e.Strengths), marshalStrings(e.Gaps), marshalStrings(e.Recommendations),
		e.DetailedAnalysis, createdAt, now,
	)
	return err
}

// GetExplanationByApplication returns the explanation for an application,
// or ErrNotFound.
func (s *Store) GetExplanationByApplication(applicationID string) (MatchExplanation, error) {
	var e MatchExplanation
	var strengths, gaps, recommendations string
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, application_id, overall_score, must_have_score, should_have_score, nice_to_have_score,
		       strengths, gaps, recommendations, detailed_analysis, created_at, updated_at
		FROM match_explanations WHERE application_id = ?`, applicationID,
	).Scan(&e.ID, &e.ApplicationID, &e.OverallScore, &e.MustHaveScore, &e.ShouldHaveScore, &e.NiceToHaveScore,
		&strengths, &gaps, &recommendations, &e.DetailedAnalysis, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return MatchExplanation{}, ErrNotFound
	}
	if err != nil {
		return MatchExplanation{}, err
	}
	e.Strengths = unmarshalStrings(strengths)
	e.Gaps = unmarshalStrings(gaps)
	e.Recommendations = unmarshalStrings(recommendations)
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return MatchExplanation{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return MatchExplanation{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return e, nil
}

// DeleteExplanationByApplication removes the explanation row. Deleting a
// missing explanation affects zero rows and is not an error.
func (s *Store) DeleteExplanationByApplication(applicationID string) error {
	_, err := s.db.Exec(`DELETE FROM match_explanations WHERE application_id = ?`, applicationID)
	return err
}
