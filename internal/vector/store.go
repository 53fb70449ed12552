package vector

import (
	"container/heap"
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openhire/matchd/internal/storage"
)

const (
	defaultLimit = 10

	// upsertChunkSize bounds how many embedding writes run together in a
	// batch upsert.
	upsertChunkSize = 10
)

// Store persists and compares candidate embeddings, backed by the
// candidates table. Similarity search is a brute-force scan, good enough
// until the candidate population outgrows ~100K rows.
type Store struct {
	db   *sql.DB
	dims int
}

// NewStore wraps the storage connection for vector operations. dims is the
// system-wide embedding dimensionality; every write is validated against it.
func NewStore(db *sql.DB, dims int) *Store {
	return &Store{db: db, dims: dims}
}

// SearchOptions filter a similarity search.
type SearchOptions struct {
	Threshold float64
	Limit     int
}

// Match is one ranked search result.
type Match struct {
	CandidateID string
	FullName    string
	Score       float64
}

// Stats summarizes embedding coverage over the candidate population.
type Stats struct {
	TotalCandidates int     `json:"total_candidates"`
	WithEmbeddings  int     `json:"with_embeddings"`
	CoveragePercent float64 `json:"coverage_percent"`
}

// UpsertCandidateEmbedding stores (or overwrites) a candidate's embedding.
// Idempotent; rejects vectors of the wrong dimensionality at the boundary.
func (s *Store) UpsertCandidateEmbedding(ctx context.Context, candidateID string, vec []float32) error {
	if len(vec) != s.dims {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), s.dims)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`UPDATE candidates SET embedding = ?, updated_at = ? WHERE id = ?`,
		storage.EncodeVector(vec), now, candidateID)
	if err != nil {
		return fmt.Errorf("upserting embedding for %s: %w", candidateID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// CandidateEmbedding pairs a candidate ID with its vector for batch writes.
type CandidateEmbedding struct {
	CandidateID string
	Vector      []float32
}

// UpsertBatch writes embeddings in chunks of 10; writes within a chunk run
// concurrently.
func (s *Store) UpsertBatch(ctx context.Context, embeddings []CandidateEmbedding) error {
	for start := 0; start < len(embeddings); start += upsertChunkSize {
		end := start + upsertChunkSize
		if end > len(embeddings) {
			end = len(embeddings)
		}

		g, gCtx := errgroup.WithContext(ctx)
		for _, e := range embeddings[start:end] {
			e := e
			g.Go(func() error {
				return s.UpsertCandidateEmbedding(gCtx, e.CandidateID, e.Vector)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// FindSimilar scans the candidate population and returns candidates whose
// embedding similarity to target meets the threshold, ranked descending and
// truncated to the limit. Candidates without embeddings are skipped.
func (s *Store) FindSimilar(ctx context.Context, target []float32, opts SearchOptions) ([]Match, error) {
	return s.search(ctx, target, opts, "")
}

// FindCandidatesForJob is FindSimilar with self-match exclusion: candidates
// who already have an application against this job variant are skipped.
func (s *Store) FindCandidatesForJob(ctx context.Context, jobEmbedding []float32, jobVariantID string, opts SearchOptions) ([]Match, error) {
	return s.search(ctx, jobEmbedding, opts, jobVariantID)
}

func (s *Store) search(ctx context.Context, target []float32, opts SearchOptions, excludeVariantID string) ([]Match, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	query := `SELECT id, embedding FROM candidates WHERE embedding IS NOT NULL`
	var args []interface{}
	if excludeVariantID != "" {
		query += ` AND id NOT IN (SELECT candidate_id FROM applications WHERE job_variant_id = ?)`
		args = append(args, excludeVariantID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying candidate embeddings: %w", err)
	}
	defer rows.Close()

	// Phase 1: scan id + embedding, keep the top-limit scores in a min-heap.
	h := &matchHeap{}
	heap.Init(h)

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		vec, err := storage.DecodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		if len(vec) == 0 {
			continue
		}

		score, err := CosineSimilarity(target, vec)
		if err != nil {
			return nil, fmt.Errorf("comparing candidate %s: %w", id, err)
		}
		if score < opts.Threshold {
			continue
		}

		if h.Len() < limit {
			heap.Push(h, Match{CandidateID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = Match{CandidateID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch names for the winners only.
	matches := make([]Match, h.Len())
	for i := len(matches) - 1; i >= 0; i-- {
		matches[i] = heap.Pop(h).(Match)
	}

	ids := make([]interface{}, len(matches))
	index := make(map[string]int, len(matches))
	for i, m := range matches {
		ids[i] = m.CandidateID
		index[m.CandidateID] = i
	}
	nameQuery := `SELECT id, full_name FROM candidates WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	nameRows, err := s.db.QueryContext(ctx, nameQuery, ids...)
	if err != nil {
		return nil, fmt.Errorf("fetching candidate names: %w", err)
	}
	defer nameRows.Close()

	for nameRows.Next() {
		var id, name string
		if err := nameRows.Scan(&id, &name); err != nil {
			return nil, err
		}
		matches[index[id]].FullName = name
	}
	if err := nameRows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	return matches, nil
}

// GetStats reports candidate totals and embedding coverage, with the
// percentage rounded to two decimals.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(embedding) FROM candidates`,
	).Scan(&st.TotalCandidates, &st.WithEmbeddings)
	if err != nil {
		return Stats{}, fmt.Errorf("querying stats: %w", err)
	}
	if st.TotalCandidates > 0 {
		pct := float64(st.WithEmbeddings) / float64(st.TotalCandidates) * 100
		st.CoveragePercent = math.Round(pct*100) / 100
	}
	return st, nil
}

// matchHeap is a min-heap of Match ordered by Score, used to track the
// top-K candidates during the scan phase.
type matchHeap []Match

func (h matchHeap) Len() int            { return len(h) }
func (h matchHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h matchHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *matchHeap) Push(x interface{}) { *h = append(*h, x.(Match)) }
func (h *matchHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
