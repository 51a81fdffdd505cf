package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/snapmatch/internal/config"
	"github.com/your-org/snapmatch/internal/models"
	"github.com/your-org/snapmatch/internal/observability"
)

var (
	// ErrNoFaceInQuery means the uploaded selfie contained no detectable
	// face. Distinct from a successful search with zero matches.
	ErrNoFaceInQuery = errors.New("no face detected in query image")

	// ErrMatchTimeout means the request exceeded its wall-clock budget.
	// Partial results are discarded, never returned as if complete.
	ErrMatchTimeout = errors.New("match request timed out")
)

// Match is one result row, ready for presentation-URL resolution.
type Match struct {
	PhotoID    uuid.UUID `json:"photo_id"`
	Similarity float64   `json:"similarity"`
	FileKey    string    `json:"-"`
	FileName   string    `json:"file_name"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// CandidateRows streams stored embeddings one at a time, pgx-rows style, so
// a large event never has to materialize in memory at once.
type CandidateRows interface {
	Next() bool
	// Candidate returns the current row. A row whose stored vector does not
	// parse returns an error here; the matcher skips it and continues.
	Candidate() (models.Candidate, error)
	Err() error
	Close()
}

// CandidateSource is the vector store adapter as the matcher sees it:
// candidates restricted to face-detected photos within the scope.
type CandidateSource interface {
	Candidates(ctx context.Context, scope models.Scope) (CandidateRows, error)
}

// Matcher scores a query embedding against a scope's candidates in bounded
// batches, yielding between batches so one large search cannot starve
// concurrent requests.
type Matcher struct {
	source CandidateSource
	cfg    config.MatchConfig
}

func NewMatcher(source CandidateSource, cfg config.MatchConfig) *Matcher {
	return &Matcher{source: source, cfg: cfg}
}

// Match returns every candidate scoring >= the configured threshold,
// ordered by the configured policy. The query must be a non-empty
// embedding; batching affects scheduling only, never the result set.
func (m *Matcher) Match(ctx context.Context, query []float32, scope models.Scope) ([]Match, error) {
	return m.MatchWithThreshold(ctx, query, scope, m.cfg.Threshold)
}

// MatchWithThreshold is Match with a per-request threshold override.
func (m *Matcher) MatchWithThreshold(ctx context.Context, query []float32, scope models.Scope, threshold float64) ([]Match, error) {
	if len(query) == 0 {
		return nil, ErrNoFaceInQuery
	}

	start := time.Now()
	defer func() {
		observability.MatchDuration.Observe(time.Since(start).Seconds())
	}()

	rows, err := m.source.Candidates(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("fetch candidates: %w", err)
	}
	defer rows.Close()

	batchSize := m.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	scorer := NewScorer()
	var matches []Match
	scanned := 0

	for rows.Next() {
		cand, err := rows.Candidate()
		if err != nil {
			// One corrupt row must not abort the search.
			slog.Warn("skipping unreadable candidate", "error", err)
			continue
		}
		scanned++

		if sim := scorer.Score(query, cand.Vector); sim >= threshold {
			matches = append(matches, Match{
				PhotoID:    cand.PhotoID,
				Similarity: sim,
				FileKey:    cand.FileKey,
				FileName:   cand.FileName,
				UploadedAt: cand.UploadedAt,
			})
		}

		if scanned%batchSize == 0 {
			if err := m.yield(ctx); err != nil {
				return nil, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	if err := budgetErr(ctx); err != nil {
		return nil, err
	}

	observability.MatchCandidates.Observe(float64(scanned))

	m.order(matches)
	return matches, nil
}

// yield hands control back between batches and enforces the request budget.
func (m *Matcher) yield(ctx context.Context) error {
	if err := budgetErr(ctx); err != nil {
		return err
	}
	runtime.Gosched()
	return nil
}

func budgetErr(ctx context.Context) error {
	switch err := ctx.Err(); {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrMatchTimeout
	case err != nil:
		return err
	}
	return nil
}

func (m *Matcher) order(matches []Match) {
	switch m.cfg.Order {
	case config.OrderChronological:
		sort.Slice(matches, func(i, j int) bool {
			return matches[i].UploadedAt.Before(matches[j].UploadedAt)
		})
	default:
		sort.Slice(matches, func(i, j int) bool {
			return matches[i].Similarity > matches[j].Similarity
		})
	}
}
