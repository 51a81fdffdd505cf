package match

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/snapmatch/internal/config"
	"github.com/your-org/snapmatch/internal/models"
)

type fakeRow struct {
	cand models.Candidate
	err  error
}

type fakeRows struct {
	rows []fakeRow
	pos  int
}

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos <= len(r.rows)
}

func (r *fakeRows) Candidate() (models.Candidate, error) {
	row := r.rows[r.pos-1]
	return row.cand, row.err
}

func (r *fakeRows) Err() error { return nil }
func (r *fakeRows) Close()     {}

type fakeSource struct {
	rows []fakeRow
}

func (s *fakeSource) Candidates(ctx context.Context, scope models.Scope) (CandidateRows, error) {
	return &fakeRows{rows: s.rows}, nil
}

// candidateAtAngle builds a unit vector at the given angle from the x axis,
// so its cosine similarity to {1, 0} is cos(angle).
func candidateAtAngle(angle float64, uploadedAt time.Time) fakeRow {
	return fakeRow{cand: models.Candidate{
		PhotoID:    uuid.New(),
		Vector:     []float32{float32(math.Cos(angle)), float32(math.Sin(angle))},
		FileName:   fmt.Sprintf("photo_%.2f.jpg", angle),
		UploadedAt: uploadedAt,
	}}
}

func testCandidates(n int) []fakeRow {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rows := make([]fakeRow, 0, n)
	for i := 0; i < n; i++ {
		// Angles spread over [0, pi): similarities spread over (-1, 1].
		angle := math.Pi * float64(i) / float64(n)
		rows = append(rows, candidateAtAngle(angle, base.Add(time.Duration(i)*time.Minute)))
	}
	return rows
}

var query = []float32{1, 0}

func newTestMatcher(rows []fakeRow, cfg config.MatchConfig) *Matcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Minute
	}
	return NewMatcher(&fakeSource{rows: rows}, cfg)
}

func matchIDs(matches []Match) map[uuid.UUID]bool {
	ids := make(map[uuid.UUID]bool, len(matches))
	for _, m := range matches {
		ids[m.PhotoID] = true
	}
	return ids
}

func TestMatchEmptyQuery(t *testing.T) {
	m := newTestMatcher(testCandidates(10), config.MatchConfig{Threshold: 0.5, BatchSize: 100})
	_, err := m.Match(context.Background(), nil, models.Scope{EventID: uuid.New()})
	if !errors.Is(err, ErrNoFaceInQuery) {
		t.Fatalf("err = %v, want ErrNoFaceInQuery", err)
	}
}

func TestMatchThreshold(t *testing.T) {
	rows := testCandidates(50)
	m := newTestMatcher(rows, config.MatchConfig{Threshold: 0.5, BatchSize: 100})

	matches, err := m.Match(context.Background(), query, models.Scope{EventID: uuid.New()})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) == 0 {
		t.Fatal("expected matches above threshold")
	}
	for _, got := range matches {
		if got.Similarity < 0.5 {
			t.Errorf("match %s scored %v, below threshold", got.FileName, got.Similarity)
		}
	}
}

// Raising the threshold must only ever shrink the result set.
func TestMatchThresholdMonotonicity(t *testing.T) {
	rows := testCandidates(60)
	scope := models.Scope{EventID: uuid.New()}

	thresholds := []float64{0.2, 0.45, 0.7, 0.9}
	var prev map[uuid.UUID]bool

	for _, th := range thresholds {
		m := newTestMatcher(rows, config.MatchConfig{Threshold: th, BatchSize: 100})
		matches, err := m.Match(context.Background(), query, scope)
		if err != nil {
			t.Fatal(err)
		}
		ids := matchIDs(matches)
		if prev != nil {
			for id := range ids {
				if !prev[id] {
					t.Errorf("threshold %v returned photo absent at a lower threshold", th)
				}
			}
		}
		prev = ids
	}
}

func TestMatchWithThresholdOverride(t *testing.T) {
	rows := testCandidates(40)
	scope := models.Scope{EventID: uuid.New()}
	m := newTestMatcher(rows, config.MatchConfig{Threshold: 0.2, BatchSize: 100})

	loose, err := m.Match(context.Background(), query, scope)
	if err != nil {
		t.Fatal(err)
	}
	strict, err := m.MatchWithThreshold(context.Background(), query, scope, 0.8)
	if err != nil {
		t.Fatal(err)
	}

	if len(strict) >= len(loose) {
		t.Fatalf("override threshold 0.8 returned %d matches, configured 0.2 returned %d",
			len(strict), len(loose))
	}
	looseIDs := matchIDs(loose)
	for _, got := range strict {
		if got.Similarity < 0.8 {
			t.Errorf("match scored %v, below the override threshold", got.Similarity)
		}
		if !looseIDs[got.PhotoID] {
			t.Error("override returned a photo absent at the lower threshold")
		}
	}
}

// The batch size tunes scheduling only; the result set must not depend on it.
func TestMatchBatchSizeInvariance(t *testing.T) {
	rows := testCandidates(250)
	scope := models.Scope{EventID: uuid.New()}

	var baseline []Match
	for _, bs := range []int{1, 7, 100, 250, 1000} {
		m := newTestMatcher(rows, config.MatchConfig{Threshold: 0.3, BatchSize: bs})
		matches, err := m.Match(context.Background(), query, scope)
		if err != nil {
			t.Fatal(err)
		}
		if baseline == nil {
			baseline = matches
			continue
		}
		if len(matches) != len(baseline) {
			t.Fatalf("batch size %d returned %d matches, baseline %d", bs, len(matches), len(baseline))
		}
		for i := range matches {
			if matches[i].PhotoID != baseline[i].PhotoID || matches[i].Similarity != baseline[i].Similarity {
				t.Fatalf("batch size %d changed result at position %d", bs, i)
			}
		}
	}
}

// A candidate whose stored vector cannot be read costs itself, not the search.
func TestMatchSkipsUnreadableCandidate(t *testing.T) {
	rows := testCandidates(10)
	rows[3] = fakeRow{err: errors.New("vector parse error")}

	m := newTestMatcher(rows, config.MatchConfig{Threshold: -1, BatchSize: 100})
	matches, err := m.Match(context.Background(), query, models.Scope{EventID: uuid.New()})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 9 {
		t.Errorf("got %d matches, want 9 (one corrupt row skipped)", len(matches))
	}
}

// A malformed candidate vector scores 0 and loses to the threshold instead of
// winning with NaN.
func TestMatchDegenerateCandidateNeverMatches(t *testing.T) {
	rows := []fakeRow{
		{cand: models.Candidate{PhotoID: uuid.New(), Vector: []float32{float32(math.NaN()), 0}}},
		{cand: models.Candidate{PhotoID: uuid.New(), Vector: []float32{0, 0}}},
		{cand: models.Candidate{PhotoID: uuid.New(), Vector: []float32{1, 0, 0}}}, // wrong dim
		candidateAtAngle(0.1, time.Now()),
	}

	m := newTestMatcher(rows, config.MatchConfig{Threshold: 0.5, BatchSize: 100})
	matches, err := m.Match(context.Background(), query, models.Scope{EventID: uuid.New()})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want only the well-formed candidate", len(matches))
	}
}

func TestMatchTimeout(t *testing.T) {
	m := newTestMatcher(testCandidates(500), config.MatchConfig{Threshold: 0.3, BatchSize: 10})

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := m.Match(ctx, query, models.Scope{EventID: uuid.New()})
	if !errors.Is(err, ErrMatchTimeout) {
		t.Fatalf("err = %v, want ErrMatchTimeout", err)
	}
}

func TestMatchOrderSimilarityDescending(t *testing.T) {
	m := newTestMatcher(testCandidates(40), config.MatchConfig{
		Threshold: 0.1,
		BatchSize: 100,
		Order:     config.OrderSimilarity,
	})
	matches, err := m.Match(context.Background(), query, models.Scope{EventID: uuid.New()})
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(matches); i++ {
		if matches[i].Similarity > matches[i-1].Similarity {
			t.Fatalf("results not in descending similarity at %d", i)
		}
	}
}

func TestMatchOrderChronologicalAscending(t *testing.T) {
	m := newTestMatcher(testCandidates(40), config.MatchConfig{
		Threshold: 0.1,
		BatchSize: 100,
		Order:     config.OrderChronological,
	})
	matches, err := m.Match(context.Background(), query, models.Scope{EventID: uuid.New()})
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(matches); i++ {
		if matches[i].UploadedAt.Before(matches[i-1].UploadedAt) {
			t.Fatalf("results not in ascending upload time at %d", i)
		}
	}
}
