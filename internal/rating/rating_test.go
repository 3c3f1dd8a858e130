package rating

import (
	"context"
	"sync"
	"testing"

	"parlor/internal/store"
)

func newRecorder(t *testing.T) *Service {
	t.Helper()
	return NewService(store.NewMemory())
}

func TestDeltaEqualDrawIsZero(t *testing.T) {
	if got := Delta(1500, 1500, 0.5); got != 0 {
		t.Fatalf("Delta(R, R, 0.5) = %d, want 0", got)
	}
}

func TestDeltaSymmetry(t *testing.T) {
	win := Delta(1500, 1500, 1)
	loss := Delta(1500, 1500, 0)
	if win != K/2 {
		t.Fatalf("even-odds win delta = %d, want %d", win, K/2)
	}
	if win+loss != 0 {
		t.Fatalf("win %d and loss %d do not cancel at equal ratings", win, loss)
	}
	// The favorite gains less from a win than the underdog would.
	if up := Delta(1200, 1800, 1); up <= win {
		t.Fatalf("underdog win delta %d should exceed even-odds %d", up, win)
	}
}

func TestRecordWinnersAndLosers(t *testing.T) {
	s := newRecorder(t)
	ctx := context.Background()

	err := s.Record(ctx, Outcome{
		Service: "guess",
		Winners: []string{"alex"},
		Losers:  []string{"blake"},
	})
	if err != nil {
		t.Fatalf("Record err: %v", err)
	}

	alex, err := s.RatingOf(ctx, "alex", "guess")
	if err != nil {
		t.Fatalf("RatingOf err: %v", err)
	}
	blake, _ := s.RatingOf(ctx, "blake", "guess")
	if alex != InitialRating+K/2 {
		t.Fatalf("alex = %d, want %d", alex, InitialRating+K/2)
	}
	if blake != InitialRating-K/2 {
		t.Fatalf("blake = %d, want %d", blake, InitialRating-K/2)
	}
}

func TestRecordFullTieAtEqualRatingsMovesNobody(t *testing.T) {
	s := newRecorder(t)
	ctx := context.Background()

	err := s.Record(ctx, Outcome{
		Service: "guess",
		Winners: []string{"alex", "blake", "casey"},
	})
	if err != nil {
		t.Fatalf("Record err: %v", err)
	}
	for _, name := range []string{"alex", "blake", "casey"} {
		r, _ := s.RatingOf(ctx, name, "guess")
		if r != InitialRating {
			t.Fatalf("%s = %d after full tie at equal ratings, want %d", name, r, InitialRating)
		}
	}
}

func TestRecordFullTieRegressesTowardMean(t *testing.T) {
	s := newRecorder(t)
	ctx := context.Background()

	// Give alex a lead first.
	s.Record(ctx, Outcome{Service: "guess", Winners: []string{"alex"}, Losers: []string{"blake"}})
	alexBefore, _ := s.RatingOf(ctx, "alex", "guess")
	blakeBefore, _ := s.RatingOf(ctx, "blake", "guess")

	if err := s.Record(ctx, Outcome{Service: "guess", Winners: []string{"alex", "blake"}}); err != nil {
		t.Fatalf("Record err: %v", err)
	}
	alexAfter, _ := s.RatingOf(ctx, "alex", "guess")
	blakeAfter, _ := s.RatingOf(ctx, "blake", "guess")
	if alexAfter >= alexBefore {
		t.Fatalf("higher-rated alex should lose points drawing: %d -> %d", alexBefore, alexAfter)
	}
	if blakeAfter <= blakeBefore {
		t.Fatalf("lower-rated blake should gain points drawing: %d -> %d", blakeBefore, blakeAfter)
	}
}

func TestRecordConcurrentSharedWinner(t *testing.T) {
	ctx := context.Background()
	first := Delta(InitialRating, InitialRating, 1)
	second := Delta(InitialRating+first, InitialRating, 1)
	want := InitialRating + first + second

	for round := 0; round < 10; round++ {
		s := newRecorder(t)
		var wg sync.WaitGroup
		for _, rival := range []string{"blake", "casey"} {
			wg.Add(1)
			go func(rival string) {
				defer wg.Done()
				err := s.Record(ctx, Outcome{
					Service: "guess",
					Winners: []string{"alex"},
					Losers:  []string{rival},
				})
				if err != nil {
					t.Errorf("Record vs %s err: %v", rival, err)
				}
			}(rival)
		}
		wg.Wait()

		// Both rivals start at the initial rating, so the two contests
		// commute and the serialized result is exact.
		alex, err := s.RatingOf(ctx, "alex", "guess")
		if err != nil {
			t.Fatalf("RatingOf err: %v", err)
		}
		if alex != want {
			t.Fatalf("round %d: alex = %d after two concurrent wins, want %d", round, alex, want)
		}
		u, err := s.load(ctx, "alex")
		if err != nil {
			t.Fatalf("load err: %v", err)
		}
		if n := len(u.Ratings["guess"].History); n != 2 {
			t.Fatalf("round %d: history entries = %d, want 2", round, n)
		}
	}
}

func TestRecordEmptyOutcomeIsNoop(t *testing.T) {
	s := newRecorder(t)
	if err := s.Record(context.Background(), Outcome{Service: "guess"}); err != nil {
		t.Fatalf("empty Record err: %v", err)
	}
}

func TestRecordKeepsHistoryWithStandings(t *testing.T) {
	s := newRecorder(t)
	ctx := context.Background()
	s.Record(ctx, Outcome{Service: "guess", Winners: []string{"alex"}, Losers: []string{"blake"}})
	s.Record(ctx, Outcome{Service: "guess", Winners: []string{"blake"}, Losers: []string{"alex"}})

	u, err := s.load(ctx, "alex")
	if err != nil {
		t.Fatalf("load err: %v", err)
	}
	sr := u.Ratings["guess"]
	if sr == nil || len(sr.History) != 2 {
		t.Fatalf("history = %+v, want 2 entries", sr)
	}
	last := sr.History[1]
	if last.Standings["alex"] != sr.Rating {
		t.Fatalf("standings snapshot %v disagrees with rating %d", last.Standings, sr.Rating)
	}
	if len(last.Standings) != 2 {
		t.Fatalf("standings should cover all participants, got %v", last.Standings)
	}
}

func TestRatingsIsolatedPerService(t *testing.T) {
	s := newRecorder(t)
	ctx := context.Background()
	s.Record(ctx, Outcome{Service: "guess", Winners: []string{"alex"}, Losers: []string{"blake"}})

	r, err := s.RatingOf(ctx, "alex", "brownie")
	if err != nil {
		t.Fatalf("RatingOf err: %v", err)
	}
	if r != InitialRating {
		t.Fatalf("brownie rating = %d, want untouched %d", r, InitialRating)
	}
}
