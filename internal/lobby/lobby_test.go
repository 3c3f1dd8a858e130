package lobby

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"parlor/games"
	"parlor/internal/rating"
	"parlor/internal/store"
	"parlor/internal/table"
	"parlor/runner"
	"parlor/termlog"
)

func newTestLobby(t *testing.T, services ...*table.Service) (*Lobby, *rating.Service) {
	t.Helper()
	st := store.NewMemory()
	ratings := rating.NewService(st)
	l := New(st, ratings)
	l.SetPassEvery(20 * time.Millisecond)
	l.SetExpireAfter(time.Minute)
	for _, svc := range services {
		l.RegisterService(svc)
	}
	return l, ratings
}

func attach(t *testing.T, l *Lobby, id string) (*termlog.Log, *Session) {
	t.Helper()
	tl := termlog.New(id)
	s := l.Attach(tl)
	t.Cleanup(s.Close)
	return tl, s
}

// answer waits for a pending prompt with the given name and resolves it.
func answer(t *testing.T, tl *termlog.Log, name string, value any) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if tl.PendingCount(name) > 0 {
			if err := tl.RespondTo(name, value); err == nil {
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("prompt %q never pending on %s", name, tl.ID())
}

// waitEvent scans the log until a status event matches.
func waitEvent(t *testing.T, tl *termlog.Log, kind string, match func(Event) bool) Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range tl.Entries(0) {
			if e.Kind != termlog.EntryStdout {
				continue
			}
			var ev Event
			if json.Unmarshal([]byte(e.Text), &ev) != nil {
				continue
			}
			if ev.Kind == kind && (match == nil || match(ev)) {
				return ev
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("event %q never observed on %s", kind, tl.ID())
	return Event{}
}

func waitNamed(t *testing.T, l *Lobby, name string) *Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s := l.SessionByName(name); s != nil {
			return s
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("session %q never came online", name)
	return nil
}

func TestBrownieEndToEnd(t *testing.T) {
	svc := games.Brownie()
	l, _ := newTestLobby(t, svc)

	tl, _ := attach(t, l, "c1")
	answer(t, tl, "name", "alex")
	waitNamed(t, l, "alex")
	answer(t, tl, "service", "brownie")
	answer(t, tl, "menu", "create-table")
	answer(t, tl, "menu", "sit")
	answer(t, tl, "menu", "ready")

	end := waitEvent(t, tl, EvEndSvc, nil)
	if len(end.Winners) != 1 || end.Winners[0] != "alex" {
		t.Fatalf("winners = %v, want [alex]", end.Winners)
	}
	if end.Error != "" {
		t.Fatalf("unexpected error result: %q", end.Error)
	}
}

func TestGuessEndToEnd(t *testing.T) {
	svc := games.GuessFixed(4)
	l, ratings := newTestLobby(t, svc)

	alexLog, _ := attach(t, l, "c1")
	blakeLog, _ := attach(t, l, "c2")

	answer(t, alexLog, "name", "alex")
	waitNamed(t, l, "alex")
	answer(t, blakeLog, "name", "blake")
	waitNamed(t, l, "blake")

	answer(t, alexLog, "service", "guess")
	waitEvent(t, alexLog, EvJoinedSvc, func(ev Event) bool { return ev.From == "alex" })
	answer(t, blakeLog, "service", "guess")
	waitEvent(t, blakeLog, EvJoinedSvc, func(ev Event) bool { return ev.From == "blake" })
	answer(t, alexLog, "menu", "create-table")
	created := waitEvent(t, blakeLog, EvCreatedTable, nil)

	answer(t, alexLog, "menu", "sit")
	answer(t, blakeLog, "menu", "join-table:"+created.Table)
	answer(t, blakeLog, "menu", "sit")
	answer(t, alexLog, "menu", "ready")
	answer(t, blakeLog, "menu", "ready")

	waitEvent(t, alexLog, EvStartSvc, nil)
	answer(t, alexLog, "guess", 4)
	answer(t, blakeLog, "guess", 5)

	end := waitEvent(t, alexLog, EvEndSvc, nil)
	if len(end.Winners) != 1 || end.Winners[0] != "alex" {
		t.Fatalf("winners = %v, want [alex]", end.Winners)
	}
	if len(end.Losers) != 1 || end.Losers[0] != "blake" {
		t.Fatalf("losers = %v, want [blake]", end.Losers)
	}

	// Ratings settle shortly after the end broadcast.
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r, err := ratings.RatingOf(ctx, "alex", "guess"); err == nil && r > rating.InitialRating {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	alexRating, _ := ratings.RatingOf(ctx, "alex", "guess")
	blakeRating, _ := ratings.RatingOf(ctx, "blake", "guess")
	if alexRating != rating.InitialRating+rating.K/2 {
		t.Fatalf("alex rating = %d, want %d", alexRating, rating.InitialRating+rating.K/2)
	}
	if blakeRating != rating.InitialRating-rating.K/2 {
		t.Fatalf("blake rating = %d, want %d", blakeRating, rating.InitialRating-rating.K/2)
	}
}

func TestDisconnectMidGameAborts(t *testing.T) {
	svc := games.GuessFixed(50)
	l, _ := newTestLobby(t, svc)

	alexLog, _ := attach(t, l, "c1")
	blakeLog, blake := attach(t, l, "c2")

	answer(t, alexLog, "name", "alex")
	waitNamed(t, l, "alex")
	answer(t, blakeLog, "name", "blake")
	waitNamed(t, l, "blake")

	answer(t, alexLog, "service", "guess")
	waitEvent(t, alexLog, EvJoinedSvc, func(ev Event) bool { return ev.From == "alex" })
	answer(t, blakeLog, "service", "guess")
	waitEvent(t, blakeLog, EvJoinedSvc, func(ev Event) bool { return ev.From == "blake" })
	answer(t, alexLog, "menu", "create-table")
	created := waitEvent(t, blakeLog, EvCreatedTable, nil)

	answer(t, alexLog, "menu", "sit")
	answer(t, blakeLog, "menu", "join-table:"+created.Table)
	answer(t, blakeLog, "menu", "sit")
	answer(t, alexLog, "menu", "ready")
	answer(t, blakeLog, "menu", "ready")
	waitEvent(t, alexLog, EvStartSvc, nil)

	// Blake drops mid-game without answering the guess prompt.
	blake.Close()

	end := waitEvent(t, alexLog, EvEndSvc, nil)
	if len(end.Winners) != 1 || end.Winners[0] != "alex" {
		t.Fatalf("winners = %v, want [alex]", end.Winners)
	}
	if len(end.Losers) != 1 || end.Losers[0] != "blake" {
		t.Fatalf("losers = %v, want [blake]", end.Losers)
	}
	if end.Error == "" {
		t.Fatalf("abort result should carry a reason")
	}
	if !blakeLog.Finished() {
		t.Fatalf("disconnected session log not finished")
	}
}

func TestRobotFillsSeatAndPlays(t *testing.T) {
	svc := games.GuessFixed(4)
	l, _ := newTestLobby(t, svc)

	tl, _ := attach(t, l, "c1")
	answer(t, tl, "name", "alex")
	waitNamed(t, l, "alex")
	answer(t, tl, "service", "guess")
	answer(t, tl, "menu", "create-table")
	answer(t, tl, "menu", "sit")
	answer(t, tl, "menu", "invite-robot")
	answer(t, tl, "menu", "ready")

	waitEvent(t, tl, EvStartSvc, nil)
	answer(t, tl, "guess", 4)

	// The robot guesses the lower bound; alex hit the target exactly.
	end := waitEvent(t, tl, EvEndSvc, nil)
	if len(end.Winners) != 1 || end.Winners[0] != "alex" {
		t.Fatalf("winners = %v, want [alex]", end.Winners)
	}
	if l.robots.Count() != 0 {
		t.Fatalf("robots not despawned after instance end")
	}
}

func TestNameInUse(t *testing.T) {
	l, _ := newTestLobby(t, games.Brownie())

	firstLog, _ := attach(t, l, "c1")
	answer(t, firstLog, "name", "alex")
	waitNamed(t, l, "alex")

	secondLog, _ := attach(t, l, "c2")
	answer(t, secondLog, "name", "alex")
	ev := waitEvent(t, secondLog, EvError, nil)
	if ev.Error != ErrNameInUse.Error() {
		t.Fatalf("error = %q, want %q", ev.Error, ErrNameInUse)
	}

	// The name prompt comes back and a fresh name succeeds.
	answer(t, secondLog, "name", "blake")
	waitNamed(t, l, "blake")
}

func TestTellRoutesToRecipient(t *testing.T) {
	l, _ := newTestLobby(t, games.Brownie())

	alexLog, alex := attach(t, l, "c1")
	blakeLog, _ := attach(t, l, "c2")
	answer(t, alexLog, "name", "alex")
	waitNamed(t, l, "alex")
	answer(t, blakeLog, "name", "blake")
	waitNamed(t, l, "blake")

	if err := l.Tell(alex, "blake", "hello there"); err != nil {
		t.Fatalf("Tell err: %v", err)
	}
	ev := waitEvent(t, blakeLog, EvTell, nil)
	if ev.From != "alex" || ev.Text != "hello there" {
		t.Fatalf("tell = %+v", ev)
	}
	if err := l.Tell(alex, "nobody", "hi"); err != ErrUnknownRecipient {
		t.Fatalf("Tell unknown err = %v, want ErrUnknownRecipient", err)
	}
}

func TestSessionExpires(t *testing.T) {
	l, _ := newTestLobby(t, games.Brownie())
	l.SetExpireAfter(150 * time.Millisecond)

	tl, _ := attach(t, l, "c1")
	answer(t, tl, "name", "alex")
	waitNamed(t, l, "alex")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if tl.Finished() && l.SessionByName("alex") == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("idle session never expired")
}

func TestOfflineChoiceTearsDown(t *testing.T) {
	l, _ := newTestLobby(t, games.Brownie())

	tl, _ := attach(t, l, "c1")
	answer(t, tl, "name", "alex")
	waitNamed(t, l, "alex")
	answer(t, tl, "service", "brownie")
	answer(t, tl, "menu", "offline")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if tl.Finished() && l.SessionByName("alex") == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("offline choice did not tear the session down")
}

func TestNormalizeResultUniversalTie(t *testing.T) {
	got := normalizeResult(&runner.Result{Losers: []string{"a", "b"}})
	if len(got.Winners) != 2 || len(got.Losers) != 0 {
		t.Fatalf("normalize = %+v, want all promoted to winners", got)
	}
	// A single loser is a real loss, not a tie.
	got = normalizeResult(&runner.Result{Losers: []string{"a"}})
	if len(got.Winners) != 0 || len(got.Losers) != 1 {
		t.Fatalf("normalize single loser = %+v, want unchanged", got)
	}
	if got := normalizeResult(nil); got == nil {
		t.Fatalf("normalize nil should yield empty result")
	}
}
