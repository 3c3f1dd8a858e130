package termlog

import (
	"context"
	"sync"
	"testing"
	"time"
)

// authoritySource serves history straight from an in-process log and counts
// fetches so tests can assert which reconciliation path ran.
type authoritySource struct {
	log *Log

	mu      sync.Mutex
	fetches int
}

func (s *authoritySource) History(_ context.Context, _ string, start int) ([]*Entry, error) {
	s.mu.Lock()
	s.fetches++
	s.mu.Unlock()
	return s.log.Entries(start), nil
}

func (s *authoritySource) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func (s *authoritySource) notice() Notice {
	n := Notice{LogID: s.log.ID(), Length: s.log.Len()}
	if n.Length > 0 {
		n.LastEntry = s.log.Entry(n.Length - 1)
	}
	return n
}

func newReplicaFixture(t *testing.T) (*Log, *authoritySource, *Replica) {
	t.Helper()
	authority := New("remote")
	src := &authoritySource{log: authority}
	r := NewReplica(New("remote"), src)
	return authority, src, r
}

func TestApplyAppendFastPath(t *testing.T) {
	authority, src, r := newReplicaFixture(t)
	ctx := context.Background()

	if err := authority.Send("hello"); err != nil {
		t.Fatalf("Send err: %v", err)
	}
	if err := r.Apply(ctx, src.notice()); err != nil {
		t.Fatalf("Apply err: %v", err)
	}
	if got := r.Log().Len(); got != 1 {
		t.Fatalf("replica Len = %d, want 1", got)
	}
	if e := r.Log().Entry(0); e.Text != "hello" {
		t.Fatalf("replica entry = %+v", e)
	}
	if src.fetchCount() != 0 {
		t.Fatalf("append fast path must not fetch, fetches = %d", src.fetchCount())
	}
}

func TestApplyResolveFastPath(t *testing.T) {
	authority, src, r := newReplicaFixture(t)
	ctx := context.Background()

	authority.Prompt(Prompt{Name: "color", Type: PromptText})
	if err := r.Apply(ctx, src.notice()); err != nil {
		t.Fatalf("Apply append err: %v", err)
	}
	if _, ok := r.Log().Input("color"); ok {
		t.Fatalf("replica Input defined while pending")
	}

	authority.RespondTo("color", "red")
	if err := r.Apply(ctx, src.notice()); err != nil {
		t.Fatalf("Apply resolve err: %v", err)
	}
	v, ok := r.Log().Input("color")
	if !ok || v != "red" {
		t.Fatalf("replica Input = %v, %v; want red, true", v, ok)
	}
	if src.fetchCount() != 0 {
		t.Fatalf("resolve fast path must not fetch, fetches = %d", src.fetchCount())
	}
}

func TestApplyClobberPatch(t *testing.T) {
	authority, src, r := newReplicaFixture(t)
	ctx := context.Background()

	authority.Prompt(Prompt{Name: "menu", Type: PromptSelect, Message: "old"})
	r.Apply(ctx, src.notice())

	authority.Prompt(Prompt{Name: "menu", Type: PromptSelect, Message: "new", Clobber: true})
	if err := r.Apply(ctx, src.notice()); err != nil {
		t.Fatalf("Apply clobber err: %v", err)
	}
	if got := r.Log().Len(); got != 1 {
		t.Fatalf("replica Len = %d, want 1", got)
	}
	if e := r.Log().Entry(0); e.Prompt == nil || e.Prompt.Message != "new" {
		t.Fatalf("replica tail = %+v, want clobbered message", e)
	}
	if src.fetchCount() != 0 {
		t.Fatalf("clobber patch must not fetch, fetches = %d", src.fetchCount())
	}
}

func TestApplyFallbackResync(t *testing.T) {
	authority, src, r := newReplicaFixture(t)
	ctx := context.Background()

	// Replica missed two notices; the third cannot append or patch.
	authority.Send("one")
	authority.Send("two")
	authority.Send("three")
	if err := r.Apply(ctx, src.notice()); err != nil {
		t.Fatalf("Apply err: %v", err)
	}
	if got := r.Log().Len(); got != 3 {
		t.Fatalf("replica Len = %d, want 3", got)
	}
	if src.fetchCount() != 1 {
		t.Fatalf("fetches = %d, want 1", src.fetchCount())
	}
}

func TestResyncThrottled(t *testing.T) {
	authority, src, r := newReplicaFixture(t)
	r.SetThrottle(time.Hour)
	ctx := context.Background()

	authority.Send("one")
	authority.Send("two")
	if err := r.Apply(ctx, src.notice()); err != nil {
		t.Fatalf("first Apply err: %v", err)
	}
	if src.fetchCount() != 1 {
		t.Fatalf("fetches = %d, want 1", src.fetchCount())
	}

	authority.Send("three")
	authority.Send("four")
	if err := r.Apply(ctx, src.notice()); err != nil {
		t.Fatalf("second Apply err: %v", err)
	}
	if src.fetchCount() != 1 {
		t.Fatalf("throttled Apply fetched anyway, fetches = %d", src.fetchCount())
	}
	if got := r.Log().Len(); got != 2 {
		t.Fatalf("replica Len = %d, want 2 while throttled", got)
	}
}

func TestResyncBacksOffPendingTail(t *testing.T) {
	authority, src, r := newReplicaFixture(t)
	ctx := context.Background()

	authority.Prompt(Prompt{Name: "q", Type: PromptText})
	r.Apply(ctx, src.notice())

	// Authority resolved the prompt and moved on; the replica's pending tail
	// makes the fetch start one entry early so the resolution is picked up.
	authority.RespondTo("q", "answer")
	authority.Send("after")
	authority.Send("more")
	if err := r.Resync(ctx); err != nil {
		t.Fatalf("Resync err: %v", err)
	}
	if got := r.Log().Len(); got != 3 {
		t.Fatalf("replica Len = %d, want 3", got)
	}
	v, ok := r.Log().Input("q")
	if !ok || v != "answer" {
		t.Fatalf("replica Input = %v, %v; want answer, true", v, ok)
	}
}

func TestRunDegradesToPoll(t *testing.T) {
	authority, _, r := newReplicaFixture(t)
	r.SetThrottle(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	notices := make(chan Notice)
	close(notices) // push channel lost immediately

	authority.Send("only via poll")
	_ = r.Run(ctx, notices, nil)
	if got := r.Log().Len(); got != 1 {
		t.Fatalf("replica Len = %d after poll window, want 1", got)
	}
}
