package termlog

import (
	"context"
	"log"
	"reflect"
	"time"
)

const (
	// DefaultResyncThrottle limits how often a fallback full fetch runs.
	DefaultResyncThrottle = 10 * time.Second
	heartbeatInterval     = 25 * time.Second
)

// Notice is the push payload the authority emits after every mutation.
type Notice struct {
	LogID     string `json:"log_id"`
	LastEntry *Entry `json:"last_entry"`
	Length    int    `json:"history_length"`
}

// Source fetches remaining history from the authoritative log.
type Source interface {
	History(ctx context.Context, logID string, start int) ([]*Entry, error)
}

// Replica keeps a local copy of a remote log reconciled against the
// authority. Notices are applied through two fast paths (plain append,
// in-place resolve of the tail prompt); anything else falls back to a
// throttled incremental fetch. Push loss degrades to poll-only.
type Replica struct {
	local    *Log
	src      Source
	throttle time.Duration

	lastFetch time.Time
}

// NewReplica wraps local as a mirror of the remote log reachable via src.
func NewReplica(local *Log, src Source) *Replica {
	return &Replica{local: local, src: src, throttle: DefaultResyncThrottle}
}

// SetThrottle overrides the fallback fetch throttle (tests use a short one).
func (r *Replica) SetThrottle(d time.Duration) { r.throttle = d }

// Log returns the local mirror.
func (r *Replica) Log() *Log { return r.local }

// Apply reconciles one notice into the local mirror.
func (r *Replica) Apply(ctx context.Context, n Notice) error {
	l := r.local
	l.mu.Lock()
	localLen := len(l.entries)

	// Append fast-path: exactly one entry ahead.
	if n.Length == localLen+1 && n.LastEntry != nil {
		r.applyAppendLocked(n.LastEntry)
		return nil
	}

	// Patch fast-path: same length, our tail is an unresolved prompt and the
	// notice carries that same prompt resolved or clobber-overwritten.
	if n.Length == localLen && localLen > 0 && n.LastEntry != nil {
		tail := l.entries[localLen-1]
		if reflect.DeepEqual(tail, n.LastEntry) {
			l.mu.Unlock()
			return nil
		}
		if tail.pendingPrompt() &&
			n.LastEntry.Kind == EntryPrompt &&
			n.LastEntry.Prompt != nil &&
			n.LastEntry.Prompt.Name == tail.Prompt.Name {
			r.applyPatchLocked(localLen-1, n.LastEntry)
			return nil
		}
	}

	// Fallback resync, throttled.
	if time.Since(r.lastFetch) < r.throttle {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return r.Resync(ctx)
}

// Resync fetches the remaining history and splice-replaces the local tail.
// If the local tail is a still-pending prompt the fetch starts one entry
// earlier to pick up an in-flight resolution.
func (r *Replica) Resync(ctx context.Context) error {
	l := r.local
	l.mu.Lock()
	start := len(l.entries)
	if start > 0 && l.entries[start-1].pendingPrompt() {
		start--
	}
	l.mu.Unlock()

	entries, err := r.src.History(ctx, l.ID(), start)
	if err != nil {
		return err
	}
	r.lastFetch = time.Now()

	l.mu.Lock()
	changed := r.spliceLocked(start, entries)
	if !changed {
		l.mu.Unlock()
		return nil
	}
	fired := l.rebuildDerivedLocked()
	handlers := l.invalidateLocked()
	l.mu.Unlock()

	for _, w := range fired {
		close(w.done)
	}
	// One notification per reconciliation pass that changed state.
	fire(handlers, l.Len()-1)
	return nil
}

// applyAppendLocked appends one remote entry; releases the lock.
func (r *Replica) applyAppendLocked(e *Entry) {
	l := r.local
	l.entries = append(l.entries, e.clone())
	index := len(l.entries) - 1
	fired := l.rebuildDerivedLocked()
	handlers := l.invalidateLocked()
	l.mu.Unlock()

	for _, w := range fired {
		close(w.done)
	}
	fire(handlers, index)
}

// applyPatchLocked splice-replaces the entry at index; releases the lock.
func (r *Replica) applyPatchLocked(index int, e *Entry) {
	l := r.local
	l.entries[index] = e.clone()
	fired := l.rebuildDerivedLocked()
	handlers := l.invalidateLocked()
	l.mu.Unlock()

	for _, w := range fired {
		close(w.done)
	}
	fire(handlers, index)
}

// spliceLocked replaces the local tail from start with the fetched entries
// and reports whether anything actually changed.
func (r *Replica) spliceLocked(start int, entries []*Entry) bool {
	l := r.local
	if start > len(l.entries) {
		start = len(l.entries)
	}
	next := make([]*Entry, 0, start+len(entries))
	next = append(next, l.entries[:start]...)
	for _, e := range entries {
		next = append(next, e.clone())
	}
	if len(next) == len(l.entries) {
		same := true
		for i := start; i < len(next); i++ {
			if !reflect.DeepEqual(next[i], l.entries[i]) {
				same = false
				break
			}
		}
		if same {
			return false
		}
	}
	l.entries = next
	return true
}

// rebuildDerivedLocked recomputes the pending/input projections as a pure
// fold over the entry prefix and returns any waiters whose entries resolved
// remotely; the caller closes them outside the lock.
func (l *Log) rebuildDerivedLocked() []*Pending {
	l.pending = make(map[string][]int)
	l.input = make(map[string]any)
	l.inputs = make(map[string][]any)
	newest := make(map[string]int)

	var fired []*Pending
	for i, e := range l.entries {
		if e.Kind != EntryPrompt || e.Prompt == nil {
			continue
		}
		name := e.Prompt.Name
		newest[name] = i
		if e.Prompt.Answered {
			l.inputs[name] = append(l.inputs[name], e.Prompt.Resolved)
			if w := l.waiters[i]; w != nil {
				fired = append(fired, w)
				delete(l.waiters, i)
			}
			continue
		}
		l.pending[name] = append(l.pending[name], i)
	}
	for name, i := range newest {
		if e := l.entries[i]; e.Prompt.Answered {
			l.input[name] = e.Prompt.Resolved
		}
	}
	return fired
}

// Run consumes push notices until ctx is done, keeping the channel alive
// with a periodic ping. A closed notice channel or a failed ping degrades to
// poll-only resync at the throttle interval; no data is lost, only latency.
func (r *Replica) Run(ctx context.Context, notices <-chan Notice, ping func() error) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-notices:
			if !ok {
				log.Printf("[Replica %s] push channel lost, degrading to poll", r.local.ID())
				return r.poll(ctx)
			}
			if err := r.Apply(ctx, n); err != nil {
				// Reconciliation failures are retried, never fatal.
				log.Printf("[Replica %s] reconcile failed: %v", r.local.ID(), err)
			}
		case <-ticker.C:
			if ping == nil {
				continue
			}
			if err := ping(); err != nil {
				log.Printf("[Replica %s] ping failed: %v, degrading to poll", r.local.ID(), err)
				return r.poll(ctx)
			}
		}
	}
}

func (r *Replica) poll(ctx context.Context) error {
	ticker := time.NewTicker(r.throttle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Resync(ctx); err != nil {
				log.Printf("[Replica %s] poll resync failed: %v", r.local.ID(), err)
			}
		}
	}
}
