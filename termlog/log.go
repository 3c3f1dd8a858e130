package termlog

import (
	"context"
	"sync"
	"time"
)

// Log is the append-only activity history of a single connection: stdout
// entries interleaved with named prompts. All mutation goes through Send,
// Prompt, the Respond family and Finish; subscribers observe every mutation.
type Log struct {
	id string

	mu       sync.Mutex
	entries  []*Entry
	pending  map[string][]int // prompt name -> pending entry indexes, ascending
	input    map[string]any   // last known resolved value per name
	inputs   map[string][]any // all historical resolved values per name
	waiters  map[int]*Pending // entry index -> resolution future
	gen      map[int]uint64   // entry index -> issuance generation, bumped on clobber
	subs     map[int]func(index int)
	nextSub  int
	views    map[string]*view
	owner    string
	finished bool
	endedAt  time.Time
}

// Pending is the resolution future of one prompt entry. It completes exactly
// once, either through a respond, a timeout, or Finish.
type Pending struct {
	log   *Log
	index int
	done  chan struct{}
}

// Index is the entry index this future belongs to.
func (p *Pending) Index() int { return p.index }

// Done is closed when the entry has been resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Value returns the resolved value. ok is false while still pending.
func (p *Pending) Value() (value any, ok bool) {
	p.log.mu.Lock()
	defer p.log.mu.Unlock()
	pr := p.log.entries[p.index].Prompt
	if pr == nil || !pr.Answered {
		return nil, false
	}
	return pr.Resolved, true
}

// Wait blocks until the entry is resolved or ctx is done.
func (p *Pending) Wait(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		v, _ := p.Value()
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// New creates an empty live log.
func New(id string) *Log {
	return &Log{
		id:      id,
		pending: make(map[string][]int),
		input:   make(map[string]any),
		inputs:  make(map[string][]any),
		waiters: make(map[int]*Pending),
		gen:     make(map[int]uint64),
		subs:    make(map[int]func(int)),
		views:   make(map[string]*view),
	}
}

// ID returns the log identifier.
func (l *Log) ID() string { return l.id }

// Claim records the current remote owner, last writer wins. The claim is
// advisory metadata for the transport layer, which mediates who may write
// to a log; the respond path itself does not check it.
func (l *Log) Claim(owner string) {
	l.mu.Lock()
	l.owner = owner
	l.mu.Unlock()
}

// Owner returns the current claim holder.
func (l *Log) Owner() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Entry returns a copy of the entry at index, or nil if out of range.
func (l *Log) Entry(index int) *Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= len(l.entries) {
		return nil
	}
	return l.entries[index].clone()
}

// Entries returns a copy of the history from start onward.
func (l *Log) Entries(start int) []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if start < 0 {
		start = 0
	}
	if start >= len(l.entries) {
		return nil
	}
	out := make([]*Entry, 0, len(l.entries)-start)
	for _, e := range l.entries[start:] {
		out = append(out, e.clone())
	}
	return out
}

// Finished reports whether Finish has been called.
func (l *Log) Finished() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.finished
}

// EndedAt returns the terminal timestamp, zero while live.
func (l *Log) EndedAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.endedAt
}

// Input returns the last known resolved value for name. ok is false when the
// most recent prompt entry for name is still unresolved (or none exists).
func (l *Log) Input(name string) (value any, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	value, ok = l.input[name]
	return value, ok
}

// Inputs returns every historical resolved value for name, oldest first.
func (l *Log) Inputs(name string) []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]any(nil), l.inputs[name]...)
}

// PendingCount returns how many prompt entries with name are unresolved.
func (l *Log) PendingCount(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending[name])
}

// Send appends a stdout entry.
func (l *Log) Send(message string) error {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return ErrFinished
	}
	l.entries = append(l.entries, &Entry{Kind: EntryStdout, Text: message, At: time.Now()})
	index := len(l.entries) - 1
	handlers := l.invalidateLocked()
	l.mu.Unlock()

	fire(handlers, index)
	return nil
}

// Prompt issues a named prompt and returns its resolution future. If an
// unresolved prompt with the same name exists and the new spec either sets
// Clobber or already carries an answer, the newest such pending entry is
// overwritten in place (clobbered=true) and any older duplicates are
// force-resolved as stale; otherwise a new entry is appended.
func (l *Log) Prompt(spec Prompt) (pd *Pending, clobbered bool, err error) {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return nil, false, ErrFinished
	}

	pr := spec.clone()
	var fired []*Pending
	var index int

	dupes := l.pending[pr.Name]
	if len(dupes) > 0 && (pr.Clobber || pr.Answered) {
		index = dupes[len(dupes)-1]
		// Older duplicates for the same name are stale: complete their
		// futures with no value and drop them from the pending set
		// without touching input history.
		for _, old := range dupes[:len(dupes)-1] {
			l.entries[old].Prompt.Answered = true
			if w := l.waiters[old]; w != nil {
				fired = append(fired, w)
				delete(l.waiters, old)
			}
		}
		l.pending[pr.Name] = []int{index}
		l.entries[index].Prompt = pr
		// The overwrite invalidates any timeout armed for the previous
		// issuance at this index.
		l.gen[index]++
		clobbered = true
	} else {
		l.entries = append(l.entries, &Entry{Kind: EntryPrompt, Prompt: pr, At: time.Now()})
		index = len(l.entries) - 1
		l.pending[pr.Name] = append(l.pending[pr.Name], index)
		// A fresh unresolved prompt clears the last known input until
		// this entry resolves.
		delete(l.input, pr.Name)
	}

	pd = l.waiters[index]
	if pd == nil {
		pd = &Pending{log: l, index: index, done: make(chan struct{})}
		l.waiters[index] = pd
	}

	if pr.Answered {
		fired = append(fired, l.resolveLocked(index, pr.Resolved))
	} else if pr.TimeoutMs > 0 {
		l.armTimeoutLocked(index, pr)
	}

	handlers := l.invalidateLocked()
	l.mu.Unlock()

	fire(handlers, index)
	for _, w := range fired {
		if w != nil {
			close(w.done)
		}
	}
	return pd, clobbered, nil
}

// Ask is the blocking convenience over Prompt.
func (l *Log) Ask(ctx context.Context, spec Prompt) (any, error) {
	pd, _, err := l.Prompt(spec)
	if err != nil {
		return nil, err
	}
	return pd.Wait(ctx)
}

func (l *Log) armTimeoutLocked(index int, pr *Prompt) {
	initial := pr.Initial
	gen := l.gen[index]
	time.AfterFunc(time.Duration(pr.TimeoutMs)*time.Millisecond, func() {
		l.mu.Lock()
		// The timeout only applies to the issuance that armed it: a racing
		// respond, a finish, or a clobber overwrite all make it a no-op.
		if l.finished || l.gen[index] != gen {
			l.mu.Unlock()
			return
		}
		e := l.entries[index]
		if e.Prompt == nil || e.Prompt.Answered {
			l.mu.Unlock()
			return
		}
		_ = l.finishRespondLocked(index, initial)
	})
}

// Respond resolves the single oldest pending prompt across all names.
func (l *Log) Respond(value any) error {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return ErrFinished
	}
	index := -1
	for i, e := range l.entries {
		if e.pendingPrompt() {
			index = i
			break
		}
	}
	if index < 0 {
		l.mu.Unlock()
		return ErrUnknownPrompt
	}
	return l.finishRespondLocked(index, value)
}

// RespondTo resolves the oldest pending prompt with the given name.
func (l *Log) RespondTo(name string, value any) error {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return ErrFinished
	}
	idxs := l.pending[name]
	if len(idxs) == 0 {
		l.mu.Unlock()
		return ErrUnknownPrompt
	}
	return l.finishRespondLocked(idxs[0], value)
}

// RespondAt resolves the prompt entry at an exact index.
func (l *Log) RespondAt(index int, value any) error {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return ErrFinished
	}
	if index < 0 || index >= len(l.entries) {
		l.mu.Unlock()
		return ErrUnknownPrompt
	}
	e := l.entries[index]
	if e.Kind != EntryPrompt || e.Prompt == nil {
		l.mu.Unlock()
		return ErrUnknownPrompt
	}
	if e.Prompt.Answered {
		l.mu.Unlock()
		return ErrAlreadyResolved
	}
	return l.finishRespondLocked(index, value)
}

// finishRespondLocked completes a respond on a known-pending index. The lock
// is held on entry and released before notification.
func (l *Log) finishRespondLocked(index int, value any) error {
	w := l.resolveLocked(index, value)
	handlers := l.invalidateLocked()
	l.mu.Unlock()

	if w != nil {
		close(w.done)
	}
	fire(handlers, index)
	return nil
}

// resolveLocked writes the resolved value, updates input bookkeeping and
// detaches the waiter, which the caller must close outside the lock.
func (l *Log) resolveLocked(index int, value any) *Pending {
	pr := l.entries[index].Prompt
	pr.Resolved = value
	pr.Answered = true

	idxs := l.pending[pr.Name]
	for i, idx := range idxs {
		if idx == index {
			l.pending[pr.Name] = append(idxs[:i:i], idxs[i+1:]...)
			break
		}
	}
	if len(l.pending[pr.Name]) == 0 {
		delete(l.pending, pr.Name)
	}

	// input is defined iff the most recent entry for this name is resolved.
	if l.newestEntryForLocked(pr.Name) == index {
		l.input[pr.Name] = value
	}
	l.inputs[pr.Name] = append(l.inputs[pr.Name], value)

	w := l.waiters[index]
	delete(l.waiters, index)
	return w
}

func (l *Log) newestEntryForLocked(name string) int {
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Kind == EntryPrompt && l.entries[i].Prompt.Name == name {
			return i
		}
	}
	return -1
}

// Finish terminates the log: idempotent, force-completes every pending
// prompt future with no value, and makes all subsequent mutation fail.
func (l *Log) Finish() {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return
	}
	l.finished = true
	l.endedAt = time.Now()

	var fired []*Pending
	for name, idxs := range l.pending {
		for _, idx := range idxs {
			l.entries[idx].Prompt.Answered = true
			if w := l.waiters[idx]; w != nil {
				fired = append(fired, w)
				delete(l.waiters, idx)
			}
		}
		delete(l.pending, name)
	}
	handlers := l.invalidateLocked()
	l.mu.Unlock()

	for _, w := range fired {
		close(w.done)
	}
	fire(handlers, -1)
}

// AbandonPending force-resolves every still-pending prompt with no value
// without terminating the log. Used when an activity is torn down so no
// agent is left hanging on a prompt that will never be answered.
func (l *Log) AbandonPending() {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return
	}
	var fired []*Pending
	for name, idxs := range l.pending {
		for _, idx := range idxs {
			l.entries[idx].Prompt.Answered = true
			if w := l.waiters[idx]; w != nil {
				fired = append(fired, w)
				delete(l.waiters, idx)
			}
		}
		delete(l.pending, name)
	}
	if len(fired) == 0 {
		l.mu.Unlock()
		return
	}
	handlers := l.invalidateLocked()
	l.mu.Unlock()

	for _, w := range fired {
		close(w.done)
	}
	fire(handlers, -1)
}

// Subscribe registers a handler invoked with the mutated index after every
// append, patch, resolve and finish (finish passes -1). The returned token
// unsubscribes and is safe to call during a notification pass.
func (l *Log) Subscribe(handler func(index int)) (unsubscribe func()) {
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = handler
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

// invalidateLocked marks every derived view dirty and snapshots the current
// handler set for notification outside the lock.
func (l *Log) invalidateLocked() []func(int) {
	for _, v := range l.views {
		v.dirty = true
	}
	out := make([]func(int), 0, len(l.subs))
	for _, fn := range l.subs {
		out = append(out, fn)
	}
	return out
}

func fire(handlers []func(int), index int) {
	for _, fn := range handlers {
		fn(index)
	}
}
