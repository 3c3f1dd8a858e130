// Package runner drives a pluggable unit of work to completion against a set
// of named participants. The unit exposes a single Auto step that is invoked
// repeatedly until it produces a result; abort settles the result early with
// the named actor as sole loser.
package runner

import (
	"fmt"
	"log"
	"sync"
	"time"
)

const (
	// warmupDelay precedes the very first Auto call.
	warmupDelay = 100 * time.Millisecond
	// idleDelay separates Auto iterations that returned nothing.
	idleDelay = 10 * time.Millisecond
)

// Result is the single terminal outcome of one runner instance.
type Result struct {
	Winners []string `json:"winners"`
	Losers  []string `json:"losers"`
	Error   string   `json:"error,omitempty"`
}

// AbortReason carries enough structure to attribute an abort: who caused it,
// where they sat and why (stood-up, disconnected).
type AbortReason struct {
	Actor string `json:"actor"`
	Seat  int    `json:"seat"`
	Cause string `json:"cause"`
}

func (r AbortReason) Error() string {
	return fmt.Sprintf("%s (seat %d) %s", r.Actor, r.Seat, r.Cause)
}

// Game is one instance of the actual multi-user activity. Auto performs one
// step, which may block on prompts, and returns nil until a result exists.
type Game interface {
	Auto() (*Result, error)
}

// Runner executes a Game until exactly one terminal result is produced.
type Runner struct {
	game    Game
	members []string

	mu     sync.Mutex
	result *Result
	done   chan struct{}
	once   sync.Once
	hooks  []func(*Result)
}

// New creates a runner for game with the given seated member names.
func New(game Game, members []string) *Runner {
	return &Runner{
		game:    game,
		members: append([]string(nil), members...),
		done:    make(chan struct{}),
	}
}

// OnDone registers a completion hook, fired once after the result settles.
func (r *Runner) OnDone(hook func(*Result)) {
	if hook == nil {
		return
	}
	r.mu.Lock()
	r.hooks = append(r.hooks, hook)
	r.mu.Unlock()
}

// Done is closed when the result has settled.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Result returns the settled result, or nil while still running.
func (r *Runner) Result() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Run iterates Auto until a result settles. Each iteration's panic or error
// is captured into an {error} result rather than propagating, so one failing
// game never takes down its caller. Run returns the settled result.
func (r *Runner) Run() *Result {
	time.Sleep(warmupDelay)
	for {
		select {
		case <-r.done:
			return r.Result()
		default:
		}

		result, err := r.step()
		if err != nil {
			r.settle(&Result{Error: err.Error(), Losers: nil})
			return r.Result()
		}
		if result != nil {
			r.settle(result)
			return r.Result()
		}
		time.Sleep(idleDelay)
	}
}

func (r *Runner) step() (result *Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[Runner] auto step panic: %v", rec)
			result, err = nil, fmt.Errorf("auto step panic: %v", rec)
		}
	}()
	return r.game.Auto()
}

// Abort settles the result immediately as an error attributed to the named
// actor, with everyone else recorded as winners. A no-op once a result
// exists.
func (r *Runner) Abort(reason AbortReason) {
	winners := make([]string, 0, len(r.members))
	for _, name := range r.members {
		if name != reason.Actor {
			winners = append(winners, name)
		}
	}
	r.settle(&Result{
		Winners: winners,
		Losers:  []string{reason.Actor},
		Error:   reason.Error(),
	})
}

func (r *Runner) settle(result *Result) {
	r.once.Do(func() {
		r.mu.Lock()
		r.result = result
		hooks := append(([]func(*Result))(nil), r.hooks...)
		r.mu.Unlock()
		close(r.done)
		for _, hook := range hooks {
			hook(result)
		}
	})
}
