package games

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"parlor/internal/table"
	"parlor/runner"
	"parlor/termlog"
)

const (
	guessMin       = 1
	guessMax       = 100
	guessTimeoutMs = 30_000
)

// Guess is a closest-guess contest: a hidden number is drawn, every seated
// member is prompted for one guess, and whoever lands nearest wins. Ties at
// the minimum distance are all winners.
func Guess() *table.Service {
	return table.NewService("guess", table.AnyOf(2), func(t *table.Table) runner.Game {
		return &guess{t: t, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
	})
}

// GuessFixed is Guess with a deterministic target, for tests.
func GuessFixed(target int) *table.Service {
	return table.NewService("guess", table.AnyOf(2), func(t *table.Table) runner.Game {
		return &guess{t: t, target: target}
	})
}

type guess struct {
	t      *table.Table
	rng    *rand.Rand
	target int
}

func (g *guess) Auto() (*runner.Result, error) {
	target := g.target
	if target == 0 {
		target = g.rng.Intn(guessMax-guessMin+1) + guessMin
	}

	members := g.t.Members()
	for _, m := range g.t.Everyone() {
		_ = m.Log().Send(fmt.Sprintf("A number between %d and %d has been chosen. Closest guess wins.", guessMin, guessMax))
	}

	lo, hi := float64(guessMin), float64(guessMax)
	answers := make([]any, len(members))
	var wg sync.WaitGroup
	for i, m := range members {
		wg.Add(1)
		go func(i int, m table.Member) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*guessTimeoutMs*time.Millisecond)
			defer cancel()
			v, err := m.Log().Ask(ctx, termlog.Prompt{
				Name:      "guess",
				Type:      termlog.PromptNumber,
				Message:   fmt.Sprintf("Your guess (%d-%d)?", guessMin, guessMax),
				Min:       &lo,
				Max:       &hi,
				TimeoutMs: guessTimeoutMs,
			})
			if err == nil {
				answers[i] = v
			}
		}(i, m)
	}
	wg.Wait()

	best := math.MaxFloat64
	dists := make([]float64, len(members))
	for i := range members {
		d := math.MaxFloat64
		if v, ok := toNumber(answers[i]); ok {
			d = math.Abs(v - float64(target))
		}
		dists[i] = d
		if d < best {
			best = d
		}
	}

	result := &runner.Result{}
	for i, m := range members {
		if dists[i] == best {
			result.Winners = append(result.Winners, m.Name())
		} else {
			result.Losers = append(result.Losers, m.Name())
		}
	}
	for _, m := range g.t.Everyone() {
		_ = m.Log().Send(fmt.Sprintf("The number was %d. Winners: %v", target, result.Winners))
	}
	return result, nil
}

// toNumber accepts the value shapes a resolution can arrive in: native
// numbers from in-process responders and json.Number or float64 from the
// wire.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
