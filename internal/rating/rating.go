// Package rating settles contests into Elo ratings. Every user starts at
// 1500 per service on first reference; multi-party contests use group
// average ratings per side, and a full tie splits credit pairwise against
// the group average.
package rating

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math"
	"slices"
	"sort"
	"time"

	"parlor/internal/store"
)

const (
	// K is the Elo update factor.
	K = 32
	// InitialRating is assigned on first reference.
	InitialRating = 1500
)

// Delta is the pure Elo update: the point change for the holder of mine
// against theirs, with score 1 for a win, 0 for a loss, 0.5 for a draw.
func Delta(mine, theirs int, score float64) int {
	expected := 1.0 / (1.0 + math.Pow(10, float64(theirs-mine)/400.0))
	return int(math.Round(K * (score - expected)))
}

// HistoryEntry records one settled contest: the point delta and a snapshot
// of every participant's post-contest rating.
type HistoryEntry struct {
	Service   string         `json:"service"`
	Delta     int            `json:"delta"`
	Standings map[string]int `json:"standings"`
	At        time.Time      `json:"at"`
}

// ServiceRating is one user's rating state for one service.
type ServiceRating struct {
	Rating  int            `json:"rating"`
	History []HistoryEntry `json:"history"`
}

// User is the stored ratings document.
type User struct {
	Name    string                    `json:"name"`
	Ratings map[string]*ServiceRating `json:"ratings"`
}

// Outcome is a settled contest handed over by the orchestrator.
type Outcome struct {
	Winners []string
	Losers  []string
	Service string
	Error   string
}

// Recorder is what the orchestrator depends on.
type Recorder interface {
	Record(ctx context.Context, o Outcome) error
}

// Service persists ratings through the record store.
type Service struct {
	store store.Store
	locks *store.Keyed
}

// NewService creates a store-backed recorder.
func NewService(st store.Store) *Service {
	return &Service{store: st, locks: store.NewKeyed()}
}

// Record applies one outcome. Deltas are computed against the opposing
// side's group average; a contest with only winners is the full-tie case and
// pairs every winner against the average of the others at 0.5. The keyed
// locks of every participant are held across the whole read-modify-write so
// concurrent contests sharing a user never lose a delta.
func (s *Service) Record(ctx context.Context, o Outcome) error {
	participants := append(append([]string(nil), o.Winners...), o.Losers...)
	if len(participants) == 0 {
		return nil
	}
	return s.withUserLocks(participants, func() error {
		return s.record(ctx, o, participants)
	})
}

func (s *Service) record(ctx context.Context, o Outcome, participants []string) error {
	users := make(map[string]*User, len(participants))
	for _, name := range participants {
		u, err := s.load(ctx, name)
		if err != nil {
			return err
		}
		users[name] = u
	}
	before := make(map[string]int, len(participants))
	for name, u := range users {
		before[name] = u.ratingFor(o.Service)
	}

	deltas := make(map[string]int, len(participants))
	switch {
	case len(o.Losers) == 0:
		// Full tie: everyone draws against the group average of the rest.
		for _, name := range o.Winners {
			others := groupAverage(before, o.Winners, name)
			if others == 0 {
				deltas[name] = 0
				continue
			}
			deltas[name] = Delta(before[name], others, 0.5)
		}
	case len(o.Winners) == 0:
		// The orchestrator promotes a universal tie before recording, so
		// an all-loser outcome settles the same way as a full tie.
		for _, name := range o.Losers {
			others := groupAverage(before, o.Losers, name)
			if others == 0 {
				deltas[name] = 0
				continue
			}
			deltas[name] = Delta(before[name], others, 0.5)
		}
	default:
		winAvg := groupAverage(before, o.Winners, "")
		loseAvg := groupAverage(before, o.Losers, "")
		for _, name := range o.Winners {
			deltas[name] = Delta(before[name], loseAvg, 1)
		}
		for _, name := range o.Losers {
			deltas[name] = Delta(before[name], winAvg, 0)
		}
	}

	standings := make(map[string]int, len(participants))
	for name := range users {
		standings[name] = before[name] + deltas[name]
	}
	now := time.Now().UTC()
	for name, u := range users {
		sr := u.serviceRating(o.Service)
		sr.Rating = standings[name]
		sr.History = append(sr.History, HistoryEntry{
			Service:   o.Service,
			Delta:     deltas[name],
			Standings: standings,
			At:        now,
		})
		if err := s.save(ctx, u); err != nil {
			return err
		}
	}
	log.Printf("[Rating] Recorded %s: winners=%v losers=%v standings=%v",
		o.Service, o.Winners, o.Losers, standings)
	return nil
}

// RatingOf returns the user's current rating for a service.
func (s *Service) RatingOf(ctx context.Context, name, service string) (int, error) {
	var rating int
	err := s.withUserLocks([]string{name}, func() error {
		u, err := s.load(ctx, name)
		if err != nil {
			return err
		}
		rating = u.ratingFor(service)
		return nil
	})
	return rating, err
}

// withUserLocks runs fn holding the keyed lock of every named user,
// acquired in sorted order so overlapping contests cannot deadlock.
func (s *Service) withUserLocks(names []string, fn func() error) error {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	sorted = slices.Compact(sorted)

	var run func(i int) error
	run = func(i int) error {
		if i == len(sorted) {
			return fn()
		}
		return s.locks.WithLock("user/"+sorted[i], func() error { return run(i + 1) })
	}
	return run(0)
}

func (u *User) serviceRating(service string) *ServiceRating {
	if u.Ratings == nil {
		u.Ratings = make(map[string]*ServiceRating)
	}
	sr := u.Ratings[service]
	if sr == nil {
		sr = &ServiceRating{Rating: InitialRating}
		u.Ratings[service] = sr
	}
	return sr
}

func (u *User) ratingFor(service string) int {
	if sr := u.Ratings[service]; sr != nil {
		return sr.Rating
	}
	return InitialRating
}

// groupAverage averages ratings of names, skipping exclude. Zero means the
// group was empty.
func groupAverage(ratings map[string]int, names []string, exclude string) int {
	sum, count := 0, 0
	for _, name := range names {
		if name == exclude {
			continue
		}
		sum += ratings[name]
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / count
}

// load and save run with the caller already holding the user's keyed lock.
func (s *Service) load(ctx context.Context, name string) (*User, error) {
	var u User
	data, err := s.store.Get(ctx, store.KindUser, name)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(data, &u); err != nil {
			return nil, err
		}
	}
	if u.Name == "" {
		u.Name = name
	}
	return &u, nil
}

func (s *Service) save(ctx context.Context, u *User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return s.store.Save(ctx, store.KindUser, u.Name, data)
}
