// Package table holds the matchmaking entities: services own tables, tables
// own seats, and seats hold connection-backed agents or robots. All mutation
// of one table is serialized behind its mutex so two near-simultaneous
// "last seat fills" can never double-start a game.
package table

import (
	"fmt"
	"sync"

	"parlor/runner"
	"parlor/termlog"
)

// Member is a seat occupant or table observer: a named agent backed by an
// activity log. Robots report Robot() true and are always considered ready.
type Member interface {
	Name() string
	Log() *termlog.Log
	Robot() bool
}

// Seat count policies.
const (
	seatsFixed = iota
	seatsOneOf
	seatsAny
)

// SeatPolicy is the tagged seat-count variant of a service: a fixed N, one
// of a set, or any count of at least one.
type SeatPolicy struct {
	kind    int
	n       int
	choices []int
}

// Fixed requires exactly n seats per table.
func Fixed(n int) SeatPolicy { return SeatPolicy{kind: seatsFixed, n: n} }

// OneOf allows any of the given seat counts. The first is the default.
func OneOf(ns ...int) SeatPolicy { return SeatPolicy{kind: seatsOneOf, choices: ns} }

// AnyOf allows any seat count of at least one, defaulting to fallback.
func AnyOf(fallback int) SeatPolicy { return SeatPolicy{kind: seatsAny, n: fallback} }

// Allows reports whether a table with n seats satisfies the policy.
func (p SeatPolicy) Allows(n int) bool {
	switch p.kind {
	case seatsFixed:
		return n == p.n
	case seatsOneOf:
		for _, c := range p.choices {
			if n == c {
				return true
			}
		}
		return false
	default:
		return n >= 1
	}
}

// Counts returns the enumerated seat counts, or nil when the policy is not
// an enumeration.
func (p SeatPolicy) Counts() []int {
	if p.kind != seatsOneOf {
		return nil
	}
	return append([]int(nil), p.choices...)
}

// Default returns the seat count used when a caller does not request one.
func (p SeatPolicy) Default() int {
	switch p.kind {
	case seatsOneOf:
		if len(p.choices) > 0 {
			return p.choices[0]
		}
		return 1
	default:
		if p.n < 1 {
			return 1
		}
		return p.n
	}
}

// Service is a registered kind of activity: a name, a seat policy and a
// factory manufacturing one game instance bound to a table.
type Service struct {
	name    string
	seats   SeatPolicy
	factory func(*Table) runner.Game

	mu     sync.Mutex
	tables map[string]*Table
	nextID uint64
}

// NewService registers nothing by itself; the lobby owns the registry.
func NewService(name string, seats SeatPolicy, factory func(*Table) runner.Game) *Service {
	return &Service{
		name:    name,
		seats:   seats,
		factory: factory,
		tables:  make(map[string]*Table),
	}
}

// Name returns the service name.
func (s *Service) Name() string { return s.name }

// Seats returns the seat policy.
func (s *Service) Seats() SeatPolicy { return s.seats }

// CreateTable allocates a table with seatCount seats (0 means the policy
// default). Counts the policy rejects fail with ErrInvalidSeats.
func (s *Service) CreateTable(seatCount int) (*Table, error) {
	if seatCount == 0 {
		seatCount = s.seats.Default()
	}
	if seatCount < 1 || !s.seats.Allows(seatCount) {
		return nil, ErrInvalidSeats
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t := &Table{
		id:        fmt.Sprintf("%s_t%d", s.name, s.nextID),
		svc:       s,
		seats:     make([]seat, seatCount),
		observers: make(map[string]Member),
	}
	s.tables[t.id] = t
	return t, nil
}

// Table returns a table by id, or nil.
func (s *Service) Table(id string) *Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tables[id]
}

// Tables returns all live tables.
func (s *Service) Tables() []*Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Table, 0, len(s.tables))
	for _, t := range s.tables {
		out = append(out, t)
	}
	return out
}

// Prune drops tables that are empty and not running.
func (s *Service) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tables {
		if t.Empty() && t.Runner() == nil {
			delete(s.tables, id)
		}
	}
}
