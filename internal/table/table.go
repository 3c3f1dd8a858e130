package table

import (
	"log"
	"sync"

	"github.com/google/uuid"

	"parlor/runner"
)

type seat struct {
	member Member
	ready  bool
}

func (s *seat) occupied() bool { return s.member != nil }

func (s *seat) isReady() bool {
	if s.member == nil {
		return false
	}
	return s.member.Robot() || s.ready
}

// Table is one matchmaking unit: a row of seats plus observers, owning at
// most one live runner instance at a time.
type Table struct {
	id  string
	svc *Service

	mu        sync.Mutex
	seats     []seat
	observers map[string]Member
	run       *runner.Runner
	instance  string
	starting  bool
}

// ID returns the table identifier.
func (t *Table) ID() string { return t.id }

// Service returns the owning service.
func (t *Table) Service() *Service { return t.svc }

// SeatCount returns the number of seats.
func (t *Table) SeatCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seats)
}

// Join adds a member as an observer.
func (t *Table) Join(m Member) {
	t.mu.Lock()
	t.observers[m.Name()] = m
	t.mu.Unlock()
}

// Leave removes a member entirely: seat and observer slot.
func (t *Table) Leave(name string) {
	t.mu.Lock()
	delete(t.observers, name)
	for i := range t.seats {
		if t.seats[i].occupied() && t.seats[i].member.Name() == name {
			t.seats[i] = seat{}
		}
	}
	t.mu.Unlock()
}

// Sit seats a member. Pass -1 for first-available-ascending assignment; a
// specific seat fails with ErrInvalidSeat when out of range and ErrSeatTaken
// when occupied. A full table fails with ErrTableFull.
func (t *Table) Sit(m Member, position int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if position >= 0 {
		if position >= len(t.seats) {
			return -1, ErrInvalidSeat
		}
		if t.seats[position].occupied() {
			return -1, ErrSeatTaken
		}
		t.seats[position] = seat{member: m}
		return position, nil
	}
	for i := range t.seats {
		if !t.seats[i].occupied() {
			t.seats[i] = seat{member: m}
			return i, nil
		}
	}
	return -1, ErrTableFull
}

// Stand vacates the member's seat, clearing readiness with it.
func (t *Table) Stand(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.seats {
		if t.seats[i].occupied() && t.seats[i].member.Name() == name {
			t.seats[i] = seat{}
			return nil
		}
	}
	return ErrNotSitting
}

// SeatOf returns the member's seat index, or -1.
func (t *Table) SeatOf(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seatOfLocked(name)
}

func (t *Table) seatOfLocked(name string) int {
	for i := range t.seats {
		if t.seats[i].occupied() && t.seats[i].member.Name() == name {
			return i
		}
	}
	return -1
}

// Ready marks a seated member ready.
func (t *Table) Ready(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.seatOfLocked(name)
	if i < 0 {
		return ErrNotSitting
	}
	if t.seats[i].isReady() {
		return ErrAlreadyReady
	}
	t.seats[i].ready = true
	return nil
}

// SeatReady reports whether name is seated and marked ready.
func (t *Table) SeatReady(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.seatOfLocked(name)
	return i >= 0 && t.seats[i].isReady()
}

// Unready clears a seated member's readiness.
func (t *Table) Unready(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.seatOfLocked(name)
	if i < 0 {
		return ErrNotSitting
	}
	if !t.seats[i].ready {
		return ErrNotReady
	}
	t.seats[i].ready = false
	return nil
}

// SeatRobot seats a robot at the first vacant seat.
func (t *Table) SeatRobot(m Member) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.seats {
		if !t.seats[i].occupied() {
			t.seats[i] = seat{member: m}
			return i, nil
		}
	}
	return -1, ErrNoVacantSeat
}

// BootRobot removes one robot (highest seat first) and returns it so the
// caller can finish its log.
func (t *Table) BootRobot() (Member, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.seats) - 1; i >= 0; i-- {
		if t.seats[i].occupied() && t.seats[i].member.Robot() {
			m := t.seats[i].member
			t.seats[i] = seat{}
			return m, nil
		}
	}
	return nil, ErrNoRobots
}

// Robots returns every robot currently seated.
func (t *Table) Robots() []Member {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Member
	for i := range t.seats {
		if t.seats[i].occupied() && t.seats[i].member.Robot() {
			out = append(out, t.seats[i].member)
		}
	}
	return out
}

// Full reports whether every seat is occupied.
func (t *Table) Full() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fullLocked()
}

func (t *Table) fullLocked() bool {
	for i := range t.seats {
		if !t.seats[i].occupied() {
			return false
		}
	}
	return true
}

// IsReady reports whether the table is full and every occupant is ready.
func (t *Table) IsReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readyLocked()
}

func (t *Table) readyLocked() bool {
	if !t.fullLocked() {
		return false
	}
	for i := range t.seats {
		if !t.seats[i].isReady() {
			return false
		}
	}
	return true
}

// Empty reports no seats occupied and no observers.
func (t *Table) Empty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.observers) > 0 {
		return false
	}
	for i := range t.seats {
		if t.seats[i].occupied() {
			return false
		}
	}
	return true
}

// Members returns the seated members in seat order.
func (t *Table) Members() []Member {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.membersLocked()
}

func (t *Table) membersLocked() []Member {
	out := make([]Member, 0, len(t.seats))
	for i := range t.seats {
		if t.seats[i].occupied() {
			out = append(out, t.seats[i].member)
		}
	}
	return out
}

// Observers returns members watching without a seat.
func (t *Table) Observers() []Member {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Member, 0, len(t.observers))
	for _, m := range t.observers {
		seated := false
		for i := range t.seats {
			if t.seats[i].occupied() && t.seats[i].member == m {
				seated = true
				break
			}
		}
		if !seated {
			out = append(out, m)
		}
	}
	return out
}

// Everyone returns seated members and observers, deduplicated.
func (t *Table) Everyone() []Member {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[string]bool)
	var out []Member
	for i := range t.seats {
		if t.seats[i].occupied() {
			out = append(out, t.seats[i].member)
			seen[t.seats[i].member.Name()] = true
		}
	}
	for name, m := range t.observers {
		if !seen[name] {
			out = append(out, m)
		}
	}
	return out
}

// Runner returns the live runner instance, or nil.
func (t *Table) Runner() *runner.Runner {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run
}

// InstanceID returns the live instance id, empty when idle.
func (t *Table) InstanceID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.instance
}

// TryStart manufactures a runner through the service factory when the table
// is ready and no instance is live. The check-and-set happens under the
// table mutex, so a racing second "last ready" finds the runner already set
// and starts nothing.
func (t *Table) TryStart() (instanceID string, r *runner.Runner, started bool) {
	t.mu.Lock()
	if t.run != nil || t.starting || !t.readyLocked() {
		t.mu.Unlock()
		return "", nil, false
	}
	// Reserve the slot before releasing the lock; the factory may call
	// back into the table.
	t.starting = true
	names := make([]string, 0, len(t.seats))
	for _, m := range t.membersLocked() {
		names = append(names, m.Name())
	}
	t.mu.Unlock()

	game := t.svc.factory(t)
	r = runner.New(game, names)
	instanceID = uuid.NewString()

	t.mu.Lock()
	t.run = r
	t.instance = instanceID
	t.starting = false
	t.mu.Unlock()
	log.Printf("[Table %s] instance %s starting with %v", t.id, instanceID, names)
	return instanceID, r, true
}

// FinishInstance releases the runner slot after a result: readiness is
// force-cleared on every seat and any robots are unseated and returned so
// the caller can finish their logs.
func (t *Table) FinishInstance() []Member {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.run = nil
	t.instance = ""
	var robots []Member
	for i := range t.seats {
		t.seats[i].ready = false
		if t.seats[i].occupied() && t.seats[i].member.Robot() {
			robots = append(robots, t.seats[i].member)
			t.seats[i] = seat{}
		}
	}
	return robots
}

// Abort cancels the live runner with the given reason and force-resolves
// every outstanding prompt of every member's log so no agent is left
// hanging. Safe to call with no instance live.
func (t *Table) Abort(reason runner.AbortReason) {
	t.mu.Lock()
	run := t.run
	everyone := t.membersLocked()
	for _, m := range t.observers {
		everyone = append(everyone, m)
	}
	t.mu.Unlock()

	if run != nil {
		run.Abort(reason)
	}
	for _, m := range everyone {
		m.Log().AbandonPending()
	}
}
