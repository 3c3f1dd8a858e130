// Package lobby is the orchestrator: it turns anonymous connections into
// named users, routes them into services and tables, manages seats and
// readiness, and starts service instances with result propagation. Each
// connection is driven by its own task; shared table state is serialized by
// the table's own mutex, so no transition blocks the others.
//
// Lock ordering is lobby registry, then service, then table, then session.
// The session mutex is a leaf: member name lookups happen under a table's
// mutex, so a session must never reach back into the lobby while holding
// its own lock.
package lobby

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"parlor/internal/rating"
	"parlor/internal/robot"
	"parlor/internal/store"
	"parlor/internal/table"
	"parlor/runner"
)

const (
	// DefaultExpireAfter tears down connections with no keep-alive
	// activity for this long.
	DefaultExpireAfter = 2 * time.Minute
	// defaultPassEvery bounds how long a connection task waits on a menu
	// prompt before recomputing its choices from live state.
	defaultPassEvery = time.Second
)

// Lobby owns the service registry and all live connections.
type Lobby struct {
	store   store.Store
	locks   *store.Keyed
	ratings rating.Recorder
	robots  *robot.Manager

	expireAfter time.Duration
	passEvery   time.Duration

	mu       sync.Mutex
	services map[string]*table.Service
	sessions map[string]*Session
	byName   map[string]*Session
}

// New creates a lobby over the given store and ratings recorder.
func New(st store.Store, ratings rating.Recorder) *Lobby {
	return &Lobby{
		store:       st,
		locks:       store.NewKeyed(),
		ratings:     ratings,
		robots:      robot.NewManager(),
		expireAfter: DefaultExpireAfter,
		passEvery:   defaultPassEvery,
		services:    make(map[string]*table.Service),
		sessions:    make(map[string]*Session),
		byName:      make(map[string]*Session),
	}
}

// SetExpireAfter overrides the connection expiry window.
func (l *Lobby) SetExpireAfter(d time.Duration) { l.expireAfter = d }

// SetPassEvery overrides the menu recompute interval.
func (l *Lobby) SetPassEvery(d time.Duration) { l.passEvery = d }

// RegisterService adds a service to the registry.
func (l *Lobby) RegisterService(svc *table.Service) {
	l.mu.Lock()
	l.services[svc.Name()] = svc
	l.mu.Unlock()
	log.Printf("[Lobby] Registered service %q", svc.Name())
}

// ServiceNames returns the registered service names.
func (l *Lobby) ServiceNames() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.services))
	for name := range l.services {
		out = append(out, name)
	}
	return out
}

// SessionByName finds a connected, named session.
func (l *Lobby) SessionByName(name string) *Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byName[name]
}

// Online registers the connection's name. A name held by another connected
// agent fails with ErrNameInUse.
func (l *Lobby) Online(s *Session, name string) error {
	l.mu.Lock()
	if held := l.byName[name]; held != nil && held != s {
		l.mu.Unlock()
		return ErrNameInUse
	}
	s.mu.Lock()
	if s.name != "" {
		delete(l.byName, s.name)
	}
	s.name = name
	s.mu.Unlock()
	l.byName[name] = s
	l.mu.Unlock()

	l.persist(s)
	log.Printf("[Lobby] %s online (%s)", name, s.id)
	l.broadcastEveryone(Event{Kind: EvOnline, From: name})
	return nil
}

// Offline is the full teardown: unready, stand, leave table, leave service,
// broadcast offline, deregister. Invoked on explicit disconnect and on
// expiry.
func (l *Lobby) Offline(s *Session) {
	name, _, tbl := s.snapshot()

	if tbl != nil {
		l.departTable(s, tbl, "disconnected")
	}
	_ = l.LeaveService(s)

	l.mu.Lock()
	s.mu.Lock()
	if s.name != "" {
		delete(l.byName, s.name)
		s.name = ""
	}
	s.mu.Unlock()
	delete(l.sessions, s.id)
	l.mu.Unlock()

	if name != "" {
		log.Printf("[Lobby] %s offline (%s)", name, s.id)
		l.broadcastEveryone(Event{Kind: EvOffline, From: name})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = l.locks.WithLock("terminal/"+s.id, func() error {
		return l.store.Delete(ctx, store.KindTerminal, s.id)
	})
}

// JoinService places the session in a registered service's lounge.
func (l *Lobby) JoinService(s *Session, serviceName string) error {
	l.mu.Lock()
	svc := l.services[serviceName]
	l.mu.Unlock()
	if svc == nil {
		return ErrInvalidService
	}

	s.mu.Lock()
	if s.name == "" {
		s.mu.Unlock()
		return ErrNotNamed
	}
	s.svc = svc
	from := s.name
	s.mu.Unlock()

	l.persist(s)
	l.broadcastLounge(serviceName, Event{Kind: EvJoinedSvc, From: from, Service: serviceName})
	return nil
}

// LeaveService leaves the current lounge, leaving any table first.
func (l *Lobby) LeaveService(s *Session) error {
	from, svc, tbl := s.snapshot()
	if svc == nil {
		return ErrInvalidService
	}
	if tbl != nil {
		l.departTable(s, tbl, "stood-up")
	}

	s.mu.Lock()
	s.svc = nil
	s.mu.Unlock()

	l.persist(s)
	l.broadcastLounge(svc.Name(), Event{Kind: EvLeftSvc, From: from, Service: svc.Name()})
	return nil
}

// CreateTable allocates a table in the current service and auto-joins the
// creator. Seat counts the service's policy rejects fail with
// table.ErrInvalidSeats; pass 0 for the policy default.
func (l *Lobby) CreateTable(s *Session, seats int) (*table.Table, error) {
	from, svc, tbl := s.snapshot()
	if svc == nil {
		return nil, ErrInvalidService
	}
	if tbl != nil {
		return nil, ErrAlreadyAtTable
	}

	t, err := svc.CreateTable(seats)
	if err != nil {
		return nil, err
	}
	l.broadcastLounge(svc.Name(), Event{Kind: EvCreatedTable, From: from, Service: svc.Name(), Table: t.ID()})
	if err := l.JoinTable(s, t.ID()); err != nil {
		return nil, err
	}
	return t, nil
}

// JoinTable joins an existing table as an observer.
func (l *Lobby) JoinTable(s *Session, tableID string) error {
	from, svc, tbl := s.snapshot()
	if svc == nil {
		return ErrInvalidService
	}
	if tbl != nil {
		return ErrAlreadyAtTable
	}
	t := svc.Table(tableID)
	if t == nil {
		return ErrInvalidTable
	}

	s.mu.Lock()
	s.tbl = t
	s.mu.Unlock()

	t.Join(s)
	l.persist(s)
	l.broadcastTable(t, Event{Kind: EvJoinedTable, From: from, Table: t.ID()})
	return nil
}

// LeaveTable leaves the current table, aborting a live instance if seated.
func (l *Lobby) LeaveTable(s *Session) error {
	_, _, t := s.snapshot()
	if t == nil {
		return ErrNotAtTable
	}
	l.departTable(s, t, "stood-up")
	return nil
}

// departTable is the shared table exit path: abort a live instance when the
// departing agent holds a seat, vacate, drop observer status and prune
// empty tables.
func (l *Lobby) departTable(s *Session, t *table.Table, cause string) {
	s.mu.Lock()
	from := s.name
	s.tbl = nil
	s.mu.Unlock()

	seatIdx := t.SeatOf(from)
	if seatIdx >= 0 && t.Runner() != nil {
		t.Abort(runner.AbortReason{Actor: from, Seat: seatIdx, Cause: cause})
	}
	t.Leave(from)
	l.persist(s)
	l.broadcastTable(t, Event{Kind: EvLeftTable, From: from, Table: t.ID()})
	t.Service().Prune()
}

// Sit takes a seat at the current table: -1 for first available, or an
// explicit index that fails with table.ErrSeatTaken when occupied and
// table.ErrInvalidSeat when out of range.
func (l *Lobby) Sit(s *Session, position int) error {
	from, _, t := s.snapshot()
	if t == nil {
		return ErrNotAtTable
	}
	idx, err := t.Sit(s, position)
	if err != nil {
		return err
	}
	l.persist(s)
	l.broadcastTable(t, Event{Kind: EvSatDown, From: from, Table: t.ID(), Seat: &idx})
	l.maybeStart(t)
	return nil
}

// Stand vacates the seat; a live instance is aborted with the standing
// agent as the named actor.
func (l *Lobby) Stand(s *Session) error {
	from, _, t := s.snapshot()
	if t == nil {
		return ErrNotAtTable
	}
	seatIdx := t.SeatOf(from)
	if seatIdx < 0 {
		return table.ErrNotSitting
	}
	if t.Runner() != nil {
		t.Abort(runner.AbortReason{Actor: from, Seat: seatIdx, Cause: "stood-up"})
	}
	if err := t.Stand(from); err != nil {
		return err
	}
	l.persist(s)
	l.broadcastTable(t, Event{Kind: EvStoodUp, From: from, Table: t.ID(), Seat: &seatIdx})
	return nil
}

// Ready signals readiness; when this completes the table, a service
// instance starts exactly once.
func (l *Lobby) Ready(s *Session) error {
	from, _, t := s.snapshot()
	if t == nil {
		return ErrNotAtTable
	}
	if err := t.Ready(from); err != nil {
		return err
	}
	l.broadcastTable(t, Event{Kind: EvReady, From: from, Table: t.ID()})
	l.maybeStart(t)
	return nil
}

// Unready withdraws readiness.
func (l *Lobby) Unready(s *Session) error {
	from, _, t := s.snapshot()
	if t == nil {
		return ErrNotAtTable
	}
	if err := t.Unready(from); err != nil {
		return err
	}
	l.broadcastTable(t, Event{Kind: EvUnready, From: from, Table: t.ID()})
	return nil
}

// InviteRobot seats a synthetic fully-automated occupant at a vacant seat.
func (l *Lobby) InviteRobot(s *Session) error {
	_, _, t := s.snapshot()
	if t == nil {
		return ErrNotAtTable
	}
	bot := l.robots.Spawn()
	idx, err := t.SeatRobot(bot)
	if err != nil {
		l.robots.Despawn(bot)
		return err
	}
	l.broadcastTable(t, Event{Kind: EvSatDown, From: bot.Name(), Table: t.ID(), Seat: &idx})
	l.maybeStart(t)
	return nil
}

// BootRobot removes one robot from the table.
func (l *Lobby) BootRobot(s *Session) error {
	_, _, t := s.snapshot()
	if t == nil {
		return ErrNotAtTable
	}
	m, err := t.BootRobot()
	if err != nil {
		return err
	}
	if bot, ok := m.(*robot.Robot); ok {
		l.robots.Despawn(bot)
	}
	l.broadcastTable(t, Event{Kind: EvStoodUp, From: m.Name(), Table: t.ID()})
	return nil
}

// Tell sends a direct message to a named connection.
func (l *Lobby) Tell(s *Session, recipient, text string) error {
	l.mu.Lock()
	target := l.byName[recipient]
	l.mu.Unlock()
	if target == nil {
		return ErrUnknownRecipient
	}
	sendEvent(target.log, Event{Kind: EvTell, From: s.Name(), Text: text})
	return nil
}

// maybeStart starts the table's service instance when it is fully ready.
// The check-and-set lives inside TryStart under the table mutex, so racing
// callers start at most one runner.
func (l *Lobby) maybeStart(t *table.Table) {
	instanceID, r, started := t.TryStart()
	if !started {
		return
	}
	members := make([]string, 0, t.SeatCount())
	for _, m := range t.Members() {
		members = append(members, m.Name())
	}
	l.broadcastTable(t, Event{
		Kind:     EvStartSvc,
		Service:  t.Service().Name(),
		Table:    t.ID(),
		Instance: instanceID,
		Members:  members,
	})
	go l.runInstance(t, instanceID, r)
}

// runInstance drives the runner to completion and fans the result out.
func (l *Lobby) runInstance(t *table.Table, instanceID string, r *runner.Runner) {
	result := r.Run()
	result = normalizeResult(result)

	bots := t.FinishInstance()
	for _, m := range bots {
		if bot, ok := m.(*robot.Robot); ok {
			l.robots.Despawn(bot)
		}
	}

	l.broadcastTable(t, Event{
		Kind:     EvEndSvc,
		Service:  t.Service().Name(),
		Table:    t.ID(),
		Instance: instanceID,
		Winners:  result.Winners,
		Losers:   result.Losers,
		Error:    result.Error,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	outcome := rating.Outcome{
		Winners: withoutRobots(l.robots, result.Winners),
		Losers:  withoutRobots(l.robots, result.Losers),
		Service: t.Service().Name(),
		Error:   result.Error,
	}
	if err := l.ratings.Record(ctx, outcome); err != nil {
		log.Printf("[Lobby] record ratings for %s: %v", instanceID, err)
	}
	t.Service().Prune()
}

// normalizeResult applies the universal-tie rule: when a result carries
// multiple losers and no winners, every loser is promoted to winner
// ("universal tie means universal win").
func normalizeResult(r *runner.Result) *runner.Result {
	if r == nil {
		return &runner.Result{}
	}
	if len(r.Winners) == 0 && len(r.Losers) > 1 {
		return &runner.Result{Winners: r.Losers, Error: r.Error}
	}
	return r
}

func withoutRobots(m *robot.Manager, names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if !m.IsRobot(name) {
			out = append(out, name)
		}
	}
	return out
}

// persist writes the session's projected state through the storage
// boundary inside its named atomic section.
func (l *Lobby) persist(s *Session) {
	s.mu.Lock()
	state := map[string]any{
		"id":   s.id,
		"name": s.name,
	}
	if s.svc != nil {
		state["service"] = s.svc.Name()
	}
	if s.tbl != nil {
		state["table"] = s.tbl.ID()
	}
	s.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		log.Printf("[Lobby] marshal terminal state %s: %v", s.id, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = l.locks.WithLock("terminal/"+s.id, func() error {
		return l.store.Save(ctx, store.KindTerminal, s.id, data)
	})
	if err != nil {
		// The maintenance path logs and continues; persistence failures
		// surface to direct callers of the affected operation.
		log.Printf("[Lobby] persist terminal %s: %v", s.id, err)
	}
}
