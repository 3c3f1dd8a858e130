package lobby

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"parlor/internal/table"
	"parlor/termlog"
)

// Session is one connected agent: an activity log plus the orchestrator's
// view of where that agent is in the naming/service/table state machine.
// Fields are guarded by the session's own mutex; the lobby mutex only
// guards the registries.
type Session struct {
	id    string
	log   *termlog.Log
	lobby *Lobby

	mu       sync.Mutex
	name     string
	svc      *table.Service
	tbl      *table.Table
	lastSeen time.Time
	seen     map[string]int // consumed Inputs() count per prompt name

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Name returns the registered name, empty while anonymous.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Log returns the session's activity log.
func (s *Session) Log() *termlog.Log { return s.log }

// Robot satisfies the table member contract; sessions are never robots.
func (s *Session) Robot() bool { return false }

// ID returns the log id backing this session.
func (s *Session) ID() string { return s.id }

// Touch records keep-alive activity, deferring expiry.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Session) expired(window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastSeen) > window
}

func (s *Session) snapshot() (name string, svc *table.Service, tbl *table.Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name, s.svc, s.tbl
}

// Attach wraps a connection's log in a session and starts its drive task.
func (l *Lobby) Attach(tl *termlog.Log) *Session {
	s := &Session{
		id:       tl.ID(),
		log:      tl,
		lobby:    l,
		lastSeen: time.Now(),
		seen:     make(map[string]int),
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	l.mu.Lock()
	l.sessions[s.id] = s
	l.mu.Unlock()

	go s.drive(ctx)
	return s
}

// Close tears the session down: explicit disconnects and expiry both land
// here. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.lobby.Offline(s)
		s.log.Finish()
	})
}

// drive is the per-connection maintenance task. Each pass issues (or
// reissues, clobbering the pending instance) the prompt matching the
// session's current state, waits a bounded interval, and dispatches any
// resolution exactly once.
func (s *Session) drive(ctx context.Context) {
	defer s.Close()
	for {
		if ctx.Err() != nil {
			return
		}
		if s.log.Finished() {
			return
		}
		if s.expired(s.lobby.expireAfter) {
			log.Printf("[Lobby] session %s expired", s.id)
			return
		}

		name, svc, tbl := s.snapshot()
		switch {
		case name == "":
			s.passName(ctx)
		case svc == nil:
			s.passService(ctx)
		default:
			s.passMenu(ctx, svc, tbl)
		}
	}
}

// awaitInput issues spec (clobbering any pending instance so history never
// grows by more than one entry per distinct issuance) and returns the next
// unconsumed resolution, waiting at most one pass interval. The consumed
// counter makes dispatch exactly-once even when a resolution lands between
// passes.
func (s *Session) awaitInput(ctx context.Context, spec termlog.Prompt) (any, bool) {
	if v, ok := s.nextInput(spec.Name); ok {
		return v, true
	}
	spec.Clobber = true
	pd, _, err := s.log.Prompt(spec)
	if err != nil {
		return nil, false
	}
	wctx, cancel := context.WithTimeout(ctx, s.lobby.passEvery)
	defer cancel()
	_, _ = pd.Wait(wctx)
	return s.nextInput(spec.Name)
}

func (s *Session) nextInput(name string) (any, bool) {
	vals := s.log.Inputs(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(vals) <= s.seen[name] {
		return nil, false
	}
	v := vals[s.seen[name]]
	s.seen[name]++
	return v, true
}

func (s *Session) passName(ctx context.Context) {
	v, ok := s.awaitInput(ctx, termlog.Prompt{
		Name:    "name",
		Type:    termlog.PromptText,
		Message: "What is your name?",
	})
	if !ok {
		return
	}
	name, _ := v.(string)
	if name == "" {
		sendEvent(s.log, Event{Kind: EvError, Error: "name must not be empty"})
		return
	}
	s.Touch()
	if err := s.lobby.Online(s, name); err != nil {
		sendEvent(s.log, Event{Kind: EvError, Error: err.Error()})
	}
}

func (s *Session) passService(ctx context.Context) {
	names := s.lobby.ServiceNames()
	choices := make([]termlog.Choice, 0, len(names))
	for _, n := range names {
		choices = append(choices, termlog.Choice{Label: n, Value: n})
	}
	v, ok := s.awaitInput(ctx, termlog.Prompt{
		Name:    "service",
		Type:    termlog.PromptSelect,
		Message: "Pick a service",
		Choices: choices,
	})
	if !ok {
		return
	}
	s.Touch()
	service, _ := v.(string)
	if err := s.lobby.JoinService(s, service); err != nil {
		sendEvent(s.log, Event{Kind: EvError, Error: err.Error()})
	}
}

// passMenu recomputes the menu choice set from live state on every pass, so
// enabled and disabled options track what the agent can actually do now.
func (s *Session) passMenu(ctx context.Context, svc *table.Service, tbl *table.Table) {
	v, ok := s.awaitInput(ctx, termlog.Prompt{
		Name:    "menu",
		Type:    termlog.PromptSelect,
		Message: "What next?",
		Choices: s.menuChoices(svc, tbl),
	})
	if !ok {
		return
	}
	s.Touch()
	choice, _ := v.(string)
	s.dispatch(choice)
}

func (s *Session) menuChoices(svc *table.Service, tbl *table.Table) []termlog.Choice {
	var out []termlog.Choice
	add := func(label, value string, enabled bool) {
		out = append(out, termlog.Choice{Label: label, Value: value, Disabled: !enabled})
	}

	if tbl == nil {
		seats := svc.Seats()
		if counts := seats.Counts(); len(counts) > 0 {
			for _, n := range counts {
				add(fmt.Sprintf("create a %d-seat table", n), fmt.Sprintf("create-table:%d", n), true)
			}
		} else {
			add("create a table", "create-table", true)
		}
		for _, t := range svc.Tables() {
			add("join table "+t.ID(), "join-table:"+t.ID(), true)
		}
		add("leave service", "leave-service", true)
		add("go offline", "offline", true)
		return out
	}

	name := s.Name()
	seated := tbl.SeatOf(name) >= 0
	running := tbl.Runner() != nil
	ready := seated && tbl.SeatReady(name)

	add("sit down", "sit", !seated && !tbl.Full())
	add("stand up", "stand", seated)
	add("ready", "ready", seated && !ready && !running)
	add("unready", "unready", ready && !running)
	add("invite robot", "invite-robot", !tbl.Full())
	add("boot robot", "boot-robot", len(tbl.Robots()) > 0)
	add("leave table", "leave-table", true)
	add("go offline", "offline", true)
	return out
}

// dispatch executes one menu transition. State-machine violations are
// reported back on the originating connection and swallowed; they never
// abort the drive task.
func (s *Session) dispatch(choice string) {
	l := s.lobby
	var err error
	switch {
	case choice == "create-table":
		_, err = l.CreateTable(s, 0)
	case len(choice) > len("create-table:") && choice[:len("create-table:")] == "create-table:":
		var n int
		if _, convErr := fmt.Sscanf(choice[len("create-table:"):], "%d", &n); convErr != nil {
			err = table.ErrInvalidSeats
		} else {
			_, err = l.CreateTable(s, n)
		}
	case len(choice) > len("join-table:") && choice[:len("join-table:")] == "join-table:":
		err = l.JoinTable(s, choice[len("join-table:"):])
	case choice == "leave-table":
		err = l.LeaveTable(s)
	case choice == "sit":
		err = l.Sit(s, -1)
	case choice == "stand":
		err = l.Stand(s)
	case choice == "ready":
		err = l.Ready(s)
	case choice == "unready":
		err = l.Unready(s)
	case choice == "invite-robot":
		err = l.InviteRobot(s)
	case choice == "boot-robot":
		err = l.BootRobot(s)
	case choice == "leave-service":
		err = l.LeaveService(s)
	case choice == "offline":
		s.Close()
		return
	default:
		err = fmt.Errorf("unknown choice %q", choice)
	}
	if err != nil {
		sendEvent(s.log, Event{Kind: EvError, Error: err.Error()})
	}
}
