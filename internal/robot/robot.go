// Package robot provides synthetic, fully automated seat occupants. Each
// robot owns its own activity log and an auto-responder that answers every
// prompt issued on it, so a robot never blocks a table.
package robot

import (
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"parlor/termlog"
)

// Robot is a synthetic occupant. It satisfies the table Member contract and
// is always considered ready.
type Robot struct {
	name  string
	log   *termlog.Log
	unsub func()
}

func (r *Robot) Name() string      { return r.name }
func (r *Robot) Log() *termlog.Log { return r.log }
func (r *Robot) Robot() bool       { return true }

// Manager tracks live robots and hands out non-colliding names.
type Manager struct {
	mu     sync.Mutex
	robots map[string]*Robot
	rng    *rand.Rand
	nextID uint64
}

// NewManager creates an empty robot manager.
func NewManager() *Manager {
	return &Manager{
		robots: make(map[string]*Robot),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Spawn creates a robot with a fresh log and starts its auto-responder.
func (m *Manager) Spawn() *Robot {
	m.mu.Lock()
	m.nextID++
	name := fmt.Sprintf("robot_%d", m.nextID)
	m.mu.Unlock()

	r := &Robot{
		name: name,
		log:  termlog.New("robot:" + name),
	}
	// A short think delay keeps robot answers out of the notifying
	// goroutine's stack and paces multi-robot tables naturally.
	r.unsub = r.log.Subscribe(func(index int) {
		if index < 0 {
			return
		}
		e := r.log.Entry(index)
		if e == nil || e.Kind != termlog.EntryPrompt || e.Prompt.Answered {
			return
		}
		delay := time.Duration(10+m.think()) * time.Millisecond
		time.AfterFunc(delay, func() {
			if err := r.log.RespondAt(index, answerFor(r.name, e.Prompt)); err != nil {
				// Resolved elsewhere or torn down in the meantime.
				return
			}
		})
	})

	m.mu.Lock()
	m.robots[name] = r
	m.mu.Unlock()
	log.Printf("[Robot] Spawned %s", name)
	return r
}

func (m *Manager) think() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Intn(30)
}

// Despawn stops the auto-responder and finishes the robot's log.
func (m *Manager) Despawn(r *Robot) {
	if r == nil {
		return
	}
	m.mu.Lock()
	delete(m.robots, r.name)
	m.mu.Unlock()

	if r.unsub != nil {
		r.unsub()
	}
	r.log.Finish()
	log.Printf("[Robot] Despawned %s", r.name)
}

// IsRobot reports whether the name belongs to a live robot.
func (m *Manager) IsRobot(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.robots[name] != nil
}

// Count returns the number of live robots.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.robots)
}

// answerFor picks a plausible answer for any prompt shape: the prompt's own
// initial value when present, the first enabled choice of a select, bounds
// for numbers, true for confirms, the robot's name for free text.
func answerFor(name string, p *termlog.Prompt) any {
	if p.Initial != nil {
		return p.Initial
	}
	switch p.Type {
	case termlog.PromptSelect:
		for _, c := range p.Choices {
			if !c.Disabled {
				return c.Value
			}
		}
		return nil
	case termlog.PromptConfirm:
		return true
	case termlog.PromptNumber:
		if p.Min != nil {
			return *p.Min
		}
		if p.Max != nil {
			return *p.Max
		}
		return float64(0)
	default:
		return name
	}
}
