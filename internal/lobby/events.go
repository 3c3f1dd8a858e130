package lobby

import (
	"encoding/json"
	"log"

	"parlor/internal/table"
	"parlor/termlog"
)

// Event status kinds broadcast to interested connections.
const (
	EvOnline       = "online"
	EvOffline      = "offline"
	EvJoinedSvc    = "joined-service"
	EvLeftSvc      = "left-service"
	EvCreatedTable = "created-table"
	EvJoinedTable  = "joined-table"
	EvLeftTable    = "left-table"
	EvSatDown      = "sat-down"
	EvStoodUp      = "stood-up"
	EvReady        = "ready"
	EvUnready      = "unready"
	EvStartSvc     = "start-service"
	EvEndSvc       = "end-service"
	EvTell         = "tell"
	EvError        = "error"
)

// Event is the status message fanned out on state transitions.
type Event struct {
	Kind     string   `json:"kind"`
	From     string   `json:"from,omitempty"`
	Service  string   `json:"service,omitempty"`
	Table    string   `json:"table,omitempty"`
	Instance string   `json:"instance,omitempty"`
	Seat     *int     `json:"seat,omitempty"`
	Members  []string `json:"members,omitempty"`
	Winners  []string `json:"winners,omitempty"`
	Losers   []string `json:"losers,omitempty"`
	Text     string   `json:"text,omitempty"`
	Error    string   `json:"error,omitempty"`
}

func sendEvent(tl *termlog.Log, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[Lobby] marshal event %q: %v", ev.Kind, err)
		return
	}
	if err := tl.Send(string(data)); err != nil {
		// Finished logs are torn down by their own task; nothing to do.
		return
	}
}

// broadcastEveryone fans an event to every named connection.
func (l *Lobby) broadcastEveryone(ev Event) {
	l.mu.Lock()
	logs := make([]*termlog.Log, 0, len(l.byName))
	for _, s := range l.byName {
		logs = append(logs, s.log)
	}
	l.mu.Unlock()
	for _, tl := range logs {
		sendEvent(tl, ev)
	}
}

// broadcastLounge fans an event to every member of a service's lounge.
func (l *Lobby) broadcastLounge(service string, ev Event) {
	l.mu.Lock()
	logs := make([]*termlog.Log, 0, len(l.byName))
	for _, s := range l.byName {
		s.mu.Lock()
		in := s.svc != nil && s.svc.Name() == service
		s.mu.Unlock()
		if in {
			logs = append(logs, s.log)
		}
	}
	l.mu.Unlock()
	for _, tl := range logs {
		sendEvent(tl, ev)
	}
}

// broadcastTable fans an event to everyone at the table, seats and
// observers alike.
func (l *Lobby) broadcastTable(t *table.Table, ev Event) {
	for _, m := range t.Everyone() {
		sendEvent(m.Log(), ev)
	}
}
