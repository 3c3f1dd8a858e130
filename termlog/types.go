package termlog

import "time"

// Entry kinds.
const (
	EntryStdout = "stdout"
	EntryPrompt = "prompt"
)

// PromptType distinguishes how a prompt should be presented.
type PromptType string

const (
	PromptText    PromptType = "text"
	PromptNumber  PromptType = "number"
	PromptSelect  PromptType = "select"
	PromptConfirm PromptType = "confirm"
)

// Choice is one option of a select prompt. Disabled choices are shown but
// not accepted as answers.
type Choice struct {
	Label    string `json:"label"`
	Value    any    `json:"value"`
	Disabled bool   `json:"disabled,omitempty"`
}

// Prompt is a named request for input. It is pending until resolved exactly
// once; Answered marks the resolution as having happened, so a nil Resolved
// value is distinguishable from "not resolved yet".
type Prompt struct {
	Name    string     `json:"name"`
	Type    PromptType `json:"type"`
	Message string     `json:"message"`
	Choices []Choice   `json:"choices,omitempty"`
	Initial any        `json:"initial,omitempty"`
	Min     *float64   `json:"min,omitempty"`
	Max     *float64   `json:"max,omitempty"`
	// TimeoutMs auto-resolves the prompt to Initial once elapsed.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
	// Clobber overwrites the newest still-pending prompt with the same
	// name in place instead of appending a new entry.
	Clobber  bool `json:"clobber,omitempty"`
	Resolved any  `json:"resolved,omitempty"`
	Answered bool `json:"answered,omitempty"`
}

func (p *Prompt) clone() *Prompt {
	c := *p
	c.Choices = append([]Choice(nil), p.Choices...)
	return &c
}

// Entry is one record of a log's history. Entries are never deleted; the
// index in the log is their permanent identity. Only prompt resolution (and
// clobber overwrite of a still-pending prompt) mutates an entry after append.
type Entry struct {
	Kind   string    `json:"kind"`
	Text   string    `json:"text,omitempty"`
	Prompt *Prompt   `json:"prompt,omitempty"`
	At     time.Time `json:"at"`
}

func (e *Entry) pendingPrompt() bool {
	return e.Kind == EntryPrompt && e.Prompt != nil && !e.Prompt.Answered
}

func (e *Entry) clone() *Entry {
	c := *e
	if e.Prompt != nil {
		c.Prompt = e.Prompt.clone()
	}
	return &c
}
