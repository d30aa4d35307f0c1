// Package session implements the daemon's conversation state: an in-memory
// registry of live sessions and a durable journal store with an index for
// cheap restart recovery.
package session

import (
	"time"
)

// State is the externally observable lifecycle state of a session.
type State string

const (
	StateActive State = "active"
	StateEnded  State = "ended"
)

// Message is one entry in a session's append-only conversation log.
type Message struct {
	Role      string    `json:"role"` // "user" or "agent"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandInfo records that a turn in this session materialized a command.
type CommandInfo struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is one conversation thread keyed by a caller-chosen id and bound
// to one agent persona. Messages are append-only; once a prefix has been
// written to the journal it is never rewritten.
type Session struct {
	ID               string       `json:"id"`
	Agent            string       `json:"agent"`
	State            State        `json:"state"`
	CreatedAt        time.Time    `json:"created_at"`
	LastActive       time.Time    `json:"last_active"`
	Messages         []Message    `json:"messages"`
	CommandGenerated *CommandInfo `json:"command_generated,omitempty"`

	// ObjectID names the journal object this session persists to. Empty
	// until the first save; a fresh session reusing an ended session's id
	// gets a new object so the old journal survives as history.
	ObjectID string `json:"object_id,omitempty"`
}

// New creates an active session for the given id and agent.
func New(id, agent string) *Session {
	now := time.Now()
	return &Session{
		ID:         id,
		Agent:      agent,
		State:      StateActive,
		CreatedAt:  now,
		LastActive: now,
		Messages:   []Message{},
	}
}

// Append adds a message to the log and bumps the activity timestamp.
func (s *Session) Append(role, content string) {
	now := time.Now()
	s.Messages = append(s.Messages, Message{Role: role, Content: content, Timestamp: now})
	s.LastActive = now
}

// DanglingUserTail reports whether the log ends in a user message with no
// agent reply, and returns its content. Used to de-duplicate retries after
// a backend failure.
func (s *Session) DanglingUserTail() (string, bool) {
	if len(s.Messages) == 0 {
		return "", false
	}
	last := s.Messages[len(s.Messages)-1]
	if last.Role == "user" {
		return last.Content, true
	}
	return "", false
}

// Clone returns a deep copy safe to read outside the session's turn lock.
func (s *Session) Clone() *Session {
	c := *s
	c.Messages = append([]Message(nil), s.Messages...)
	if s.CommandGenerated != nil {
		info := *s.CommandGenerated
		c.CommandGenerated = &info
	}
	return &c
}

// Summary is the lightweight view of a session used by memory responses
// and the persistence index.
type Summary struct {
	ID           string    `json:"id"`
	Agent        string    `json:"agent"`
	State        State     `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastActive   time.Time `json:"last_active"`
	MessageCount int       `json:"message_count"`
}

// Summarize builds the summary view of the session.
func (s *Session) Summarize() Summary {
	return Summary{
		ID:           s.ID,
		Agent:        s.Agent,
		State:        s.State,
		CreatedAt:    s.CreatedAt,
		LastActive:   s.LastActive,
		MessageCount: len(s.Messages),
	}
}
