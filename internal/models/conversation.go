package models

import "time"

// Conversation is a persisted snapshot of a transcript.
type Conversation struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner,omitempty"`
	Messages  []Message `json:"messages"`
	Timestamp time.Time `json:"timestamp"`
}

// Clone returns a copy that shares no message storage with c.
func (c Conversation) Clone() Conversation {
	out := c
	if c.Messages != nil {
		out.Messages = make([]Message, len(c.Messages))
		copy(out.Messages, c.Messages)
	}
	return out
}
