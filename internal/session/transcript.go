package session

import "supportchat/internal/models"

// Transcript is the ordered message list of the displayed conversation. Operations never
// modify a transcript in place; they return a new one.
type Transcript []models.Message

// NewTranscript starts a fresh chat with the greeting.
func NewTranscript(greeting string) Transcript {
	return Transcript{{Role: models.RoleAssistant, Content: greeting}}
}

func (t Transcript) Clone() Transcript {
	if t == nil {
		return nil
	}
	out := make(Transcript, len(t))
	copy(out, t)
	return out
}

// Append returns a copy of t with msgs added at the end.
func (t Transcript) Append(msgs ...models.Message) Transcript {
	out := make(Transcript, 0, len(t)+len(msgs))
	out = append(out, t...)
	return append(out, msgs...)
}

// AppendToLast returns a copy of t whose last message has delta concatenated to its content.
func (t Transcript) AppendToLast(delta string) Transcript {
	if len(t) == 0 {
		return t
	}
	out := t.Clone()
	last := out[len(out)-1]
	last.Content += delta
	out[len(out)-1] = last
	return out
}

// Last returns the trailing message.
func (t Transcript) Last() (models.Message, bool) {
	if len(t) == 0 {
		return models.Message{}, false
	}
	return t[len(t)-1], true
}

// Messages exposes the transcript as a plain message slice copy.
func (t Transcript) Messages() []models.Message {
	return []models.Message(t.Clone())
}
