package session

// ModeKind names the three states of a chat session.
type ModeKind int

const (
	ModeNewChat ModeKind = iota
	ModeContinuing
	ModeViewingHistory
)

func (k ModeKind) String() string {
	switch k {
	case ModeContinuing:
		return "continuing"
	case ModeViewingHistory:
		return "viewing_history"
	default:
		return "new_chat"
	}
}

// Mode is the session state together with the conversation it points at.
type Mode struct {
	Kind           ModeKind
	ConversationID string
}

func NewChat() Mode {
	return Mode{Kind: ModeNewChat}
}

func Continuing(id string) Mode {
	return Mode{Kind: ModeContinuing, ConversationID: id}
}

func ViewingHistory(id string) Mode {
	return Mode{Kind: ModeViewingHistory, ConversationID: id}
}

// InputEnabled reports whether the user may submit messages in this mode.
func (m Mode) InputEnabled() bool {
	return m.Kind != ModeViewingHistory
}
