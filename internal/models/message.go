package models

// Role tags who authored a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether the role may appear in a client transcript.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is one entry of a chat transcript.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
