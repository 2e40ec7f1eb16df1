package models

import "time"

// Identity is the signed-in principal of a browser session. The zero value is anonymous.
type Identity struct {
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
}

// Anonymous returns the signed-out identity.
func Anonymous() Identity {
	return Identity{}
}

// SignedIn reports whether the identity belongs to a user.
func (i Identity) SignedIn() bool {
	return i.UserID != ""
}

// User is an account record.
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
