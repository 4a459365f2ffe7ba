package chat

import "github.com/google/uuid"

// Session is the ephemeral per-client identifier. It exists only in
// memory: created at mount, discarded on panic purge or reload, never
// persisted anywhere.
type Session struct {
	ID string
}

// NewSession mints a fresh session identifier.
func NewSession() Session {
	return Session{ID: uuid.NewString()}
}
