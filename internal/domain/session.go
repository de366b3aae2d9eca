package domain

import "github.com/google/uuid"

type (
	SessionID string
	// Handle identifies one Session Controller instance held by the UI layer.
	Handle string
)

func NewHandle() Handle { return Handle(uuid.NewString()) }

// Session is owned by exactly one controller for the lifetime of a call.
type Session struct {
	ID     SessionID
	IsHost bool
}

func (s Session) Role() Role { return RoleFor(s.IsHost) }
