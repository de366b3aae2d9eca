// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const (
	MaxPeerIDLen      = 64
	MaxDisplayNameLen = 64
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
)

type PeerID string

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleInvitee   Role = "invitee"
)

// RoleFor maps the host flag of a session onto the participant role.
func RoleFor(isHost bool) Role {
	if isHost {
		return RoleInitiator
	}
	return RoleInvitee
}

// Participant is a read model: registry state joined with directory metadata.
type Participant struct {
	ID          PeerID `json:"id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
	// Resolved is false while the directory lookup is pending or has failed.
	Resolved bool `json:"resolved"`
}

// PlaceholderParticipant is what a peer is listed as before (or without) enrichment.
func PlaceholderParticipant(id PeerID) Participant {
	name := string(id)
	if len(name) > MaxDisplayNameLen {
		name = name[:MaxDisplayNameLen]
	}
	return Participant{ID: id, Role: RoleInvitee, DisplayName: name}
}

// Profile is the directory's view of a participant.
type Profile struct {
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref"`
}

// Enrich applies a resolved profile on top of the placeholder.
func (p Participant) Enrich(prof Profile) (Participant, error) {
	if err := p.SetDisplayName(prof.DisplayName); err != nil {
		return p, err
	}
	if prof.Role != "" {
		p.Role = prof.Role
	}
	p.AvatarRef = prof.AvatarRef
	p.Resolved = true
	return p, nil
}

func (p *Participant) SetDisplayName(name string) error {
	if len(name) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	p.DisplayName = name
	return nil
}
