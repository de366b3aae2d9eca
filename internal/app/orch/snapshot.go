package orch

import (
	"github.com/dkeye/Call/internal/domain"
)

// Snapshot is a point-in-time copy of a controller's read accessors.
type Snapshot struct {
	Handle        domain.Handle        `json:"handle"`
	Session       domain.SessionID     `json:"session_id"`
	IsHost        bool                 `json:"is_host"`
	State         domain.CallState     `json:"state"`
	Connected     bool                 `json:"connected"`
	Muted         bool                 `json:"muted"`
	VideoEnabled  bool                 `json:"video_enabled"`
	ScreenSharing bool                 `json:"screen_sharing"`
	LocalStream   string               `json:"local_stream,omitempty"`
	RemotePeers   []domain.PeerID      `json:"remote_peers"`
	Participants  []domain.Participant `json:"participants"`
	ElapsedSec    int64                `json:"elapsed_sec"`
	Error         string               `json:"error,omitempty"`
	ErrorCode     domain.Code          `json:"error_code,omitempty"`
}

func (c *Controller) Snapshot() Snapshot {
	s := Snapshot{
		Handle:        c.handle,
		Session:       c.session.ID,
		IsHost:        c.session.IsHost,
		State:         c.State(),
		Connected:     c.Connected(),
		Muted:         c.Muted(),
		VideoEnabled:  c.VideoEnabled(),
		ScreenSharing: c.ScreenSharing(),
		RemotePeers:   c.registry.PeerIDs(),
		Participants:  c.Participants(),
		ElapsedSec:    int64(c.Elapsed().Seconds()),
	}
	if ls := c.LocalStream(); ls != nil {
		s.LocalStream = ls.ID()
	}
	if err := c.Err(); err != nil {
		s.ErrorCode = domain.CodeOf(err)
		s.Error = s.ErrorCode.Message()
	}
	return s
}
