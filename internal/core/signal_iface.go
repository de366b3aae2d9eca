package core

import (
	"context"

	"github.com/dkeye/Call/internal/domain"
	"github.com/pion/webrtc/v4"
)

type SignalType string

const (
	SignalWelcome      SignalType = "welcome"
	SignalJoin         SignalType = "join"
	SignalLeave        SignalType = "leave"
	SignalPing         SignalType = "ping"
	SignalPong         SignalType = "pong"
	SignalRoomState    SignalType = "room_state"
	SignalMemberJoined SignalType = "member_joined"
	SignalMemberLeft   SignalType = "member_left"
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalCandidate    SignalType = "candidate"
	SignalError        SignalType = "error"
)

// Envelope is one signaling message. To is empty for room-wide notices.
type Envelope struct {
	Type      SignalType               `json:"type"`
	Session   domain.SessionID         `json:"session,omitempty"`
	From      domain.PeerID            `json:"from,omitempty"`
	To        domain.PeerID            `json:"to,omitempty"`
	Role      domain.Role              `json:"role,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Members   []domain.PeerID          `json:"members,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

// SignalBridge is the client side of the out-of-band messaging channel.
// Delivery is at-least-once; consumers must tolerate duplicate notices.
type SignalBridge interface {
	// Connect starts opening the channel; readiness is observed via WaitForReady.
	Connect(ctx context.Context, credential string, role domain.Role) error
	// WaitForReady blocks until the channel is ready or ctx is done.
	WaitForReady(ctx context.Context) bool
	IsReady() bool
	// Self is the peer id the channel was admitted with. Empty before ready.
	Self() domain.PeerID

	OnConnect(fn func()) (cancel func())
	OnDisconnect(fn func(err error)) (cancel func())

	JoinRoom(ctx context.Context, id domain.SessionID) error
	LeaveRoom(ctx context.Context, id domain.SessionID) error

	Send(env Envelope) error
	// Subscribe returns a channel of inbound envelopes until cancel is called.
	Subscribe() (ch <-chan Envelope, cancel func())
	Close() error
}
