package core

import (
	"context"

	"github.com/dkeye/Call/internal/domain"
)

type EngineConfig struct {
	Session domain.SessionID
	Self    domain.PeerID
	Role    domain.Role
	IsHost  bool
}

// MediaEngine coordinates all peer connections of one session.
type MediaEngine interface {
	// Init prepares the engine for negotiation. It must be called once.
	Init(ctx context.Context, cfg EngineConfig) error
	// OnTrackReceived fires once per incoming remote track; stream groups the tracks of one peer.
	OnTrackReceived(fn func(stream RemoteStream, peer domain.PeerID)) (cancel func())
	// OnParticipantDisconnected fires when the connection to peer is gone.
	OnParticipantDisconnected(fn func(peer domain.PeerID)) (cancel func())
	// Publish attaches the tracks of a local stream to every current and future peer connection.
	Publish(stream LocalStream) error
	Unpublish(stream LocalStream) error
	// Close releases every peer connection. Idempotent.
	Close() error
}

// ReadyNotifier is implemented by engines that acknowledge internal negotiation setup.
type ReadyNotifier interface {
	Ready() <-chan struct{}
}

// RemoteStream groups the incoming tracks of one remote peer.
type RemoteStream interface {
	ID() string
	Peer() domain.PeerID
}

type EngineFactory func(bridge SignalBridge) MediaEngine
