package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type peerEntry struct {
	Stream      core.RemoteStream
	Participant domain.Participant
	// gen identifies this admission of the peer; stale lookups compare against it.
	gen uint64
}

// PeerRegistry maps remote participants to their remote stream and
// maintains the participant projection. It is the only writer of that map.
type PeerRegistry struct {
	mu     sync.RWMutex
	peers  map[domain.PeerID]*peerEntry
	gen    uint64
	closed bool

	dir           core.Directory
	lookupTimeout time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
	unsub         []func()

	emitMu   sync.Mutex
	onChange func()

	logger zerolog.Logger
}

func NewPeerRegistry(dir core.Directory, lookupTimeout time.Duration) *PeerRegistry {
	ctx, cancel := context.WithCancel(context.Background())
	if lookupTimeout <= 0 {
		lookupTimeout = 3 * time.Second
	}
	return &PeerRegistry{
		peers:         make(map[domain.PeerID]*peerEntry),
		dir:           dir,
		lookupTimeout: lookupTimeout,
		ctx:           ctx,
		cancel:        cancel,
		logger:        log.With().Str("module", "app.registry").Logger(),
	}
}

// Attach subscribes the registry to the engine's track and disconnect events.
func (r *PeerRegistry) Attach(engine core.MediaEngine) {
	u1 := engine.OnTrackReceived(r.HandleTrack)
	u2 := engine.OnParticipantDisconnected(r.HandleDisconnect)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		u1()
		u2()
		return
	}
	r.unsub = append(r.unsub, u1, u2)
	r.mu.Unlock()
}

// OnChange sets the callback fired after every mutation. It never fires after Close returns.
func (r *PeerRegistry) OnChange(fn func()) {
	r.emitMu.Lock()
	r.onChange = fn
	r.emitMu.Unlock()
}

// HandleTrack upserts the remote stream of peer. A peer seen for the first
// time is listed with a placeholder identity and enriched asynchronously.
func (r *PeerRegistry) HandleTrack(stream core.RemoteStream, peer domain.PeerID) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	entry, ok := r.peers[peer]
	if ok {
		if entry.Stream != nil && stream != nil && entry.Stream.ID() == stream.ID() {
			r.mu.Unlock()
			r.logger.Debug().Str("peer", string(peer)).Msg("duplicate track event")
			return
		}
		entry.Stream = stream
		r.mu.Unlock()
		r.logger.Info().Str("peer", string(peer)).Msg("remote stream replaced")
		r.emit()
		return
	}
	r.gen++
	entry = &peerEntry{
		Stream:      stream,
		Participant: domain.PlaceholderParticipant(peer),
		gen:         r.gen,
	}
	r.peers[peer] = entry
	gen := entry.gen
	r.mu.Unlock()

	r.logger.Info().Str("peer", string(peer)).Msg("remote stream added")
	r.emit()

	if r.dir != nil {
		go r.enrich(peer, gen)
	}
}

// HandleDisconnect removes peer. Removing an absent peer is a no-op.
func (r *PeerRegistry) HandleDisconnect(peer domain.PeerID) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if _, ok := r.peers[peer]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.peers, peer)
	r.mu.Unlock()

	r.logger.Info().Str("peer", string(peer)).Msg("remote stream removed")
	r.emit()
}

func (r *PeerRegistry) enrich(peer domain.PeerID, gen uint64) {
	ctx, cancel := context.WithTimeout(r.ctx, r.lookupTimeout)
	defer cancel()

	prof, err := r.dir.Resolve(ctx, peer)
	if err != nil {
		r.logger.Warn().Err(err).Str("peer", string(peer)).Msg("directory lookup failed, keeping placeholder")
		return
	}

	r.mu.Lock()
	entry, ok := r.peers[peer]
	if r.closed || !ok || entry.gen != gen {
		r.mu.Unlock()
		return
	}
	enriched, err := entry.Participant.Enrich(prof)
	if err != nil {
		r.mu.Unlock()
		r.logger.Warn().Err(err).Str("peer", string(peer)).Msg("directory profile rejected")
		return
	}
	entry.Participant = enriched
	r.mu.Unlock()

	r.logger.Info().Str("peer", string(peer)).Str("name", enriched.DisplayName).Msg("participant enriched")
	r.emit()
}

func (r *PeerRegistry) emit() {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed || r.onChange == nil {
		return
	}
	r.onChange()
}

// RemoteStreams returns a transient copy of the peer -> stream map.
func (r *PeerRegistry) RemoteStreams() map[domain.PeerID]core.RemoteStream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[domain.PeerID]core.RemoteStream, len(r.peers))
	for id, e := range r.peers {
		out[id] = e.Stream
	}
	return out
}

// PeerIDs returns the registered ids in sorted order.
func (r *PeerRegistry) PeerIDs() []domain.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.PeerID, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Participants returns the participant projection sorted by id.
func (r *PeerRegistry) Participants() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Participant, 0, len(r.peers))
	for _, e := range r.peers {
		out = append(out, e.Participant)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *PeerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Close unsubscribes from the engine, abandons pending lookups and clears the map.
// Idempotent.
func (r *PeerRegistry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	unsub := r.unsub
	r.unsub = nil
	r.peers = make(map[domain.PeerID]*peerEntry)
	r.mu.Unlock()

	for _, u := range unsub {
		u()
	}
	r.cancel()
	// Barrier: an emit already past its closed check finishes before Close returns.
	r.emitMu.Lock()
	r.onChange = nil
	r.emitMu.Unlock()
	r.logger.Info().Msg("registry closed")
}
