package fanout

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Manager owns one Relay per remote track key.
type Manager struct {
	mu     sync.RWMutex
	relays map[string]*Relay
}

func NewManager() *Manager {
	return &Manager{relays: make(map[string]*Relay)}
}

// Start creates a Relay for key and starts its loop. An existing relay under
// the same key is stopped and replaced.
func (m *Manager) Start(ctx context.Context, key string, src Source) *Relay {
	logger := log.With().
		Str("module", "fanout").
		Str("track", key).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(src, cancel)

	m.mu.Lock()
	if old, ok := m.relays[key]; ok {
		logger.Info().Msg("replacing existing relay")
		old.markAllDelete()
		old.cancel()
	}
	m.relays[key] = relay
	m.mu.Unlock()

	go relay.loop(relayCtx, &logger)
	return relay
}

// Attach adds sink under id to the relay of key. It reports false if no relay exists.
func (m *Manager) Attach(key, id string, sink Sink) bool {
	m.mu.RLock()
	relay, ok := m.relays[key]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	relay.add(id, NewOut(sink))
	return true
}

// SetMuted pauses or resumes forwarding to one sink.
func (m *Manager) SetMuted(key, id string, muted bool) {
	o, ok := m.lookup(key, id)
	if !ok || o.State() == SinkStateDelete {
		return
	}
	if muted {
		o.MarkMuted()
	} else {
		o.MarkOk()
	}
}

// Detach marks the sink for removal; it is dropped on the next packet.
func (m *Manager) Detach(key, id string) {
	if o, ok := m.lookup(key, id); ok {
		o.MarkDelete()
	}
}

func (m *Manager) lookup(key, id string) (*Out, bool) {
	m.mu.RLock()
	relay, ok := m.relays[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return relay.out(id)
}

// Stop stops the relay of key and removes it.
func (m *Manager) Stop(key string) {
	m.mu.Lock()
	relay, ok := m.relays[key]
	if ok {
		delete(m.relays, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.markAllDelete()
	relay.cancel()
}

// StopAll stops every relay.
func (m *Manager) StopAll() {
	m.mu.Lock()
	relays := m.relays
	m.relays = make(map[string]*Relay)
	m.mu.Unlock()
	for _, r := range relays {
		r.markAllDelete()
		r.cancel()
	}
}

func (m *Manager) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[key]
	return ok
}
