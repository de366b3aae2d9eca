package orch

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/dkeye/Call/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrUnknownHandle = errors.New("unknown call handle")

// Factory builds the collaborators for one call. Each call owns its own
// bridge and engine.
type Factory func(session domain.Session, credential string) (Deps, error)

// Manager is the handle table behind the UI contract.
type Manager struct {
	ctx     context.Context
	factory Factory

	mu    sync.RWMutex
	calls map[domain.Handle]*Controller
}

func NewManager(ctx context.Context, factory Factory) *Manager {
	return &Manager{
		ctx:     ctx,
		factory: factory,
		calls:   make(map[domain.Handle]*Controller),
	}
}

// StartCall creates a controller for the session and starts its bootstrap.
// The returned handle is valid until EndCall.
func (m *Manager) StartCall(id domain.SessionID, isHost bool, credential string) (domain.Handle, error) {
	session := domain.Session{ID: id, IsHost: isHost}
	deps, err := m.factory(session, credential)
	if err != nil {
		return "", err
	}
	deps.Credential = credential

	h := domain.NewHandle()
	c := New(m.ctx, h, session, deps)

	m.mu.Lock()
	m.calls[h] = c
	m.mu.Unlock()

	c.Start()
	log.Info().Str("module", "orch").Str("handle", string(h)).Str("session", string(id)).Bool("host", isHost).Msg("call started")
	return h, nil
}

// EndCall ends and forgets the call. Ending an unknown handle is a no-op.
func (m *Manager) EndCall(h domain.Handle) {
	m.mu.Lock()
	c, ok := m.calls[h]
	delete(m.calls, h)
	m.mu.Unlock()
	if ok {
		c.End()
	}
}

func (m *Manager) Get(h domain.Handle) (*Controller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[h]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return c, nil
}

func (m *Manager) ToggleMute(h domain.Handle) (Snapshot, error) {
	c, err := m.Get(h)
	if err != nil {
		return Snapshot{}, err
	}
	if _, err := c.ToggleMute(); err != nil {
		return c.Snapshot(), err
	}
	return c.Snapshot(), nil
}

func (m *Manager) ToggleVideo(h domain.Handle) (Snapshot, error) {
	c, err := m.Get(h)
	if err != nil {
		return Snapshot{}, err
	}
	if _, err := c.ToggleVideo(); err != nil {
		return c.Snapshot(), err
	}
	return c.Snapshot(), nil
}

func (m *Manager) ToggleScreenShare(ctx context.Context, h domain.Handle) (Snapshot, error) {
	c, err := m.Get(h)
	if err != nil {
		return Snapshot{}, err
	}
	if _, err := c.ToggleScreenShare(ctx); err != nil {
		return c.Snapshot(), err
	}
	return c.Snapshot(), nil
}

func (m *Manager) Snapshot(h domain.Handle) (Snapshot, error) {
	c, err := m.Get(h)
	if err != nil {
		return Snapshot{}, err
	}
	return c.Snapshot(), nil
}

// List returns snapshots of every live call ordered by handle.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.calls))
	cs := make([]*Controller, 0, len(m.calls))
	for _, c := range m.calls {
		cs = append(cs, c)
	}
	m.mu.RUnlock()
	for _, c := range cs {
		out = append(out, c.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// Shutdown ends every call.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	calls := m.calls
	m.calls = make(map[domain.Handle]*Controller)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range calls {
		wg.Add(1)
		go func(c *Controller) {
			defer wg.Done()
			c.End()
		}(c)
	}
	wg.Wait()
	log.Info().Str("module", "orch").Int("calls", len(calls)).Msg("all calls ended")
}
