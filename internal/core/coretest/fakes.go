// Package coretest provides in-memory fakes of the core ports for tests.
package coretest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
)

// ---------------------------------------------------------------------------
// Signal bridge

type Bridge struct {
	SelfID     domain.PeerID
	AutoReady  bool
	ConnectErr error

	mu         sync.Mutex
	ready      chan struct{}
	readyOnce  sync.Once
	onConnect  map[int]func()
	onDisc     map[int]func(error)
	nextID     int
	subs       map[int]chan core.Envelope
	Sent       []core.Envelope
	Joined     []domain.SessionID
	Left       []domain.SessionID
	Credential string
	Role       domain.Role

	Connects atomic.Int32
	Closes   atomic.Int32
}

func NewBridge(self domain.PeerID) *Bridge {
	return &Bridge{
		SelfID:    self,
		AutoReady: true,
		ready:     make(chan struct{}),
		onConnect: make(map[int]func()),
		onDisc:    make(map[int]func(error)),
		subs:      make(map[int]chan core.Envelope),
	}
}

func (b *Bridge) Connect(_ context.Context, credential string, role domain.Role) error {
	b.Connects.Add(1)
	if b.ConnectErr != nil {
		return b.ConnectErr
	}
	b.mu.Lock()
	b.Credential, b.Role = credential, role
	b.mu.Unlock()
	if b.AutoReady {
		b.MarkReady()
	}
	return nil
}

// MarkReady makes the channel ready and fires OnConnect handlers.
func (b *Bridge) MarkReady() {
	b.readyOnce.Do(func() { close(b.ready) })
	b.mu.Lock()
	hs := make([]func(), 0, len(b.onConnect))
	for _, h := range b.onConnect {
		hs = append(hs, h)
	}
	b.mu.Unlock()
	for _, h := range hs {
		h()
	}
}

// Drop fires OnDisconnect handlers.
func (b *Bridge) Drop(err error) {
	b.mu.Lock()
	hs := make([]func(error), 0, len(b.onDisc))
	for _, h := range b.onDisc {
		hs = append(hs, h)
	}
	b.mu.Unlock()
	for _, h := range hs {
		h(err)
	}
}

func (b *Bridge) WaitForReady(ctx context.Context) bool {
	select {
	case <-b.ready:
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *Bridge) IsReady() bool {
	select {
	case <-b.ready:
		return true
	default:
		return false
	}
}

func (b *Bridge) Self() domain.PeerID { return b.SelfID }

func (b *Bridge) OnConnect(fn func()) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.onConnect[id] = fn
	return func() {
		b.mu.Lock()
		delete(b.onConnect, id)
		b.mu.Unlock()
	}
}

func (b *Bridge) OnDisconnect(fn func(error)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.onDisc[id] = fn
	return func() {
		b.mu.Lock()
		delete(b.onDisc, id)
		b.mu.Unlock()
	}
}

func (b *Bridge) JoinRoom(_ context.Context, id domain.SessionID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Joined = append(b.Joined, id)
	return nil
}

func (b *Bridge) LeaveRoom(_ context.Context, id domain.SessionID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Left = append(b.Left, id)
	return nil
}

func (b *Bridge) LeftRooms() []domain.SessionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.SessionID(nil), b.Left...)
}

func (b *Bridge) JoinedRooms() []domain.SessionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.SessionID(nil), b.Joined...)
}

func (b *Bridge) Send(env core.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Sent = append(b.Sent, env)
	return nil
}

// SentEnvelopes returns a copy of everything passed to Send.
func (b *Bridge) SentEnvelopes() []core.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]core.Envelope(nil), b.Sent...)
}

func (b *Bridge) Subscribe() (<-chan core.Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan core.Envelope, 16)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Deliver pushes env to every subscriber.
func (b *Bridge) Deliver(env core.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		ch <- env
	}
}

func (b *Bridge) Close() error {
	b.Closes.Add(1)
	return nil
}

// ---------------------------------------------------------------------------
// Media engine

type RemoteStream struct {
	StreamID string
	PeerID   domain.PeerID
}

func (s *RemoteStream) ID() string          { return s.StreamID }
func (s *RemoteStream) Peer() domain.PeerID { return s.PeerID }

type Engine struct {
	InitErr error
	// InitGate, when non-nil, blocks Init until closed or ctx is done.
	InitGate chan struct{}

	mu        sync.Mutex
	cfg       core.EngineConfig
	onTrack   map[int]func(core.RemoteStream, domain.PeerID)
	onDisc    map[int]func(domain.PeerID)
	nextID    int
	Published []core.LocalStream

	Inits  atomic.Int32
	Closes atomic.Int32
}

func NewEngine() *Engine {
	return &Engine{
		onTrack: make(map[int]func(core.RemoteStream, domain.PeerID)),
		onDisc:  make(map[int]func(domain.PeerID)),
	}
}

func (e *Engine) Init(ctx context.Context, cfg core.EngineConfig) error {
	e.Inits.Add(1)
	if e.InitGate != nil {
		select {
		case <-e.InitGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if e.InitErr != nil {
		return e.InitErr
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	return nil
}

func (e *Engine) Config() core.EngineConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

func (e *Engine) OnTrackReceived(fn func(core.RemoteStream, domain.PeerID)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.onTrack[id] = fn
	return func() {
		e.mu.Lock()
		delete(e.onTrack, id)
		e.mu.Unlock()
	}
}

func (e *Engine) OnParticipantDisconnected(fn func(domain.PeerID)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.onDisc[id] = fn
	return func() {
		e.mu.Lock()
		delete(e.onDisc, id)
		e.mu.Unlock()
	}
}

// EmitTrack simulates an incoming remote track from peer.
func (e *Engine) EmitTrack(peer domain.PeerID) {
	e.EmitStream(&RemoteStream{StreamID: "stream-" + string(peer), PeerID: peer})
}

// EmitStream announces s as the remote stream of s.Peer().
func (e *Engine) EmitStream(s core.RemoteStream) {
	e.mu.Lock()
	hs := make([]func(core.RemoteStream, domain.PeerID), 0, len(e.onTrack))
	for _, h := range e.onTrack {
		hs = append(hs, h)
	}
	e.mu.Unlock()
	for _, h := range hs {
		h(s, s.Peer())
	}
}

// EmitDisconnect simulates the loss of peer.
func (e *Engine) EmitDisconnect(peer domain.PeerID) {
	e.mu.Lock()
	hs := make([]func(domain.PeerID), 0, len(e.onDisc))
	for _, h := range e.onDisc {
		hs = append(hs, h)
	}
	e.mu.Unlock()
	for _, h := range hs {
		h(peer)
	}
}

func (e *Engine) Publish(s core.LocalStream) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Published = append(e.Published, s)
	return nil
}

func (e *Engine) Unpublish(s core.LocalStream) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.Published[:0]
	for _, p := range e.Published {
		if p.ID() != s.ID() {
			out = append(out, p)
		}
	}
	e.Published = out
	return nil
}

func (e *Engine) Close() error {
	e.Closes.Add(1)
	return nil
}

// ReadyEngine is an Engine that acknowledges readiness.
type ReadyEngine struct {
	*Engine
	ReadyCh chan struct{}
}

func (e *ReadyEngine) Ready() <-chan struct{} { return e.ReadyCh }

// ---------------------------------------------------------------------------
// Devices

type Track struct {
	TrackID   string
	TrackKind core.TrackKind

	enabled atomic.Bool
	Stops   atomic.Int32
}

func NewTrack(id string, kind core.TrackKind) *Track {
	t := &Track{TrackID: id, TrackKind: kind}
	t.enabled.Store(true)
	return t
}

func (t *Track) ID() string              { return t.TrackID }
func (t *Track) Kind() core.TrackKind    { return t.TrackKind }
func (t *Track) Enabled() bool           { return t.enabled.Load() }
func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *Track) Stop()                   { t.Stops.Add(1) }

type Stream struct {
	StreamID string
	List     []core.LocalTrack
}

func (s *Stream) ID() string                { return s.StreamID }
func (s *Stream) Tracks() []core.LocalTrack { return s.List }

// Track returns the fake track of kind.
func (s *Stream) Track(kind core.TrackKind) *Track {
	for _, t := range s.List {
		if t.Kind() == kind {
			return t.(*Track)
		}
	}
	return nil
}

type Devices struct {
	UserMediaErr    error
	DisplayMediaErr error
	// UserMediaGate, when non-nil, blocks GetUserMedia until closed. ctx is ignored
	// so that late resolution after cancellation can be exercised.
	UserMediaGate chan struct{}

	mu             sync.Mutex
	UserStreams    []*Stream
	DisplayStreams []*Stream

	UserMediaCalls    atomic.Int32
	DisplayMediaCalls atomic.Int32
}

func (d *Devices) GetUserMedia(_ context.Context, c core.Constraints) (core.LocalStream, error) {
	n := d.UserMediaCalls.Add(1)
	if d.UserMediaGate != nil {
		<-d.UserMediaGate
	}
	if d.UserMediaErr != nil {
		return nil, d.UserMediaErr
	}
	s := &Stream{StreamID: fmt.Sprintf("local-%d", n)}
	if c.Audio {
		s.List = append(s.List, NewTrack(s.StreamID+"-audio", core.KindAudio))
	}
	if c.Video {
		s.List = append(s.List, NewTrack(s.StreamID+"-video", core.KindVideo))
	}
	d.mu.Lock()
	d.UserStreams = append(d.UserStreams, s)
	d.mu.Unlock()
	return s, nil
}

func (d *Devices) GetDisplayMedia(_ context.Context) (core.LocalStream, error) {
	n := d.DisplayMediaCalls.Add(1)
	if d.DisplayMediaErr != nil {
		return nil, d.DisplayMediaErr
	}
	s := &Stream{StreamID: fmt.Sprintf("screen-%d", n)}
	s.List = append(s.List, NewTrack(s.StreamID+"-video", core.KindVideo))
	d.mu.Lock()
	d.DisplayStreams = append(d.DisplayStreams, s)
	d.mu.Unlock()
	return s, nil
}

func (d *Devices) User(i int) *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.UserStreams) {
		return nil
	}
	return d.UserStreams[i]
}

func (d *Devices) Display(i int) *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.DisplayStreams) {
		return nil
	}
	return d.DisplayStreams[i]
}

// ---------------------------------------------------------------------------
// Directory

var ErrUnknownPeer = errors.New("unknown peer")

type Directory struct {
	Profiles map[domain.PeerID]domain.Profile
	Err      error
	// Gate, when non-nil, blocks Resolve until closed or ctx is done.
	Gate chan struct{}

	Calls atomic.Int32
}

func (d *Directory) Resolve(ctx context.Context, peer domain.PeerID) (domain.Profile, error) {
	d.Calls.Add(1)
	if d.Gate != nil {
		select {
		case <-d.Gate:
		case <-ctx.Done():
			return domain.Profile{}, ctx.Err()
		}
	}
	if d.Err != nil {
		return domain.Profile{}, d.Err
	}
	p, ok := d.Profiles[peer]
	if !ok {
		return domain.Profile{}, ErrUnknownPeer
	}
	return p, nil
}
