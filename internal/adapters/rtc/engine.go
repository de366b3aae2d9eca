// Package rtc is the pion media engine. One Engine serves one session and
// keeps a PeerConnection per remote peer, negotiated over the signaling bridge.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Call/internal/app/fanout"
	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed             = errors.New("media engine closed")
	ErrAlreadyInitialized = errors.New("media engine already initialized")
)

type Config struct {
	ICEServers []string

	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepalive           time.Duration

	// Codecs registers the negotiable codecs. Pion's defaults when nil.
	Codecs func(*webrtc.MediaEngine) error
	// PionLogLevel filters pion's internal logging.
	PionLogLevel zerolog.Level
	// IncludeLoopback gathers loopback candidates, for single-host setups.
	IncludeLoopback bool
}

func DefaultConfig() Config {
	return Config{
		ICEServers:             []string{"stun:stun.l.google.com:19302"},
		ICEDisconnectedTimeout: 10 * time.Second,
		ICEFailedTimeout:       30 * time.Second,
		ICEKeepalive:           2 * time.Second,
		PionLogLevel:           zerolog.WarnLevel,
	}
}

// Engine implements core.MediaEngine and core.ReadyNotifier.
type Engine struct {
	bridge core.SignalBridge
	cfg    Config
	fan    *fanout.Manager
	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}

	mu        sync.Mutex
	api       *webrtc.API
	ec        core.EngineConfig
	closed    bool
	gen       uint64
	peers     map[domain.PeerID]*peerConn
	published []core.LocalStream
	unsub     func()

	hmu     sync.Mutex
	nextID  int
	onTrack map[int]func(core.RemoteStream, domain.PeerID)
	onDisc  map[int]func(domain.PeerID)

	logger zerolog.Logger
}

func New(bridge core.SignalBridge, cfg Config) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		bridge:  bridge,
		cfg:     cfg,
		fan:     fanout.NewManager(),
		ctx:     ctx,
		cancel:  cancel,
		ready:   make(chan struct{}),
		peers:   make(map[domain.PeerID]*peerConn),
		onTrack: make(map[int]func(core.RemoteStream, domain.PeerID)),
		onDisc:  make(map[int]func(domain.PeerID)),
		logger:  log.With().Str("module", "rtc").Logger(),
	}
}

// Factory adapts New to core.EngineFactory.
func Factory(cfg Config) core.EngineFactory {
	return func(bridge core.SignalBridge) core.MediaEngine { return New(bridge, cfg) }
}

func (e *Engine) buildAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	register := e.cfg.Codecs
	if register == nil {
		register = (*webrtc.MediaEngine).RegisterDefaultCodecs
	}
	if err := register(m); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.LoggerFactory = loggerFactory{Level: e.cfg.PionLogLevel}
	if e.cfg.ICEDisconnectedTimeout > 0 && e.cfg.ICEFailedTimeout > 0 {
		se.SetICETimeouts(e.cfg.ICEDisconnectedTimeout, e.cfg.ICEFailedTimeout, e.cfg.ICEKeepalive)
	}
	if e.cfg.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

func (e *Engine) rtcConfig() webrtc.Configuration {
	var cfg webrtc.Configuration
	if len(e.cfg.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: e.cfg.ICEServers}}
	}
	return cfg
}

func (e *Engine) Init(ctx context.Context, ec core.EngineConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ec.Self == "" {
		return errors.New("engine: empty self id")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.api != nil {
		return ErrAlreadyInitialized
	}
	api, err := e.buildAPI()
	if err != nil {
		return err
	}
	e.api = api
	e.ec = ec
	e.logger = e.logger.With().Str("session", string(ec.Session)).Str("self", string(ec.Self)).Logger()

	ch, unsub := e.bridge.Subscribe()
	e.unsub = unsub
	go e.loop(ch)
	close(e.ready)
	e.logger.Info().Str("role", string(ec.Role)).Bool("host", ec.IsHost).Msg("engine initialized")
	return nil
}

// Ready is closed once the engine listens for negotiation messages.
func (e *Engine) Ready() <-chan struct{} { return e.ready }

func (e *Engine) OnTrackReceived(fn func(core.RemoteStream, domain.PeerID)) func() {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	id := e.nextID
	e.nextID++
	e.onTrack[id] = fn
	return func() {
		e.hmu.Lock()
		delete(e.onTrack, id)
		e.hmu.Unlock()
	}
}

func (e *Engine) OnParticipantDisconnected(fn func(domain.PeerID)) func() {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	id := e.nextID
	e.nextID++
	e.onDisc[id] = fn
	return func() {
		e.hmu.Lock()
		delete(e.onDisc, id)
		e.hmu.Unlock()
	}
}

func (e *Engine) fireTrack(s core.RemoteStream, peer domain.PeerID) {
	e.hmu.Lock()
	fns := make([]func(core.RemoteStream, domain.PeerID), 0, len(e.onTrack))
	for _, fn := range e.onTrack {
		fns = append(fns, fn)
	}
	e.hmu.Unlock()
	for _, fn := range fns {
		fn(s, peer)
	}
}

func (e *Engine) fireDisc(peer domain.PeerID) {
	e.hmu.Lock()
	fns := make([]func(domain.PeerID), 0, len(e.onDisc))
	for _, fn := range e.onDisc {
		fns = append(fns, fn)
	}
	e.hmu.Unlock()
	for _, fn := range fns {
		fn(peer)
	}
}

func (e *Engine) loop(ch <-chan core.Envelope) {
	for {
		select {
		case <-e.ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			e.handle(env)
		}
	}
}

func (e *Engine) handle(env core.Envelope) {
	self := e.ec.Self
	if env.From == "" || env.From == self {
		return
	}
	if env.Session != "" && env.Session != e.ec.Session {
		return
	}
	if env.To != "" && env.To != self {
		return
	}

	switch env.Type {
	case core.SignalMemberJoined:
		e.connect(env.From)
	case core.SignalMemberLeft:
		e.drop(env.From, "member left")
	case core.SignalOffer:
		e.handleOffer(env.From, env.SDP)
	case core.SignalAnswer:
		e.handleAnswer(env.From, env.SDP)
	case core.SignalCandidate:
		if env.Candidate != nil {
			e.handleCandidate(env.From, *env.Candidate)
		}
	}
}

func (e *Engine) send(env core.Envelope) {
	env.Session = e.ec.Session
	env.From = e.ec.Self
	if err := e.bridge.Send(env); err != nil {
		e.logger.Warn().Err(err).Str("type", string(env.Type)).Str("peer", string(env.To)).Msg("signal send failed")
	}
}

// newPeer builds a connection to peer with every published track attached.
func (e *Engine) newPeer(peer domain.PeerID) (*peerConn, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.gen++
	gen := e.gen
	api := e.api
	e.mu.Unlock()

	pc, err := api.NewPeerConnection(e.rtcConfig())
	if err != nil {
		return nil, err
	}
	p := &peerConn{
		id:      peer,
		gen:     gen,
		pc:      pc,
		stream:  newRemoteStream(fmt.Sprintf("%s-%d", peer, gen), peer, e.fan),
		logger:  e.logger.With().Str("peer", string(peer)).Uint64("gen", gen).Logger(),
		senders: make(map[string]*webrtc.RTPSender),
	}
	p.sendCand = func(c webrtc.ICECandidateInit) {
		e.send(core.Envelope{Type: core.SignalCandidate, To: peer, Candidate: &c})
	}

	pc.OnICECandidate(p.onLocalCandidate)
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		p.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			e.remove(p, s.String())
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		e.onRemoteTrack(p, track.ID(), track.Kind(), track)
	})
	return p, nil
}

// onRemoteTrack relays a track of p and announces its stream. Tracks from a
// connection that was replaced or dropped are ignored.
func (e *Engine) onRemoteTrack(p *peerConn, trackID string, kind webrtc.RTPCodecType, src fanout.Source) {
	if e.peer(p.id) != p {
		p.logger.Debug().Str("track_id", trackID).Msg("track on stale connection ignored")
		return
	}
	key := fmt.Sprintf("%s/%d/%s", p.id, p.gen, trackID)
	p.stream.add(key, kind)
	e.fan.Start(e.ctx, key, src)
	e.fireTrack(p.stream, p.id)
}

// install makes p the connection for its peer and returns the one it replaced.
func (e *Engine) install(p *peerConn) (old *peerConn, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, false
	}
	old = e.peers[p.id]
	e.peers[p.id] = p
	return old, true
}

func (e *Engine) peer(id domain.PeerID) *peerConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peers[id]
}

func (e *Engine) localTracks() []core.LocalTrack {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []core.LocalTrack
	for _, s := range e.published {
		out = append(out, s.Tracks()...)
	}
	return out
}

// connect offers to a newcomer. An existing connection is renegotiated instead.
func (e *Engine) connect(peer domain.PeerID) {
	if p := e.peer(peer); p != nil {
		p.mu.Lock()
		e.renegotiate(p)
		p.mu.Unlock()
		return
	}
	p, err := e.newPeer(peer)
	if err != nil {
		e.logger.Error().Err(err).Str("peer", string(peer)).Msg("peer connection")
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range e.localTracks() {
		if err := p.addSender(t); err != nil {
			p.logger.Warn().Err(err).Str("track", t.ID()).Msg("track not attached")
		}
	}
	if err := p.ensureRecv(); err != nil {
		p.logger.Error().Err(err).Msg("recv transceivers")
	}
	if old, ok := e.install(p); !ok {
		p.close()
		return
	} else if old != nil {
		old.close()
	}
	e.sendOffer(p)
}

// renegotiate offers again when signaling is stable, otherwise marks p dirty. Caller holds p.mu.
func (e *Engine) renegotiate(p *peerConn) {
	if p.pc.SignalingState() != webrtc.SignalingStateStable {
		p.dirty = true
		return
	}
	e.sendOffer(p)
}

// sendOffer creates an offer and sends it. Caller holds p.mu.
func (e *Engine) sendOffer(p *peerConn) {
	offer, err := p.offer()
	if err != nil {
		p.logger.Error().Err(err).Msg("create offer")
		return
	}
	e.send(core.Envelope{Type: core.SignalOffer, To: p.id, SDP: offer.SDP})
	p.markDescribed()
	p.logger.Debug().Msg("offer sent")
}

// polite peers yield when both sides offer at once.
func (e *Engine) polite(peer domain.PeerID) bool { return e.ec.Self > peer }

func (e *Engine) handleOffer(from domain.PeerID, sdp string) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}

	p := e.peer(from)
	if p != nil {
		p.mu.Lock()
		restarted := p.pc.RemoteDescription() != nil && p.remoteUfrag() != iceUfrag(sdp)
		if !restarted {
			defer p.mu.Unlock()
			if p.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
				if !e.polite(from) {
					p.logger.Debug().Msg("offer collision, keeping ours")
					return
				}
				if err := p.rollback(); err != nil {
					p.logger.Error().Err(err).Msg("rollback")
					return
				}
				p.dirty = true
			}
			e.sendAnswer(p, offer)
			return
		}
		p.mu.Unlock()
		p.logger.Info().Msg("remote peer restarted, replacing connection")
	}

	np, err := e.newPeer(from)
	if err != nil {
		e.logger.Error().Err(err).Str("peer", string(from)).Msg("peer connection")
		return
	}
	np.mu.Lock()
	defer np.mu.Unlock()
	old, ok := e.install(np)
	if !ok {
		np.close()
		return
	}
	if old != nil {
		old.close()
	}
	e.sendAnswer(np, offer)
}

// sendAnswer answers offer on p. Caller holds p.mu.
func (e *Engine) sendAnswer(p *peerConn, offer webrtc.SessionDescription) {
	answer, err := p.answer(offer, e.localTracks())
	if err != nil {
		p.logger.Error().Err(err).Msg("answer")
		return
	}
	e.send(core.Envelope{Type: core.SignalAnswer, To: p.id, SDP: answer.SDP})
	p.markDescribed()
	p.logger.Debug().Msg("answer sent")
	if p.dirty {
		e.renegotiate(p)
	}
}

func (e *Engine) handleAnswer(from domain.PeerID, sdp string) {
	p := e.peer(from)
	if p == nil {
		e.logger.Debug().Str("peer", string(from)).Msg("answer for unknown peer")
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.applyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		p.logger.Error().Err(err).Msg("apply answer")
		return
	}
	if p.dirty {
		e.renegotiate(p)
	}
}

func (e *Engine) handleCandidate(from domain.PeerID, c webrtc.ICECandidateInit) {
	p := e.peer(from)
	if p == nil {
		e.logger.Debug().Str("peer", string(from)).Msg("candidate for unknown peer")
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.addCandidate(c); err != nil {
		p.logger.Warn().Err(err).Msg("add candidate")
	}
}

// drop closes the connection to peer and reports it gone.
func (e *Engine) drop(peer domain.PeerID, reason string) {
	if p := e.peer(peer); p != nil {
		e.remove(p, reason)
	}
}

// remove forgets p if it is still the live connection for its peer.
func (e *Engine) remove(p *peerConn, reason string) {
	e.mu.Lock()
	live := !e.closed && e.peers[p.id] == p
	if live {
		delete(e.peers, p.id)
	}
	e.mu.Unlock()
	if !live {
		return
	}
	p.logger.Info().Str("reason", reason).Msg("participant disconnected")
	go p.close()
	e.fireDisc(p.id)
}

func (e *Engine) snapshot() []*peerConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*peerConn, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, p)
	}
	return out
}

func (e *Engine) Publish(stream core.LocalStream) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	for _, s := range e.published {
		if s.ID() == stream.ID() {
			e.mu.Unlock()
			return nil
		}
	}
	e.published = append(e.published, stream)
	e.mu.Unlock()

	for _, p := range e.snapshot() {
		p.mu.Lock()
		for _, t := range stream.Tracks() {
			if err := p.addSender(t); err != nil {
				p.logger.Warn().Err(err).Str("track", t.ID()).Msg("track not attached")
			}
		}
		e.renegotiate(p)
		p.mu.Unlock()
	}
	e.logger.Info().Str("stream", stream.ID()).Msg("stream published")
	return nil
}

func (e *Engine) Unpublish(stream core.LocalStream) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	found := false
	for i, s := range e.published {
		if s.ID() == stream.ID() {
			e.published = append(e.published[:i], e.published[i+1:]...)
			found = true
			break
		}
	}
	e.mu.Unlock()
	if !found {
		return nil
	}

	for _, p := range e.snapshot() {
		p.mu.Lock()
		for _, t := range stream.Tracks() {
			if err := p.removeSender(t.ID()); err != nil {
				p.logger.Warn().Err(err).Str("track", t.ID()).Msg("remove track")
			}
		}
		e.renegotiate(p)
		p.mu.Unlock()
	}
	e.logger.Info().Str("stream", stream.ID()).Msg("stream unpublished")
	return nil
}

// Close tears down every peer connection. No callbacks fire afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	peers := e.peers
	e.peers = make(map[domain.PeerID]*peerConn)
	unsub := e.unsub
	e.mu.Unlock()

	e.hmu.Lock()
	e.onTrack = make(map[int]func(core.RemoteStream, domain.PeerID))
	e.onDisc = make(map[int]func(domain.PeerID))
	e.hmu.Unlock()

	e.cancel()
	if unsub != nil {
		unsub()
	}
	for _, p := range peers {
		p.close()
	}
	e.fan.StopAll()
	e.logger.Info().Int("peers", len(peers)).Msg("engine closed")
	return nil
}
