package rtc

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// ErrNoTrackLocal is returned for local tracks that cannot be attached to a
// peer connection.
var ErrNoTrackLocal = errors.New("track has no webrtc source")

// trackSource is implemented by capture tracks that can be sent.
type trackSource interface {
	TrackLocal() webrtc.TrackLocal
}

// peerConn is the connection to one remote peer.
type peerConn struct {
	id     domain.PeerID
	gen    uint64
	pc     *webrtc.PeerConnection
	stream *RemoteStream
	logger zerolog.Logger

	// mu serializes negotiation on pc.
	mu      sync.Mutex
	senders map[string]*webrtc.RTPSender
	pending []webrtc.ICECandidateInit
	dirty   bool

	// outbound candidates are held until a description has been sent.
	cmu       sync.Mutex
	described bool
	outbox    []webrtc.ICECandidateInit
	sendCand  func(webrtc.ICECandidateInit)

	closeOnce sync.Once
}

func (p *peerConn) onLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	init := c.ToJSON()
	p.cmu.Lock()
	if !p.described {
		p.outbox = append(p.outbox, init)
		p.cmu.Unlock()
		return
	}
	p.cmu.Unlock()
	p.sendCand(init)
}

// markDescribed releases candidates gathered before the first description went out.
func (p *peerConn) markDescribed() {
	p.cmu.Lock()
	p.described = true
	out := p.outbox
	p.outbox = nil
	p.cmu.Unlock()
	for _, c := range out {
		p.sendCand(c)
	}
}

// addSender attaches t unless it is already sent. Caller holds p.mu.
func (p *peerConn) addSender(t core.LocalTrack) error {
	if _, ok := p.senders[t.ID()]; ok {
		return nil
	}
	src, ok := t.(trackSource)
	if !ok {
		return fmt.Errorf("%s: %w", t.ID(), ErrNoTrackLocal)
	}
	sender, err := p.pc.AddTrack(src.TrackLocal())
	if err != nil {
		return err
	}
	p.senders[t.ID()] = sender
	go drainRTCP(sender)
	return nil
}

// removeSender detaches the track with id. Caller holds p.mu.
func (p *peerConn) removeSender(id string) error {
	sender, ok := p.senders[id]
	if !ok {
		return nil
	}
	delete(p.senders, id)
	return p.pc.RemoveTrack(sender)
}

// ensureRecv adds a recvonly transceiver for every kind nothing negotiates yet. Caller holds p.mu.
func (p *peerConn) ensureRecv() error {
	have := make(map[webrtc.RTPCodecType]bool)
	for _, tr := range p.pc.GetTransceivers() {
		have[tr.Kind()] = true
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if have[kind] {
			continue
		}
		if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return err
		}
	}
	return nil
}

// offer creates and applies a local offer. Caller holds p.mu.
func (p *peerConn) offer() (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	p.dirty = false
	return offer, nil
}

// answer applies a remote offer, attaches tracks and creates the answer. Caller holds p.mu.
func (p *peerConn) answer(offer webrtc.SessionDescription, tracks []core.LocalTrack) (webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	p.flushPending()
	for _, t := range tracks {
		if err := p.addSender(t); err != nil {
			p.logger.Warn().Err(err).Str("track", t.ID()).Msg("track not attached")
		}
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if p.unnegotiated() {
		p.dirty = true
	}
	return answer, nil
}

// applyAnswer completes an offer we made. Caller holds p.mu.
func (p *peerConn) applyAnswer(answer webrtc.SessionDescription) error {
	if p.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		p.logger.Debug().Str("state", p.pc.SignalingState().String()).Msg("unexpected answer dropped")
		return nil
	}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return err
	}
	p.flushPending()
	if p.unnegotiated() {
		p.dirty = true
	}
	return nil
}

// rollback abandons a pending local offer. Caller holds p.mu.
func (p *peerConn) rollback() error {
	return p.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

// addCandidate applies c or queues it until a remote description is set. Caller holds p.mu.
func (p *peerConn) addCandidate(c webrtc.ICECandidateInit) error {
	if p.pc.RemoteDescription() == nil {
		p.pending = append(p.pending, c)
		return nil
	}
	return p.pc.AddICECandidate(c)
}

func (p *peerConn) flushPending() {
	for _, c := range p.pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.logger.Warn().Err(err).Msg("queued candidate rejected")
		}
	}
	p.pending = nil
}

// unnegotiated reports a sender whose transceiver got no mid in the last exchange.
func (p *peerConn) unnegotiated() bool {
	for _, tr := range p.pc.GetTransceivers() {
		if tr.Sender() != nil && tr.Sender().Track() != nil && tr.Mid() == "" {
			return true
		}
	}
	return false
}

// remoteUfrag is the ICE username fragment of the applied remote description.
func (p *peerConn) remoteUfrag() string {
	rd := p.pc.RemoteDescription()
	if rd == nil {
		return ""
	}
	return iceUfrag(rd.SDP)
}

func (p *peerConn) close() {
	p.closeOnce.Do(func() {
		if err := p.pc.Close(); err != nil {
			p.logger.Error().Err(err).Msg("close error")
		} else {
			p.logger.Info().Msg("closed")
		}
		p.stream.stop()
	})
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// iceUfrag returns the first ice-ufrag attribute of an SDP body.
func iceUfrag(sdp string) string {
	for _, line := range strings.Split(sdp, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "a=ice-ufrag:"); ok {
			return v
		}
	}
	return ""
}
