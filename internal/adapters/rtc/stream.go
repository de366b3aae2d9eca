package rtc

import (
	"sync"

	"github.com/dkeye/Call/internal/app/fanout"
	"github.com/dkeye/Call/internal/domain"
	"github.com/pion/webrtc/v4"
)

// RemoteStream groups the incoming tracks of one peer connection. A
// replacement connection for the same peer gets a new stream id.
type RemoteStream struct {
	id   string
	peer domain.PeerID
	fan  *fanout.Manager

	mu     sync.Mutex
	tracks map[string]webrtc.RTPCodecType // relay key -> kind
}

func newRemoteStream(id string, peer domain.PeerID, fan *fanout.Manager) *RemoteStream {
	return &RemoteStream{id: id, peer: peer, fan: fan, tracks: make(map[string]webrtc.RTPCodecType)}
}

func (s *RemoteStream) ID() string          { return s.id }
func (s *RemoteStream) Peer() domain.PeerID { return s.peer }

func (s *RemoteStream) add(key string, kind webrtc.RTPCodecType) {
	s.mu.Lock()
	s.tracks[key] = kind
	s.mu.Unlock()
}

func (s *RemoteStream) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.tracks))
	for k := range s.tracks {
		keys = append(keys, k)
	}
	return keys
}

// Attach forwards every track of kind to sink under id and returns how many
// tracks it was attached to.
func (s *RemoteStream) Attach(id string, kind webrtc.RTPCodecType, sink fanout.Sink) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, k := range s.tracks {
		if k == kind && s.fan.Attach(key, id, sink) {
			n++
		}
	}
	return n
}

func (s *RemoteStream) SetMuted(id string, muted bool) {
	for _, key := range s.keys() {
		s.fan.SetMuted(key, id, muted)
	}
}

func (s *RemoteStream) Detach(id string) {
	for _, key := range s.keys() {
		s.fan.Detach(key, id)
	}
}

func (s *RemoteStream) stop() {
	for _, key := range s.keys() {
		s.fan.Stop(key)
	}
}
