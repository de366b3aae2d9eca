package devices

import (
	"sync"
	"sync/atomic"

	"github.com/dkeye/Call/internal/core"
	"github.com/pion/mediadevices"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Track is a captured track whose outbound RTP can be gated without closing
// the capture source.
type Track struct {
	src     mediadevices.Track
	kind    core.TrackKind
	enabled *atomic.Bool
	local   *gatedLocal
	once    sync.Once
}

func newTrack(src mediadevices.Track) *Track {
	enabled := &atomic.Bool{}
	enabled.Store(true)
	kind := core.KindVideo
	if src.Kind() == webrtc.RTPCodecTypeAudio {
		kind = core.KindAudio
	}
	return &Track{
		src:     src,
		kind:    kind,
		enabled: enabled,
		local:   &gatedLocal{Track: src, enabled: enabled},
	}
}

func (t *Track) ID() string              { return t.src.ID() }
func (t *Track) Kind() core.TrackKind    { return t.kind }
func (t *Track) Enabled() bool           { return t.enabled.Load() }
func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// Stop closes the capture source once.
func (t *Track) Stop() {
	t.once.Do(func() { _ = t.src.Close() })
}

// TrackLocal is what the engine attaches to a peer connection.
func (t *Track) TrackLocal() webrtc.TrackLocal { return t.local }

// gatedLocal is a mediadevices track whose bound writers drop packets while disabled.
type gatedLocal struct {
	mediadevices.Track
	enabled *atomic.Bool
}

func (g *gatedLocal) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return g.Track.Bind(&gatedContext{TrackLocalContext: ctx, enabled: g.enabled})
}

func (g *gatedLocal) Unbind(ctx webrtc.TrackLocalContext) error {
	return g.Track.Unbind(&gatedContext{TrackLocalContext: ctx, enabled: g.enabled})
}

type gatedContext struct {
	webrtc.TrackLocalContext
	enabled *atomic.Bool
}

func (c *gatedContext) WriteStream() webrtc.TrackLocalWriter {
	return &gatedWriter{w: c.TrackLocalContext.WriteStream(), enabled: c.enabled}
}

type gatedWriter struct {
	w       webrtc.TrackLocalWriter
	enabled *atomic.Bool
}

func (g *gatedWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if !g.enabled.Load() {
		return len(payload), nil
	}
	return g.w.WriteRTP(header, payload)
}

func (g *gatedWriter) Write(b []byte) (int, error) {
	if !g.enabled.Load() {
		return len(b), nil
	}
	return g.w.Write(b)
}

type stream struct {
	id     string
	tracks []core.LocalTrack
}

func (s *stream) ID() string                { return s.id }
func (s *stream) Tracks() []core.LocalTrack { return s.tracks }
