// Package devices captures camera, microphone and screen through pion/mediadevices.
package devices

import (
	"context"
	"fmt"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	MaxWidth  int
	MaxHeight int
	// VideoBitRate in bits per second.
	VideoBitRate int
}

// Capture implements core.MediaDevices.
type Capture struct {
	cfg      Config
	selector *mediadevices.CodecSelector
	logger   zerolog.Logger
}

func NewCapture(cfg Config) (*Capture, error) {
	if cfg.MaxWidth <= 0 {
		cfg.MaxWidth = 640
	}
	if cfg.MaxHeight <= 0 {
		cfg.MaxHeight = 480
	}
	if cfg.VideoBitRate <= 0 {
		cfg.VideoBitRate = 1_500_000
	}
	selector, err := newCodecSelector(cfg.VideoBitRate)
	if err != nil {
		return nil, fmt.Errorf("codec selector: %w", err)
	}
	c := &Capture{
		cfg:      cfg,
		selector: selector,
		logger:   log.With().Str("module", "devices").Logger(),
	}
	for _, d := range mediadevices.EnumerateDevices() {
		c.logger.Debug().Str("kind", fmt.Sprint(d.Kind)).Str("label", d.Label).Msg("media device")
	}
	return c, nil
}

// Populate registers the capture codecs on an engine's media engine.
func (c *Capture) Populate(m *webrtc.MediaEngine) error {
	c.selector.Populate(m)
	return nil
}

func (c *Capture) videoConstraints(mc *mediadevices.MediaTrackConstraints) {
	// MJPEG nodes on some cameras emit frames the VP8 encoder rejects.
	mc.FrameFormat = prop.FrameFormatOneOf{
		frame.FormatYUYV,
		frame.FormatI420,
		frame.FormatI444,
		frame.FormatRGBA,
	}
	mc.Width = prop.IntRanged{Max: c.cfg.MaxWidth}
	mc.Height = prop.IntRanged{Max: c.cfg.MaxHeight}
}

// GetUserMedia opens the requested camera and microphone. The driver call
// does not observe ctx; callers bound it themselves.
func (c *Capture) GetUserMedia(_ context.Context, cons core.Constraints) (core.LocalStream, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}
	if cons.Video {
		constraints.Video = c.videoConstraints
	}
	if cons.Audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}
	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		c.logger.Warn().Err(err).Bool("audio", cons.Audio).Bool("video", cons.Video).Msg("GetUserMedia failed")
		return nil, Classify(err)
	}
	s := c.wrap("local", ms)
	c.logger.Info().Str("stream", s.id).Int("tracks", len(s.tracks)).Msg("local media captured")
	return s, nil
}

func (c *Capture) GetDisplayMedia(_ context.Context) (core.LocalStream, error) {
	ms, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(*mediadevices.MediaTrackConstraints) {},
		Codec: c.selector,
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("GetDisplayMedia failed")
		return nil, domain.NewCallError(domain.CodeScreenShareFailed, err)
	}
	s := c.wrap("screen", ms)
	c.logger.Info().Str("stream", s.id).Msg("display captured")
	return s, nil
}

func (c *Capture) wrap(prefix string, ms mediadevices.MediaStream) *stream {
	s := &stream{id: prefix + "-" + uuid.NewString()}
	for _, mt := range ms.GetTracks() {
		t := newTrack(mt)
		mt.OnEnded(func(err error) {
			if err != nil {
				c.logger.Warn().Err(err).Str("track", t.ID()).Msg("local track ended")
			}
		})
		s.tracks = append(s.tracks, t)
	}
	return s
}
