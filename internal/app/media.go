package app

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNoLocalStream = errors.New("no local stream")

// Publisher is the part of the engine the media manager drives.
type Publisher interface {
	Publish(stream core.LocalStream) error
	Unpublish(stream core.LocalStream) error
}

// MediaManager exclusively owns the local capture stream and the screen-share stream.
type MediaManager struct {
	devices core.MediaDevices

	mu     sync.Mutex
	pub    Publisher
	local  core.LocalStream
	screen core.LocalStream
	closed bool

	logger zerolog.Logger
}

func NewMediaManager(devices core.MediaDevices) *MediaManager {
	return &MediaManager{
		devices: devices,
		logger:  log.With().Str("module", "app.media").Logger(),
	}
}

// SetPublisher attaches the engine; streams acquired afterwards are published.
func (m *MediaManager) SetPublisher(p Publisher) {
	m.mu.Lock()
	m.pub = p
	m.mu.Unlock()
}

type acquired struct {
	stream core.LocalStream
	err    error
}

// Acquire captures audio+video. A stream that resolves after ctx is done or
// after Close is released immediately.
func (m *MediaManager) Acquire(ctx context.Context) (core.LocalStream, error) {
	res := make(chan acquired, 1)
	go func() {
		s, err := m.devices.GetUserMedia(ctx, core.Constraints{Audio: true, Video: true})
		res <- acquired{stream: s, err: err}
	}()

	var r acquired
	select {
	case r = <-res:
	case <-ctx.Done():
		go func() {
			if late := <-res; late.stream != nil {
				m.logger.Info().Str("stream", late.stream.ID()).Msg("releasing stream acquired after cancellation")
				core.StopStream(late.stream)
			}
		}()
		return nil, domain.NewCallError(domain.CodeCancelled, ctx.Err())
	}
	if r.err != nil {
		return nil, asDeviceError(r.err)
	}

	m.mu.Lock()
	if m.closed || ctx.Err() != nil {
		m.mu.Unlock()
		core.StopStream(r.stream)
		return nil, domain.NewCallError(domain.CodeCancelled, context.Canceled)
	}
	if m.local != nil {
		core.StopStream(m.local)
	}
	m.local = r.stream
	pub := m.pub
	m.mu.Unlock()

	if pub != nil {
		if err := pub.Publish(r.stream); err != nil {
			m.logger.Error().Err(err).Str("stream", r.stream.ID()).Msg("publish local stream")
		}
	}
	m.logger.Info().Str("stream", r.stream.ID()).Int("tracks", len(r.stream.Tracks())).Msg("local stream acquired")
	return r.stream, nil
}

func asDeviceError(err error) error {
	var ce *domain.CallError
	if errors.As(err, &ce) {
		return ce
	}
	return domain.NewCallError(domain.CodeDeviceNotFound, err)
}

// ToggleAudio flips the enabled state of the audio tracks in place.
func (m *MediaManager) ToggleAudio(enable bool) error {
	return m.setEnabled(core.KindAudio, enable)
}

// ToggleVideo flips the enabled state of the camera tracks in place.
// The screen-share stream is untouched.
func (m *MediaManager) ToggleVideo(enable bool) error {
	return m.setEnabled(core.KindVideo, enable)
}

func (m *MediaManager) setEnabled(kind core.TrackKind, enable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.local == nil {
		return ErrNoLocalStream
	}
	for _, t := range m.local.Tracks() {
		if t.Kind() == kind {
			t.SetEnabled(enable)
		}
	}
	m.logger.Info().Str("kind", string(kind)).Bool("enabled", enable).Msg("track toggled")
	return nil
}

func (m *MediaManager) AudioEnabled() bool { return m.enabled(core.KindAudio) }
func (m *MediaManager) VideoEnabled() bool { return m.enabled(core.KindVideo) }

func (m *MediaManager) enabled(kind core.TrackKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.local == nil {
		return false
	}
	for _, t := range m.local.Tracks() {
		if t.Kind() == kind && t.Enabled() {
			return true
		}
	}
	return false
}

// StartScreenShare captures a display source and replaces any prior share.
// Failure leaves the camera stream and the prior share untouched.
func (m *MediaManager) StartScreenShare(ctx context.Context) error {
	s, err := m.devices.GetDisplayMedia(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("screen share failed")
		return domain.NewCallError(domain.CodeScreenShareFailed, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		core.StopStream(s)
		return domain.NewCallError(domain.CodeCancelled, context.Canceled)
	}
	prev := m.screen
	m.screen = s
	pub := m.pub
	m.mu.Unlock()

	if prev != nil {
		m.release(pub, prev)
	}
	if pub != nil {
		if err := pub.Publish(s); err != nil {
			m.logger.Error().Err(err).Str("stream", s.ID()).Msg("publish screen stream")
		}
	}
	m.logger.Info().Str("stream", s.ID()).Msg("screen share started")
	return nil
}

// StopScreenShare releases the share. No-op when none is active.
func (m *MediaManager) StopScreenShare() {
	m.mu.Lock()
	s := m.screen
	m.screen = nil
	pub := m.pub
	m.mu.Unlock()
	if s == nil {
		return
	}
	m.release(pub, s)
	m.logger.Info().Str("stream", s.ID()).Msg("screen share stopped")
}

func (m *MediaManager) release(pub Publisher, s core.LocalStream) {
	if pub != nil {
		if err := pub.Unpublish(s); err != nil {
			m.logger.Warn().Err(err).Str("stream", s.ID()).Msg("unpublish")
		}
	}
	core.StopStream(s)
}

func (m *MediaManager) Local() core.LocalStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

func (m *MediaManager) Screen() core.LocalStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screen
}

func (m *MediaManager) ScreenSharing() bool { return m.Screen() != nil }

// Close stops every owned track exactly once. Idempotent.
func (m *MediaManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	local, screen := m.local, m.screen
	m.local, m.screen = nil, nil
	m.mu.Unlock()

	core.StopStream(screen)
	core.StopStream(local)
	m.logger.Info().Msg("media released")
}
