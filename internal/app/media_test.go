package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/core/coretest"
	"github.com/dkeye/Call/internal/domain"
)

func acquire(t *testing.T, m *MediaManager) *coretest.Stream {
	t.Helper()
	s, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	return s.(*coretest.Stream)
}

func TestToggleVideoIsNonDestructive(t *testing.T) {
	dev := &coretest.Devices{}
	m := NewMediaManager(dev)
	s := acquire(t, m)

	if err := m.ToggleVideo(false); err != nil {
		t.Fatal(err)
	}
	if m.VideoEnabled() {
		t.Fatal("video should be disabled")
	}
	if err := m.ToggleVideo(true); err != nil {
		t.Fatal(err)
	}
	if !m.VideoEnabled() {
		t.Fatal("video should be enabled")
	}
	if got := dev.UserMediaCalls.Load(); got != 1 {
		t.Fatalf("device requested %d times, want 1", got)
	}
	if m.Local().ID() != s.ID() {
		t.Fatalf("stream identity changed: %s -> %s", s.ID(), m.Local().ID())
	}
	if s.Track(core.KindVideo).Stops.Load() != 0 {
		t.Fatal("toggle must not stop the track")
	}
}

func TestToggleAudioLeavesVideo(t *testing.T) {
	m := NewMediaManager(&coretest.Devices{})
	s := acquire(t, m)
	if err := m.ToggleAudio(false); err != nil {
		t.Fatal(err)
	}
	if s.Track(core.KindAudio).Enabled() || !s.Track(core.KindVideo).Enabled() {
		t.Fatal("audio toggle must only affect audio tracks")
	}
}

func TestToggleWithoutStream(t *testing.T) {
	m := NewMediaManager(&coretest.Devices{})
	if err := m.ToggleAudio(false); !errors.Is(err, ErrNoLocalStream) {
		t.Fatalf("got %v, want ErrNoLocalStream", err)
	}
}

func TestScreenShareIndependence(t *testing.T) {
	dev := &coretest.Devices{}
	eng := coretest.NewEngine()
	m := NewMediaManager(dev)
	m.SetPublisher(eng)
	cam := acquire(t, m)

	if err := m.StartScreenShare(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !m.ScreenSharing() {
		t.Fatal("expected screen sharing")
	}
	if !cam.Track(core.KindVideo).Enabled() {
		t.Fatal("starting a share changed the camera enabled flag")
	}

	if err := m.ToggleVideo(false); err != nil {
		t.Fatal(err)
	}
	if !m.ScreenSharing() || dev.Display(0).Track(core.KindVideo).Stops.Load() != 0 {
		t.Fatal("disabling video must not stop the screen share")
	}
	if err := m.ToggleVideo(true); err != nil {
		t.Fatal(err)
	}

	m.StopScreenShare()
	if m.ScreenSharing() {
		t.Fatal("share should be cleared")
	}
	if dev.Display(0).Track(core.KindVideo).Stops.Load() != 1 {
		t.Fatal("screen tracks must be released on stop")
	}
	if m.Local() == nil || cam.Track(core.KindVideo).Stops.Load() != 0 || !cam.Track(core.KindVideo).Enabled() {
		t.Fatal("camera stream must survive stopping the share")
	}
	m.StopScreenShare()
}

func TestScreenShareReplacesPrior(t *testing.T) {
	dev := &coretest.Devices{}
	m := NewMediaManager(dev)
	acquire(t, m)
	for i := 0; i < 2; i++ {
		if err := m.StartScreenShare(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if dev.Display(0).Track(core.KindVideo).Stops.Load() != 1 {
		t.Fatal("prior share must be released")
	}
	if m.Screen().ID() != dev.Display(1).ID() {
		t.Fatal("latest share should be active")
	}
}

func TestScreenShareFailureIsClassified(t *testing.T) {
	dev := &coretest.Devices{DisplayMediaErr: errors.New("picker dismissed")}
	m := NewMediaManager(dev)
	cam := acquire(t, m)
	err := m.StartScreenShare(context.Background())
	if !errors.Is(err, domain.ErrScreenShareFailed) {
		t.Fatalf("got %v, want ScreenShareFailed", err)
	}
	if m.Local() == nil || cam.Track(core.KindVideo).Stops.Load() != 0 {
		t.Fatal("camera must be unaffected by a failed share")
	}
}

func TestAcquireErrors(t *testing.T) {
	denied := domain.NewCallError(domain.CodeDeviceAccessDenied, errors.New("EACCES"))
	m := NewMediaManager(&coretest.Devices{UserMediaErr: denied})
	if _, err := m.Acquire(context.Background()); !errors.Is(err, domain.ErrDeviceAccessDenied) {
		t.Fatalf("got %v", err)
	}

	m = NewMediaManager(&coretest.Devices{UserMediaErr: errors.New("weird")})
	if _, err := m.Acquire(context.Background()); !errors.Is(err, domain.ErrDeviceNotFound) {
		t.Fatalf("unclassified errors should map to DeviceNotFound, got %v", err)
	}
}

func TestAcquireLateResolutionReleased(t *testing.T) {
	gate := make(chan struct{})
	dev := &coretest.Devices{UserMediaGate: gate}
	m := NewMediaManager(dev)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx)
		errc <- err
	}()
	for dev.UserMediaCalls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-errc; !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("got %v, want Cancelled", err)
	}
	close(gate)

	deadline := time.Now().Add(time.Second)
	for {
		s := dev.User(0)
		if s != nil && s.Track(core.KindAudio).Stops.Load() == 1 && s.Track(core.KindVideo).Stops.Load() == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("late stream was not released")
		}
		time.Sleep(time.Millisecond)
	}
	if m.Local() != nil {
		t.Fatal("late stream must not be adopted")
	}
}

func TestMediaCloseReleasesOnce(t *testing.T) {
	dev := &coretest.Devices{}
	m := NewMediaManager(dev)
	cam := acquire(t, m)
	if err := m.StartScreenShare(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.Close()
	m.Close()
	for _, tr := range cam.List {
		if n := tr.(*coretest.Track).Stops.Load(); n != 1 {
			t.Fatalf("track %s stopped %d times", tr.ID(), n)
		}
	}
	if n := dev.Display(0).Track(core.KindVideo).Stops.Load(); n != 1 {
		t.Fatalf("screen track stopped %d times", n)
	}
	if err := m.StartScreenShare(context.Background()); !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("share after close = %v", err)
	}
	if n := dev.Display(1).Track(core.KindVideo).Stops.Load(); n != 1 {
		t.Fatal("share captured after close must be released")
	}
}
