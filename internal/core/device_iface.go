package core

import "context"

type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// LocalTrack is one captured track. Enabled gates what is sent without releasing the device.
type LocalTrack interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	// Stop releases the underlying capture source. Idempotent.
	Stop()
}

type LocalStream interface {
	ID() string
	Tracks() []LocalTrack
}

type Constraints struct {
	Audio bool
	Video bool
}

// MediaDevices is the only path to hardware capture.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, c Constraints) (LocalStream, error)
	GetDisplayMedia(ctx context.Context) (LocalStream, error)
}

// StopStream stops every track of s.
func StopStream(s LocalStream) {
	if s == nil {
		return
	}
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
