package fanout

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type SinkState int32

const (
	SinkStateOk SinkState = iota
	SinkStateMuted
	SinkStateDelete
)

// Sink consumes forwarded RTP. webrtc.TrackLocalStaticRTP satisfies it.
type Sink interface {
	WriteRTP(pkt *rtp.Packet) error
}

// Out is a single attached sink with its forwarding state.
type Out struct {
	Sink  Sink
	state atomic.Int32 // Zero by default (SinkStateOk)
}

func NewOut(s Sink) *Out {
	return &Out{Sink: s}
}

func (o *Out) State() SinkState {
	return SinkState(o.state.Load())
}

func (o *Out) MarkOk() {
	o.state.Store(int32(SinkStateOk))
}

func (o *Out) MarkMuted() {
	o.state.Store(int32(SinkStateMuted))
}

func (o *Out) MarkDelete() {
	o.state.Store(int32(SinkStateDelete))
}
