// Package fanout forwards RTP read from one remote track to any number of sinks.
package fanout

import (
	"context"
	"maps"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// Source is the read side of a remote track. webrtc.TrackRemote satisfies it.
type Source interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type Relay struct {
	Src Source

	mu   sync.RWMutex
	outs map[string]*Out

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRelay(src Source, cancel context.CancelFunc) *Relay {
	return &Relay{
		Src:    src,
		outs:   make(map[string]*Out),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// loop reads RTP packets from the source and forwards them to every Out.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, marking all sinks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("relay read RTP ended")
			r.markAllDelete()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := make(map[string]*Out, len(r.outs))
	maps.Copy(snapshot, r.outs)
	r.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for id, o := range snapshot {
		switch o.State() {
		case SinkStateDelete:
			dirty = append(dirty, id)
		case SinkStateMuted:
		case SinkStateOk:
			if err := o.Sink.WriteRTP(pkt); err != nil {
				logger.Warn().Err(err).Str("sink", id).Msg("sink write failed, detaching")
				o.MarkDelete()
				dirty = append(dirty, id)
			}
		}
	}

	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		if o, ok := r.outs[id]; ok && o.State() == SinkStateDelete {
			delete(r.outs, id)
		}
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.outs {
		o.MarkDelete()
	}
}

func (r *Relay) add(id string, o *Out) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outs[id] = o
}

func (r *Relay) out(id string) (*Out, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.outs[id]
	return o, ok
}

// Sinks reports how many sinks are attached.
func (r *Relay) Sinks() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.outs)
}

// Done is closed once the read loop exits.
func (r *Relay) Done() <-chan struct{} { return r.done }
