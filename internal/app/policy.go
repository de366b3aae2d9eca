package app

import (
	"context"
	"time"

	"github.com/dkeye/Call/internal/core"
	"github.com/rs/zerolog/log"
)

// SettlePolicy decides how long to wait between engine init and stream acquisition.
// Some engines silently drop tracks added before their negotiation setup is done.
type SettlePolicy interface {
	Settle(ctx context.Context, engine core.MediaEngine) error
}

// FixedDelay waits a constant duration.
type FixedDelay struct {
	Delay time.Duration
}

func (p FixedDelay) Settle(ctx context.Context, _ core.MediaEngine) error {
	if p.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(p.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EngineAck waits for the engine's ready acknowledgment when it offers one,
// bounded by Max. Engines without one get FixedDelay{Max}.
type EngineAck struct {
	Max time.Duration
}

func (p EngineAck) Settle(ctx context.Context, engine core.MediaEngine) error {
	rn, ok := engine.(core.ReadyNotifier)
	if !ok {
		return FixedDelay{Delay: p.Max}.Settle(ctx, engine)
	}
	var timeout <-chan time.Time
	if p.Max > 0 {
		t := time.NewTimer(p.Max)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-rn.Ready():
		return nil
	case <-timeout:
		log.Warn().Str("module", "app.policy").Dur("max", p.Max).Msg("engine ready ack not received, proceeding")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
