// Package orch composes the signaling bridge, media engine, registry and media
// manager into one call session and sequences its bootstrap and teardown.
package orch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/Call/internal/app"
	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var ErrEnded = errors.New("call ended")

const leaveTimeout = 2 * time.Second

// Deps are the collaborators a Controller drives. Bridge and Engine are owned
// by the controller and closed on teardown.
type Deps struct {
	Bridge    core.SignalBridge
	Engine    core.MediaEngine
	Devices   core.MediaDevices
	Directory core.Directory
	Settle    app.SettlePolicy

	Credential    string
	ReadyTimeout  time.Duration
	Tick          time.Duration
	LookupTimeout time.Duration
}

// Controller is one call session. It is created by New, started once by Start
// and ended by End.
type Controller struct {
	handle  domain.Handle
	session domain.Session
	deps    Deps

	state    *app.CallState
	registry *app.PeerRegistry
	media    *app.MediaManager

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	startOnce   sync.Once
	releaseOnce sync.Once
	// lifeMu serializes room membership changes with teardown.
	lifeMu sync.Mutex
	// connectMu makes the ended check and the Connected transition atomic
	// with respect to End.
	connectMu sync.Mutex

	mu        sync.Mutex
	ended     bool
	joined    bool
	connected bool
	counted   bool
	err       error
	unsub     []func()

	emitMu  sync.Mutex
	quiet   bool
	nextSub int
	subs    map[int]func()

	tracer         trace.Tracer
	sessionsActive metric.Int64UpDownCounter
	failures       metric.Int64Counter

	logger zerolog.Logger
}

func New(parent context.Context, handle domain.Handle, session domain.Session, deps Deps) *Controller {
	if deps.Settle == nil {
		deps.Settle = app.FixedDelay{Delay: 500 * time.Millisecond}
	}
	if deps.ReadyTimeout <= 0 {
		deps.ReadyTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(parent)

	meter := otel.Meter("call-orch")
	active, _ := meter.Int64UpDownCounter("call.sessions_active", metric.WithDescription("Number of connected call sessions"))
	failures, _ := meter.Int64Counter("call.bootstrap_failures", metric.WithDescription("Bootstrap failures by error code"))

	c := &Controller{
		handle:         handle,
		session:        session,
		deps:           deps,
		state:          app.NewCallState(deps.Tick),
		registry:       app.NewPeerRegistry(deps.Directory, deps.LookupTimeout),
		media:          app.NewMediaManager(deps.Devices),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		subs:           make(map[int]func()),
		tracer:         otel.Tracer("call-orch"),
		sessionsActive: active,
		failures:       failures,
		logger: log.With().
			Str("module", "orch").
			Str("session", string(session.ID)).
			Str("handle", string(handle)).
			Logger(),
	}
	c.registry.OnChange(c.emit)
	c.state.Observe(func(from, to domain.CallState) {
		c.logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("call state")
		c.emit()
	})
	return c
}

// Start launches the bootstrap. Calling it more than once has no effect.
func (c *Controller) Start() {
	c.startOnce.Do(func() {
		go c.bootstrap()
	})
}

func (c *Controller) bootstrap() {
	defer close(c.done)

	ctx, span := c.tracer.Start(c.ctx, "call.bootstrap", trace.WithAttributes(
		attribute.String("session", string(c.session.ID)),
		attribute.Bool("host", c.session.IsHost),
	))
	defer span.End()

	err := c.runBootstrap(ctx, span)
	if err == nil {
		span.SetStatus(codes.Ok, "connected")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	c.mu.Lock()
	ended := c.ended
	if !ended {
		c.err = err
	}
	c.mu.Unlock()
	if ended {
		c.logger.Info().Err(err).Msg("bootstrap abandoned after end")
		return
	}

	code := domain.CodeOf(err)
	c.failures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("code", string(code))))
	c.logger.Error().Err(err).Str("code", string(code)).Msg("bootstrap failed")
	c.release()
}

func (c *Controller) runBootstrap(ctx context.Context, span trace.Span) error {
	bridge, engine := c.deps.Bridge, c.deps.Engine
	role := c.session.Role()

	// 1. signaling readiness
	if err := bridge.Connect(ctx, c.deps.Credential, role); err != nil {
		return c.classify(domain.CodeSignalingTimeout, err)
	}
	readyCtx, cancel := context.WithTimeout(ctx, c.deps.ReadyTimeout)
	ready := bridge.WaitForReady(readyCtx)
	cancel()
	if !ready {
		return c.classify(domain.CodeSignalingTimeout, errors.New("signaling channel not ready"))
	}
	if err := c.track(bridge.OnDisconnect(c.onSignalDown), bridge.OnConnect(c.onSignalUp)); err != nil {
		return err
	}
	span.AddEvent("signaling ready")

	// 2. engine
	cfg := core.EngineConfig{
		Session: c.session.ID,
		Self:    bridge.Self(),
		Role:    role,
		IsHost:  c.session.IsHost,
	}
	if err := engine.Init(ctx, cfg); err != nil {
		return c.classify(domain.CodeEngineInitFailed, err)
	}
	c.registry.Attach(engine)
	c.media.SetPublisher(engine)
	if err := c.checkpoint(); err != nil {
		return err
	}
	span.AddEvent("engine initialized")

	// 3. settle
	if err := c.deps.Settle.Settle(ctx, engine); err != nil {
		return c.classify(domain.CodeCancelled, err)
	}
	span.AddEvent("engine settled")

	// 4. local media
	if _, err := c.media.Acquire(ctx); err != nil {
		return c.classify(domain.CodeDeviceNotFound, err)
	}
	span.AddEvent("local media acquired")

	// 5. join and connect
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if err := c.checkpoint(); err != nil {
		return err
	}
	joinCtx, cancelJoin := context.WithTimeout(ctx, c.deps.ReadyTimeout)
	err := bridge.JoinRoom(joinCtx, c.session.ID)
	cancelJoin()
	if err != nil {
		return c.classify(domain.CodeSignalingTimeout, err)
	}

	c.connectMu.Lock()
	c.mu.Lock()
	c.joined = true
	if c.ended {
		c.mu.Unlock()
		c.connectMu.Unlock()
		return domain.NewCallError(domain.CodeCancelled, ErrEnded)
	}
	c.connected = true
	c.counted = true
	c.mu.Unlock()
	err = c.state.Connect()
	c.connectMu.Unlock()
	if err != nil {
		return err
	}
	c.sessionsActive.Add(context.Background(), 1)
	span.AddEvent("connected")
	c.logger.Info().Str("self", string(bridge.Self())).Str("role", string(role)).Msg("call connected")
	return nil
}

// classify maps err to code unless it already carries one or the call was ended.
func (c *Controller) classify(code domain.Code, err error) error {
	if c.ctx.Err() != nil {
		return domain.NewCallError(domain.CodeCancelled, c.ctx.Err())
	}
	var ce *domain.CallError
	if errors.As(err, &ce) {
		return ce
	}
	return domain.NewCallError(code, err)
}

func (c *Controller) checkpoint() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return domain.NewCallError(domain.CodeCancelled, ErrEnded)
	}
	return nil
}

// track keeps unsubscribe funcs for teardown, or runs them at once if the call already ended.
func (c *Controller) track(fns ...func()) error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
		return domain.NewCallError(domain.CodeCancelled, ErrEnded)
	}
	c.unsub = append(c.unsub, fns...)
	c.mu.Unlock()
	return nil
}

func (c *Controller) onSignalDown(err error) {
	c.mu.Lock()
	if c.ended || !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.mu.Unlock()
	c.logger.Warn().Err(err).Msg("signaling channel lost")
	c.emit()
}

func (c *Controller) onSignalUp() {
	c.mu.Lock()
	rejoin := c.joined && !c.ended && !c.connected
	c.mu.Unlock()
	if rejoin {
		go c.rejoin()
	}
}

func (c *Controller) rejoin() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	c.mu.Lock()
	if c.ended || !c.joined {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.deps.Bridge.JoinRoom(c.ctx, c.session.ID); err != nil {
		c.logger.Warn().Err(err).Msg("rejoin failed")
		return
	}
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.connected = true
	c.mu.Unlock()
	c.logger.Info().Msg("signaling channel restored, room rejoined")
	c.emit()
}

// End tears the call down. It is idempotent and safe during bootstrap; no
// change callback fires after it returns. It must not be called from an
// OnChange callback.
func (c *Controller) End() {
	c.connectMu.Lock()
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		c.connectMu.Unlock()
		return
	}
	c.ended = true
	c.mu.Unlock()
	c.connectMu.Unlock()

	c.cancel()
	c.release()

	c.emitMu.Lock()
	if !c.quiet {
		c.quiet = true
		for _, fn := range c.subs {
			fn()
		}
		c.subs = nil
	}
	c.emitMu.Unlock()
	c.logger.Info().Msg("call ended")
}

// release frees every resource exactly once. Used by End and by the failure path.
func (c *Controller) release() {
	c.releaseOnce.Do(func() {
		c.lifeMu.Lock()
		defer c.lifeMu.Unlock()

		c.media.Close()
		c.state.Disconnect()

		c.mu.Lock()
		joined, counted := c.joined, c.counted
		c.joined, c.connected, c.counted = false, false, false
		unsub := c.unsub
		c.unsub = nil
		c.mu.Unlock()

		for _, u := range unsub {
			u()
		}
		if joined {
			ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
			if err := c.deps.Bridge.LeaveRoom(ctx, c.session.ID); err != nil {
				c.logger.Warn().Err(err).Msg("leave room")
			}
			cancel()
		}
		c.registry.Close()
		if err := c.deps.Engine.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("engine close")
		}
		if err := c.deps.Bridge.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("bridge close")
		}
		if counted {
			c.sessionsActive.Add(context.Background(), -1)
		}
		c.logger.Info().Bool("left_room", joined).Msg("resources released")
	})
}

// OnChange registers fn to run after any observable mutation. The returned
// func unregisters it.
func (c *Controller) OnChange(fn func()) (cancel func()) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.quiet {
		return func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.emitMu.Lock()
		delete(c.subs, id)
		c.emitMu.Unlock()
	}
}

func (c *Controller) emit() {
	c.mu.Lock()
	ended := c.ended
	c.mu.Unlock()
	if ended {
		return
	}
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.quiet {
		return
	}
	for _, fn := range c.subs {
		fn()
	}
}

// Wait blocks until the bootstrap finished and returns its error, if any.
func (c *Controller) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ToggleMute flips the microphone and reports whether it is now muted.
func (c *Controller) ToggleMute() (bool, error) {
	if err := c.checkpoint(); err != nil {
		return false, ErrEnded
	}
	wasEnabled := c.media.AudioEnabled()
	if err := c.media.ToggleAudio(!wasEnabled); err != nil {
		return false, err
	}
	c.emit()
	return wasEnabled, nil
}

// ToggleVideo flips the camera and reports whether it is now enabled.
func (c *Controller) ToggleVideo() (bool, error) {
	if err := c.checkpoint(); err != nil {
		return false, ErrEnded
	}
	enable := !c.media.VideoEnabled()
	if err := c.media.ToggleVideo(enable); err != nil {
		return false, err
	}
	c.emit()
	return enable, nil
}

// ToggleScreenShare starts a share when none is active, else stops it.
// A failed start never ends the call.
func (c *Controller) ToggleScreenShare(ctx context.Context) (bool, error) {
	if err := c.checkpoint(); err != nil {
		return false, ErrEnded
	}
	if c.media.ScreenSharing() {
		c.media.StopScreenShare()
		c.emit()
		return false, nil
	}
	if err := c.media.StartScreenShare(ctx); err != nil {
		return false, err
	}
	c.emit()
	return true, nil
}

func (c *Controller) Handle() domain.Handle              { return c.handle }
func (c *Controller) Session() domain.Session            { return c.session }
func (c *Controller) State() domain.CallState            { return c.state.State() }
func (c *Controller) Elapsed() time.Duration             { return c.state.Elapsed() }
func (c *Controller) ClockRunning() bool                 { return c.state.ClockRunning() }
func (c *Controller) ClockStarted() bool                 { return c.state.ClockStarted() }
func (c *Controller) LocalStream() core.LocalStream      { return c.media.Local() }
func (c *Controller) ScreenStream() core.LocalStream     { return c.media.Screen() }
func (c *Controller) Muted() bool                        { return c.media.Local() != nil && !c.media.AudioEnabled() }
func (c *Controller) VideoEnabled() bool                 { return c.media.VideoEnabled() }
func (c *Controller) ScreenSharing() bool                { return c.media.ScreenSharing() }
func (c *Controller) Participants() []domain.Participant { return c.registry.Participants() }

// RemoteStreams returns a transient copy of the remote stream map.
func (c *Controller) RemoteStreams() map[domain.PeerID]core.RemoteStream {
	return c.registry.RemoteStreams()
}

func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Controller) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}
