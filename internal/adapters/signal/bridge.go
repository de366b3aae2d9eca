package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected = errors.New("signaling channel not connected")
	ErrClosed       = errors.New("signaling bridge closed")
)

// TokenCookie carries the client credential, shared with the hub middleware.
const TokenCookie = "ct"

type Config struct {
	URL        string
	PingPeriod time.Duration
	// MaxRetryInterval caps the reconnect backoff.
	MaxRetryInterval time.Duration
	Dialer           *websocket.Dialer
}

// Bridge is a core.SignalBridge over a WebSocket. It redials with exponential
// backoff until closed and reports readiness once the hub's welcome arrives.
type Bridge struct {
	cfg Config

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	started    bool
	closed     bool
	conn       *Conn
	ready      chan struct{}
	up         bool
	self       domain.PeerID
	credential string
	role       domain.Role
	waiters    map[domain.SessionID][]chan error

	hmu       sync.Mutex
	nextID    int
	onConnect map[int]func()
	onDisc    map[int]func(error)
	subs      map[int]chan core.Envelope

	logger zerolog.Logger
}

func NewBridge(cfg Config) *Bridge {
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = 25 * time.Second
	}
	if cfg.MaxRetryInterval <= 0 {
		cfg.MaxRetryInterval = 5 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Bridge{
		cfg:       cfg,
		ready:     make(chan struct{}),
		waiters:   make(map[domain.SessionID][]chan error),
		onConnect: make(map[int]func()),
		onDisc:    make(map[int]func(error)),
		subs:      make(map[int]chan core.Envelope),
		logger:    log.With().Str("module", "signal.bridge").Logger(),
	}
}

// Connect starts the dial loop. It returns once the loop is running; use
// WaitForReady to observe the welcome.
func (b *Bridge) Connect(_ context.Context, credential string, role domain.Role) error {
	u, err := url.Parse(b.cfg.URL)
	if err != nil {
		return fmt.Errorf("signal url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("signal url: unsupported scheme %q", u.Scheme)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.started {
		return nil
	}
	b.started = true
	b.credential, b.role = credential, role
	b.ctx, b.cancel = context.WithCancel(context.Background())
	go b.run(b.ctx, u)
	return nil
}

func (b *Bridge) run(ctx context.Context, u *url.URL) {
	for {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 100 * time.Millisecond
		bo.MaxInterval = b.cfg.MaxRetryInterval

		ws, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
			return b.dial(ctx, u)
		},
			backoff.WithBackOff(bo),
			backoff.WithNotify(func(err error, next time.Duration) {
				b.logger.Warn().Err(err).Dur("retry_in", next).Msg("dial failed")
			}),
		)
		if ctx.Err() != nil {
			if ws != nil {
				_ = ws.Close()
			}
			return
		}
		if err != nil {
			continue
		}
		b.serve(ctx, ws)
		if ctx.Err() != nil || b.isClosed() {
			return
		}
	}
}

func (b *Bridge) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bridge) dial(ctx context.Context, u *url.URL) (*websocket.Conn, error) {
	b.mu.Lock()
	credential, role := b.credential, b.role
	b.mu.Unlock()

	q := u.Query()
	q.Set("role", string(role))
	target := *u
	target.RawQuery = q.Encode()

	header := http.Header{}
	if credential != "" {
		header.Set("Cookie", (&http.Cookie{Name: TokenCookie, Value: credential}).String())
	}
	ws, resp, err := b.cfg.Dialer.DialContext(ctx, target.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return ws, nil
}

func (b *Bridge) serve(ctx context.Context, ws *websocket.Conn) {
	conn := NewConn(ws)
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.conn = conn
	b.mu.Unlock()

	b.logger.Info().Str("url", b.cfg.URL).Msg("socket open")
	conn.Pump(connCtx, &b.logger)
	go b.pingLoop(connCtx, conn)

	err := conn.ReadPump(connCtx, &b.logger, b.handle)
	conn.Close()
	if err == nil {
		err = ErrNotConnected
	}
	b.markDown(conn, err)
}

func (b *Bridge) pingLoop(ctx context.Context, conn *Conn) {
	t := time.NewTicker(b.cfg.PingPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := conn.SendJSON(core.Envelope{Type: core.SignalPing}); err != nil {
				b.logger.Debug().Err(err).Msg("ping")
				return
			}
		}
	}
}

func (b *Bridge) handle(env core.Envelope) {
	switch env.Type {
	case core.SignalWelcome:
		b.markUp(env.To)
		return
	case core.SignalPong:
		return
	case core.SignalRoomState:
		b.resolveJoin(env.Session, nil)
	case core.SignalError:
		if env.Session != "" {
			b.resolveJoin(env.Session, fmt.Errorf("hub: %s", env.Error))
		}
		b.logger.Warn().Str("error", env.Error).Msg("hub error")
	}
	b.publish(env)
}

func (b *Bridge) markUp(self domain.PeerID) {
	b.mu.Lock()
	if b.up || b.closed {
		b.mu.Unlock()
		return
	}
	b.up = true
	b.self = self
	close(b.ready)
	b.mu.Unlock()

	b.logger.Info().Str("self", string(self)).Msg("signaling ready")
	for _, fn := range b.connectHandlers() {
		fn()
	}
}

func (b *Bridge) markDown(conn *Conn, err error) {
	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
	}
	wasUp := b.up
	if wasUp {
		b.up = false
		b.ready = make(chan struct{})
	}
	waiters := b.waiters
	b.waiters = make(map[domain.SessionID][]chan error)
	closed := b.closed
	b.mu.Unlock()

	for _, ws := range waiters {
		for _, w := range ws {
			w <- ErrNotConnected
		}
	}
	if !wasUp || closed {
		return
	}
	b.logger.Warn().Err(err).Msg("signaling lost")
	for _, fn := range b.disconnectHandlers() {
		fn(err)
	}
}

func (b *Bridge) WaitForReady(ctx context.Context) bool {
	b.mu.Lock()
	ready := b.ready
	b.mu.Unlock()
	select {
	case <-ready:
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *Bridge) IsReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.up
}

func (b *Bridge) Self() domain.PeerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.self
}

// JoinRoom asks the hub to join id and waits for its room_state.
func (b *Bridge) JoinRoom(ctx context.Context, id domain.SessionID) error {
	w := make(chan error, 1)
	b.mu.Lock()
	conn := b.conn
	if conn == nil || !b.up {
		b.mu.Unlock()
		return ErrNotConnected
	}
	b.waiters[id] = append(b.waiters[id], w)
	b.mu.Unlock()

	if err := conn.SendJSON(core.Envelope{Type: core.SignalJoin, Session: id}); err != nil {
		b.dropWaiter(id, w)
		return err
	}
	select {
	case err := <-w:
		return err
	case <-ctx.Done():
		b.dropWaiter(id, w)
		return ctx.Err()
	}
}

func (b *Bridge) resolveJoin(id domain.SessionID, err error) {
	b.mu.Lock()
	ws := b.waiters[id]
	delete(b.waiters, id)
	b.mu.Unlock()
	for _, w := range ws {
		w <- err
	}
}

func (b *Bridge) dropWaiter(id domain.SessionID, w chan error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ws := b.waiters[id]
	for i, x := range ws {
		if x == w {
			b.waiters[id] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(b.waiters[id]) == 0 {
		delete(b.waiters, id)
	}
}

func (b *Bridge) LeaveRoom(_ context.Context, id domain.SessionID) error {
	return b.Send(core.Envelope{Type: core.SignalLeave, Session: id})
}

func (b *Bridge) Send(env core.Envelope) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.SendJSON(env)
}

func (b *Bridge) OnConnect(fn func()) func() {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	id := b.nextID
	b.nextID++
	b.onConnect[id] = fn
	return func() {
		b.hmu.Lock()
		delete(b.onConnect, id)
		b.hmu.Unlock()
	}
}

func (b *Bridge) OnDisconnect(fn func(error)) func() {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	id := b.nextID
	b.nextID++
	b.onDisc[id] = fn
	return func() {
		b.hmu.Lock()
		delete(b.onDisc, id)
		b.hmu.Unlock()
	}
}

func (b *Bridge) connectHandlers() []func() {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	out := make([]func(), 0, len(b.onConnect))
	for _, fn := range b.onConnect {
		out = append(out, fn)
	}
	return out
}

func (b *Bridge) disconnectHandlers() []func(error) {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	out := make([]func(error), 0, len(b.onDisc))
	for _, fn := range b.onDisc {
		out = append(out, fn)
	}
	return out
}

// Subscribe delivers every inbound envelope except welcome/pong. A slow
// subscriber loses messages rather than stalling the read loop.
func (b *Bridge) Subscribe() (<-chan core.Envelope, func()) {
	ch := make(chan core.Envelope, 128)
	b.hmu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs != nil {
		b.subs[id] = ch
	} else {
		close(ch)
	}
	b.hmu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.hmu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.hmu.Unlock()
		})
	}
}

func (b *Bridge) publish(env core.Envelope) {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- env:
		default:
			b.logger.Warn().Str("type", string(env.Type)).Msg("subscriber backpressure, envelope dropped")
		}
	}
}

// Close flushes queued envelopes, then stops the socket and the dial loop. Idempotent.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.up = false
	cancel, conn := b.cancel, b.conn
	b.conn = nil
	b.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	b.hmu.Lock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.subs = nil
	b.onConnect = map[int]func(){}
	b.onDisc = map[int]func(error){}
	b.hmu.Unlock()
	b.logger.Info().Msg("bridge closed")
	return nil
}
