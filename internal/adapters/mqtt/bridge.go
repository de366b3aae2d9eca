// Package mqtt is a core.SignalBridge over an MQTT broker. Rooms are topics;
// targeted negotiation messages go to a per-peer inbox topic.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected = errors.New("mqtt bridge not connected")
	ErrClosed       = errors.New("mqtt bridge closed")
)

const (
	qos           = 1
	presenceTopic = "call/presence"
	opTimeout     = 5 * time.Second
)

func roomTopic(id domain.SessionID) string { return "call/room/" + string(id) }
func inboxTopic(id domain.PeerID) string   { return "call/peer/" + string(id) }

type Config struct {
	Broker       string
	ClientPrefix string
	// NewClient builds the paho client; nil means paho.NewClient.
	NewClient func(*paho.ClientOptions) paho.Client
}

type Bridge struct {
	cfg Config

	mu     sync.Mutex
	client paho.Client
	closed bool
	up     bool
	ready  chan struct{}
	self   domain.PeerID
	role   domain.Role
	rooms  map[domain.SessionID]bool

	hmu       sync.Mutex
	nextID    int
	onConnect map[int]func()
	onDisc    map[int]func(error)
	subs      map[int]chan core.Envelope

	logger zerolog.Logger
}

func NewBridge(cfg Config) *Bridge {
	if cfg.ClientPrefix == "" {
		cfg.ClientPrefix = "call-"
	}
	if cfg.NewClient == nil {
		cfg.NewClient = paho.NewClient
	}
	return &Bridge{
		cfg:       cfg,
		ready:     make(chan struct{}),
		rooms:     make(map[domain.SessionID]bool),
		onConnect: make(map[int]func()),
		onDisc:    make(map[int]func(error)),
		subs:      make(map[int]chan core.Envelope),
		logger:    log.With().Str("module", "signal.mqtt").Logger(),
	}
}

// Connect configures the client with auto-reconnect and starts connecting.
// The peer id is the credential.
func (b *Bridge) Connect(_ context.Context, credential string, role domain.Role) error {
	if credential == "" {
		return errors.New("mqtt: empty credential")
	}
	self := domain.PeerID(credential)
	will, _ := json.Marshal(core.Envelope{Type: core.SignalMemberLeft, From: self})

	opts := paho.NewClientOptions()
	opts.AddBroker(b.cfg.Broker)
	opts.SetClientID(b.cfg.ClientPrefix + credential)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetBinaryWill(presenceTopic, will, qos, false)
	opts.SetOnConnectHandler(func(c paho.Client) { b.onConnected(c) })
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) { b.onLost(err) })

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.client != nil {
		b.mu.Unlock()
		return nil
	}
	b.self, b.role = self, role
	client := b.cfg.NewClient(opts)
	b.client = client
	b.mu.Unlock()

	// With ConnectRetry the token completes once the first attempt is queued;
	// readiness is reported by the on-connect handler.
	token := client.Connect()
	go func() {
		if token.Wait() && token.Error() != nil {
			b.logger.Warn().Err(token.Error()).Msg("mqtt connect")
		}
	}()
	return nil
}

func (b *Bridge) onConnected(c paho.Client) {
	b.mu.Lock()
	self := b.self
	rooms := make([]domain.SessionID, 0, len(b.rooms))
	for id := range b.rooms {
		rooms = append(rooms, id)
	}
	b.mu.Unlock()

	if err := wait(c.Subscribe(inboxTopic(self), qos, b.onMessage)); err != nil {
		b.logger.Error().Err(err).Msg("subscribe inbox")
		return
	}
	if err := wait(c.Subscribe(presenceTopic, qos, b.onMessage)); err != nil {
		b.logger.Error().Err(err).Msg("subscribe presence")
		return
	}
	for _, id := range rooms {
		if err := wait(c.Subscribe(roomTopic(id), qos, b.onMessage)); err != nil {
			b.logger.Warn().Err(err).Str("session", string(id)).Msg("resubscribe room")
		}
	}

	b.mu.Lock()
	if b.up || b.closed {
		b.mu.Unlock()
		return
	}
	b.up = true
	close(b.ready)
	b.mu.Unlock()

	b.logger.Info().Str("self", string(self)).Str("broker", b.cfg.Broker).Msg("signaling ready")
	for _, fn := range b.connectHandlers() {
		fn()
	}
}

func (b *Bridge) onLost(err error) {
	b.mu.Lock()
	if !b.up || b.closed {
		b.mu.Unlock()
		return
	}
	b.up = false
	b.ready = make(chan struct{})
	b.mu.Unlock()

	b.logger.Warn().Err(err).Msg("mqtt connection lost")
	for _, fn := range b.disconnectHandlers() {
		fn(err)
	}
}

func (b *Bridge) onMessage(_ paho.Client, msg paho.Message) {
	var env core.Envelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		b.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("bad json")
		return
	}
	b.mu.Lock()
	self := b.self
	b.mu.Unlock()
	if env.From == self {
		return
	}
	b.publish(env)
}

func wait(t paho.Token) error {
	if !t.WaitTimeout(opTimeout) {
		return errors.New("mqtt: operation timed out")
	}
	return t.Error()
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
	if !b.up {
		return ""
	}
	return b.self
}

func (b *Bridge) connected() (paho.Client, domain.PeerID, domain.Role, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, "", "", ErrClosed
	}
	if b.client == nil || !b.up {
		return nil, "", "", ErrNotConnected
	}
	return b.client, b.self, b.role, nil
}

// JoinRoom subscribes to the room topic and announces the member.
func (b *Bridge) JoinRoom(ctx context.Context, id domain.SessionID) error {
	c, self, role, err := b.connected()
	if err != nil {
		return err
	}
	if err := waitCtx(ctx, c.Subscribe(roomTopic(id), qos, b.onMessage)); err != nil {
		return fmt.Errorf("subscribe room: %w", err)
	}
	b.mu.Lock()
	b.rooms[id] = true
	b.mu.Unlock()

	if err := b.send(c, roomTopic(id), core.Envelope{Type: core.SignalMemberJoined, Session: id, From: self, Role: role}); err != nil {
		return err
	}
	b.publish(core.Envelope{Type: core.SignalRoomState, Session: id})
	b.logger.Info().Str("session", string(id)).Msg("joined room")
	return nil
}

func (b *Bridge) LeaveRoom(ctx context.Context, id domain.SessionID) error {
	c, self, _, err := b.connected()
	if err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.rooms, id)
	b.mu.Unlock()
	if err := b.send(c, roomTopic(id), core.Envelope{Type: core.SignalMemberLeft, Session: id, From: self}); err != nil {
		return err
	}
	return waitCtx(ctx, c.Unsubscribe(roomTopic(id)))
}

func waitCtx(ctx context.Context, t paho.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send publishes env to the addressed peer's inbox, or to its room when To is empty.
func (b *Bridge) Send(env core.Envelope) error {
	c, self, _, err := b.connected()
	if err != nil {
		return err
	}
	env.From = self
	topic := roomTopic(env.Session)
	if env.To != "" {
		topic = inboxTopic(env.To)
	} else if env.Session == "" {
		return errors.New("mqtt: envelope has neither recipient nor session")
	}
	return b.send(c, topic, env)
}

func (b *Bridge) send(c paho.Client, topic string, env core.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := wait(c.Publish(topic, qos, false, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
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

// Close disconnects from the broker. Idempotent.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.up = false
	client := b.client
	b.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
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
