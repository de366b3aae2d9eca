// Package hub is a development signaling server: rooms keyed by session id,
// membership notices and targeted relay of negotiation messages.
package hub

import (
	"context"
	"net/http"
	"sync"

	"github.com/dkeye/Call/internal/adapters/signal"
	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type peer struct {
	id     domain.PeerID
	role   domain.Role
	conn   *signal.Conn
	cancel context.CancelFunc
	room   domain.SessionID // guarded by Hub.mu
}

type Hub struct {
	mu      sync.Mutex
	peers   map[domain.PeerID]*peer
	rooms   map[domain.SessionID]*room
	limiter *JoinLimiter

	logger zerolog.Logger
}

func New(limiter *JoinLimiter) *Hub {
	return &Hub{
		peers:   make(map[domain.PeerID]*peer),
		rooms:   make(map[domain.SessionID]*room),
		limiter: limiter,
		logger:  log.With().Str("module", "hub").Logger(),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and serves one peer until its socket closes.
// The peer id is the client token set by the token middleware.
func (h *Hub) HandleSignal(ctx context.Context, c *gin.Context) {
	id := domain.PeerID(c.GetString("client_token"))
	if id == "" || len(id) > domain.MaxPeerIDLen {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	role := domain.Role(c.Query("role"))
	if role != domain.RoleInitiator {
		role = domain.RoleInvitee
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	p := &peer{id: id, role: role, conn: signal.NewConn(ws), cancel: cancel}
	logger := h.logger.With().Str("peer", string(id)).Logger()

	h.mu.Lock()
	old := h.peers[id]
	h.peers[id] = p
	h.mu.Unlock()
	if old != nil {
		logger.Info().Msg("replacing existing connection")
		h.kick(old)
	}

	p.conn.Pump(pctx, &logger)
	_ = p.conn.SendJSON(core.Envelope{Type: core.SignalWelcome, To: id, Role: role})
	logger.Info().Str("role", string(role)).Msg("peer connected")

	go func() {
		err := p.conn.ReadPump(pctx, &logger, func(env core.Envelope) { h.handle(p, env) })
		logger.Info().Err(err).Msg("readPump closing")
		h.disconnect(p)
	}()
}

func (h *Hub) handle(p *peer, env core.Envelope) {
	switch env.Type {
	case core.SignalJoin:
		h.join(p, env.Session)
	case core.SignalLeave:
		h.leave(p, env.Session)
	case core.SignalPing:
		_ = p.conn.SendJSON(core.Envelope{Type: core.SignalPong})
	case core.SignalOffer, core.SignalAnswer, core.SignalCandidate:
		h.relay(p, env)
	default:
		h.logger.Warn().Str("peer", string(p.id)).Str("type", string(env.Type)).Msg("unknown signal")
		_ = p.conn.SendJSON(core.Envelope{Type: core.SignalError, Error: "unknown_type"})
	}
}

func (h *Hub) join(p *peer, id domain.SessionID) {
	if id == "" {
		_ = p.conn.SendJSON(core.Envelope{Type: core.SignalError, Error: "bad_payload"})
		return
	}
	if !h.limiter.Allow(p.id) {
		_ = p.conn.SendJSON(core.Envelope{Type: core.SignalError, Session: id, Error: "rate_limited"})
		return
	}

	h.mu.Lock()
	if h.peers[p.id] != p {
		h.mu.Unlock()
		return
	}
	prev := p.room
	var prevRoom *room
	if prev != "" && prev != id {
		prevRoom = h.rooms[prev]
		h.detach(p)
	}
	r, ok := h.rooms[id]
	if !ok {
		r = newRoom(id)
		h.rooms[id] = r
	}
	_, already := r.get(p.id)
	r.add(p)
	p.room = id
	h.mu.Unlock()

	if prevRoom != nil {
		h.notify(prevRoom, core.Envelope{Type: core.SignalMemberLeft, Session: prev, From: p.id})
	}
	_ = p.conn.SendJSON(core.Envelope{Type: core.SignalRoomState, Session: id, Members: r.memberIDs(p.id)})
	if already {
		return
	}
	h.logger.Info().Str("peer", string(p.id)).Str("session", string(id)).Msg("join")
	h.notify(r, core.Envelope{Type: core.SignalMemberJoined, Session: id, From: p.id, Role: p.role})
}

func (h *Hub) leave(p *peer, id domain.SessionID) {
	h.mu.Lock()
	if p.room == "" || (id != "" && p.room != id) {
		h.mu.Unlock()
		return
	}
	r := h.rooms[p.room]
	sid := p.room
	removed := h.detach(p)
	h.mu.Unlock()

	if removed && r != nil {
		h.logger.Info().Str("peer", string(p.id)).Str("session", string(sid)).Msg("leave")
		h.notify(r, core.Envelope{Type: core.SignalMemberLeft, Session: sid, From: p.id})
	}
}

// detach removes p from its room; caller holds h.mu.
func (h *Hub) detach(p *peer) bool {
	r, ok := h.rooms[p.room]
	p.room = ""
	if !ok {
		return false
	}
	removed := r.remove(p)
	if r.memberCount() == 0 {
		delete(h.rooms, r.id)
	}
	return removed
}

func (h *Hub) relay(p *peer, env core.Envelope) {
	h.mu.Lock()
	r := h.rooms[p.room]
	sid := p.room
	h.mu.Unlock()
	if r == nil {
		_ = p.conn.SendJSON(core.Envelope{Type: core.SignalError, Error: "not_in_room"})
		return
	}
	target, ok := r.get(env.To)
	if !ok {
		_ = p.conn.SendJSON(core.Envelope{Type: core.SignalError, Error: "unknown_peer"})
		return
	}
	env.From = p.id
	env.Session = sid
	if err := target.conn.SendJSON(env); err != nil {
		h.logger.Warn().Err(err).Str("to", string(target.id)).Msg("relay dropped, kicking slow peer")
		h.kick(target)
	}
}

func (h *Hub) notify(r *room, env core.Envelope) {
	res := r.broadcast(env.From, env)
	for _, slow := range res.Dropped {
		h.logger.Warn().Str("peer", string(slow.id)).Msg("broadcast dropped, kicking slow peer")
		h.kick(slow)
	}
}

// kick closes a peer's socket; its read loop then runs disconnect.
func (h *Hub) kick(p *peer) {
	p.cancel()
	p.conn.Close()
}

func (h *Hub) disconnect(p *peer) {
	h.leave(p, "")
	h.mu.Lock()
	if h.peers[p.id] == p {
		delete(h.peers, p.id)
		h.limiter.Forget(p.id)
	}
	h.mu.Unlock()
	p.conn.Close()
	p.cancel()
	h.logger.Info().Str("peer", string(p.id)).Msg("peer disconnected")
}

type RoomInfo struct {
	Session domain.SessionID `json:"session_id"`
	Members []domain.PeerID  `json:"members"`
}

// Rooms lists the live rooms.
func (h *Hub) Rooms() []RoomInfo {
	h.mu.Lock()
	rs := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rs = append(rs, r)
	}
	h.mu.Unlock()
	out := make([]RoomInfo, 0, len(rs))
	for _, r := range rs {
		out = append(out, RoomInfo{Session: r.id, Members: r.memberIDs("")})
	}
	return out
}
