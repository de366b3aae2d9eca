package hub

import (
	"sort"
	"sync"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/rs/zerolog/log"
)

type PublishResult struct {
	SendTo  int
	Dropped []*peer
}

// room is a threadsafe in-memory room keyed by session id.
// It never closes peer sockets.
type room struct {
	id      domain.SessionID
	mu      sync.RWMutex
	members map[domain.PeerID]*peer
}

func newRoom(id domain.SessionID) *room {
	return &room{id: id, members: make(map[domain.PeerID]*peer)}
}

func (r *room) memberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *room) add(p *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[p.id] = p
	log.Info().Str("module", "hub.room").Str("session", string(r.id)).Str("peer", string(p.id)).Msg("member added")
}

// remove reports whether p was the registered member for its id.
func (r *room) remove(p *peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.members[p.id]; !ok || cur != p {
		return false
	}
	delete(r.members, p.id)
	log.Info().Str("module", "hub.room").Str("session", string(r.id)).Str("peer", string(p.id)).Msg("member removed")
	return true
}

func (r *room) get(id domain.PeerID) (*peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.members[id]
	return p, ok
}

func (r *room) broadcast(from domain.PeerID, env core.Envelope) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for id, m := range r.members {
		if id == from {
			continue
		}
		if err := m.conn.SendJSON(env); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "hub.room").Str("from", string(from)).Str("type", string(env.Type)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

// memberIDs lists members other than except, sorted.
func (r *room) memberIDs(except domain.PeerID) []domain.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.PeerID, 0, len(r.members))
	for id := range r.members {
		if id != except {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
