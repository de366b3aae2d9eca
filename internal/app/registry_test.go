package app

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Call/internal/core/coretest"
	"github.com/dkeye/Call/internal/domain"
)

type regEvent struct {
	peer     domain.PeerID
	received bool
}

func TestRegistryConsistencyUnderReordering(t *testing.T) {
	peers := []domain.PeerID{"A", "B", "C"}
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 200; round++ {
		var events []regEvent
		for i := 0; i < 12; i++ {
			events = append(events, regEvent{peer: peers[rng.Intn(len(peers))], received: rng.Intn(2) == 0})
		}

		r := NewPeerRegistry(nil, 0)
		last := map[domain.PeerID]bool{}
		for _, ev := range events {
			if ev.received {
				r.HandleTrack(&coretest.RemoteStream{StreamID: "s-" + string(ev.peer), PeerID: ev.peer}, ev.peer)
			} else {
				r.HandleDisconnect(ev.peer)
			}
			last[ev.peer] = ev.received
		}

		got := map[domain.PeerID]bool{}
		for id := range r.RemoteStreams() {
			got[id] = true
		}
		for _, p := range peers {
			if last[p] != got[p] {
				t.Fatalf("round %d: peer %s present=%v, want %v (events %v)", round, p, got[p], last[p], events)
			}
		}
		if len(r.Participants()) != len(got) {
			t.Fatalf("round %d: participants %d != streams %d", round, len(r.Participants()), len(got))
		}
		r.Close()
	}
}

func TestRegistryConcurrentEvents(t *testing.T) {
	r := NewPeerRegistry(nil, 0)
	defer r.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.HandleTrack(&coretest.RemoteStream{StreamID: "a", PeerID: "A"}, "A")
		}()
		go func() {
			defer wg.Done()
			_ = r.RemoteStreams()
			_ = r.Participants()
		}()
	}
	wg.Wait()
	r.HandleDisconnect("A")
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %v", r.PeerIDs())
	}
}

func TestRegistryIdempotentRemoval(t *testing.T) {
	r := NewPeerRegistry(nil, 0)
	defer r.Close()
	changes := 0
	r.OnChange(func() { changes++ })

	r.HandleDisconnect("ghost")
	if changes != 0 {
		t.Fatalf("removing absent peer must not emit, got %d", changes)
	}
	r.HandleTrack(&coretest.RemoteStream{StreamID: "p", PeerID: "P"}, "P")
	r.HandleTrack(&coretest.RemoteStream{StreamID: "p", PeerID: "P"}, "P")
	r.HandleDisconnect("P")
	r.HandleDisconnect("P")
	if changes != 2 {
		t.Fatalf("changes = %d, want 2", changes)
	}
}

func TestRegistryEnrichment(t *testing.T) {
	dir := &coretest.Directory{Profiles: map[domain.PeerID]domain.Profile{
		"P1": {Role: domain.RoleInitiator, DisplayName: "Mentor Mia", AvatarRef: "mia.png"},
	}}
	r := NewPeerRegistry(dir, time.Second)
	defer r.Close()

	changed := make(chan struct{}, 8)
	r.OnChange(func() { changed <- struct{}{} })

	r.HandleTrack(&coretest.RemoteStream{StreamID: "s1", PeerID: "P1"}, "P1")
	ps := r.Participants()
	if len(ps) != 1 || ps[0].ID != "P1" {
		t.Fatalf("peer must be listed immediately, got %+v", ps)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-changed:
		case <-deadline:
			t.Fatal("enrichment never applied")
		}
		ps = r.Participants()
		if len(ps) == 1 && ps[0].Resolved {
			break
		}
	}
	if ps[0].DisplayName != "Mentor Mia" || ps[0].Role != domain.RoleInitiator {
		t.Fatalf("unexpected enrichment %+v", ps[0])
	}
}

func TestRegistryLookupFailureKeepsPlaceholder(t *testing.T) {
	dir := &coretest.Directory{Err: errors.New("directory down")}
	r := NewPeerRegistry(dir, time.Second)
	defer r.Close()

	r.HandleTrack(&coretest.RemoteStream{StreamID: "s1", PeerID: "P1"}, "P1")
	deadline := time.Now().Add(time.Second)
	for dir.Calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	ps := r.Participants()
	if len(ps) != 1 || ps[0].ID != "P1" || ps[0].Resolved {
		t.Fatalf("placeholder expected, got %+v", ps)
	}
}

func TestRegistryStaleLookupDropped(t *testing.T) {
	gate := make(chan struct{})
	dir := &coretest.Directory{
		Gate:     gate,
		Profiles: map[domain.PeerID]domain.Profile{"P1": {DisplayName: "Old"}},
	}
	r := NewPeerRegistry(dir, time.Second)
	defer r.Close()

	r.HandleTrack(&coretest.RemoteStream{StreamID: "s1", PeerID: "P1"}, "P1")
	r.HandleDisconnect("P1")
	close(gate)
	time.Sleep(20 * time.Millisecond)
	if r.Len() != 0 {
		t.Fatalf("stale lookup resurrected peer: %v", r.PeerIDs())
	}
}

func TestRegistryNoChangeAfterClose(t *testing.T) {
	gate := make(chan struct{})
	dir := &coretest.Directory{
		Gate:     gate,
		Profiles: map[domain.PeerID]domain.Profile{"P1": {DisplayName: "Late"}},
	}
	eng := coretest.NewEngine()
	r := NewPeerRegistry(dir, time.Second)
	r.Attach(eng)

	var mu sync.Mutex
	closed := false
	r.OnChange(func() {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			t.Error("change callback fired after Close")
		}
	})

	eng.EmitTrack("P1")
	r.Close()
	mu.Lock()
	closed = true
	mu.Unlock()

	close(gate)
	eng.EmitTrack("P2")
	eng.EmitDisconnect("P1")
	time.Sleep(20 * time.Millisecond)
	if r.Len() != 0 {
		t.Fatalf("registry mutated after Close: %v", r.PeerIDs())
	}
}
