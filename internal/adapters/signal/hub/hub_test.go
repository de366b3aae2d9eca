package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Call/internal/adapters/signal"
	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func startHub(t *testing.T, limiter *JoinLimiter) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(SetupRouter(ctx, "test", "secret", New(limiter)))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/signal"
}

func connect(t *testing.T, url, credential string, role domain.Role) *signal.Bridge {
	t.Helper()
	b := signal.NewBridge(signal.Config{URL: url, PingPeriod: 20 * time.Millisecond})
	t.Cleanup(func() { _ = b.Close() })
	if err := b.Connect(context.Background(), credential, role); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !b.WaitForReady(ctx) {
		t.Fatalf("%s never became ready", credential)
	}
	return b
}

func expect(t *testing.T, ch <-chan core.Envelope, typ core.SignalType) core.Envelope {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				t.Fatalf("subscription closed waiting for %s", typ)
			}
			if env.Type == typ {
				return env
			}
		case <-timeout:
			t.Fatalf("no %s envelope", typ)
		}
	}
}

func join(t *testing.T, b *signal.Bridge, id domain.SessionID) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return b.JoinRoom(ctx, id)
}

func TestRoomNoticesAndRelay(t *testing.T) {
	url := startHub(t, nil)

	alice := connect(t, url, "alice", domain.RoleInitiator)
	if alice.Self() != "alice" {
		t.Fatalf("self = %q", alice.Self())
	}
	aliceIn, stop := alice.Subscribe()
	defer stop()
	if err := join(t, alice, "S1"); err != nil {
		t.Fatalf("alice join: %v", err)
	}

	bob := connect(t, url, "bob", domain.RoleInvitee)
	bobIn, stopBob := bob.Subscribe()
	defer stopBob()
	if err := join(t, bob, "S1"); err != nil {
		t.Fatalf("bob join: %v", err)
	}

	state := expect(t, bobIn, core.SignalRoomState)
	if len(state.Members) != 1 || state.Members[0] != "alice" {
		t.Fatalf("room_state members %v", state.Members)
	}
	joined := expect(t, aliceIn, core.SignalMemberJoined)
	if joined.From != "bob" || joined.Role != domain.RoleInvitee || joined.Session != "S1" {
		t.Fatalf("member_joined %+v", joined)
	}

	if err := alice.Send(core.Envelope{Type: core.SignalOffer, To: "bob", SDP: "v=0"}); err != nil {
		t.Fatal(err)
	}
	offer := expect(t, bobIn, core.SignalOffer)
	if offer.From != "alice" || offer.SDP != "v=0" || offer.Session != "S1" {
		t.Fatalf("relayed offer %+v", offer)
	}

	if err := bob.Send(core.Envelope{Type: core.SignalAnswer, To: "carol", SDP: "x"}); err != nil {
		t.Fatal(err)
	}
	if e := expect(t, bobIn, core.SignalError); e.Error != "unknown_peer" {
		t.Fatalf("error %+v", e)
	}

	if err := bob.LeaveRoom(context.Background(), "S1"); err != nil {
		t.Fatal(err)
	}
	if left := expect(t, aliceIn, core.SignalMemberLeft); left.From != "bob" {
		t.Fatalf("member_left %+v", left)
	}

	if err := join(t, bob, "S1"); err != nil {
		t.Fatal(err)
	}
	expect(t, aliceIn, core.SignalMemberJoined)
	_ = bob.Close()
	if left := expect(t, aliceIn, core.SignalMemberLeft); left.From != "bob" {
		t.Fatalf("socket drop should notify, got %+v", left)
	}
}

func TestJoinRateLimited(t *testing.T) {
	url := startHub(t, NewJoinLimiter(1, time.Minute))
	b := connect(t, url, "alice", domain.RoleInitiator)
	if err := join(t, b, "S1"); err != nil {
		t.Fatal(err)
	}
	err := join(t, b, "S2")
	if err == nil || !strings.Contains(err.Error(), "rate_limited") {
		t.Fatalf("got %v, want rate_limited", err)
	}
}

func TestBridgeReconnectsAfterDrop(t *testing.T) {
	url := startHub(t, nil)
	b := connect(t, url, "alice", domain.RoleInitiator)

	var downs, ups atomic.Int32
	b.OnDisconnect(func(error) { downs.Add(1) })
	b.OnConnect(func() { ups.Add(1) })

	// A second socket with the same credential replaces the first.
	header := http.Header{}
	header.Set("Cookie", "ct=alice")
	intruder, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatal(err)
	}
	defer intruder.Close()

	deadline := time.Now().Add(3 * time.Second)
	for downs.Load() == 0 || ups.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("downs=%d ups=%d", downs.Load(), ups.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !b.IsReady() {
		t.Fatal("bridge should be ready again")
	}
	if err := join(t, b, "S1"); err != nil {
		t.Fatalf("join after reconnect: %v", err)
	}
}

func TestLimiterWindow(t *testing.T) {
	l := NewJoinLimiter(2, 20*time.Millisecond)
	if !l.Allow("p") || !l.Allow("p") {
		t.Fatal("first two should pass")
	}
	if l.Allow("p") {
		t.Fatal("third should be limited")
	}
	time.Sleep(25 * time.Millisecond)
	if !l.Allow("p") {
		t.Fatal("window should slide")
	}
	var nilLimiter *JoinLimiter
	if !nilLimiter.Allow("p") {
		t.Fatal("nil limiter allows everything")
	}
}
