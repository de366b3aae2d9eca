package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Call/internal/app"
	"github.com/dkeye/Call/internal/app/orch"
	"github.com/dkeye/Call/internal/core/coretest"
	"github.com/dkeye/Call/internal/domain"
	"github.com/gorilla/websocket"
)

type fixture struct {
	srv    *httptest.Server
	client *http.Client

	mu      sync.Mutex
	bridges []*coretest.Bridge
	engines []*coretest.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}
	m := orch.NewManager(context.Background(), func(s domain.Session, _ string) (orch.Deps, error) {
		devices := &coretest.Devices{}
		if s.ID == "no-share" {
			devices.DisplayMediaErr = domain.NewCallError(domain.CodeScreenShareFailed, nil)
		}
		b := coretest.NewBridge("self")
		e := coretest.NewEngine()
		f.mu.Lock()
		f.bridges = append(f.bridges, b)
		f.engines = append(f.engines, e)
		f.mu.Unlock()
		return orch.Deps{
			Bridge:        b,
			Engine:        e,
			Devices:       devices,
			Directory:     &coretest.Directory{Profiles: map[domain.PeerID]domain.Profile{}},
			Settle:        app.FixedDelay{Delay: time.Millisecond},
			ReadyTimeout:  50 * time.Millisecond,
			Tick:          5 * time.Millisecond,
			LookupTimeout: 50 * time.Millisecond,
		}, nil
	})
	t.Cleanup(m.Shutdown)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f.srv = httptest.NewServer(SetupRouter(ctx, Options{Mode: "release", Secret: "test-secret", PingPeriod: time.Second}, m))
	t.Cleanup(f.srv.Close)

	jar, _ := cookiejar.New(nil)
	f.client = &http.Client{Jar: jar, Timeout: 5 * time.Second}
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (f *fixture) startCall(t *testing.T, session string) string {
	t.Helper()
	code, out := f.do(t, http.MethodPost, "/api/calls", map[string]any{"session_id": session, "is_host": true})
	if code != http.StatusCreated {
		t.Fatalf("start: %d %v", code, out)
	}
	h, _ := out["handle"].(string)
	if h == "" {
		t.Fatalf("no handle in %v", out)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, snap := f.do(t, http.MethodGet, "/api/calls/"+h, nil)
		if snap["state"] == "connected" {
			return h
		}
		if time.Now().After(deadline) {
			t.Fatalf("call never connected: %v", snap)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCallEndpoints(t *testing.T) {
	f := newFixture(t)

	if code, _ := f.do(t, http.MethodPost, "/api/calls", map[string]any{"is_host": true}); code != http.StatusBadRequest {
		t.Fatalf("missing session id: %d", code)
	}

	h := f.startCall(t, "S1")

	f.mu.Lock()
	cred := f.bridges[0].Credential
	f.mu.Unlock()
	if cred == "" {
		t.Fatal("client token not passed as credential")
	}

	code, snap := f.do(t, http.MethodPost, "/api/calls/"+h+"/mute", nil)
	if code != http.StatusOK || snap["muted"] != true {
		t.Fatalf("mute: %d %v", code, snap)
	}
	code, snap = f.do(t, http.MethodPost, "/api/calls/"+h+"/video", nil)
	if code != http.StatusOK || snap["video_enabled"] != false {
		t.Fatalf("video: %d %v", code, snap)
	}
	code, snap = f.do(t, http.MethodPost, "/api/calls/"+h+"/screenshare", nil)
	if code != http.StatusOK || snap["screen_sharing"] != true {
		t.Fatalf("screenshare: %d %v", code, snap)
	}

	code, out := f.do(t, http.MethodGet, "/api/calls", nil)
	if calls, _ := out["calls"].([]any); code != http.StatusOK || len(calls) != 1 {
		t.Fatalf("list: %d %v", code, out)
	}

	if code, _ := f.do(t, http.MethodDelete, "/api/calls/"+h, nil); code != http.StatusNoContent {
		t.Fatalf("delete: %d", code)
	}
	if code, _ := f.do(t, http.MethodDelete, "/api/calls/"+h, nil); code != http.StatusNoContent {
		t.Fatalf("second delete: %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/api/calls/"+h, nil); code != http.StatusNotFound {
		t.Fatalf("get after delete: %d", code)
	}
	if code, _ := f.do(t, http.MethodPost, "/api/calls/"+h+"/mute", nil); code != http.StatusNotFound {
		t.Fatalf("mute after delete: %d", code)
	}
}

func TestScreenShareFailureIsConflict(t *testing.T) {
	f := newFixture(t)
	h := f.startCall(t, "no-share")

	code, out := f.do(t, http.MethodPost, "/api/calls/"+h+"/screenshare", nil)
	if code != http.StatusConflict {
		t.Fatalf("screenshare: %d %v", code, out)
	}
	if out["code"] != string(domain.CodeScreenShareFailed) {
		t.Fatalf("code = %v", out["code"])
	}
	if out["error"] != domain.CodeScreenShareFailed.Message() {
		t.Fatalf("error = %v", out["error"])
	}

	_, snap := f.do(t, http.MethodGet, "/api/calls/"+h, nil)
	if snap["state"] != "connected" {
		t.Fatalf("call should survive a failed share: %v", snap)
	}
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t)
	h := f.startCall(t, "S1")

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/calls/" + h + "/events"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first map[string]any
	if err := ws.ReadJSON(&first); err != nil {
		t.Fatal(err)
	}
	if first["handle"] != h {
		t.Fatalf("first snapshot %v", first)
	}

	if code, _ := f.do(t, http.MethodPost, "/api/calls/"+h+"/mute", nil); code != http.StatusOK {
		t.Fatalf("mute: %d", code)
	}
	for {
		var snap map[string]any
		if err := ws.ReadJSON(&snap); err != nil {
			t.Fatalf("waiting for muted snapshot: %v", err)
		}
		if snap["muted"] == true {
			break
		}
	}

	f.do(t, http.MethodDelete, "/api/calls/"+h, nil)
	for {
		var snap map[string]any
		err := ws.ReadJSON(&snap)
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return
		}
		if err != nil {
			t.Fatalf("expected normal close, got %v", err)
		}
	}
}

func TestEventsUnknownHandle(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/calls/nope/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial should fail for unknown handle")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("resp = %v", resp)
	}
}
