package http

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Call/internal/app/fanout"
	"github.com/dkeye/Call/internal/core/coretest"
	"github.com/dkeye/Call/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type chanSource chan *rtp.Packet

func (c chanSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	pkt, ok := <-c
	if !ok {
		return nil, nil, io.EOF
	}
	return pkt, nil, nil
}

// relayStream is a remote stream with one audio track relayed through fan.
type relayStream struct {
	coretest.RemoteStream
	fan *fanout.Manager
	key string
}

func (s *relayStream) Attach(id string, kind webrtc.RTPCodecType, sink fanout.Sink) int {
	if kind != webrtc.RTPCodecTypeAudio || !s.fan.Attach(s.key, id, sink) {
		return 0
	}
	return 1
}

func (s *relayStream) SetMuted(id string, muted bool) { s.fan.SetMuted(s.key, id, muted) }
func (s *relayStream) Detach(id string)               { s.fan.Detach(s.key, id) }

func (f *fixture) engine(t *testing.T) *coretest.Engine {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.engines) == 0 {
		t.Fatal("no call engine")
	}
	return f.engines[len(f.engines)-1]
}

func (f *fixture) mediaURL(h, peer, kind string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/calls/" + h + "/peers/" + peer + "/media?kind=" + kind
}

func readSeq(t *testing.T, ws *websocket.Conn) uint16 {
	t.Helper()
	mt, b, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read media: %v", err)
	}
	if mt != websocket.BinaryMessage {
		t.Fatalf("message type %d", mt)
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(b); err != nil {
		t.Fatal(err)
	}
	return pkt.SequenceNumber
}

func TestMediaStreamsRemoteRTP(t *testing.T) {
	f := newFixture(t)
	h := f.startCall(t, "S1")

	fan := fanout.NewManager()
	t.Cleanup(fan.StopAll)
	src := make(chanSource, 4)
	t.Cleanup(func() { close(src) })
	fan.Start(context.Background(), "P1/1/audio", src)
	f.engine(t).EmitStream(&relayStream{
		RemoteStream: coretest.RemoteStream{StreamID: "P1-1", PeerID: "P1"},
		fan:          fan,
		key:          "P1/1/audio",
	})

	if _, resp, err := websocket.DefaultDialer.Dial(f.mediaURL(h, "P1", "video"), nil); err == nil || resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("video without a video track: err=%v resp=%v", err, resp)
	}
	if _, resp, err := websocket.DefaultDialer.Dial(f.mediaURL(h, "P1", "data"), nil); err == nil || resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad kind: err=%v resp=%v", err, resp)
	}

	ws, _, err := websocket.DefaultDialer.Dial(f.mediaURL(h, "P1", "audio"), nil)
	if err != nil {
		t.Fatalf("dial media: %v", err)
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	src <- &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: 1}}
	if seq := readSeq(t, ws); seq != 1 {
		t.Fatalf("seq = %d", seq)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte("mute")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	src <- &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: 2}}
	time.Sleep(50 * time.Millisecond)
	if err := ws.WriteMessage(websocket.TextMessage, []byte("unmute")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	src <- &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: 3}}
	if seq := readSeq(t, ws); seq != 3 {
		t.Fatalf("muted packet was forwarded, got seq %d", seq)
	}
}

func TestMediaRequiresRelayedStream(t *testing.T) {
	f := newFixture(t)
	h := f.startCall(t, "S1")

	if _, resp, err := websocket.DefaultDialer.Dial(f.mediaURL(h, "P9", "audio"), nil); err == nil || resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown peer: err=%v resp=%v", err, resp)
	}
	f.engine(t).EmitTrack(domain.PeerID("P2"))
	if _, resp, err := websocket.DefaultDialer.Dial(f.mediaURL(h, "P2", "audio"), nil); err == nil || resp == nil || resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("stream without relay: err=%v resp=%v", err, resp)
	}
}
