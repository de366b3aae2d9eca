package http

import (
	"net/http"
	"time"

	"github.com/dkeye/Call/internal/app/fanout"
	"github.com/dkeye/Call/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const mediaQueue = 256

// mediaTap is implemented by remote streams that relay their RTP to sinks.
type mediaTap interface {
	Attach(id string, kind webrtc.RTPCodecType, sink fanout.Sink) int
	SetMuted(id string, muted bool)
	Detach(id string)
}

// wsSink queues marshalled packets for one media socket. A full queue drops
// packets instead of stalling the relay.
type wsSink struct {
	out chan []byte
}

func (s *wsSink) WriteRTP(pkt *rtp.Packet) error {
	b, err := pkt.Marshal()
	if err != nil {
		return err
	}
	select {
	case s.out <- b:
	default:
	}
	return nil
}

func parseKind(s string) (webrtc.RTPCodecType, bool) {
	switch s {
	case "audio":
		return webrtc.RTPCodecTypeAudio, true
	case "video":
		return webrtc.RTPCodecTypeVideo, true
	}
	return 0, false
}

// media streams one remote peer's RTP of the requested kind as binary
// messages. Text messages "mute" and "unmute" pause and resume forwarding.
func (a *api) media(c *gin.Context) {
	ctrl, err := a.m.Get(domain.Handle(c.Param("handle")))
	if err != nil {
		writeError(c, err)
		return
	}
	kind, ok := parseKind(c.DefaultQuery("kind", "audio"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be audio or video"})
		return
	}
	peer := domain.PeerID(c.Param("peer"))
	stream, ok := ctrl.RemoteStreams()[peer]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no stream for peer"})
		return
	}
	tap, ok := stream.(mediaTap)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "stream does not relay media"})
		return
	}

	id := uuid.NewString()
	sink := &wsSink{out: make(chan []byte, mediaQueue)}
	if tap.Attach(id, kind, sink) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no " + kind.String() + " track"})
		return
	}
	defer tap.Detach(id)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("media upgrade")
		return
	}
	defer ws.Close()

	logger := log.With().
		Str("module", "adapters.http").
		Str("handle", string(ctrl.Handle())).
		Str("peer", string(peer)).
		Str("sink", id).
		Logger()
	logger.Info().Str("kind", kind.String()).Msg("media sink attached")

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			mt, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if mt != websocket.TextMessage {
				continue
			}
			switch string(msg) {
			case "mute":
				tap.SetMuted(id, true)
			case "unmute":
				tap.SetMuted(id, false)
			}
		}
	}()

	ticker := time.NewTicker(a.ping)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-gone:
			logger.Info().Msg("media sink detached")
			return
		case b := <-sink.out:
			_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
				logger.Debug().Err(err).Msg("media write")
				return
			}
		case <-ticker.C:
			if ctrl.Ended() {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
					time.Now().Add(time.Second))
				return
			}
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
