package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dkeye/Call/internal/app/orch"
	"github.com/dkeye/Call/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Mode       string
	Secret     string
	StaticPath string
	// PingPeriod keeps the events socket alive.
	PingPeriod time.Duration
}

type startRequest struct {
	SessionID domain.SessionID `json:"session_id" binding:"required"`
	IsHost    bool             `json:"is_host"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type api struct {
	ctx  context.Context
	m    *orch.Manager
	ping time.Duration
}

// SetupRouter exposes the call manager to the UI.
func SetupRouter(ctx context.Context, opts Options, m *orch.Manager) *gin.Engine {
	r := NewEngine(opts.Mode, opts.Secret, "CallSessions")
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 25 * time.Second
	}
	a := &api{ctx: ctx, m: m, ping: opts.PingPeriod}

	if opts.StaticPath != "" {
		r.Static("/static", opts.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(opts.StaticPath + "/index.html")
		})
	}
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	calls := r.Group("/api/calls")
	calls.POST("", a.start)
	calls.GET("", a.list)
	calls.GET("/:handle", a.get)
	calls.DELETE("/:handle", a.end)
	calls.POST("/:handle/mute", a.toggle(func(h domain.Handle, _ context.Context) (orch.Snapshot, error) { return m.ToggleMute(h) }))
	calls.POST("/:handle/video", a.toggle(func(h domain.Handle, _ context.Context) (orch.Snapshot, error) { return m.ToggleVideo(h) }))
	calls.POST("/:handle/screenshare", a.toggle(func(h domain.Handle, ctx context.Context) (orch.Snapshot, error) {
		return m.ToggleScreenShare(ctx, h)
	}))
	calls.GET("/:handle/events", a.events)
	calls.GET("/:handle/peers/:peer/media", a.media)

	log.Info().Str("module", "adapters.http").Str("static", opts.StaticPath).Msg("router setup")
	return r
}

func (a *api) start(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h, err := a.m.StartCall(req.SessionID, req.IsHost, c.GetString("client_token"))
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("session", string(req.SessionID)).Msg("start call")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"handle": h})
}

func (a *api) list(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"calls": a.m.List()})
}

func (a *api) get(c *gin.Context) {
	snap, err := a.m.Snapshot(domain.Handle(c.Param("handle")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *api) end(c *gin.Context) {
	a.m.EndCall(domain.Handle(c.Param("handle")))
	c.Status(http.StatusNoContent)
}

func (a *api) toggle(op func(domain.Handle, context.Context) (orch.Snapshot, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := op(domain.Handle(c.Param("handle")), c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

func writeError(c *gin.Context, err error) {
	var ce *domain.CallError
	switch {
	case errors.Is(err, orch.ErrUnknownHandle):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &ce):
		c.JSON(http.StatusConflict, gin.H{"error": ce.Message(), "code": ce.Code})
	case errors.Is(err, orch.ErrEnded):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// events streams a snapshot on every change until the call ends or the client leaves.
func (a *api) events(c *gin.Context) {
	ctrl, err := a.m.Get(domain.Handle(c.Param("handle")))
	if err != nil {
		writeError(c, err)
		return
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("events upgrade")
		return
	}
	defer ws.Close()

	logger := log.With().Str("module", "adapters.http").Str("handle", string(ctrl.Handle())).Logger()
	changed := make(chan struct{}, 1)
	cancel := ctrl.OnChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer cancel()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func() bool {
		_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := ws.WriteJSON(ctrl.Snapshot()); err != nil {
			logger.Debug().Err(err).Msg("events write")
			return false
		}
		if ctrl.Ended() {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
				time.Now().Add(time.Second))
			return false
		}
		return true
	}

	ticker := time.NewTicker(a.ping)
	defer ticker.Stop()
	if !send() {
		return
	}
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-gone:
			return
		case <-changed:
			if !send() {
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
