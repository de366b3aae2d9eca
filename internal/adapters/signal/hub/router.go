package hub

import (
	"context"
	"net/http"

	router "github.com/dkeye/Call/internal/adapters/http"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func SetupRouter(ctx context.Context, mode, secret string, h *Hub) *gin.Engine {
	r := router.NewEngine(mode, secret, "CallHubSessions")

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": h.Rooms()})
	})
	r.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "hub").Str("peer", c.GetString("client_token")).Msg("ws signal endpoint hit")
		h.HandleSignal(ctx, c)
	})

	log.Info().Str("module", "hub").Msg("router setup")
	return r
}
