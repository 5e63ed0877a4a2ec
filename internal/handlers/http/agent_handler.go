// Package http exposes the agent's local API: chunk fetches for the video
// pipeline, stats snapshots, a live stats stream and Prometheus metrics.
package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"swarmcast/internal/core/domain"
	"swarmcast/internal/core/ports"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The agent binds to loopback; cross-origin pages may not read it.
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// StatsSource produces engine snapshots for the stats endpoints.
type StatsSource interface {
	Stats() domain.EngineStats
}

type AgentHandler struct {
	fetcher ports.ChunkFetcher
	stats   StatsSource
	logger  *zap.SugaredLogger

	statsInterval time.Duration
}

func NewAgentHandler(fetcher ports.ChunkFetcher, stats StatsSource, logger *zap.SugaredLogger) *AgentHandler {
	return &AgentHandler{
		fetcher:       fetcher,
		stats:         stats,
		logger:        logger,
		statsInterval: 2 * time.Second,
	}
}

func (h *AgentHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.GET("/chunk", h.GetChunk)
		api.GET("/stats", h.GetStats)
	}

	router.GET("/ws/stats", h.StreamStats)
}

func (h *AgentHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GetChunk serves one chunk to the local video pipeline, letting the
// engine pick cache, mesh or CDN.
func (h *AgentHandler) GetChunk(c *gin.Context) {
	url := c.Query("url")
	if url == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "url query parameter required"})
		return
	}
	opts := domain.FetchOptions{Type: domain.ChunkType(c.Query("type"))}

	data, err := h.fetcher.FetchChunk(c.Request.Context(), url, opts)
	if err == domain.ErrEngineClosed {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

func (h *AgentHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": h.stats.Stats()})
}

// StreamStats pushes stats snapshots over a websocket until the client
// goes away.
func (h *AgentHandler) StreamStats(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnw("stats websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Drain control frames so pongs and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(h.stats.Stats()); err != nil {
				return
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}
