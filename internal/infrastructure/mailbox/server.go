package mailbox

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"swarmcast/internal/core/domain"
	"swarmcast/internal/core/ports"
	"swarmcast/pkg/utils"
)

// ServerConfig tunes the mailbox HTTP surface.
type ServerConfig struct {
	SignalTTL    time.Duration
	RateLimitRPS float64
	RateBurst    int
}

// Server exposes the mailbox API over gin. Rows are stored behind
// ports.MailboxStore so memory and Redis deployments share the handlers.
type Server struct {
	cfg    ServerConfig
	store  ports.MailboxStore
	auth   *RoomAuth
	logger *zap.SugaredLogger
}

func NewServer(cfg ServerConfig, store ports.MailboxStore, auth *RoomAuth, logger *zap.SugaredLogger) *Server {
	if cfg.SignalTTL <= 0 {
		cfg.SignalTTL = 45 * time.Second
	}
	return &Server{cfg: cfg, store: store, auth: auth, logger: logger}
}

func (s *Server) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", s.Health)
	router.POST("/api/v1/rooms/:room/token", s.IssueToken)

	api := router.Group("/api/v1")
	api.Use(RateLimitMiddleware(s.cfg.RateLimitRPS, s.cfg.RateBurst))
	api.Use(RoomAuthMiddleware(s.auth))
	{
		api.POST("/rooms/:room/signals", s.SubmitSignal)
		api.POST("/rooms/:room/signals/batch", s.SubmitBatch)
		api.GET("/rooms/:room/signals", s.PollSignals)
		api.DELETE("/rooms/:room/signals/:id", s.AckSignal)
		api.DELETE("/rooms/:room/signals", s.AckPeer)
	}
}

func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// IssueToken mints a room token for the requesting peer. With auth
// disabled the endpoint reports so instead of minting unverifiable tokens.
func (s *Server) IssueToken(c *gin.Context) {
	if !s.auth.Enabled() {
		c.JSON(http.StatusOK, gin.H{"success": true, "token": ""})
		return
	}
	var req struct {
		Peer domain.PeerID `json:"peer" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	token, err := s.auth.IssueToken(domain.RoomID(c.Param("room")), req.Peer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "token": token})
}

// SubmitSignal appends one signal to the room's mailbox. The server owns
// the row's identity and expiry; client-supplied values are normalized.
func (s *Server) SubmitSignal(c *gin.Context) {
	var sig domain.Signal
	if err := c.BindJSON(&sig); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if err := s.appendSignal(c, &sig); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true})
}

// SubmitBatch appends a batch of signals in one request.
func (s *Server) SubmitBatch(c *gin.Context) {
	var req struct {
		Signals []*domain.Signal `json:"signals" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	for _, sig := range req.Signals {
		if err := s.appendSignal(c, sig); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "count": len(req.Signals)})
}

func (s *Server) appendSignal(c *gin.Context, sig *domain.Signal) error {
	sig.RoomID = domain.RoomID(c.Param("room"))
	if sig.ID == "" {
		sig.ID = utils.GenerateSignalID()
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now()
	}
	if sig.ExpiresAt.IsZero() {
		sig.ExpiresAt = sig.CreatedAt.Add(s.cfg.SignalTTL)
	}
	return s.store.Append(c.Request.Context(), sig)
}

// PollSignals returns the undelivered rows for ?peer=, oldest first.
func (s *Server) PollSignals(c *gin.Context) {
	peer := domain.PeerID(c.Query("peer"))
	if peer == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "peer query parameter required"})
		return
	}
	sigs, err := s.store.Fetch(c.Request.Context(), domain.RoomID(c.Param("room")), peer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	if sigs == nil {
		sigs = []*domain.Signal{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": sigs})
}

// AckSignal deletes one processed row. A row already gone is fine; the
// client retried or another replica won.
func (s *Server) AckSignal(c *gin.Context) {
	err := s.store.Delete(c.Request.Context(), c.Param("id"))
	if err == domain.ErrSignalNotFound {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// AckPeer clears everything addressed to ?peer= in the room.
func (s *Server) AckPeer(c *gin.Context) {
	peer := domain.PeerID(c.Query("peer"))
	if peer == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "peer query parameter required"})
		return
	}
	if err := s.store.DeleteForPeer(c.Request.Context(), domain.RoomID(c.Param("room")), peer); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
