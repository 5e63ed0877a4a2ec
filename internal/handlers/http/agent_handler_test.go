package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"swarmcast/internal/core/domain"
)

type stubFetcher struct {
	data    []byte
	err     error
	lastURL string
	lastOpt domain.FetchOptions
}

func (s *stubFetcher) FetchChunk(ctx context.Context, url string, opts domain.FetchOptions) ([]byte, error) {
	s.lastURL = url
	s.lastOpt = opts
	return s.data, s.err
}

type stubStats struct {
	snap domain.EngineStats
}

func (s *stubStats) Stats() domain.EngineStats { return s.snap }

func newTestRouter(t *testing.T, fetcher *stubFetcher, stats *stubStats) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	h := NewAgentHandler(fetcher, stats, zaptest.NewLogger(t).Sugar())
	h.statsInterval = 10 * time.Millisecond
	h.SetupRoutes(router)
	return router
}

func TestAgentHandler_Health(t *testing.T) {
	router := newTestRouter(t, &stubFetcher{}, &stubStats{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAgentHandler_GetChunk(t *testing.T) {
	fetcher := &stubFetcher{data: []byte("chunk-bytes")}
	router := newTestRouter(t, fetcher, &stubStats{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet,
		"/api/v1/chunk?url=http%3A%2F%2Fcdn%2Fseg1.ts&type=segment", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, []byte("chunk-bytes"), w.Body.Bytes())
	assert.Equal(t, "http://cdn/seg1.ts", fetcher.lastURL)
	assert.Equal(t, domain.ChunkSegment, fetcher.lastOpt.Type)
}

func TestAgentHandler_GetChunkRequiresURL(t *testing.T) {
	router := newTestRouter(t, &stubFetcher{}, &stubStats{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/chunk", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAgentHandler_GetChunkErrorStatuses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"engine closed", domain.ErrEngineClosed, http.StatusServiceUnavailable},
		{"fetch failed", assert.AnError, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(t, &stubFetcher{err: tt.err}, &stubStats{})

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/chunk?url=http%3A%2F%2Fcdn%2Fx.ts", nil))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestAgentHandler_GetStats(t *testing.T) {
	stats := &stubStats{snap: domain.EngineStats{Peers: 3, CacheHits: 7}}
	router := newTestRouter(t, &stubFetcher{}, stats)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"peers":3`)
	assert.Contains(t, w.Body.String(), `"cache_hits":7`)
}

func TestAgentHandler_StreamStats(t *testing.T) {
	stats := &stubStats{snap: domain.EngineStats{Peers: 2}}
	router := newTestRouter(t, &stubFetcher{}, stats)

	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/stats"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var snap domain.EngineStats
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, 2, snap.Peers)
}
