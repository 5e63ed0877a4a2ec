// Package cdn is the origin HTTP path: primary when the mesh is cold,
// fallback when it fails. Tuned for live video, where a stalled manifest
// or segment is worse than extra origin load.
package cdn

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"swarmcast/internal/core/domain"
	"swarmcast/pkg/backoff"
	"swarmcast/pkg/cache"
)

// retryableStatus is the fixed set of HTTP statuses worth another attempt.
// 403 is included because token refresh races with segment rotation on
// live origins.
var retryableStatus = map[int]bool{
	http.StatusForbidden:           true,
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Config holds loader tuning.
type Config struct {
	AuthToken      string
	RequestTimeout time.Duration
	MaxRetries     int
	Backoff        backoff.Policy
}

// Loader fetches manifests, segments and keys with bounded retry and
// seeds successful segment and key bytes into the shared chunk cache so
// peers can be served from here on.
type Loader struct {
	client *http.Client
	cfg    Config
	cache  *cache.ChunkCache
	logger *zap.SugaredLogger

	retries atomic.Uint64

	// rolling throughput estimate from segment downloads
	mu       sync.Mutex
	ewmaKbps float64
}

func NewLoader(cfg Config, chunkCache *cache.ChunkCache, logger *zap.SugaredLogger) *Loader {
	return &Loader{
		client: &http.Client{},
		cfg:    cfg,
		cache:  chunkCache,
		logger: logger,
	}
}

// Classify resolves the chunk type from the caller's declaration plus URL
// heuristics. The declaration wins when present.
func Classify(declared domain.ChunkType, url string) domain.ChunkType {
	if declared != domain.ChunkUnknown {
		return declared
	}
	path := url
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	switch {
	case strings.HasSuffix(path, ".m3u8"), strings.HasSuffix(path, ".m3u"):
		return domain.ChunkManifest
	case strings.HasSuffix(path, ".ts"), strings.HasSuffix(path, ".m4s"),
		strings.HasSuffix(path, ".mp4"), strings.HasSuffix(path, ".aac"):
		return domain.ChunkSegment
	case strings.HasSuffix(path, ".key"), strings.Contains(path, "/key/"):
		return domain.ChunkKey
	default:
		return domain.ChunkSegment
	}
}

// Load fetches url, retrying retryable statuses with bounded jittered
// backoff. Each retry restarts the download from scratch; only the
// cumulative retry counter survives attempts.
func (l *Loader) Load(ctx context.Context, url string, declared domain.ChunkType) ([]byte, error) {
	typ := Classify(declared, url)

	var lastErr error
	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			l.retries.Add(1)
			delay := l.cfg.Backoff.Delay(attempt - 1)
			l.logger.Debugw("retrying cdn fetch",
				"url", url,
				"attempt", attempt,
				"delay", delay,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		data, retryable, err := l.attempt(ctx, url, typ)
		if err == nil {
			l.finish(url, typ, data)
			return data, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w after %d retries: %v", domain.ErrRetriesExhausted, l.cfg.MaxRetries, lastErr)
}

// attempt performs one HTTP round trip. Progress is attempt-local: a
// failed read discards everything downloaded so far.
func (l *Loader) attempt(ctx context.Context, url string, typ domain.ChunkType) (data []byte, retryable bool, err error) {
	reqCtx := ctx
	if l.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, l.cfg.RequestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	if l.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+l.cfg.AuthToken)
	}

	start := time.Now()
	resp, err := l.client.Do(req)
	if err != nil {
		// Transport-level errors (reset, timeout) are retryable unless
		// the caller's context is already done.
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("cdn request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		err := fmt.Errorf("cdn returned status %d for %s", resp.StatusCode, url)
		return nil, retryableStatus[resp.StatusCode], err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("cdn body read failed: %w", err)
	}

	// Only segments feed the bandwidth estimate; manifests and keys are
	// small and RTT-dominated, which would drag the estimate down.
	if typ == domain.ChunkSegment {
		l.observeThroughput(len(body), time.Since(start))
	}
	return body, false, nil
}

// finish seeds binary chunks into the shared cache so subsequent mesh
// requests for the same URL can be answered locally.
func (l *Loader) finish(url string, typ domain.ChunkType, data []byte) {
	if typ == domain.ChunkSegment || typ == domain.ChunkKey {
		l.cache.Put(url, data)
	}
}

func (l *Loader) observeThroughput(n int, elapsed time.Duration) {
	if n == 0 || elapsed <= 0 {
		return
	}
	kbps := float64(n) * 8 / elapsed.Seconds() / 1000

	l.mu.Lock()
	if l.ewmaKbps == 0 {
		l.ewmaKbps = kbps
	} else {
		l.ewmaKbps = 0.7*l.ewmaKbps + 0.3*kbps
	}
	l.mu.Unlock()
}

// Retries returns the cumulative retry count across all loads.
func (l *Loader) Retries() uint64 { return l.retries.Load() }

// EstimatedBandwidthKbps reports the rolling download throughput estimate.
func (l *Loader) EstimatedBandwidthKbps() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.ewmaKbps)
}
