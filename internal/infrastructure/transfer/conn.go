package transfer

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"swarmcast/internal/core/domain"
	"swarmcast/internal/core/ports"
	"swarmcast/pkg/cache"
	"swarmcast/pkg/utils"
)

// Conn speaks the chunk protocol over one peer's open data channel. It is
// both requester and responder: local fetches go out as queries and
// transfer requests, while remote requests are served from the shared
// chunk cache, metered by the upload limiter.
type Conn struct {
	peer    domain.PeerID
	ch      ports.DataChannel
	cache   *cache.ChunkCache
	limiter *rate.Limiter // nil means unmetered
	logger  *zap.SugaredLogger

	// onServed is invoked with the byte count of every chunk shared to
	// the remote peer, for the bytes-shared stat.
	onServed func(n int)

	mu       sync.Mutex
	closed   bool
	queries  map[uuid.UUID]chan control
	receives map[uuid.UUID]*inboundTransfer
}

type inboundTransfer struct {
	buf  bytes.Buffer
	done chan error // buffered(1); exactly one terminal resolution
}

// NewConn wires a Conn onto an open data channel. onServed may be nil.
func NewConn(peer domain.PeerID, ch ports.DataChannel, chunkCache *cache.ChunkCache, limiter *rate.Limiter, logger *zap.SugaredLogger, onServed func(n int)) *Conn {
	c := &Conn{
		peer:     peer,
		ch:       ch,
		cache:    chunkCache,
		limiter:  limiter,
		logger:   logger,
		onServed: onServed,
		queries:  make(map[uuid.UUID]chan control),
		receives: make(map[uuid.UUID]*inboundTransfer),
	}
	ch.OnMessage(c.handleMessage)
	return c
}

// QueryAvailability asks the remote peer whether it holds url.
func (c *Conn) QueryAvailability(ctx context.Context, url string) (bool, error) {
	id := utils.GenerateRequestID()
	reply := make(chan control, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, domain.ErrChannelClosed
	}
	c.queries[id] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.queries, id)
		c.mu.Unlock()
	}()

	if err := c.sendControl(control{Kind: kindAvailabilityQuery, RequestID: id.String(), URL: url}); err != nil {
		return false, err
	}

	select {
	case rep := <-reply:
		return rep.Found, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// FetchChunk transfers url from the remote peer. Binary frames are
// concatenated in arrival order; the caller's ctx deadline is enforced
// regardless of the responder's terminal-marker guarantee.
func (c *Conn) FetchChunk(ctx context.Context, url string) ([]byte, error) {
	id := utils.GenerateRequestID()
	in := &inboundTransfer{done: make(chan error, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, domain.ErrChannelClosed
	}
	c.receives[id] = in
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.receives, id)
		c.mu.Unlock()
	}()

	if err := c.sendControl(control{Kind: kindTransferRequest, RequestID: id.String(), URL: url}); err != nil {
		return nil, err
	}

	select {
	case err := <-in.done:
		if err != nil {
			return nil, err
		}
		return in.buf.Bytes(), nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, domain.ErrTransferTimeout
		}
		return nil, ctx.Err()
	}
}

// Close fails every outstanding request and detaches the channel.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, in := range c.receives {
		select {
		case in.done <- domain.ErrChannelClosed:
		default:
		}
	}
	c.mu.Unlock()
	return c.ch.Close()
}

func (c *Conn) sendControl(msg control) error {
	data, err := msg.encode()
	if err != nil {
		return err
	}
	return c.ch.SendText(string(data))
}

func (c *Conn) handleMessage(msg ports.ChannelMessage) {
	if !msg.IsString {
		c.handleFrame(msg.Data)
		return
	}

	ctl, err := decodeControl(msg.Data)
	if err != nil {
		c.logger.Warnw("dropping bad control frame", "peer", c.peer, "error", err)
		return
	}

	switch ctl.Kind {
	case kindAvailabilityQuery:
		found := c.cache.Has(ctl.URL)
		size := 0
		if data, ok := c.cache.Get(ctl.URL); ok {
			size = len(data)
		}
		_ = c.sendControl(control{
			Kind:      kindAvailabilityReply,
			RequestID: ctl.RequestID,
			URL:       ctl.URL,
			Found:     found,
			Size:      size,
		})

	case kindAvailabilityReply:
		id, err := uuid.Parse(ctl.RequestID)
		if err != nil {
			return
		}
		c.mu.Lock()
		reply := c.queries[id]
		c.mu.Unlock()
		if reply != nil {
			select {
			case reply <- ctl:
			default:
			}
		}

	case kindTransferRequest:
		go c.serve(ctl)

	case kindTransferStart:
		// Informational: frames follow. Size is advisory.

	case kindTransferEnd, kindTransferError:
		id, err := uuid.Parse(ctl.RequestID)
		if err != nil {
			return
		}
		c.mu.Lock()
		in := c.receives[id]
		c.mu.Unlock()
		if in == nil {
			return // transfer already resolved or abandoned
		}
		var result error
		if ctl.Kind == kindTransferError {
			result = fmt.Errorf("%w: %s", domain.ErrChunkUnavailable, ctl.Reason)
		}
		select {
		case in.done <- result:
		default:
		}

	default:
		c.logger.Debugw("unknown control kind", "peer", c.peer, "kind", ctl.Kind)
	}
}

func (c *Conn) handleFrame(frame []byte) {
	id, payload, err := decodeFrame(frame)
	if err != nil {
		c.logger.Warnw("dropping bad binary frame", "peer", c.peer, "error", err)
		return
	}
	c.mu.Lock()
	in := c.receives[id]
	c.mu.Unlock()
	if in == nil {
		return
	}
	in.buf.Write(payload)
}

// serve answers one transfer request from the cache. Exactly one terminal
// marker is sent per request, whatever happens mid-stream.
func (c *Conn) serve(req control) {
	reqID, err := uuid.Parse(req.RequestID)
	if err != nil {
		return
	}

	data, ok := c.cache.Get(req.URL)
	if !ok {
		_ = c.sendControl(control{Kind: kindTransferError, RequestID: req.RequestID, Reason: "not cached"})
		return
	}

	if err := c.sendControl(control{Kind: kindTransferStart, RequestID: req.RequestID, Size: len(data)}); err != nil {
		c.logger.Debugw("transfer start failed", "peer", c.peer, "url", req.URL, "error", err)
		_ = c.sendControl(control{Kind: kindTransferError, RequestID: req.RequestID, Reason: "send failed"})
		return
	}

	for off := 0; off < len(data); off += maxFramePayload {
		end := off + maxFramePayload
		if end > len(data) {
			end = len(data)
		}
		slice := data[off:end]

		if c.limiter != nil {
			if err := c.limiter.WaitN(context.Background(), len(slice)); err != nil {
				_ = c.sendControl(control{Kind: kindTransferError, RequestID: req.RequestID, Reason: "rate limiter"})
				return
			}
		}
		if err := c.ch.Send(encodeFrame(reqID, slice)); err != nil {
			_ = c.sendControl(control{Kind: kindTransferError, RequestID: req.RequestID, Reason: "send failed"})
			return
		}
	}

	if err := c.sendControl(control{Kind: kindTransferEnd, RequestID: req.RequestID}); err != nil {
		return
	}
	if c.onServed != nil {
		c.onServed(len(data))
	}
}

// NewLimiter converts an upload budget in kbit/s into a rate limiter over
// bytes. Zero kbps means unmetered.
func NewLimiter(uploadKbps, burst int) *rate.Limiter {
	if uploadKbps <= 0 {
		return nil
	}
	bytesPerSec := uploadKbps * 1000 / 8
	if burst < maxFramePayload {
		burst = maxFramePayload
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}
