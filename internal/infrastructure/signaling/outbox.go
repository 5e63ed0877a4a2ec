package signaling

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"swarmcast/internal/core/domain"
)

// Outbox coalesces outgoing signals into batched submits: a batch is
// flushed when it fills or when the batching window elapses, whichever
// comes first. Implements ports.SignalSender.
type Outbox struct {
	client *Client
	room   domain.RoomID
	size   int
	window time.Duration
	logger *zap.SugaredLogger

	mu      sync.Mutex
	pending []*domain.Signal

	flushChan chan struct{}
	stopChan  chan struct{}
	doneChan  chan struct{}
}

func NewOutbox(client *Client, room domain.RoomID, size int, window time.Duration, logger *zap.SugaredLogger) *Outbox {
	if size <= 0 {
		size = 10
	}
	if window <= 0 {
		window = 150 * time.Millisecond
	}
	o := &Outbox{
		client:    client,
		room:      room,
		size:      size,
		window:    window,
		logger:    logger,
		pending:   make([]*domain.Signal, 0, size),
		flushChan: make(chan struct{}, 1),
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
	go o.run()
	return o
}

// Send enqueues a signal for the next flush.
func (o *Outbox) Send(sig *domain.Signal) {
	o.mu.Lock()
	o.pending = append(o.pending, sig)
	full := len(o.pending) >= o.size
	o.mu.Unlock()

	if full {
		select {
		case o.flushChan <- struct{}{}:
		default:
		}
	}
}

// Flush submits everything pending right now.
func (o *Outbox) Flush(ctx context.Context) error {
	o.mu.Lock()
	if len(o.pending) == 0 {
		o.mu.Unlock()
		return nil
	}
	batch := o.pending
	o.pending = make([]*domain.Signal, 0, o.size)
	o.mu.Unlock()

	if err := o.client.SubmitBatch(ctx, o.room, batch); err != nil {
		o.logger.Warnw("signal batch submit failed", "count", len(batch), "error", err)
		return err
	}
	return nil
}

// PendingCount returns the number of signals waiting for a flush.
func (o *Outbox) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

func (o *Outbox) run() {
	defer close(o.doneChan)
	ticker := time.NewTicker(o.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = o.Flush(context.Background())
		case <-o.flushChan:
			_ = o.Flush(context.Background())
		case <-o.stopChan:
			_ = o.Flush(context.Background())
			return
		}
	}
}

// Stop flushes the remainder and stops the background loop.
func (o *Outbox) Stop() {
	close(o.stopChan)
	<-o.doneChan
}
