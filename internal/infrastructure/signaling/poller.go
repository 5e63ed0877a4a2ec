package signaling

import (
	"context"
	"time"

	"go.uber.org/zap"

	"swarmcast/internal/core/domain"
	"swarmcast/pkg/backoff"
)

// HandlerFunc consumes one polled signal.
type HandlerFunc func(ctx context.Context, sig *domain.Signal) error

// Poller drives the mailbox poll loop. The interval grows toward the
// policy's ceiling while the mailbox is quiet and snaps back to the floor
// the moment anything arrives.
type Poller struct {
	client  *Client
	room    domain.RoomID
	self    domain.PeerID
	state   *backoff.State
	handler HandlerFunc
	logger  *zap.SugaredLogger
}

func NewPoller(client *Client, room domain.RoomID, self domain.PeerID, policy backoff.Policy, handler HandlerFunc, logger *zap.SugaredLogger) *Poller {
	return &Poller{
		client:  client,
		room:    room,
		self:    self,
		state:   backoff.NewState(policy),
		handler: handler,
		logger:  logger,
	}
}

// Run polls until ctx is done. Poll errors stretch the interval like empty
// polls do; they never stop the loop.
func (p *Poller) Run(ctx context.Context) {
	timer := time.NewTimer(p.state.Current())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		n, err := p.PollOnce(ctx)
		switch {
		case err != nil:
			p.logger.Warnw("mailbox poll failed", "error", err)
			p.state.Next()
		case n == 0:
			p.state.Next()
		default:
			p.state.Reset()
		}
		timer.Reset(p.state.Current())
	}
}

// PollOnce fetches, handles and acknowledges one batch of signals,
// returning how many were processed. Each handled signal is acknowledged
// individually; a handler error leaves the row for redelivery.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	sigs, err := p.client.Poll(ctx, p.room, p.self)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, sig := range sigs {
		if err := p.handler(ctx, sig); err != nil {
			p.logger.Warnw("signal handler failed, leaving row for redelivery",
				"signal", sig.ID, "type", sig.Type, "error", err)
			continue
		}
		if err := p.client.Ack(ctx, p.room, sig.ID); err != nil {
			p.logger.Warnw("signal ack failed", "signal", sig.ID, "error", err)
		}
		processed++
	}
	return processed, nil
}

// Interval exposes the current poll interval, mainly for the stats API.
func (p *Poller) Interval() time.Duration {
	return p.state.Current()
}
