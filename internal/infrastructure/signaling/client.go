// Package signaling talks to the shared mailbox over HTTP: submitting
// batched outgoing signals, polling the inbox with adaptive intervals and
// acknowledging processed rows.
package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"swarmcast/internal/core/domain"
)

// Client is the HTTP mailbox client. Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.SugaredLogger

	// bulkUnsupported latches once the batch endpoint answers 404/405;
	// later batches go sequential without re-probing.
	bulkUnsupported atomic.Bool
}

func NewClient(baseURL string, timeout time.Duration, logger *zap.SugaredLogger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// apiResponse is the mailbox's uniform envelope.
type apiResponse struct {
	Success bool             `json:"success"`
	Error   string           `json:"error,omitempty"`
	Data    []*domain.Signal `json:"data,omitempty"`
}

func (c *Client) roomURL(room domain.RoomID, suffix string) string {
	return fmt.Sprintf("%s/api/v1/rooms/%s/signals%s", c.baseURL, url.PathEscape(string(room)), suffix)
}

// Submit posts one signal to its room's mailbox.
func (c *Client) Submit(ctx context.Context, sig *domain.Signal) error {
	body, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	return c.post(ctx, c.roomURL(sig.RoomID, ""), body)
}

// SubmitBatch posts signals in one request, falling back to sequential
// submits when the mailbox predates the batch endpoint.
func (c *Client) SubmitBatch(ctx context.Context, room domain.RoomID, sigs []*domain.Signal) error {
	if len(sigs) == 0 {
		return nil
	}
	if len(sigs) == 1 || c.bulkUnsupported.Load() {
		return c.submitSequential(ctx, sigs)
	}

	body, err := json.Marshal(map[string]any{"signals": sigs})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	err = c.post(ctx, c.roomURL(room, "/batch"), body)
	if isUnsupported(err) {
		c.bulkUnsupported.Store(true)
		c.logger.Infow("mailbox has no batch endpoint, submitting sequentially")
		return c.submitSequential(ctx, sigs)
	}
	return err
}

func (c *Client) submitSequential(ctx context.Context, sigs []*domain.Signal) error {
	for _, sig := range sigs {
		if err := c.Submit(ctx, sig); err != nil {
			return err
		}
	}
	return nil
}

// Poll fetches the undelivered signals addressed to peer (or broadcast),
// oldest first. Rows are not consumed by polling; call Ack per processed
// signal.
func (c *Client) Poll(ctx context.Context, room domain.RoomID, peer domain.PeerID) ([]*domain.Signal, error) {
	u := c.roomURL(room, "") + "?peer=" + url.QueryEscape(string(peer))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll mailbox: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode}
	}
	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	if !envelope.Success {
		return nil, fmt.Errorf("mailbox poll rejected: %s", envelope.Error)
	}
	return envelope.Data, nil
}

// Ack deletes one processed signal.
func (c *Client) Ack(ctx context.Context, room domain.RoomID, id string) error {
	return c.delete(ctx, c.roomURL(room, "/"+url.PathEscape(id)))
}

// AckPeer deletes every signal addressed to peer; used on teardown so a
// departing peer leaves no stale rows behind.
func (c *Client) AckPeer(ctx context.Context, room domain.RoomID, peer domain.PeerID) error {
	return c.delete(ctx, c.roomURL(room, "")+"?peer="+url.QueryEscape(string(peer)))
}

func (c *Client) post(ctx context.Context, u string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post to mailbox: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

func (c *Client) delete(ctx context.Context, u string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("delete from mailbox: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	// Already-gone rows are a success for at-least-once delivery.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("mailbox returned status %d", e.code)
}

func isUnsupported(err error) bool {
	se, ok := err.(*statusError)
	return ok && (se.code == http.StatusNotFound || se.code == http.StatusMethodNotAllowed)
}
