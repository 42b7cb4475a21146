// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chhuo/server-farm/lib/clock"
	"github.com/chhuo/server-farm/lib/identity"
	"github.com/chhuo/server-farm/lib/schema"
	"github.com/chhuo/server-farm/lib/trust"
)

// HeaderSecret carries the cluster shared secret on every call.
const HeaderSecret = "X-Farm-Secret"

// Error codes on the wire.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeKicked          = "kicked"
	CodeBadRequest      = "bad_request"
	CodeNotFound        = "not_found"
	CodeInternal        = "internal"
)

// ErrUnauthenticated marks a secret or signature rejection by the
// peer. Not transient: retrying the same credentials cannot succeed.
var ErrUnauthenticated = errors.New("peer rejected credentials")

// Client is the outbound peer caller. Safe for concurrent use.
type Client struct {
	identity *identity.Identity
	clk      clock.Clock
	http     *http.Client
}

// NewClient returns a Client signing as id. timeout bounds each call
// at the HTTP layer in addition to any caller context deadline.
func NewClient(id *identity.Identity, clk clock.Clock, timeout time.Duration) *Client {
	return &Client{
		identity: id,
		clk:      clk,
		http:     &http.Client{Timeout: timeout},
	}
}

// Sync performs a gossip exchange against a peer.
func (c *Client) Sync(ctx context.Context, baseURL string, request schema.SyncRequest) (schema.SyncResponse, error) {
	var response schema.SyncResponse
	err := c.post(ctx, baseURL+"/api/v1/peer/sync", request, &response)
	return response, err
}

// Heartbeat reports to a peer and collects the response.
func (c *Client) Heartbeat(ctx context.Context, baseURL string, request schema.HeartbeatRequest) (schema.HeartbeatResponse, error) {
	var response schema.HeartbeatResponse
	err := c.post(ctx, baseURL+"/api/v1/peer/heartbeat", request, &response)
	return response, err
}

// Exec pushes a task to a connectable target for immediate execution.
// The HTTP client's timeout bounds the wait, so commands longer than
// the configured peer timeout fall back to the heartbeat queue.
func (c *Client) Exec(ctx context.Context, baseURL string, request schema.ExecRequest) (schema.ExecResponse, error) {
	var response schema.ExecResponse
	err := c.post(ctx, baseURL+"/api/v1/peer/exec", request, &response)
	return response, err
}

// Join sends a membership request.
func (c *Client) Join(ctx context.Context, baseURL string, request schema.JoinRequest) (schema.JoinResponse, error) {
	var response schema.JoinResponse
	err := c.post(ctx, baseURL+"/api/v1/peer/join", request, &response)
	return response, err
}

func (c *Client) post(ctx context.Context, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: encoding request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transport: building request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(HeaderSecret, c.identity.SharedSecret)
	c.identity.SignRequest(request.Header, body, c.clk.Now())

	response, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("transport: %s: %w", url, err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(response.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("transport: reading response from %s: %w", url, err)
	}

	if response.StatusCode != http.StatusOK {
		return decodeError(url, response.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("transport: decoding response from %s: %w", url, err)
	}
	return nil
}

// decodeError turns a non-200 response into the matching sentinel.
func decodeError(url string, status int, raw []byte) error {
	var wire schema.ErrorResponse
	_ = json.Unmarshal(raw, &wire)

	switch wire.Code {
	case CodeKicked:
		return fmt.Errorf("transport: %s: %w", url, trust.ErrKicked)
	case CodeUnauthenticated:
		return fmt.Errorf("transport: %s: %w", url, ErrUnauthenticated)
	}
	if wire.Error != "" {
		return fmt.Errorf("transport: %s: HTTP %d: %s", url, status, wire.Error)
	}
	return fmt.Errorf("transport: %s: HTTP %d", url, status)
}

// IsTransient reports whether an error is worth retrying next cycle.
// Network failures, timeouts, and server-side errors are; credential
// and kick rejections are not, since retrying the same request cannot
// change the answer.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, trust.ErrKicked) && !errors.Is(err, ErrUnauthenticated)
}
