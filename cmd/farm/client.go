// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chhuo/server-farm/lib/audit"
	"github.com/chhuo/server-farm/lib/schema"
	"github.com/chhuo/server-farm/lib/transport"
)

// adminClient calls a node's admin API with the cluster shared secret.
type adminClient struct {
	baseURL string
	secret  string
	http    *http.Client
}

func newAdminClient(baseURL, secret string) *adminClient {
	return &adminClient{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *adminClient) call(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	request.Header.Set(transport.HeaderSecret, c.secret)
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		var wire schema.ErrorResponse
		if json.Unmarshal(raw, &wire) == nil && wire.Error != "" {
			return fmt.Errorf("%s: %s", c.baseURL+path, wire.Error)
		}
		return fmt.Errorf("%s: HTTP %d", c.baseURL+path, response.StatusCode)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// nodeView mirrors the /api/v1/nodes response entry.
type nodeView struct {
	Record schema.NodeRecord `json:"record"`
	State  *schema.NodeState `json:"state,omitempty"`
}

func (c *adminClient) listNodes(ctx context.Context) ([]nodeView, error) {
	var views []nodeView
	err := c.call(ctx, http.MethodGet, "/api/v1/nodes", nil, &views)
	return views, err
}

func (c *adminClient) approve(ctx context.Context, nodeID string) (schema.NodeRecord, error) {
	var record schema.NodeRecord
	err := c.call(ctx, http.MethodPost, "/api/v1/nodes/"+nodeID+"/approve", nil, &record)
	return record, err
}

func (c *adminClient) reject(ctx context.Context, nodeID string) error {
	return c.call(ctx, http.MethodPost, "/api/v1/nodes/"+nodeID+"/reject", nil, nil)
}

func (c *adminClient) kick(ctx context.Context, nodeID, reason string) (schema.NodeRecord, error) {
	var record schema.NodeRecord
	err := c.call(ctx, http.MethodPost, "/api/v1/nodes/"+nodeID+"/kick",
		map[string]string{"reason": reason}, &record)
	return record, err
}

func (c *adminClient) createTask(ctx context.Context, target, command string, timeoutSeconds int) (schema.Task, error) {
	var task schema.Task
	err := c.call(ctx, http.MethodPost, "/api/v1/tasks", map[string]any{
		"target_node_id":  target,
		"command":         command,
		"timeout_seconds": timeoutSeconds,
	}, &task)
	return task, err
}

func (c *adminClient) getTask(ctx context.Context, taskID string) (schema.Task, error) {
	var task schema.Task
	err := c.call(ctx, http.MethodGet, "/api/v1/tasks/"+taskID, nil, &task)
	return task, err
}

func (c *adminClient) listTasks(ctx context.Context) ([]schema.Task, error) {
	var all []schema.Task
	err := c.call(ctx, http.MethodGet, "/api/v1/tasks", nil, &all)
	return all, err
}

func (c *adminClient) listAudit(ctx context.Context) ([]audit.Entry, error) {
	var entries []audit.Entry
	err := c.call(ctx, http.MethodGet, "/api/v1/audit", nil, &entries)
	return entries, err
}
