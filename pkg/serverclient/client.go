// comfyfleet schedules image-generation workflows across a fleet of ComfyUI servers.
// Copyright (C) 2025 comfyfleet contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package serverclient is the thin HTTP+WebSocket client a Session uses to
// talk to one ComfyUI server. It performs no retry or reconnect logic of its
// own — pkg/session owns that — it only knows how to shape one request.
package serverclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"comfyfleet/internal/metrics"
	"comfyfleet/pkg/wire"
)

// Client is the interface pkg/session drives. A concrete HTTPClient talks to
// a real ComfyUI server; tests substitute a fake.
type Client interface {
	Submit(ctx context.Context, req wire.SubmitRequest) (*wire.SubmitResponse, error)
	Interrupt(ctx context.Context, promptID string) error
	UploadAsset(ctx context.Context, filename string, content io.Reader, overwrite bool) (*wire.UploadResult, error)
	QueueStatus(ctx context.Context) (*wire.QueueSnapshot, error)
	PromptStatus(ctx context.Context, promptID string) (*wire.PromptStatus, error)
	SystemStats(ctx context.Context) (json.RawMessage, error)
	ObjectInfo(ctx context.Context, nodeClass string) (*wire.ObjectInfoNode, error)
	Free(ctx context.Context, req wire.FreeRequest) error
	WebSocketURL(clientID string) string
	BaseURL() string
}

// Config describes one ComfyUI server endpoint.
type Config struct {
	// BaseURL is the server's HTTP base, e.g. http://10.0.0.12:8188.
	BaseURL string
	// Timeout bounds a single HTTP request.
	Timeout time.Duration
}

// DefaultConfig returns conservative defaults for a LAN ComfyUI instance.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8188",
		Timeout: 30 * time.Second,
	}
}

// Validate reports whether the config can be used to build a Client.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("base URL required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	return nil
}

// HTTPDoer abstracts *http.Client so tests can inject a fake transport.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPClient is the concrete Client implementation backed by net/http.
type HTTPClient struct {
	cfg    Config
	doer   HTTPDoer
	server string // label used for metrics; defaults to cfg.BaseURL
}

var _ Client = (*HTTPClient)(nil)

// New constructs an HTTPClient. serverLabel is used only for metrics/logging
// (typically the fleet's friendly name for this server); pass "" to use the
// base URL.
func New(cfg Config, serverLabel string) (*HTTPClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid serverclient config: %w", err)
	}
	if serverLabel == "" {
		serverLabel = cfg.BaseURL
	}
	return &HTTPClient{
		cfg:    cfg,
		doer:   &http.Client{Timeout: cfg.Timeout},
		server: serverLabel,
	}, nil
}

func (c *HTTPClient) BaseURL() string { return c.cfg.BaseURL }

// WebSocketURL builds the ws(s)://.../ws?clientId=... URL for the event channel.
func (c *HTTPClient) WebSocketURL(clientID string) string {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("clientId", clientID)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, body interface{}, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return -1, fmt.Errorf("encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return -1, fmt.Errorf("build %s request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.doer.Do(req)
	if err != nil {
		metrics.ObserveSessionRequest(c.server, op, -1, time.Since(start))
		return -1, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	metrics.ObserveSessionRequest(c.server, op, resp.StatusCode, time.Since(start))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%s: read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, c.buildEnqueueError(op, method, path, resp, respBody)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%s: decode response: %w", op, err)
		}
	}
	return resp.StatusCode, nil
}

func (c *HTTPClient) buildEnqueueError(op, method, path string, resp *http.Response, respBody []byte) error {
	e := &wire.EnqueueError{
		URL:        c.cfg.BaseURL + path,
		Method:     method,
		StatusCode: resp.StatusCode,
		StatusText: resp.Status,
	}
	var js json.RawMessage
	if json.Valid(respBody) {
		js = json.RawMessage(respBody)
		e.Body = js
		e.Reason = wire.ExtractReason(js)
	} else {
		snippet := string(respBody)
		if len(snippet) > 500 {
			snippet = snippet[:500]
		}
		e.Snippet = snippet
	}
	_ = op
	return e
}

// Submit posts a workflow to /prompt.
func (c *HTTPClient) Submit(ctx context.Context, req wire.SubmitRequest) (*wire.SubmitResponse, error) {
	var out wire.SubmitResponse
	if _, err := c.do(ctx, metrics.OpSubmit, http.MethodPost, "/prompt", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Interrupt posts /interrupt for the currently-running prompt, or a specific
// promptID when the server supports targeted interrupt.
func (c *HTTPClient) Interrupt(ctx context.Context, promptID string) error {
	var body interface{}
	if promptID != "" {
		body = wire.InterruptRequest{PromptID: promptID}
	} else {
		body = struct{}{}
	}
	_, err := c.do(ctx, metrics.OpInterrupt, http.MethodPost, "/interrupt", body, nil)
	return err
}

// UploadAsset multipart-uploads an input image/mask via /upload/image.
func (c *HTTPClient) UploadAsset(ctx context.Context, filename string, content io.Reader, overwrite bool) (*wire.UploadResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return nil, fmt.Errorf("upload asset: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, fmt.Errorf("upload asset: copy: %w", err)
	}
	if overwrite {
		_ = mw.WriteField("overwrite", "true")
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("upload asset: %w", err)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/upload/image", &buf)
	if err != nil {
		return nil, fmt.Errorf("upload asset: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.doer.Do(req)
	if err != nil {
		metrics.ObserveSessionRequest(c.server, metrics.OpUpload, -1, time.Since(start))
		return nil, fmt.Errorf("upload asset: %w", err)
	}
	defer resp.Body.Close()
	metrics.ObserveSessionRequest(c.server, metrics.OpUpload, resp.StatusCode, time.Since(start))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upload asset: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.buildEnqueueError(metrics.OpUpload, http.MethodPost, "/upload/image", resp, respBody)
	}
	var out wire.UploadResult
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("upload asset: decode response: %w", err)
	}
	return &out, nil
}

// QueueStatus reads /queue.
func (c *HTTPClient) QueueStatus(ctx context.Context) (*wire.QueueSnapshot, error) {
	var out wire.QueueSnapshot
	if _, err := c.do(ctx, metrics.OpQueueStatus, http.MethodGet, "/queue", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PromptStatus reads /prompt. The Session's polling fallback does not use it;
// it polls /queue through QueueStatus.
func (c *HTTPClient) PromptStatus(ctx context.Context, promptID string) (*wire.PromptStatus, error) {
	var out wire.PromptStatus
	path := "/prompt"
	if promptID != "" {
		path += "?prompt_id=" + url.QueryEscape(promptID)
	}
	if _, err := c.do(ctx, metrics.OpQueueStatus, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SystemStats reads /system_stats and returns the raw JSON since the core
// only surfaces it to callers, never inspects it.
func (c *HTTPClient) SystemStats(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if _, err := c.do(ctx, metrics.OpSystemStats, http.MethodGet, "/system_stats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ObjectInfo reads /object_info/<nodeClass>, used by the fleet's checkpoint
// cache to enumerate available checkpoint names for a loader node.
func (c *HTTPClient) ObjectInfo(ctx context.Context, nodeClass string) (*wire.ObjectInfoNode, error) {
	var out map[string]wire.ObjectInfoNode
	path := "/object_info"
	if nodeClass != "" {
		path += "/" + url.PathEscape(nodeClass)
	}
	if _, err := c.do(ctx, metrics.OpObjectInfo, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if nodeClass == "" {
		return nil, nil
	}
	node, ok := out[nodeClass]
	if !ok {
		return nil, fmt.Errorf("object_info: node class %q not found", nodeClass)
	}
	return &node, nil
}

// Free posts /free to unload models and/or free VRAM.
func (c *HTTPClient) Free(ctx context.Context, req wire.FreeRequest) error {
	_, err := c.do(ctx, metrics.OpFree, http.MethodPost, "/free", req, nil)
	return err
}
