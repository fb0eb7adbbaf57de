// Package transport is the client side of the sync protocol: it submits
// drained batches to the server and reads the server's mirror.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/model"
)

// DefaultBaseURL is used when no server URL is configured.
const DefaultBaseURL = "http://127.0.0.1:8787"

// HTTPError is a non-2xx response from the server.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Client talks to a sync server over HTTP.
//
// The client never retries on its own: a failed submission is reported to
// the caller, and the retry schedule belongs to the host.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a client. A nil httpClient gets a 15s timeout.
func NewClient(baseURL string, httpClient *http.Client, logger zerolog.Logger) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, logger: logger}
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Submit posts the whole batch to /api/sync and returns the server's result.
//
// A transport failure or non-2xx status is returned as a transport error.
// A 2xx response with success=false is returned as the result, not an error;
// the caller decides what a rejected batch means.
func (c *Client) Submit(ctx context.Context, records []model.MutationRecord) (model.SyncResponse, error) {
	if records == nil {
		records = []model.MutationRecord{}
	}
	var out model.SyncResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/sync", model.SyncRequest{Queue: records}, &out); err != nil {
		return model.SyncResponse{}, model.NewTransportError("submit batch", err)
	}
	if out.Errors == nil {
		out.Errors = []string{}
	}
	c.logger.Debug().
		Int("records", len(records)).
		Bool("success", out.Success).
		Int("processed", out.Processed).
		Msg("batch submitted")
	return out, nil
}

// Online reports whether the server answers its health check.
func (c *Client) Online(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return c.doJSON(ctx, http.MethodGet, "/health", nil, nil) == nil
}

// ListSessions returns the server's session mirror, most recently active first.
func (c *Client) ListSessions(ctx context.Context) ([]model.SessionInfo, error) {
	var out struct {
		Sessions []model.SessionInfo `json:"sessions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/sessions", nil, &out); err != nil {
		return nil, model.NewTransportError("list sessions", err)
	}
	if out.Sessions == nil {
		out.Sessions = []model.SessionInfo{}
	}
	return out.Sessions, nil
}

// ClearSessions removes every session on the server and returns how many there were.
func (c *Client) ClearSessions(ctx context.Context) (int, error) {
	var out struct {
		Removed int `json:"removed"`
	}
	if err := c.doJSON(ctx, http.MethodDelete, "/api/sessions", nil, &out); err != nil {
		return 0, model.NewTransportError("clear sessions", err)
	}
	return out.Removed, nil
}

// Messages returns the canonical message stream of one conversation.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]model.Message, error) {
	var out struct {
		Messages []model.Message `json:"messages"`
	}
	path := "/api/chat/" + url.PathEscape(conversationID) + "/messages"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, model.NewTransportError("list messages", err)
	}
	if out.Messages == nil {
		out.Messages = []model.Message{}
	}
	return out.Messages, nil
}

// Settings returns the settings snapshot stored on the server.
// found is false when no client has synced settings yet.
func (c *Client) Settings(ctx context.Context) (settings model.Settings, found bool, err error) {
	err = c.doJSON(ctx, http.MethodGet, "/api/settings", nil, &settings)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return model.Settings{}, false, nil
	}
	if err != nil {
		return model.Settings{}, false, model.NewTransportError("get settings", err)
	}
	return settings, true, nil
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return nil
		}
		return json.Unmarshal(payload, out)
	}

	var errPayload model.ErrorResponse
	_ = json.Unmarshal(payload, &errPayload)
	if errPayload.Message == "" {
		errPayload.Message = http.StatusText(resp.StatusCode)
	}
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
}
