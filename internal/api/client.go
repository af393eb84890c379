// Package api is the HTTP client for the reading-application server: message
// delivery, preference reads, preset adoption and autosave reads.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/clusive/readerqueue/internal/events"
)

// CSRFHeader carries the page's CSRF token on every state-changing request.
const CSRFHeader = "X-CSRF-Token"

// ErrNotFound is returned when the server has no data yet (HTTP 404).
var ErrNotFound = errors.New("not found")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s failed with status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Is reports 404 responses as ErrNotFound.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Endpoints are the server paths, relative to the base URL.
type Endpoints struct {
	Messages    string
	Preferences string
	Adopt       string
	Autosave    string
}

// DefaultEndpoints returns the standard server paths.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Messages:    "/messagequeue/",
		Preferences: "/account/prefs",
		Adopt:       "/account/prefs/profile",
		Autosave:    "/api/autosave",
	}
}

// Client handles communication with the reading-application server.
type Client struct {
	baseURL   string
	csrfToken string
	paths     Endpoints
	client    *http.Client
}

// NewClient creates a new server client. Zero-valued endpoint paths fall
// back to DefaultEndpoints.
func NewClient(baseURL, csrfToken string, paths Endpoints) *Client {
	def := DefaultEndpoints()
	if paths.Messages == "" {
		paths.Messages = def.Messages
	}
	if paths.Preferences == "" {
		paths.Preferences = def.Preferences
	}
	if paths.Adopt == "" {
		paths.Adopt = def.Adopt
	}
	if paths.Autosave == "" {
		paths.Autosave = def.Autosave
	}
	return &Client{
		baseURL:   baseURL,
		csrfToken: csrfToken,
		paths:     paths,
		client:    &http.Client{},
	}
}

// AdoptRequest asks the server to switch the reader to a named preset.
type AdoptRequest struct {
	Adopt   string `json:"adopt"`
	EventID string `json:"eventId"`
}

type autosaveResponse struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// PostMessages sends one flush payload and returns the raw acknowledgement.
// A 2xx response must carry a JSON body.
func (c *Client) PostMessages(ctx context.Context, payload any) (json.RawMessage, error) {
	return c.postJSON(ctx, c.paths.Messages, payload)
}

// GetPreferences reads the reader's current preference set. A reader with no
// stored preferences yields ErrNotFound.
func (c *Client) GetPreferences(ctx context.Context) (events.Preferences, error) {
	body, err := c.get(ctx, c.paths.Preferences)
	if err != nil {
		return nil, err
	}
	var prefs events.Preferences
	if err := json.Unmarshal(body, &prefs); err != nil {
		return nil, fmt.Errorf("failed to parse preferences: %w", err)
	}
	return prefs, nil
}

// Adopt requests a preference preset and returns the preset's values.
func (c *Client) Adopt(ctx context.Context, preset string, eventID string) (events.Preferences, error) {
	body, err := c.postJSON(ctx, c.paths.Adopt, AdoptRequest{Adopt: preset, EventID: eventID})
	if err != nil {
		return nil, err
	}
	var prefs events.Preferences
	if err := json.Unmarshal(body, &prefs); err != nil {
		return nil, fmt.Errorf("failed to parse adopted preferences: %w", err)
	}
	return prefs, nil
}

// GetAutosave reads the stored autosave value for key.
func (c *Client) GetAutosave(ctx context.Context, key string) (json.RawMessage, error) {
	body, err := c.get(ctx, c.paths.Autosave+"?key="+url.QueryEscape(key))
	if err != nil {
		return nil, err
	}
	var resp autosaveResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse autosave: %w", err)
	}
	return resp.Value, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(CSRFHeader, c.csrfToken)

	return c.do(req, path)
}

func (c *Client) get(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, path)
}

func (c *Client) do(req *http.Request, path string) (json.RawMessage, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{
			Method:     req.Method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
		}
	}

	if !json.Valid(respBody) {
		return nil, fmt.Errorf("malformed JSON response from %s", path)
	}
	return respBody, nil
}
