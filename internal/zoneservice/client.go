// Package zoneservice talks to the zone data service over HTTP JSON.
package zoneservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mediaposte/server/internal/config"
	"github.com/mediaposte/server/internal/geometry"
	"github.com/mediaposte/server/internal/logging"
	"github.com/mediaposte/server/internal/zone"
	"github.com/mediaposte/server/internal/zonekind"
	"go.uber.org/zap"
)

// Endpoint paths of the zone data service.
const (
	PathAtomicRectangle = "/api/zones/rectangle"
	PathCoarseRectangle = "/api/france/rectangle"
	PathCodes           = "/api/france/zones/codes"
	PathSearch          = "/api/france/recherche"
)

// Client handles communication with the zone data service
type Client struct {
	baseURL     string
	timeout     time.Duration
	retryCount  int
	searchLimit int
	client      *http.Client
	log         *zap.Logger
	onCall      func(endpoint string, d time.Duration, err error)
}

// NewClient creates a new zone data service client
func NewClient(cfg *config.Config, log *zap.Logger) *Client {
	return &Client{
		baseURL:     cfg.ZoneService.BaseURL,
		timeout:     cfg.ZoneService.Timeout,
		retryCount:  cfg.ZoneService.RetryCount,
		searchLimit: cfg.ZoneService.SearchLimit,
		client: &http.Client{
			Timeout: cfg.ZoneService.Timeout,
		},
		log: logging.OrNop(log).Named("zoneservice"),
	}
}

// OnCall registers a hook invoked after every endpoint call, used for metrics.
func (c *Client) OnCall(fn func(endpoint string, d time.Duration, err error)) {
	c.onCall = fn
}

// SearchLimit returns the configured default result limit.
func (c *Client) SearchLimit() int { return c.searchLimit }

// RectangleRequest asks for atomic units inside a rectangle.
type RectangleRequest struct {
	geometry.Rect
	ExcludeIDs []string `json:"exclude_ids"`
}

// CoarseRectangleRequest asks for coarse zones of one kind inside a rectangle.
type CoarseRectangleRequest struct {
	geometry.Rect
	TypeZone  zonekind.ID `json:"type_zone"`
	IDSession string      `json:"id_session"`
}

// CodesRequest asks for coarse zones by code.
type CodesRequest struct {
	TypeZone zonekind.ID `json:"type_zone"`
	Codes    []string    `json:"codes"`
}

// SearchRequest is a free-text search.
type SearchRequest struct {
	TypeZone  zonekind.ID `json:"type_zone"`
	Recherche string      `json:"recherche"`
	Limit     int         `json:"limit"`
}

// ZonesData is the data payload of rectangle and code responses.
type ZonesData struct {
	Zones    []zone.Record `json:"zones"`
	Superior []zone.Record `json:"zones_superieur,omitempty"`
	NotFound []string      `json:"codes_non_trouves,omitempty"`
}

// SearchResult is one search hit.
type SearchResult struct {
	Code    string `json:"code"`
	Libelle string `json:"libelle"`
}

// SearchData is the data payload of search responses.
type SearchData struct {
	Results []SearchResult `json:"resultats"`
}

// Envelope wraps every response of the service.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// Error is returned for every failed call. Message is short and safe to
// show to the operator.
type Error struct {
	Endpoint string
	Status   int
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("zone service %s: %s: %v", e.Endpoint, e.Message, e.Err)
	}
	return fmt.Sprintf("zone service %s: %s", e.Endpoint, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// UserMessage returns the operator-facing description of the failure.
func UserMessage(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Message
	}
	if errors.Is(err, context.Canceled) {
		return "request cancelled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "zone service timed out"
	}
	return "zone service unavailable"
}

// AtomicRectangle fetches atomic units inside rect, skipping excluded ids.
func (c *Client) AtomicRectangle(ctx context.Context, rect geometry.Rect, excludeIDs []string) (*ZonesData, error) {
	if excludeIDs == nil {
		excludeIDs = []string{}
	}
	var data ZonesData
	err := c.post(ctx, PathAtomicRectangle, RectangleRequest{Rect: rect, ExcludeIDs: excludeIDs}, &data)
	if err != nil {
		return nil, err
	}
	return &data, nil
}

// CoarseRectangle fetches coarse zones of kind inside rect.
func (c *Client) CoarseRectangle(ctx context.Context, rect geometry.Rect, kind zonekind.ID, sessionID string) (*ZonesData, error) {
	var data ZonesData
	err := c.post(ctx, PathCoarseRectangle, CoarseRectangleRequest{Rect: rect, TypeZone: kind, IDSession: sessionID}, &data)
	if err != nil {
		return nil, err
	}
	return &data, nil
}

// ZonesByCodes fetches coarse zones of kind by code.
func (c *Client) ZonesByCodes(ctx context.Context, kind zonekind.ID, codes []string) (*ZonesData, error) {
	var data ZonesData
	if err := c.post(ctx, PathCodes, CodesRequest{TypeZone: kind, Codes: codes}, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Search runs a free-text search. A non-positive limit uses the configured default.
func (c *Client) Search(ctx context.Context, kind zonekind.ID, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = c.searchLimit
	}
	var data SearchData
	if err := c.post(ctx, PathSearch, SearchRequest{TypeZone: kind, Recherche: query, Limit: limit}, &data); err != nil {
		return nil, err
	}
	return data.Results, nil
}

// HealthCheck checks if the zone data service is healthy
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer c.closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode health response: %w", err)
	}
	if health.Status != "ok" {
		return fmt.Errorf("service reported unhealthy status: %s", health.Status)
	}
	return nil
}

// post sends payload to path and decodes the envelope data into out.
// Transport failures and 5xx answers are retried with exponential backoff;
// an explicit success=false answer is not.
func (c *Client) post(ctx context.Context, path string, payload, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		if c.onCall != nil {
			c.onCall(path, time.Since(start), err)
		}
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		return &Error{Endpoint: path, Message: "invalid request", Err: err}
	}

	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 100ms, 200ms, 400ms
			backoff := time.Duration(100*(1<<uint(attempt-1))) * time.Millisecond
			select {
			case <-ctx.Done():
				return &Error{Endpoint: path, Message: UserMessage(ctx.Err()), Err: ctx.Err()}
			case <-time.After(backoff):
			}
		}

		env, status, err := c.do(ctx, path, body)
		if err != nil {
			if ctx.Err() != nil {
				return &Error{Endpoint: path, Message: UserMessage(ctx.Err()), Err: ctx.Err()}
			}
			lastErr = err
			c.log.Debug("zone service call failed",
				zap.String("endpoint", path), zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		if status >= 500 {
			lastErr = &Error{Endpoint: path, Status: status, Message: fmt.Sprintf("zone service error (status %d)", status)}
			continue
		}
		if status != http.StatusOK {
			msg := env.Error
			if msg == "" {
				msg = fmt.Sprintf("request rejected (status %d)", status)
			}
			return &Error{Endpoint: path, Status: status, Message: msg}
		}
		if !env.Success {
			msg := env.Error
			if msg == "" {
				msg = env.Message
			}
			if msg == "" {
				msg = "request failed"
			}
			return &Error{Endpoint: path, Status: status, Message: msg}
		}
		if out != nil && len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, out); err != nil {
				return &Error{Endpoint: path, Status: status, Message: "malformed response", Err: err}
			}
		}
		return nil
	}

	var se *Error
	if errors.As(lastErr, &se) {
		return se
	}
	return &Error{
		Endpoint: path,
		Message:  "zone service unavailable",
		Err:      fmt.Errorf("failed after %d attempts: %w", c.retryCount+1, lastErr),
	}
}

func (c *Client) do(ctx context.Context, path string, body []byte) (*Envelope, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer c.closeBody(resp)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return &Envelope{}, resp.StatusCode, nil
	}

	var env Envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &Envelope{}, resp.StatusCode, nil
		}
		return nil, resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return &env, resp.StatusCode, nil
}

func (c *Client) closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		c.log.Warn("failed to close zone service response body", zap.Error(err))
	}
}
