// Package remote talks to the shop backend: it delivers queued actions and pulls
// entity changes.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"shelfsync/internal/config"
	"shelfsync/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var ErrUnexpectedStatus = errors.New("unexpected status")

const maxDrainBytes = 64 << 10

type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	headers    map[string]string
	userAgent  string
	pageLimit  int
	logger     *zerolog.Logger
}

// NewClient builds a client from the remote section. pageLimit caps pagination per pull.
func NewClient(cfg config.RemoteConfig, pageLimit int, logger *zerolog.Logger) *Client {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	limit := rate.Inf
	if cfg.RateLimit.RPS > 0 {
		limit = rate.Limit(cfg.RateLimit.RPS)
	}
	burst := cfg.RateLimit.Burst
	if burst <= 0 {
		burst = 1
	}
	if pageLimit <= 0 {
		pageLimit = models.DefaultPullPageLimit
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = models.DefaultRequestTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
		headers:    cfg.Headers,
		userAgent:  cfg.UserAgent,
		pageLimit:  pageLimit,
		logger:     logger,
	}
}

// Deliver sends one queued action and returns the HTTP status. The error is set only when
// no status was obtained (network failure, cancelled context, bad request).
func (c *Client) Deliver(ctx context.Context, action *models.QueuedAction) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	var body io.Reader
	if len(action.Payload) > 0 {
		body = bytes.NewReader(action.Payload)
	}
	method := action.Target.Method
	if method == "" {
		method = action.Kind.DefaultMethod()
	}

	req, err := http.NewRequestWithContext(ctx, method, action.Target.URL, body)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.addHeaders(req)
	for k, v := range action.Headers {
		req.Header.Set(k, v)
	}
	if action.IdempotencyKey != "" {
		req.Header.Set(models.HeaderIdempotency, action.IdempotencyKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	c.logger.Debug().
		Int64("action_id", action.ID).
		Str("method", method).
		Str("url", action.Target.URL).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("Action delivered")
	return resp.StatusCode, nil
}

// Fetch pulls the changes described by req, following pagination.
func (c *Client) Fetch(ctx context.Context, req models.PullRequest) (*models.PullResult, error) {
	base, err := url.Parse(req.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", req.Endpoint, err)
	}

	result := &models.PullResult{Records: []models.Record{}}
	cursor := req.Cursor
	for {
		u := *base
		q := u.Query()
		switch {
		case cursor != "":
			q.Set(models.ParamCursor, cursor)
		case req.Since != nil:
			q.Set(models.ParamUpdatedSince, req.Since.UTC().Format(time.RFC3339Nano))
		}
		u.RawQuery = q.Encode()

		p, err := c.fetchPage(ctx, u.String())
		if err != nil {
			return nil, err
		}
		result.Pages++
		result.Records = append(result.Records, p.records...)
		if p.cursor != "" {
			result.Cursor = p.cursor
		}

		if !p.hasMore || p.cursor == "" || p.cursor == cursor {
			return result, nil
		}
		if result.Pages >= c.pageLimit {
			c.logger.Warn().Str("entity", req.Entity).Int("pages", result.Pages).Msg("Pull page limit reached, continuing next sync")
			return result, nil
		}
		cursor = p.cursor
	}
}

type page struct {
	records []models.Record
	cursor  string
	hasMore bool
}

func (c *Client) fetchPage(ctx context.Context, endpoint string) (*page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.addHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
		return nil, fmt.Errorf("%w: http %d from %s", ErrUnexpectedStatus, resp.StatusCode, endpoint)
	}

	p, err := decodePage(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", endpoint, err)
	}
	if p.cursor == "" {
		p.cursor = resp.Header.Get(models.HeaderSyncCursor)
	}
	return p, nil
}

// decodePage accepts either a bare array of records or an envelope
// {"data": [...], "next_cursor"|"cursor"|"watermark": "...", "has_more": bool}.
func decodePage(r io.Reader) (*page, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return &page{}, nil
		}
		return nil, err
	}

	var items []any
	p := &page{}
	switch v := raw.(type) {
	case nil:
		return p, nil
	case []any:
		items = v
	case map[string]any:
		data, ok := v["data"]
		if ok && data != nil {
			if items, ok = data.([]any); !ok {
				return nil, fmt.Errorf("envelope data is not an array")
			}
		}
		for _, k := range []string{"next_cursor", "cursor", "watermark"} {
			if s, ok := models.ScalarString(v[k]); ok {
				p.cursor = s
				break
			}
		}
		p.hasMore, _ = v["has_more"].(bool)
	default:
		return nil, fmt.Errorf("unexpected response body")
	}

	p.records = make([]models.Record, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("record #%d is not an object", i)
		}
		p.records = append(p.records, models.Record(obj))
	}
	return p, nil
}

func (c *Client) addHeaders(req *http.Request) {
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
}
