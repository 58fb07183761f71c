package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"shelfsync/internal/config"
	"shelfsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient() *Client {
	return NewClient(config.RemoteConfig{
		Timeout:   time.Second,
		Headers:   map[string]string{"X-Store-Id": "s-1"},
		UserAgent: "shelfsync/test",
	}, 5, nil)
}

func TestDeliver(t *testing.T) {
	var got *http.Request
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"o-1"}`))
	}))
	defer srv.Close()

	c := newTestClient()
	action := &models.QueuedAction{
		ID:             1,
		Kind:           models.ActionCreate,
		Entity:         "orders",
		Payload:        json.RawMessage(`{"total":10}`),
		Target:         models.Target{URL: srv.URL + "/orders"},
		Headers:        map[string]string{"X-Till": "3"},
		IdempotencyKey: "idem-1",
	}

	status, err := c.Deliver(context.Background(), action)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)

	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/orders", got.URL.Path)
	assert.Equal(t, `{"total":10}`, body)
	assert.Equal(t, "idem-1", got.Header.Get(models.HeaderIdempotency))
	assert.Equal(t, "3", got.Header.Get("X-Till"))
	assert.Equal(t, "s-1", got.Header.Get("X-Store-Id"))
	assert.Equal(t, "shelfsync/test", got.Header.Get("User-Agent"))
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
}

func TestDeliver_StatusIsNotAnError(t *testing.T) {
	for _, code := range []int{http.StatusConflict, http.StatusInternalServerError, http.StatusNotFound} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		status, err := newTestClient().Deliver(context.Background(), &models.QueuedAction{
			Kind:   models.ActionDelete,
			Target: models.Target{URL: srv.URL + "/orders/1", Method: http.MethodDelete},
		})
		srv.Close()

		require.NoError(t, err)
		assert.Equal(t, code, status)
	}
}

func TestDeliver_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	status, err := newTestClient().Deliver(context.Background(), &models.QueuedAction{
		Kind:   models.ActionCreate,
		Target: models.Target{URL: url + "/orders"},
	})
	assert.Error(t, err)
	assert.Zero(t, status)
}

func TestFetch_ArrayWithSince(t *testing.T) {
	since := time.Date(2026, 4, 2, 12, 30, 0, 0, time.UTC)
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		assert.Equal(t, "s-1", r.Header.Get("X-Store-Id"))
		w.Header().Set(models.HeaderSyncCursor, "w-17")
		_, _ = w.Write([]byte(`[{"id":"p1","price":19.99},{"id":"p2","price":12345678901234567890}]`))
	}))
	defer srv.Close()

	res, err := newTestClient().Fetch(context.Background(), models.PullRequest{
		Entity:   "products",
		Endpoint: srv.URL + "/products?region=eu",
		Since:    &since,
	})
	require.NoError(t, err)

	assert.Contains(t, query, "region=eu")
	assert.Contains(t, query, "updated_since=2026-04-02T12%3A30%3A00Z")
	require.Len(t, res.Records, 2)
	assert.Equal(t, json.Number("12345678901234567890"), res.Records[1]["price"])
	assert.Equal(t, "w-17", res.Cursor)
	assert.Equal(t, 1, res.Pages)
}

func TestFetch_EnvelopePagination(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		switch r.URL.Query().Get(models.ParamCursor) {
		case "c0":
			_, _ = w.Write([]byte(`{"data":[{"id":"a"}],"next_cursor":"c1","has_more":true}`))
		case "c1":
			_, _ = w.Write([]byte(`{"data":[{"id":"b"}],"next_cursor":"c2","has_more":false}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	res, err := newTestClient().Fetch(context.Background(), models.PullRequest{
		Entity:   "customers",
		Endpoint: srv.URL + "/customers",
		Cursor:   "c0",
	})
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)
	assert.Equal(t, "c2", res.Cursor)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestFetch_PageLimit(t *testing.T) {
	var n int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := atomic.AddInt32(&n, 1)
		_, _ = w.Write([]byte(`{"data":[{"id":"x` + string(rune('0'+i)) + `"}],"cursor":"k` + string(rune('0'+i)) + `","has_more":true}`))
	}))
	defer srv.Close()

	res, err := newTestClient().Fetch(context.Background(), models.PullRequest{Entity: "orders", Endpoint: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Pages)
	assert.Len(t, res.Records, 5)
	assert.Equal(t, "k5", res.Cursor)
}

func TestFetch_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/down"):
			w.WriteHeader(http.StatusServiceUnavailable)
		case strings.HasSuffix(r.URL.Path, "/scalars"):
			_, _ = w.Write([]byte(`[1,2,3]`))
		case strings.HasSuffix(r.URL.Path, "/empty"):
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	c := newTestClient()
	ctx := context.Background()

	_, err := c.Fetch(ctx, models.PullRequest{Entity: "orders", Endpoint: srv.URL + "/down"})
	assert.ErrorIs(t, err, ErrUnexpectedStatus)

	_, err = c.Fetch(ctx, models.PullRequest{Entity: "orders", Endpoint: srv.URL + "/scalars"})
	assert.Error(t, err)

	res, err := c.Fetch(ctx, models.PullRequest{Entity: "orders", Endpoint: srv.URL + "/empty"})
	require.NoError(t, err)
	assert.Empty(t, res.Records)
}

func TestRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(config.RemoteConfig{RateLimit: config.RateLimitConfig{RPS: 0.001, Burst: 1}}, 1, nil)
	action := &models.QueuedAction{Kind: models.ActionCreate, Target: models.Target{URL: srv.URL}}

	_, err := c.Deliver(context.Background(), action)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Deliver(ctx, action)
	assert.Error(t, err, "second request waits on the limiter past the deadline")
}
