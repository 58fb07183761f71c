// Package connectivity watches the host's online state and schedules queue drains around it.
package connectivity

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Signal is the host connectivity source. Changes fires after one or more transitions;
// the reader then takes them with Transitions, so notifications can be coalesced without
// losing a short offline period.
type Signal interface {
	Online() bool
	Changes() <-chan struct{}
	// Transitions returns the states entered since the previous call, oldest first.
	Transitions() []bool
}

type notifier struct {
	mu      sync.Mutex
	online  bool
	edges   []bool
	changes chan struct{}
}

func newNotifier(online bool) *notifier {
	return &notifier{online: online, changes: make(chan struct{}, 1)}
}

func (n *notifier) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *notifier) Changes() <-chan struct{} {
	return n.changes
}

func (n *notifier) Transitions() []bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	edges := n.edges
	n.edges = nil
	return edges
}

func (n *notifier) set(online bool) bool {
	n.mu.Lock()
	if n.online == online {
		n.mu.Unlock()
		return false
	}
	n.online = online
	// Edges alternate, so the last two are enough to replay any run of flaps.
	n.edges = append(n.edges, online)
	if len(n.edges) > 2 {
		n.edges = append(n.edges[:0], n.edges[len(n.edges)-2:]...)
	}
	n.mu.Unlock()

	select {
	case n.changes <- struct{}{}:
	default:
	}
	return true
}

// ManualSignal is driven by the embedder, e.g. from OS network callbacks.
type ManualSignal struct {
	*notifier
}

func NewManualSignal(online bool) *ManualSignal {
	return &ManualSignal{notifier: newNotifier(online)}
}

// Set records the current state and reports whether it changed.
func (s *ManualSignal) Set(online bool) bool {
	return s.set(online)
}

// maxHealthBody bounds how much of a health response is read to reuse the connection.
const maxHealthBody = 64 << 10

// ProbeSignal considers the host online while a health URL answers without a 5xx.
type ProbeSignal struct {
	*notifier
	url      string
	interval time.Duration
	client   *http.Client
	logger   *zerolog.Logger
}

func NewProbeSignal(url string, interval, timeout time.Duration, initial bool, logger *zerolog.Logger) *ProbeSignal {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ProbeSignal{
		notifier: newNotifier(initial),
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Run probes immediately and then on every interval until ctx is done.
func (s *ProbeSignal) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer s.client.CloseIdleConnections()

	s.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Probe(ctx)
		}
	}
}

// Probe performs one check and returns the resulting state.
func (s *ProbeSignal) Probe(ctx context.Context) bool {
	online := s.check(ctx)
	if ctx.Err() != nil {
		return s.Online()
	}
	if s.set(online) {
		s.logger.Info().Bool("online", online).Str("url", s.url).Msg("Connectivity probe changed state")
	}
	return online
}

func (s *ProbeSignal) check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, http.NoBody)
	if err != nil {
		s.logger.Error().Err(err).Str("url", s.url).Msg("Invalid probe URL")
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Connectivity probe failed")
		return false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxHealthBody))
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
