package connectivity

import (
	"context"
	"time"

	"shelfsync/internal/models"
	"shelfsync/internal/syncengine"

	"github.com/rs/zerolog"
)

// Syncer is the part of the sync engine the monitor drives.
type Syncer interface {
	DrainQueue(ctx context.Context) (syncengine.DrainResult, error)
	FullSync(ctx context.Context) (syncengine.FullSyncResult, error)
	SetOnline(online bool)
	Online() bool
	OnStatusChange(fn func(models.SyncStatus)) func()
}

type Options struct {
	// Interval between drains while online.
	Interval time.Duration
	// FullSyncInterval enables periodic full reconciliation when positive.
	FullSyncInterval time.Duration
	// Wake triggers an extra drain, e.g. a background registration from another process.
	Wake <-chan struct{}
}

// Monitor reacts to connectivity changes: it drains on reconnect and periodically while
// online, and only updates status when going offline.
type Monitor struct {
	signal Signal
	syncer Syncer
	opts   Options
	logger *zerolog.Logger
}

func NewMonitor(signal Signal, syncer Syncer, opts Options, logger *zerolog.Logger) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = models.DefaultSyncInterval
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Monitor{signal: signal, syncer: syncer, opts: opts, logger: logger}
}

// OnStatusChange subscribes to sync status. The current status is delivered immediately.
func (m *Monitor) OnStatusChange(fn func(models.SyncStatus)) func() {
	return m.syncer.OnStatusChange(fn)
}

// Run blocks until ctx is cancelled. Sync work runs on this goroutine, one operation at a time.
func (m *Monitor) Run(ctx context.Context) {
	// Transitions before startup are folded into the initial state.
	m.signal.Transitions()
	online := m.signal.Online()
	m.syncer.SetOnline(online)
	m.logger.Info().Bool("online", online).Dur("interval", m.opts.Interval).Msg("Connectivity monitor started")
	if online {
		m.drain(ctx, "startup")
	}

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	var fullSync <-chan time.Time
	if m.opts.FullSyncInterval > 0 {
		t := time.NewTicker(m.opts.FullSyncInterval)
		defer t.Stop()
		fullSync = t.C
	}

	wake := m.opts.Wake
	changes := m.signal.Changes()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Connectivity monitor stopped")
			return

		case <-changes:
			for _, next := range m.signal.Transitions() {
				m.transition(ctx, next)
			}

		case <-ticker.C:
			if m.syncer.Online() {
				m.drain(ctx, "interval")
			}

		case _, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			if m.syncer.Online() {
				m.drain(ctx, "wake")
			}

		case <-fullSync:
			if m.syncer.Online() {
				m.fullSync(ctx)
			}
		}
	}
}

// transition applies one edge. Going online always drains, even if the offline period was
// shorter than the time it took to notice it.
func (m *Monitor) transition(ctx context.Context, online bool) {
	if online == m.syncer.Online() {
		return
	}
	m.syncer.SetOnline(online)
	if online {
		m.drain(ctx, "reconnect")
	}
}

func (m *Monitor) drain(ctx context.Context, reason string) {
	res, err := m.syncer.DrainQueue(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Error().Err(err).Str("trigger", reason).Msg("Drain failed")
		}
		return
	}
	m.logger.Debug().
		Str("trigger", reason).
		Int("delivered", res.Delivered).
		Int("failed", res.Failed).
		Int("pending", res.Pending).
		Msg("Drain finished")
}

func (m *Monitor) fullSync(ctx context.Context) {
	res, err := m.syncer.FullSync(ctx)
	if err != nil && ctx.Err() == nil {
		m.logger.Error().Err(err).Int("failed_entities", len(res.Failed)).Msg("Full sync finished with errors")
		return
	}
	m.logger.Debug().Int("entities", len(res.Pulled)).Msg("Full sync finished")
}
