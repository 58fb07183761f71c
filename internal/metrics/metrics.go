package metrics

import (
	"sync"

	"shelfsync/internal/events"
	"shelfsync/internal/models"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "shelfsync"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Admin API requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	actions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Queued action delivery outcomes.",
		},
		[]string{"outcome"},
	)

	pulls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pulls_total",
			Help:      "Entity pulls by outcome.",
		},
		[]string{"entity", "outcome"},
	)

	pulledRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pulled_records_total",
			Help:      "Records stored by pulls.",
		},
		[]string{"entity"},
	)

	pendingActions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_actions",
		Help:      "Actions waiting in the offline queue.",
	})

	exhaustedActions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "exhausted_actions",
		Help:      "Queued actions that reached the retry ceiling.",
	})

	online = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "online",
		Help:      "1 while the remote service is reachable.",
	})

	drainDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "drain_duration_seconds",
		Help:      "Duration of queue drains.",
		Buckets:   prometheus.DefBuckets,
	})
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, actions, pulls, pulledRecords, pendingActions, exhaustedActions, online, drainDuration)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// ObserveStatus mirrors a sync status into gauges.
func ObserveStatus(st models.SyncStatus) {
	pendingActions.Set(float64(st.PendingCount))
	exhaustedActions.Set(float64(st.Exhausted))
	if st.Online {
		online.Set(1)
	} else {
		online.Set(0)
	}
}

// Subscribe feeds engine events into the counters. Call the returned function to stop.
func Subscribe(bus *events.EventBus) func() {
	outcomes := map[string]string{
		events.EventActionDelivered: "delivered",
		events.EventActionConflict:  "conflict",
		events.EventActionFailed:    "failed",
		events.EventActionExhausted: "exhausted",
		events.EventActionAbandoned: "abandoned",
	}

	var stops []func()
	for eventType, outcome := range outcomes {
		outcome := outcome
		stops = append(stops, bus.Subscribe(eventType, func(*events.Event) error {
			actions.WithLabelValues(outcome).Inc()
			return nil
		}))
	}

	stops = append(stops,
		bus.Subscribe(events.EventPullCompleted, func(ev *events.Event) error {
			var p events.PullEventPayload
			if err := ev.Decode(&p); err != nil {
				return err
			}
			pulls.WithLabelValues(p.Entity, "ok").Inc()
			pulledRecords.WithLabelValues(p.Entity).Add(float64(p.Records))
			return nil
		}),
		bus.Subscribe(events.EventPullFailed, func(ev *events.Event) error {
			var p events.PullEventPayload
			if err := ev.Decode(&p); err != nil {
				return err
			}
			pulls.WithLabelValues(p.Entity, "error").Inc()
			return nil
		}),
		bus.Subscribe(events.EventDrainCompleted, func(ev *events.Event) error {
			var p events.DrainEventPayload
			if err := ev.Decode(&p); err != nil {
				return err
			}
			drainDuration.Observe(p.Duration.Seconds())
			return nil
		}),
	)

	return func() {
		for _, stop := range stops {
			stop()
		}
	}
}
