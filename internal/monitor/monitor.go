// Package monitor exposes Prometheus metrics for the engine: order and
// protection activity from the event bus, plus live ledger and rate-budget
// gauges.
package monitor

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"futures-engine/internal/events"
	"futures-engine/internal/ledger"
	"futures-engine/pkg/exchange"
)

// Metrics holds the registry and instruments.
type Metrics struct {
	registry *prometheus.Registry

	positionsOpened  prometheus.Counter
	positionsClosed  *prometheus.CounterVec
	stopsPlaced      prometheus.Counter
	stopsFailed      prometheus.Counter
	emergencyCloses  prometheus.Counter
	reconcileDiffs   *prometheus.CounterVec
	streamReconnects *prometheus.CounterVec
	streamDegraded   *prometheus.CounterVec
}

func New(led *ledger.Ledger, budget *exchange.RateBudget) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		positionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_positions_opened_total",
			Help: "Positions opened, including adoptions.",
		}),
		positionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_positions_closed_total",
			Help: "Positions closed, by reason.",
		}, []string{"reason"}),
		stopsPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_stops_placed_total",
			Help: "Protective stop orders successfully placed.",
		}),
		stopsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_stops_failed_total",
			Help: "Protective stop placements that exhausted their retries.",
		}),
		emergencyCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_emergency_closes_total",
			Help: "Positions force-closed at market.",
		}),
		reconcileDiffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_reconcile_diffs_total",
			Help: "Ledger/exchange divergences found, by kind.",
		}, []string{"kind"}),
		streamReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_stream_reconnects_total",
			Help: "Websocket reconnect attempts, by stream.",
		}, []string{"stream"}),
		streamDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_stream_degraded_total",
			Help: "Streams that gave up reconnecting, by stream.",
		}, []string{"stream"}),
	}

	reg.MustRegister(
		m.positionsOpened, m.positionsClosed,
		m.stopsPlaced, m.stopsFailed, m.emergencyCloses,
		m.reconcileDiffs, m.streamReconnects, m.streamDegraded,
	)
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "engine_open_positions",
		Help: "Positions currently tracked in the ledger.",
	}, func() float64 { return float64(led.Count()) }))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "engine_rate_weight_used",
		Help: "Request weight consumed in the rolling minute.",
	}, func() float64 { used, _, _ := budget.Usage(); return float64(used) }))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "engine_rate_weight_cap",
		Help: "Current tuned weight capacity.",
	}, func() float64 { _, weightCap, _ := budget.Usage(); return float64(weightCap) }))

	return m
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Watch consumes bus events until ctx ends.
func (m *Metrics) Watch(ctx context.Context, bus *events.Bus) {
	opened, unsubOpened := bus.Subscribe(events.TopicPositionOpened, 64)
	closed, unsubClosed := bus.Subscribe(events.TopicPositionClosed, 64)
	stopOK, unsubStopOK := bus.Subscribe(events.TopicStopPlaced, 64)
	stopKO, unsubStopKO := bus.Subscribe(events.TopicStopFailed, 64)
	emerg, unsubEmerg := bus.Subscribe(events.TopicEmergencyClose, 64)
	recon, unsubRecon := bus.Subscribe(events.TopicReconcileDiff, 64)
	reconn, unsubReconn := bus.Subscribe(events.TopicStreamReconnect, 64)
	degr, unsubDegr := bus.Subscribe(events.TopicStreamDegraded, 64)
	defer func() {
		unsubOpened()
		unsubClosed()
		unsubStopOK()
		unsubStopKO()
		unsubEmerg()
		unsubRecon()
		unsubReconn()
		unsubDegr()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-opened:
			m.positionsOpened.Inc()
		case v := <-closed:
			if ev, ok := v.(events.PositionEvent); ok {
				m.positionsClosed.WithLabelValues(ev.Reason).Inc()
			}
		case <-stopOK:
			m.stopsPlaced.Inc()
		case <-stopKO:
			m.stopsFailed.Inc()
		case <-emerg:
			m.emergencyCloses.Inc()
		case v := <-recon:
			if ev, ok := v.(events.ReconcileEvent); ok {
				m.reconcileDiffs.WithLabelValues(ev.Kind).Inc()
			}
		case v := <-reconn:
			if ev, ok := v.(events.StreamEvent); ok {
				m.streamReconnects.WithLabelValues(ev.Stream).Inc()
			}
		case v := <-degr:
			if ev, ok := v.(events.StreamEvent); ok {
				m.streamDegraded.WithLabelValues(ev.Stream).Inc()
			}
		}
	}
}
