// Package metrics exposes Prometheus instrumentation for the API.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dealerdesk/crm-backend/pkg/delta"
	"github.com/dealerdesk/crm-backend/pkg/events"
	"github.com/dealerdesk/crm-backend/pkg/models"
)

// Metrics holds the Prometheus collectors for the service.
type Metrics struct {
	registry        *prometheus.Registry
	requestDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
	operationsTotal *prometheus.CounterVec
	eventsTotal     *prometheus.CounterVec
}

// New creates the metrics registry and collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crm",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crm",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "path", "status"}),
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crm",
			Name:      "opportunity_operations_total",
			Help:      "Opportunity service operations by outcome.",
		}, []string{"operation", "outcome"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crm",
			Name:      "opportunity_events_total",
			Help:      "Opportunity lifecycle events dispatched.",
		}, []string{"event"}),
	}
	registry.MustRegister(m.requestDuration, m.requestsTotal, m.operationsTotal, m.eventsTotal)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency. The path label uses
// the registered route pattern, not the raw URL, to keep cardinality
// bounded.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}

			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			labels := []string{c.Request().Method, path, strconv.Itoa(status)}
			m.requestsTotal.WithLabelValues(labels...).Inc()
			m.requestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// RecordOperation counts one service operation and its outcome.
func (m *Metrics) RecordOperation(operation string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operationsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordEvent counts one dispatched lifecycle event.
func (m *Metrics) RecordEvent(event string) {
	m.eventsTotal.WithLabelValues(event).Inc()
}

// Dispatcher returns an event listener that counts every dispatched
// lifecycle event, for registration on the event fanout.
func (m *Metrics) Dispatcher() *Dispatcher {
	return &Dispatcher{metrics: m}
}

// Dispatcher counts opportunity events as they are dispatched.
type Dispatcher struct {
	metrics *Metrics
}

func (d *Dispatcher) OpportunityCreated(context.Context, *models.Opportunity) error {
	d.metrics.RecordEvent(events.EventOpportunityCreated)
	return nil
}

func (d *Dispatcher) OpportunityUpdated(context.Context, *models.Opportunity, delta.ChangeSet) error {
	d.metrics.RecordEvent(events.EventOpportunityUpdated)
	return nil
}

func (d *Dispatcher) OpportunityStatusUpdated(context.Context, *models.Opportunity, string) error {
	d.metrics.RecordEvent(events.EventOpportunityStatusUpdated)
	return nil
}

func (d *Dispatcher) OpportunitySubStatusUpdated(context.Context, *models.Opportunity) error {
	d.metrics.RecordEvent(events.EventOpportunitySubStatusUpdated)
	return nil
}

func (d *Dispatcher) OpportunityAssignment(context.Context, *models.Opportunity, string, []string) error {
	d.metrics.RecordEvent(events.EventOpportunityAssignment)
	return nil
}

func (d *Dispatcher) OpportunityDeleted(context.Context, *models.Opportunity) error {
	d.metrics.RecordEvent(events.EventOpportunityDeleted)
	return nil
}
