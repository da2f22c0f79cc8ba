package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealerdesk/crm-backend/pkg/events"
)

func TestRecordOperation(t *testing.T) {
	m := New()
	m.RecordOperation("update", nil)
	m.RecordOperation("update", nil)
	m.RecordOperation("update", assert.AnError)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operationsTotal.WithLabelValues("update", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operationsTotal.WithLabelValues("update", "error")))
}

func TestDispatcherCountsEvents(t *testing.T) {
	m := New()
	d := m.Dispatcher()
	ctx := context.Background()

	require.NoError(t, d.OpportunityCreated(ctx, nil))
	require.NoError(t, d.OpportunityUpdated(ctx, nil, nil))
	require.NoError(t, d.OpportunityStatusUpdated(ctx, nil, "Fresh"))
	require.NoError(t, d.OpportunitySubStatusUpdated(ctx, nil))
	require.NoError(t, d.OpportunityAssignment(ctx, nil, "sales_reps", nil))
	require.NoError(t, d.OpportunityDeleted(ctx, nil))
	require.NoError(t, d.OpportunityDeleted(ctx, nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsTotal.WithLabelValues(events.EventOpportunityCreated)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsTotal.WithLabelValues(events.EventOpportunityAssignment)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsTotal.WithLabelValues(events.EventOpportunityDeleted)))
}

func TestMiddleware(t *testing.T) {
	m := New()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/widgets/:id", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/broken", func(c echo.Context) error { return echo.NewHTTPError(http.StatusTeapot, "nope") })

	req := httptest.NewRequest(http.MethodGet, "/widgets/42", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/broken", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTeapot, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("GET", "/widgets/:id", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("GET", "/broken", "418")))
}

func TestHandlerServesExposition(t *testing.T) {
	m := New()
	m.RecordEvent(events.EventOpportunityCreated)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "crm_opportunity_events_total")
}
