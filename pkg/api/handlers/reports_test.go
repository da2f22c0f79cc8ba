package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/dealerdesk/crm-backend/pkg/logger"
	"github.com/dealerdesk/crm-backend/pkg/opportunities"
)

// reportStore serves canned aggregation rows; everything else behaves like
// the memory store.
type reportStore struct {
	*opportunities.MemoryStore
	rows []bson.M
}

func (s *reportStore) Aggregate(context.Context, []bson.M, bool) ([]bson.M, error) {
	return s.rows, nil
}

func newReportAPI(t *testing.T, rows []bson.M) *echo.Echo {
	t.Helper()
	store := &reportStore{MemoryStore: opportunities.NewMemoryStore(), rows: rows}
	svc := opportunities.NewService(store, nil, nil, nil, nil, logger.Nop())
	h := NewReportHandler(svc)
	e := echo.New()
	h.RegisterRoutes(e.Group("/api/v1"), passthroughAuth)
	return e
}

func TestAssigneesReportEndpoint(t *testing.T) {
	e := newReportAPI(t, []bson.M{{"_id": nil, "assignees": []string{"jsmith", "mlopez"}}})

	// Reports accept an unconstrained filter set.
	rec := doJSON(t, e, http.MethodPost, "/api/v1/reports/assignees", map[string]interface{}{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Rows  []map[string]interface{} `json:"rows"`
		Count int                      `json:"count"`
	}
	decodeJSON(t, rec, &body)
	require.Equal(t, 1, body.Count)
	assert.ElementsMatch(t, []interface{}{"jsmith", "mlopez"}, body.Rows[0]["assignees"])
}

func TestSalesFunnelReportEndpoint(t *testing.T) {
	e := newReportAPI(t, []bson.M{
		{"_id": bson.M{"dealer_id": 10}, "total_fresh": 3, "total_delivered": 1},
		{"_id": bson.M{"dealer_id": 11}, "total_fresh": 1, "total_delivered": 0},
	})

	rec := doJSON(t, e, http.MethodPost, "/api/v1/reports/sales-funnel", map[string]interface{}{
		"filters": map[string]interface{}{"dealer_ids": []int{10, 11}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Rows  []map[string]interface{} `json:"rows"`
		Count int                      `json:"count"`
	}
	decodeJSON(t, rec, &body)
	assert.Equal(t, 2, body.Count)
}

func TestDealerSummaryReportEndpoint(t *testing.T) {
	e := newReportAPI(t, []bson.M{{"_id": 10, "total": 4, "carryover": 1}})

	// The creation window is mandatory.
	rec := doJSON(t, e, http.MethodPost, "/api/v1/reports/dealer-summary", map[string]interface{}{
		"organization_id": "org1",
		"dealer_ids":      []int{10},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, e, http.MethodPost, "/api/v1/reports/dealer-summary", map[string]interface{}{
		"organization_id": "org1",
		"dealer_ids":      []int{10},
		"created": map[string]interface{}{
			"date_from": time.Now().UTC().Add(-time.Hour),
			"date_to":   time.Now().UTC().Add(time.Hour),
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Rows  []map[string]interface{} `json:"rows"`
		Count int                      `json:"count"`
	}
	decodeJSON(t, rec, &body)
	assert.Equal(t, 1, body.Count)
}
