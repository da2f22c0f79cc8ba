package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/dealerdesk/crm-backend/pkg/api/errors"
	"github.com/dealerdesk/crm-backend/pkg/opportunities"
	"github.com/dealerdesk/crm-backend/pkg/query"
)

const reportTimeout = 30 * time.Second

// ReportHandler handles opportunity report HTTP requests.
type ReportHandler struct {
	service *opportunities.Service
}

// NewReportHandler creates a new report handler.
func NewReportHandler(service *opportunities.Service) *ReportHandler {
	return &ReportHandler{
		service: service,
	}
}

// FilterReportRequest carries the filter set a report aggregates over.
type FilterReportRequest struct {
	Filters *query.Filters `json:"filters"`
}

// runFilterReport binds the shared request shape and runs one aggregation.
func (h *ReportHandler) runFilterReport(c echo.Context, run func(ctx context.Context, f *query.Filters) ([]bson.M, error)) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), reportTimeout)
	defer cancel()

	var req FilterReportRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}

	rows, err := run(ctx, req.Filters)
	if err != nil {
		return errors.Respond(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"rows":  rows,
		"count": len(rows),
	})
}

// DealerSummaryRequest scopes the cross-dealer summary report.
type DealerSummaryRequest struct {
	OrganizationID string          `json:"organization_id"`
	DealerIDs      []int           `json:"dealer_ids"`
	Created        query.DateRange `json:"created"`
}

// DealerSummary godoc
// @Summary Dealer summary report
// @Description Per-dealer counts of closed, open, carryover and unassigned opportunities plus lead channel and direction buckets, over a creation window
// @Tags Reports
// @Accept json
// @Produce json
// @Param request body DealerSummaryRequest true "Report scope"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /reports/dealer-summary [post]
func (h *ReportHandler) DealerSummary(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), reportTimeout)
	defer cancel()

	var req DealerSummaryRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}

	rows, err := h.service.DealerSummaryReport(ctx, req.OrganizationID, req.DealerIDs, req.Created)
	if err != nil {
		return errors.Respond(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"rows":  rows,
		"count": len(rows),
	})
}

// Assignees godoc
// @Summary Distinct assignees report
// @Description The distinct members assigned to the matching opportunities, across all assignment roles
// @Tags Reports
// @Accept json
// @Produce json
// @Param request body FilterReportRequest true "Filters"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /reports/assignees [post]
func (h *ReportHandler) Assignees(c echo.Context) error {
	return h.runFilterReport(c, h.service.AssigneesReport)
}

// SalesFunnel godoc
// @Summary Sales funnel report
// @Description Per-status opportunity counts and total gross over the matching opportunities
// @Tags Reports
// @Accept json
// @Produce json
// @Param request body FilterReportRequest true "Filters"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /reports/sales-funnel [post]
func (h *ReportHandler) SalesFunnel(c echo.Context) error {
	return h.runFilterReport(c, h.service.SalesFunnelReport)
}

// DeallogRecap godoc
// @Summary Deal log recap report
// @Description Done and delivered counts with front, back and total gross over the matching opportunities
// @Tags Reports
// @Accept json
// @Produce json
// @Param request body FilterReportRequest true "Filters"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /reports/deallog-recap [post]
func (h *ReportHandler) DeallogRecap(c echo.Context) error {
	return h.runFilterReport(c, h.service.DeallogRecapReport)
}

// DailyOperations godoc
// @Summary Daily operations report
// @Description Pending and sold counts broken down by dealer and deal type
// @Tags Reports
// @Accept json
// @Produce json
// @Param request body FilterReportRequest true "Filters"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /reports/daily-operations [post]
func (h *ReportHandler) DailyOperations(c echo.Context) error {
	return h.runFilterReport(c, h.service.DailyOperationsReport)
}

// H2HLeads godoc
// @Summary BDC head-to-head leads report
// @Description Per-rep inbound and service lead counts for the BDC head-to-head board
// @Tags Reports
// @Accept json
// @Produce json
// @Param request body FilterReportRequest true "Filters"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /reports/h2h-leads [post]
func (h *ReportHandler) H2HLeads(c echo.Context) error {
	return h.runFilterReport(c, h.service.H2HLeadsReport)
}

// H2HDelivered godoc
// @Summary BDC head-to-head deliveries report
// @Description Per-rep full and half sale splits for the BDC head-to-head board
// @Tags Reports
// @Accept json
// @Produce json
// @Param request body FilterReportRequest true "Filters"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /reports/h2h-delivered [post]
func (h *ReportHandler) H2HDelivered(c echo.Context) error {
	return h.runFilterReport(c, h.service.H2HDeliveredReport)
}

// DealershipStatus godoc
// @Summary Dealership status report
// @Description Lead channel counts plus the completed bucket over the matching opportunities
// @Tags Reports
// @Accept json
// @Produce json
// @Param request body FilterReportRequest true "Filters"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /reports/dealership-status [post]
func (h *ReportHandler) DealershipStatus(c echo.Context) error {
	return h.runFilterReport(c, h.service.DealershipStatusReport)
}

// Employee godoc
// @Summary Employee report
// @Description Per-employee opportunity counts across the assignment roles
// @Tags Reports
// @Accept json
// @Produce json
// @Param request body FilterReportRequest true "Filters"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /reports/employee [post]
func (h *ReportHandler) Employee(c echo.Context) error {
	return h.runFilterReport(c, h.service.EmployeeReport)
}

// RegisterRoutes registers report routes.
func (h *ReportHandler) RegisterRoutes(g *echo.Group, authMiddleware echo.MiddlewareFunc) {
	reports := g.Group("/reports", authMiddleware)
	reports.POST("/dealer-summary", h.DealerSummary)
	reports.POST("/assignees", h.Assignees)
	reports.POST("/sales-funnel", h.SalesFunnel)
	reports.POST("/deallog-recap", h.DeallogRecap)
	reports.POST("/daily-operations", h.DailyOperations)
	reports.POST("/h2h-leads", h.H2HLeads)
	reports.POST("/h2h-delivered", h.H2HDelivered)
	reports.POST("/dealership-status", h.DealershipStatus)
	reports.POST("/employee", h.Employee)
}
