package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/dealerdesk/crm-backend/pkg/api/errors"
	"github.com/dealerdesk/crm-backend/pkg/domain"
	"github.com/dealerdesk/crm-backend/pkg/models"
	"github.com/dealerdesk/crm-backend/pkg/opportunities"
	"github.com/dealerdesk/crm-backend/pkg/query"
	"github.com/dealerdesk/crm-backend/pkg/storage"
)

// OpportunityHandler handles opportunity-related HTTP requests.
type OpportunityHandler struct {
	service   *opportunities.Service
	archive   *storage.Service
	validator *validator.Validate
}

// NewOpportunityHandler creates a new opportunity handler. The archive is
// optional; without it the gross-profit endpoint always reports an empty
// statement.
func NewOpportunityHandler(service *opportunities.Service, archive *storage.Service) *OpportunityHandler {
	return &OpportunityHandler{
		service:   service,
		archive:   archive,
		validator: validator.New(),
	}
}

// objectIDParam parses a hex object id path parameter.
func objectIDParam(c echo.Context, name string) (primitive.ObjectID, error) {
	id, err := primitive.ObjectIDFromHex(c.Param(name))
	if err != nil {
		return primitive.NilObjectID, domain.NewValidationError("invalid " + name)
	}
	return id, nil
}

// Create godoc
// @Summary Create a new opportunity
// @Description Open a new opportunity for a customer at a dealership. Fields beyond organization_id and dealer_id are applied over the defaults.
// @Tags Opportunities
// @Accept json
// @Produce json
// @Param request body opportunities.CreateInput true "Opportunity details"
// @Success 201 {object} models.Opportunity
// @Failure 400 {object} models.ErrorResponse
// @Failure 401 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /opportunities [post]
func (h *OpportunityHandler) Create(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	// Parse request
	var req opportunities.CreateInput
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}

	// Get user from context; authenticated callers always write into their
	// own organization and are recorded as the creator.
	if orgID, ok := c.Get("organization_id").(string); ok && orgID != "" {
		req.OrganizationID = orgID
	}
	if username, ok := c.Get("username").(string); ok && username != "" {
		req.Creator = models.Some(username)
	}

	o, err := h.service.Create(ctx, &req)
	if err != nil {
		return errors.Respond(c, err)
	}

	return c.JSON(http.StatusCreated, o)
}

// Get godoc
// @Summary Get a single opportunity
// @Description Get an opportunity by ID
// @Tags Opportunities
// @Produce json
// @Param id path string true "Opportunity ID"
// @Success 200 {object} models.Opportunity
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /opportunities/{id} [get]
func (h *OpportunityHandler) Get(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	id, err := objectIDParam(c, "id")
	if err != nil {
		return errors.Respond(c, err)
	}

	o, err := h.service.Get(ctx, id)
	if err != nil {
		return errors.Respond(c, err)
	}

	return c.JSON(http.StatusOK, o)
}

// BulkGetRequest selects opportunities by id.
type BulkGetRequest struct {
	IDs []primitive.ObjectID `json:"ids" validate:"required,min=1"`
}

// GetBulk godoc
// @Summary Get a batch of opportunities
// @Description Get several opportunities by ID in one request. Unknown IDs are skipped.
// @Tags Opportunities
// @Accept json
// @Produce json
// @Param request body BulkGetRequest true "Opportunity IDs"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /opportunities/bulk [post]
func (h *OpportunityHandler) GetBulk(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	// Parse request
	var req BulkGetRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return errors.ValidationError(c, err)
	}

	results, err := h.service.GetBulk(ctx, req.IDs)
	if err != nil {
		return errors.Respond(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

// Search godoc
// @Summary Search opportunities
// @Description Filtered, sorted, offset-paginated opportunity listing. A page_size of 0 disables pagination.
// @Tags Opportunities
// @Accept json
// @Produce json
// @Param request body opportunities.ListParams true "Filters, sort and pagination"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /opportunities/search [post]
func (h *OpportunityHandler) Search(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	// Parse request
	var req opportunities.ListParams
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}

	results, err := h.service.List(ctx, &req)
	if err != nil {
		return errors.Respond(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

// CountRequest carries the filter set for a count query.
type CountRequest struct {
	Filters *query.Filters `json:"filters"`
}

// Count godoc
// @Summary Count opportunities
// @Description Count the opportunities matching a filter set
// @Tags Opportunities
// @Accept json
// @Produce json
// @Param request body CountRequest true "Filters"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /opportunities/count [post]
func (h *OpportunityHandler) Count(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	// Parse request
	var req CountRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}

	n, err := h.service.Count(ctx, req.Filters)
	if err != nil {
		return errors.Respond(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"count": n,
	})
}

// CursorSearch godoc
// @Summary Search opportunities by cursor
// @Description Keyset-paginated opportunity listing. Pass the next_cursor_key of a page as cursor_key to fetch the next one; get_more selects the direction.
// @Tags Opportunities
// @Accept json
// @Produce json
// @Param request body opportunities.CursorParams true "Filters, sort, page size and cursor"
// @Success 200 {object} query.CursorPage
// @Failure 400 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /opportunities/cursor [post]
func (h *OpportunityHandler) CursorSearch(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	// Parse request
	var req opportunities.CursorParams
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}

	page, err := h.service.ListByCursor(ctx, &req)
	if err != nil {
		return errors.Respond(c, err)
	}

	return c.JSON(http.StatusOK, page)
}

// Update godoc
// @Summary Update an opportunity
// @Description Partially update an opportunity. Absent fields are left alone, null fields reset, present fields replace. Status changes stamp the status history and refresh the reporting period.
// @Tags Opportunities
// @Accept json
// @Produce json
// @Param id path string true "Opportunity ID"
// @Param request body models.OpportunityPatch true "Fields to update"
// @Success 200 {object} models.Opportunity
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /opportunities/{id} [patch]
func (h *OpportunityHandler) Update(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	id, err := objectIDParam(c, "id")
	if err != nil {
		return errors.Respond(c, err)
	}

	// Parse request
	var patch models.OpportunityPatch
	if err := c.Bind(&patch); err != nil {
		return errors.ValidationError(c, err)
	}

	o, err := h.service.Update(ctx, id, &patch)
	if err != nil {
		return errors.Respond(c, err)
	}

	return c.JSON(http.StatusOK, o)
}

// Delete godoc
// @Summary Delete an opportunity
// @Description Permanently delete an opportunity
// @Tags Opportunities
// @Param id path string true "Opportunity ID"
// @Success 200 {object} models.SuccessResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /opportunities/{id} [delete]
func (h *OpportunityHandler) Delete(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	id, err := objectIDParam(c, "id")
	if err != nil {
		return errors.Respond(c, err)
	}

	if err := h.service.Delete(ctx, id); err != nil {
		return errors.Respond(c, err)
	}

	return c.JSON(http.StatusOK, models.SuccessResponse{
		Message: "Opportunity deleted successfully",
	})
}

// ReportingPeriodRequest pins an opportunity to a reporting period.
type ReportingPeriodRequest struct {
	Year  int `json:"year" validate:"required"`
	Month int `json:"month" validate:"required,min=1,max=12"`
}

// SetReportingPeriod godoc
// @Summary Override the reporting period
// @Description Pin an opportunity to a reporting period regardless of its status history. The quarter is derived from the month.
// @Tags Opportunities
// @Accept json
// @Produce json
// @Param id path string true "Opportunity ID"
// @Param request body ReportingPeriodRequest true "Year and month"
// @Success 200 {object} models.Opportunity
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /opportunities/{id}/reporting-period [put]
func (h *OpportunityHandler) SetReportingPeriod(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	id, err := objectIDParam(c, "id")
	if err != nil {
		return errors.Respond(c, err)
	}

	// Parse request
	var req ReportingPeriodRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return errors.ValidationError(c, err)
	}

	o, err := h.service.SetReportingPeriod(ctx, id, req.Year, req.Month)
	if err != nil {
		return errors.Respond(c, err)
	}

	return c.JSON(http.StatusOK, o)
}

// SubDocumentRequest carries keys to merge into a preferences or marketing
// block.
type SubDocumentRequest map[string]interface{}

// GetPreferences godoc
// @Summary Get vehicle preferences
// @Description Get the vehicle preference block of an opportunity
// @Tags Opportunities
// @Produce json
// @Param id path string true "Opportunity ID"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /opportunities/{id}/preferences [get]
func (h *OpportunityHandler) GetPreferences(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	id, err := objectIDParam(c, "id")
	if err != nil {
		return errors.Respond(c, err)
	}

	prefs, err := h.service.GetPreferences(ctx, id)
	if err != nil {
		return errors.Respond(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"preferences": prefs,
	})
}

// UpdatePreferences godoc
// @Summary Update vehicle preferences
// @Description Merge keys into the vehicle preference block. An empty block is reseeded from the defaults before merging.
// @Tags Opportunities
// @Accept json
// @Produce json
// @Param id path string true "Opportunity ID"
// @Param request body SubDocumentRequest true "Preference keys to merge"
// @Success 200 {object} models.Opportunity
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /opportunities/{id}/preferences [patch]
func (h *OpportunityHandler) UpdatePreferences(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	id, err := objectIDParam(c, "id")
	if err != nil {
		return errors.Respond(c, err)
	}

	// Parse request
	var req SubDocumentRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}

	o, err := h.service.UpdatePreferences(ctx, id, bson.M(req))
	if err != nil {
		return errors.Respond(c, err)
	}

	return c.JSON(http.StatusOK, o)
}

// GetMarketing godoc
// @Summary Get marketing attribution
// @Description Get the marketing attribution block of an opportunity
// @Tags Opportunities
// @Produce json
// @Param id path string true "Opportunity ID"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /opportunities/{id}/marketing [get]
func (h *OpportunityHandler) GetMarketing(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	id, err := objectIDParam(c, "id")
	if err != nil {
		return errors.Respond(c, err)
	}

	marketing, err := h.service.GetMarketing(ctx, id)
	if err != nil {
		return errors.Respond(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"marketing": marketing,
	})
}

// UpdateMarketing godoc
// @Summary Update marketing attribution
// @Description Merge keys into the marketing attribution block
// @Tags Opportunities
// @Accept json
// @Produce json
// @Param id path string true "Opportunity ID"
// @Param request body SubDocumentRequest true "Marketing keys to merge"
// @Success 200 {object} models.Opportunity
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /opportunities/{id}/marketing [patch]
func (h *OpportunityHandler) UpdateMarketing(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	id, err := objectIDParam(c, "id")
	if err != nil {
		return errors.Respond(c, err)
	}

	// Parse request
	var req SubDocumentRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}

	o, err := h.service.UpdateMarketing(ctx, id, bson.M(req))
	if err != nil {
		return errors.Respond(c, err)
	}

	return c.JSON(http.StatusOK, o)
}

// RegisterRoutes registers opportunity routes.
func (h *OpportunityHandler) RegisterRoutes(g *echo.Group, authMiddleware echo.MiddlewareFunc) {
	opps := g.Group("/opportunities", authMiddleware)
	opps.POST("", h.Create)
	opps.POST("/search", h.Search)
	opps.POST("/count", h.Count)
	opps.POST("/cursor", h.CursorSearch)
	opps.POST("/bulk", h.GetBulk)
	opps.GET("/active-deal", h.FindActiveDeal)
	opps.GET("/delivered", h.ListDelivered)
	opps.GET("/:id", h.Get)
	opps.PATCH("/:id", h.Update)
	opps.DELETE("/:id", h.Delete)
	opps.PUT("/:id/reporting-period", h.SetReportingPeriod)
	opps.GET("/:id/preferences", h.GetPreferences)
	opps.PATCH("/:id/preferences", h.UpdatePreferences)
	opps.GET("/:id/marketing", h.GetMarketing)
	opps.PATCH("/:id/marketing", h.UpdateMarketing)
	opps.PATCH("/:id/deal-data/:field", h.UpdateDealData)
	opps.PUT("/:id/deal-number", h.EditDealNumber)
	opps.PUT("/:id/dms-deal", h.SyncDMSDeal)
	opps.POST("/:id/rdr-punch", h.SetRDRPunch)
	opps.DELETE("/:id/rdr-punch", h.ClearRDRPunch)
	opps.GET("/:id/gross-profit", h.GrossProfit)
	opps.POST("/:id/attachments", h.AddAttachment)
	opps.PATCH("/:id/attachments/:attachment_id", h.ModifyAttachment)
	opps.DELETE("/:id/attachments/:attachment_id", h.RemoveAttachment)
	opps.GET("/:id/assignees/:role", h.GetAssignees)
	opps.PUT("/:id/assignees/:role", h.SetAssignees)

	customers := g.Group("/customers", authMiddleware)
	customers.POST("/merge", h.MergeCustomers)
	customers.POST("/:customer_id/sync", h.SyncCustomer)
	customers.GET("/:customer_id/opportunities", h.ListCustomerOpportunities)

	dealers := g.Group("/dealers", authMiddleware)
	dealers.POST("/:dealer_id/refresh-names", h.RefreshDealerNames)
}
