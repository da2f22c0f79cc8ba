package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/dealerdesk/crm-backend/pkg/api/errors"
	"github.com/dealerdesk/crm-backend/pkg/delta"
	"github.com/dealerdesk/crm-backend/pkg/domain"
	"github.com/dealerdesk/crm-backend/pkg/opportunities"
)

// FindActiveDeal godoc
// @Summary Find the opportunity holding a deal number
// @Description Find the open opportunity holding a DMS deal number. With a dealer_id the search is scoped to that dealer and skips lost and tubed opportunities.
// @Tags Opportunities
// @Produce json
// @Param deal_number query string true "DMS deal number"
// @Param dealer_id query int false "Dealer ID"
// @Success 200 {object} models.Opportunity
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /opportunities/active-deal [get]
func (h *OpportunityHandler) FindActiveDeal(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	dealerID := 0
	if raw := c.QueryParam("dealer_id"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return errors.Respond(c, domain.NewValidationError("dealer_id must be an integer"))
		}
		dealerID = parsed
	}

	o, err := h.service.FindActiveByDealNumber(ctx, dealerID, c.QueryParam("deal_number"))
	if err != nil {
		return errors.Respond(c, err)
	}

	return c.JSON(http.StatusOK, o)
}

// ListDelivered godoc
// @Summary List delivered opportunities
// @Description List a dealer's opportunities delivered inside a time window, ordered by delivery date
// @Tags Opportunities
// @Produce json
// @Param dealer_id query int true "Dealer ID"
// @Param from query string true "Window start (RFC 3339)"
// @Param to query string true "Window end (RFC 3339)"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /opportunities/delivered [get]
func (h *OpportunityHandler) ListDelivered(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	dealerID, err := strconv.Atoi(c.QueryParam("dealer_id"))
	if err != nil {
		return errors.Respond(c, domain.NewValidationError("dealer_id must be an integer"))
	}
	from, err := time.Parse(time.RFC3339, c.QueryParam("from"))
	if err != nil {
		return errors.Respond(c, domain.NewValidationError("from must be an RFC 3339 timestamp"))
	}
	to, err := time.Parse(time.RFC3339, c.QueryParam("to"))
	if err != nil {
		return errors.Respond(c, domain.NewValidationError("to must be an RFC 3339 timestamp"))
	}

	results, err := h.service.DeliveredBetween(ctx, dealerID, from, to)
	if err != nil {
		return errors.Respond(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

// ListCustomerOpportunities godoc
// @Summary List a customer's active opportunities
// @Description List the opportunities of a customer at a dealer that are still in play: not lost, tubed or posted
// @Tags Customers
// @Produce json
// @Param customer_id path string true "Customer ID"
// @Param dealer_id query int true "Dealer ID"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /customers/{customer_id}/opportunities [get]
func (h *OpportunityHandler) ListCustomerOpportunities(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	customerID, err := objectIDParam(c, "customer_id")
	if err != nil {
		return errors.Respond(c, err)
	}
	dealerID, err := strconv.Atoi(c.QueryParam("dealer_id"))
	if err != nil {
		return errors.Respond(c, domain.NewValidationError("dealer_id must be an integer"))
	}

	results, err := h.service.FindActiveByCustomer(ctx, dealerID, customerID)
	if err != nil {
		return errors.Respond(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

// SyncCustomerRequest carries the customer record slice the opportunity
// index denormalizes, plus the change set of the triggering update.
type SyncCustomerRequest struct {
	opportunities.Customer
	Changes delta.ChangeSet `json:"changes"`
}

// SyncCustomer godoc
// @Summary Sync customer fields onto opportunities
// @Description Recompute the denormalized customer name and search keywords on every opportunity of a customer. When a change set is supplied and touches none of the source fields, the sync is skipped.
// @Tags Customers
// @Accept json
// @Produce json
// @Param customer_id path string true "Customer ID"
// @Param request body SyncCustomerRequest true "Customer fields and change set"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /customers/{customer_id}/sync [post]
func (h *OpportunityHandler) SyncCustomer(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 30*time.Second)
	defer cancel()

	customerID, err := objectIDParam(c, "customer_id")
	if err != nil {
		return errors.Respond(c, err)
	}

	// Parse request
	var req SyncCustomerRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	req.Customer.ID = customerID

	n, err := h.service.UpdateForCustomer(ctx, &req.Customer, req.Changes)
	if err != nil {
		return errors.Respond(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"updated": n,
	})
}

// MergeCustomersRequest re-points the opportunities of the source
// customers at the target.
type MergeCustomersRequest struct {
	TargetID  primitive.ObjectID   `json:"target_id" validate:"required"`
	SourceIDs []primitive.ObjectID `json:"source_ids" validate:"required,min=1"`
}

// MergeCustomers godoc
// @Summary Merge customer opportunities
// @Description Re-point every opportunity of the source customers at the merge target
// @Tags Customers
// @Accept json
// @Produce json
// @Param request body MergeCustomersRequest true "Target and sources"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /customers/merge [post]
func (h *OpportunityHandler) MergeCustomers(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 30*time.Second)
	defer cancel()

	// Parse request
	var req MergeCustomersRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return errors.ValidationError(c, err)
	}

	n, err := h.service.MergeCustomerOpportunities(ctx, req.TargetID, req.SourceIDs)
	if err != nil {
		return errors.Respond(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"merged": n,
	})
}

// RefreshDealerNames godoc
// @Summary Refresh a dealer's display name
// @Description Re-resolve a dealer's display name from the dealer directory onto all of its opportunities
// @Tags Dealers
// @Produce json
// @Param dealer_id path int true "Dealer ID"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} models.ErrorResponse
// @Failure 502 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /dealers/{dealer_id}/refresh-names [post]
func (h *OpportunityHandler) RefreshDealerNames(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 30*time.Second)
	defer cancel()

	dealerID, err := strconv.Atoi(c.Param("dealer_id"))
	if err != nil {
		return errors.Respond(c, domain.NewValidationError("invalid dealer_id"))
	}

	n, err := h.service.RefreshDealerNames(ctx, dealerID)
	if err != nil {
		return errors.Respond(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"updated": n,
	})
}
