package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/dealerdesk/crm-backend/pkg/api/errors"
	"github.com/dealerdesk/crm-backend/pkg/models"
	"github.com/dealerdesk/crm-backend/pkg/opportunities"
)

// UpdateDealData godoc
// @Summary Update deal worksheet data
// @Description Merge comment, frontend_gross and backend_gross blocks into the sales_deal or accounting_deal of an opportunity. Each touched block is stamped with the update time.
// @Tags Deals
// @Accept json
// @Produce json
// @Param id path string true "Opportunity ID"
// @Param field path string true "Deal field" Enums(sales_deal, accounting_deal)
// @Param request body opportunities.DealDataPatch true "Blocks to merge"
// @Success 200 {object} models.Opportunity
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /opportunities/{id}/deal-data/{field} [patch]
func (h *OpportunityHandler) UpdateDealData(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	id, err := objectIDParam(c, "id")
	if err != nil {
		return errors.Respond(c, err)
	}

	// Parse request
	var req opportunities.DealDataPatch
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}

	o, err := h.service.UpdateDealData(ctx, id, c.Param("field"), &req)
	if err != nil {
		return errors.Respond(c, err)
	}

	return c.JSON(http.StatusOK, o)
}

// EditDealNumberRequest carries the replacement deal number.
type EditDealNumberRequest struct {
	DealNumber string `json:"deal_number" validate:"required"`
}

// EditDealNumber godoc
// @Summary Edit the DMS deal number
// @Description Re-point an opportunity at a different DMS deal. The deal is verified against the DMS first; an unverifiable deal reads the same as a missing opportunity.
// @Tags Deals
// @Accept json
// @Produce json
// @Param id path string true "Opportunity ID"
// @Param request body EditDealNumberRequest true "New deal number"
// @Success 200 {object} models.Opportunity
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /opportunities/{id}/deal-number [put]
func (h *OpportunityHandler) EditDealNumber(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 15*time.Second)
	defer cancel()

	id, err := objectIDParam(c, "id")
	if err != nil {
		return errors.Respond(c, err)
	}

	// Parse request
	var req EditDealNumberRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return errors.ValidationError(c, err)
	}

	o, err := h.service.EditDealNumber(ctx, id, req.DealNumber)
	if err != nil {
		return errors.Respond(c, err)
	}
	if o == nil {
		return errors.NotFoundError(c, "opportunity")
	}

	return c.JSON(http.StatusOK, o)
}

// SyncDMSDeal godoc
// @Summary Sync DMS deal fields
// @Description Merge refreshed deal fields from the DMS into an opportunity that already carries a deal number. The stock type is re-derived from the deal type. The deal number itself cannot be changed here.
// @Tags Deals
// @Accept json
// @Produce json
// @Param id path string true "Opportunity ID"
// @Param request body models.DMSDeal true "Deal fields"
// @Success 200 {object} models.Opportunity
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /opportunities/{id}/dms-deal [put]
func (h *OpportunityHandler) SyncDMSDeal(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	id, err := objectIDParam(c, "id")
	if err != nil {
		return errors.Respond(c, err)
	}

	// Parse request
	var dealData models.DMSDeal
	if err := c.Bind(&dealData); err != nil {
		return errors.ValidationError(c, err)
	}

	o, err := h.service.SyncDMSDeal(ctx, id, dealData)
	if err != nil {
		return errors.Respond(c, err)
	}

	return c.JSON(http.StatusOK, o)
}

// RDRPunchRequest records a retail delivery report punch.
type RDRPunchRequest struct {
	PunchDate   *time.Time `json:"punch_date" validate:"required"`
	Username    string     `json:"username" validate:"required"`
	Notes       string     `json:"notes"`
	PlateNumber string     `json:"plate_number"`
	Amount      float64    `json:"amount"`
	Program     string     `json:"program"`
	AssignedTo  string     `json:"assigned_to"`
}

// SetRDRPunch godoc
// @Summary Record an RDR punch
// @Description Set the retail delivery report punch of an opportunity
// @Tags Deals
// @Accept json
// @Produce json
// @Param id path string true "Opportunity ID"
// @Param request body RDRPunchRequest true "Punch details"
// @Success 200 {object} models.Opportunity
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /opportunities/{id}/rdr-punch [post]
func (h *OpportunityHandler) SetRDRPunch(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	id, err := objectIDParam(c, "id")
	if err != nil {
		return errors.Respond(c, err)
	}

	// Parse request
	var req RDRPunchRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return errors.ValidationError(c, err)
	}

	punch := bson.M{
		"punch_date": req.PunchDate.UTC(),
		"username":   req.Username,
	}
	if req.Notes != "" {
		punch["notes"] = req.Notes
	}
	if req.PlateNumber != "" {
		punch["plate_number"] = req.PlateNumber
	}
	if req.Amount != 0 {
		punch["amount"] = req.Amount
	}
	if req.Program != "" {
		punch["program"] = req.Program
	}
	if req.AssignedTo != "" {
		punch["assigned_to"] = req.AssignedTo
	}

	o, err := h.service.Update(ctx, id, &models.OpportunityPatch{
		RDRPunch: models.Some(punch),
	})
	if err != nil {
		return errors.Respond(c, err)
	}

	return c.JSON(http.StatusOK, o)
}

// ClearRDRPunch godoc
// @Summary Clear an RDR punch
// @Description Reset the retail delivery report punch of an opportunity to an empty block
// @Tags Deals
// @Produce json
// @Param id path string true "Opportunity ID"
// @Success 200 {object} models.Opportunity
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /opportunities/{id}/rdr-punch [delete]
func (h *OpportunityHandler) ClearRDRPunch(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	id, err := objectIDParam(c, "id")
	if err != nil {
		return errors.Respond(c, err)
	}

	o, err := h.service.Update(ctx, id, &models.OpportunityPatch{
		RDRPunch: models.Some(bson.M{}),
	})
	if err != nil {
		return errors.Respond(c, err)
	}

	return c.JSON(http.StatusOK, o)
}

// GrossProfit godoc
// @Summary Fetch deal gross profit
// @Description Fetch the archived deal statement of the opportunity's DMS deal. An unreadable or missing archive yields an empty gross_profit block rather than an error.
// @Tags Deals
// @Produce json
// @Param id path string true "Opportunity ID"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /opportunities/{id}/gross-profit [get]
func (h *OpportunityHandler) GrossProfit(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 15*time.Second)
	defer cancel()

	id, err := objectIDParam(c, "id")
	if err != nil {
		return errors.Respond(c, err)
	}

	o, err := h.service.Get(ctx, id)
	if err != nil {
		return errors.Respond(c, err)
	}

	var grossProfit interface{} = map[string]interface{}{}
	if h.archive != nil {
		if statement := h.archive.GrossProfit(ctx, o.DealerID, o.DMSDeal.DealNumber()); statement != nil {
			grossProfit = statement
		}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"gross_profit": grossProfit,
	})
}
