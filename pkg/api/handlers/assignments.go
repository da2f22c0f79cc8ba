package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dealerdesk/crm-backend/pkg/api/errors"
	"github.com/dealerdesk/crm-backend/pkg/domain"
	"github.com/dealerdesk/crm-backend/pkg/models"
)

// assignmentFields maps external role names onto the member arrays they
// live in. Several roles share an array.
var assignmentFields = map[string]string{
	"sales_rep":          "sales_reps",
	"internet_sales_rep": "sales_reps",
	"csr":                "customer_reps",
	"sales_manager":      "sales_managers",
	"bdc_rep":            "bdc_reps",
	"bdc_manager":        "bdc_reps",
	"finance_manager":    "finance_managers",
}

func assignmentField(role string) (string, error) {
	field, ok := assignmentFields[role]
	if !ok {
		return "", domain.NewValidationError("unknown assignment role " + role)
	}
	return field, nil
}

func assignedMembers(o *models.Opportunity, field string) []string {
	switch field {
	case "sales_managers":
		return o.SalesManagers
	case "sales_reps":
		return o.SalesReps
	case "customer_reps":
		return o.CustomerReps
	case "bdc_reps":
		return o.BDCReps
	case "finance_managers":
		return o.FinanceManagers
	}
	return nil
}

// AssigneesRequest replaces the member set of one assignment role.
type AssigneesRequest struct {
	Members []string `json:"members"`
}

// GetAssignees godoc
// @Summary Get role assignees
// @Description Get the members assigned to an opportunity under one role
// @Tags Assignments
// @Produce json
// @Param id path string true "Opportunity ID"
// @Param role path string true "Assignment role" Enums(sales_rep, internet_sales_rep, csr, sales_manager, bdc_rep, bdc_manager, finance_manager)
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /opportunities/{id}/assignees/{role} [get]
func (h *OpportunityHandler) GetAssignees(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	id, err := objectIDParam(c, "id")
	if err != nil {
		return errors.Respond(c, err)
	}
	field, err := assignmentField(c.Param("role"))
	if err != nil {
		return errors.Respond(c, err)
	}

	o, err := h.service.Get(ctx, id)
	if err != nil {
		return errors.Respond(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"role":    c.Param("role"),
		"field":   field,
		"members": assignedMembers(o, field),
	})
}

// SetAssignees godoc
// @Summary Replace role assignees
// @Description Replace the members assigned to an opportunity under one role. An empty member list clears the assignment.
// @Tags Assignments
// @Accept json
// @Produce json
// @Param id path string true "Opportunity ID"
// @Param role path string true "Assignment role" Enums(sales_rep, internet_sales_rep, csr, sales_manager, bdc_rep, bdc_manager, finance_manager)
// @Param request body AssigneesRequest true "Member list"
// @Success 200 {object} models.Opportunity
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /opportunities/{id}/assignees/{role} [put]
func (h *OpportunityHandler) SetAssignees(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	id, err := objectIDParam(c, "id")
	if err != nil {
		return errors.Respond(c, err)
	}
	field, err := assignmentField(c.Param("role"))
	if err != nil {
		return errors.Respond(c, err)
	}

	// Parse request
	var req AssigneesRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	members := req.Members
	if members == nil {
		members = []string{}
	}

	// A single-field assignment patch drives the assignment notification.
	patch := &models.OpportunityPatch{}
	switch field {
	case "sales_managers":
		patch.SalesManagers = models.Some(members)
	case "sales_reps":
		patch.SalesReps = models.Some(members)
	case "customer_reps":
		patch.CustomerReps = models.Some(members)
	case "bdc_reps":
		patch.BDCReps = models.Some(members)
	case "finance_managers":
		patch.FinanceManagers = models.Some(members)
	}

	o, err := h.service.Update(ctx, id, patch)
	if err != nil {
		return errors.Respond(c, err)
	}

	return c.JSON(http.StatusOK, o)
}
