package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dealerdesk/crm-backend/pkg/api/errors"
	"github.com/dealerdesk/crm-backend/pkg/opportunities"
)

// AddAttachment godoc
// @Summary Attach a file
// @Description Append a file reference to the opportunity's attachment ledger. The file itself is uploaded separately; key names its storage location.
// @Tags Attachments
// @Accept json
// @Produce json
// @Param id path string true "Opportunity ID"
// @Param request body opportunities.AttachmentInput true "Attachment details"
// @Success 201 {object} models.Opportunity
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /opportunities/{id}/attachments [post]
func (h *OpportunityHandler) AddAttachment(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	id, err := objectIDParam(c, "id")
	if err != nil {
		return errors.Respond(c, err)
	}

	// Parse request
	var req opportunities.AttachmentInput
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}

	o, err := h.service.AddAttachment(ctx, id, &req)
	if err != nil {
		return errors.Respond(c, err)
	}

	return c.JSON(http.StatusCreated, o)
}

// ModifyAttachment godoc
// @Summary Modify an attachment
// @Description Update the label, file tag or deleted flag of one attachment
// @Tags Attachments
// @Accept json
// @Produce json
// @Param id path string true "Opportunity ID"
// @Param attachment_id path string true "Attachment ID"
// @Param request body opportunities.AttachmentPatch true "Fields to update"
// @Success 200 {object} models.Opportunity
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /opportunities/{id}/attachments/{attachment_id} [patch]
func (h *OpportunityHandler) ModifyAttachment(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	id, err := objectIDParam(c, "id")
	if err != nil {
		return errors.Respond(c, err)
	}
	attachmentID, err := objectIDParam(c, "attachment_id")
	if err != nil {
		return errors.Respond(c, err)
	}

	// Parse request
	var req opportunities.AttachmentPatch
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}

	o, err := h.service.ModifyAttachment(ctx, id, attachmentID, &req)
	if err != nil {
		return errors.Respond(c, err)
	}

	return c.JSON(http.StatusOK, o)
}

// RemoveAttachment godoc
// @Summary Remove an attachment
// @Description Flip the attachment's deleted flag. The record stays in the ledger, so removal is idempotent.
// @Tags Attachments
// @Produce json
// @Param id path string true "Opportunity ID"
// @Param attachment_id path string true "Attachment ID"
// @Success 200 {object} models.Opportunity
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /opportunities/{id}/attachments/{attachment_id} [delete]
func (h *OpportunityHandler) RemoveAttachment(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	id, err := objectIDParam(c, "id")
	if err != nil {
		return errors.Respond(c, err)
	}
	attachmentID, err := objectIDParam(c, "attachment_id")
	if err != nil {
		return errors.Respond(c, err)
	}

	o, err := h.service.RemoveAttachment(ctx, id, attachmentID)
	if err != nil {
		return errors.Respond(c, err)
	}

	return c.JSON(http.StatusOK, o)
}
