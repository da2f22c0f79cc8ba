package handlers

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dealerdesk/crm-backend/pkg/api/errors"
	"github.com/dealerdesk/crm-backend/pkg/export"
)

// ExportHandler handles opportunity export HTTP requests.
type ExportHandler struct {
	exportService *export.Service
}

// NewExportHandler creates a new export handler.
func NewExportHandler(exportService *export.Service) *ExportHandler {
	return &ExportHandler{
		exportService: exportService,
	}
}

// Download godoc
// @Summary Export opportunities
// @Description Download the matching opportunities as a CSV or Excel file
// @Tags Opportunities
// @Accept json
// @Produce text/csv
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Param request body export.Params true "Filters, sort and format"
// @Success 200 {file} file
// @Failure 400 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /opportunities/export [post]
func (h *ExportHandler) Download(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 60*time.Second)
	defer cancel()

	// Parse request
	var req export.Params
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	if req.Format == "" {
		req.Format = export.FormatCSV
	}

	var buf bytes.Buffer
	if _, err := h.exportService.Export(ctx, &req, &buf); err != nil {
		return errors.Respond(c, err)
	}

	filename := fmt.Sprintf("opportunities-%s.%s",
		time.Now().Format("20060102-150405"), export.FileExtension(req.Format))

	// Set headers for download
	c.Response().Header().Set(echo.HeaderContentDisposition, "attachment; filename="+filename)

	return c.Blob(http.StatusOK, export.ContentType(req.Format), buf.Bytes())
}

// RegisterRoutes registers export routes.
func (h *ExportHandler) RegisterRoutes(g *echo.Group, authMiddleware echo.MiddlewareFunc) {
	opps := g.Group("/opportunities", authMiddleware)
	opps.POST("/export", h.Download)
}
