package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/dealerdesk/crm-backend/pkg/domain"
	"github.com/dealerdesk/crm-backend/pkg/logger"
	"github.com/dealerdesk/crm-backend/pkg/models"
	"github.com/dealerdesk/crm-backend/pkg/opportunities"
	"github.com/dealerdesk/crm-backend/pkg/query"
)

// Export formats.
const (
	FormatCSV   = "csv"
	FormatExcel = "excel"
)

// maxExportRows caps how many opportunities a single export may pull.
const maxExportRows = 10000

// Service renders filtered opportunity listings as downloadable files.
type Service struct {
	opportunities *opportunities.Service
	log           logger.Logger
}

// NewService creates a new export service.
func NewService(opps *opportunities.Service, log logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		opportunities: opps,
		log:           log,
	}
}

// Params select and order the opportunities to export.
type Params struct {
	Filters *query.Filters `json:"filters"`
	Sort    query.SortSpec `json:"sort_by"`
	Format  string         `json:"format"`
	MaxRows int            `json:"max_rows"`
}

// ContentType returns the MIME type of the given export format.
func ContentType(format string) string {
	if format == FormatExcel {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

// FileExtension returns the file extension of the given export format.
func FileExtension(format string) string {
	if format == FormatExcel {
		return "xlsx"
	}
	return "csv"
}

// Export writes the matching opportunities to w in the requested format and
// returns how many rows were written.
func (s *Service) Export(ctx context.Context, params *Params, w io.Writer) (int, error) {
	if params == nil {
		return 0, domain.NewValidationError("export parameters are required")
	}
	if params.Format != FormatCSV && params.Format != FormatExcel {
		return 0, domain.NewValidationError("format must be csv or excel")
	}

	maxRows := params.MaxRows
	if maxRows <= 0 || maxRows > maxExportRows {
		maxRows = maxExportRows
	}

	results, err := s.opportunities.List(ctx, &opportunities.ListParams{
		Filters:  params.Filters,
		Sort:     params.Sort,
		Page:     1,
		PageSize: maxRows,
	})
	if err != nil {
		return 0, err
	}

	if params.Format == FormatCSV {
		err = s.generateCSV(w, results)
	} else {
		err = s.generateExcel(w, results)
	}
	if err != nil {
		return 0, err
	}

	s.log.Info("export generated", "format", params.Format, "rows", len(results))
	return len(results), nil
}

// exportHeaders are the columns of an opportunity export, in order.
var exportHeaders = []string{
	"ID", "Customer", "Dealer ID", "Dealer", "Status", "Sub Status",
	"Stock Type", "Deal Number", "Sales Reps", "Sales Managers",
	"Customer Reps", "BDC Reps", "Finance Managers", "Reporting Period",
	"Created", "Updated",
}

func exportRow(o *models.Opportunity) []string {
	period := ""
	if o.ReportingPeriod != nil {
		period = fmt.Sprintf("%04d-%02d", o.ReportingPeriod.Year, o.ReportingPeriod.Month)
	}
	return []string{
		o.ID.Hex(),
		o.CustomerName,
		strconv.Itoa(o.DealerID),
		o.DealerName,
		o.Status.Name(),
		o.SubStatus,
		o.StockType,
		o.DMSDeal.DealNumber(),
		strings.Join(o.SalesReps, ", "),
		strings.Join(o.SalesManagers, ", "),
		strings.Join(o.CustomerReps, ", "),
		strings.Join(o.BDCReps, ", "),
		strings.Join(o.FinanceManagers, ", "),
		period,
		o.Created.Format(time.RFC3339),
		o.Updated.Format(time.RFC3339),
	}
}

// generateCSV writes a CSV export.
func (s *Service) generateCSV(w io.Writer, results []*models.Opportunity) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	// Write header
	if err := writer.Write(exportHeaders); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	// Write data
	for _, o := range results {
		if err := writer.Write(exportRow(o)); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// generateExcel writes an Excel export.
func (s *Service) generateExcel(w io.Writer, results []*models.Opportunity) error {
	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Opportunities"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")

	// Set header style
	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E0E0E0"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("failed to create style: %w", err)
	}

	// Write header
	for i, header := range exportHeaders {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return fmt.Errorf("failed to locate header cell: %w", err)
		}
		f.SetCellValue(sheetName, cell, header)
		f.SetCellStyle(sheetName, cell, cell, headerStyle)
	}

	// Write data
	for rowIdx, o := range results {
		for colIdx, value := range exportRow(o) {
			cell, err := excelize.CoordinatesToCellName(colIdx+1, rowIdx+2)
			if err != nil {
				return fmt.Errorf("failed to locate cell: %w", err)
			}
			f.SetCellValue(sheetName, cell, value)
		}
	}

	// Auto-fit columns
	for i := range exportHeaders {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return fmt.Errorf("failed to name column: %w", err)
		}
		f.SetColWidth(sheetName, col, col, 18)
	}

	// Set active sheet
	f.SetActiveSheet(index)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}

	return nil
}
