// Package report renders sales and expense exports for the back office.
package report

import (
	"fmt"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/xuri/excelize/v2"

	"dukapos/backend/internal/domain"
)

const (
	SheetSales    = "Sales"
	SheetExpenses = "Expenses"
	SheetSummary  = "Summary"
)

const XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// SalesWorkbook writes one row per sale line, one row per expense and the
// stats summary into a three-sheet workbook.
func SalesWorkbook(sales []domain.Sale, expenses []domain.Expense, stats domain.Stats) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetSales); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(SheetExpenses); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(SheetSummary); err != nil {
		return nil, err
	}
	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, err
	}

	saleRows := [][]interface{}{
		{"Sale ID", "Date", "Cashier", "Payment", "Product", "Quantity", "Price", "Line COGS", "Sale Total", "Sale Profit"},
	}
	for _, sale := range sales {
		for _, item := range sale.Items {
			saleRows = append(saleRows, []interface{}{
				sale.ID,
				sale.CreatedAt.UTC().Format(time.RFC3339),
				sale.CashierID,
				sale.PaymentMethod,
				item.Name,
				item.Quantity.InexactFloat64(),
				item.Price.InexactFloat64(),
				item.COGS.InexactFloat64(),
				sale.Total.InexactFloat64(),
				sale.Profit.InexactFloat64(),
			})
		}
	}
	if err := writeRows(f, SheetSales, saleRows, header); err != nil {
		return nil, err
	}

	expenseRows := [][]interface{}{
		{"Expense ID", "Date", "Category", "Description", "Amount", "Automatic", "Sale ID", "Created By"},
	}
	for _, e := range expenses {
		expenseRows = append(expenseRows, []interface{}{
			e.ID,
			e.CreatedAt.UTC().Format(time.RFC3339),
			e.Category,
			e.Description,
			e.Amount.InexactFloat64(),
			e.Automatic,
			e.SaleID,
			e.CreatedBy,
		})
	}
	if err := writeRows(f, SheetExpenses, expenseRows, header); err != nil {
		return nil, err
	}

	summaryRows := [][]interface{}{
		{"Metric", "Value (" + stats.Currency + ")"},
		{"Total sales", stats.TotalSales.InexactFloat64()},
		{"Cost of goods sold", stats.TotalCOGS.InexactFloat64()},
		{"Gross profit", stats.GrossProfit.InexactFloat64()},
		{"Total expenses", stats.TotalExpenses.InexactFloat64()},
		{"Automatic expenses", stats.AutomaticExpenses.InexactFloat64()},
		{"Net profit", stats.NetProfit.InexactFloat64()},
		{"Sales count", stats.SalesCount},
		{"Generated at", stats.GeneratedAt.UTC().Format(time.RFC3339)},
	}
	if err := writeRows(f, SheetSummary, summaryRows, header); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeRows(f *excelize.File, sheet string, rows [][]interface{}, headerStyle int) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	if len(rows) == 0 {
		return nil
	}
	last, err := excelize.CoordinatesToCellName(len(rows[0]), 1)
	if err != nil {
		return err
	}
	return f.SetCellStyle(sheet, "A1", last, headerStyle)
}

type expenseRow struct {
	ID          string `csv:"id"`
	CreatedAt   string `csv:"created_at"`
	Category    string `csv:"category"`
	Description string `csv:"description"`
	Amount      string `csv:"amount"`
	Automatic   bool   `csv:"automatic"`
	SaleID      string `csv:"sale_id"`
	ProductID   string `csv:"product_id"`
	CreatedBy   string `csv:"created_by"`
}

// ExpensesCSV renders expenses with a header row. Amounts keep their exact
// decimal text.
func ExpensesCSV(expenses []domain.Expense) ([]byte, error) {
	rows := make([]*expenseRow, 0, len(expenses))
	for _, e := range expenses {
		rows = append(rows, &expenseRow{
			ID:          e.ID,
			CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339),
			Category:    e.Category,
			Description: e.Description,
			Amount:      e.Amount.String(),
			Automatic:   e.Automatic,
			SaleID:      e.SaleID,
			ProductID:   e.ProductID,
			CreatedBy:   e.CreatedBy,
		})
	}
	return gocsv.MarshalBytes(&rows)
}
