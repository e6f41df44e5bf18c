package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"dukapos/backend/internal/domain"
)

func sampleData() ([]domain.Sale, []domain.Expense, domain.Stats) {
	created := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	sales := []domain.Sale{{
		ID:            "sale-1",
		Total:         decimal.NewFromInt(500),
		COGS:          decimal.RequireFromString("84.5"),
		Profit:        decimal.RequireFromString("415.5"),
		PaymentMethod: "cash",
		CashierID:     "cashier",
		CreatedAt:     created,
		Items: []domain.SaleLine{
			{ProductID: "prd-latte", Name: "Cafe Latte", Quantity: decimal.NewFromInt(2), Price: decimal.NewFromInt(250), COGS: decimal.RequireFromString("84.5")},
		},
	}}
	expenses := []domain.Expense{{
		ID:          "exp-1",
		Description: "Used 0.02 kg of Sugar",
		Amount:      decimal.RequireFromString("3.6"),
		Category:    domain.ExpenseCategoryIngredient,
		Automatic:   true,
		SaleID:      "sale-1",
		ProductID:   "prd-sugar",
		CreatedBy:   "cashier",
		CreatedAt:   created,
	}}
	stats := domain.Stats{
		TotalSales:  decimal.NewFromInt(500),
		TotalCOGS:   decimal.RequireFromString("84.5"),
		GrossProfit: decimal.RequireFromString("415.5"),
		SalesCount:  1,
		Currency:    "KSH",
		GeneratedAt: created,
	}
	return sales, expenses, stats
}

func TestSalesWorkbookHasThreeSheets(t *testing.T) {
	sales, expenses, stats := sampleData()

	payload, err := SalesWorkbook(sales, expenses, stats)
	if err != nil {
		t.Fatalf("build workbook: %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) != 3 || sheets[0] != SheetSales || sheets[1] != SheetExpenses || sheets[2] != SheetSummary {
		t.Fatalf("unexpected sheets %v", sheets)
	}

	rows, err := f.GetRows(SheetSales)
	if err != nil {
		t.Fatalf("read sales sheet: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected header + 1 line, got %d rows", len(rows))
	}
	if rows[1][0] != "sale-1" || rows[1][4] != "Cafe Latte" {
		t.Fatalf("unexpected sale row %v", rows[1])
	}

	expenseRows, err := f.GetRows(SheetExpenses)
	if err != nil {
		t.Fatalf("read expenses sheet: %v", err)
	}
	if len(expenseRows) != 2 || expenseRows[1][2] != domain.ExpenseCategoryIngredient {
		t.Fatalf("unexpected expense rows %v", expenseRows)
	}
}

func TestExpensesCSV(t *testing.T) {
	_, expenses, _ := sampleData()

	payload, err := ExpensesCSV(expenses)
	if err != nil {
		t.Fatalf("render csv: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(payload)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header + 1 row, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "id,created_at,category,description,amount") {
		t.Fatalf("unexpected header %q", lines[0])
	}
	if !strings.Contains(lines[1], ",3.6,true,sale-1,prd-sugar,cashier") {
		t.Fatalf("unexpected row %q", lines[1])
	}
}
