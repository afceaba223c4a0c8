package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Expense is one durable ledger row — the committed form of a reconciled
// item. Immutable here; edits go through the CRUD surface, not the pipeline.
type Expense struct {
	ID            uuid.UUID       `gorm:"column:id;primaryKey;type:uuid" json:"id"`
	BatchID       uuid.UUID       `gorm:"column:batch_id;not null;index" json:"batchId"`
	ReceiptID     *uuid.UUID      `gorm:"column:receipt_id;index" json:"receiptId,omitempty"`
	Name          string          `gorm:"column:name;not null" json:"name"`
	Category      string          `gorm:"column:category;not null" json:"category"`
	Amount        decimal.Decimal `gorm:"column:amount;type:numeric(12,2);not null" json:"amount"`
	ExpenseDate   time.Time       `gorm:"column:expense_date;type:date;not null" json:"expenseDate"`
	Merchant      *string         `gorm:"column:merchant" json:"merchant,omitempty"`
	VATCode       string          `gorm:"column:vat_code;not null" json:"vatCode"`
	VATPercent    float64         `gorm:"column:vat_percent;not null" json:"vatPercent"`
	Quantity      float64         `gorm:"column:quantity;not null;default:1" json:"quantity"`
	Unit          string          `gorm:"column:unit;not null" json:"unit"`
	PageNumber    int             `gorm:"column:page_number;not null;default:1" json:"pageNumber"`
	Description   *string         `gorm:"column:description" json:"description,omitempty"`
	MerchantTaxID *string         `gorm:"column:merchant_tax_id" json:"merchantTaxId,omitempty"`
	InvoiceNumber *string         `gorm:"column:invoice_number" json:"invoiceNumber,omitempty"`
	CreatedAt     time.Time       `gorm:"column:created_at" json:"createdAt"`
}

func (Expense) TableName() string { return "expenses" }
