package oracle

import (
	"context"

	"github.com/billfold-app/billfold/internal/raster"
)

// RawExtractedItem is one candidate line item as returned by the oracle.
// Immutable once received; the reconciliation workspace copies it into
// editable items. VATPercent is derived locally from VATCode during decode,
// never taken from the model.
type RawExtractedItem struct {
	Name          string  `json:"name"`
	Category      string  `json:"category"`
	Amount        string  `json:"amount"` // decimal, two places
	Date          string  `json:"date"`   // YYYY-MM-DD
	Merchant      string  `json:"merchant,omitempty"`
	VATCode       string  `json:"vat_code"`
	VATPercent    float64 `json:"vat_percent,omitempty"`
	Quantity      float64 `json:"quantity"`
	Unit          string  `json:"unit"`
	Page          int     `json:"page"` // 1-based source page
	Description   string  `json:"description,omitempty"`
	MerchantTaxID string  `json:"merchant_tax_id,omitempty"`
	InvoiceNumber string  `json:"invoice_number,omitempty"`
}

// Extractor is the oracle interface the pipeline depends on. Pages are
// supplied in strict order; the returned page tags are the only trusted
// association between items and pages. An empty item list is a valid result.
type Extractor interface {
	Extract(ctx context.Context, pages []raster.Page) ([]RawExtractedItem, error)
}
