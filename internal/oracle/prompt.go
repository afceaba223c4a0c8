package oracle

import (
	"strings"

	"github.com/billfold-app/billfold/constants"
)

// BuildInstructionPrompt composes the fixed instruction payload sent with
// every extraction request. The contract is strict: a bare JSON array of
// line items, page-tagged against the attached images in order.
func BuildInstructionPrompt(pageCount int) string {
	parts := []string{
		"You are an expense line-item extractor for scanned purchase receipts and invoices.",
		"The attached images are the pages of ONE document, in order: image 1 is page 1, image 2 is page 2, and so on.",
		"Read every page and extract each purchased line item you can recognize.",
		"Return ONLY a JSON array. Each element must have exactly these fields: " +
			"name, category, amount, date, merchant, vat_code, quantity, unit, page, description, merchant_tax_id, invoice_number.",
		"'category' MUST be exactly one of: " + strings.Join(constants.CategoriesAsStrings(), ", ") + ". If uncertain, use 'Other'.",
		"'amount' is the line total as a decimal string with at most two decimal places, e.g. \"12.50\".",
		"'date' is the transaction date in ISO-8601 (YYYY-MM-DD).",
		"'vat_code' MUST be exactly one of: " + strings.Join(constants.VATCodesAsStrings(), ", ") + ". Do NOT return a VAT percentage.",
		"'quantity' is a positive number; 'unit' is the unit of measure printed on the receipt (e.g. pcs, kg, l); default to quantity 1 and unit \"pcs\" when not printed.",
		"'page' is the 1-based number of the page the item appears on. It must never exceed the number of attached images.",
		"'merchant' is the seller's name; 'merchant_tax_id' and 'invoice_number' are the fiscal identifiers when printed. Omit optional fields you cannot read.",
		"If the document contains no recognizable line items, return an empty array: [].",
		"Do not wrap the array in markdown code fences and do not add any text before or after it.",
	}
	return strings.Join(parts, " ")
}
