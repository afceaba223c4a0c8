package reconcile

import (
	"strings"

	"github.com/billfold-app/billfold/constants"
	"github.com/billfold-app/billfold/internal/common"
)

// Validate checks every item across every page group, not just the one on
// screen: commit must be blocked while an off-screen page still holds an
// invalid item. Returns nil when the whole workspace is committable.
func (w *Workspace) Validate() []common.FieldViolation {
	return ValidateItems(w.Items())
}

// ValidateItems applies the commit rules to a finalized item set. The same
// rules gate the commit endpoint, where the reviewed items arrive from the
// client rather than from a server-held workspace.
func ValidateItems(items []*Item) []common.FieldViolation {
	var violations []common.FieldViolation

	for _, item := range items {
		if strings.TrimSpace(item.Name) == "" {
			violations = append(violations, common.FieldViolation{
				ItemID: item.ID, Field: "name", Message: "name must not be empty",
			})
		}
		if !constants.IsCategory(item.Category) {
			violations = append(violations, common.FieldViolation{
				ItemID: item.ID, Field: "category", Message: "category is not in the allowed set",
			})
		}
		if !item.Amount.IsPositive() {
			violations = append(violations, common.FieldViolation{
				ItemID: item.ID, Field: "amount", Message: "amount must be greater than zero",
			})
		}
		if item.Quantity <= 0 {
			violations = append(violations, common.FieldViolation{
				ItemID: item.ID, Field: "quantity", Message: "quantity must be greater than zero",
			})
		}
		if strings.TrimSpace(item.Unit) == "" {
			violations = append(violations, common.FieldViolation{
				ItemID: item.ID, Field: "unit", Message: "unit must not be empty",
			})
		}
		if !constants.IsVATCode(item.VATCode) {
			violations = append(violations, common.FieldViolation{
				ItemID: item.ID, Field: "vat_code", Message: "vat code is not in the allowed set",
			})
		}
	}

	return violations
}
