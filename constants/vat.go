package constants

// VAT codes form a closed vocabulary. The percentage is always derived from
// the code; it is never supplied or stored independently.
const (
	VATStandard     = "27"  // standard rate
	VATReduced18    = "18"  // reduced rate
	VATReduced5     = "5"   // reduced rate
	VATZero         = "0"   // zero-rated
	VATSubjExempt   = "AM"  // subjective exemption
	VATObjExempt    = "TAM" // objective exemption
	VATReverseEU    = "EU"  // intra-EU reverse charge
)

var vatRates = map[string]float64{
	VATStandard:   27,
	VATReduced18:  18,
	VATReduced5:   5,
	VATZero:       0,
	VATSubjExempt: 0,
	VATObjExempt:  0,
	VATReverseEU:  0,
}

// VATRate returns the percentage derived from a VAT code. Unknown codes
// report ok=false and a zero rate.
func VATRate(code string) (float64, bool) {
	rate, ok := vatRates[code]
	return rate, ok
}

// IsVATCode reports whether code belongs to the closed vocabulary.
func IsVATCode(code string) bool {
	_, ok := vatRates[code]
	return ok
}

func VATCodesAsStrings() []string {
	return []string{
		VATStandard,
		VATReduced18,
		VATReduced5,
		VATZero,
		VATSubjExempt,
		VATObjExempt,
		VATReverseEU,
	}
}
