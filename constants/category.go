package constants

import (
	"strings"
)

type Category string

const (
	Meals          Category = "Meals"
	Travel         Category = "Travel"
	Accommodation  Category = "Accommodation"
	Fuel           Category = "Fuel"
	OfficeSupplies Category = "OfficeSupplies"
	Equipment      Category = "Equipment"
	Software       Category = "Software"
	Services       Category = "Services"
	Marketing      Category = "Marketing"
	Other          Category = "Other"
)

var allCategories = []Category{
	Meals,
	Travel,
	Accommodation,
	Fuel,
	OfficeSupplies,
	Equipment,
	Software,
	Services,
	Marketing,
	Other,
}

func CategoriesAsStrings() []string {
	result := make([]string, len(allCategories))
	for i, cat := range allCategories {
		result[i] = string(cat)
	}
	return result
}

// IsCategory reports whether s is exactly one of the closed vocabulary values.
func IsCategory(s string) bool {
	for _, cat := range allCategories {
		if s == string(cat) {
			return true
		}
	}
	return false
}

// CanonicalizeCategory maps free-form labels onto the closed vocabulary.
func CanonicalizeCategory(input string) (Category, bool) {
	if input == "" {
		return Other, false
	}

	normalized := strings.ToLower(strings.TrimSpace(input))

	// synonyms map
	synonyms := map[string]Category{
		"restaurant":    Meals,
		"food":          Meals,
		"lunch":         Meals,
		"taxi":          Travel,
		"uber":          Travel,
		"airline":       Travel,
		"train":         Travel,
		"hotel":         Accommodation,
		"lodging":       Accommodation,
		"gas":           Fuel,
		"petrol":        Fuel,
		"stationery":    OfficeSupplies,
		"saas":          Software,
		"subscription":  Software,
		"consulting":    Services,
		"advertisement": Marketing,
		"ads":           Marketing,
	}

	if cat, ok := synonyms[normalized]; ok {
		return cat, true
	}

	for _, cat := range allCategories {
		if normalized == strings.ToLower(string(cat)) {
			return cat, true
		}
	}

	return Other, false
}
