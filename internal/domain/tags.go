package domain

// Tags is the independent attribute set written by the tagger. Any
// combination may be true at once; PrimaryCategory derives a single display
// value on read.
type Tags struct {
	WorkIncome       bool   `json:"work_income"`
	PropertyIncome   bool   `json:"property_income"`
	RentalIncome     bool   `json:"rental_income"`
	VehicleIncome    bool   `json:"vehicle_income"`
	SecuritiesIncome bool   `json:"securities_income"`
	LargeIncome      bool   `json:"large_income"`
	LargeExpense     bool   `json:"large_expense"`
	LargeTier        string `json:"large_tier,omitempty"`
}

// AssetIncome reports whether any asset-income sub-tag is set.
func (t Tags) AssetIncome() bool {
	return t.PropertyIncome || t.RentalIncome || t.VehicleIncome || t.SecuritiesIncome
}

// Large reports whether the row fell into a large-amount band.
func (t Tags) Large() bool {
	return t.LargeIncome || t.LargeExpense
}

// Names returns the set tags as metric-friendly names.
func (t Tags) Names() []string {
	var out []string
	for _, c := range categoryOrder {
		if c.has(t) {
			out = append(out, c.Tag)
		}
	}
	return out
}

// Category is the derived display classification of a tagged row.
type Category struct {
	Tag   string `json:"tag"`
	Label string `json:"label"`
}

// IsZero reports whether no category applies.
func (c Category) IsZero() bool { return c.Tag == "" }

type categoryRule struct {
	Category
	has func(Tags) bool
}

// categoryOrder is the fixed precedence: work, property, rental, vehicle,
// securities, then large income and large expense.
var categoryOrder = []categoryRule{
	{Category{"work_income", "工作收入"}, func(t Tags) bool { return t.WorkIncome }},
	{Category{"property_income", "房产收入"}, func(t Tags) bool { return t.PropertyIncome }},
	{Category{"rental_income", "租金收入"}, func(t Tags) bool { return t.RentalIncome }},
	{Category{"vehicle_income", "车辆收入"}, func(t Tags) bool { return t.VehicleIncome }},
	{Category{"securities_income", "证券收入"}, func(t Tags) bool { return t.SecuritiesIncome }},
	{Category{"large_income", "大额收入"}, func(t Tags) bool { return t.LargeIncome }},
	{Category{"large_expense", "大额支出"}, func(t Tags) bool { return t.LargeExpense }},
}

// PrimaryCategory returns the highest-precedence category whose tag is set,
// or the zero Category. It is a pure function of the tag set.
func PrimaryCategory(t Tags) Category {
	for _, c := range categoryOrder {
		if c.has(t) {
			return c.Category
		}
	}
	return Category{}
}
