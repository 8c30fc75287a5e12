package usecase

// conditionRule tells which parts of a minute bucket a sale condition may update.
type conditionRule struct {
	highLow    bool
	last       bool
	volume     bool
	correction bool
}

const regularSale = 0

// saleConditions maps SIP trade condition codes to their update rules.
// Codes missing from the table contribute nothing.
var saleConditions = buildSaleConditions()

func buildSaleConditions() map[int]conditionRule {
	m := make(map[int]conditionRule)
	set := func(rule conditionRule, codes ...int) {
		for _, c := range codes {
			m[c] = rule
		}
	}
	set(conditionRule{highLow: true, last: true, volume: true}, 0, 1, 3, 4, 8, 9, 11, 14, 25, 27, 28, 30, 34, 36)
	set(conditionRule{highLow: true, volume: true}, 5, 10, 22, 29, 33)
	set(conditionRule{volume: true}, 2, 7, 12, 13, 20, 21, 37, 52, 53)
	set(conditionRule{}, 15, 16)
	set(conditionRule{highLow: true, last: true}, 38)
	// cancelled, correction
	set(conditionRule{correction: true}, 44, 46)
	return m
}

// ruleFor merges the rules of all conditions of a trade. A trade without
// conditions is a regular sale.
func ruleFor(conditions []int) conditionRule {
	if len(conditions) == 0 {
		return saleConditions[regularSale]
	}
	var r conditionRule
	for _, code := range conditions {
		c, ok := saleConditions[code]
		if !ok {
			continue
		}
		r.highLow = r.highLow || c.highLow
		r.last = r.last || c.last
		r.volume = r.volume || c.volume
		r.correction = r.correction || c.correction
	}
	return r
}
