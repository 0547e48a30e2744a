package domain

import (
	"fmt"
	"math/big"
)

const bpsDenominator = 10_000

// commissionTiers maps inclusive plan-level ranges to commission rates in
// basis points. This table is the single source of truth; every consumer
// resolves rates through CommissionRateBPS.
var commissionTiers = []struct {
	minLevel uint8
	maxLevel uint8
	rateBPS  uint32
}{
	{1, 4, 5000},
	{5, 8, 5500},
	{9, 16, 6000},
}

// CommissionRateBPS returns the commission rate in basis points for a plan
// level. Levels outside the tier table are a validation error.
func CommissionRateBPS(planLevel uint8) (uint32, error) {
	for _, tier := range commissionTiers {
		if planLevel >= tier.minLevel && planLevel <= tier.maxLevel {
			return tier.rateBPS, nil
		}
	}
	return 0, fmt.Errorf("%w: plan level %d", ErrInvalidPlanLevel, planLevel)
}

// ComputeCommission applies a basis-point rate to a minor-unit amount
// string, truncating toward zero. Both input and output are base-10
// integer strings.
func ComputeCommission(amount string, rateBPS uint32) (string, error) {
	v, err := ParseAmount(amount)
	if err != nil {
		return "", err
	}
	commission := new(big.Int).Mul(v, big.NewInt(int64(rateBPS)))
	commission.Quo(commission, big.NewInt(bpsDenominator))
	return commission.String(), nil
}
