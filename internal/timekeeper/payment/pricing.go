package payment

import (
	"fmt"
	"math/big"

	"github.com/rcourtman/timekeeper/internal/timekeeper/entitlement"
)

const (
	// maxUnitAmount is the largest amount the provider accepts for one line item.
	maxUnitAmount = 99_999_999
	// Beyond this many prior unlocks every base price overflows maxUnitAmount.
	maxPricedUnlocks = 128
)

// Pricing holds list prices in the currency's minor unit.
type Pricing struct {
	Currency         string
	LicensePrice     int64
	DaypassBasePrice int64
}

// Price returns the amount charged for product. A daypass costs
// floor(base * 1.2^unlockCount), computed exactly as base * 6^n / 5^n.
func (p Pricing) Price(product entitlement.ProductType, unlockCount int64) (int64, error) {
	switch product {
	case entitlement.ProductLicense:
		return p.LicensePrice, nil
	case entitlement.ProductDaypass:
		if unlockCount < 0 {
			return 0, fmt.Errorf("unlock count must not be negative")
		}
		if unlockCount > maxPricedUnlocks {
			return 0, fmt.Errorf("daypass price for %d prior unlocks exceeds the maximum charge", unlockCount)
		}
		n := big.NewInt(unlockCount)
		num := new(big.Int).Exp(big.NewInt(6), n, nil)
		num.Mul(num, big.NewInt(p.DaypassBasePrice))
		den := new(big.Int).Exp(big.NewInt(5), n, nil)
		price := num.Quo(num, den)
		if !price.IsInt64() || price.Int64() > maxUnitAmount {
			return 0, fmt.Errorf("daypass price for %d prior unlocks exceeds the maximum charge", unlockCount)
		}
		return price.Int64(), nil
	default:
		return 0, fmt.Errorf("unknown product type %q", product)
	}
}
