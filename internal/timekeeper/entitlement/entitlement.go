// Package entitlement holds the domain types shared by the reconciliation
// components: purchase claims, settlement events and the per-device record.
package entitlement

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar-date format used for last_unlock_date.
const DateLayout = "2006-01-02"

// ProductType identifies what a payment buys.
type ProductType string

const (
	// ProductLicense is the permanent license flag.
	ProductLicense ProductType = "license"
	// ProductDaypass is one repeatable unlock.
	ProductDaypass ProductType = "daypass"
)

// ParseProductType normalizes s and reports whether it names a known product.
func ParseProductType(s string) (ProductType, bool) {
	switch ProductType(strings.ToLower(strings.TrimSpace(s))) {
	case ProductLicense:
		return ProductLicense, true
	case ProductDaypass:
		return ProductDaypass, true
	default:
		return "", false
	}
}

func (p ProductType) String() string { return string(p) }

// Claim is a validated purchase claim from the synchronous confirm path.
type Claim struct {
	DeviceID      string
	PurchaseToken string
	ProductType   ProductType
}

// Source names the channel a settlement arrived through.
type Source string

const (
	SourceConfirm Source = "confirm"
	SourceWebhook Source = "webhook"
)

// Settlement is a payment known to be paid, ready to be applied to a device.
// PaymentRef is the de-duplication key.
type Settlement struct {
	DeviceID    string
	ProductType ProductType
	PaymentRef  string
	Source      Source
}

func (s Settlement) String() string {
	return fmt.Sprintf("%s/%s/%s", s.DeviceID, s.ProductType, s.PaymentRef)
}

// DeviceRecord is the entitlement state of one device.
type DeviceRecord struct {
	DeviceID              string     `json:"device_id"`
	LicensePurchased      bool       `json:"license_purchased"`
	LicensePurchaseDate   *time.Time `json:"license_purchase_date,omitempty"`
	UnlockCount           int64      `json:"unlock_count"`
	LastUnlockDate        string     `json:"last_unlock_date,omitempty"`
	LastSettledPaymentRef string     `json:"last_settled_payment_ref,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of r.
func (r *DeviceRecord) Clone() *DeviceRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.LicensePurchaseDate != nil {
		t := *r.LicensePurchaseDate
		c.LicensePurchaseDate = &t
	}
	return &c
}

// SettlementFailure records a webhook settlement that could not be applied
// and needs out-of-band reconciliation.
type SettlementFailure struct {
	ID          string      `json:"id"`
	DeviceID    string      `json:"device_id"`
	ProductType ProductType `json:"product_type"`
	PaymentRef  string      `json:"payment_ref"`
	EventID     string      `json:"event_id"`
	Reason      string      `json:"reason"`
	RecordedAt  time.Time   `json:"recorded_at"`
}
