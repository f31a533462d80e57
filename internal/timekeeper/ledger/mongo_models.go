package ledger

import (
	"time"

	"github.com/rcourtman/timekeeper/internal/timekeeper/entitlement"
)

type deviceModel struct {
	DeviceID              string     `bson:"_id"`
	LicensePurchased      bool       `bson:"license_purchased"`
	LicensePurchaseDate   *time.Time `bson:"license_purchase_date,omitempty"`
	UnlockCount           int64      `bson:"unlock_count"`
	LastUnlockDate        string     `bson:"last_unlock_date,omitempty"`
	LastSettledPaymentRef string     `bson:"last_settled_payment_ref,omitempty"`
	SettledPaymentRefs    []string   `bson:"settled_payment_refs,omitempty"`
	CreatedAt             time.Time  `bson:"created_at"`
	UpdatedAt             time.Time  `bson:"updated_at"`
}

func (m *deviceModel) hasSettled(paymentRef string) bool {
	for _, ref := range m.SettledPaymentRefs {
		if ref == paymentRef {
			return true
		}
	}
	return false
}

func fromDeviceModel(m *deviceModel) *entitlement.DeviceRecord {
	rec := &entitlement.DeviceRecord{
		DeviceID:              m.DeviceID,
		LicensePurchased:      m.LicensePurchased,
		UnlockCount:           m.UnlockCount,
		LastUnlockDate:        m.LastUnlockDate,
		LastSettledPaymentRef: m.LastSettledPaymentRef,
		CreatedAt:             m.CreatedAt.UTC(),
		UpdatedAt:             m.UpdatedAt.UTC(),
	}
	if m.LicensePurchaseDate != nil {
		t := m.LicensePurchaseDate.UTC()
		rec.LicensePurchaseDate = &t
	}
	return rec
}

type failureModel struct {
	ID          string    `bson:"_id"`
	DeviceID    string    `bson:"device_id"`
	ProductType string    `bson:"product_type"`
	PaymentRef  string    `bson:"payment_ref"`
	EventID     string    `bson:"event_id"`
	Reason      string    `bson:"reason"`
	RecordedAt  time.Time `bson:"recorded_at"`
}

func toFailureModel(f *entitlement.SettlementFailure) *failureModel {
	return &failureModel{
		ID:          f.ID,
		DeviceID:    f.DeviceID,
		ProductType: string(f.ProductType),
		PaymentRef:  f.PaymentRef,
		EventID:     f.EventID,
		Reason:      f.Reason,
		RecordedAt:  f.RecordedAt.UTC(),
	}
}

func fromFailureModel(m *failureModel) *entitlement.SettlementFailure {
	return &entitlement.SettlementFailure{
		ID:          m.ID,
		DeviceID:    m.DeviceID,
		ProductType: entitlement.ProductType(m.ProductType),
		PaymentRef:  m.PaymentRef,
		EventID:     m.EventID,
		Reason:      m.Reason,
		RecordedAt:  m.RecordedAt.UTC(),
	}
}
