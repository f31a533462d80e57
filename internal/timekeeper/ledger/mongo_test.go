package ledger

import (
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestUnsettledFilterGuardsRef(t *testing.T) {
	f := unsettledFilter("dev-1", "pi_1")
	if f["_id"] != "dev-1" {
		t.Fatalf("_id = %v, want dev-1", f["_id"])
	}
	guard, ok := f["settled_payment_refs"].(bson.M)
	if !ok || guard["$ne"] != "pi_1" {
		t.Fatalf("settled_payment_refs guard = %#v, want $ne pi_1", f["settled_payment_refs"])
	}
}

func TestGrantLicenseUpdateShape(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.FixedZone("JST", 9*3600))
	u := grantLicenseUpdate("pi_1", now)

	set := u["$set"].(bson.M)
	if set["license_purchased"] != true {
		t.Fatalf("license_purchased = %v, want true", set["license_purchased"])
	}
	if got := set["license_purchase_date"].(time.Time); got.Location() != time.UTC || !got.Equal(now) {
		t.Fatalf("license_purchase_date = %v, want %v in UTC", got, now)
	}
	if u["$addToSet"].(bson.M)["settled_payment_refs"] != "pi_1" {
		t.Fatalf("$addToSet = %#v", u["$addToSet"])
	}
	onInsert := u["$setOnInsert"].(bson.M)
	if _, clash := set["unlock_count"]; clash {
		t.Fatal("unlock_count must only be set on insert")
	}
	if onInsert["unlock_count"] != int64(0) {
		t.Fatalf("$setOnInsert unlock_count = %v, want 0", onInsert["unlock_count"])
	}
}

func TestIncrementUnlockUpdateShape(t *testing.T) {
	today := time.Date(2025, 7, 9, 0, 0, 0, 0, time.UTC)
	u := incrementUnlockUpdate("pi_2", today, today)

	if u["$inc"].(bson.M)["unlock_count"] != int64(1) {
		t.Fatalf("$inc = %#v", u["$inc"])
	}
	set := u["$set"].(bson.M)
	if set["last_unlock_date"] != "2025-07-09" {
		t.Fatalf("last_unlock_date = %v", set["last_unlock_date"])
	}
	if set["last_settled_payment_ref"] != "pi_2" {
		t.Fatalf("last_settled_payment_ref = %v", set["last_settled_payment_ref"])
	}
}

func TestDeviceModelHasSettled(t *testing.T) {
	m := &deviceModel{SettledPaymentRefs: []string{"pi_a", "pi_b"}}
	if !m.hasSettled("pi_b") {
		t.Fatal("expected pi_b to be settled")
	}
	if m.hasSettled("pi_c") {
		t.Fatal("did not expect pi_c to be settled")
	}

	when := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := fromDeviceModel(&deviceModel{DeviceID: "d", LicensePurchaseDate: &when, UnlockCount: 4})
	if rec.DeviceID != "d" || rec.UnlockCount != 4 || !rec.LicensePurchaseDate.Equal(when) {
		t.Fatalf("fromDeviceModel = %+v", rec)
	}
}
