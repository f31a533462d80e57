package entitlement

import (
	"testing"
	"time"
)

func TestParseProductType(t *testing.T) {
	tests := []struct {
		in     string
		want   ProductType
		wantOK bool
	}{
		{in: "license", want: ProductLicense, wantOK: true},
		{in: " Daypass ", want: ProductDaypass, wantOK: true},
		{in: "", wantOK: false},
		{in: "subscription", wantOK: false},
	}
	for _, tt := range tests {
		got, ok := ParseProductType(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseProductType(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestDeviceRecordCloneIsDeep(t *testing.T) {
	when := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	orig := &DeviceRecord{DeviceID: "d", LicensePurchased: true, LicensePurchaseDate: &when}

	c := orig.Clone()
	*c.LicensePurchaseDate = when.Add(time.Hour)
	c.UnlockCount = 9

	if !orig.LicensePurchaseDate.Equal(when) {
		t.Fatalf("clone shares LicensePurchaseDate with original")
	}
	if orig.UnlockCount != 0 {
		t.Fatalf("clone mutated original unlock count")
	}

	var nilRec *DeviceRecord
	if nilRec.Clone() != nil {
		t.Fatal("Clone of nil record should be nil")
	}
}
