// Package claim validates inbound purchase claims before any provider call.
package claim

import (
	"regexp"

	"github.com/google/uuid"
	tkerrors "github.com/rcourtman/timekeeper/internal/errors"
	"github.com/rcourtman/timekeeper/internal/timekeeper/entitlement"
)

// Error codes returned by the validator.
const (
	CodeMissingDeviceID            = "missing_device_id"
	CodeInvalidDeviceIDType        = "invalid_device_id_type"
	CodeInvalidDeviceIDFormat      = "invalid_device_id_format"
	CodeMissingPurchaseToken       = "missing_purchase_token"
	CodeInvalidPurchaseTokenType   = "invalid_purchase_token_type"
	CodeInvalidPurchaseTokenFormat = "invalid_purchase_token_format"
	CodeMissingProductType         = "missing_product_type"
	CodeInvalidProductType         = "invalid_product_type"
)

var sessionTokenPattern = regexp.MustCompile(`^cs_(test|live)_[a-zA-Z0-9]+$`)

// Validate checks a confirm request's device id and purchase token, in that
// order. The first failing check is returned. Values come straight from the
// decoded JSON body so absent, null and non-string fields can be told apart.
func Validate(deviceID, purchaseToken any) (entitlement.Claim, error) {
	id, err := DeviceID(deviceID)
	if err != nil {
		return entitlement.Claim{}, err
	}
	token, err := PurchaseToken(purchaseToken)
	if err != nil {
		return entitlement.Claim{}, err
	}
	return entitlement.Claim{DeviceID: id, PurchaseToken: token}, nil
}

// DeviceID validates v as a device id and returns its canonical form.
func DeviceID(v any) (string, error) {
	s, err := requireString(v,
		CodeMissingDeviceID, "device_id is required",
		CodeInvalidDeviceIDType, "device_id must be a string")
	if err != nil {
		return "", err
	}
	parsed, perr := uuid.Parse(s)
	if perr != nil {
		return "", tkerrors.Validation(CodeInvalidDeviceIDFormat, "device_id must be a UUID")
	}
	return parsed.String(), nil
}

// PurchaseToken validates v as a checkout session id.
func PurchaseToken(v any) (string, error) {
	s, err := requireString(v,
		CodeMissingPurchaseToken, "purchase_token is required",
		CodeInvalidPurchaseTokenType, "purchase_token must be a string")
	if err != nil {
		return "", err
	}
	if !sessionTokenPattern.MatchString(s) {
		return "", tkerrors.Validation(CodeInvalidPurchaseTokenFormat, "purchase_token must be a checkout session id")
	}
	return s, nil
}

// ProductType validates v as a product type name.
func ProductType(v any) (entitlement.ProductType, error) {
	s, err := requireString(v,
		CodeMissingProductType, "product_type is required",
		CodeInvalidProductType, "product_type must be a string")
	if err != nil {
		return "", err
	}
	p, ok := entitlement.ParseProductType(s)
	if !ok {
		return "", tkerrors.Validation(CodeInvalidProductType, `product_type must be "license" or "daypass"`)
	}
	return p, nil
}

// requireString treats nil and "" as missing.
func requireString(v any, missingCode, missingMsg, typeCode, typeMsg string) (string, error) {
	if v == nil {
		return "", tkerrors.Validation(missingCode, missingMsg)
	}
	s, ok := v.(string)
	if !ok {
		return "", tkerrors.Validation(typeCode, typeMsg)
	}
	if s == "" {
		return "", tkerrors.Validation(missingCode, missingMsg)
	}
	return s, nil
}
