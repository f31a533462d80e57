// Package ledger owns the per-device entitlement records. Every mutation is a
// single atomic operation per device: a SQLite transaction, a single-document
// MongoDB update, or a per-device lock in memory.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/timekeeper/internal/timekeeper/entitlement"
)

// Driver names accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
	DriverMemory = "memory"
)

// writeTimeout bounds a mutation once it has been detached from the caller.
const writeTimeout = 15 * time.Second

// ErrDeviceNotFound is returned by IncrementUnlock when the device has no record.
var ErrDeviceNotFound = errors.New("ledger: device not found")

// Store is the Device Ledger.
//
// GrantLicense and IncrementUnlock report applied=false when paymentRef was
// already settled for the device; the stored record is then returned unchanged.
type Store interface {
	Get(ctx context.Context, deviceID string) (*entitlement.DeviceRecord, error)
	GrantLicense(ctx context.Context, deviceID, paymentRef string, now time.Time) (rec *entitlement.DeviceRecord, applied bool, err error)
	IncrementUnlock(ctx context.Context, deviceID, paymentRef string, today time.Time) (rec *entitlement.DeviceRecord, applied bool, err error)

	RecordFailure(ctx context.Context, f *entitlement.SettlementFailure) error
	ListFailures(ctx context.Context, limit int) ([]*entitlement.SettlementFailure, error)

	Ping(ctx context.Context) error
	Driver() string
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver        string
	DataDir       string
	MongoURI      string
	MongoDatabase string
}

// Open returns the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverSQLite, "":
		s, err := NewSQLiteStore(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverMongo:
		s, err := NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("ledger: unknown driver %q", cfg.Driver)
	}
}

// detach returns a context that ignores the caller's cancellation so an
// in-flight mutation either commits or rolls back on its own terms.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}

func unlockDate(today time.Time) string {
	return today.Format(entitlement.DateLayout)
}

func validateKeys(deviceID, paymentRef string) error {
	if strings.TrimSpace(deviceID) == "" {
		return fmt.Errorf("ledger: device id is required")
	}
	if strings.TrimSpace(paymentRef) == "" {
		return fmt.Errorf("ledger: payment ref is required")
	}
	return nil
}

const defaultFailureLimit = 50

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultFailureLimit
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
