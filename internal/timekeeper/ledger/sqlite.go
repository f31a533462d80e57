package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rcourtman/timekeeper/internal/timekeeper/entitlement"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the default ledger backend.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the ledger database in dir.
func NewSQLiteStore(dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	dbPath := filepath.Join(dir, "ledger.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		device_id                TEXT PRIMARY KEY,
		license_purchased        INTEGER NOT NULL DEFAULT 0,
		license_purchase_date    INTEGER,
		unlock_count             INTEGER NOT NULL DEFAULT 0,
		last_unlock_date         TEXT NOT NULL DEFAULT '',
		last_settled_payment_ref TEXT NOT NULL DEFAULT '',
		created_at               INTEGER NOT NULL,
		updated_at               INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS settlements (
		device_id    TEXT NOT NULL,
		payment_ref  TEXT NOT NULL,
		product_type TEXT NOT NULL,
		settled_at   INTEGER NOT NULL,
		PRIMARY KEY (device_id, payment_ref)
	);
	CREATE TABLE IF NOT EXISTS settlement_failures (
		id           TEXT PRIMARY KEY,
		device_id    TEXT NOT NULL DEFAULT '',
		product_type TEXT NOT NULL DEFAULT '',
		payment_ref  TEXT NOT NULL DEFAULT '',
		event_id     TEXT NOT NULL DEFAULT '',
		reason       TEXT NOT NULL DEFAULT '',
		recorded_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_settlement_failures_recorded_at ON settlement_failures(recorded_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init ledger schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Driver() string { return DriverSQLite }

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const deviceColumns = `device_id, license_purchased, license_purchase_date, unlock_count,
	last_unlock_date, last_settled_payment_ref, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) Get(ctx context.Context, deviceID string) (*entitlement.DeviceRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE device_id = ?`, deviceID)
	rec, err := scanDevice(row)
	if err != nil {
		return nil, fmt.Errorf("ledger/sqlite: get device: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) GrantLicense(ctx context.Context, deviceID, paymentRef string, now time.Time) (*entitlement.DeviceRecord, bool, error) {
	if err := validateKeys(deviceID, paymentRef); err != nil {
		return nil, false, err
	}
	ctx, cancel := detach(ctx)
	defer cancel()

	var rec *entitlement.DeviceRecord
	var applied bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		fresh, err := claimSettlement(ctx, tx, deviceID, paymentRef, entitlement.ProductLicense, now)
		if err != nil {
			return err
		}
		if fresh {
			ms := now.UTC().UnixMilli()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO devices (
					device_id, license_purchased, license_purchase_date, unlock_count,
					last_unlock_date, last_settled_payment_ref, created_at, updated_at
				) VALUES (?, 1, ?, 0, '', ?, ?, ?)
				ON CONFLICT(device_id) DO UPDATE SET
					license_purchased = 1,
					license_purchase_date = excluded.license_purchase_date,
					last_settled_payment_ref = excluded.last_settled_payment_ref,
					updated_at = excluded.updated_at`,
				deviceID, ms, paymentRef, ms, ms,
			); err != nil {
				return fmt.Errorf("upsert device: %w", err)
			}
		}
		rec, err = scanDevice(tx.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE device_id = ?`, deviceID))
		if err != nil {
			return err
		}
		applied = fresh
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("ledger/sqlite: grant license: %w", err)
	}
	return rec, applied, nil
}

func (s *SQLiteStore) IncrementUnlock(ctx context.Context, deviceID, paymentRef string, today time.Time) (*entitlement.DeviceRecord, bool, error) {
	if err := validateKeys(deviceID, paymentRef); err != nil {
		return nil, false, err
	}
	ctx, cancel := detach(ctx)
	defer cancel()

	var rec *entitlement.DeviceRecord
	var applied bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := `SELECT ` + deviceColumns + ` FROM devices WHERE device_id = ?`
		current, err := scanDevice(tx.QueryRowContext(ctx, query, deviceID))
		if err != nil {
			return err
		}
		if current == nil {
			return ErrDeviceNotFound
		}

		fresh, err := claimSettlement(ctx, tx, deviceID, paymentRef, entitlement.ProductDaypass, today)
		if err != nil {
			return err
		}
		if !fresh {
			rec = current
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE devices SET
				unlock_count = unlock_count + 1,
				last_unlock_date = ?,
				last_settled_payment_ref = ?,
				updated_at = ?
			WHERE device_id = ?`,
			unlockDate(today), paymentRef, time.Now().UTC().UnixMilli(), deviceID,
		); err != nil {
			return fmt.Errorf("increment unlock count: %w", err)
		}
		rec, err = scanDevice(tx.QueryRowContext(ctx, query, deviceID))
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if errors.Is(err, ErrDeviceNotFound) {
		return nil, false, ErrDeviceNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("ledger/sqlite: increment unlock: %w", err)
	}
	return rec, applied, nil
}

// claimSettlement records paymentRef for deviceID and reports whether it was new.
func claimSettlement(ctx context.Context, tx *sql.Tx, deviceID, paymentRef string, product entitlement.ProductType, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO settlements (device_id, payment_ref, product_type, settled_at) VALUES (?, ?, ?, ?)`,
		deviceID, paymentRef, string(product), at.UTC().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("record settlement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record settlement rows: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordFailure(ctx context.Context, f *entitlement.SettlementFailure) error {
	if f == nil {
		return fmt.Errorf("settlement failure is nil")
	}
	ctx, cancel := detach(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlement_failures (id, device_id, product_type, payment_ref, event_id, reason, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.DeviceID, string(f.ProductType), f.PaymentRef, f.EventID, f.Reason, f.RecordedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("ledger/sqlite: record failure: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListFailures(ctx context.Context, limit int) ([]*entitlement.SettlementFailure, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, product_type, payment_ref, event_id, reason, recorded_at
		FROM settlement_failures
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("ledger/sqlite: list failures: %w", err)
	}
	defer rows.Close()

	var out []*entitlement.SettlementFailure
	for rows.Next() {
		var f entitlement.SettlementFailure
		var product string
		var recordedAt int64
		if err := rows.Scan(&f.ID, &f.DeviceID, &product, &f.PaymentRef, &f.EventID, &f.Reason, &recordedAt); err != nil {
			return nil, fmt.Errorf("ledger/sqlite: scan failure: %w", err)
		}
		f.ProductType = entitlement.ProductType(product)
		f.RecordedAt = time.UnixMilli(recordedAt).UTC()
		out = append(out, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger/sqlite: list failures: %w", err)
	}
	return out, nil
}

// scanDevice returns (nil, nil) when the row does not exist.
func scanDevice(row rowScanner) (*entitlement.DeviceRecord, error) {
	var rec entitlement.DeviceRecord
	var licensed int
	var purchaseDate sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(
		&rec.DeviceID, &licensed, &purchaseDate, &rec.UnlockCount,
		&rec.LastUnlockDate, &rec.LastSettledPaymentRef, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan device: %w", err)
	}
	rec.LicensePurchased = licensed != 0
	if purchaseDate.Valid {
		t := time.UnixMilli(purchaseDate.Int64).UTC()
		rec.LicensePurchaseDate = &t
	}
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &rec, nil
}
