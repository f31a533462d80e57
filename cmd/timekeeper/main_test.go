package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/timekeeper/internal/timekeeper/entitlement"
	"github.com/rcourtman/timekeeper/internal/timekeeper/ledger"
)

const deviceID = "6a1f7c3e-2b4d-4e8f-9a0b-1c2d3e4f5a6b"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// useSQLiteStore points the CLI at a fresh SQLite ledger and returns it.
func useSQLiteStore(t *testing.T) *ledger.SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TK_STORE_DRIVER", "sqlite")
	t.Setenv("TK_DATA_DIR", dir)
	t.Setenv("TK_PORT", "")
	t.Setenv("TK_TIMEZONE", "")

	store, err := ledger.NewSQLiteStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuildTime, oldGitCommit := Version, BuildTime, GitCommit
	defer func() {
		Version, BuildTime, GitCommit = oldVersion, oldBuildTime, oldGitCommit
	}()

	Version = "1.2.3"
	BuildTime = "2025-01-01"
	GitCommit = "abcdef"
	output, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, output, "Timekeeper 1.2.3")
	assert.Contains(t, output, "Built: 2025-01-01")
	assert.Contains(t, output, "Commit: abcdef")

	BuildTime = "unknown"
	GitCommit = "unknown"
	output, err = execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, output, "Timekeeper 1.2.3")
	assert.NotContains(t, output, "Built:")
	assert.NotContains(t, output, "Commit:")
}

func TestDeviceCmd(t *testing.T) {
	store := useSQLiteStore(t)
	_, _, err := store.GrantLicense(context.Background(), deviceID, "pi_1", time.Now())
	require.NoError(t, err)

	output, err := execute(t, "device", deviceID)
	require.NoError(t, err)

	var rec entitlement.DeviceRecord
	require.NoError(t, json.Unmarshal([]byte(output), &rec))
	assert.Equal(t, deviceID, rec.DeviceID)
	assert.True(t, rec.LicensePurchased)
	assert.Equal(t, "pi_1", rec.LastSettledPaymentRef)
}

func TestDeviceCmdErrors(t *testing.T) {
	useSQLiteStore(t)

	_, err := execute(t, "device", "not-a-uuid")
	assert.Error(t, err)

	_, err = execute(t, "device", deviceID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	_, err = execute(t, "device")
	assert.Error(t, err)
}

func TestFailuresCmd(t *testing.T) {
	store := useSQLiteStore(t)
	base := time.Date(2025, 8, 15, 10, 0, 0, 0, time.UTC)
	for i, ref := range []string{"pi_a", "pi_b"} {
		require.NoError(t, store.RecordFailure(context.Background(), &entitlement.SettlementFailure{
			ID:          "f" + ref,
			DeviceID:    deviceID,
			ProductType: entitlement.ProductDaypass,
			PaymentRef:  ref,
			EventID:     "evt_" + ref,
			Reason:      "device_not_found",
			RecordedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	output, err := execute(t, "failures", "--limit", "1")
	require.NoError(t, err)

	var list []entitlement.SettlementFailure
	require.NoError(t, json.Unmarshal([]byte(output), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "pi_b", list[0].PaymentRef)

	_, err = execute(t, "failures", "--limit", "0")
	assert.Error(t, err)
}

func TestServeConfigError(t *testing.T) {
	t.Setenv("TK_PORT", "not-a-port")
	_, err := execute(t, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config:")
}
