package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rcourtman/timekeeper/internal/timekeeper/entitlement"
)

type deviceSlot struct {
	mu      sync.Mutex
	rec     *entitlement.DeviceRecord
	settled map[string]struct{}
}

// MemoryStore keeps records in process memory. Mutations for one device are
// serialized by that device's lock only.
type MemoryStore struct {
	devices sync.Map // device id -> *deviceSlot

	failMu   sync.Mutex
	failures []*entitlement.SettlementFailure
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) slot(deviceID string) *deviceSlot {
	if v, ok := s.devices.Load(deviceID); ok {
		return v.(*deviceSlot)
	}
	v, _ := s.devices.LoadOrStore(deviceID, &deviceSlot{settled: make(map[string]struct{})})
	return v.(*deviceSlot)
}

func (s *MemoryStore) Get(_ context.Context, deviceID string) (*entitlement.DeviceRecord, error) {
	v, ok := s.devices.Load(deviceID)
	if !ok {
		return nil, nil
	}
	sl := v.(*deviceSlot)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.rec.Clone(), nil
}

func (s *MemoryStore) GrantLicense(_ context.Context, deviceID, paymentRef string, now time.Time) (*entitlement.DeviceRecord, bool, error) {
	if err := validateKeys(deviceID, paymentRef); err != nil {
		return nil, false, err
	}
	sl := s.slot(deviceID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if _, seen := sl.settled[paymentRef]; seen {
		return sl.rec.Clone(), false, nil
	}
	now = now.UTC()
	if sl.rec == nil {
		sl.rec = &entitlement.DeviceRecord{DeviceID: deviceID, CreatedAt: now}
	}
	sl.rec.LicensePurchased = true
	sl.rec.LicensePurchaseDate = &now
	sl.rec.LastSettledPaymentRef = paymentRef
	sl.rec.UpdatedAt = now
	sl.settled[paymentRef] = struct{}{}
	return sl.rec.Clone(), true, nil
}

func (s *MemoryStore) IncrementUnlock(_ context.Context, deviceID, paymentRef string, today time.Time) (*entitlement.DeviceRecord, bool, error) {
	if err := validateKeys(deviceID, paymentRef); err != nil {
		return nil, false, err
	}
	v, ok := s.devices.Load(deviceID)
	if !ok {
		return nil, false, ErrDeviceNotFound
	}
	sl := v.(*deviceSlot)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.rec == nil {
		return nil, false, ErrDeviceNotFound
	}
	if _, seen := sl.settled[paymentRef]; seen {
		return sl.rec.Clone(), false, nil
	}
	sl.rec.UnlockCount++
	sl.rec.LastUnlockDate = unlockDate(today)
	sl.rec.LastSettledPaymentRef = paymentRef
	sl.rec.UpdatedAt = time.Now().UTC()
	sl.settled[paymentRef] = struct{}{}
	return sl.rec.Clone(), true, nil
}

// Seed stores rec as-is, replacing any existing record. Used by tests and
// local tooling to create daypass-eligible devices.
func (s *MemoryStore) Seed(rec *entitlement.DeviceRecord) {
	sl := s.slot(rec.DeviceID)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.rec = rec.Clone()
	if rec.LastSettledPaymentRef != "" {
		sl.settled[rec.LastSettledPaymentRef] = struct{}{}
	}
}

func (s *MemoryStore) RecordFailure(_ context.Context, f *entitlement.SettlementFailure) error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	c := *f
	s.failures = append(s.failures, &c)
	return nil
}

func (s *MemoryStore) ListFailures(_ context.Context, limit int) ([]*entitlement.SettlementFailure, error) {
	s.failMu.Lock()
	out := make([]*entitlement.SettlementFailure, 0, len(s.failures))
	for _, f := range s.failures {
		c := *f
		out = append(out, &c)
	}
	s.failMu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	if n := normalizeLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Driver() string { return DriverMemory }

func (s *MemoryStore) Close() error { return nil }
