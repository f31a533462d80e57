package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/rcourtman/timekeeper/internal/timekeeper/entitlement"
)

// Collection name constants.
const (
	colDevices            = "devices"
	colSettlementFailures = "settlement_failures"
)

const defaultMongoDatabase = "timekeeper"

// MongoStore keeps one document per device. Each mutation is a single
// FindOneAndUpdate guarded by the device's settled payment refs.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore connects to uri, verifies the connection and ensures indexes.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, fmt.Errorf("ledger/mongo: uri is required")
	}
	if strings.TrimSpace(database) == "" {
		database = defaultMongoDatabase
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("ledger/mongo: connect: %w", err)
	}
	s := &MongoStore{client: client, db: client.Database(database)}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.Ping(pingCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ledger/mongo: ping: %w", err)
	}
	if err := s.Migrate(pingCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// Migrate creates the indexes the ledger queries rely on.
func (s *MongoStore) Migrate(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "recorded_at", Value: -1}}},
		{Keys: bson.D{{Key: "device_id", Value: 1}}},
	}
	if _, err := s.db.Collection(colSettlementFailures).Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("ledger/mongo: migrate %s indexes: %w", colSettlementFailures, err)
	}
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Driver() string { return DriverMongo }

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) devices() *mongo.Collection {
	return s.db.Collection(colDevices)
}

func (s *MongoStore) Get(ctx context.Context, deviceID string) (*entitlement.DeviceRecord, error) {
	m, err := s.getModel(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("ledger/mongo: get device: %w", err)
	}
	if m == nil {
		return nil, nil
	}
	return fromDeviceModel(m), nil
}

// mongoAttempts bounds retries when a concurrent writer creates the device
// between the guarded update and the follow-up read.
const mongoAttempts = 3

func (s *MongoStore) GrantLicense(ctx context.Context, deviceID, paymentRef string, now time.Time) (*entitlement.DeviceRecord, bool, error) {
	if err := validateKeys(deviceID, paymentRef); err != nil {
		return nil, false, err
	}
	ctx, cancel := detach(ctx)
	defer cancel()

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After).SetUpsert(true)
	for attempt := 0; attempt < mongoAttempts; attempt++ {
		var m deviceModel
		err := s.devices().FindOneAndUpdate(ctx, unsettledFilter(deviceID, paymentRef), grantLicenseUpdate(paymentRef, now), opts).Decode(&m)
		if err == nil {
			return fromDeviceModel(&m), true, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return nil, false, fmt.Errorf("ledger/mongo: grant license: %w", err)
		}
		// The upsert collided on _id: either paymentRef is already settled or
		// another writer created the device first.
		cur, err := s.getModel(ctx, deviceID)
		if err != nil {
			return nil, false, fmt.Errorf("ledger/mongo: grant license: %w", err)
		}
		if cur != nil && cur.hasSettled(paymentRef) {
			return fromDeviceModel(cur), false, nil
		}
	}
	return nil, false, fmt.Errorf("ledger/mongo: grant license: contention on device %s", deviceID)
}

func (s *MongoStore) IncrementUnlock(ctx context.Context, deviceID, paymentRef string, today time.Time) (*entitlement.DeviceRecord, bool, error) {
	if err := validateKeys(deviceID, paymentRef); err != nil {
		return nil, false, err
	}
	ctx, cancel := detach(ctx)
	defer cancel()

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	for attempt := 0; attempt < mongoAttempts; attempt++ {
		var m deviceModel
		err := s.devices().FindOneAndUpdate(ctx, unsettledFilter(deviceID, paymentRef), incrementUnlockUpdate(paymentRef, today, time.Now()), opts).Decode(&m)
		if err == nil {
			return fromDeviceModel(&m), true, nil
		}
		if !isNoDocuments(err) {
			return nil, false, fmt.Errorf("ledger/mongo: increment unlock: %w", err)
		}
		// Either the device is missing or paymentRef was already applied.
		cur, err := s.getModel(ctx, deviceID)
		if err != nil {
			return nil, false, fmt.Errorf("ledger/mongo: increment unlock: %w", err)
		}
		if cur == nil {
			return nil, false, ErrDeviceNotFound
		}
		if cur.hasSettled(paymentRef) {
			return fromDeviceModel(cur), false, nil
		}
	}
	return nil, false, fmt.Errorf("ledger/mongo: increment unlock: contention on device %s", deviceID)
}

func (s *MongoStore) getModel(ctx context.Context, deviceID string) (*deviceModel, error) {
	var m deviceModel
	err := s.devices().FindOne(ctx, bson.M{"_id": deviceID}).Decode(&m)
	if isNoDocuments(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *MongoStore) RecordFailure(ctx context.Context, f *entitlement.SettlementFailure) error {
	if f == nil {
		return fmt.Errorf("settlement failure is nil")
	}
	ctx, cancel := detach(ctx)
	defer cancel()

	if _, err := s.db.Collection(colSettlementFailures).InsertOne(ctx, toFailureModel(f)); err != nil {
		return fmt.Errorf("ledger/mongo: record failure: %w", err)
	}
	return nil
}

func (s *MongoStore) ListFailures(ctx context.Context, limit int) ([]*entitlement.SettlementFailure, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "recorded_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(normalizeLimit(limit)))
	cur, err := s.db.Collection(colSettlementFailures).Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("ledger/mongo: list failures: %w", err)
	}
	var models []failureModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("ledger/mongo: decode failures: %w", err)
	}
	out := make([]*entitlement.SettlementFailure, 0, len(models))
	for i := range models {
		out = append(out, fromFailureModel(&models[i]))
	}
	return out, nil
}

// unsettledFilter matches the device only while paymentRef has not been applied.
func unsettledFilter(deviceID, paymentRef string) bson.M {
	return bson.M{
		"_id":                  deviceID,
		"settled_payment_refs": bson.M{"$ne": paymentRef},
	}
}

func grantLicenseUpdate(paymentRef string, now time.Time) bson.M {
	now = now.UTC()
	return bson.M{
		"$set": bson.M{
			"license_purchased":        true,
			"license_purchase_date":    now,
			"last_settled_payment_ref": paymentRef,
			"updated_at":               now,
		},
		"$addToSet": bson.M{"settled_payment_refs": paymentRef},
		"$setOnInsert": bson.M{
			"unlock_count": int64(0),
			"created_at":   now,
		},
	}
}

func incrementUnlockUpdate(paymentRef string, today, now time.Time) bson.M {
	return bson.M{
		"$inc": bson.M{"unlock_count": int64(1)},
		"$set": bson.M{
			"last_unlock_date":         unlockDate(today),
			"last_settled_payment_ref": paymentRef,
			"updated_at":               now.UTC(),
		},
		"$addToSet": bson.M{"settled_payment_refs": paymentRef},
	}
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}
