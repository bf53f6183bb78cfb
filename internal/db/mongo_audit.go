package db

import (
	"context"
	"errors"
	"time"

	"github.com/ukydev/usage-integrity/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoAnomalyCollection is the append-only anomaly log in MongoDB.
// MarkResolved is its only mutation.
type MongoAnomalyCollection struct {
	Collection *mongo.Collection
}

// InsertAnomalies appends anomaly records.
func (c *MongoAnomalyCollection) InsertAnomalies(ctx context.Context, anomalies []models.MileageAnomaly) error {
	if c.Collection == nil {
		return ErrNilCollection
	}
	if len(anomalies) == 0 {
		return nil
	}
	docs := make([]interface{}, len(anomalies))
	for i, a := range anomalies {
		docs[i] = a
	}
	_, err := c.Collection.InsertMany(ctx, docs)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

func anomalyQuery(f models.AnomalyFilter) bson.M {
	q := bson.M{}
	if f.VehicleID != "" {
		q["vehicle_id"] = f.VehicleID
	}
	detected := bson.M{}
	if !f.From.IsZero() {
		detected["$gte"] = f.From
	}
	if !f.To.IsZero() {
		detected["$lte"] = f.To
	}
	if len(detected) > 0 {
		q["detected_at"] = detected
	}
	if f.Severity != "" {
		q["severity"] = f.Severity
	}
	if f.Resolved != nil {
		q["resolved"] = *f.Resolved
	}
	return q
}

// FindAnomalies queries anomalies ordered by detection time.
func (c *MongoAnomalyCollection) FindAnomalies(ctx context.Context, filter models.AnomalyFilter) ([]models.MileageAnomaly, error) {
	if c.Collection == nil {
		return nil, ErrNilCollection
	}
	opts := options.Find().SetSort(bson.D{{Key: "detected_at", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := c.Collection.Find(ctx, anomalyQuery(filter), opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var out []models.MileageAnomaly
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FindAnomalyByID finds an anomaly by its ID.
func (c *MongoAnomalyCollection) FindAnomalyByID(ctx context.Context, id string) (*models.MileageAnomaly, error) {
	if c.Collection == nil {
		return nil, ErrNilCollection
	}
	var a models.MileageAnomaly
	err := c.Collection.FindOne(ctx, bson.M{"_id": id}).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// MarkResolved flips resolved on an unresolved anomaly.
func (c *MongoAnomalyCollection) MarkResolved(ctx context.Context, id, resolvedBy string, at time.Time) error {
	if c.Collection == nil {
		return ErrNilCollection
	}
	update := bson.M{"$set": bson.M{"resolved": true, "resolved_by": resolvedBy, "resolved_at": at}}
	result, err := c.Collection.UpdateOne(ctx, bson.M{"_id": id, "resolved": false}, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		if _, err := c.FindAnomalyByID(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyResolved
	}
	return nil
}

// MongoPassCollection is the append-only reconciliation pass log.
type MongoPassCollection struct {
	Collection *mongo.Collection
}

// InsertPass appends a pass record.
func (c *MongoPassCollection) InsertPass(ctx context.Context, pass models.ReconciliationPass) error {
	if c.Collection == nil {
		return ErrNilCollection
	}
	_, err := c.Collection.InsertOne(ctx, pass)
	return err
}

// LatestPass returns the most recent pass of a vehicle, or nil.
func (c *MongoPassCollection) LatestPass(ctx context.Context, vehicleID string) (*models.ReconciliationPass, error) {
	if c.Collection == nil {
		return nil, ErrNilCollection
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "started_at", Value: -1}})
	var p models.ReconciliationPass
	err := c.Collection.FindOne(ctx, bson.M{"vehicle_id": vehicleID}, opts).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// MongoLockCollection implements advisory locks as documents keyed by the
// lock name. Expired locks are taken over, and removed by a TTL index.
type MongoLockCollection struct {
	Collection *mongo.Collection
}

// TryLock acquires key for owner unless an unexpired lock exists.
func (c *MongoLockCollection) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if c.Collection == nil {
		return false, ErrNilCollection
	}
	now := time.Now().UTC()
	filter := bson.M{"_id": key, "expires_at": bson.M{"$lte": now}}
	update := bson.M{"$set": bson.M{"owner": owner, "acquired_at": now, "expires_at": now.Add(ttl)}}
	_, err := c.Collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// The upsert collided with a live lock held by someone else.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Unlock releases key if owner still holds it.
func (c *MongoLockCollection) Unlock(ctx context.Context, key, owner string) error {
	if c.Collection == nil {
		return ErrNilCollection
	}
	_, err := c.Collection.DeleteOne(ctx, bson.M{"_id": key, "owner": owner})
	return err
}
