package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ukydev/usage-integrity/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ConnectMongo connects to MongoDB with the decimal-aware registry.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetRegistry(NewRegistry()))
	if err != nil {
		return nil, fmt.Errorf("mongo.Connect error: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	// Ping to verify connection
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo.Ping error: %w", err)
	}
	return client, nil
}

// Collection names.
const (
	TripsCollection          = "trips"
	ServiceRecordsCollection = "service_records"
	VehiclesCollection       = "vehicles"
	DeclarationsCollection   = "declarations"
	AnomaliesCollection      = "mileage_anomalies"
	PassesCollection         = "reconciliation_passes"
	LocksCollection          = "vehicle_locks"
	BookingsCollection       = "bookings"
	HostInsuranceCollection  = "host_insurance"
	PayoutsCollection        = "payouts"
	UsersCollection          = "users"
)

// NewMongoStore wires every collection of database dbName.
func NewMongoStore(client *mongo.Client, dbName string) *Store {
	database := client.Database(dbName)
	return &Store{
		Trips:          &MongoTripCollection{Collection: database.Collection(TripsCollection)},
		ServiceRecords: &MongoServiceRecordCollection{Collection: database.Collection(ServiceRecordsCollection)},
		Vehicles:       &MongoVehicleCollection{Collection: database.Collection(VehiclesCollection)},
		Declarations:   &MongoDeclarationCollection{Collection: database.Collection(DeclarationsCollection)},
		Anomalies:      &MongoAnomalyCollection{Collection: database.Collection(AnomaliesCollection)},
		Passes:         &MongoPassCollection{Collection: database.Collection(PassesCollection)},
		Locks:          &MongoLockCollection{Collection: database.Collection(LocksCollection)},
		Insurance: &MongoInsuranceCollection{
			Client:   client,
			Bookings: database.Collection(BookingsCollection),
			Hosts:    database.Collection(HostInsuranceCollection),
		},
		Payouts: &MongoPayoutCollection{Collection: database.Collection(PayoutsCollection)},
		Users:   &MongoUserCollection{Collection: database.Collection(UsersCollection)},
	}
}

// EnsureIndexes creates the indexes the query paths rely on.
func EnsureIndexes(ctx context.Context, database *mongo.Database) error {
	indexes := map[string][]mongo.IndexModel{
		TripsCollection: {
			{Keys: bson.D{{Key: "vehicle_id", Value: 1}, {Key: "start_date", Value: 1}}},
		},
		ServiceRecordsCollection: {
			{Keys: bson.D{{Key: "vehicle_id", Value: 1}, {Key: "service_date", Value: -1}}},
		},
		DeclarationsCollection: {
			{Keys: bson.D{{Key: "vehicle_id", Value: 1}, {Key: "effective_at", Value: -1}}},
		},
		AnomaliesCollection: {
			{Keys: bson.D{{Key: "vehicle_id", Value: 1}, {Key: "detected_at", Value: 1}}},
			{Keys: bson.D{{Key: "severity", Value: 1}}},
		},
		PassesCollection: {
			{Keys: bson.D{{Key: "vehicle_id", Value: 1}, {Key: "started_at", Value: -1}}},
		},
		LocksCollection: {
			{Keys: bson.D{{Key: "expires_at", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(0)},
		},
		UsersCollection: {
			{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
	}
	for name, idx := range indexes {
		if _, err := database.Collection(name).Indexes().CreateMany(ctx, idx); err != nil {
			return fmt.Errorf("create indexes on %s: %w", name, err)
		}
	}
	return nil
}

// MongoTripCollection wraps a MongoDB collection for trip operations.
type MongoTripCollection struct {
	Collection *mongo.Collection
}

// InsertTrip inserts a trip. Re-inserting identical raw values is a no-op;
// different raw values for an existing trip are rejected.
func (c *MongoTripCollection) InsertTrip(ctx context.Context, trip models.Trip) error {
	if c.Collection == nil {
		return ErrNilCollection
	}
	trip.Corrected = nil
	if trip.CreatedAt.IsZero() {
		trip.CreatedAt = time.Now().UTC()
	}
	_, err := c.Collection.InsertOne(ctx, trip)
	if err == nil {
		return nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return err
	}
	var existing models.Trip
	if err := c.Collection.FindOne(ctx, bson.M{"_id": trip.TripID}).Decode(&existing); err != nil {
		return err
	}
	if !sameRawTrip(existing, trip) {
		return ErrTripConflict
	}
	return nil
}

// FindTripsByVehicle returns a vehicle's trips ordered by start date.
func (c *MongoTripCollection) FindTripsByVehicle(ctx context.Context, vehicleID string) ([]models.Trip, error) {
	if c.Collection == nil {
		return nil, ErrNilCollection
	}
	opts := options.Find().SetSort(bson.D{{Key: "start_date", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := c.Collection.Find(ctx, bson.M{"vehicle_id": vehicleID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var trips []models.Trip
	if err := cursor.All(ctx, &trips); err != nil {
		return nil, err
	}
	return trips, nil
}

// SetCorrectedMileage writes the corrected block only.
func (c *MongoTripCollection) SetCorrectedMileage(ctx context.Context, tripID string, corrected models.CorrectedMileage) error {
	if c.Collection == nil {
		return ErrNilCollection
	}
	result, err := c.Collection.UpdateOne(ctx, bson.M{"_id": tripID}, bson.M{"$set": bson.M{"corrected": corrected}})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MongoServiceRecordCollection wraps a MongoDB collection for service records.
type MongoServiceRecordCollection struct {
	Collection *mongo.Collection
}

// InsertServiceRecord inserts a service record.
func (c *MongoServiceRecordCollection) InsertServiceRecord(ctx context.Context, rec models.ServiceRecord) error {
	if c.Collection == nil {
		return ErrNilCollection
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := c.Collection.InsertOne(ctx, rec)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

// LatestServiceRecord finds the newest record dated at or before at.
func (c *MongoServiceRecordCollection) LatestServiceRecord(ctx context.Context, vehicleID string, at time.Time) (*models.ServiceRecord, error) {
	if c.Collection == nil {
		return nil, ErrNilCollection
	}
	filter := bson.M{"vehicle_id": vehicleID, "service_date": bson.M{"$lte": at}}
	opts := options.FindOne().SetSort(bson.D{{Key: "service_date", Value: -1}, {Key: "mileage_at_service", Value: -1}})
	var rec models.ServiceRecord
	err := c.Collection.FindOne(ctx, filter, opts).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ServiceRecordsAfter lists records dated after the given time, oldest first.
func (c *MongoServiceRecordCollection) ServiceRecordsAfter(ctx context.Context, vehicleID string, after time.Time) ([]models.ServiceRecord, error) {
	if c.Collection == nil {
		return nil, ErrNilCollection
	}
	filter := bson.M{"vehicle_id": vehicleID, "service_date": bson.M{"$gt": after}}
	opts := options.Find().SetSort(bson.D{{Key: "service_date", Value: 1}, {Key: "mileage_at_service", Value: 1}})
	cursor, err := c.Collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var recs []models.ServiceRecord
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// MongoVehicleCollection wraps a MongoDB collection for vehicles.
type MongoVehicleCollection struct {
	Collection *mongo.Collection
}

// EnsureVehicle creates the vehicle on first sight.
func (c *MongoVehicleCollection) EnsureVehicle(ctx context.Context, vehicleID, hostID string) error {
	if c.Collection == nil {
		return ErrNilCollection
	}
	update := bson.M{"$setOnInsert": bson.M{"current_mileage": int64(0), "created_at": time.Now().UTC()}}
	if hostID != "" {
		update["$set"] = bson.M{"host_id": hostID}
	}
	_, err := c.Collection.UpdateOne(ctx, bson.M{"_id": vehicleID}, update, options.Update().SetUpsert(true))
	return err
}

// FindVehicleByID finds a vehicle by its ID.
func (c *MongoVehicleCollection) FindVehicleByID(ctx context.Context, id string) (*models.Vehicle, error) {
	if c.Collection == nil {
		return nil, ErrNilCollection
	}
	var vehicle models.Vehicle
	err := c.Collection.FindOne(ctx, bson.M{"_id": id}).Decode(&vehicle)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &vehicle, nil
}

// FindVehicleIDs lists every known vehicle.
func (c *MongoVehicleCollection) FindVehicleIDs(ctx context.Context) ([]string, error) {
	if c.Collection == nil {
		return nil, ErrNilCollection
	}
	values, err := c.Collection.Distinct(ctx, "_id", bson.M{})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(values))
	for _, v := range values {
		if id, ok := v.(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// UpdateCurrentMileage stores the reconciled odometer of a vehicle.
func (c *MongoVehicleCollection) UpdateCurrentMileage(ctx context.Context, id string, mileage int64, at time.Time) error {
	if c.Collection == nil {
		return ErrNilCollection
	}
	update := bson.M{"$set": bson.M{"current_mileage": mileage, "reconciled_at": at}}
	result, err := c.Collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MongoDeclarationCollection wraps a MongoDB collection for declarations.
type MongoDeclarationCollection struct {
	Collection *mongo.Collection
}

// AppendDeclaration adds a declaration to the vehicle's history.
func (c *MongoDeclarationCollection) AppendDeclaration(ctx context.Context, d models.Declaration) error {
	if c.Collection == nil {
		return ErrNilCollection
	}
	_, err := c.Collection.InsertOne(ctx, d)
	return err
}

// CurrentDeclaration returns the most recently effective declaration.
func (c *MongoDeclarationCollection) CurrentDeclaration(ctx context.Context, vehicleID string) (*models.Declaration, error) {
	if c.Collection == nil {
		return nil, ErrNilCollection
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "effective_at", Value: -1}})
	var d models.Declaration
	err := c.Collection.FindOne(ctx, bson.M{"vehicle_id": vehicleID}, opts).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// DeclarationHistory returns the vehicle's declarations by effective date.
func (c *MongoDeclarationCollection) DeclarationHistory(ctx context.Context, vehicleID string) ([]models.Declaration, error) {
	if c.Collection == nil {
		return nil, ErrNilCollection
	}
	opts := options.Find().SetSort(bson.D{{Key: "effective_at", Value: 1}})
	cursor, err := c.Collection.Find(ctx, bson.M{"vehicle_id": vehicleID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var history []models.Declaration
	if err := cursor.All(ctx, &history); err != nil {
		return nil, err
	}
	return history, nil
}
