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

// MongoInsuranceCollection stores bookings and host insurance facts.
type MongoInsuranceCollection struct {
	Client   *mongo.Client
	Bookings *mongo.Collection
	Hosts    *mongo.Collection
}

// UpsertHostInsurance replaces a host's insurance-level fact.
func (c *MongoInsuranceCollection) UpsertHostInsurance(ctx context.Context, hi models.HostInsurance) error {
	if c.Hosts == nil {
		return ErrNilCollection
	}
	hi.UpdatedAt = time.Now().UTC()
	_, err := c.Hosts.ReplaceOne(ctx, bson.M{"_id": hi.HostID}, hi, options.Replace().SetUpsert(true))
	return err
}

// UpsertBooking replaces a booking's claim facts.
func (c *MongoInsuranceCollection) UpsertBooking(ctx context.Context, b models.Booking) error {
	if c.Bookings == nil {
		return ErrNilCollection
	}
	_, err := c.Bookings.ReplaceOne(ctx, bson.M{"_id": b.ID}, b, options.Replace().SetUpsert(true))
	return err
}

// ClaimFacts reads the booking and host insurance inside a snapshot
// session so both reads observe the same point in time. Snapshot reads
// need a replica set or sharded cluster.
func (c *MongoInsuranceCollection) ClaimFacts(ctx context.Context, bookingID string) (*models.ClaimFacts, error) {
	if c.Client == nil || c.Bookings == nil || c.Hosts == nil {
		return nil, ErrNilCollection
	}
	var facts models.ClaimFacts
	opts := options.Session().SetSnapshot(true)
	err := c.Client.UseSessionWithOptions(ctx, opts, func(sc mongo.SessionContext) error {
		err := c.Bookings.FindOne(sc, bson.M{"_id": bookingID}).Decode(&facts.Booking)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var host models.HostInsurance
		err = c.Hosts.FindOne(sc, bson.M{"_id": facts.Booking.HostID}).Decode(&host)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil
		}
		if err != nil {
			return err
		}
		facts.HostInsurance = &host
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &facts, nil
}

// MongoPayoutCollection stores immutable payout records.
type MongoPayoutCollection struct {
	Collection *mongo.Collection
}

// InsertPayout records a payout once; the claim ID is the primary key.
func (c *MongoPayoutCollection) InsertPayout(ctx context.Context, p models.Payout) error {
	if c.Collection == nil {
		return ErrNilCollection
	}
	_, err := c.Collection.InsertOne(ctx, p)
	if mongo.IsDuplicateKeyError(err) {
		return ErrPayoutExists
	}
	return err
}

// FindPayout finds the payout of a claim.
func (c *MongoPayoutCollection) FindPayout(ctx context.Context, claimID string) (*models.Payout, error) {
	if c.Collection == nil {
		return nil, ErrNilCollection
	}
	var p models.Payout
	err := c.Collection.FindOne(ctx, bson.M{"_id": claimID}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
