package timeline

import (
	"context"
	"fmt"
	"time"

	"github.com/ukydev/usage-integrity/internal/db"
	"github.com/ukydev/usage-integrity/internal/models"
)

// Anchor is the verified mileage fact a timeline is rebuilt from.
// A zero Anchor (Found == false) means no trusted reading exists.
type Anchor = models.AnchorFact

// ResolveAnchor returns the most recent attested reading dated at or before
// rangeStart. A vehicle without one yields Anchor{Found: false} and no error;
// only store failures are returned.
func ResolveAnchor(ctx context.Context, records db.ServiceRecordCollection, vehicleID string, rangeStart time.Time) (Anchor, error) {
	rec, err := records.LatestServiceRecord(ctx, vehicleID, rangeStart)
	if err != nil {
		return Anchor{}, fmt.Errorf("resolve anchor for %s: %w", vehicleID, err)
	}
	if rec == nil {
		return Anchor{}, nil
	}
	return Anchor{
		Found:       true,
		SourceID:    rec.ID,
		Date:        rec.ServiceDate,
		Mileage:     rec.MileageAtService,
		ServiceType: rec.ServiceType,
	}, nil
}

// LaterReadings returns the attested readings dated after rangeStart, oldest
// first. They re-anchor the walk between trips.
func LaterReadings(ctx context.Context, records db.ServiceRecordCollection, vehicleID string, rangeStart time.Time) ([]Anchor, error) {
	recs, err := records.ServiceRecordsAfter(ctx, vehicleID, rangeStart)
	if err != nil {
		return nil, fmt.Errorf("load readings for %s: %w", vehicleID, err)
	}
	out := make([]Anchor, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Anchor{
			Found:       true,
			SourceID:    rec.ID,
			Date:        rec.ServiceDate,
			Mileage:     rec.MileageAtService,
			ServiceType: rec.ServiceType,
		})
	}
	return out, nil
}
