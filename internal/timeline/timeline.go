// Package timeline rebuilds a monotonic odometer history for one vehicle
// from a trust anchor and its trips.
package timeline

import (
	"math"
	"sort"
	"time"

	"github.com/ukydev/usage-integrity/internal/models"
)

// Rates are the usage-rate constants used to fill in missing readings.
type Rates struct {
	IdleRateMPD    float64 // host driving per idle day between rentals
	TripRateMPD    float64 // rental driving per trip day
	ToleranceMiles int64   // how far below the estimate a recorded start may fall
}

// DefaultRates returns the illustrative fleet defaults.
func DefaultRates() Rates {
	return Rates{IdleRateMPD: 25, TripRateMPD: 150, ToleranceMiles: 50}
}

// TripTimeline is the reconstructed view of one trip.
type TripTimeline struct {
	Trip models.Trip

	// PrevEnd is the corrected mileage the vehicle had before this trip:
	// the anchor or baseline for the first trip, else the previous corrected end.
	PrevEnd int64
	// PrevGrounded is true when PrevEnd rests on a verified reading: the
	// anchor itself, or a previous trip that needed no estimation.
	PrevGrounded bool

	IdleDays     int64
	IdleEstimate int64 // IdleDays × idle rate, rounded
	FloorStart   int64 // PrevEnd + IdleEstimate

	CorrectedStart     int64
	CorrectedEnd       int64
	StartSource        models.StartSource
	HadBackwardAnomaly bool
	IsEstimated        bool

	TripDays          int64
	TripMiles         int64
	TripMilesRecorded bool
}

// IdleGap is the distance driven between the previous trip and this one.
func (t TripTimeline) IdleGap() int64 {
	return t.CorrectedStart - t.PrevEnd
}

// GapObserved reports whether IdleGap is measured between two verified
// readings. Gaps that rest on an estimate say nothing about host usage.
func (t TripTimeline) GapObserved() bool {
	return t.StartSource == models.StartFromRecorded && t.PrevGrounded
}

// Result is the output of a reconstruction.
type Result struct {
	Trips          []TripTimeline
	CurrentMileage int64
}

// Reconstruct walks trips in start order from the anchor and returns corrected
// start and end mileages that never decrease. It is a pure function: the same
// input always produces the same output.
//
// Without an anchor the first trip's recorded start, or zero, is used as the
// baseline on that trip's start date, and trips are flagged estimated until
// an attested reading is reached.
//
// readings are attested facts dated after the anchor, oldest first. Each one
// is applied before the first trip starting on or after its date: the running
// mileage is raised to the reading and idle days count from the service date.
func Reconstruct(anchor Anchor, trips []models.Trip, rates Rates, readings ...Anchor) Result {
	ordered := make([]models.Trip, len(trips))
	copy(ordered, trips)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].StartDate.Equal(ordered[j].StartDate) {
			return ordered[i].TripID < ordered[j].TripID
		}
		return ordered[i].StartDate.Before(ordered[j].StartDate)
	})

	current, lastEvent := anchor.Mileage, anchor.Date
	if !anchor.Found {
		current = 0
		if len(ordered) > 0 {
			lastEvent = ordered[0].StartDate
			if rs := ordered[0].RecordedStartMileage; rs != nil && *rs > 0 {
				current = *rs
			}
		}
	}
	grounded := anchor.Found
	anchored := anchor.Found

	next := 0
	out := make([]TripTimeline, 0, len(ordered))
	for _, trip := range ordered {
		for ; next < len(readings) && !readings[next].Date.After(trip.StartDate); next++ {
			r := readings[next]
			if r.Mileage >= current {
				current = r.Mileage
				grounded = true
			}
			if r.Date.After(lastEvent) {
				lastEvent = r.Date
			}
			anchored = true
		}

		tl := TripTimeline{
			Trip:         trip,
			PrevEnd:      current,
			PrevGrounded: grounded,
			IdleDays:     max(0, Days(lastEvent, trip.StartDate)),
		}
		tl.IdleEstimate = roundMiles(float64(tl.IdleDays) * rates.IdleRateMPD)
		tl.FloorStart = current + tl.IdleEstimate

		rs, re := trip.RecordedStartMileage, trip.RecordedEndMileage
		if rs != nil && *rs >= tl.FloorStart-rates.ToleranceMiles && *rs >= current {
			tl.CorrectedStart = *rs
			tl.StartSource = models.StartFromRecorded
		} else {
			tl.CorrectedStart = tl.FloorStart
			tl.StartSource = models.StartFromEstimate
			tl.HadBackwardAnomaly = rs != nil && *rs < tl.FloorStart
		}

		tl.TripDays = max(1, Days(trip.StartDate, trip.EndDate))
		if rs != nil && re != nil && *re >= *rs {
			tl.TripMiles = *re - *rs
			tl.TripMilesRecorded = true
		} else {
			tl.TripMiles = roundMiles(float64(tl.TripDays) * rates.TripRateMPD)
		}
		tl.CorrectedEnd = tl.CorrectedStart + tl.TripMiles

		tl.IsEstimated = !anchored ||
			tl.StartSource == models.StartFromEstimate ||
			!tl.TripMilesRecorded

		out = append(out, tl)
		current = tl.CorrectedEnd
		lastEvent = trip.EndDate
		grounded = !tl.IsEstimated
	}
	for _, r := range readings[next:] {
		current = max(current, r.Mileage)
	}

	return Result{Trips: out, CurrentMileage: current}
}

// Days counts whole calendar days between the UTC dates of from and to.
// The result is negative when to falls before from.
func Days(from, to time.Time) int64 {
	f := utcDate(from)
	t := utcDate(to)
	return int64(t.Sub(f).Hours() / 24)
}

func utcDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func roundMiles(v float64) int64 {
	if v <= 0 {
		return 0
	}
	return int64(math.Round(v))
}
