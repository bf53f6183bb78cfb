package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SweepReport counts what a sweep did.
type SweepReport struct {
	Vehicles   int `json:"vehicles"`
	Reconciled int `json:"reconciled"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// Sweep reconciles every known vehicle, several at a time. Busy vehicles are
// skipped and failures are logged; neither stops the sweep.
func (e *Engine) Sweep(ctx context.Context) (SweepReport, error) {
	ids, err := e.store.Vehicles.FindVehicleIDs(ctx)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list vehicles: %w", err)
	}

	var reconciled, skipped, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(e.opts.SweepConcurrency)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			_, err := e.ReconcileVehicle(ctx, id)
			switch {
			case err == nil:
				reconciled.Add(1)
			case errors.Is(err, ErrVehicleBusy):
				skipped.Add(1)
				e.log.WithField("vehicle_id", id).Debug("Vehicle busy, skipped")
			default:
				failed.Add(1)
				e.log.WithError(err).WithField("vehicle_id", id).Error("Vehicle reconciliation failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	report := SweepReport{
		Vehicles:   len(ids),
		Reconciled: int(reconciled.Load()),
		Skipped:    int(skipped.Load()),
		Failed:     int(failed.Load()),
	}
	e.log.WithFields(log.Fields{
		"vehicles":   report.Vehicles,
		"reconciled": report.Reconciled,
		"skipped":    report.Skipped,
		"failed":     report.Failed,
	}).Info("Sweep finished")
	return report, ctx.Err()
}

// Scheduler runs Sweep on a fixed interval.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	log      log.FieldLogger

	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewScheduler creates a scheduler. A non-positive interval disables it.
func NewScheduler(engine *Engine, interval time.Duration) *Scheduler {
	return &Scheduler{engine: engine, interval: interval, log: engine.log}
}

// Start launches the sweep loop. The first sweep runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.interval <= 0 {
		s.log.Info("Sweep scheduler disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.ticker = time.NewTicker(s.interval)
	s.wg.Add(1)
	go s.run(ctx, s.ticker.C)

	s.log.WithField("interval", s.interval.String()).Info("Sweep scheduler started")
}

// Stop halts the loop and waits for a running sweep to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.cancel()
	s.wg.Wait()
	s.ticker = nil
	s.log.Info("Sweep scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, tick <-chan time.Time) {
	defer s.wg.Done()

	s.sweep(ctx)
	for {
		select {
		case <-tick:
			s.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	if _, err := s.engine.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.WithError(err).Error("Scheduled sweep failed")
	}
}
