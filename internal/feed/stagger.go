package feed

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/logger"
)

const DefaultStaggerBase = time.Second

// Starter is anything StartBatch can bring up, typically a grid engine.
type Starter interface {
	ID() string
	Init(ctx context.Context) error
}

type StaggerOptions struct {
	Base   time.Duration
	Jitter time.Duration
	Rand   func() float64 // in [0, 1)
	Sleep  func(ctx context.Context, d time.Duration) error
	Now    func() time.Time
}

type StartReport struct {
	ID        string
	StartedAt time.Time
	Err       error
}

// StartBatch starts starters one at a time, waiting Base plus a random share of
// Jitter before each one after the first. Start times therefore increase with
// the index and starter i never starts before i*Base. A failing starter is
// recorded and the batch continues; the joined failures are returned.
func StartBatch(ctx context.Context, starters []Starter, opts StaggerOptions) ([]StartReport, error) {
	if opts.Base <= 0 {
		opts.Base = DefaultStaggerBase
	}
	if opts.Jitter < 0 {
		opts.Jitter = 0
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	reports := make([]StartReport, 0, len(starters))
	var errs []error
	for i, s := range starters {
		if i > 0 {
			wait := opts.Base + time.Duration(opts.Rand()*float64(opts.Jitter))
			if err := opts.Sleep(ctx, wait); err != nil {
				errs = append(errs, fmt.Errorf("start batch interrupted before %s: %w", s.ID(), err))
				break
			}
		}
		report := StartReport{ID: s.ID(), StartedAt: opts.Now()}
		fields := logrus.Fields{"starter": s.ID(), "index": i, "total": len(starters)}
		if err := s.Init(ctx); err != nil {
			report.Err = err
			errs = append(errs, fmt.Errorf("start %s: %w", s.ID(), err))
			logger.Event("start_batch_failed").WithFields(fields).WithError(err).Warn("starter failed")
		} else {
			logger.Event("start_batch_started").WithFields(fields).Info("starter started")
		}
		reports = append(reports, report)
	}
	return reports, errors.Join(errs...)
}
