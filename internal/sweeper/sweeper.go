package sweeper

import (
	"context"
	"errors"
	"log"
	"time"

	"escrowflow/internal/engine"
	"escrowflow/internal/models"
	"escrowflow/internal/services"

	"golang.org/x/sync/errgroup"
)

// DefaultInterval is how often a sweep runs when the config does not say
// otherwise. The sweep is not critical-path and tolerates drift.
const DefaultInterval = 5 * time.Minute

// Lister is the subset of the store the sweeper scans.
type Lister interface {
	ListDeadlineExpired(ctx context.Context, now time.Time, limit int) ([]models.Escrow, error)
	ListAcceptanceElapsed(ctx context.Context, now time.Time, limit int) ([]models.Escrow, error)
}

// Backend is the subset of the operation vocabulary the sweeper invokes, with
// the system actor.
type Backend interface {
	ReclaimExpired(ctx context.Context, id, actor string) (*services.Result, error)
	ClaimByTimeout(ctx context.Context, id, actor string) (*services.Result, error)
}

// Sweeper forces the two automatic timeout transitions on a fixed interval:
// refunds for escrows whose delivery deadline passed, and seller claims for
// delivered escrows whose acceptance window lapsed undisputed. It goes
// through the same operations a caller would, so the store's per-id
// serialization protects it from racing user requests or an overlapping run.
type Sweeper struct {
	Store     Lister
	Backend   Backend
	Interval  time.Duration
	BatchSize int
	Workers   int
	Now       func() time.Time
}

func (s *Sweeper) interval() time.Duration {
	if s.Interval <= 0 {
		return DefaultInterval
	}
	return s.Interval
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	for {
		if err := s.SweepOnce(ctx); err != nil {
			log.Printf("sweep error: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce performs one pass over both timeout classes. A failure on an
// individual escrow is logged and left for the next cycle; only a failure to
// list candidates aborts the pass.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	now := s.now()

	expired, err := s.Store.ListDeadlineExpired(ctx, now, s.BatchSize)
	if err != nil {
		return err
	}
	s.applyBatch(ctx, expired, "reclaim", s.Backend.ReclaimExpired)

	elapsed, err := s.Store.ListAcceptanceElapsed(ctx, now, s.BatchSize)
	if err != nil {
		return err
	}
	s.applyBatch(ctx, elapsed, "claim", s.Backend.ClaimByTimeout)

	return nil
}

func (s *Sweeper) applyBatch(ctx context.Context, batch []models.Escrow, verb string, op func(context.Context, string, string) (*services.Result, error)) {
	if len(batch) == 0 {
		return
	}

	workers := s.Workers
	if workers <= 0 {
		workers = 4
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, esc := range batch {
		id := esc.ID
		g.Go(func() error {
			res, err := op(ctx, id, engine.ActorSystem)
			switch {
			case err == nil:
				log.Printf("sweep: %s escrow %s -> %s", verb, id, res.Escrow.Status)
			case errors.Is(err, engine.ErrInvalidState),
				errors.Is(err, engine.ErrDeadlineNotReached),
				errors.Is(err, engine.ErrWindowNotExpired):
				// Lost the race to a user-triggered transition; nothing to do.
			default:
				log.Printf("sweep: %s escrow %s failed, retrying next cycle: %v", verb, id, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
