package scheduling

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/medsched/medsched/internal/clock"
	"github.com/medsched/medsched/internal/platform/audit"
)

const sweepTimeout = 10 * time.Second

// Sweeper reclaims expired reservation holds in the background so abandoned
// bookings return to the open pool without waiting for a conflicting
// request to stumble over them. Sweeps are idempotent; running several
// sweepers against one database is safe.
type Sweeper struct {
	repo     AppointmentRepository
	clk      clock.Clock
	rec      audit.Recorder
	log      zerolog.Logger
	interval time.Duration
}

func NewSweeper(repo AppointmentRepository, clk clock.Clock, rec audit.Recorder, log zerolog.Logger, interval time.Duration) *Sweeper {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if rec == nil {
		rec = audit.NewNopRecorder()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{repo: repo, clk: clk, rec: rec, log: log, interval: interval}
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info().Dur("interval", s.interval).Msg("hold sweeper started")
	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("hold sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep releases every hold whose reservation has expired, returning how
// many were reclaimed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	now := s.clk.Now()
	released, err := s.repo.ReleaseExpired(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("hold sweep failed")
		return 0
	}
	for _, id := range released {
		s.rec.Record(ctx, audit.Event{
			Actor:      "system",
			Action:     "expire",
			EntityType: "appointment",
			EntityID:   id,
			At:         now,
		})
	}
	if len(released) > 0 {
		s.log.Info().Int("released", len(released)).Msg("expired holds released")
	}
	return len(released)
}
