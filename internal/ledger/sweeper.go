package ledger

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rescuegrid/dispatch/internal/metrics"
)

// Sweeper periodically reclaims expired, unconfirmed reservations so their
// beds return to the free pool.
type Sweeper struct {
	ledger   Ledger
	interval time.Duration
	log      zerolog.Logger
}

// NewSweeper creates a sweeper over the given ledger.
func NewSweeper(l Ledger, interval time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		ledger:   l,
		interval: interval,
		log:      log.With().Str("component", "sweeper").Logger(),
	}
}

// Run blocks, sweeping every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Msg("reservation sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("reservation sweeper stopped")
			return
		case now := <-ticker.C:
			released, err := s.ledger.SweepExpired(ctx, now)
			if err != nil {
				s.log.Error().Err(err).Msg("sweep failed")
				continue
			}
			if released > 0 {
				metrics.SweepReleasedTotal.Add(float64(released))
				s.log.Info().Int("released", released).Msg("reclaimed expired reservations")
			}
		}
	}
}
