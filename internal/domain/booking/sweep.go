package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultSweepInterval = time.Minute
	DefaultSweepBatch    = 500

	sweepLockKey = "booking:expiry-sweep"
)

// Expirer cancels one stale hold if it still qualifies.
type Expirer interface {
	ExpireHold(ctx context.Context, id uuid.UUID, cutoff time.Time) (bool, error)
}

// SweepResult summarizes one pass.
type SweepResult struct {
	Candidates int   `json:"candidates"`
	Expired    int   `json:"expired"`
	Skipped    int   `json:"skipped"`
	Failed     int   `json:"failed"`
	Purged     int64 `json:"purged"`
	// Locked is true when another replica held the sweep lease and this
	// pass did nothing.
	Locked bool `json:"locked"`
}

// Sweeper cancels PENDING online bookings that were not confirmed within
// the hold TTL, and purges past timeslots nothing refers to.
type Sweeper struct {
	settings
	expirer  Expirer
	appts    AppointmentRepository
	slots    TimeslotRepository
	interval time.Duration
	batch    int
}

func NewSweeper(expirer Expirer, appts AppointmentRepository, slots TimeslotRepository, interval time.Duration, opts ...Option) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		settings: buildSettings(opts),
		expirer:  expirer,
		appts:    appts,
		slots:    slots,
		interval: interval,
		batch:    DefaultSweepBatch,
	}
}

// Start runs a pass every interval until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Dur("hold_ttl", s.holdTTL).Msg("expiry sweep started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("expiry sweep stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("expiry sweep failed")
			}
		}
	}
}

// RunOnce performs a single pass. Each candidate is expired in its own
// transaction; one failure does not stop the others.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	release, ok, err := s.locker.Acquire(ctx, sweepLockKey, s.interval)
	if err != nil {
		return res, err
	}
	if !ok {
		res.Locked = true
		s.logger.Debug().Msg("expiry sweep lease held elsewhere")
		return res, nil
	}
	defer release()

	cutoff := s.clock.Now().Add(-s.holdTTL)
	ids, err := s.appts.ListStaleHolds(ctx, cutoff, s.batch)
	if err != nil {
		return res, err
	}
	res.Candidates = len(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		expired, err := s.expirer.ExpireHold(ctx, id, cutoff)
		switch {
		case err != nil:
			res.Failed++
			s.logger.Warn().Err(err).Str("appointment_id", id.String()).Msg("expire hold failed")
		case expired:
			res.Expired++
		default:
			res.Skipped++
		}
	}

	purged, err := s.slots.PurgeUnreferencedBefore(ctx, s.clock.Local().Date)
	if err != nil {
		s.logger.Warn().Err(err).Msg("purge past timeslots failed")
	}
	res.Purged = purged

	if res.Candidates > 0 || res.Purged > 0 {
		s.logger.Info().
			Int("candidates", res.Candidates).
			Int("expired", res.Expired).
			Int("skipped", res.Skipped).
			Int("failed", res.Failed).
			Int64("purged", res.Purged).
			Msg("expiry sweep pass")
	}
	return res, nil
}
