package consult

import (
	"context"
	"time"

	"github.com/agentoven/crowdconsult/internal/store"
	"github.com/agentoven/crowdconsult/pkg/models"
	"github.com/rs/zerolog/log"
)

// reapBatchSize bounds how many stale consultations one cycle handles.
const reapBatchSize = 200

// Reaper fails consultations left PENDING by a job that died with its
// process. It skips consultations whose job is still running here.
type Reaper struct {
	store      store.Store
	orch       *Orchestrator
	staleAfter time.Duration
	interval   time.Duration
	now        func() time.Time
}

// NewReaper creates a reaper. staleAfter must exceed the job timeout so a
// live job elsewhere is never reaped.
func NewReaper(s store.Store, orch *Orchestrator, staleAfter, interval time.Duration) *Reaper {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		store:      s,
		orch:       orch,
		staleAfter: staleAfter,
		interval:   interval,
		now:        time.Now,
	}
}

// Start runs the reaper until ctx is canceled. It runs one cycle
// immediately.
func (r *Reaper) Start(ctx context.Context) {
	log.Info().
		Dur("interval", r.interval).
		Dur("stale_after", r.staleAfter).
		Msg("Consultation reaper started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Consultation reaper stopped")
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle finalizes every stale PENDING consultation as FAILED and returns
// how many it finalized.
func (r *Reaper) RunCycle(ctx context.Context) int {
	cutoff := r.now().Add(-r.staleAfter)
	stale, err := r.store.ListStalePending(ctx, cutoff, reapBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list stale consultations")
		return 0
	}

	reaped := 0
	for _, c := range stale {
		if ctx.Err() != nil {
			break
		}
		if r.orch.IsActive(c.ID) {
			continue
		}
		if r.orch.finalize(c.ID, models.ConsultationFailed, nil) {
			reaped++
		}
	}

	if reaped > 0 {
		log.Warn().Int("reaped", reaped).Time("cutoff", cutoff).Msg("🧹 Stale consultations marked FAILED")
	}
	return reaped
}
