package service

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

func NewScheduler() (gocron.Scheduler, error) {
	return gocron.NewScheduler()
}

type MaintenanceIntervals struct {
	LeaseReap time.Duration
	// Prune is how often expired artifacts and old runs are deleted.
	Prune        time.Duration
	RunRetention time.Duration
	JobTimeout   time.Duration
}

// ScheduleMaintenance registers the lease reaper and the artifact and run
// retention jobs on s.
func ScheduleMaintenance(
	s gocron.Scheduler,
	ps *PipelineService,
	iv MaintenanceIntervals,
	logger zerolog.Logger,
) error {
	logger = logger.With().Str("component", "scheduler").Logger()
	if iv.JobTimeout <= 0 {
		iv.JobTimeout = time.Minute
	}

	if _, err := s.NewJob(
		gocron.DurationJob(iv.LeaseReap),
		gocron.NewTask(func() {
			ps.ReclaimExpiredLeases()
		}),
		gocron.WithName("lease-reaper"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return err
	}

	if _, err := s.NewJob(
		gocron.DurationJob(iv.Prune),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), iv.JobTimeout)
			defer cancel()
			if _, err := ps.PruneArtifacts(ctx); err != nil {
				logger.Error().Err(err).Msg("err pruning artifacts")
			}
		}),
		gocron.WithName("artifact-prune"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return err
	}

	if iv.RunRetention <= 0 {
		return nil
	}
	_, err := s.NewJob(
		gocron.DurationJob(iv.Prune),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), iv.JobTimeout)
			defer cancel()
			n, err := ps.DeleteRunsEndedBefore(ctx, time.Now().Add(-iv.RunRetention))
			if err != nil {
				logger.Error().Err(err).Msg("err deleting old runs")
				return
			}
			if n > 0 {
				logger.Info().Int64("count", n).Msg("deleted old runs")
			}
		}),
		gocron.WithName("run-retention"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	return err
}
