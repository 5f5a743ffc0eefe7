package jobs

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/okastakis/skopos/internal/database"
	"github.com/okastakis/skopos/internal/events"
	"github.com/okastakis/skopos/internal/thesis"
)

const (
	// Theses that never reached execution go stale after this long
	staleThesisAge = 7 * 24 * time.Hour

	// Below this free space the job fails loudly
	minFreeBytes = 500 * 1024 * 1024
)

// MaintenanceJob performs nightly database upkeep: integrity check,
// WAL truncation, old-event purge and stale-thesis cleanup.
type MaintenanceJob struct {
	db            *database.DB
	events        *events.Repository
	theses        *thesis.Repository
	dataDir       string
	retentionDays int
	log           zerolog.Logger
}

// NewMaintenanceJob creates the nightly maintenance job.
func NewMaintenanceJob(
	db *database.DB,
	eventsRepo *events.Repository,
	thesisRepo *thesis.Repository,
	dataDir string,
	retentionDays int,
	log zerolog.Logger,
) *MaintenanceJob {
	return &MaintenanceJob{
		db:            db,
		events:        eventsRepo,
		theses:        thesisRepo,
		dataDir:       dataDir,
		retentionDays: retentionDays,
		log:           log.With().Str("job", "maintenance").Logger(),
	}
}

// Name returns the job name for the scheduler.
func (j *MaintenanceJob) Name() string {
	return "maintenance"
}

// Run executes one maintenance pass.
func (j *MaintenanceJob) Run() error {
	j.log.Info().Msg("Starting maintenance")
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := j.db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	if err := j.db.WALCheckpoint(""); err != nil {
		// Not fatal, the checkpoint is retried tomorrow
		j.log.Warn().Err(err).Msg("WAL checkpoint failed")
	}

	if j.retentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -j.retentionDays)
		purged, err := j.events.DeleteOlderThan(cutoff)
		if err != nil {
			return fmt.Errorf("event purge failed: %w", err)
		}
		if purged > 0 {
			j.log.Info().Int64("purged", purged).Msg("Old events purged")
		}
	}

	staled, err := j.theses.InvalidateStale(time.Now().Add(-staleThesisAge))
	if err != nil {
		return fmt.Errorf("stale thesis cleanup failed: %w", err)
	}
	if staled > 0 {
		j.log.Info().Int64("invalidated", staled).Msg("Stale theses invalidated")
	}

	if err := j.checkDiskSpace(); err != nil {
		return err
	}

	if stats, err := j.db.GetStats(); err == nil {
		j.log.Info().
			Int64("db_bytes", stats.SizeBytes).
			Int64("wal_bytes", stats.WALSizeBytes).
			Dur("duration_ms", time.Since(startTime)).
			Msg("Maintenance completed")
	}

	return nil
}

// checkDiskSpace fails when free space drops below the hard floor.
func (j *MaintenanceJob) checkDiskSpace() error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(j.dataDir, &stat); err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	available := stat.Bavail * uint64(stat.Bsize)
	if available < minFreeBytes {
		return fmt.Errorf("only %.1f MB free on %s", float64(available)/1024/1024, j.dataDir)
	}

	j.log.Debug().
		Float64("available_gb", float64(available)/1e9).
		Msg("Disk space check passed")
	return nil
}
