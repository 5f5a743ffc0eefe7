package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/okastakis/skopos/internal/reliability"
)

// BackupJob snapshots the database and ships it offsite.
type BackupJob struct {
	backups *reliability.BackupService
	log     zerolog.Logger
}

// NewBackupJob creates the scheduled backup job.
func NewBackupJob(backups *reliability.BackupService, log zerolog.Logger) *BackupJob {
	return &BackupJob{
		backups: backups,
		log:     log.With().Str("job", "backup").Logger(),
	}
}

// Name returns the job name for the scheduler.
func (j *BackupJob) Name() string {
	return "backup"
}

// Run creates a verified snapshot, uploads it and rotates old archives.
func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := j.backups.CreateAndUploadBackup(ctx); err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}

	if err := j.backups.RotateOldBackups(ctx); err != nil {
		// Rotation failure keeps extra archives around, never lose a backup over it
		j.log.Warn().Err(err).Msg("Backup rotation failed")
	}

	return nil
}
