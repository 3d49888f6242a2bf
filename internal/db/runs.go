package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/kbsync/internal/models"
)

// ErrRunNotFound is returned when no run matches the id.
var ErrRunNotFound = errors.New("run not found")

// CreateRun records the start of an orchestrator run.
func (r *Repository) CreateRun(ctx context.Context, trigger string) (*models.SyncRun, error) {
	if trigger == "" {
		trigger = "manual"
	}
	run := &models.SyncRun{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		Status:    models.RunStatusRunning,
		StartedAt: time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("db: create run: %w", err)
	}
	return run, nil
}

// CompleteRun stores the final bot tallies of a run.
func (r *Repository) CompleteRun(ctx context.Context, runID string, total, succeeded, failed int) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.SyncRun{}).Where("id = ?", runID).Updates(map[string]interface{}{
		"status":         models.RunStatusCompleted,
		"bots_total":     total,
		"bots_succeeded": succeeded,
		"bots_failed":    failed,
		"completed_at":   &now,
	})
	if result.Error != nil {
		return fmt.Errorf("db: complete run %s: %w", runID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("db: complete run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

// UpdateSharedStatus writes the status record of the shared pass of a run.
func (r *Repository) UpdateSharedStatus(ctx context.Context, runID string, status models.SyncStatus, reason, lastExecID string) error {
	result := r.db.WithContext(ctx).Model(&models.SyncRun{}).Where("id = ?", runID).Updates(map[string]interface{}{
		"shared_status": string(status),
		"shared_reason": reason,
		"last_exec_id":  lastExecID,
	})
	if result.Error != nil {
		return fmt.Errorf("db: update shared status of run %s: %w", runID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("db: update shared status of run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

// FindRun loads one run.
func (r *Repository) FindRun(ctx context.Context, runID string) (*models.SyncRun, error) {
	var run models.SyncRun
	result := r.db.WithContext(ctx).Where("id = ?", runID).Limit(1).Find(&run)
	if result.Error != nil {
		return nil, fmt.Errorf("db: find run %s: %w", runID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("db: find run %s: %w", runID, ErrRunNotFound)
	}
	return &run, nil
}

// ListRuns returns the most recent runs first.
func (r *Repository) ListRuns(ctx context.Context, limit int) ([]models.SyncRun, error) {
	var runs []models.SyncRun
	q := r.db.WithContext(ctx).Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("db: list runs: %w", err)
	}
	return runs, nil
}

// LatestRun returns the most recent run, or ErrRunNotFound.
func (r *Repository) LatestRun(ctx context.Context) (*models.SyncRun, error) {
	runs, err := r.ListRuns(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("db: latest run: %w", ErrRunNotFound)
	}
	return &runs[0], nil
}
