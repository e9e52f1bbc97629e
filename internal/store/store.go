// Package store persists projects, runs and job instances behind gorm.
package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/kestrel-ci/kestrel/internal/logging"
)

var storeLogger = logging.C("store")

// ErrNotFound hides the gorm sentinel from callers.
var ErrNotFound = errors.New("not found")

type Store struct {
	db *gorm.DB
}

// Open connects and migrates. Supported drivers: mysql, sqlite.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if err := db.AutoMigrate(&Project{}, &Run{}, &JobRun{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	storeLogger.WithField("driver", driver).Info("database connected and migrated")
	return &Store{db: db}, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// Ping checks the underlying connection for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	return s.db.WithContext(ctx).Create(p).Error
}

func (s *Store) GetProject(ctx context.Context, name string) (*Project, error) {
	var p Project
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// FindProjectByRepo resolves a webhook delivery's repository to a
// registered project.
func (s *Store) FindProjectByRepo(ctx context.Context, owner, repo string) (*Project, error) {
	var p Project
	if err := s.db.WithContext(ctx).Where("owner = ? AND repo = ?", owner, repo).First(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	var projects []*Project
	if err := s.db.WithContext(ctx).Order("name").Find(&projects).Error; err != nil {
		return nil, err
	}
	return projects, nil
}

func (s *Store) DeleteProject(ctx context.Context, name string) error {
	res := s.db.WithContext(ctx).Where("name = ?", name).Delete(&Project{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateRunWithJobs persists a run and all of its job instances in one
// transaction so a planned run is never visible half-written.
func (s *Store) CreateRunWithJobs(ctx context.Context, r *Run, jobs []*JobRun) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(r).Error; err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}
		return tx.Create(jobs).Error
	})
}

func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	var r Run
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (s *Store) GetRunJobs(ctx context.Context, runID string) ([]*JobRun, error) {
	var jobs []*JobRun
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("job_id, instance_name").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]*Run, error) {
	q := s.db.WithContext(ctx).Model(&Run{})
	if f.Project != "" {
		q = q.Where("project_name = ?", f.Project)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Group != "" {
		q = q.Where("`group` = ?", f.Group)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	var runs []*Run
	if err := q.Order("queued_at desc, id desc").Limit(limit).Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// RunsQueuedInGroup returns the group's queued runs oldest first, the order
// they get promoted in. The ULID id breaks queued_at ties.
func (s *Store) RunsQueuedInGroup(ctx context.Context, group string) ([]*Run, error) {
	var runs []*Run
	err := s.db.WithContext(ctx).
		Where("`group` = ? AND status = ?", group, "queued").
		Order("queued_at asc, id asc").
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// UpdateRunStatus applies a guarded transition and reports whether the
// guard matched. A false return means the run already moved on.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, u RunUpdate) (bool, error) {
	updates := map[string]any{"status": u.To}
	if u.CancelReason != "" {
		updates["cancel_reason"] = u.CancelReason
	}
	if u.StartedAt != nil {
		updates["started_at"] = u.StartedAt
	}
	if u.FinishedAt != nil {
		updates["finished_at"] = u.FinishedAt
	}
	res := s.db.WithContext(ctx).Model(&Run{}).
		Where("id = ? AND status IN ?", id, u.From).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) UpdateJobRunStatus(ctx context.Context, id string, u JobRunUpdate) (bool, error) {
	updates := map[string]any{"status": u.To}
	if u.Message != "" {
		updates["message"] = u.Message
	}
	if u.ArtifactPath != "" {
		updates["artifact_path"] = u.ArtifactPath
	}
	if u.DispatchedAt != nil {
		updates["dispatched_at"] = u.DispatchedAt
	}
	if u.FinishedAt != nil {
		updates["finished_at"] = u.FinishedAt
	}
	res := s.db.WithContext(ctx).Model(&JobRun{}).
		Where("id = ? AND status IN ?", id, u.From).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// OutstandingJobRuns lists every dispatched instance across all runs.
func (s *Store) OutstandingJobRuns(ctx context.Context) ([]*JobRun, error) {
	var jobs []*JobRun
	err := s.db.WithContext(ctx).
		Where("status = ?", "dispatched").
		Order("dispatched_at asc").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *Store) CountJobRunsByStatus(ctx context.Context, runID string) (map[string]int64, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&JobRun{}).
		Select("status, count(*) as n").
		Where("run_id = ?", runID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}
