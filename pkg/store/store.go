package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Store provides persistence for runs, runners and results. Every
// method commits atomically on its own; Transaction groups several.
type Store interface {
	// Migrate creates or updates the schema.
	Migrate(ctx context.Context) error

	// Transaction runs fn against a store bound to a single database
	// transaction. fn must only use the store it is given.
	Transaction(ctx context.Context, fn func(tx Store) error) error

	// Assignment CRUD.
	UpsertAssignment(ctx context.Context, a *Assignment) error
	GetAssignment(ctx context.Context, id string) (*Assignment, error)

	// Run CRUD.
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context) ([]Run, error)
	UpdateRun(ctx context.Context, id string, fn func(run *Run) error) (*Run, error)
	ListOverdueBatchRuns(ctx context.Context, now time.Time) ([]Run, error)
	SwapRunnersRequested(ctx context.Context, id, jobID string, from, to int) (bool, error)

	// Runner CRUD.
	CreateRunner(ctx context.Context, runner *Runner) error
	GetRunner(ctx context.Context, id string) (*Runner, error)
	ListRunners(ctx context.Context, runID string) ([]Runner, error)
	TouchRunner(ctx context.Context, id string, t time.Time) error
	DetachRunner(ctx context.Context, id string) error
	BeginCleanup(
		ctx context.Context,
		id string,
		from CleanupState,
		attempts int,
		now time.Time,
	) (bool, error)
	FinishCleanup(ctx context.Context, id string) error
	DeleteRunner(ctx context.Context, id string) error

	// Result CRUD.
	CreateResult(ctx context.Context, result *Result) error
	GetResult(ctx context.Context, id string) (*Result, error)
	ListResults(ctx context.Context, runID string) ([]Result, error)
	UpdateResult(ctx context.Context, id string, fn func(result *Result) error) (*Result, error)
	ClearUnfinishedResults(ctx context.Context, runID string) (int64, error)
	CountPendingResults(ctx context.Context, runID string) (int64, error)
	CountResultsByState(ctx context.Context, runID string) (map[ResultState]int64, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	db  *gorm.DB
}

// NewStore creates a new Store on top of an open database handle.
func NewStore(log logrus.FieldLogger, db *gorm.DB) Store {
	return &store{
		log: log.WithField("component", "store"),
		db:  db,
	}
}

// Migrate runs the schema migrations for all entities.
func (s *store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(
		&Assignment{},
		&Run{},
		&Runner{},
		&Result{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}

func (s *store) Transaction(
	ctx context.Context, fn func(tx Store) error,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&store{log: s.log, db: tx})
	})
}

// notFound maps gorm's missing-record error onto ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}

	return err
}

// --- Assignment CRUD ---

func (s *store) UpsertAssignment(ctx context.Context, a *Assignment) error {
	result := s.db.WithContext(ctx).
		Where("id = ?", a.ID).
		Assign(Assignment{Name: a.Name, Deadline: a.Deadline}).
		FirstOrCreate(a)
	if result.Error != nil {
		return fmt.Errorf("upserting assignment: %w", result.Error)
	}

	return nil
}

func (s *store) GetAssignment(
	ctx context.Context, id string,
) (*Assignment, error) {
	var a Assignment
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&a).Error; err != nil {
		return nil, fmt.Errorf("getting assignment %s: %w", id, notFound(err))
	}

	return &a, nil
}

// --- Run CRUD ---

func (s *store) CreateRun(ctx context.Context, run *Run) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	return nil
}

func (s *store) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&run).Error; err != nil {
		return nil, fmt.Errorf("getting run %s: %w", id, notFound(err))
	}

	return &run, nil
}

func (s *store) ListRuns(ctx context.Context) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Order("created_at ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

// UpdateRun re-reads the run, applies fn and saves it inside a single
// transaction. If fn returns an error nothing is written.
func (s *store) UpdateRun(
	ctx context.Context, id string, fn func(run *Run) error,
) (*Run, error) {
	var run Run

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&run).Error; err != nil {
			return notFound(err)
		}

		if err := fn(&run); err != nil {
			return err
		}

		return tx.Save(&run).Error
	})
	if err != nil {
		return nil, fmt.Errorf("updating run %s: %w", id, err)
	}

	return &run, nil
}

// ListOverdueBatchRuns returns runs whose assignment deadline has
// passed, whose suite hides steps until that deadline, and which have
// not been swept yet.
func (s *store) ListOverdueBatchRuns(
	ctx context.Context, now time.Time,
) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Joins("JOIN assignments ON assignments.id = runs.assignment_id").
		Where("assignments.deadline IS NOT NULL").
		Where("assignments.deadline < ?", now).
		Where("runs.has_hidden_steps = ?", true).
		Where("runs.batch_run_done = ?", false).
		Order("runs.created_at ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing overdue batch runs: %w", err)
	}

	return runs, nil
}

// SwapRunnersRequested sets the run's requested runner count to to, but
// only while the run still carries jobID and requests from runners. It
// reports whether this caller won the transition.
func (s *store) SwapRunnersRequested(
	ctx context.Context, id, jobID string, from, to int,
) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ? AND job_id = ? AND runners_requested = ?", id, jobID, from).
		Update("runners_requested", to)
	if result.Error != nil {
		return false, fmt.Errorf("updating requested runners: %w", result.Error)
	}

	return result.RowsAffected == 1, nil
}

// --- Runner CRUD ---

func (s *store) CreateRunner(ctx context.Context, runner *Runner) error {
	if runner.CleanupState == "" {
		runner.CleanupState = CleanupNotCalled
	}

	if err := s.db.WithContext(ctx).Create(runner).Error; err != nil {
		return fmt.Errorf("creating runner: %w", err)
	}

	return nil
}

func (s *store) GetRunner(ctx context.Context, id string) (*Runner, error) {
	var runner Runner
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&runner).Error; err != nil {
		return nil, fmt.Errorf("getting runner %s: %w", id, notFound(err))
	}

	return &runner, nil
}

func (s *store) ListRunners(
	ctx context.Context, runID string,
) ([]Runner, error) {
	var runners []Runner
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at ASC").
		Find(&runners).Error; err != nil {
		return nil, fmt.Errorf("listing runners: %w", err)
	}

	return runners, nil
}

func (s *store) TouchRunner(
	ctx context.Context, id string, t time.Time,
) error {
	result := s.db.WithContext(ctx).
		Model(&Runner{}).
		Where("id = ?", id).
		Update("last_heartbeat", t)
	if result.Error != nil {
		return fmt.Errorf("updating runner heartbeat: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("updating runner heartbeat %s: %w", id, ErrNotFound)
	}

	return nil
}

// DetachRunner clears the runner's back-reference to its run and
// releases any unfinished result it was working on. Final results keep
// their runner. The runner record itself is left alone.
func (s *store) DetachRunner(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Runner{}).
			Where("id = ?", id).
			Update("run_id", nil).Error; err != nil {
			return err
		}

		return tx.Model(&Result{}).
			Where("runner_id = ?", id).
			Where("state NOT IN ?", []ResultState{
				ResultStatePassed, ResultStateFailed,
			}).
			Update("runner_id", nil).Error
	})
	if err != nil {
		return fmt.Errorf("detaching runner %s: %w", id, err)
	}

	return nil
}

// BeginCleanup moves the runner into CleanupCalling, but only if it is
// still in state from with the given number of attempts. It reports
// whether this caller won the transition.
func (s *store) BeginCleanup(
	ctx context.Context,
	id string,
	from CleanupState,
	attempts int,
	now time.Time,
) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&Runner{}).
		Where("id = ? AND cleanup_state = ? AND cleanup_attempts = ?",
			id, from, attempts).
		Updates(map[string]any{
			"cleanup_state":      CleanupCalling,
			"cleanup_attempts":   attempts + 1,
			"cleanup_started_at": now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("beginning runner cleanup: %w", result.Error)
	}

	return result.RowsAffected == 1, nil
}

func (s *store) FinishCleanup(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).
		Model(&Runner{}).
		Where("id = ? AND cleanup_state = ?", id, CleanupCalling).
		Update("cleanup_state", CleanupCalled).Error; err != nil {
		return fmt.Errorf("finishing runner cleanup: %w", err)
	}

	return nil
}

func (s *store) DeleteRunner(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		Delete(&Runner{}).Error; err != nil {
		return fmt.Errorf("deleting runner: %w", err)
	}

	return nil
}

// --- Result CRUD ---

func (s *store) CreateResult(ctx context.Context, result *Result) error {
	if result.State == "" {
		result.State = ResultStateNotStarted
	}

	if err := s.db.WithContext(ctx).Create(result).Error; err != nil {
		return fmt.Errorf("creating result: %w", err)
	}

	return nil
}

func (s *store) GetResult(ctx context.Context, id string) (*Result, error) {
	var result Result
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&result).Error; err != nil {
		return nil, fmt.Errorf("getting result %s: %w", id, notFound(err))
	}

	return &result, nil
}

func (s *store) ListResults(
	ctx context.Context, runID string,
) ([]Result, error) {
	var results []Result
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at ASC").
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}

	return results, nil
}

func (s *store) UpdateResult(
	ctx context.Context, id string, fn func(result *Result) error,
) (*Result, error) {
	var result Result

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&result).Error; err != nil {
			return notFound(err)
		}

		if err := fn(&result); err != nil {
			return err
		}

		return tx.Save(&result).Error
	})
	if err != nil {
		return nil, fmt.Errorf("updating result %s: %w", id, err)
	}

	return &result, nil
}

// ClearUnfinishedResults resets every non-final result of the run to
// not_started and detaches it from its runner.
func (s *store) ClearUnfinishedResults(
	ctx context.Context, runID string,
) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&Result{}).
		Where("run_id = ?", runID).
		Where("state NOT IN ?", []ResultState{
			ResultStatePassed, ResultStateFailed,
		}).
		Updates(map[string]any{
			"state":     ResultStateNotStarted,
			"runner_id": nil,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("clearing results: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		s.log.WithField("run_id", runID).
			WithField("count", result.RowsAffected).
			Debug("Cleared unfinished results")
	}

	return result.RowsAffected, nil
}

// CountPendingResults counts results that still need a runner: those
// not started, and those marked running without a live runner attached
// to the same run.
func (s *store) CountPendingResults(
	ctx context.Context, runID string,
) (int64, error) {
	live := s.db.Model(&Runner{}).
		Select("id").
		Where("run_id = ?", runID)

	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Result{}).
		Where("run_id = ?", runID).
		Where(
			s.db.Where("state = ?", ResultStateNotStarted).
				Or("state = ? AND (runner_id IS NULL OR runner_id NOT IN (?))",
					ResultStateRunning, live),
		).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting pending results: %w", err)
	}

	return count, nil
}

func (s *store) CountResultsByState(
	ctx context.Context, runID string,
) (map[ResultState]int64, error) {
	var rows []struct {
		State ResultState
		Count int64
	}

	if err := s.db.WithContext(ctx).
		Model(&Result{}).
		Select("state, COUNT(*) AS count").
		Where("run_id = ?", runID).
		Group("state").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("counting results by state: %w", err)
	}

	counts := make(map[ResultState]int64, len(rows))
	for _, row := range rows {
		counts[row.State] = row.Count
	}

	return counts, nil
}
