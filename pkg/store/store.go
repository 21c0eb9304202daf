// Package store provides persistence for projects, test cases, script
// versions and execution records.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rvkvit/Test-Automation-Platform/pkg/config"
)

// ErrInvalidTransition is returned when an execution status update
// violates the pending -> running -> terminal state machine.
var ErrInvalidTransition = errors.New("invalid execution status transition")

// ExecutionResult carries the outcome of a finished runner invocation
// into a terminal execution record update.
type ExecutionResult struct {
	// Status must be one of ExecutionPassed, ExecutionFailed or
	// ExecutionError.
	Status string

	TestsPassed int
	TestsFailed int

	LogPath       string
	ReportPath    string
	OutputXMLPath string
	VideoPath     string

	// ErrorMessage is recorded only when Status is ExecutionError.
	ErrorMessage string
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	ProjectID  uint
	TestCaseID uint
	Status     string
	Limit      int
	Offset     int
}

// Store provides persistence for platform resources.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Project CRUD.
	CreateProject(ctx context.Context, project *Project) error
	GetProjectByID(ctx context.Context, id uint) (*Project, error)
	GetProjectByName(ctx context.Context, name string) (*Project, error)
	ListProjects(ctx context.Context) ([]Project, error)
	UpdateProject(ctx context.Context, project *Project) error
	DeleteProject(ctx context.Context, id uint) error

	// TestCase CRUD.
	CreateTestCase(ctx context.Context, tc *TestCase) error
	GetTestCaseByID(ctx context.Context, id uint) (*TestCase, error)
	ListTestCases(ctx context.Context, projectID uint) ([]TestCase, error)
	UpdateTestCase(ctx context.Context, tc *TestCase) error
	DeleteTestCase(ctx context.Context, id uint) error
	SetTranslationStatus(ctx context.Context, id uint, status, detail string) error

	// Script version history.
	AddScriptVersion(ctx context.Context, v *ScriptVersion) error
	ListScriptVersions(ctx context.Context, testCaseID uint) ([]ScriptVersion, error)

	// Execution records. Status changes go through the guarded
	// transition methods, never through a raw update.
	CreateExecution(ctx context.Context, rec *ExecutionRecord) error
	GetExecutionByID(ctx context.Context, id uint) (*ExecutionRecord, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]ExecutionRecord, error)
	MarkExecutionRunning(ctx context.Context, id uint, runDir string) (*ExecutionRecord, error)
	CompleteExecution(ctx context.Context, id uint, result *ExecutionResult) (*ExecutionRecord, error)
	CancelExecution(ctx context.Context, id uint, actor string) (*ExecutionRecord, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Project{},
		&TestCase{},
		&ScriptVersion{},
		&ExecutionRecord{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// --- Project CRUD ---

func (s *store) CreateProject(ctx context.Context, project *Project) error {
	if err := s.db.WithContext(ctx).Create(project).Error; err != nil {
		return fmt.Errorf("creating project: %w", err)
	}

	return nil
}

func (s *store) GetProjectByID(ctx context.Context, id uint) (*Project, error) {
	var project Project
	if err := s.db.WithContext(ctx).First(&project, id).Error; err != nil {
		return nil, fmt.Errorf("getting project by id: %w", err)
	}

	return &project, nil
}

func (s *store) GetProjectByName(ctx context.Context, name string) (*Project, error) {
	var project Project
	if err := s.db.WithContext(ctx).
		Where("name = ?", name).
		First(&project).Error; err != nil {
		return nil, fmt.Errorf("getting project by name: %w", err)
	}

	return &project, nil
}

func (s *store) ListProjects(ctx context.Context) ([]Project, error) {
	var projects []Project
	if err := s.db.WithContext(ctx).
		Order("id ASC").
		Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}

	return projects, nil
}

func (s *store) UpdateProject(ctx context.Context, project *Project) error {
	if err := s.db.WithContext(ctx).Save(project).Error; err != nil {
		return fmt.Errorf("updating project: %w", err)
	}

	return nil
}

// DeleteProject removes a project and, through the association
// constraints, its test cases, script versions and execution records.
func (s *store) DeleteProject(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).
		Select("TestCases").
		Delete(&Project{ID: id}).Error; err != nil {
		return fmt.Errorf("deleting project: %w", err)
	}

	return nil
}

// --- TestCase CRUD ---

func (s *store) CreateTestCase(ctx context.Context, tc *TestCase) error {
	if tc.TranslationStatus == "" {
		tc.TranslationStatus = TranslationUntranslated
	}

	if err := s.db.WithContext(ctx).Create(tc).Error; err != nil {
		return fmt.Errorf("creating test case: %w", err)
	}

	return nil
}

func (s *store) GetTestCaseByID(ctx context.Context, id uint) (*TestCase, error) {
	var tc TestCase
	if err := s.db.WithContext(ctx).First(&tc, id).Error; err != nil {
		return nil, fmt.Errorf("getting test case by id: %w", err)
	}

	return &tc, nil
}

func (s *store) ListTestCases(ctx context.Context, projectID uint) ([]TestCase, error) {
	query := s.db.WithContext(ctx).Order("id ASC")
	if projectID != 0 {
		query = query.Where("project_id = ?", projectID)
	}

	var cases []TestCase
	if err := query.Find(&cases).Error; err != nil {
		return nil, fmt.Errorf("listing test cases: %w", err)
	}

	return cases, nil
}

func (s *store) UpdateTestCase(ctx context.Context, tc *TestCase) error {
	if err := s.db.WithContext(ctx).Save(tc).Error; err != nil {
		return fmt.Errorf("updating test case: %w", err)
	}

	return nil
}

func (s *store) DeleteTestCase(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).
		Select("Executions", "Versions").
		Delete(&TestCase{ID: id}).Error; err != nil {
		return fmt.Errorf("deleting test case: %w", err)
	}

	return nil
}

// SetTranslationStatus updates a test case's translation state. The
// detail column is cleared unless the status is a failure.
func (s *store) SetTranslationStatus(ctx context.Context, id uint, status, detail string) error {
	if status != TranslationFailed {
		detail = ""
	}

	if err := s.db.WithContext(ctx).
		Model(&TestCase{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"translation_status": status,
			"translation_error":  detail,
		}).Error; err != nil {
		return fmt.Errorf("updating translation status: %w", err)
	}

	return nil
}

// --- Script versions ---

func (s *store) AddScriptVersion(ctx context.Context, v *ScriptVersion) error {
	if v.Version == 0 {
		var max int64
		if err := s.db.WithContext(ctx).
			Model(&ScriptVersion{}).
			Where("test_case_id = ?", v.TestCaseID).
			Count(&max).Error; err != nil {
			return fmt.Errorf("counting script versions: %w", err)
		}

		v.Version = int(max) + 1
	}

	if err := s.db.WithContext(ctx).Create(v).Error; err != nil {
		return fmt.Errorf("creating script version: %w", err)
	}

	return nil
}

func (s *store) ListScriptVersions(ctx context.Context, testCaseID uint) ([]ScriptVersion, error) {
	var versions []ScriptVersion
	if err := s.db.WithContext(ctx).
		Where("test_case_id = ?", testCaseID).
		Order("version ASC").
		Find(&versions).Error; err != nil {
		return nil, fmt.Errorf("listing script versions: %w", err)
	}

	return versions, nil
}

// --- Execution records ---

func (s *store) CreateExecution(ctx context.Context, rec *ExecutionRecord) error {
	rec.Status = ExecutionPending
	rec.StartedAt = nil
	rec.CompletedAt = nil

	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("creating execution record: %w", err)
	}

	return nil
}

func (s *store) GetExecutionByID(ctx context.Context, id uint) (*ExecutionRecord, error) {
	var rec ExecutionRecord
	if err := s.db.WithContext(ctx).First(&rec, id).Error; err != nil {
		return nil, fmt.Errorf("getting execution by id: %w", err)
	}

	return &rec, nil
}

func (s *store) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]ExecutionRecord, error) {
	query := s.db.WithContext(ctx).Order("id DESC")

	if filter.ProjectID != 0 {
		query = query.Where("project_id = ?", filter.ProjectID)
	}

	if filter.TestCaseID != 0 {
		query = query.Where("test_case_id = ?", filter.TestCaseID)
	}

	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var records []ExecutionRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}

	return records, nil
}

// transitionConflict builds the invalid-transition error for a
// conditional update that matched no row.
func (s *store) transitionConflict(ctx context.Context, id uint, to string) error {
	rec, err := s.GetExecutionByID(ctx, id)
	if err != nil {
		return err
	}

	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, to)
}

// MarkExecutionRunning transitions a pending record to running and
// stamps the start time. The status check runs inside the update so a
// concurrent writer cannot slip in between read and write.
func (s *store) MarkExecutionRunning(ctx context.Context, id uint, runDir string) (*ExecutionRecord, error) {
	now := time.Now().UTC()

	res := s.db.WithContext(ctx).Model(&ExecutionRecord{}).
		Where("id = ? AND status IN ?", id, transitionSources(ExecutionRunning)).
		Updates(map[string]any{
			"status":     ExecutionRunning,
			"started_at": now,
			"run_dir":    runDir,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("marking execution running: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		return nil, s.transitionConflict(ctx, id, ExecutionRunning)
	}

	return s.GetExecutionByID(ctx, id)
}

// CompleteExecution transitions a record to its terminal status and
// records the runner's results.
func (s *store) CompleteExecution(ctx context.Context, id uint, result *ExecutionResult) (*ExecutionRecord, error) {
	switch result.Status {
	case ExecutionPassed, ExecutionFailed, ExecutionError:
	default:
		return nil, fmt.Errorf("%w: %q is not terminal", ErrInvalidTransition, result.Status)
	}

	rec, err := s.GetExecutionByID(ctx, id)
	if err != nil {
		return nil, err
	}

	rec.setCounts(result.TestsPassed, result.TestsFailed)
	rec.finalize(time.Now())

	errorMessage := ""
	if result.Status == ExecutionError {
		errorMessage = result.ErrorMessage
	}

	// Guard the transition inside the update itself: a record that a
	// concurrent cancel already made terminal matches no row here.
	res := s.db.WithContext(ctx).Model(&ExecutionRecord{}).
		Where("id = ? AND status IN ?", id, transitionSources(result.Status)).
		Updates(map[string]any{
			"status":           result.Status,
			"completed_at":     rec.CompletedAt,
			"duration_seconds": rec.DurationSeconds,
			"tests_passed":     rec.TestsPassed,
			"tests_failed":     rec.TestsFailed,
			"tests_total":      rec.TestsTotal,
			"pass_rate":        rec.PassRate,
			"log_path":         result.LogPath,
			"report_path":      result.ReportPath,
			"output_xml_path":  result.OutputXMLPath,
			"video_path":       result.VideoPath,
			"error_message":    errorMessage,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("completing execution: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		return nil, s.transitionConflict(ctx, id, result.Status)
	}

	return s.GetExecutionByID(ctx, id)
}

// CancelExecution moves a non-terminal record to the error status with
// a message naming who cancelled it. Terminal records are left alone.
func (s *store) CancelExecution(ctx context.Context, id uint, actor string) (*ExecutionRecord, error) {
	rec, err := s.GetExecutionByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if actor == "" {
		actor = "unknown"
	}

	rec.finalize(time.Now())

	res := s.db.WithContext(ctx).Model(&ExecutionRecord{}).
		Where("id = ? AND status IN ?", id, transitionSources(ExecutionError)).
		Updates(map[string]any{
			"status":           ExecutionError,
			"error_message":    fmt.Sprintf("cancelled by %s", actor),
			"completed_at":     rec.CompletedAt,
			"duration_seconds": rec.DurationSeconds,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("cancelling execution: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		return nil, s.transitionConflict(ctx, id, ExecutionError)
	}

	return s.GetExecutionByID(ctx, id)
}
