package store

import (
	"time"
)

// Translation status constants for a test case.
const (
	TranslationUntranslated = "untranslated"
	TranslationTranslating  = "translating"
	TranslationTranslated   = "translated"
	TranslationFailed       = "translation_failed"
)

// Execution status constants.
const (
	ExecutionPending = "pending"
	ExecutionRunning = "running"
	ExecutionPassed  = "passed"
	ExecutionFailed  = "failed"
	ExecutionError   = "error"
)

// Recording status constants, reported to API clients by the recorder.
const (
	RecordingNotStarted = "not_started"
	RecordingActive     = "recording"
	RecordingCompleted  = "completed"
)

// Project groups related test cases.
type Project struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Name        string `gorm:"uniqueIndex;not null" json:"name"`
	Description string `json:"description,omitempty"`

	// BaseURL is passed to the runner so documents can navigate
	// relative to it.
	BaseURL string `json:"base_url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	TestCases []TestCase `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// TestCase is a single recorded interaction and its translated test
// document. Artifact paths are relative to the application root.
type TestCase struct {
	ID        uint `gorm:"primaryKey" json:"id"`
	ProjectID uint `gorm:"not null;uniqueIndex:idx_test_case_project_name" json:"project_id"`

	// Name is unique within a project, not globally.
	Name        string `gorm:"not null;uniqueIndex:idx_test_case_project_name" json:"name"`
	Description string `json:"description,omitempty"`

	// BrowserEngine selects the capture browser (chromium, firefox,
	// webkit). Empty means chromium.
	BrowserEngine string `json:"browser_engine,omitempty"`

	// Tags is a comma-separated tag list forwarded to the runner for
	// filtered suite runs.
	Tags string `json:"tags,omitempty"`

	// RawScriptPath is the captured interaction script.
	RawScriptPath string `json:"raw_script_path,omitempty"`

	// StructuredScriptPath is the translated test document. Empty until
	// translation succeeds.
	StructuredScriptPath string `json:"structured_script_path,omitempty"`

	TranslationStatus string `gorm:"not null;default:untranslated" json:"translation_status"`
	TranslationError  string `json:"translation_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Executions []ExecutionRecord `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Versions   []ScriptVersion   `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// Executable reports whether the test case has a translated document
// that a runner invocation can point at.
func (t *TestCase) Executable() bool {
	return t.TranslationStatus == TranslationTranslated && t.StructuredScriptPath != ""
}

// ScriptVersion records a superseded captured script. Re-recording a
// test case appends a version instead of overwriting history.
type ScriptVersion struct {
	ID         uint `gorm:"primaryKey" json:"id"`
	TestCaseID uint `gorm:"not null;uniqueIndex:idx_script_version_case_number" json:"test_case_id"`

	Version       int    `gorm:"not null;uniqueIndex:idx_script_version_case_number" json:"version"`
	RawScriptPath string `gorm:"not null" json:"raw_script_path"`

	CreatedAt time.Time `json:"created_at"`
}

// ExecutionRecord tracks a single runner invocation, for one test case
// or a whole project suite, from dispatch to terminal status.
type ExecutionRecord struct {
	ID         uint  `gorm:"primaryKey" json:"id"`
	ProjectID  uint  `gorm:"index;not null" json:"project_id"`
	TestCaseID *uint `gorm:"index" json:"test_case_id,omitempty"`

	Status string `gorm:"not null;default:pending" json:"status"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// DurationSeconds is computed once when the record reaches a
	// terminal status.
	DurationSeconds float64 `json:"duration_seconds"`

	TestsPassed int `json:"tests_passed"`
	TestsFailed int `json:"tests_failed"`
	TestsTotal  int `json:"tests_total"`

	// PassRate is a percentage, zero when no tests ran.
	PassRate float64 `json:"pass_rate"`

	// Artifact paths, relative to the application root.
	RunDir        string `json:"run_dir,omitempty"`
	LogPath       string `json:"log_path,omitempty"`
	ReportPath    string `json:"report_path,omitempty"`
	OutputXMLPath string `json:"output_xml_path,omitempty"`
	VideoPath     string `json:"video_path,omitempty"`

	// ErrorMessage is only populated for status "error".
	ErrorMessage string `json:"error_message,omitempty"`

	ExecutedBy string `json:"executed_by,omitempty"`
	IsSuite    bool   `json:"is_suite"`
	Headless   bool   `json:"headless"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the record has reached a final status.
func (e *ExecutionRecord) Terminal() bool {
	switch e.Status {
	case ExecutionPassed, ExecutionFailed, ExecutionError:
		return true
	}

	return false
}

// transitionSources lists the statuses a record may hold for a
// transition into the given status, per the pending -> running ->
// terminal state machine. Cancellation maps to the error status and is
// allowed from any non-terminal state. Updates guard on these sets so
// the check and the write happen in one statement.
func transitionSources(to string) []string {
	switch to {
	case ExecutionRunning:
		return []string{ExecutionPending}
	case ExecutionPassed, ExecutionFailed:
		return []string{ExecutionRunning}
	case ExecutionError:
		return []string{ExecutionPending, ExecutionRunning}
	}

	return nil
}

// setCounts records the runner's test counters and recomputes the pass
// rate. A run with no tests has a pass rate of zero.
func (e *ExecutionRecord) setCounts(passed, failed int) {
	e.TestsPassed = passed
	e.TestsFailed = failed
	e.TestsTotal = passed + failed

	if e.TestsTotal == 0 {
		e.PassRate = 0

		return
	}

	e.PassRate = float64(passed) / float64(e.TestsTotal) * 100
}

// finalize stamps the completion time and computes the duration once.
func (e *ExecutionRecord) finalize(now time.Time) {
	now = now.UTC()
	e.CompletedAt = &now

	if e.StartedAt != nil {
		e.DurationSeconds = now.Sub(*e.StartedAt).Seconds()
	}
}
