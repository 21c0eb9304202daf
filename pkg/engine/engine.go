// Package engine runs translated test documents through the external
// structured-test runner and maps runner outcomes onto execution
// records.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"al.essio.dev/pkg/shellescape"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rvkvit/Test-Automation-Platform/pkg/artifacts"
	"github.com/rvkvit/Test-Automation-Platform/pkg/config"
	"github.com/rvkvit/Test-Automation-Platform/pkg/store"
	"github.com/rvkvit/Test-Automation-Platform/pkg/upload"
)

// ErrNotExecutable is returned when a test case has no usable
// translated document. No execution record is created for it.
var ErrNotExecutable = errors.New("test case is not executable")

// ErrNoTests is the suite-level failure when no constituent test case
// could be executed.
var ErrNoTests = errors.New("no tests executed")

// RunOptions adjust a single execution request.
type RunOptions struct {
	// Headless overrides the configured default when non-nil.
	Headless *bool

	// ExecutedBy names the invoking identity for the record.
	ExecutedBy string
}

// Engine executes test cases and project suites.
type Engine struct {
	log       logrus.FieldLogger
	cfg       *config.Config
	store     store.Store
	artifacts artifacts.Store
	uploader  upload.Uploader

	// running tracks the live runner process per execution record so
	// cancellation can terminate it, not just flag the record.
	mu      sync.Mutex
	running map[uint]*os.Process
}

// New creates an execution engine.
func New(
	log logrus.FieldLogger,
	cfg *config.Config,
	st store.Store,
	art artifacts.Store,
) *Engine {
	return &Engine{
		log:       log.WithField("component", "engine"),
		cfg:       cfg,
		store:     st,
		artifacts: art,
		running:   make(map[uint]*os.Process),
	}
}

// SetUploader enables remote archival of finished run directories.
func (e *Engine) SetUploader(u upload.Uploader) {
	e.uploader = u
}

func (e *Engine) headless(opts RunOptions) bool {
	if opts.Headless != nil {
		return *opts.Headless
	}

	return e.cfg.Headless()
}

// PrepareTestCase validates a test case and persists a pending record
// for it, without doing any work yet. Unexecutable test cases fail fast
// and leave no record behind.
func (e *Engine) PrepareTestCase(ctx context.Context, testCaseID uint, opts RunOptions) (*store.ExecutionRecord, error) {
	tc, err := e.store.GetTestCaseByID(ctx, testCaseID)
	if err != nil {
		return nil, err
	}

	if err := e.checkExecutable(tc); err != nil {
		return nil, err
	}

	rec := &store.ExecutionRecord{
		ProjectID:  tc.ProjectID,
		TestCaseID: &tc.ID,
		ExecutedBy: opts.ExecutedBy,
		Headless:   e.headless(opts),
	}

	if err := e.store.CreateExecution(ctx, rec); err != nil {
		return nil, err
	}

	return rec, nil
}

// RunPending drives a prepared single-run record to a terminal status.
func (e *Engine) RunPending(ctx context.Context, rec *store.ExecutionRecord) (*store.ExecutionRecord, error) {
	if rec.TestCaseID == nil {
		return nil, fmt.Errorf("record %d has no test case", rec.ID)
	}

	tc, err := e.store.GetTestCaseByID(ctx, *rec.TestCaseID)
	if err != nil {
		return nil, err
	}

	project, err := e.store.GetProjectByID(ctx, tc.ProjectID)
	if err != nil {
		return nil, err
	}

	return e.run(ctx, rec, project, tc)
}

// ExecuteTestCase runs one test case synchronously and returns its
// terminal execution record.
func (e *Engine) ExecuteTestCase(ctx context.Context, testCaseID uint, opts RunOptions) (*store.ExecutionRecord, error) {
	rec, err := e.PrepareTestCase(ctx, testCaseID, opts)
	if err != nil {
		return nil, err
	}

	return e.RunPending(ctx, rec)
}

// checkExecutable enforces the executability invariant before any
// record is created.
func (e *Engine) checkExecutable(tc *store.TestCase) error {
	if !tc.Executable() {
		return fmt.Errorf("%w: translation status is %s", ErrNotExecutable, tc.TranslationStatus)
	}

	info, err := os.Stat(e.artifacts.Abs(tc.StructuredScriptPath))
	if err != nil {
		return fmt.Errorf("%w: script file not found: %s", ErrNotExecutable, tc.StructuredScriptPath)
	}

	if info.Size() == 0 {
		return fmt.Errorf("%w: script file is empty: %s", ErrNotExecutable, tc.StructuredScriptPath)
	}

	return nil
}

// run drives a pending record through running to a terminal status.
// Runner failures land on the record; the returned error is non-nil
// only for persistence problems.
func (e *Engine) run(ctx context.Context, rec *store.ExecutionRecord, project *store.Project, tc *store.TestCase) (*store.ExecutionRecord, error) {
	// Store writes must land even when the caller's context is already
	// cancelled, or an aborted run would stay in running forever.
	storeCtx := context.WithoutCancel(ctx)

	runDir, err := e.artifacts.NewRunDir(rec.ID)
	if err != nil {
		return e.store.CompleteExecution(storeCtx, rec.ID, &store.ExecutionResult{
			Status:       store.ExecutionError,
			ErrorMessage: err.Error(),
		})
	}

	rec, err = e.store.MarkExecutionRunning(storeCtx, rec.ID, runDir)
	if err != nil {
		return nil, err
	}

	result := e.invokeRunner(ctx, rec, runDir, project, tc)

	done, err := e.store.CompleteExecution(storeCtx, rec.ID, result)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// The record was cancelled while the runner ran.
			return e.store.GetExecutionByID(storeCtx, rec.ID)
		}

		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"execution": done.ID,
		"status":    done.Status,
		"passed":    done.TestsPassed,
		"failed":    done.TestsFailed,
	}).Info("Execution finished")

	e.archiveRun(done)

	return done, nil
}

// archiveRun pushes the finished run directory to remote storage in the
// background. Upload failures are logged, never surfaced to the caller.
func (e *Engine) archiveRun(rec *store.ExecutionRecord) {
	if e.uploader == nil || rec.RunDir == "" {
		return
	}

	runAbs := e.artifacts.Abs(rec.RunDir)

	go func() {
		if err := e.uploader.Upload(context.Background(), runAbs); err != nil {
			e.log.WithError(err).WithField("execution", rec.ID).Warn("Run artifact upload failed")
		}
	}()
}

// invokeRunner executes the external runner synchronously and maps its
// outcome to a terminal result. It never returns an error; invocation
// problems become the error status.
func (e *Engine) invokeRunner(ctx context.Context, rec *store.ExecutionRecord, runDir string, project *store.Project, tc *store.TestCase) *store.ExecutionResult {
	runAbs := e.artifacts.Abs(runDir)

	logPath := filepath.Join(runDir, "log.html")
	reportPath := filepath.Join(runDir, "report.html")
	outputPath := filepath.Join(runDir, "output.xml")

	args := []string{
		"--outputdir", runAbs,
		"--log", e.artifacts.Abs(logPath),
		"--report", e.artifacts.Abs(reportPath),
		"--output", e.artifacts.Abs(outputPath),
		"--loglevel", e.cfg.Runner.LogLevel,
		"--variable", "TIMEOUT:" + strconv.Itoa(int(e.cfg.Runner.StepTimeoutDuration().Seconds())) + "s",
		"--variable", "HEADLESS:" + headlessVariable(rec.Headless),
	}

	if project.BaseURL != "" {
		args = append(args, "--variable", "BASE_URL:"+project.BaseURL)
	}

	if tc.BrowserEngine != "" {
		args = append(args, "--variable", "BROWSER:"+tc.BrowserEngine)
	}

	for _, tag := range strings.Split(tc.Tags, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			args = append(args, "--include", tag)
		}
	}

	args = append(args, e.artifacts.Abs(tc.StructuredScriptPath))

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Runner.RunTimeoutDuration())
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.cfg.Runner.Binary, args...)
	cmd.Dir = e.artifacts.Root()

	e.log.WithFields(logrus.Fields{
		"execution": rec.ID,
		"command":   shellescape.QuoteCommand(append([]string{e.cfg.Runner.Binary}, args...)),
	}).Debug("Invoking runner")

	runErr := e.startAndWait(rec.ID, cmd)

	// A context-killed runner exits with "signal: killed", which would
	// otherwise fall through to the exit-code fallback and read as a
	// test failure. Any abort maps to the error status.
	if ctxErr := runCtx.Err(); ctxErr != nil {
		msg := fmt.Sprintf("execution aborted: %v", ctxErr)
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			msg = fmt.Sprintf("execution timed out after %s", e.cfg.Runner.RunTimeoutDuration())
		}

		return &store.ExecutionResult{
			Status:       store.ExecutionError,
			ErrorMessage: msg,
			LogPath:      logPath,
			ReportPath:   reportPath,
		}
	}

	exitCode := 0

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return &store.ExecutionResult{
				Status:       store.ExecutionError,
				ErrorMessage: fmt.Sprintf("invoking runner: %v", runErr),
			}
		}

		exitCode = exitErr.ExitCode()
	}

	passed, failed, parseErr := parseRunnerOutput(e.artifacts.Abs(outputPath))
	if parseErr != nil {
		e.log.WithError(parseErr).WithField("execution", rec.ID).Warn("Falling back to exit-code result")

		passed, failed = countsFromExitCode(exitCode)
	}

	status := store.ExecutionPassed
	if failed > 0 {
		status = store.ExecutionFailed
	}

	return &store.ExecutionResult{
		Status:        status,
		TestsPassed:   passed,
		TestsFailed:   failed,
		LogPath:       logPath,
		ReportPath:    reportPath,
		OutputXMLPath: outputPath,
		VideoPath:     e.artifacts.FindVideo(runDir),
	}
}

// startAndWait runs the command while tracking its process handle so
// Cancel can terminate it.
func (e *Engine) startAndWait(executionID uint, cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}

	e.mu.Lock()
	e.running[executionID] = cmd.Process
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.running, executionID)
		e.mu.Unlock()
	}()

	return cmd.Wait()
}

// Cancel forces a non-terminal execution into the error status and, if
// its runner process is still alive, kills it.
func (e *Engine) Cancel(ctx context.Context, executionID uint, actor string) (*store.ExecutionRecord, error) {
	rec, err := e.store.CancelExecution(ctx, executionID, actor)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	process := e.running[executionID]
	delete(e.running, executionID)
	e.mu.Unlock()

	if process != nil {
		e.log.WithField("execution", executionID).Info("Killing cancelled runner process")

		if err := process.Kill(); err != nil {
			e.log.WithError(err).WithField("execution", executionID).Warn("Failed to kill runner process")
		}
	}

	return rec, nil
}

// PrepareSuite persists a pending aggregate record for a suite run.
func (e *Engine) PrepareSuite(ctx context.Context, projectID uint, opts RunOptions) (*store.ExecutionRecord, error) {
	project, err := e.store.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}

	rec := &store.ExecutionRecord{
		ProjectID:  project.ID,
		ExecutedBy: opts.ExecutedBy,
		Headless:   e.headless(opts),
		IsSuite:    true,
	}

	if err := e.store.CreateExecution(ctx, rec); err != nil {
		return nil, err
	}

	return rec, nil
}

// RunPendingSuite drives a prepared aggregate record through its
// constituent runs to a terminal status. Counters are the sum over the
// constituent records; an empty executable set is the "no tests
// executed" error.
func (e *Engine) RunPendingSuite(ctx context.Context, rec *store.ExecutionRecord, testCaseIDs []uint, opts RunOptions) (*store.ExecutionRecord, error) {
	// As in run, terminal persistence must survive caller cancellation.
	storeCtx := context.WithoutCancel(ctx)

	cases, err := e.suiteCases(ctx, rec.ProjectID, testCaseIDs)
	if err != nil {
		return nil, err
	}

	rec, err = e.store.MarkExecutionRunning(storeCtx, rec.ID, "")
	if err != nil {
		return nil, err
	}

	results := e.runConstituents(ctx, cases, opts)

	totalPassed := 0
	totalFailed := 0

	for _, child := range results {
		totalPassed += child.TestsPassed
		totalFailed += child.TestsFailed
	}

	outcome := &store.ExecutionResult{
		TestsPassed: totalPassed,
		TestsFailed: totalFailed,
	}

	switch {
	case len(results) == 0:
		outcome.Status = store.ExecutionError
		outcome.ErrorMessage = ErrNoTests.Error()
	case totalFailed > 0:
		outcome.Status = store.ExecutionFailed
	default:
		outcome.Status = store.ExecutionPassed
	}

	done, err := e.store.CompleteExecution(storeCtx, rec.ID, outcome)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return e.store.GetExecutionByID(storeCtx, rec.ID)
		}

		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"execution": done.ID,
		"status":    done.Status,
		"cases":     len(results),
		"passed":    done.TestsPassed,
		"failed":    done.TestsFailed,
	}).Info("Suite execution finished")

	return done, nil
}

// ExecuteSuite runs every executable test case of a project, or the
// caller-supplied subset, synchronously. Constituents run sequentially
// unless parallel suite mode is configured.
func (e *Engine) ExecuteSuite(ctx context.Context, projectID uint, testCaseIDs []uint, opts RunOptions) (*store.ExecutionRecord, error) {
	rec, err := e.PrepareSuite(ctx, projectID, opts)
	if err != nil {
		return nil, err
	}

	return e.RunPendingSuite(ctx, rec, testCaseIDs, opts)
}

// suiteCases resolves the executable constituents of a suite run.
func (e *Engine) suiteCases(ctx context.Context, projectID uint, testCaseIDs []uint) ([]store.TestCase, error) {
	all, err := e.store.ListTestCases(ctx, projectID)
	if err != nil {
		return nil, err
	}

	requested := make(map[uint]bool, len(testCaseIDs))
	for _, id := range testCaseIDs {
		requested[id] = true
	}

	var cases []store.TestCase

	for i := range all {
		tc := all[i]

		if len(testCaseIDs) > 0 && !requested[tc.ID] {
			continue
		}

		if err := e.checkExecutable(&tc); err != nil {
			e.log.WithField("test_case", tc.ID).WithError(err).Debug("Skipping suite constituent")

			continue
		}

		cases = append(cases, tc)
	}

	return cases, nil
}

// runConstituents executes the suite members and returns the terminal
// records of those that ran. Member failures do not abort the suite.
func (e *Engine) runConstituents(ctx context.Context, cases []store.TestCase, opts RunOptions) []*store.ExecutionRecord {
	if !e.cfg.Runner.ParallelSuite {
		var results []*store.ExecutionRecord

		for i := range cases {
			child, err := e.ExecuteTestCase(ctx, cases[i].ID, opts)
			if err != nil {
				e.log.WithError(err).WithField("test_case", cases[i].ID).Error("Suite constituent failed to run")

				continue
			}

			results = append(results, child)
		}

		return results
	}

	var (
		mu      sync.Mutex
		results []*store.ExecutionRecord
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.App.Workers)

	for i := range cases {
		id := cases[i].ID

		g.Go(func() error {
			child, err := e.ExecuteTestCase(gctx, id, opts)
			if err != nil {
				e.log.WithError(err).WithField("test_case", id).Error("Suite constituent failed to run")

				return nil
			}

			mu.Lock()
			results = append(results, child)
			mu.Unlock()

			return nil
		})
	}

	_ = g.Wait()

	return results
}

func headlessVariable(headless bool) string {
	if headless {
		return "True"
	}

	return "False"
}
