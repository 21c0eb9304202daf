package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/rvkvit/Test-Automation-Platform/pkg/engine"
	"github.com/rvkvit/Test-Automation-Platform/pkg/recorder"
	"github.com/rvkvit/Test-Automation-Platform/pkg/store"
	"github.com/rvkvit/Test-Automation-Platform/pkg/translator"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// idParam parses the {id} URL parameter.
func idParam(r *http.Request) (uint, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		return 0, errors.New("invalid id")
	}

	return uint(id), nil
}

// --- Public handlers ---

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Projects ---

func (s *server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.deps.Store.ListProjects(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, projects)
}

func (s *server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		BaseURL     string `json:"base_url"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"name is required"})

		return
	}

	if _, err := s.deps.Store.GetProjectByName(r.Context(), req.Name); err == nil {
		writeJSON(w, http.StatusConflict, errorResponse{"project name already exists"})

		return
	}

	project := &store.Project{
		Name:        req.Name,
		Description: req.Description,
		BaseURL:     req.BaseURL,
	}

	if err := s.deps.Store.CreateProject(r.Context(), project); err != nil {
		writeJSON(w, http.StatusConflict, errorResponse{err.Error()})

		return
	}

	writeJSON(w, http.StatusCreated, project)
}

func (s *server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	project, err := s.deps.Store.GetProjectByID(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"project not found"})

		return
	}

	var req struct {
		Description *string `json:"description"`
		BaseURL     *string `json:"base_url"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})

		return
	}

	if req.Description != nil {
		project.Description = *req.Description
	}

	if req.BaseURL != nil {
		project.BaseURL = *req.BaseURL
	}

	if err := s.deps.Store.UpdateProject(r.Context(), project); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, project)
}

func (s *server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	project, err := s.deps.Store.GetProjectByID(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"project not found"})

		return
	}

	writeJSON(w, http.StatusOK, project)
}

func (s *server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	if err := s.deps.Store.DeleteProject(r.Context(), id); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- Test cases ---

func (s *server) handleListTestCases(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	cases, err := s.deps.Store.ListTestCases(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, cases)
}

func (s *server) handleGetTestCase(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	tc, err := s.deps.Store.GetTestCaseByID(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"test case not found"})

		return
	}

	writeJSON(w, http.StatusOK, tc)
}

func (s *server) handleDeleteTestCase(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	if err := s.deps.Store.DeleteTestCase(r.Context(), id); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *server) handleListScriptVersions(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	versions, err := s.deps.Store.ListScriptVersions(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, versions)
}

// handleUpdateDocument overwrites a test case's structured document
// with manually edited content. A successful overwrite makes the test
// case executable again.
func (s *server) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	var req struct {
		Content string `json:"content"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"content is required"})

		return
	}

	tc, err := s.deps.Store.GetTestCaseByID(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"test case not found"})

		return
	}

	project, err := s.deps.Store.GetProjectByID(r.Context(), tc.ProjectID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})

		return
	}

	rel, err := s.deps.Artifacts.StructuredScriptPath(project.Name, tc.Name)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})

		return
	}

	document := translator.EnsureHeaders(req.Content, tc.Name)

	if err := os.WriteFile(s.deps.Artifacts.Abs(rel), []byte(document), 0644); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})

		return
	}

	tc.StructuredScriptPath = rel
	tc.TranslationStatus = store.TranslationTranslated
	tc.TranslationError = ""

	if err := s.deps.Store.UpdateTestCase(r.Context(), tc); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, tc)
}

// --- Translation ---

func (s *server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	outcome, err := s.deps.Translator.Translate(r.Context(), id)
	if err != nil {
		// Only a missing test case is the client's fault; persistence
		// failures are ours.
		status := http.StatusInternalServerError
		if errors.Is(err, gorm.ErrRecordNotFound) {
			status = http.StatusNotFound
		}

		writeJSON(w, status, errorResponse{err.Error()})

		return
	}

	status := http.StatusOK
	if outcome.Failed() {
		status = http.StatusUnprocessableEntity
	}

	writeJSON(w, status, outcome)
}

// --- Recording sessions ---

type recordingRequest struct {
	ProjectID     uint   `json:"project_id"`
	Name          string `json:"name"`
	BrowserEngine string `json:"browser_engine"`
}

func (s *server) recordingProject(w http.ResponseWriter, r *http.Request, req *recordingRequest) *store.Project {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil || req.ProjectID == 0 || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"project_id and name are required"})

		return nil
	}

	project, err := s.deps.Store.GetProjectByID(r.Context(), req.ProjectID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"project not found"})

		return nil
	}

	return project
}

func (s *server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	var req recordingRequest

	project := s.recordingProject(w, r, &req)
	if project == nil {
		return
	}

	info, err := s.deps.Recorder.Start(project.Name, req.Name, req.BrowserEngine, project.BaseURL)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, info)
}

// handleStopRecording finalizes a capture session and registers the
// produced script as a new test case.
func (s *server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	var req recordingRequest

	project := s.recordingProject(w, r, &req)
	if project == nil {
		return
	}

	info, err := s.deps.Recorder.Stop(project.Name, req.Name)
	if err != nil {
		status := http.StatusInternalServerError

		switch {
		case errors.Is(err, recorder.ErrNoActiveSession):
			status = http.StatusNotFound
		case errors.Is(err, recorder.ErrEmptyOutput):
			status = http.StatusUnprocessableEntity
		}

		writeJSON(w, status, errorResponse{err.Error()})

		return
	}

	tc := &store.TestCase{
		ProjectID:     project.ID,
		Name:          info.FinalName,
		BrowserEngine: req.BrowserEngine,
		RawScriptPath: info.OutputPath,
	}

	if err := s.deps.Store.CreateTestCase(r.Context(), tc); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})

		return
	}

	if err := s.deps.Store.AddScriptVersion(r.Context(), &store.ScriptVersion{
		TestCaseID:    tc.ID,
		RawScriptPath: info.OutputPath,
	}); err != nil {
		s.log.WithError(err).Warn("Failed to record script version")
	}

	script, err := os.ReadFile(s.deps.Artifacts.Abs(info.OutputPath))
	if err != nil {
		s.log.WithError(err).Warn("Failed to read captured script")
	}

	writeJSON(w, http.StatusCreated, struct {
		TestCase *store.TestCase `json:"test_case"`
		Script   string          `json:"script"`
	}{tc, string(script)})
}

// handleCancelRecording force-stops a session and discards its output
// without registering a test case.
func (s *server) handleCancelRecording(w http.ResponseWriter, r *http.Request) {
	var req recordingRequest

	project := s.recordingProject(w, r, &req)
	if project == nil {
		return
	}

	if err := s.deps.Recorder.Cancel(project.Name, req.Name); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, recorder.ErrNoActiveSession) {
			status = http.StatusNotFound
		}

		writeJSON(w, status, errorResponse{err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	projectID, err := strconv.ParseUint(r.URL.Query().Get("project_id"), 10, 32)
	name := r.URL.Query().Get("name")

	if err != nil || name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"project_id and name are required"})

		return
	}

	project, err := s.deps.Store.GetProjectByID(r.Context(), uint(projectID))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"project not found"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": s.deps.Recorder.Status(project.Name, name),
	})
}

// --- Execution ---

type executeRequest struct {
	Headless    *bool  `json:"headless"`
	ExecutedBy  string `json:"executed_by"`
	TestCaseIDs []uint `json:"test_case_ids"`
}

func (s *server) executeOptions(r *http.Request) (executeRequest, engine.RunOptions) {
	var req executeRequest

	// An empty body means defaults.
	_ = json.NewDecoder(r.Body).Decode(&req)

	return req, engine.RunOptions{
		Headless:   req.Headless,
		ExecutedBy: req.ExecutedBy,
	}
}

func (s *server) handleExecuteTestCase(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	_, opts := s.executeOptions(r)

	var rec *store.ExecutionRecord

	if s.cfg.BackgroundExecution() {
		rec, err = s.deps.Dispatcher.SubmitTestCase(r.Context(), id, opts)
	} else {
		rec, err = s.deps.Engine.ExecuteTestCase(r.Context(), id, opts)
	}

	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrNotExecutable) {
			status = http.StatusConflict
		}

		writeJSON(w, status, errorResponse{err.Error()})

		return
	}

	writeJSON(w, http.StatusAccepted, rec)
}

func (s *server) handleExecuteSuite(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	req, opts := s.executeOptions(r)

	var rec *store.ExecutionRecord

	if s.cfg.BackgroundExecution() {
		rec, err = s.deps.Dispatcher.SubmitSuite(r.Context(), id, req.TestCaseIDs, opts)
	} else {
		rec, err = s.deps.Engine.ExecuteSuite(r.Context(), id, req.TestCaseIDs, opts)
	}

	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})

		return
	}

	writeJSON(w, http.StatusAccepted, rec)
}

func (s *server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.ExecutionFilter{
		Status: q.Get("status"),
	}

	if v, err := strconv.ParseUint(q.Get("project_id"), 10, 32); err == nil {
		filter.ProjectID = uint(v)
	}

	if v, err := strconv.ParseUint(q.Get("test_case_id"), 10, 32); err == nil {
		filter.TestCaseID = uint(v)
	}

	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = v
	}

	if v, err := strconv.Atoi(q.Get("offset")); err == nil {
		filter.Offset = v
	}

	records, err := s.deps.Store.ListExecutions(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, records)
}

// executionResponse augments a record with a coarse progress indicator
// for pollers.
type executionResponse struct {
	*store.ExecutionRecord

	Progress int `json:"progress"`
}

func executionProgress(rec *store.ExecutionRecord) int {
	switch rec.Status {
	case store.ExecutionPending:
		return 0
	case store.ExecutionRunning:
		return 50
	default:
		return 100
	}
}

func (s *server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	rec, err := s.deps.Store.GetExecutionByID(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"execution not found"})

		return
	}

	writeJSON(w, http.StatusOK, executionResponse{
		ExecutionRecord: rec,
		Progress:        executionProgress(rec),
	})
}

func (s *server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	var req struct {
		Actor string `json:"actor"`
	}

	_ = json.NewDecoder(r.Body).Decode(&req)

	rec, err := s.deps.Engine.Cancel(r.Context(), id, req.Actor)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrInvalidTransition) {
			status = http.StatusConflict
		}

		writeJSON(w, status, errorResponse{err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// --- Files ---

// handleFileRequest serves stored artifact paths from the application
// root.
func (s *server) handleFileRequest(w http.ResponseWriter, r *http.Request) {
	filePath := chi.URLParam(r, "*")
	if filePath == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"file path is required"})

		return
	}

	if err := s.localServer.ServeFile(w, r, filePath); err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"file not found"})
	}
}
