package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvkvit/Test-Automation-Platform/pkg/artifacts"
	"github.com/rvkvit/Test-Automation-Platform/pkg/config"
	"github.com/rvkvit/Test-Automation-Platform/pkg/engine"
	"github.com/rvkvit/Test-Automation-Platform/pkg/store"
	"github.com/rvkvit/Test-Automation-Platform/pkg/translator"
)

type apiFixture struct {
	router    http.Handler
	store     store.Store
	artifacts artifacts.Store
	project   *store.Project
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	ctx := context.Background()
	log := logrus.New()
	root := t.TempDir()

	art, err := artifacts.New(log, root)
	require.NoError(t, err)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(root, "test.db")},
	})
	require.NoError(t, st.Start(ctx))
	t.Cleanup(func() { require.NoError(t, st.Stop()) })

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.App.Root = root

	// Handler tests run executions inline.
	background := false
	cfg.App.BackgroundExecution = &background

	strategy, err := translator.NewStrategy(log, &cfg.Translator)
	require.NoError(t, err)

	eng := engine.New(log, cfg, st, art)

	srv := &server{
		log:  log,
		cfg:  cfg,
		deps: Deps{
			Store:      st,
			Artifacts:  art,
			Engine:     eng,
			Translator: translator.NewService(log, st, art, strategy),
		},
	}
	srv.localServer = newLocalFileServer(log, art.Root())

	project := &store.Project{Name: "shop", BaseURL: "https://shop.example"}
	require.NoError(t, st.CreateProject(ctx, project))

	return &apiFixture{
		router:    srv.buildRouter(),
		store:     st,
		artifacts: art,
		project:   project,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer

	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T

	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))

	return v
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "ok", body["status"])
}

func TestProjectEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/projects", map[string]string{
		"name":     "crm",
		"base_url": "https://crm.example",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	created := decodeBody[store.Project](t, rec)
	assert.NotZero(t, created.ID)
	assert.Equal(t, "crm", created.Name)

	// Names are unique.
	rec = f.do(t, http.MethodPost, "/api/v1/projects", map[string]string{"name": "crm"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/projects", map[string]string{"description": "nameless"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/projects/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPut, fmt.Sprintf("/api/v1/projects/%d", created.ID),
		map[string]string{"base_url": "https://crm.internal"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://crm.internal", decodeBody[store.Project](t, rec).BaseURL)

	rec = f.do(t, http.MethodGet, "/api/v1/projects", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]store.Project](t, rec), 2)

	rec = f.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/projects/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/projects/%d", created.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTestCaseEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	tc := &store.TestCase{ProjectID: f.project.ID, Name: "login"}
	require.NoError(t, f.store.CreateTestCase(ctx, tc))
	require.NoError(t, f.store.AddScriptVersion(ctx, &store.ScriptVersion{
		TestCaseID:    tc.ID,
		RawScriptPath: "playwright_scripts/shop/login.py",
	}))

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/projects/%d/testcases", f.project.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]store.TestCase](t, rec), 1)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/testcases/%d", tc.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "login", decodeBody[store.TestCase](t, rec).Name)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/testcases/%d/versions", tc.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]store.ScriptVersion](t, rec), 1)

	rec = f.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/testcases/%d", tc.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/testcases/%d", tc.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateDocument(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	tc := &store.TestCase{
		ProjectID:         f.project.ID,
		Name:              "checkout",
		TranslationStatus: store.TranslationFailed,
		TranslationError:  "previous failure",
	}
	require.NoError(t, f.store.CreateTestCase(ctx, tc))

	rec := f.do(t, http.MethodPut,
		fmt.Sprintf("/api/v1/testcases/%d/document", tc.ID),
		map[string]string{"content": "checkout\n    Go To    https://shop.example\n"},
	)
	require.Equal(t, http.StatusOK, rec.Code)

	updated := decodeBody[store.TestCase](t, rec)
	assert.Equal(t, store.TranslationTranslated, updated.TranslationStatus)
	assert.Empty(t, updated.TranslationError)
	require.NotEmpty(t, updated.StructuredScriptPath)

	// Missing section headers get injected on save.
	data, err := os.ReadFile(f.artifacts.Abs(updated.StructuredScriptPath))
	require.NoError(t, err)
	assert.Contains(t, string(data), "*** Settings ***")
	assert.Contains(t, string(data), "*** Test Cases ***")

	rec = f.do(t, http.MethodPut,
		fmt.Sprintf("/api/v1/testcases/%d/document", tc.ID),
		map[string]string{},
	)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTranslateEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	rel, err := f.artifacts.ReserveRawScriptPath(f.project.Name, "login")
	require.NoError(t, err)

	script := "def run(playwright):\n    page.goto(\"https://shop.example\")\n"
	require.NoError(t, os.WriteFile(f.artifacts.Abs(rel), []byte(script), 0644))

	tc := &store.TestCase{ProjectID: f.project.ID, Name: "login", RawScriptPath: rel}
	require.NoError(t, f.store.CreateTestCase(ctx, tc))

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/testcases/%d/translate", tc.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// A test case without a captured script fails with 422.
	empty := &store.TestCase{ProjectID: f.project.ID, Name: "empty"}
	require.NoError(t, f.store.CreateTestCase(ctx, empty))

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/testcases/%d/translate", empty.ID), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/testcases/9999/translate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTranslateEndpointStoreFailure(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	tc := &store.TestCase{ProjectID: f.project.ID, Name: "doomed"}
	require.NoError(t, f.store.CreateTestCase(ctx, tc))

	// A broken store is a server-side failure, not a missing record.
	require.NoError(t, f.store.Stop())

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/testcases/%d/translate", tc.ID), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestExecuteNotExecutable(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	tc := &store.TestCase{ProjectID: f.project.ID, Name: "untranslated"}
	require.NoError(t, f.store.CreateTestCase(ctx, tc))

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/testcases/%d/execute", tc.ID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// No execution record survives a rejected request.
	records, err := f.store.ListExecutions(ctx, store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestExecutionEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	pending := &store.ExecutionRecord{ProjectID: f.project.ID, ExecutedBy: "tester"}
	require.NoError(t, f.store.CreateExecution(ctx, pending))

	running := &store.ExecutionRecord{ProjectID: f.project.ID}
	require.NoError(t, f.store.CreateExecution(ctx, running))
	_, err := f.store.MarkExecutionRunning(ctx, running.ID, "results/run")
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/executions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]store.ExecutionRecord](t, rec), 2)

	rec = f.do(t, http.MethodGet, "/api/v1/executions?status=running", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]store.ExecutionRecord](t, rec), 1)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/executions/%d", running.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeBody[executionResponse](t, rec)
	assert.Equal(t, store.ExecutionRunning, got.Status)
	assert.Equal(t, 50, got.Progress)

	rec = f.do(t, http.MethodPost,
		fmt.Sprintf("/api/v1/executions/%d/cancel", pending.ID),
		map[string]string{"actor": "admin"},
	)
	require.Equal(t, http.StatusOK, rec.Code)

	cancelled := decodeBody[store.ExecutionRecord](t, rec)
	assert.Equal(t, store.ExecutionError, cancelled.Status)
	assert.Contains(t, cancelled.ErrorMessage, "admin")

	// Cancelling a terminal record conflicts.
	rec = f.do(t, http.MethodPost,
		fmt.Sprintf("/api/v1/executions/%d/cancel", pending.ID), nil,
	)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/executions/%d", pending.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 100, decodeBody[executionResponse](t, rec).Progress)
}

func TestFileEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	dir := filepath.Join(f.artifacts.Root(), "results", "run_1")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "log.html"), []byte("<html>log</html>"), 0644))

	rec := f.do(t, http.MethodGet, "/api/v1/files/results/run_1/log.html", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "log")

	rec = f.do(t, http.MethodGet, "/api/v1/files/results/missing.html", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/files/..%2f..%2fetc%2fpasswd", nil)
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestRecordingStatusValidation(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/recordings/status", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/recordings/cancel", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
