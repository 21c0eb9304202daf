package translator

import (
	"context"
	"encoding/json"
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
	"github.com/rvkvit/Test-Automation-Platform/pkg/store"
)

func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSONResponse(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type serviceFixture struct {
	store     store.Store
	artifacts artifacts.Store
	project   *store.Project
	testCase  *store.TestCase
}

func newServiceFixture(t *testing.T, rawScript string) *serviceFixture {
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

	project := &store.Project{Name: "shop", BaseURL: "https://shop.example"}
	require.NoError(t, st.CreateProject(ctx, project))

	tc := &store.TestCase{ProjectID: project.ID, Name: "checkout"}

	if rawScript != "" {
		rel, err := art.ReserveRawScriptPath(project.Name, tc.Name)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(art.Abs(rel), []byte(rawScript), 0644))

		tc.RawScriptPath = rel
	}

	require.NoError(t, st.CreateTestCase(ctx, tc))

	return &serviceFixture{store: st, artifacts: art, project: project, testCase: tc}
}

func TestServiceTranslateSuccess(t *testing.T) {
	f := newServiceFixture(t, capturedScript)
	svc := NewService(logrus.New(), f.store, f.artifacts, NewRulesStrategy())

	outcome, err := svc.Translate(context.Background(), f.testCase.ID)
	require.NoError(t, err)
	assert.False(t, outcome.Failed())
	assert.Equal(t, filepath.Join(artifacts.StructuredScriptsDir, "shop", "checkout.robot"), outcome.ArtifactPath)

	tc, err := f.store.GetTestCaseByID(context.Background(), f.testCase.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TranslationTranslated, tc.TranslationStatus)
	assert.Equal(t, outcome.ArtifactPath, tc.StructuredScriptPath)
	assert.True(t, tc.Executable())

	written, err := os.ReadFile(f.artifacts.Abs(outcome.ArtifactPath))
	require.NoError(t, err)
	assert.Contains(t, string(written), SettingsHeader)
	assert.Contains(t, string(written), "Go To    https://example.test")
}

func TestServiceTranslateRepeatable(t *testing.T) {
	f := newServiceFixture(t, capturedScript)
	svc := NewService(logrus.New(), f.store, f.artifacts, NewRulesStrategy())

	first, err := svc.Translate(context.Background(), f.testCase.ID)
	require.NoError(t, err)

	second, err := svc.Translate(context.Background(), f.testCase.ID)
	require.NoError(t, err)

	// Retranslation overwrites the same artifact path.
	assert.Equal(t, first.ArtifactPath, second.ArtifactPath)
}

func TestServiceTranslateEmptyScript(t *testing.T) {
	f := newServiceFixture(t, "   \n\n")
	svc := NewService(logrus.New(), f.store, f.artifacts, NewRulesStrategy())

	outcome, err := svc.Translate(context.Background(), f.testCase.ID)
	require.NoError(t, err)
	assert.True(t, outcome.Failed())
	assert.Contains(t, outcome.Error, "empty")

	tc, err := f.store.GetTestCaseByID(context.Background(), f.testCase.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TranslationFailed, tc.TranslationStatus)
	assert.Contains(t, tc.TranslationError, "empty")
	assert.False(t, tc.Executable())
}

func TestServiceTranslateMissingScript(t *testing.T) {
	f := newServiceFixture(t, "")
	svc := NewService(logrus.New(), f.store, f.artifacts, NewRulesStrategy())

	outcome, err := svc.Translate(context.Background(), f.testCase.ID)
	require.NoError(t, err)
	assert.True(t, outcome.Failed())
	assert.Contains(t, outcome.Error, "no captured script")
}

func TestGenerativeStrategy(t *testing.T) {
	var received generationRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, decodeJSON(r, &received))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		writeJSONResponse(w, &generationResponse{
			Document:    "*** Settings ***\nLibrary    Browser\n\n*** Test Cases ***\nCheckout\n    Go To    https://shop.example\n",
			Explanation: "converted one navigation",
			Warnings:    []string{"no assertions found"},
		})
	}))
	defer server.Close()

	strategy := NewGenerativeStrategy(logrus.New(), &config.GenerationServiceConfig{
		Endpoint: server.URL,
		Model:    "conv-large",
		APIKey:   "secret",
	})

	result, err := strategy.Translate(context.Background(), &Request{
		Source:   capturedScript,
		TestName: "Checkout",
		BaseURL:  "https://shop.example",
		Tags:     []string{"smoke"},
	})
	require.NoError(t, err)

	assert.Contains(t, result.Document, "Go To    https://shop.example")
	assert.Equal(t, []string{"no assertions found"}, result.Warnings)

	assert.Equal(t, "Checkout", received.TestName)
	assert.Equal(t, "conv-large", received.Model)
	assert.Contains(t, received.Instructions, "video")
	assert.Contains(t, received.Instructions, "context")
}

func TestGenerativeStrategyErrors(t *testing.T) {
	t.Run("non-200 response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "model overloaded", http.StatusServiceUnavailable)
		}))
		defer server.Close()

		strategy := NewGenerativeStrategy(logrus.New(), &config.GenerationServiceConfig{
			Endpoint: server.URL,
		})

		_, err := strategy.Translate(context.Background(), &Request{Source: "x"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
	})

	t.Run("empty document", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeJSONResponse(w, &generationResponse{Document: "  "})
		}))
		defer server.Close()

		strategy := NewGenerativeStrategy(logrus.New(), &config.GenerationServiceConfig{
			Endpoint: server.URL,
		})

		_, err := strategy.Translate(context.Background(), &Request{Source: "x"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "empty document")
	})

	t.Run("unreachable service", func(t *testing.T) {
		strategy := NewGenerativeStrategy(logrus.New(), &config.GenerationServiceConfig{
			Endpoint: "http://127.0.0.1:1/convert",
		})

		_, err := strategy.Translate(context.Background(), &Request{Source: "x"})
		require.Error(t, err)
	})
}
