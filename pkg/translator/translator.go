// Package translator turns captured browser-interaction scripts into
// structured test documents the external runner can execute.
package translator

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/rvkvit/Test-Automation-Platform/pkg/artifacts"
	"github.com/rvkvit/Test-Automation-Platform/pkg/config"
	"github.com/rvkvit/Test-Automation-Platform/pkg/store"
)

// Section headers every translated document must carry.
const (
	SettingsHeader  = "*** Settings ***"
	TestCasesHeader = "*** Test Cases ***"
)

// Request carries the raw script and the project metadata a strategy
// may use to shape the output document.
type Request struct {
	// Source is the raw captured script text.
	Source string

	// TestName names the generated test case inside the document.
	TestName string

	BaseURL       string
	BrowserEngine string
	Tags          []string
}

// Result is a successful strategy output.
type Result struct {
	// Document is the structured test document text.
	Document string

	// Explanation describes, for a human, what the strategy produced.
	Explanation string

	// Warnings lists caveats that did not prevent translation.
	Warnings []string
}

// Strategy converts one raw script into a structured test document.
type Strategy interface {
	Name() string
	Translate(ctx context.Context, req *Request) (*Result, error)
}

// NewStrategy builds the configured translation strategy.
func NewStrategy(log logrus.FieldLogger, cfg *config.TranslatorConfig) (Strategy, error) {
	switch cfg.Strategy {
	case config.TranslationStrategyRules:
		return NewRulesStrategy(), nil
	case config.TranslationStrategyGenerative:
		return NewGenerativeStrategy(log, cfg.Generation), nil
	}

	return nil, fmt.Errorf("unknown translation strategy: %s", cfg.Strategy)
}

// Outcome is the tagged result of a service-level translation. A failed
// translation is an Outcome, not an error; errors are reserved for
// persistence problems.
type Outcome struct {
	Status       string
	ArtifactPath string
	Explanation  string
	Warnings     []string
	Error        string
}

// Failed reports whether the translation ended in translation_failed.
func (o *Outcome) Failed() bool {
	return o.Status == store.TranslationFailed
}

// Service translates test cases end to end: it reads the captured
// script, runs the strategy, writes the structured artifact and owns
// the test case's translation status transitions.
type Service struct {
	log       logrus.FieldLogger
	store     store.Store
	artifacts artifacts.Store
	strategy  Strategy
}

// NewService creates a translation service around the given strategy.
func NewService(
	log logrus.FieldLogger,
	st store.Store,
	art artifacts.Store,
	strategy Strategy,
) *Service {
	return &Service{
		log:       log.WithField("component", "translator"),
		store:     st,
		artifacts: art,
		strategy:  strategy,
	}
}

// Translate translates one test case. Translation failures are recorded
// on the test case and returned as a failed Outcome; the returned error
// is non-nil only when the test case or project cannot be loaded or the
// status cannot be persisted.
func (s *Service) Translate(ctx context.Context, testCaseID uint) (*Outcome, error) {
	tc, err := s.store.GetTestCaseByID(ctx, testCaseID)
	if err != nil {
		return nil, err
	}

	project, err := s.store.GetProjectByID(ctx, tc.ProjectID)
	if err != nil {
		return nil, err
	}

	if err := s.store.SetTranslationStatus(ctx, tc.ID, store.TranslationTranslating, ""); err != nil {
		return nil, err
	}

	outcome := s.translate(ctx, project, tc)

	if outcome.Failed() {
		s.log.WithFields(logrus.Fields{
			"test_case": tc.ID,
			"error":     outcome.Error,
		}).Warn("Translation failed")

		if err := s.store.SetTranslationStatus(ctx, tc.ID, store.TranslationFailed, outcome.Error); err != nil {
			return nil, err
		}

		return outcome, nil
	}

	tc.StructuredScriptPath = outcome.ArtifactPath
	tc.TranslationStatus = store.TranslationTranslated
	tc.TranslationError = ""

	if err := s.store.UpdateTestCase(ctx, tc); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"test_case": tc.ID,
		"artifact":  outcome.ArtifactPath,
		"strategy":  s.strategy.Name(),
	}).Info("Translated test case")

	return outcome, nil
}

func (s *Service) translate(ctx context.Context, project *store.Project, tc *store.TestCase) *Outcome {
	fail := func(format string, args ...interface{}) *Outcome {
		return &Outcome{
			Status: store.TranslationFailed,
			Error:  fmt.Sprintf(format, args...),
		}
	}

	if tc.RawScriptPath == "" {
		return fail("test case has no captured script")
	}

	source, err := os.ReadFile(s.artifacts.Abs(tc.RawScriptPath))
	if err != nil {
		return fail("reading captured script: %v", err)
	}

	if len(strings.TrimSpace(string(source))) == 0 {
		return fail("captured script is empty")
	}

	req := &Request{
		Source:        string(source),
		TestName:      tc.Name,
		BaseURL:       project.BaseURL,
		BrowserEngine: tc.BrowserEngine,
	}
	if tc.Tags != "" {
		req.Tags = strings.Split(tc.Tags, ",")
	}

	result, err := s.strategy.Translate(ctx, req)
	if err != nil {
		return fail("%s strategy: %v", s.strategy.Name(), err)
	}

	document := EnsureHeaders(result.Document, tc.Name)

	rel, err := s.artifacts.StructuredScriptPath(project.Name, tc.Name)
	if err != nil {
		return fail("allocating artifact path: %v", err)
	}

	if err := os.WriteFile(s.artifacts.Abs(rel), []byte(document), 0644); err != nil {
		return fail("writing structured artifact: %v", err)
	}

	return &Outcome{
		Status:       store.TranslationTranslated,
		ArtifactPath: rel,
		Explanation:  result.Explanation,
		Warnings:     result.Warnings,
	}
}

// EnsureHeaders post-validates a translated document: when either
// mandatory section header is missing it is injected as a minimal
// prefix rather than treated as fatal.
func EnsureHeaders(document, testName string) string {
	hasSettings := strings.Contains(document, SettingsHeader)
	hasCases := strings.Contains(document, TestCasesHeader)

	if hasSettings && hasCases {
		return document
	}

	var prefix strings.Builder

	if !hasSettings {
		prefix.WriteString(SettingsHeader + "\n")
		prefix.WriteString("Library    Browser\n\n")
	}

	if !hasCases {
		prefix.WriteString(TestCasesHeader + "\n")

		if testName == "" {
			testName = "Test Case"
		}

		prefix.WriteString(testName + "\n")
	}

	if document == "" {
		return prefix.String()
	}

	return prefix.String() + "\n" + document
}
