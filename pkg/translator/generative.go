package translator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/rvkvit/Test-Automation-Platform/pkg/config"
)

// generationInstructions is the fixed instruction contract sent with
// every generation request. The service must honor all of it or the
// produced document is not trusted to run.
const generationInstructions = `Convert the captured browser-interaction script into a structured test document with four sections: Settings, Variables, Test Cases, Keywords.
Requirements:
- Enable video recording keyed by the test case name so each test case records into its own directory.
- Close the browser context when one was opened, never the browser, so recordings are flushed to disk.
- Do not use exact-match selector qualifiers; selectors must tolerate minor DOM changes.
- The output must be syntactically runnable with no prose outside the document.`

type generationRequest struct {
	Instructions  string   `json:"instructions"`
	Source        string   `json:"source"`
	TestName      string   `json:"test_name"`
	BaseURL       string   `json:"base_url,omitempty"`
	BrowserEngine string   `json:"browser_engine,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Model         string   `json:"model,omitempty"`
}

type generationResponse struct {
	Document    string   `json:"document"`
	Explanation string   `json:"explanation"`
	Warnings    []string `json:"warnings"`
}

type generativeStrategy struct {
	log    logrus.FieldLogger
	cfg    *config.GenerationServiceConfig
	client *http.Client
}

var _ Strategy = (*generativeStrategy)(nil)

// NewGenerativeStrategy returns a strategy that delegates translation
// to an external generation service under a fixed instruction contract.
func NewGenerativeStrategy(log logrus.FieldLogger, cfg *config.GenerationServiceConfig) Strategy {
	return &generativeStrategy{
		log: log.WithField("component", "translator.generative"),
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.TimeoutDuration(),
		},
	}
}

func (g *generativeStrategy) Name() string {
	return "generative"
}

func (g *generativeStrategy) Translate(ctx context.Context, req *Request) (*Result, error) {
	payload, err := json.Marshal(&generationRequest{
		Instructions:  generationInstructions,
		Source:        req.Source,
		TestName:      req.TestName,
		BaseURL:       req.BaseURL,
		BrowserEngine: req.BrowserEngine,
		Tags:          req.Tags,
		Model:         g.cfg.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding generation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost, g.cfg.Endpoint, bytes.NewReader(payload),
	)
	if err != nil {
		return nil, fmt.Errorf("building generation request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	if g.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling generation service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return nil, fmt.Errorf(
			"generation service returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)),
		)
	}

	var out generationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding generation response: %w", err)
	}

	if strings.TrimSpace(out.Document) == "" {
		return nil, fmt.Errorf("generation service returned an empty document")
	}

	g.log.WithField("warnings", len(out.Warnings)).Debug("Generation service responded")

	return &Result{
		Document:    out.Document,
		Explanation: out.Explanation,
		Warnings:    out.Warnings,
	}, nil
}
