package translator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var (
	launchPattern  = regexp.MustCompile(`playwright\.(chromium|firefox|webkit)\.launch`)
	gotoPattern    = regexp.MustCompile(`\.goto\(["']([^"']+)["']`)
	clickPattern   = regexp.MustCompile(`\.click\(["']([^"']+)["']`)
	rolePattern    = regexp.MustCompile(`get_by_role\(["']([^"']+)["'],\s*name=["']([^"']+)["']`)
	fillPattern    = regexp.MustCompile(`\.fill\(["']([^"']+)["'],\s*["']([^"']+)["']`)
	funcDefPattern = regexp.MustCompile(`def (run|test_)\w*\(`)
)

type rulesStrategy struct{}

var _ Strategy = (*rulesStrategy)(nil)

// NewRulesStrategy returns the fixed pattern-table strategy. It maps
// the common capture-tool statements to runner actions and preserves
// anything unrecognized as an inert comment so no intent is dropped.
func NewRulesStrategy() Strategy {
	return &rulesStrategy{}
}

func (r *rulesStrategy) Name() string {
	return "rules"
}

func (r *rulesStrategy) Translate(_ context.Context, req *Request) (*Result, error) {
	testName := req.TestName
	if testName == "" {
		testName = "Test Case"
	}

	lines := []string{
		SettingsHeader,
		"Library    Browser",
		"",
		TestCasesHeader,
		testName,
		"",
	}

	recognized := 0
	commented := 0
	inTestFunction := false

	for _, raw := range strings.Split(req.Source, "\n") {
		line := strings.TrimSpace(raw)

		if funcDefPattern.MatchString(line) {
			inTestFunction = true

			continue
		}

		if !inTestFunction || line == "" ||
			strings.HasPrefix(line, "#") || strings.HasPrefix(line, "import") {
			continue
		}

		action, ok := convertLine(line)
		if ok {
			recognized++
		} else {
			commented++
		}

		lines = append(lines, "    "+action)
	}

	var warnings []string
	if commented > 0 {
		warnings = append(warnings,
			fmt.Sprintf("%d unrecognized line(s) preserved as comments", commented))
	}

	return &Result{
		Document: strings.Join(lines, "\n") + "\n",
		Explanation: fmt.Sprintf(
			"converted %d action(s) using the fixed rule table", recognized),
		Warnings: warnings,
	}, nil
}

// convertLine maps a single captured statement to a runner action. The
// second return is false when the line was preserved as a comment.
func convertLine(line string) (string, bool) {
	line = strings.TrimSuffix(line, ";")

	if m := launchPattern.FindStringSubmatch(line); m != nil {
		return "New Browser    " + m[1] + "    headless=False", true
	}

	if strings.Contains(line, "browser.new_context") {
		return "New Context", true
	}

	if strings.Contains(line, "context.new_page") {
		return "New Page", true
	}

	if m := gotoPattern.FindStringSubmatch(line); m != nil {
		return "Go To    " + m[1], true
	}

	if strings.Contains(line, ".click(") {
		if m := clickPattern.FindStringSubmatch(line); m != nil {
			return "Click    " + m[1], true
		}

		if m := rolePattern.FindStringSubmatch(line); m != nil {
			return fmt.Sprintf("Click    role=%s[name=%q]", m[1], m[2]), true
		}
	}

	if m := fillPattern.FindStringSubmatch(line); m != nil {
		return "Fill Text    " + m[1] + "    " + m[2], true
	}

	if strings.Contains(line, ".wait_for_") {
		return "Sleep    1s", true
	}

	if strings.Contains(line, ".close()") {
		if strings.Contains(line, "context") {
			return "Close Context", true
		}

		if strings.Contains(line, "browser") {
			return "Close Browser", true
		}
	}

	return "# " + line, false
}
