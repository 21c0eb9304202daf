package engine

import (
	"encoding/xml"
	"fmt"
	"os"
)

// runnerOutput models the slice of the runner's machine-readable output
// we care about: the total statistics block.
type runnerOutput struct {
	XMLName    xml.Name `xml:"robot"`
	Statistics struct {
		Total struct {
			Stats []struct {
				Pass int `xml:"pass,attr"`
				Fail int `xml:"fail,attr"`
			} `xml:"stat"`
		} `xml:"total"`
	} `xml:"statistics"`
}

// parseRunnerOutput reads total passed/failed counts from the runner's
// output file.
func parseRunnerOutput(path string) (passed, failed int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("reading runner output: %w", err)
	}

	var out runnerOutput
	if err := xml.Unmarshal(data, &out); err != nil {
		return 0, 0, fmt.Errorf("parsing runner output: %w", err)
	}

	if len(out.Statistics.Total.Stats) == 0 {
		return 0, 0, fmt.Errorf("runner output has no total statistics")
	}

	stat := out.Statistics.Total.Stats[0]

	return stat.Pass, stat.Fail, nil
}

// countsFromExitCode is the fallback when the runner's output file is
// missing or unparseable: the whole run counts as one test, passing
// only on a zero exit code.
func countsFromExitCode(exitCode int) (passed, failed int) {
	if exitCode == 0 {
		return 1, 0
	}

	return 0, 1
}
