package recorder

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvkvit/Test-Automation-Platform/pkg/artifacts"
	"github.com/rvkvit/Test-Automation-Platform/pkg/config"
	"github.com/rvkvit/Test-Automation-Platform/pkg/store"
)

// fakeCaptureScript mimics the capture tool: it writes a script to the
// -o path immediately, then idles until it receives SIGTERM.
const fakeCaptureScript = `#!/bin/sh
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-o" ]; then out="$2"; fi
  shift
done
if [ -n "$out" ]; then
  echo "def run(playwright):" > "$out"
  echo "    page.goto(\"https://example.test\")" >> "$out"
fi
trap 'exit 0' TERM
while true; do sleep 0.1; done
`

// silentCaptureScript idles without producing any output.
const silentCaptureScript = `#!/bin/sh
trap 'exit 0' TERM
while true; do sleep 0.1; done
`

func newTestManager(t *testing.T, script string) *Manager {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("shell-based capture fake requires a unix shell")
	}

	scriptPath := filepath.Join(t.TempDir(), "fake-codegen.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0755))

	art, err := artifacts.New(logrus.New(), t.TempDir())
	require.NoError(t, err)

	m := NewManager(logrus.New(), &config.RecorderConfig{
		Command:     []string{"/bin/sh", scriptPath},
		StopTimeout: "3s",
	}, art)

	t.Cleanup(m.CleanupAll)

	return m
}

func TestStartStopRoundTrip(t *testing.T) {
	m := newTestManager(t, fakeCaptureScript)

	assert.Equal(t, store.RecordingNotStarted, m.Status("shop", "checkout"))

	info, err := m.Start("shop", "checkout", "", "https://shop.example")
	require.NoError(t, err)
	assert.NotZero(t, info.PID)
	assert.NotEmpty(t, info.SessionID)
	assert.Equal(t, "checkout", info.FinalName)
	assert.Equal(t, filepath.Join(artifacts.RawScriptsDir, "shop", "checkout.py"), info.OutputPath)

	assert.Equal(t, store.RecordingActive, m.Status("shop", "checkout"))

	// Give the fake tool time to install its signal handler.
	time.Sleep(300 * time.Millisecond)

	stopped, err := m.Stop("shop", "checkout")
	require.NoError(t, err)
	assert.Equal(t, info.OutputPath, stopped.OutputPath)

	assert.Equal(t, store.RecordingCompleted, m.Status("shop", "checkout"))

	content, err := os.ReadFile(m.artifacts.Abs(info.OutputPath))
	require.NoError(t, err)
	assert.Contains(t, string(content), "page.goto")
}

func TestStopUnknownSession(t *testing.T) {
	m := newTestManager(t, fakeCaptureScript)

	_, err := m.Stop("shop", "nope")
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestStopTwice(t *testing.T) {
	m := newTestManager(t, fakeCaptureScript)

	_, err := m.Start("shop", "checkout", "", "")
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)

	_, err = m.Stop("shop", "checkout")
	require.NoError(t, err)

	_, err = m.Stop("shop", "checkout")
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestStopEmptyOutput(t *testing.T) {
	m := newTestManager(t, silentCaptureScript)

	_, err := m.Start("shop", "checkout", "", "")
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)

	_, err = m.Stop("shop", "checkout")
	assert.ErrorIs(t, err, ErrEmptyOutput)
}

func TestStartReplacesActiveSession(t *testing.T) {
	m := newTestManager(t, fakeCaptureScript)

	first, err := m.Start("shop", "checkout", "", "")
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)

	second, err := m.Start("shop", "checkout", "", "")
	require.NoError(t, err)

	// The prior session was terminated and its output file exists, so
	// the replacement gets a versioned name.
	assert.NotEqual(t, first.OutputPath, second.OutputPath)
	assert.Equal(t, "checkout_v1", second.FinalName)

	assert.Equal(t, store.RecordingActive, m.Status("shop", "checkout"))
}

func TestLaunchFailure(t *testing.T) {
	art, err := artifacts.New(logrus.New(), t.TempDir())
	require.NoError(t, err)

	m := NewManager(logrus.New(), &config.RecorderConfig{
		Command: []string{"/nonexistent/capture-tool"},
	}, art)

	_, err = m.Start("shop", "checkout", "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "launching capture tool")
}

func TestAnnotateScript(t *testing.T) {
	in := "\n\ndef run(playwright):\n    page.goto(\"https://example.test\")\n    page.click(\"#go\")\n    page.title()\n"
	out := annotateScript(in)

	assert.False(t, strings.HasPrefix(out, "\n"))
	assert.Contains(t, out, "# Navigate to the target URL\n    page.goto(")
	assert.Contains(t, out, "# Click element\n    page.click(")
	assert.NotContains(t, out, "# Verify expected result")
}

func TestCleanupAll(t *testing.T) {
	m := newTestManager(t, fakeCaptureScript)

	_, err := m.Start("shop", "a", "", "")
	require.NoError(t, err)

	_, err = m.Start("shop", "b", "", "")
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)

	m.CleanupAll()

	assert.Equal(t, store.RecordingNotStarted, m.Status("shop", "a"))
	assert.Equal(t, store.RecordingNotStarted, m.Status("shop", "b"))
}

func TestCancelDiscardsOutput(t *testing.T) {
	m := newTestManager(t, fakeCaptureScript)

	info, err := m.Start("shop", "abandoned", "", "")
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)

	require.NoError(t, m.Cancel("shop", "abandoned"))

	assert.Equal(t, store.RecordingNotStarted, m.Status("shop", "abandoned"))
	assert.NoFileExists(t, m.artifacts.Abs(info.OutputPath))

	assert.ErrorIs(t, m.Cancel("shop", "abandoned"), ErrNoActiveSession)
}
