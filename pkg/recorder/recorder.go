// Package recorder supervises external interactive-capture processes,
// one per (project, test-case name) key.
package recorder

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rvkvit/Test-Automation-Platform/pkg/artifacts"
	"github.com/rvkvit/Test-Automation-Platform/pkg/config"
	"github.com/rvkvit/Test-Automation-Platform/pkg/store"
)

// ErrNoActiveSession is returned by Stop when no session is tracked
// for the requested key.
var ErrNoActiveSession = errors.New("no active recording session")

// ErrEmptyOutput is returned by Stop when the capture tool exited
// without producing any script content.
var ErrEmptyOutput = errors.New("recording produced no output")

// SessionInfo describes a tracked capture session.
type SessionInfo struct {
	SessionID  string `json:"session_id"`
	PID        int    `json:"pid"`
	Project    string `json:"project"`
	Name       string `json:"name"`
	FinalName  string `json:"final_name"`
	OutputPath string `json:"output_path"`
}

type session struct {
	info    SessionInfo
	cmd     *exec.Cmd
	done    chan struct{}
	stopped bool
}

func (s *session) exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Manager supervises at most one capture process per key. Starting a
// session for a key that already has one replaces the prior session
// after force-stopping it.
type Manager struct {
	log       logrus.FieldLogger
	cfg       *config.RecorderConfig
	artifacts artifacts.Store

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager creates a recording session manager.
func NewManager(
	log logrus.FieldLogger,
	cfg *config.RecorderConfig,
	art artifacts.Store,
) *Manager {
	return &Manager{
		log:       log.WithField("component", "recorder"),
		cfg:       cfg,
		artifacts: art,
		sessions:  make(map[string]*session),
	}
}

func sessionKey(project, name string) string {
	return project + "/" + name
}

// Start launches a capture process for the given key. A colliding
// output file name is suffixed with an incrementing version; the
// actually used name comes back in SessionInfo.FinalName.
func (m *Manager) Start(project, name, browserEngine, baseURL string) (*SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sessionKey(project, name)

	if prior, ok := m.sessions[key]; ok && !prior.exited() {
		m.log.WithField("key", key).Warn("Replacing active recording session")
		m.forceStop(prior)
	}

	rel, err := m.artifacts.ReserveRawScriptPath(project, name)
	if err != nil {
		return nil, fmt.Errorf("allocating output path: %w", err)
	}

	args := append([]string{}, m.cfg.Command...)
	args = append(args, "--target", "python", "-o", m.artifacts.Abs(rel))

	if browserEngine != "" {
		args = append(args, "--browser", browserEngine)
	}

	if baseURL != "" {
		args = append(args, baseURL)
	}

	cmd := exec.Command(args[0], args[1:]...)
	setProcessGroup(cmd)

	m.log.WithFields(logrus.Fields{
		"key":     key,
		"command": shellescape.QuoteCommand(args),
	}).Info("Starting capture session")

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launching capture tool: %w", err)
	}

	sess := &session{
		info: SessionInfo{
			SessionID:  uuid.NewString(),
			PID:        cmd.Process.Pid,
			Project:    project,
			Name:       name,
			FinalName:  strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel)),
			OutputPath: rel,
		},
		cmd:  cmd,
		done: make(chan struct{}),
	}

	go func() {
		_ = cmd.Wait()
		close(sess.done)
	}()

	m.sessions[key] = sess

	info := sess.info

	return &info, nil
}

// Stop terminates the capture process gracefully, escalating to a kill
// after the configured timeout, and verifies the produced script.
func (m *Manager) Stop(project, name string) (*SessionInfo, error) {
	m.mu.Lock()

	key := sessionKey(project, name)

	sess, ok := m.sessions[key]
	if !ok || sess.stopped {
		m.mu.Unlock()

		return nil, fmt.Errorf("%w for %s", ErrNoActiveSession, key)
	}

	sess.stopped = true
	m.mu.Unlock()

	if !sess.exited() {
		if err := terminateGroup(sess.cmd); err != nil {
			m.log.WithError(err).WithField("key", key).Debug("Graceful termination signal failed")
		}

		select {
		case <-sess.done:
		case <-time.After(m.cfg.StopTimeoutDuration()):
			m.log.WithField("key", key).Warn("Capture process ignored graceful stop, killing")

			_ = killGroup(sess.cmd)
			<-sess.done
		}
	}

	outputAbs := m.artifacts.Abs(sess.info.OutputPath)

	content, err := os.ReadFile(outputAbs)
	if err != nil || len(strings.TrimSpace(string(content))) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyOutput, sess.info.OutputPath)
	}

	annotated := annotateScript(string(content))
	if annotated != string(content) {
		if err := os.WriteFile(outputAbs, []byte(annotated), 0644); err != nil {
			m.log.WithError(err).WithField("key", key).Warn("Failed to write annotated script")
		}
	}

	m.log.WithFields(logrus.Fields{
		"key":    key,
		"output": sess.info.OutputPath,
		"bytes":  len(annotated),
	}).Info("Capture session stopped")

	info := sess.info

	return &info, nil
}

// Status reports the session state for a key.
func (m *Manager) Status(project, name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionKey(project, name)]
	if !ok {
		return store.RecordingNotStarted
	}

	if sess.stopped || sess.exited() {
		return store.RecordingCompleted
	}

	return store.RecordingActive
}

// Cancel force-stops a session and discards its captured output. The
// reserved output file is removed so a later recording can reuse the
// name.
func (m *Manager) Cancel(project, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sessionKey(project, name)

	sess, ok := m.sessions[key]
	if !ok {
		return fmt.Errorf("%w for %s", ErrNoActiveSession, key)
	}

	m.forceStop(sess)
	delete(m.sessions, key)

	if err := os.Remove(m.artifacts.Abs(sess.info.OutputPath)); err != nil && !os.IsNotExist(err) {
		m.log.WithError(err).WithField("key", key).Warn("Failed to remove discarded capture output")
	}

	m.log.WithField("key", key).Info("Capture session cancelled")

	return nil
}

// CleanupAll force-terminates every tracked session. Used at shutdown
// so no capture process outlives the server.
func (m *Manager) CleanupAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, sess := range m.sessions {
		if !sess.stopped && !sess.exited() {
			m.log.WithField("key", key).Info("Cleaning up capture session")
			m.forceStop(sess)
		}

		delete(m.sessions, key)
	}
}

// annotateScript drops leading blank lines from a captured script and
// inserts a short comment above the common actions so the raw script
// reads well when reviewed later.
func annotateScript(content string) string {
	annotations := []struct {
		marker  string
		comment string
	}{
		{"page.goto(", "    # Navigate to the target URL"},
		{"page.click(", "    # Click element"},
		{"page.fill(", "    # Fill form field"},
		{"expect(", "    # Verify expected result"},
	}

	var out []string

	for _, line := range strings.Split(content, "\n") {
		if len(out) == 0 && strings.TrimSpace(line) == "" {
			continue
		}

		for _, a := range annotations {
			if strings.Contains(line, a.marker) {
				out = append(out, a.comment)

				break
			}
		}

		out = append(out, line)
	}

	return strings.Join(out, "\n")
}

// forceStop kills a session's process group and waits for it to exit.
// Callers must hold the manager lock.
func (m *Manager) forceStop(sess *session) {
	sess.stopped = true

	if sess.exited() {
		return
	}

	if err := terminateGroup(sess.cmd); err != nil {
		m.log.WithError(err).Debug("Termination signal failed")
	}

	select {
	case <-sess.done:
	case <-time.After(m.cfg.StopTimeoutDuration()):
		_ = killGroup(sess.cmd)
		<-sess.done
	}
}
