// Package artifacts manages the on-disk layout beneath the application
// root: captured scripts, translated test documents and per-execution
// result directories. All paths handed back to callers for persistence
// are relative to the root so the tree can be relocated.
package artifacts

import (
	"crypto/rand"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// RawScriptsDir holds captured interaction scripts, one subdirectory
	// per project.
	RawScriptsDir = "playwright_scripts"

	// StructuredScriptsDir holds translated test documents, one
	// subdirectory per project.
	StructuredScriptsDir = "robot_scripts"

	// ResultsDir holds per-execution run directories.
	ResultsDir = "results"
)

// videoExtensions are the recording formats the runner's browser
// library produces.
var videoExtensions = map[string]bool{
	".webm": true,
	".mp4":  true,
}

var unsafeSegment = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Store lays out and resolves artifact paths beneath the application root.
type Store interface {
	// Root returns the absolute application root.
	Root() string

	// RawScriptPath returns the canonical captured-script path for a
	// project and script name, relative to the root.
	RawScriptPath(project, name string) string

	// ReserveRawScriptPath returns a captured-script path that does not
	// collide with an existing file, suffixing the name with _v1, _v2
	// and so on when needed. The parent directory is created.
	ReserveRawScriptPath(project, name string) (string, error)

	// StructuredScriptPath returns the translated-document path for a
	// project and script name, relative to the root. The parent
	// directory is created.
	StructuredScriptPath(project, name string) (string, error)

	// NewRunDir creates a fresh results directory for an execution and
	// returns its root-relative path.
	NewRunDir(executionID uint) (string, error)

	// FindVideo searches a run directory for a browser recording and
	// returns its root-relative path, or "" when none exists.
	FindVideo(runDir string) string

	// Abs resolves a root-relative artifact path to an absolute one.
	Abs(rel string) string

	// PruneRuns removes run directories older than maxAge and returns
	// how many were deleted.
	PruneRuns(maxAge time.Duration) (int, error)
}

type store struct {
	log  logrus.FieldLogger
	root string
}

var _ Store = (*store)(nil)

// New creates an artifact store rooted at root, creating the root and
// its top-level directories if needed.
func New(log logrus.FieldLogger, root string) (Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving app root: %w", err)
	}

	for _, dir := range []string{abs,
		filepath.Join(abs, RawScriptsDir),
		filepath.Join(abs, StructuredScriptsDir),
		filepath.Join(abs, ResultsDir),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	return &store{
		log:  log.WithField("component", "artifacts"),
		root: abs,
	}, nil
}

// SanitizeName reduces a project or script name to a safe path segment.
// Unsafe runs collapse to a single underscore and leading dots are
// stripped so a name can never escape its directory.
func SanitizeName(name string) string {
	s := unsafeSegment.ReplaceAllString(strings.TrimSpace(name), "_")
	s = strings.Trim(s, "._")

	if s == "" {
		return "unnamed"
	}

	return s
}

func (s *store) Root() string {
	return s.root
}

func (s *store) RawScriptPath(project, name string) string {
	return filepath.Join(RawScriptsDir, SanitizeName(project), SanitizeName(name)+".py")
}

func (s *store) ReserveRawScriptPath(project, name string) (string, error) {
	dir := filepath.Join(s.root, RawScriptsDir, SanitizeName(project))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating script directory: %w", err)
	}

	base := SanitizeName(name)

	rel := s.RawScriptPath(project, name)
	for version := 1; s.exists(rel); version++ {
		rel = filepath.Join(RawScriptsDir, SanitizeName(project),
			fmt.Sprintf("%s_v%d.py", base, version))
	}

	return rel, nil
}

func (s *store) StructuredScriptPath(project, name string) (string, error) {
	dir := filepath.Join(s.root, StructuredScriptsDir, SanitizeName(project))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating document directory: %w", err)
	}

	return filepath.Join(StructuredScriptsDir, SanitizeName(project), SanitizeName(name)+".robot"), nil
}

func (s *store) NewRunDir(executionID uint) (string, error) {
	name := fmt.Sprintf("%d_%s_execution_%d", time.Now().Unix(), generateShortID(), executionID)
	rel := filepath.Join(ResultsDir, name)

	if err := os.MkdirAll(filepath.Join(s.root, rel), 0755); err != nil {
		return "", fmt.Errorf("creating run directory: %w", err)
	}

	return rel, nil
}

func (s *store) FindVideo(runDir string) string {
	var found string

	root := filepath.Join(s.root, runDir)

	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || found != "" {
			return nil
		}

		if videoExtensions[strings.ToLower(filepath.Ext(path))] {
			rel, relErr := filepath.Rel(s.root, path)
			if relErr == nil {
				found = rel
			}
		}

		return nil
	})

	return found
}

func (s *store) Abs(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}

	return filepath.Join(s.root, rel)
}

func (s *store) PruneRuns(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, ResultsDir))
	if err != nil {
		return 0, fmt.Errorf("reading results directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	pruned := 0

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		dir := filepath.Join(s.root, ResultsDir, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			s.log.WithError(err).WithField("dir", entry.Name()).Warn("Failed to prune run directory")

			continue
		}

		pruned++
	}

	if pruned > 0 {
		s.log.WithField("pruned", pruned).Info("Pruned old run directories")
	}

	return pruned, nil
}

func (s *store) exists(rel string) bool {
	_, err := os.Stat(filepath.Join(s.root, rel))

	return err == nil
}

// generateShortID generates a short random hex ID (8 characters).
func generateShortID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xFFFFFFFF)
	}

	return fmt.Sprintf("%x", b)
}
