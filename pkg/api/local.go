package api

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// localFileServer serves execution artifacts and scripts directly from
// the application root. Incoming request paths are the root-relative
// paths stored on records.
type localFileServer struct {
	log  logrus.FieldLogger
	root string
}

// newLocalFileServer creates a file server rooted at the application root.
func newLocalFileServer(
	log logrus.FieldLogger,
	root string,
) *localFileServer {
	return &localFileServer{
		log:  log.WithField("component", "local-file-server"),
		root: filepath.Clean(root),
	}
}

// ServeFile resolves filePath under the root and serves it via
// http.ServeFile. Returns an error when the path is disallowed or the
// file does not exist.
func (l *localFileServer) ServeFile(
	w http.ResponseWriter,
	r *http.Request,
	filePath string,
) error {
	if !l.isAllowedPath(filePath) {
		return fmt.Errorf("path %q is not allowed", filePath)
	}

	full := filepath.Join(l.root, filePath)

	// The resolved path must stay under root.
	if !strings.HasPrefix(full, l.root+string(filepath.Separator)) &&
		full != l.root {
		return fmt.Errorf("path %q escapes the artifact root", filePath)
	}

	if _, err := os.Stat(full); err != nil {
		return fmt.Errorf("file %q not found", filePath)
	}

	http.ServeFile(w, r, full)

	return nil
}

// isAllowedPath rejects empty, absolute, unclean, or traversal request paths.
func (l *localFileServer) isAllowedPath(filePath string) bool {
	if filePath == "" {
		return false
	}

	if strings.Contains(filePath, "..") {
		return false
	}

	if filepath.IsAbs(filePath) {
		return false
	}

	// Ensure the path is clean (no double slashes, trailing slashes, etc.).
	return path.Clean(filePath) == filePath
}
