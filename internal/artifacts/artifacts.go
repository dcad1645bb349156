// Package artifacts owns the static directory: uploads, generated images and
// the URLs they are served under.
package artifacts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

const (
	// URLPrefix is the path generated files are served under.
	URLPrefix   = "/static/"
	resultsDir  = "results"
	lockName    = ".neurolens.lock"
	maxNameRune = 120
)

// ErrLocked is returned when another process holds the directory lock.
var ErrLocked = errors.New("static directory is in use by another process")

// Dir is an opened static directory.
type Dir struct {
	root string
	lock *flock.Flock
}

// Open creates root and root/results and takes the directory lock.
func Open(root string) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve static dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, resultsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create static dir: %w", err)
	}
	lock := flock.New(filepath.Join(abs, lockName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, abs)
	}
	return &Dir{root: abs, lock: lock}, nil
}

// Close releases the directory lock.
func (d *Dir) Close() error {
	if d == nil || d.lock == nil {
		return nil
	}
	return d.lock.Unlock()
}

// Root returns the absolute directory path.
func (d *Dir) Root() string { return d.root }

// UploadPath is where the upload for id is stored: <root>/<id>_<name>.
func (d *Dir) UploadPath(id, filename string) string {
	return filepath.Join(d.root, id+"_"+Sanitize(filename))
}

// Path returns <root>/<name>.
func (d *Dir) Path(name string) string {
	return filepath.Join(d.root, name)
}

// ResultPrefix returns <root>/results/<id>_<kind>, the prefix of multi-file
// outputs such as the drawing analysis.
func (d *Dir) ResultPrefix(id, kind string) string {
	return filepath.Join(d.root, resultsDir, id+"_"+kind)
}

// URL maps a file under the root to its /static/ URL.
func (d *Dir) URL(path string) (string, error) {
	rel, err := filepath.Rel(d.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s is outside the static directory", filepath.Base(path))
	}
	return URLPrefix + filepath.ToSlash(rel), nil
}

// Sanitize reduces an uploaded filename to a safe base name.
func Sanitize(filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	var b strings.Builder
	n := 0
	for _, r := range base {
		if n >= maxNameRune {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
		n++
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return "upload"
	}
	return out
}
