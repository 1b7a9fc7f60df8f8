// Package artifacts writes the on-disk artifact tree: gate reports, tickets,
// confirmations, alerts and run summaries. Replaceable files are written
// atomically via temp file + rename; reports are created exclusively and
// never overwrite an existing file.
package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/peterwi/project-f/internal/domain"
)

// Store is an artifact tree rooted at a directory
type Store struct {
	root string
}

// New returns a store rooted at dir
func New(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the tree root
func (s *Store) Root() string {
	return s.root
}

// Path joins parts under the root
func (s *Store) Path(parts ...string) string {
	return filepath.Join(append([]string{s.root}, parts...)...)
}

// ReportPaths locates one gate report pair
type ReportPaths struct {
	JSON     string `json:"json"`
	Markdown string `json:"markdown"`
}

// WriteReport creates reports/<check>_<asof>_<stamp>.{json,md}. A name collision
// gets a numeric suffix; an existing report is never replaced.
func (s *Store) WriteReport(check string, asof, at time.Time, doc interface{}, markdown string) (ReportPaths, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return ReportPaths{}, fmt.Errorf("failed to encode %s report: %w", check, err)
	}

	base := fmt.Sprintf("%s_%s_%s", check, domain.FormatDate(asof), domain.Stamp(at))
	for attempt := 0; attempt < maxSuffix; attempt++ {
		name := suffixed(base, attempt)
		paths := ReportPaths{
			JSON:     s.Path("reports", name+".json"),
			Markdown: s.Path("reports", name+".md"),
		}
		err := CreateExclusive(paths.JSON, data)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return ReportPaths{}, err
		}
		if err := CreateExclusive(paths.Markdown, []byte(markdown)); err != nil {
			return ReportPaths{}, err
		}
		return paths, nil
	}

	return ReportPaths{}, fmt.Errorf("could not allocate a unique report name for %s", base)
}

// CreateDir creates a new directory <root>/<parent>/<name>. When it already
// exists a numeric suffix is appended; the chosen name is returned with the path.
func (s *Store) CreateDir(parent, name string) (string, string, error) {
	if err := os.MkdirAll(s.Path(parent), 0755); err != nil {
		return "", "", err
	}
	for attempt := 0; attempt < maxSuffix; attempt++ {
		chosen := suffixed(name, attempt)
		dir := s.Path(parent, chosen)
		err := os.Mkdir(dir, 0755)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return "", "", err
		}
		return dir, chosen, nil
	}
	return "", "", fmt.Errorf("could not allocate a unique directory for %s/%s", parent, name)
}

const maxSuffix = 100

func suffixed(base string, attempt int) string {
	if attempt == 0 {
		return base
	}
	return fmt.Sprintf("%s_%d", base, attempt)
}

// CreateExclusive writes data to path only if path does not exist yet.
// The content is staged in a temp file and hard-linked into place so a
// reader never sees a partial file.
func CreateExclusive(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Link(tmpPath, path); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%s: %w", path, os.ErrExist)
		}
		return err
	}
	return nil
}

// WriteJSONAtomic writes JSON to file atomically using temp file + rename
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

// WriteFileAtomic writes data to file atomically
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

// FanoutWrite writes each named file under dir atomically
func FanoutWrite(dir string, files map[string][]byte) error {
	for name, data := range files {
		if strings.Contains(name, string(filepath.Separator)) {
			return fmt.Errorf("invalid artifact name %q", name)
		}
		if err := WriteFileAtomic(filepath.Join(dir, name), data); err != nil {
			return err
		}
	}
	return nil
}
