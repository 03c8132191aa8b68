// Package ingest walks a project root and yields the artifacts worth
// indexing. Filtering is layered: a built-in ignore set, the project's
// .gitignore, an optional .evidraignore, an extension allowlist, and a
// per-file size cap. Every yielded path stays inside the root.
package ingest

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/floegence/evidra/internal/provenance"
)

const (
	// DefaultMaxBytes caps how large a single artifact may be before it
	// is skipped outright.
	DefaultMaxBytes = 2 * 1024 * 1024

	ignoreFileName = ".evidraignore"
)

// Artifact is one file accepted by the scanner. Data holds the raw
// bytes; Binary marks content that must not be chunked as text.
type Artifact struct {
	RelPath string
	AbsPath string
	Size    int64
	ModTime time.Time
	Binary  bool
	Data    []byte
}

// Stats summarize one walk.
type Stats struct {
	Scanned int `json:"scanned"`
	Skipped int `json:"skipped"`
}

type Options struct {
	Root     string
	MaxBytes int64
}

type Scanner struct {
	root     string
	maxBytes int64
	matcher  ignoreMatcher
}

func NewScanner(opts Options) (*Scanner, error) {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		root = "."
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	root = filepath.Clean(root)

	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("scan root is not a directory")
	}

	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Scanner{
		root:     root,
		maxBytes: maxBytes,
		matcher:  loadIgnoreMatcher(root),
	}, nil
}

func (s *Scanner) Root() string {
	if s == nil {
		return ""
	}
	return s.root
}

// Resolve maps a root-relative path to its absolute location, refusing
// anything that escapes the root.
func (s *Scanner) Resolve(p string) (string, error) {
	if s == nil || s.root == "" {
		return "", errors.New("scanner not initialized")
	}
	p = strings.TrimSpace(p)
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "/")
	if p == "" || p == "." {
		return "", errors.New("empty artifact path")
	}

	abs := filepath.Clean(filepath.Join(s.root, filepath.FromSlash(p)))
	ok, err := isWithinRoot(abs, s.root)
	if err != nil || !ok {
		return "", errors.New("path escapes scan root")
	}
	return abs, nil
}

// Load reads a single artifact by root-relative path, applying the same
// size and binary treatment as a walk.
func (s *Scanner) Load(p string) (Artifact, error) {
	abs, err := s.Resolve(p)
	if err != nil {
		return Artifact{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Artifact{}, err
	}
	if info.IsDir() {
		return Artifact{}, errors.New("artifact path is a directory")
	}
	if info.Size() > s.maxBytes {
		return Artifact{}, errors.New("artifact exceeds size limit")
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{
		RelPath: relPathFor(s.root, abs),
		AbsPath: abs,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Binary:  provenance.IsBinary(data),
		Data:    data,
	}, nil
}

// Walk visits every accepted artifact under the root in directory
// order. Returning an error from fn aborts the walk.
func (s *Scanner) Walk(ctx context.Context, fn func(Artifact) error) (Stats, error) {
	if s == nil || s.root == "" {
		return Stats{}, errors.New("scanner not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if fn == nil {
		return Stats{}, errors.New("nil walk func")
	}

	var stats Stats
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relPath := relPathFor(s.root, path)
		if d.IsDir() {
			if path == s.root {
				return nil
			}
			// Directory-only patterns carry a trailing slash, so probe
			// both forms before descending.
			if d.Name() == ".git" || s.matcher.Matches(relPath) || s.matcher.Matches(relPath+"/") {
				return filepath.SkipDir
			}
			return nil
		}

		if s.matcher.Matches(relPath) || !allowedExtension(path) {
			stats.Skipped++
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				stats.Skipped++
				return nil
			}
			return err
		}
		if info.Size() > s.maxBytes {
			stats.Skipped++
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			// The file may vanish between the directory listing and
			// the read.
			if os.IsNotExist(err) {
				stats.Skipped++
				return nil
			}
			return err
		}

		stats.Scanned++
		return fn(Artifact{
			RelPath: relPath,
			AbsPath: path,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Binary:  provenance.IsBinary(data),
			Data:    data,
		})
	})
	return stats, err
}

type ignoreMatcher struct {
	matchers []*ignore.GitIgnore
}

func (m ignoreMatcher) Matches(path string) bool {
	for _, matcher := range m.matchers {
		if matcher != nil && matcher.MatchesPath(path) {
			return true
		}
	}
	return false
}

func loadIgnoreMatcher(root string) ignoreMatcher {
	matchers := []*ignore.GitIgnore{}
	matchers = append(matchers, ignore.CompileIgnoreLines(defaultIgnoreLines()...))

	if matcher, err := ignore.CompileIgnoreFile(filepath.Join(root, ".gitignore")); err == nil {
		matchers = append(matchers, matcher)
	}
	if matcher, err := ignore.CompileIgnoreFile(filepath.Join(root, ignoreFileName)); err == nil {
		matchers = append(matchers, matcher)
	}
	return ignoreMatcher{matchers: matchers}
}

func defaultIgnoreLines() []string {
	return []string{
		".git/",
		".hg/",
		".svn/",
		"node_modules/",
		"venv/",
		".venv/",
		"dist/",
		"build/",
		"out/",
		"vendor/",
		"target/",
		".gradle/",
		"__pycache__/",
		".idea/",
		".vscode/",
		"*.png",
		"*.jpg",
		"*.jpeg",
		"*.gif",
		"*.pdf",
		"*.zip",
		"*.gz",
		"*.jar",
		"*.class",
		"*.o",
		"*.so",
		"*.dylib",
		"*.exe",
		"*.db",
		"*.sqlite",
		".DS_Store",
	}
}

func allowedExtension(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".rst", ".adoc", ".txt", ".log":
		return true
	case ".json", ".yaml", ".yml", ".toml", ".ini", ".cfg":
		return true
	case ".go", ".py", ".js", ".jsx", ".ts", ".tsx", ".java", ".kt", ".rs",
		".c", ".cc", ".cpp", ".h", ".hpp", ".cs", ".rb", ".php", ".swift",
		".scala", ".sql", ".sh", ".bash", ".proto":
		return true
	default:
		return false
	}
}

func relPathFor(root, path string) string {
	if root == "" {
		return filepath.ToSlash(path)
	}
	if rel, err := filepath.Rel(root, path); err == nil {
		if rel != "." && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel)
		}
	}
	return filepath.ToSlash(path)
}

func isWithinRoot(path string, root string) (bool, error) {
	path = filepath.Clean(path)
	root = filepath.Clean(root)
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false, err
	}
	rel = filepath.Clean(rel)
	if rel == "." {
		return true, nil
	}
	if rel == ".." {
		return false, nil
	}
	if strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return false, nil
	}
	return true, nil
}
