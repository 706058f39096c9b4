// Package sandbox provides file access confined to a deployment's private directory.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	deployerrors "github.com/narvanalabs/botrunner/internal/errors"
)

// DefaultMaxFileSize caps ReadFile and WriteFile.
const DefaultMaxFileSize = 10 << 20

var (
	ErrNotFound      = errors.New("file not found")
	ErrFileTooLarge  = errors.New("file too large")
	ErrAlreadyExists = errors.New("file already exists")
	ErrRootDelete    = errors.New("cannot delete the deployment root")
	ErrIsDirectory   = errors.New("path is a directory")
	ErrNotDirectory  = errors.New("path is not a directory")
)

// FileInfo describes one entry of a directory listing.
type FileInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"mod_time"`
}

// Sandbox exposes file operations rooted at one directory.
type Sandbox struct {
	root        string
	maxFileSize int64
}

// New creates a sandbox rooted at root. maxFileSize <= 0 uses DefaultMaxFileSize.
func New(root string, maxFileSize int64) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving sandbox root: %w", err)
	}
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &Sandbox{root: abs, maxFileSize: maxFileSize}, nil
}

// Root returns the absolute sandbox root.
func (s *Sandbox) Root() string {
	return s.root
}

// Resolve maps rel onto root and rejects anything that leaves it, either
// lexically (".." segments) or through a symlink. A leading separator is
// treated as relative to root.
func Resolve(root, rel string) (string, error) {
	target, _, err := resolvePaths(root, rel)
	return target, err
}

// resolvePaths returns the lexical target of rel under root and the same path
// with every symlink evaluated, including dangling ones.
func resolvePaths(root, rel string) (target, realPath string, err error) {
	root = filepath.Clean(root)
	target = filepath.Join(root, filepath.FromSlash(rel))

	if !within(root, target) {
		return "", "", deployerrors.NewPathTraversalError(rel)
	}

	rootResolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", "", fmt.Errorf("resolving sandbox root: %w", err)
	}

	realPath, err = resolveExisting(target, 0)
	if err != nil {
		if errors.Is(err, errSymlinkLoop) {
			return "", "", deployerrors.NewPathTraversalError(rel)
		}
		return "", "", fmt.Errorf("resolving %q: %w", rel, err)
	}
	if !within(filepath.Clean(rootResolved), realPath) {
		return "", "", deployerrors.NewPathTraversalError(rel)
	}

	return target, realPath, nil
}

// maxLinkHops bounds the dangling-symlink chain followed by resolveExisting.
const maxLinkHops = 40

var errSymlinkLoop = errors.New("too many levels of symbolic links")

// resolveExisting evaluates symlinks of the deepest existing ancestor of p
// and re-attaches the part that does not exist yet. A dangling symlink on the
// way is followed to its target, so the result is where a write would land.
func resolveExisting(p string, hops int) (string, error) {
	var rest []string
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			parts := append([]string{resolved}, rest...)
			return filepath.Clean(filepath.Join(parts...)), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}

		if info, lerr := os.Lstat(cur); lerr == nil && info.Mode()&fs.ModeSymlink != 0 {
			if hops >= maxLinkHops {
				return "", errSymlinkLoop
			}
			dest, err := os.Readlink(cur)
			if err != nil {
				return "", err
			}
			if !filepath.IsAbs(dest) {
				dest = filepath.Join(filepath.Dir(cur), dest)
			}
			resolved, err := resolveExisting(dest, hops+1)
			if err != nil {
				return "", err
			}
			parts := append([]string{resolved}, rest...)
			return filepath.Clean(filepath.Join(parts...)), nil
		}

		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func (s *Sandbox) resolve(rel string) (string, error) {
	return Resolve(s.root, rel)
}

func (s *Sandbox) relative(abs string) string {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

// List returns the entries of a directory, directories first.
func (s *Sandbox) List(rel string) ([]FileInfo, error) {
	dir, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, classify(rel, err)
	}

	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{
			Name:    e.Name(),
			Path:    s.relative(filepath.Join(dir, e.Name())),
			IsDir:   e.IsDir(),
			Size:    info.Size(),
			Mode:    info.Mode().String(),
			ModTime: info.ModTime().UTC(),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// ReadFile returns a file's contents, refusing files over the size cap.
func (s *Sandbox) ReadFile(rel string) ([]byte, error) {
	p, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(p)
	if err != nil {
		return nil, classify(rel, err)
	}
	if info.IsDir() {
		return nil, deployerrors.New(fmt.Errorf("%w: %s", ErrIsDirectory, rel), deployerrors.CodeValidation, deployerrors.CategorySandbox)
	}
	if info.Size() > s.maxFileSize {
		return nil, s.tooLarge(rel, info.Size())
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return nil, classify(rel, err)
	}
	return data, nil
}

// WriteFile replaces a file's contents, creating parent directories as needed.
// The write goes to the symlink-free path and refuses to follow a link
// created after resolution.
func (s *Sandbox) WriteFile(rel string, content []byte) error {
	p, realPath, err := resolvePaths(s.root, rel)
	if err != nil {
		return err
	}
	if p == s.root {
		return deployerrors.New(fmt.Errorf("%w: %s", ErrIsDirectory, rel), deployerrors.CodeValidation, deployerrors.CategorySandbox)
	}
	if int64(len(content)) > s.maxFileSize {
		return s.tooLarge(rel, int64(len(content)))
	}
	if info, err := os.Stat(realPath); err == nil && info.IsDir() {
		return deployerrors.New(fmt.Errorf("%w: %s", ErrIsDirectory, rel), deployerrors.CodeValidation, deployerrors.CategorySandbox)
	}

	if err := os.MkdirAll(filepath.Dir(realPath), 0o755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}
	f, err := os.OpenFile(realPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|openNoFollow, 0o644)
	if err != nil {
		if errors.Is(err, syscall.ELOOP) {
			return deployerrors.NewPathTraversalError(rel)
		}
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	return f.Close()
}

// CreateFile creates an empty file, or a directory when rel ends in a
// separator. It fails if the path already exists.
func (s *Sandbox) CreateFile(rel string) error {
	isDir := strings.HasSuffix(rel, "/") || strings.HasSuffix(rel, string(filepath.Separator))

	p, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(p); err == nil {
		return deployerrors.New(fmt.Errorf("%w: %s", ErrAlreadyExists, rel), deployerrors.CodeConflict, deployerrors.CategorySandbox)
	}

	if isDir {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", rel, err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return deployerrors.New(fmt.Errorf("%w: %s", ErrAlreadyExists, rel), deployerrors.CodeConflict, deployerrors.CategorySandbox)
		}
		return fmt.Errorf("creating %s: %w", rel, err)
	}
	return f.Close()
}

// Delete removes a file or directory tree. The root itself cannot be deleted.
func (s *Sandbox) Delete(rel string) error {
	p, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if p == s.root {
		return deployerrors.New(ErrRootDelete, deployerrors.CodeValidation, deployerrors.CategorySandbox)
	}
	if _, err := os.Lstat(p); err != nil {
		return classify(rel, err)
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("deleting %s: %w", rel, err)
	}
	return nil
}

// Walk returns every regular file under the root as a slash-separated
// relative path, skipping the named directories. It stops after limit files
// when limit > 0.
func (s *Sandbox) Walk(skip []string, limit int) ([]string, error) {
	skipSet := make(map[string]bool, len(skip))
	for _, d := range skip {
		skipSet[d] = true
	}

	var files []string
	errLimit := errors.New("limit reached")
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != s.root && skipSet[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		files = append(files, s.relative(p))
		if limit > 0 && len(files) >= limit {
			return errLimit
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		return nil, fmt.Errorf("walking %s: %w", s.root, err)
	}
	return files, nil
}

func (s *Sandbox) tooLarge(rel string, size int64) error {
	return deployerrors.New(
		fmt.Errorf("%w: %s is %d bytes, limit is %d", ErrFileTooLarge, rel, size, s.maxFileSize),
		deployerrors.CodeValidation,
		deployerrors.CategorySandbox,
	)
}

func classify(rel string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return deployerrors.New(fmt.Errorf("%w: %s", ErrNotFound, rel), deployerrors.CodeNotFound, deployerrors.CategorySandbox)
	case errors.Is(err, syscall.ENOTDIR):
		return deployerrors.New(fmt.Errorf("%w: %s", ErrNotDirectory, rel), deployerrors.CodeValidation, deployerrors.CategorySandbox)
	default:
		return fmt.Errorf("accessing %s: %w", rel, err)
	}
}
