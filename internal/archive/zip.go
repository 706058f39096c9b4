// Package archive unpacks uploaded bot archives into a deployment directory.
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	deployerrors "github.com/narvanalabs/botrunner/internal/errors"
	"github.com/narvanalabs/botrunner/internal/sandbox"
)

// ErrTooLarge is returned when the uncompressed content exceeds the limit.
var ErrTooLarge = errors.New("archive content exceeds size limit")

// skipped lists entries that are never extracted.
var skipped = []string{"__MACOSX/", ".DS_Store", "node_modules/"}

// ExtractZip unpacks data into dest and returns the extracted file paths,
// slash separated and sorted. When every entry sits under one top-level
// directory that directory is stripped. maxBytes caps the total uncompressed
// size; 0 means no cap.
func ExtractZip(ctx context.Context, data []byte, dest string, maxBytes int64) ([]string, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, deployerrors.NewValidationError("invalid zip archive: %v", err)
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dest, err)
	}

	prefix := commonRoot(r.File)

	var (
		files   []string
		written int64
	)
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		name := strings.TrimPrefix(strings.ReplaceAll(f.Name, `\`, "/"), prefix)
		if name == "" || skip(name) {
			continue
		}
		if f.Mode()&os.ModeSymlink != 0 {
			return nil, deployerrors.NewValidationError("archive entry %q is a symlink", f.Name)
		}

		fpath, err := sandbox.Resolve(dest, name)
		if err != nil {
			return nil, err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(fpath, 0o755); err != nil {
				return nil, err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(fpath), 0o755); err != nil {
			return nil, err
		}

		n, err := extractFile(f, fpath, remaining(maxBytes, written))
		written += n
		if err != nil {
			return nil, fmt.Errorf("extracting %s: %w", f.Name, err)
		}
		files = append(files, path.Clean(name))
	}

	sort.Strings(files)
	return files, nil
}

func extractFile(f *zip.File, fpath string, limit int64) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode|0o600)
	if err != nil {
		return 0, err
	}

	var src io.Reader = rc
	if limit >= 0 {
		src = io.LimitReader(rc, limit+1)
	}
	n, err := io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	if limit >= 0 && n > limit {
		return n, ErrTooLarge
	}
	return n, nil
}

// remaining returns the bytes left under maxBytes, or -1 for no cap.
func remaining(maxBytes, written int64) int64 {
	if maxBytes <= 0 {
		return -1
	}
	if written >= maxBytes {
		return 0
	}
	return maxBytes - written
}

// commonRoot returns "dir/" when every entry lives under the same top-level
// directory and the archive has no files at its root.
func commonRoot(files []*zip.File) string {
	var root string
	for _, f := range files {
		name := strings.ReplaceAll(f.Name, `\`, "/")
		if skip(name) {
			continue
		}
		first, _, ok := strings.Cut(name, "/")
		if !ok || first == "" {
			return ""
		}
		if root == "" {
			root = first
		} else if root != first {
			return ""
		}
	}
	if root == "" {
		return ""
	}
	return root + "/"
}

func skip(name string) bool {
	for _, s := range skipped {
		if strings.HasSuffix(s, "/") {
			if strings.HasPrefix(name, s) || strings.Contains(name, "/"+s) {
				return true
			}
			continue
		}
		if name == s || strings.HasSuffix(name, "/"+s) {
			return true
		}
	}
	return false
}
