package manifest

import (
	"os"
	"path/filepath"
	"strings"
)

// PackageManager identifies the Node package manager used for a project.
type PackageManager string

const (
	NPM  PackageManager = "npm"
	Yarn PackageManager = "yarn"
	PNPM PackageManager = "pnpm"
)

// Binary returns the executable name.
func (m PackageManager) Binary() string {
	if m == "" {
		return string(NPM)
	}
	return string(m)
}

// DetectPackageManager determines which package manager to use: the
// packageManager field first, then lock files, then npm.
func DetectPackageManager(dir string, pkg *PackageJSON) PackageManager {
	if pkg != nil && pkg.PackageManager != "" {
		switch {
		case strings.HasPrefix(pkg.PackageManager, "yarn"):
			return Yarn
		case strings.HasPrefix(pkg.PackageManager, "pnpm"):
			return PNPM
		case strings.HasPrefix(pkg.PackageManager, "npm"):
			return NPM
		}
	}

	if fileExists(filepath.Join(dir, "pnpm-lock.yaml")) {
		return PNPM
	}
	if fileExists(filepath.Join(dir, "yarn.lock")) {
		return Yarn
	}
	return NPM
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
