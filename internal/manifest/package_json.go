// Package manifest reads, synthesizes and writes package.json manifests.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// FileName is the manifest file name.
const FileName = "package.json"

// ErrInvalidManifest is returned when package.json cannot be parsed.
var ErrInvalidManifest = errors.New("invalid package.json")

// PackageJSON represents the fields of a package.json file the runner uses.
type PackageJSON struct {
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	Main            string            `json:"main,omitempty"`
	Type            string            `json:"type,omitempty"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies,omitempty"`
	Engines         struct {
		Node string `json:"node,omitempty"`
		NPM  string `json:"npm,omitempty"`
	} `json:"engines,omitempty"`
	PackageManager string `json:"packageManager,omitempty"`
}

// HasScript reports whether the manifest declares a non-empty script.
func (p *PackageJSON) HasScript(name string) bool {
	if p == nil {
		return false
	}
	return strings.TrimSpace(p.Scripts[name]) != ""
}

// Exists reports whether dir contains a package.json.
func Exists(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, FileName))
	return err == nil && !info.IsDir()
}

// Load reads dir/package.json.
func Load(dir string) (*PackageJSON, []byte, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, nil, err
	}
	pkg, err := Parse(data)
	if err != nil {
		return nil, nil, err
	}
	return pkg, data, nil
}

// Parse decodes package.json contents.
func Parse(data []byte) (*PackageJSON, error) {
	var pkg PackageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return &pkg, nil
}

var nameSanitizer = regexp.MustCompile(`[^a-z0-9._-]+`)

// Synthesize builds a minimal manifest whose start script runs entry with node.
func Synthesize(name, entry string) *PackageJSON {
	name = strings.Trim(nameSanitizer.ReplaceAllString(strings.ToLower(name), "-"), "-._")
	if name == "" {
		name = "bot"
	}
	entry = filepath.ToSlash(entry)

	return &PackageJSON{
		Name:         name,
		Version:      "1.0.0",
		Main:         entry,
		Scripts:      map[string]string{"start": "node " + entry},
		Dependencies: map[string]string{},
	}
}

// Save writes pkg to dir/package.json and returns the bytes written.
func Save(dir string, pkg *PackageJSON) ([]byte, error) {
	data, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding package.json: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(filepath.Join(dir, FileName), data, 0o644); err != nil {
		return nil, fmt.Errorf("writing package.json: %w", err)
	}
	return data, nil
}
