// Package entrypoint discovers the commands that can launch a deployment.
package entrypoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/narvanalabs/botrunner/internal/manifest"
	"github.com/narvanalabs/botrunner/internal/sandbox"
)

// ErrDirNotFound is returned when the deployment directory does not exist.
var ErrDirNotFound = errors.New("deployment directory not found")

// EntryFiles is the ordered list of files probed as direct entry points.
var EntryFiles = []string{
	"index.js", "main.js", "bot.js", "start.js", "app.js", "server.js",
	"src/index.js", "src/main.js", "src/bot.js", "src/start.js", "src/app.js", "src/server.js",
	"dist/index.js", "dist/main.js", "dist/bot.js", "dist/start.js", "dist/app.js", "dist/server.js",
}

// fallbackFiles are tried with node when nothing else was discovered.
var fallbackFiles = []string{"index.js", "main.js", "bot.js"}

// Candidate is one command the supervisor may try.
type Candidate struct {
	Command     string   `json:"command"`
	Args        []string `json:"args"`
	Description string   `json:"description"`
}

// String renders the candidate as it would be typed.
func (c Candidate) String() string {
	return strings.TrimSpace(c.Command + " " + strings.Join(c.Args, " "))
}

// Resolver lists start candidates for a directory. It never executes anything.
type Resolver struct{}

// NewResolver creates a new Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// plainNodeScript matches start scripts that only run one file with node.
var plainNodeScript = regexp.MustCompile(`^node\s+([\w./-]+)$`)

// Resolve returns the ordered candidate list:
//  1. the manifest's start script, through the package manager, or as a
//     direct node invocation when the script is exactly "node <file>";
//  2. node <file> for each existing file in EntryFiles;
//  3. a fixed fallback list when nothing was found.
func (r *Resolver) Resolve(ctx context.Context, dir string) ([]Candidate, error) {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrDirNotFound, dir)
	}

	var pkg *manifest.PackageJSON
	if manifest.Exists(dir) {
		// An unreadable manifest only costs the start-script candidate.
		pkg, _, _ = manifest.Load(dir)
	}
	pm := manifest.DetectPackageManager(dir, pkg)

	var out []Candidate
	seen := make(map[string]bool)
	add := func(c Candidate) {
		if key := c.String(); !seen[key] {
			seen[key] = true
			out = append(out, c)
		}
	}

	if pkg.HasScript("start") {
		script := strings.TrimSpace(pkg.Scripts["start"])
		if m := plainNodeScript.FindStringSubmatch(script); m != nil && isFile(dir, m[1]) {
			add(nodeCandidate(path.Clean(m[1]), "start script: "+script))
		} else {
			add(Candidate{
				Command:     pm.Binary(),
				Args:        []string{"start"},
				Description: "start script via " + pm.Binary() + ": " + script,
			})
		}
	}

	for _, f := range EntryFiles {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isFile(dir, f) {
			add(nodeCandidate(f, "run "+f+" directly"))
		}
	}

	if len(out) == 0 {
		add(Candidate{
			Command:     pm.Binary(),
			Args:        []string{"start"},
			Description: "fallback: " + pm.Binary() + " start",
		})
		for _, f := range fallbackFiles {
			add(nodeCandidate(f, "fallback: node "+f))
		}
	}

	return out, nil
}

// DetectEntryFile returns the first existing file of EntryFiles.
func DetectEntryFile(dir string) (string, bool) {
	for _, f := range EntryFiles {
		if isFile(dir, f) {
			return f, true
		}
	}
	return "", false
}

func nodeCandidate(file, description string) Candidate {
	return Candidate{
		Command:     "node",
		Args:        []string{file},
		Description: description,
	}
}

// isFile reports whether rel is a regular file inside dir.
func isFile(dir, rel string) bool {
	p, err := sandbox.Resolve(dir, rel)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}
