package installer

import (
	"github.com/narvanalabs/botrunner/internal/manifest"
)

// Step is one package-manager invocation. Fallbacks run in order when the
// step fails; the group succeeds as soon as one member succeeds.
type Step struct {
	Name      string
	Command   string
	Args      []string
	Optional  bool
	Fallbacks []Step
}

// String renders the command line.
func (s Step) String() string {
	out := s.Command
	for _, a := range s.Args {
		out += " " + a
	}
	return out
}

// Pipeline returns the ordered steps for a project using pm. The build step
// is included only when pkg declares a build script.
func Pipeline(pm manifest.PackageManager, pkg *manifest.PackageJSON) []Step {
	bin := pm.Binary()

	steps := []Step{
		{Name: "cache-clean", Command: bin, Args: cacheCleanArgs(pm), Optional: true},
		{
			Name:    "install",
			Command: bin,
			Args:    []string{"install"},
			Fallbacks: []Step{
				{Name: "install-relaxed-peers", Command: bin, Args: relaxedInstallArgs(pm), Optional: true},
				{Name: "clean-install", Command: bin, Args: cleanInstallArgs(pm), Optional: true},
			},
		},
	}

	if args := auditFixArgs(pm); args != nil {
		steps = append(steps, Step{Name: "audit-fix", Command: bin, Args: args, Optional: true})
	}

	if pkg.HasScript("build") {
		steps = append(steps, Step{Name: "build", Command: bin, Args: []string{"run", "build"}})
	}

	return steps
}

func cacheCleanArgs(pm manifest.PackageManager) []string {
	switch pm {
	case manifest.Yarn:
		return []string{"cache", "clean"}
	case manifest.PNPM:
		return []string{"store", "prune"}
	default:
		return []string{"cache", "clean", "--force"}
	}
}

func relaxedInstallArgs(pm manifest.PackageManager) []string {
	switch pm {
	case manifest.Yarn:
		return []string{"install", "--ignore-engines"}
	case manifest.PNPM:
		return []string{"install", "--strict-peer-dependencies=false"}
	default:
		return []string{"install", "--legacy-peer-deps"}
	}
}

func cleanInstallArgs(pm manifest.PackageManager) []string {
	switch pm {
	case manifest.Yarn, manifest.PNPM:
		return []string{"install", "--frozen-lockfile"}
	default:
		return []string{"ci"}
	}
}

// auditFixArgs returns nil when pm has no automatic fix command.
func auditFixArgs(pm manifest.PackageManager) []string {
	switch pm {
	case manifest.Yarn:
		return nil
	case manifest.PNPM:
		return []string{"audit", "--fix"}
	default:
		return []string{"audit", "fix"}
	}
}
