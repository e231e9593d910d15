package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// HostFacts describes the machine packages are installed on.
type HostFacts struct {
	// OS is the lower-cased kernel name, such as "darwin" or "linux".
	OS string `json:"os"`

	// Arch is the machine hardware name, such as "arm64" or "x86_64".
	Arch string `json:"arch"`

	// Distro is the os-release ID on Linux, such as "ubuntu" or "fedora".
	Distro string `json:"distro,omitempty"`

	// DistroVersion is the os-release VERSION_ID.
	DistroVersion string `json:"distro_version,omitempty"`

	// CollectedAt is when the facts were gathered.
	CollectedAt time.Time `json:"collected_at"`
}

// factCommandTimeout bounds each fact command.
const factCommandTimeout = 10 * time.Second

// CollectFacts gathers host facts by running commands through runner, so it
// works the same on the local machine and over a remote transport.
func CollectFacts(ctx context.Context, runner CommandRunner) (*HostFacts, error) {
	facts := &HostFacts{CollectedAt: time.Now()}

	osName, err := runFact(ctx, runner, "uname -s")
	if err != nil {
		return nil, fmt.Errorf("failed to detect operating system: %w", err)
	}
	facts.OS = strings.ToLower(osName)

	if arch, err := runFact(ctx, runner, "uname -m"); err == nil {
		facts.Arch = arch
	}

	if facts.OS == "linux" {
		release, err := runFact(ctx, runner, "cat /etc/os-release 2>/dev/null || cat /usr/lib/os-release")
		if err == nil {
			facts.Distro, facts.DistroVersion = parseOSRelease(release)
		}
	}

	return facts, nil
}

// runFact runs command and returns its trimmed stdout.
func runFact(ctx context.Context, runner CommandRunner, command string) (string, error) {
	outcome, err := runner.Execute(ctx, CommandRequest{Command: command, Timeout: factCommandTimeout}, nil)
	if err != nil {
		return "", err
	}
	if !outcome.Succeeded() {
		return "", fmt.Errorf("%q exited with code %d", command, outcome.ExitCode)
	}

	lines := make([]string, 0, len(outcome.Stdout))
	for _, line := range outcome.Stdout {
		lines = append(lines, line.Text)
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), nil
}

func parseOSRelease(content string) (id, version string) {
	for _, line := range strings.Split(content, "\n") {
		switch {
		case strings.HasPrefix(line, "ID="):
			id = strings.Trim(strings.TrimPrefix(line, "ID="), `"`)
		case strings.HasPrefix(line, "VERSION_ID="):
			version = strings.Trim(strings.TrimPrefix(line, "VERSION_ID="), `"`)
		}
	}
	return id, version
}

// Candidates returns the environment names the host could match, most
// specific first.
func (f *HostFacts) Candidates() []string {
	var names []string
	if f.Distro != "" {
		names = append(names, f.Distro)
	}
	switch f.OS {
	case "darwin":
		names = append(names, "macos", "darwin", "mac")
	case "":
	default:
		names = append(names, f.OS)
	}
	return names
}

// SuggestEnvironment picks the environment from known that best matches
// the host. It returns "" when none matches.
func (f *HostFacts) SuggestEnvironment(known []string) string {
	available := make(map[string]string, len(known))
	for _, name := range known {
		available[strings.ToLower(name)] = name
	}

	for _, candidate := range f.Candidates() {
		if name, ok := available[candidate]; ok {
			return name
		}
	}

	// Fall back to prefix matches such as "macos-work" for a macOS host.
	sorted := append([]string(nil), known...)
	sort.Strings(sorted)
	for _, candidate := range f.Candidates() {
		for _, name := range sorted {
			if strings.HasPrefix(strings.ToLower(name), candidate) {
				return name
			}
		}
	}
	return ""
}

// KnownEnvironments returns every environment name defined by records, in
// ascending order.
func KnownEnvironments(records []PackageRecord) []string {
	seen := make(map[string]bool)
	for i := range records {
		for name := range records[i].Environments {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
