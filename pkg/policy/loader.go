package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadDelay is how long a watcher waits for policy edits to settle.
const ReloadDelay = 300 * time.Millisecond

// LoadFiles reads the custom policies found under paths. A path is a policy
// file or a directory searched recursively. Rego unit tests (*_test.rego)
// and hidden files are ignored. Inside a directory a file that cannot be
// parsed is logged and skipped; a named file that cannot be parsed is an
// error. Two files defining the same policy name are an error.
func LoadFiles(ctx context.Context, paths []string, logger zerolog.Logger) ([]Policy, error) {
	var policies []Policy
	sources := make(map[string]string)

	add := func(p *Policy) error {
		if prev, ok := sources[p.Name]; ok {
			return fmt.Errorf("policy %s is defined in both %s and %s", p.Name, prev, p.Source)
		}
		sources[p.Name] = p.Source
		policies = append(policies, *p)
		return nil
	}

	for _, root := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", root, err)
		}
		if !info.IsDir() {
			p, err := readPolicyFile(root)
			if err != nil {
				return nil, err
			}
			if err := add(p); err != nil {
				return nil, err
			}
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != root && hidden(d.Name()) {
					return filepath.SkipDir
				}
				return nil
			}
			if !isPolicyFile(path) {
				return nil
			}
			p, err := readPolicyFile(path)
			if err != nil {
				logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
				return nil
			}
			return add(p)
		})
		if err != nil {
			return nil, err
		}
	}

	logger.Debug().Int("policies", len(policies)).Strs("paths", paths).Msg("Custom policies read")
	return policies, nil
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// isPolicyFile reports whether path names a policy the loader reads.
func isPolicyFile(path string) bool {
	base := filepath.Base(path)
	if hidden(base) || strings.HasSuffix(base, "_test.rego") {
		return false
	}
	ext := filepath.Ext(base)
	return ext == ".rego" || ext == ".json"
}

func readPolicyFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var p *Policy
	switch filepath.Ext(path) {
	case ".rego":
		p = regoPolicy(path, data)
	case ".json":
		if p, err = jsonPolicy(path, data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%s is not a .rego or .json policy", path)
	}
	p.Source = path
	p.LoadedAt = time.Now()
	return p, nil
}

// regoPolicy names the policy after its file. Leading comments become the
// description, except a "severity: <level>" line which sets the severity.
func regoPolicy(path string, data []byte) *Policy {
	description, severity := parseHeader(string(data))
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: description,
		Rego:        string(data),
		Severity:    severity,
		Enabled:     true,
	}
}

// jsonPolicy reads a policy document carrying its Rego inline.
func jsonPolicy(path string, data []byte) (*Policy, error) {
	p := Policy{Enabled: true, Severity: SeverityWarning}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if p.Rego == "" {
		return nil, fmt.Errorf("%s: policy %s has no rego source", path, p.Name)
	}
	return &p, nil
}

func parseHeader(content string) (string, Severity) {
	var description []string
	severity := SeverityWarning

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		comment, ok := strings.CutPrefix(line, "#")
		if !ok {
			if line == "" {
				continue
			}
			break
		}

		comment = strings.TrimSpace(comment)
		if level, ok := strings.CutPrefix(comment, "severity:"); ok {
			switch s := Severity(strings.TrimSpace(level)); s {
			case SeverityInfo, SeverityWarning, SeverityError:
				severity = s
			}
		} else if comment != "" {
			description = append(description, comment)
		}
	}

	return strings.Join(description, " "), severity
}

// Watch re-reads the policies under paths whenever a policy file changes
// and passes the result to fn. Edits within ReloadDelay are coalesced.
// Watch returns once the watcher is set up; it stops when ctx is done.
func Watch(ctx context.Context, paths []string, logger zerolog.Logger, fn func([]Policy, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return watcher.Add(path)
			}
			if path == root {
				// fsnotify reports changes to a single file through its directory.
				return watcher.Add(filepath.Dir(path))
			}
			return nil
		})
		if err != nil {
			watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", root, err)
		}
	}

	logger.Info().Strs("paths", paths).Msg("Watching policies")

	go func() {
		defer watcher.Close()

		timer := time.NewTimer(ReloadDelay)
		timer.Stop()

		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isPolicyFile(event.Name) || event.Op == fsnotify.Chmod {
					continue
				}
				logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")
				timer.Reset(ReloadDelay)

			case <-timer.C:
				fn(LoadFiles(ctx, paths, logger))

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error().Err(err).Msg("Watcher error")
			}
		}
	}()

	return nil
}

// Watch keeps the engine's custom policies in sync with the files under
// paths. A reload that fails to read or compile leaves the previous
// policies in place.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return Watch(ctx, paths, e.logger, func(policies []Policy, err error) {
		if err == nil {
			err = e.Replace(ctx, policies)
		}
		if err != nil {
			e.logger.Error().Err(err).Msg("Policy reload failed")
		}
	})
}
