package policy

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selfie-sh/selfie/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	require.NoError(t, err)
	return eng
}

func pkg(name string, envs map[string]engine.EnvironmentConfig) engine.PackageRecord {
	return engine.PackageRecord{Name: name, Version: "1.0.0", Environments: envs}
}

func install(cmd string) map[string]engine.EnvironmentConfig {
	return map[string]engine.EnvironmentConfig{"mac": {Install: cmd}}
}

func policiesOf(vs []Violation) []string {
	names := make([]string, 0, len(vs))
	for _, v := range vs {
		names = append(names, v.Policy)
	}
	return names
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	for _, p := range eng.ListPolicies() {
		names = append(names, p.Name)
		assert.True(t, p.Builtin)
		assert.True(t, p.Enabled)
	}
	assert.Equal(t, []string{
		"command-hints",
		"command-syntax",
		"package-naming",
		"privileged-check",
		"remote-script-pipe",
		"unsafe-redirection",
	}, names)
}

func TestEvaluate_CleanPackage(t *testing.T) {
	eng := newTestEngine(t)

	res, err := eng.Evaluate(context.Background(), pkg("ripgrep", map[string]engine.EnvironmentConfig{
		"mac": {Check: "command -v rg", Install: "brew install ripgrep"},
	}), "mac")
	require.NoError(t, err)

	assert.True(t, res.Allowed)
	assert.Empty(t, res.Violations)
	assert.Empty(t, res.Warnings)
	assert.Len(t, res.EvaluatedPolicies, 6)
}

func TestEvaluate_Findings(t *testing.T) {
	tests := []struct {
		name        string
		record      engine.PackageRecord
		wantAllowed bool
		wantPolicy  string
		wantMessage string
	}{
		{
			name:        "unmatched single quote",
			record:      pkg("tool", install("brew install 'tool")),
			wantPolicy:  "command-syntax",
			wantMessage: "Unmatched single quote in install command",
		},
		{
			name:        "unmatched double quote",
			record:      pkg("tool", install(`brew install "tool`)),
			wantPolicy:  "command-syntax",
			wantMessage: "Unmatched double quote in install command",
		},
		{
			name:        "empty pipe",
			record:      pkg("tool", install("brew list | | grep tool")),
			wantPolicy:  "command-syntax",
			wantMessage: "Invalid pipe usage in install command",
		},
		{
			name:        "relative redirection",
			record:      pkg("tool", install("brew install tool > install.log")),
			wantAllowed: true,
			wantPolicy:  "unsafe-redirection",
		},
		{
			name:        "download piped into shell",
			record:      pkg("tool", install("curl -fsSL https://example.com/install.sh | sh")),
			wantAllowed: true,
			wantPolicy:  "remote-script-pipe",
		},
		{
			name: "sudo in check",
			record: pkg("tool", map[string]engine.EnvironmentConfig{
				"mac": {Check: "sudo test -d /opt/tool", Install: "brew install tool"},
			}),
			wantAllowed: true,
			wantPolicy:  "privileged-check",
		},
		{
			name:        "uppercase name",
			record:      pkg("RipGrep", install("brew install ripgrep")),
			wantPolicy:  "package-naming",
			wantMessage: "Package name 'RipGrep' must be lowercase and use only letters, digits, '.', '_', '+' and '-'",
		},
	}

	eng := newTestEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := eng.Evaluate(context.Background(), tt.record, "mac")
			require.NoError(t, err)

			assert.Equal(t, tt.wantAllowed, res.Allowed)
			all := append(append([]Violation{}, res.Violations...), res.Warnings...)
			assert.Contains(t, policiesOf(all), tt.wantPolicy)

			if tt.wantMessage != "" {
				var found bool
				for _, v := range all {
					if v.Policy == tt.wantPolicy && v.Message == tt.wantMessage {
						found = true
						assert.Equal(t, tt.record.Name, v.Package)
					}
				}
				assert.True(t, found, "message %q not reported", tt.wantMessage)
			}
		})
	}
}

func TestEvaluate_AbsoluteRedirectionIsFine(t *testing.T) {
	eng := newTestEngine(t)

	for _, cmd := range []string{
		"brew install tool > /tmp/install.log",
		"brew install tool > ~/install.log",
	} {
		res, err := eng.Evaluate(context.Background(), pkg("tool", install(cmd)), "mac")
		require.NoError(t, err)
		assert.NotContains(t, policiesOf(res.Warnings), "unsafe-redirection", cmd)
	}
}

func TestEvaluate_Hints(t *testing.T) {
	eng := newTestEngine(t)

	res, err := eng.Evaluate(context.Background(), pkg("git", map[string]engine.EnvironmentConfig{
		"mac":    {Install: "sudo apt-get install -y git"},
		"ubuntu": {Install: "echo `date` && apt-get install -y git"},
	}), "")
	require.NoError(t, err)
	require.True(t, res.Allowed, "hints never block")

	var hints []Violation
	for _, w := range res.Warnings {
		if w.Policy == "command-hints" {
			assert.Equal(t, SeverityInfo, w.Severity)
			hints = append(hints, w)
		}
	}

	messages := make(map[string]string)
	for _, h := range hints {
		messages[h.Environment+": "+h.Message] = h.Remediation
	}
	assert.Contains(t, messages, "mac: install command may prompt for elevated privileges")
	assert.Equal(t, "Consider using: brew, port, mas", messages["mac: 'apt-get' may not be optimal for environment 'mac'"])
	assert.Contains(t, messages, "ubuntu: install command uses backticks")
	assert.Contains(t, messages, "ubuntu: 'echo' may not be optimal for environment 'ubuntu'")
}

func TestEvaluate_OnlySelectedEnvironment(t *testing.T) {
	eng := newTestEngine(t)

	rec := pkg("tool", map[string]engine.EnvironmentConfig{
		"mac":    {Install: "brew install tool"},
		"ubuntu": {Install: "apt-get install 'tool"},
	})

	res, err := eng.Evaluate(context.Background(), rec, "mac")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = eng.Evaluate(context.Background(), rec, "")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "ubuntu", res.Violations[0].Environment)
	assert.Equal(t, "install", res.Violations[0].Field)
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	rec := pkg("BadName", install("brew install tool"))

	require.NoError(t, eng.DisablePolicy("package-naming"))
	res, err := eng.Evaluate(context.Background(), rec, "mac")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.NotContains(t, res.EvaluatedPolicies, "package-naming")

	require.NoError(t, eng.EnablePolicy("package-naming"))
	res, err = eng.Evaluate(context.Background(), rec, "mac")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	assert.Error(t, eng.DisablePolicy("nonexistent"))
	_, err = eng.GetPolicy("nonexistent")
	assert.Error(t, err)
}

func TestReplace(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	custom := Policy{
		Name:     "no-npm",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package custom.npm

import rego.v1

deny contains violation if {
	some cmd in input.commands
	cmd.base == "npm"
	violation := {"message": "npm is not allowed", "environment": cmd.environment}
}`,
	}
	require.NoError(t, eng.Replace(ctx, []Policy{custom}))

	res, err := eng.Evaluate(ctx, pkg("prettier", install("npm install -g prettier")), "mac")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, []string{"no-npm"}, policiesOf(res.Violations))

	require.NoError(t, eng.Replace(ctx, nil))
	_, err = eng.GetPolicy("no-npm")
	assert.Error(t, err, "replacing drops earlier custom policies")

	assert.Error(t, eng.Replace(ctx, []Policy{{Name: "command-syntax", Rego: custom.Rego}}), "built-in names are reserved")
	assert.Error(t, eng.Replace(ctx, []Policy{{Name: "broken", Rego: "package broken\ndeny contains"}}))
	assert.Len(t, eng.ListPolicies(), 6)
}

func TestEvaluateAll(t *testing.T) {
	eng := newTestEngine(t)

	results, err := eng.EvaluateAll(context.Background(), []engine.PackageRecord{
		pkg("a", install("brew install a")),
		pkg("B", install("brew install b")),
	}, "mac")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Allowed)
	assert.False(t, results[1].Allowed)
}

func TestNewInput(t *testing.T) {
	in := NewInput(pkg("tool", map[string]engine.EnvironmentConfig{
		"mac":    {Check: "command -v tool", Install: "sudo brew install tool"},
		"ubuntu": {Install: "apt-get install tool"},
	}), "")

	require.Len(t, in.Commands, 3)
	assert.Equal(t, CommandInput{
		Environment: "mac", Field: "install", Command: "sudo brew install tool", Base: "brew",
	}, in.Commands[0])
	assert.Equal(t, "check", in.Commands[1].Field)
	assert.Equal(t, "ubuntu", in.Commands[2].Environment)

	assert.Empty(t, NewInput(pkg("tool", install("x")), "windows").Commands)
}

func TestUnmatchedQuote(t *testing.T) {
	tests := map[string]string{
		`echo hello`:          "",
		`echo 'hello`:         "single",
		`echo "hello`:         "double",
		`echo "it's"`:         "",
		`echo 'say "hi'`:      "",
		`echo 'a' "b" 'c`:     "single",
		`sh -c "echo 'x' > y"`: "",
	}
	for cmd, want := range tests {
		assert.Equal(t, want, unmatchedQuote(cmd), cmd)
	}
}

func TestBaseCommand(t *testing.T) {
	assert.Equal(t, "echo", BaseCommand("echo hello"))
	assert.Equal(t, "brew", BaseCommand("brew install ripgrep"))
	assert.Equal(t, "apt-get", BaseCommand("  apt-get install -y git  "))
	assert.Equal(t, "apt", BaseCommand("sudo apt install git"))
	assert.Equal(t, "sudo", BaseCommand("sudo"))
	assert.Equal(t, "", BaseCommand("   "))
}

func TestCheckAvailability(t *testing.T) {
	rec := pkg("tool", map[string]engine.EnvironmentConfig{
		"mac": {Check: "command -v tool", Install: "brew install tool && brew link tool"},
	})

	lookup := func(_ context.Context, name string) bool { return name != "brew" }

	warnings := CheckAvailability(context.Background(), rec, "mac", lookup)
	require.Len(t, warnings, 1)
	assert.Equal(t, AvailabilityPolicy, warnings[0].Policy)
	assert.Equal(t, "command 'brew' not found in environment 'mac'", warnings[0].Message)

	assert.Empty(t, CheckAvailability(context.Background(), rec, "mac", func(context.Context, string) bool { return true }))
}
