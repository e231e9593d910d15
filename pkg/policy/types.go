package policy

import (
	"strings"
	"time"

	"github.com/selfie-sh/selfie/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for hints that never block an install.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for findings that block an install.
	SeverityError Severity = "error"
)

// Blocks reports whether a violation of this severity disallows the package.
func (s Severity) Blocks() bool {
	return s == SeverityError
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the policy source. Findings are read from its deny set.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with selfie.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file a custom policy was loaded from.
	Source string `json:"source,omitempty"`

	LoadedAt time.Time `json:"loaded_at"`
}

// Violation is a single finding against a package definition.
type Violation struct {
	Policy      string   `json:"policy"`
	Package     string   `json:"package"`
	Environment string   `json:"environment,omitempty"`
	Field       string   `json:"field,omitempty"`
	Command     string   `json:"command,omitempty"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
	Remediation string   `json:"remediation,omitempty"`
}

// Result is the outcome of evaluating every enabled policy for one package.
type Result struct {
	// Package is the evaluated package name.
	Package string `json:"package"`

	// Allowed is false when at least one error-level violation was found.
	Allowed bool `json:"allowed"`

	// Violations holds the blocking findings.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings holds warning and info findings.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

func (r *Result) add(v Violation) {
	if v.Severity.Blocks() {
		r.Violations = append(r.Violations, v)
		r.Allowed = false
		return
	}
	r.Warnings = append(r.Warnings, v)
}

// Input is the document policies are evaluated against.
type Input struct {
	Package     engine.PackageRecord `json:"package"`
	Environment string               `json:"environment,omitempty"`
	Commands    []CommandInput       `json:"commands"`
}

// CommandInput is one command of a package, with lexical facts that are
// awkward to compute in Rego.
type CommandInput struct {
	Environment string `json:"environment"`
	Field       string `json:"field"`
	Command     string `json:"command"`

	// Base is the first word of the command, after an optional sudo.
	Base string `json:"base"`

	// UnmatchedQuote is "single" or "double" when a quote is never closed.
	UnmatchedQuote string `json:"unmatched_quote"`
}

// NewInput builds the policy input for rec. When env is empty every
// environment's commands are included.
func NewInput(rec engine.PackageRecord, env string) *Input {
	in := &Input{Package: rec, Environment: env, Commands: []CommandInput{}}

	envs := rec.EnvironmentNames()
	if env != "" {
		envs = nil
		if rec.SupportsEnvironment(env) {
			envs = []string{env}
		}
	}

	for _, name := range envs {
		cfg, _ := rec.Environment(name)
		in.Commands = append(in.Commands, newCommandInput(name, "install", cfg.Install))
		if cfg.Check != "" {
			in.Commands = append(in.Commands, newCommandInput(name, "check", cfg.Check))
		}
	}
	return in
}

func newCommandInput(env, field, command string) CommandInput {
	return CommandInput{
		Environment:    env,
		Field:          field,
		Command:        command,
		Base:           BaseCommand(command),
		UnmatchedQuote: unmatchedQuote(command),
	}
}

// BaseCommand returns the program a command line starts with, skipping a
// leading sudo.
func BaseCommand(command string) string {
	fields := strings.Fields(command)
	if len(fields) > 1 && fields[0] == "sudo" {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// unmatchedQuote tracks quote state the way a POSIX shell does, ignoring
// escapes, and reports which kind of quote is left open.
func unmatchedQuote(command string) string {
	var single, double bool
	for _, c := range command {
		switch c {
		case '\'':
			if !double {
				single = !single
			}
		case '"':
			if !single {
				double = !double
			}
		}
	}
	switch {
	case single:
		return "single"
	case double:
		return "double"
	default:
		return ""
	}
}
