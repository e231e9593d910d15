package engine

import (
	"fmt"
	"sort"
)

// PackageRecord is the in-memory definition of a package.
type PackageRecord struct {
	// Name is unique within a resolution run.
	Name string `json:"name"`

	// Version is the package version as declared by its definition.
	Version string `json:"version"`

	// Homepage is an optional project URL.
	Homepage string `json:"homepage,omitempty"`

	// Description is an optional short summary.
	Description string `json:"description,omitempty"`

	// Environments maps an environment name to its commands and dependencies.
	Environments map[string]EnvironmentConfig `json:"environments"`

	// Source is the definition file the record was read from, if any.
	Source string `json:"source,omitempty"`
}

// EnvironmentConfig holds a package's commands for one environment.
type EnvironmentConfig struct {
	// Shell overrides the default shell used to run the commands.
	Shell string `json:"shell,omitempty"`

	// Check is an optional command that exits 0 when the package is present.
	Check string `json:"check,omitempty"`

	// Install is the command that installs the package.
	Install string `json:"install"`

	// Dependencies lists package names that must be satisfied first, in declaration order.
	Dependencies []string `json:"dependencies,omitempty"`
}

// Environment returns the configuration for env.
func (p *PackageRecord) Environment(env string) (EnvironmentConfig, bool) {
	cfg, ok := p.Environments[env]
	return cfg, ok
}

// SupportsEnvironment reports whether the package defines env.
func (p *PackageRecord) SupportsEnvironment(env string) bool {
	_, ok := p.Environments[env]
	return ok
}

// EnvironmentNames returns the defined environment names in ascending order.
func (p *PackageRecord) EnvironmentNames() []string {
	names := make([]string, 0, len(p.Environments))
	for name := range p.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the record for definition errors that make it unusable
// in any environment.
func (p *PackageRecord) Validate() error {
	if p.Name == "" {
		return NewStructuralError("package has empty name", nil).WithCode(ErrCodeValidation)
	}
	if len(p.Environments) == 0 {
		return NewStructuralError("package defines no environments", nil).
			WithCode(ErrCodeValidation).WithResource(p.Name)
	}

	for _, env := range p.EnvironmentNames() {
		if err := p.validateConfig(env, p.Environments[env]); err != nil {
			return err
		}
	}
	return nil
}

// ValidateEnvironment checks the record as far as env is concerned. A record
// that does not define env is valid for it.
func (p *PackageRecord) ValidateEnvironment(env string) error {
	if p.Name == "" {
		return NewStructuralError("package has empty name", nil).WithCode(ErrCodeValidation)
	}
	cfg, ok := p.Environments[env]
	if !ok {
		return nil
	}
	return p.validateConfig(env, cfg)
}

func (p *PackageRecord) validateConfig(env string, cfg EnvironmentConfig) error {
	if cfg.Install == "" {
		return NewStructuralError(fmt.Sprintf("environment %q has no install command", env), nil).
			WithCode(ErrCodeValidation).WithResource(p.Name)
	}

	seen := make(map[string]bool, len(cfg.Dependencies))
	for _, dep := range cfg.Dependencies {
		if dep == p.Name {
			return NewStructuralError(fmt.Sprintf("environment %q lists the package as its own dependency", env), nil).
				WithCode(ErrCodeValidation).WithResource(p.Name)
		}
		if seen[dep] {
			return NewStructuralError(fmt.Sprintf("environment %q lists dependency %q twice", env, dep), nil).
				WithCode(ErrCodeValidation).WithResource(p.Name)
		}
		seen[dep] = true
	}
	return nil
}
