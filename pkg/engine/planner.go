package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Planner resolves package definitions into an installation plan for one
// environment. Planning never runs a command, so every structural error is
// reported before an orchestration pass starts.
type Planner struct {
	// source supplies the package definitions
	source PackageSource
}

// NewPlanner creates a planner over source.
func NewPlanner(source PackageSource) *Planner {
	return &Planner{source: source}
}

// Plan is a resolved, ordered set of packages ready to be run.
type Plan struct {
	// Environment is the environment the plan was resolved for.
	Environment string `json:"environment"`

	// Graph is the dependency graph of the planned packages.
	Graph *DependencyGraph `json:"-"`

	// Order is the installation order.
	Order []string `json:"order"`

	// Levels groups Order into batches with no dependencies among them.
	Levels [][]string `json:"levels"`

	// Incompatible lists referenced packages with no configuration for the
	// environment. They and their dependents will be skipped.
	Incompatible []string `json:"incompatible,omitempty"`

	// CreatedAt is when the plan was resolved.
	CreatedAt time.Time `json:"created_at"`
}

// PlannedPackage describes one package of a plan for display.
type PlannedPackage struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Level        int      `json:"level"`
	Check        string   `json:"check,omitempty"`
	Install      string   `json:"install,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Incompatible bool     `json:"incompatible,omitempty"`
}

// Plan resolves the packages for env. When selected is non-empty the plan
// holds only the selected packages and their dependencies.
func (p *Planner) Plan(ctx context.Context, env string, selected []string) (*Plan, error) {
	records, err := p.source.Packages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load packages: %w", err)
	}

	if err := CheckEnvironment(env, KnownEnvironments(records)); err != nil {
		return nil, err
	}

	if err := ValidateRecords(records, env); err != nil {
		return nil, err
	}

	graph, err := BuildGraph(records, env)
	if err != nil {
		return nil, err
	}

	if len(selected) > 0 {
		graph, err = graph.Subgraph(selected)
		if err != nil {
			return nil, err
		}
	}

	order, err := graph.Order()
	if err != nil {
		return nil, err
	}

	levels, err := graph.Levels()
	if err != nil {
		return nil, err
	}

	return &Plan{
		Environment:  env,
		Graph:        graph,
		Order:        order,
		Levels:       levels,
		Incompatible: graph.Incompatible(),
		CreatedAt:    time.Now(),
	}, nil
}

// ValidateRecords validates the records and joins the errors. With env set
// only that environment's configuration is checked, so a broken definition
// for another environment does not block the run.
func ValidateRecords(records []PackageRecord, env string) error {
	var errs []error
	for i := range records {
		var err error
		if env == "" {
			err = records[i].Validate()
		} else {
			err = records[i].ValidateEnvironment(env)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Packages describes the plan's packages in installation order.
func (p *Plan) Packages() []PlannedPackage {
	level := make(map[string]int)
	for i, names := range p.Levels {
		for _, name := range names {
			level[name] = i
		}
	}

	out := make([]PlannedPackage, 0, len(p.Order))
	for _, name := range p.Order {
		planned := PlannedPackage{
			Name:         name,
			Level:        level[name],
			Dependencies: p.Graph.Dependencies(name),
			Incompatible: p.Graph.IsIncompatible(name),
		}
		if rec, ok := p.Graph.Record(name); ok {
			planned.Version = rec.Version
		}
		if cfg, ok := p.Graph.Config(name); ok {
			planned.Check = cfg.Check
			planned.Install = cfg.Install
		}
		out = append(out, planned)
	}
	return out
}

// Len returns the number of planned packages.
func (p *Plan) Len() int {
	return len(p.Order)
}
