// Package repository reads package definition files from a directory.
package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/selfie-sh/selfie/pkg/config"
	"github.com/selfie-sh/selfie/pkg/engine"
)

// ErrDirectoryNotFound is returned when the package directory does not exist.
var ErrDirectoryNotFound = errors.New("package directory not found")

var validate = validator.New(validator.WithRequiredStructEnabled())

// packageFile is the on-disk form of a package definition.
type packageFile struct {
	Name         string                     `yaml:"name" validate:"required,max=128"`
	Version      string                     `yaml:"version" validate:"required"`
	Homepage     string                     `yaml:"homepage,omitempty" validate:"omitempty,url"`
	Description  string                     `yaml:"description,omitempty"`
	Environments map[string]environmentFile `yaml:"environments" validate:"required,min=1,dive,keys,required,endkeys"`
}

type environmentFile struct {
	Shell        string   `yaml:"shell,omitempty"`
	Check        string   `yaml:"check,omitempty"`
	Install      string   `yaml:"install" validate:"required"`
	Dependencies []string `yaml:"dependencies,omitempty" validate:"dive,required"`
}

func (f *packageFile) record(path string) engine.PackageRecord {
	rec := engine.PackageRecord{
		Name:         f.Name,
		Version:      f.Version,
		Homepage:     f.Homepage,
		Description:  f.Description,
		Environments: make(map[string]engine.EnvironmentConfig, len(f.Environments)),
		Source:       path,
	}
	for name, env := range f.Environments {
		rec.Environments[name] = engine.EnvironmentConfig{
			Shell:        env.Shell,
			Check:        env.Check,
			Install:      env.Install,
			Dependencies: env.Dependencies,
		}
	}
	return rec
}

// LoadError describes a definition file that could not be used.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// LoadResult is the outcome of reading the package directory.
type LoadResult struct {
	// Records holds every valid definition, ordered by name.
	Records []engine.PackageRecord

	// Errors holds one entry per rejected file, ordered by path.
	Errors []*LoadError
}

// Err joins the load errors into a structural engine error, or returns nil.
func (r *LoadResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return engine.NewStructuralError(
		fmt.Sprintf("%d invalid package definition(s)", len(r.Errors)), errors.Join(errs...),
	).WithCode(engine.ErrCodeValidation)
}

// Repository is an engine.PackageSource over a directory of YAML files.
type Repository struct {
	dir     string
	schemas *config.SchemaRegistry
	logger  zerolog.Logger

	mu   sync.RWMutex
	last *LoadResult
}

// New creates a repository for dir.
func New(dir string, schemas *config.SchemaRegistry, logger zerolog.Logger) *Repository {
	if schemas == nil {
		schemas = config.NewSchemaRegistry()
	}
	return &Repository{
		dir:     dir,
		schemas: schemas,
		logger:  logger.With().Str("component", "repository").Logger(),
	}
}

// Dir returns the package directory.
func (r *Repository) Dir() string {
	return r.dir
}

var _ engine.PackageSource = (*Repository)(nil)

// Load reads every *.yaml and *.yml file in the directory. A bad file is
// recorded in the result and loading continues.
func (r *Repository) Load(ctx context.Context) (*LoadResult, error) {
	paths, err := r.files()
	if err != nil {
		return nil, err
	}

	result := &LoadResult{}
	seen := make(map[string]string)

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec, err := r.loadFile(path)
		if err != nil {
			result.Errors = append(result.Errors, &LoadError{Path: path, Err: err})
			continue
		}

		if first, dup := seen[rec.Name]; dup {
			result.Errors = append(result.Errors, &LoadError{
				Path: path,
				Err:  fmt.Errorf("package %q is already defined in %s", rec.Name, first),
			})
			continue
		}
		seen[rec.Name] = path
		result.Records = append(result.Records, rec)
	}

	sort.Slice(result.Records, func(i, j int) bool { return result.Records[i].Name < result.Records[j].Name })

	r.mu.Lock()
	r.last = result
	r.mu.Unlock()

	r.logger.Debug().
		Int("packages", len(result.Records)).
		Int("errors", len(result.Errors)).
		Str("dir", r.dir).
		Msg("Package definitions loaded")

	return result, nil
}

func (r *Repository) files() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDirectoryNotFound, r.dir)
		}
		return nil, fmt.Errorf("failed to read package directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !isDefinition(entry.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(r.dir, entry.Name()))
	}
	return paths, nil
}

func isDefinition(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

// loadFile decodes one file and runs the schema, struct and record checks.
func (r *Repository) loadFile(path string) (engine.PackageRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return engine.PackageRecord{}, fmt.Errorf("failed to read: %w", err)
	}
	return r.parse(path, data)
}

func (r *Repository) parse(path string, data []byte) (engine.PackageRecord, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return engine.PackageRecord{}, fmt.Errorf("invalid YAML: %w", err)
	}
	if doc == nil {
		return engine.PackageRecord{}, errors.New("empty definition")
	}
	if err := r.schemas.ValidatePackage(doc); err != nil {
		return engine.PackageRecord{}, err
	}

	var file packageFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return engine.PackageRecord{}, fmt.Errorf("failed to decode: %w", err)
	}
	if err := validate.Struct(&file); err != nil {
		return engine.PackageRecord{}, fmt.Errorf("invalid definition: %w", err)
	}

	rec := file.record(path)
	if err := rec.Validate(); err != nil {
		return engine.PackageRecord{}, err
	}
	return rec, nil
}

// Packages implements engine.PackageSource. Any invalid file fails the call
// so a run never starts from a partial set of definitions.
func (r *Repository) Packages(ctx context.Context) ([]engine.PackageRecord, error) {
	result, err := r.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	return result.Records, nil
}

// Get returns the package named name from the last load, loading first if
// needed.
func (r *Repository) Get(ctx context.Context, name string) (engine.PackageRecord, error) {
	r.mu.RLock()
	result := r.last
	r.mu.RUnlock()

	if result == nil {
		var err error
		if result, err = r.Load(ctx); err != nil {
			return engine.PackageRecord{}, err
		}
	}

	i := sort.Search(len(result.Records), func(i int) bool { return result.Records[i].Name >= name })
	if i < len(result.Records) && result.Records[i].Name == name {
		return result.Records[i], nil
	}

	for _, le := range result.Errors {
		if strings.TrimSuffix(filepath.Base(le.Path), filepath.Ext(le.Path)) == name {
			return engine.PackageRecord{}, le
		}
	}

	names := make([]string, len(result.Records))
	for i := range result.Records {
		names[i] = result.Records[i].Name
	}
	return engine.PackageRecord{}, engine.NewPackageNotFoundError(name, "", names).WithDetail("directory", r.dir)
}
