package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// Built-in schema names.
const (
	SchemaPackage = "package"
	SchemaConfig  = "config"
)

// SchemaRegistry manages CUE schemas for validation. Each schema is compiled
// once and validated through its first definition, such as #Package.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	// Built-in schemas are constants; a compile failure is a programming error.
	if err := sr.RegisterSchema(SchemaPackage, builtinPackageSchema); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema(SchemaConfig, builtinConfigSchema); err != nil {
		panic(err)
	}

	return sr
}

// RegisterSchema compiles schema and registers its first definition under
// name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	iter, err := val.Fields(cue.Definitions(true))
	if err != nil {
		return fmt.Errorf("failed to read schema %s: %w", name, err)
	}
	for iter.Next() {
		if iter.Selector().IsDefinition() {
			sr.schemas[name] = iter.Value()
			return nil
		}
	}
	return fmt.Errorf("schema %s declares no definition", name)
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Validate checks data against the named schema. data is any value the CUE
// encoder accepts, typically a document decoded from YAML.
func (sr *SchemaRegistry) Validate(schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	// cue.Context is not safe for concurrent use.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &SchemaError{Schema: schemaName, Problems: flatten(err)}
	}

	return nil
}

// ValidatePackage checks a decoded package definition against #Package.
func (sr *SchemaRegistry) ValidatePackage(doc interface{}) error {
	return sr.Validate(SchemaPackage, doc)
}

// ValidateConfig checks a decoded configuration document against #Config.
func (sr *SchemaRegistry) ValidateConfig(doc interface{}) error {
	return sr.Validate(SchemaConfig, doc)
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SchemaError lists every schema violation of a document.
type SchemaError struct {
	Schema   string
	Problems []string
}

func (e *SchemaError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("%s schema: %s", e.Schema, e.Problems[0])
	}
	return fmt.Sprintf("%s schema: %d problems, first: %s", e.Schema, len(e.Problems), e.Problems[0])
}

func flatten(err error) []string {
	var problems []string
	for _, e := range errors.Errors(err) {
		problems = append(problems, e.Error())
	}
	if len(problems) == 0 {
		problems = append(problems, err.Error())
	}
	return problems
}

const builtinPackageSchema = `
import "struct"

// A package definition file.
#Package: {
	name:         string & !=""
	version:      string & !=""
	homepage?:    string
	description?: string

	// At least one environment is required.
	environments: {[string]: #Environment} & struct.MinFields(1)
}

#Environment: {
	shell?:        string & !=""
	check?:        string
	install:       string & !=""
	dependencies?: [...string & !=""]
}
`

const builtinConfigSchema = `
// The application configuration file.
#Config: {
	environment?:       string
	package_directory?: string & !=""
	command_timeout?:   int & >0
	grace_period?:      int & >=0
	stop_on_error?:     bool
	max_parallel?:      int & >=1 & <=64
	verbose?:           bool
	use_colors?:        bool
	history_path?:      string
	policy_directory?:  string

	logging?: {
		level?:  "trace" | "debug" | "info" | "warn" | "error"
		format?: "console" | "json"
		output?: string
	}

	telemetry?: {
		tracing?:      "none" | "stdout" | "otlp"
		endpoint?:     string
		metrics_addr?: string
	}

	remote?: {
		host:                      string & !=""
		port?:                     int & >0 & <=65535
		user:                      string & !=""
		auth?:                     "key" | "password" | "agent"
		password?:                 string
		private_key?:              string
		passphrase?:               string
		known_hosts?:              string
		strict_host_key_checking?: bool
		connection_timeout?:       int & >0
	}
}
`
