package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func decodeYAML(t *testing.T, src string) map[string]interface{} {
	t.Helper()
	var doc map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(src), &doc))
	return doc
}

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	assert.Equal(t, []string{SchemaConfig, SchemaPackage}, sr.ListSchemas())

	for _, name := range sr.ListSchemas() {
		schema, ok := sr.GetSchema(name)
		require.True(t, ok, name)
		assert.NoError(t, schema.Err(), name)
	}
}

func TestSchemaRegistry_RegisterSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	require.NoError(t, sr.RegisterSchema("custom", `
#Custom: {
	field1: string
	field2: int
}
`))

	assert.NoError(t, sr.Validate("custom", map[string]interface{}{"field1": "a", "field2": 1}))
	assert.Error(t, sr.Validate("custom", map[string]interface{}{"field1": "a"}), "missing field2 is not concrete")
	assert.Error(t, sr.Validate("custom", map[string]interface{}{"field1": "a", "field2": 1, "extra": true}), "definitions are closed")

	assert.Error(t, sr.RegisterSchema("broken", "#Broken: {"))
	assert.Error(t, sr.RegisterSchema("plain", "field: string"), "schema without a definition")
	assert.Error(t, sr.Validate("missing", nil))
}

func TestSchemaRegistry_ValidatePackage(t *testing.T) {
	sr := NewSchemaRegistry()

	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{
			name: "valid package",
			doc: `
name: ripgrep
version: 14.1.0
environments:
  macos:
    check: command -v rg
    install: brew install ripgrep
    dependencies: [rust]
  ubuntu:
    install: apt-get install -y ripgrep
`,
		},
		{
			name: "missing install",
			doc: `
name: ripgrep
version: 1.0.0
environments:
  macos:
    check: command -v rg
`,
			wantErr: true,
		},
		{
			name: "no environments",
			doc: `
name: ripgrep
version: 1.0.0
environments: {}
`,
			wantErr: true,
		},
		{
			name: "unknown field",
			doc: `
name: ripgrep
version: 1.0.0
maintainer: someone
environments:
  macos:
    install: brew install ripgrep
`,
			wantErr: true,
		},
		{
			name: "dependencies must be strings",
			doc: `
name: ripgrep
version: 1.0.0
environments:
  macos:
    install: brew install ripgrep
    dependencies: [1]
`,
			wantErr: true,
		},
		{
			name: "empty name",
			doc: `
name: ""
version: 1.0.0
environments:
  macos:
    install: brew install ripgrep
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidatePackage(decodeYAML(t, tt.doc))
			if tt.wantErr {
				var schemaErr *SchemaError
				require.ErrorAs(t, err, &schemaErr)
				assert.Equal(t, SchemaPackage, schemaErr.Schema)
				assert.NotEmpty(t, schemaErr.Problems)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSchemaRegistry_ValidateConfig(t *testing.T) {
	sr := NewSchemaRegistry()

	assert.NoError(t, sr.ValidateConfig(decodeYAML(t, `
environment: macos
max_parallel: 2
logging:
  level: debug
`)))

	assert.Error(t, sr.ValidateConfig(decodeYAML(t, "max_parallel: 0")))
	assert.Error(t, sr.ValidateConfig(decodeYAML(t, "logging: {level: loud}")))
	assert.Error(t, sr.ValidateConfig(decodeYAML(t, "unknown_key: 1")))
	assert.Error(t, sr.ValidateConfig(decodeYAML(t, "remote: {host: box}")), "remote requires a user")
}
