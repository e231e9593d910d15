package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selfie-sh/selfie/pkg/config"
	"github.com/selfie-sh/selfie/pkg/engine"
)

const ripgrep = `
name: ripgrep
version: 14.1.0
homepage: https://github.com/BurntSushi/ripgrep
environments:
  mac:
    check: command -v rg
    install: brew install ripgrep
    dependencies: [brew]
`

const brew = `
name: brew
version: 4.0.0
environments:
  mac:
    install: /bin/bash -c "$(curl -fsSL https://example.com/install.sh)"
`

func writePackages(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func newRepo(dir string) *Repository {
	return New(dir, config.NewSchemaRegistry(), zerolog.Nop())
}

func TestLoad(t *testing.T) {
	dir := writePackages(t, map[string]string{
		"ripgrep.yaml": ripgrep,
		"brew.yml":     brew,
		"notes.txt":    "not a package",
		".hidden.yaml": "garbage: [",
	})

	result, err := newRepo(dir).Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, result.Errors)
	require.Len(t, result.Records, 2)

	assert.Equal(t, "brew", result.Records[0].Name)
	assert.Equal(t, "ripgrep", result.Records[1].Name)

	rg := result.Records[1]
	assert.Equal(t, "14.1.0", rg.Version)
	assert.Equal(t, filepath.Join(dir, "ripgrep.yaml"), rg.Source)
	env, ok := rg.Environment("mac")
	require.True(t, ok)
	assert.Equal(t, "command -v rg", env.Check)
	assert.Equal(t, []string{"brew"}, env.Dependencies)
	assert.NoError(t, result.Err())
}

func TestLoad_CollectsErrors(t *testing.T) {
	dir := writePackages(t, map[string]string{
		"ripgrep.yaml": ripgrep,
		"broken.yaml":  "name: [\n",
		"missing.yaml": "name: missing\nversion: 1.0.0\nenvironments:\n  mac:\n    check: true\n",
		"extra.yaml":   "name: extra\nversion: 1.0.0\nowner: me\nenvironments:\n  mac:\n    install: true\n",
		"empty.yaml":   "",
	})

	result, err := newRepo(dir).Load(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Records, 1, "valid files still load")
	assert.Equal(t, "ripgrep", result.Records[0].Name)

	require.Len(t, result.Errors, 4)
	paths := make([]string, len(result.Errors))
	for i, le := range result.Errors {
		paths[i] = filepath.Base(le.Path)
	}
	assert.Equal(t, []string{"broken.yaml", "empty.yaml", "extra.yaml", "missing.yaml"}, paths)

	var engineErr *engine.EngineError
	require.ErrorAs(t, result.Err(), &engineErr)
	assert.Equal(t, engine.ErrCodeValidation, engineErr.Code)
}

func TestLoad_DuplicateNames(t *testing.T) {
	dir := writePackages(t, map[string]string{
		"a.yaml": ripgrep,
		"b.yaml": ripgrep,
	})

	result, err := newRepo(dir).Load(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Records, 1)
	assert.Equal(t, filepath.Join(dir, "a.yaml"), result.Records[0].Source)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Error(), "already defined")
}

func TestLoad_DirectoryNotFound(t *testing.T) {
	_, err := newRepo(filepath.Join(t.TempDir(), "nope")).Load(context.Background())
	assert.True(t, errors.Is(err, ErrDirectoryNotFound))
}

func TestPackages(t *testing.T) {
	t.Run("valid directory", func(t *testing.T) {
		repo := newRepo(writePackages(t, map[string]string{"ripgrep.yaml": ripgrep, "brew.yaml": brew}))

		records, err := repo.Packages(context.Background())
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})

	t.Run("any invalid file fails", func(t *testing.T) {
		repo := newRepo(writePackages(t, map[string]string{"ripgrep.yaml": ripgrep, "bad.yaml": "name: ["}))

		_, err := repo.Packages(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bad.yaml")
	})
}

func TestGet(t *testing.T) {
	repo := newRepo(writePackages(t, map[string]string{
		"ripgrep.yaml": ripgrep,
		"broken.yaml":  "name: broken\nversion: 1\n",
	}))
	ctx := context.Background()

	rec, err := repo.Get(ctx, "ripgrep")
	require.NoError(t, err)
	assert.Equal(t, "ripgrep", rec.Name)

	_, err = repo.Get(ctx, "broken")
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr, "a rejected file is reported by its name")

	_, err = repo.Get(ctx, "fd")
	var engineErr *engine.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, engine.ErrCodeNotFound, engineErr.Code)
	assert.Empty(t, engine.Suggestions(err))

	_, err = repo.Get(ctx, "riprep")
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, engine.ErrCodeNotFound, engineErr.Code)
	assert.Equal(t, []string{"ripgrep"}, engine.Suggestions(err))
	assert.Contains(t, err.Error(), "did you mean ripgrep?")
}

func TestWatch(t *testing.T) {
	dir := writePackages(t, map[string]string{"ripgrep.yaml": ripgrep})
	repo := newRepo(dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloads := make(chan *LoadResult, 4)
	require.NoError(t, repo.Watch(ctx, 50*time.Millisecond, func(result *LoadResult, err error) {
		if err == nil {
			reloads <- result
		}
	}))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "brew.yaml"), []byte(brew), 0o644))

	select {
	case result := <-reloads:
		assert.Len(t, result.Records, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after a definition was added")
	}
}

func TestWatch_MissingDirectory(t *testing.T) {
	err := newRepo(filepath.Join(t.TempDir(), "nope")).Watch(context.Background(), 0, func(*LoadResult, error) {})
	assert.Error(t, err)
}
