package secretprovider

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/symbiont-run/symbiont/internal/ports"
)

func TestFetchKeyPrefersFileOverEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runtime-signing-key"), []byte("file-value"), 0o600))
	t.Setenv("SYMBIONT_SECRET_RUNTIME_SIGNING_KEY", "env-value")

	p := NewFileProvider(dir)
	km, err := p.FetchKey(context.Background(), "runtime-signing-key")
	require.NoError(t, err)
	require.Equal(t, "file-value", string(km.Value))
	require.Equal(t, "file", km.Version)
}

func TestFetchKeyFallsBackToEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SYMBIONT_SECRET_DB_PASSWORD", "hunter2")

	p := NewFileProvider(dir)
	km, err := p.FetchKey(context.Background(), "db.password")
	require.NoError(t, err)
	require.Equal(t, "hunter2", string(km.Value))
	require.Equal(t, "env", km.Version)
}

func TestFetchKeyReturnsNotFound(t *testing.T) {
	p := NewFileProvider(t.TempDir())
	_, err := p.FetchKey(context.Background(), "missing")
	require.Error(t, err)
	require.True(t, errors.Is(err, ports.ErrSecretNotFound))
}
