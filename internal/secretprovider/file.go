// Package secretprovider ships two SecretProvider implementations (spec §6
// and SPEC_FULL §5): a file/env-based one for development, and an Azure
// Key Vault-backed one for production, selected by the operator via
// Config.SecretProvider ("file" or "azure-keyvault").
//
// Grounded on the teacher's config.Load environment-variable convention
// (internal/config.Load) generalized here to a secret-resolution contract
// instead of process configuration.
package secretprovider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/symbiont-run/symbiont/internal/ports"
)

var _ ports.SecretProvider = (*FileProvider)(nil)

// FileProvider resolves secrets from a directory of one-file-per-secret
// values, falling back to an environment variable named EnvPrefix followed
// by identifier upper-cased with non-alphanumeric characters replaced by
// underscores. Intended for local development and tests only.
type FileProvider struct {
	Dir       string
	EnvPrefix string
}

// NewFileProvider creates a FileProvider rooted at dir, reading
// SYMBIONT_SECRET_<IDENTIFIER> as a fallback when dir has no matching file.
func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{Dir: dir, EnvPrefix: "SYMBIONT_SECRET_"}
}

// FetchKey implements ports.SecretProvider.
func (p *FileProvider) FetchKey(ctx context.Context, identifier string) (ports.KeyMaterial, error) {
	if p.Dir != "" {
		path := filepath.Join(p.Dir, identifier)
		if data, err := os.ReadFile(path); err == nil {
			return ports.KeyMaterial{Identifier: identifier, Value: data, Version: "file"}, nil
		} else if !os.IsNotExist(err) {
			return ports.KeyMaterial{}, fmt.Errorf("read secret file %s: %w", path, err)
		}
	}

	envKey := p.EnvPrefix + sanitizeEnvName(identifier)
	if v, ok := os.LookupEnv(envKey); ok {
		return ports.KeyMaterial{Identifier: identifier, Value: []byte(v), Version: "env"}, nil
	}

	return ports.KeyMaterial{}, fmt.Errorf("%w: %s", ports.ErrSecretNotFound, identifier)
}

func sanitizeEnvName(identifier string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(identifier) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
