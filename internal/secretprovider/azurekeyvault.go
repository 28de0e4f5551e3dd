package secretprovider

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"

	"github.com/symbiont-run/symbiont/internal/ports"
)

var _ ports.SecretProvider = (*AzureKeyVaultProvider)(nil)

// AzureKeyVaultProvider resolves secrets from an Azure Key Vault instance
// using the default Azure credential chain (managed identity in
// production, az-cli/environment credentials in development).
type AzureKeyVaultProvider struct {
	client *azsecrets.Client
}

// NewAzureKeyVaultProvider builds a provider against vaultURL (e.g.
// "https://<vault-name>.vault.azure.net/").
func NewAzureKeyVaultProvider(vaultURL string) (*AzureKeyVaultProvider, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("create azure credential: %w", err)
	}
	client, err := azsecrets.NewClient(vaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create key vault client: %w", err)
	}
	return &AzureKeyVaultProvider{client: client}, nil
}

// FetchKey implements ports.SecretProvider. identifier is the Key Vault
// secret name; the latest enabled version is always fetched.
func (p *AzureKeyVaultProvider) FetchKey(ctx context.Context, identifier string) (ports.KeyMaterial, error) {
	resp, err := p.client.GetSecret(ctx, identifier, "", nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return ports.KeyMaterial{}, fmt.Errorf("%w: %s", ports.ErrSecretNotFound, identifier)
		}
		return ports.KeyMaterial{}, fmt.Errorf("fetch secret %s: %w", identifier, err)
	}
	if resp.Value == nil {
		return ports.KeyMaterial{}, fmt.Errorf("%w: %s", ports.ErrSecretNotFound, identifier)
	}

	version := ""
	if resp.ID != nil {
		version = string(*resp.ID)
	}
	return ports.KeyMaterial{Identifier: identifier, Value: []byte(*resp.Value), Version: version}, nil
}
