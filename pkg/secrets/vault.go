package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/bloodyteeths/nabavkidata-sub003/pkg/config"
	vault "github.com/hashicorp/vault/api"
)

// vaultBackend reads KV v2 secrets. A path may name its mount explicitly as
// "mount::path"; otherwise the configured mount is used.
type vaultBackend struct {
	client *vault.Client
	mount  string
}

func newVaultBackend(_ context.Context, cfg config.SecretsConfig) (Backend, error) {
	if cfg.VaultAddress == "" || cfg.VaultToken == "" {
		return nil, fmt.Errorf("%w: vault requires VAULT_ADDR and VAULT_TOKEN", ErrUnknownBackend)
	}

	vc := vault.DefaultConfig()
	vc.Address = cfg.VaultAddress

	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("secrets: vault client: %w", err)
	}
	client.SetToken(cfg.VaultToken)
	if cfg.VaultNamespace != "" {
		client.SetNamespace(cfg.VaultNamespace)
	}

	mount := strings.Trim(cfg.VaultMountPath, "/")
	if mount == "" {
		mount = "secret"
	}
	return &vaultBackend{client: client, mount: mount}, nil
}

func (v *vaultBackend) Fetch(ctx context.Context, ref Ref) (map[string]string, error) {
	mount, path := v.mount, ref.Path
	if i := strings.Index(path, "::"); i >= 0 {
		mount, path = strings.Trim(path[:i], "/"), strings.Trim(path[i+2:], "/")
	}
	path = strings.TrimPrefix(path, "data/")

	kv := v.client.KVv2(mount)

	var (
		secret *vault.KVSecret
		err    error
	)
	if ref.Version != "" {
		version, convErr := strconv.Atoi(ref.Version)
		if convErr != nil {
			return nil, fmt.Errorf("%w: vault version %q", ErrInvalidReference, ref.Version)
		}
		secret, err = kv.GetVersion(ctx, path, version)
	} else {
		secret, err = kv.Get(ctx, path)
	}
	if err != nil {
		var respErr *vault.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("secrets: vault path %s/%s not found", mount, path)
		}
		return nil, fmt.Errorf("secrets: vault read %s/%s: %w", mount, path, err)
	}

	doc := make(map[string]string, len(secret.Data))
	for k, raw := range secret.Data {
		doc[k] = fmt.Sprint(raw)
	}
	return doc, nil
}

func (v *vaultBackend) Close() error { return nil }
