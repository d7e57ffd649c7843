package secrets

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/config"
	"google.golang.org/api/option"
)

type gcpBackend struct {
	client  *secretmanager.Client
	project string
}

func newGCPBackend(ctx context.Context, cfg config.SecretsConfig) (Backend, error) {
	if cfg.GCPProjectID == "" {
		return nil, fmt.Errorf("%w: gcp requires GCP_PROJECT_ID", ErrUnknownBackend)
	}

	var opts []option.ClientOption
	if cfg.GCPCredentials != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.GCPCredentials))
	}

	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("secrets: gcp client: %w", err)
	}
	return &gcpBackend{client: client, project: cfg.GCPProjectID}, nil
}

func (g *gcpBackend) Fetch(ctx context.Context, ref Ref) (map[string]string, error) {
	resp, err := g.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: gcpVersionName(g.project, ref),
	})
	if err != nil {
		return nil, fmt.Errorf("secrets: gcp read %s: %w", ref.Path, err)
	}
	if resp.GetPayload() == nil {
		return map[string]string{}, nil
	}
	return decodeDocument(resp.GetPayload().GetData()), nil
}

func (g *gcpBackend) Close() error {
	return g.client.Close()
}

func gcpVersionName(project string, ref Ref) string {
	if strings.HasPrefix(ref.Path, "projects/") {
		return ref.Path
	}
	version := ref.Version
	if version == "" {
		version = "latest"
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, ref.Path, version)
}
