package secrets

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/config"
)

// secretsManagerAPI is the slice of the AWS client the backend calls
type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type awsBackend struct {
	client secretsManagerAPI
}

func newAWSBackend(ctx context.Context, cfg config.SecretsConfig) (Backend, error) {
	if cfg.AWSRegion == "" {
		return nil, fmt.Errorf("%w: aws requires AWS_REGION", ErrUnknownBackend)
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWSRegion)}
	if cfg.AWSAccessKeyID != "" && cfg.AWSSecretKey != "" {
		static := credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretKey, "")
		opts = append(opts, awsconfig.WithCredentialsProvider(aws.NewCredentialsCache(static)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("secrets: aws config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg, func(o *secretsmanager.Options) {
		if cfg.AWSEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWSEndpoint)
		}
	})
	return &awsBackend{client: client}, nil
}

func (a *awsBackend) Fetch(ctx context.Context, ref Ref) (map[string]string, error) {
	in := &secretsmanager.GetSecretValueInput{SecretId: aws.String(ref.Path)}
	if ref.Version != "" {
		// AWS distinguishes staging labels from version ids; labels are upper case.
		in.VersionStage = aws.String(ref.Version)
	}

	out, err := a.client.GetSecretValue(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("secrets: aws read %s: %w", ref.Path, err)
	}

	switch {
	case out.SecretString != nil:
		return decodeDocument([]byte(*out.SecretString)), nil
	case out.SecretBinary != nil:
		return decodeDocument(out.SecretBinary), nil
	default:
		return map[string]string{}, nil
	}
}

func (a *awsBackend) Close() error { return nil }
