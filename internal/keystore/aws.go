package keystore

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	dserrors "github.com/Superhepper/parsec/internal/errors"
	"github.com/Superhepper/parsec/internal/logging"
)

// SecretsManagerAPI is the Secrets Manager surface the store uses; tests
// inject a fake.
type SecretsManagerAPI interface {
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
	ListSecrets(ctx context.Context, params *secretsmanager.ListSecretsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error)
}

// STSAPI is the STS surface used by the availability probe.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// SSMAPI is the Parameter Store surface the store uses.
type SSMAPI interface {
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	DeleteParameter(ctx context.Context, params *ssm.DeleteParameterInput, optFns ...func(*ssm.Options)) (*ssm.DeleteParameterOutput, error)
}

// AWSSecretsManager stores containers as binary secrets.
type AWSSecretsManager struct {
	client SecretsManagerAPI
	sts    STSAPI
	prefix string
	log    *logging.Logger
}

var _ Store = (*AWSSecretsManager)(nil)

// AWSOption injects fake clients in tests.
type AWSOption func(*AWSSecretsManager)

// WithSecretsManagerClient sets a custom Secrets Manager client.
func WithSecretsManagerClient(client SecretsManagerAPI) AWSOption {
	return func(s *AWSSecretsManager) { s.client = client }
}

// WithSTSClient sets a custom STS client.
func WithSTSClient(client STSAPI) AWSOption {
	return func(s *AWSSecretsManager) { s.sts = client }
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	// Static credentials are for LocalStack-style endpoints; real
	// deployments use the default chain.
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, dserrors.BackendError("aws", "load configuration", err)
	}
	return awsCfg, nil
}

func newAWSSecretsManager(ctx context.Context, cfg Config, log *logging.Logger, opts ...AWSOption) (*AWSSecretsManager, error) {
	s := &AWSSecretsManager{
		prefix: cfg.Prefix,
		log:    log,
	}
	if s.prefix == "" {
		s.prefix = "parsec/keys/"
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		awsCfg, err := loadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		var clientOpts []func(*secretsmanager.Options)
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
				o.BaseEndpoint = &endpoint
			})
		}
		s.client = secretsmanager.NewFromConfig(awsCfg, clientOpts...)
		s.sts = sts.NewFromConfig(awsCfg)
	}
	return s, nil
}

func (s *AWSSecretsManager) Get(ctx context.Context, name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.prefix + name),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, fmt.Errorf("container %q: %w", name, ErrNotFound)
		}
		return nil, dserrors.BackendError("aws", "get secret", err)
	}
	if out.SecretBinary != nil {
		return out.SecretBinary, nil
	}
	if out.SecretString != nil {
		return []byte(*out.SecretString), nil
	}
	return nil, fmt.Errorf("container %q has no payload", name)
}

func (s *AWSSecretsManager) Put(ctx context.Context, name string, data []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	full := s.prefix + name
	_, err := s.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(full),
		SecretBinary: data,
	})
	if err == nil {
		return nil
	}
	var exists *smtypes.ResourceExistsException
	if !errors.As(err, &exists) {
		return dserrors.BackendError("aws", "create secret", err)
	}
	_, err = s.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(full),
		SecretBinary: data,
	})
	if err != nil {
		return dserrors.BackendError("aws", "update secret", err)
	}
	return nil
}

func (s *AWSSecretsManager) Delete(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	_, err := s.client.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
		SecretId:                   aws.String(s.prefix + name),
		ForceDeleteWithoutRecovery: aws.Bool(true),
	})
	if err != nil && !isAWSNotFound(err) {
		return dserrors.BackendError("aws", "delete secret", err)
	}
	return nil
}

func (s *AWSSecretsManager) Check(ctx context.Context) error {
	if s.sts != nil {
		ident, err := s.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		if err != nil {
			return dserrors.BackendError("aws", "resolve caller identity", err)
		}
		if ident.Arn != nil {
			s.log.Debug("keystore aws identity: %s", *ident.Arn)
		}
	}
	_, err := s.client.ListSecrets(ctx, &secretsmanager.ListSecretsInput{
		MaxResults: aws.Int32(1),
	})
	if err != nil {
		return dserrors.BackendError("aws", "list secrets", err)
	}
	return nil
}

func (s *AWSSecretsManager) Close() error { return nil }

func isAWSNotFound(err error) bool {
	var smNotFound *smtypes.ResourceNotFoundException
	if errors.As(err, &smNotFound) {
		return true
	}
	var ssmNotFound *ssmtypes.ParameterNotFound
	return errors.As(err, &ssmNotFound)
}

// AWSParameterStore stores containers as SecureString parameters. Parameter
// values are strings, so containers travel base64-encoded.
type AWSParameterStore struct {
	client SSMAPI
	prefix string
	log    *logging.Logger
}

var _ Store = (*AWSParameterStore)(nil)

// SSMOption injects a fake client in tests.
type SSMOption func(*AWSParameterStore)

// WithSSMClient sets a custom SSM client.
func WithSSMClient(client SSMAPI) SSMOption {
	return func(s *AWSParameterStore) { s.client = client }
}

func newAWSParameterStore(ctx context.Context, cfg Config, log *logging.Logger, opts ...SSMOption) (*AWSParameterStore, error) {
	s := &AWSParameterStore{
		prefix: cfg.Prefix,
		log:    log,
	}
	if s.prefix == "" {
		s.prefix = "/parsec/keys/"
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		awsCfg, err := loadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		var clientOpts []func(*ssm.Options)
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			clientOpts = append(clientOpts, func(o *ssm.Options) {
				o.BaseEndpoint = &endpoint
			})
		}
		s.client = ssm.NewFromConfig(awsCfg, clientOpts...)
	}
	return s, nil
}

func (s *AWSParameterStore) Get(ctx context.Context, name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.prefix + name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, fmt.Errorf("container %q: %w", name, ErrNotFound)
		}
		return nil, dserrors.BackendError("aws", "get parameter", err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, fmt.Errorf("container %q has no payload", name)
	}
	return decodeContainer(*out.Parameter.Value)
}

func (s *AWSParameterStore) Put(ctx context.Context, name string, data []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	_, err := s.client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(s.prefix + name),
		Value:     aws.String(encodeContainer(data)),
		Type:      ssmtypes.ParameterTypeSecureString,
		Overwrite: aws.Bool(true),
	})
	if err != nil {
		return dserrors.BackendError("aws", "put parameter", err)
	}
	return nil
}

func (s *AWSParameterStore) Delete(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	_, err := s.client.DeleteParameter(ctx, &ssm.DeleteParameterInput{
		Name: aws.String(s.prefix + name),
	})
	if err != nil && !isAWSNotFound(err) {
		return dserrors.BackendError("aws", "delete parameter", err)
	}
	return nil
}

func (s *AWSParameterStore) Check(ctx context.Context) error {
	// A missing probe parameter still proves reachability and auth.
	_, err := s.Get(ctx, "availability-probe")
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

func (s *AWSParameterStore) Close() error { return nil }
