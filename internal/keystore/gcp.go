package keystore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	dserrors "github.com/Superhepper/parsec/internal/errors"
	"github.com/Superhepper/parsec/internal/logging"
)

// GCPSecretManager stores containers as secrets with a single live version.
// Secret IDs allow no slashes, so the default prefix is dash-joined.
type GCPSecretManager struct {
	client    *secretmanager.Client
	projectID string
	prefix    string
	log       *logging.Logger
}

var _ Store = (*GCPSecretManager)(nil)

func newGCPSecretManager(ctx context.Context, cfg Config, log *logging.Logger) (*GCPSecretManager, error) {
	if cfg.ProjectID == "" {
		return nil, dserrors.ConfigError{
			Field:      "key_store.project_id",
			Message:    "project_id is required for the gcp keystore",
			Suggestion: "set key_store.project_id to the Google Cloud project that holds the secrets",
		}
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, dserrors.BackendError("gcp", "create secret manager client", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "parsec-keys-"
	}
	return &GCPSecretManager{
		client:    client,
		projectID: cfg.ProjectID,
		prefix:    prefix,
		log:       log,
	}, nil
}

func (g *GCPSecretManager) Get(ctx context.Context, name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	out, err := g.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: g.versionName(name, "latest"),
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("container %q: %w", name, ErrNotFound)
		}
		return nil, dserrors.BackendError("gcp", "access secret version", err)
	}
	if out.Payload == nil || out.Payload.Data == nil {
		return nil, fmt.Errorf("container %q has no payload", name)
	}
	return out.Payload.Data, nil
}

func (g *GCPSecretManager) Put(ctx context.Context, name string, data []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	_, err := g.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
		Parent:   "projects/" + g.projectID,
		SecretId: g.secretID(name),
		Secret: &secretmanagerpb.Secret{
			Replication: &secretmanagerpb.Replication{
				Replication: &secretmanagerpb.Replication_Automatic_{
					Automatic: &secretmanagerpb.Replication_Automatic{},
				},
			},
		},
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return dserrors.BackendError("gcp", "create secret", err)
	}
	_, err = g.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  g.secretName(name),
		Payload: &secretmanagerpb.SecretPayload{Data: data},
	})
	if err != nil {
		return dserrors.BackendError("gcp", "add secret version", err)
	}
	return nil
}

func (g *GCPSecretManager) Delete(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	err := g.client.DeleteSecret(ctx, &secretmanagerpb.DeleteSecretRequest{
		Name: g.secretName(name),
	})
	if err != nil && status.Code(err) != codes.NotFound {
		return dserrors.BackendError("gcp", "delete secret", err)
	}
	return nil
}

func (g *GCPSecretManager) Check(ctx context.Context) error {
	// A NotFound on the probe name proves reachability and auth.
	_, err := g.Get(ctx, "availability-probe")
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

func (g *GCPSecretManager) Close() error {
	return g.client.Close()
}

// secretID flattens the prefixed name into the [A-Za-z0-9_-] charset secret
// IDs require.
func (g *GCPSecretManager) secretID(name string) string {
	id := g.prefix + name
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, id)
}

func (g *GCPSecretManager) secretName(name string) string {
	return fmt.Sprintf("projects/%s/secrets/%s", g.projectID, g.secretID(name))
}

func (g *GCPSecretManager) versionName(name, version string) string {
	return fmt.Sprintf("%s/versions/%s", g.secretName(name), version)
}
