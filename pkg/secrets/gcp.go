// Package secrets persists OAuth credentials and tokens in Google
// Secret Manager. It is the standalone stand-in for the host platform's
// secure storage; inside the sandbox the host supplies its own
// oauth.Storage.
package secrets

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kpopdotlink/broker-etrade/pkg/oauth"
)

// SecretNames are the Secret Manager secret ids used by the adapter.
type SecretNames struct {
	ConsumerKey       string `mapstructure:"consumer_key"`
	ConsumerSecret    string `mapstructure:"consumer_secret"`
	AccessToken       string `mapstructure:"access_token"`
	AccessTokenSecret string `mapstructure:"access_token_secret"`
}

func DefaultSecretNames() SecretNames {
	return SecretNames{
		ConsumerKey:       "etrade-consumer-key",
		ConsumerSecret:    "etrade-consumer-secret",
		AccessToken:       "etrade-access-token",
		AccessTokenSecret: "etrade-access-token-secret",
	}
}

// GCPStore reads and writes secrets in one GCP project. It implements
// oauth.Storage for the access token pair.
type GCPStore struct {
	client    *secretmanager.Client
	projectID string
	names     SecretNames
	logger    *logrus.Logger
}

// NewGCPStore creates a store for the given project. Extra client
// options (credentials file and the like) pass through to the
// underlying client.
func NewGCPStore(ctx context.Context, projectID string, names SecretNames, logger *logrus.Logger, opts ...option.ClientOption) (*GCPStore, error) {
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secretmanager client: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &GCPStore{
		client:    client,
		projectID: projectID,
		names:     names,
		logger:    logger,
	}, nil
}

func (g *GCPStore) Close() error {
	return g.client.Close()
}

// GetSecret returns the latest version of a secret.
func (g *GCPStore) GetSecret(ctx context.Context, name string) (string, error) {
	req := &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", g.projectID, name),
	}
	result, err := g.client.AccessSecretVersion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", name, err)
	}
	return strings.TrimSpace(string(result.Payload.Data)), nil
}

// GetSecretWithDefault returns the secret or the default when it is
// absent or unreadable.
func (g *GCPStore) GetSecretWithDefault(ctx context.Context, name, defaultValue string) string {
	value, err := g.GetSecret(ctx, name)
	if err != nil {
		g.logger.WithError(err).WithField("secret", name).Debug("Failed to get secret, using default")
		return defaultValue
	}
	return value
}

// setSecret writes a new version, creating the secret on first use.
func (g *GCPStore) setSecret(ctx context.Context, name, value string) error {
	parent := fmt.Sprintf("projects/%s/secrets/%s", g.projectID, name)
	req := &secretmanagerpb.AddSecretVersionRequest{
		Parent:  parent,
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
	}

	_, err := g.client.AddSecretVersion(ctx, req)
	if status.Code(err) == codes.NotFound {
		_, createErr := g.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
			Parent:   fmt.Sprintf("projects/%s", g.projectID),
			SecretId: name,
			Secret: &secretmanagerpb.Secret{
				Replication: &secretmanagerpb.Replication{
					Replication: &secretmanagerpb.Replication_Automatic_{
						Automatic: &secretmanagerpb.Replication_Automatic{},
					},
				},
			},
		})
		if createErr != nil {
			return fmt.Errorf("failed to create secret %s: %w", name, createErr)
		}
		_, err = g.client.AddSecretVersion(ctx, req)
	}
	if err != nil {
		return fmt.Errorf("failed to add version to secret %s: %w", name, err)
	}
	return nil
}

// ConsumerCredentials loads the consumer key/secret from Secret
// Manager for any field not already set in fallback.
func (g *GCPStore) ConsumerCredentials(ctx context.Context, fallback oauth.Credentials) oauth.Credentials {
	creds := fallback
	if creds.ConsumerKey == "" {
		creds.ConsumerKey = g.GetSecretWithDefault(ctx, g.names.ConsumerKey, "")
	}
	if creds.ConsumerSecret == "" {
		creds.ConsumerSecret = g.GetSecretWithDefault(ctx, g.names.ConsumerSecret, "")
	}
	return creds
}

// LoadAccessToken implements oauth.Storage. An empty stored value means
// no token.
func (g *GCPStore) LoadAccessToken(ctx context.Context) (oauth.Token, bool, error) {
	token := g.GetSecretWithDefault(ctx, g.names.AccessToken, "")
	secret := g.GetSecretWithDefault(ctx, g.names.AccessTokenSecret, "")
	if token == "" || secret == "" {
		return oauth.Token{}, false, nil
	}
	return oauth.Token{Token: token, Secret: secret}, true, nil
}

// SaveAccessToken implements oauth.Storage.
func (g *GCPStore) SaveAccessToken(ctx context.Context, tok oauth.Token) error {
	if err := g.setSecret(ctx, g.names.AccessToken, tok.Token); err != nil {
		return err
	}
	if err := g.setSecret(ctx, g.names.AccessTokenSecret, tok.Secret); err != nil {
		return err
	}
	g.logger.Info("Persisted access token to Secret Manager")
	return nil
}

// DeleteAccessToken implements oauth.Storage. Writing empty versions
// keeps the secrets in place for later handshakes.
func (g *GCPStore) DeleteAccessToken(ctx context.Context) error {
	if err := g.setSecret(ctx, g.names.AccessToken, ""); err != nil {
		return err
	}
	return g.setSecret(ctx, g.names.AccessTokenSecret, "")
}
