// Package plugin exposes the operations the host invokes: initialize,
// get_accounts, get_positions and submit_order, plus the authorization
// resume step. It composes the token store, signer, API client and host
// I/O bridge; all state between calls lives in the token store.
package plugin

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kpopdotlink/broker-etrade/pkg/etrade"
	"github.com/kpopdotlink/broker-etrade/pkg/hostio"
	"github.com/kpopdotlink/broker-etrade/pkg/models"
	"github.com/kpopdotlink/broker-etrade/pkg/oauth"
)

// Options wires the host-provided collaborators.
type Options struct {
	Environment    hostio.Environment
	Network        hostio.NetworkFunc
	Storage        oauth.Storage
	Retry          etrade.RetryPolicy
	RequestsPerSec float64
	Logger         *logrus.Logger
}

// Plugin is the broker adapter. The host invokes it one call at a time;
// the only cross-call state is the token lifecycle.
type Plugin struct {
	mu     sync.Mutex
	opts   Options
	logger *logrus.Logger

	store  *oauth.Store
	client *etrade.Client
}

// New creates a Plugin. Credentials arrive later, via Initialize.
func New(opts Options) *Plugin {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Environment == "" {
		opts.Environment = hostio.EnvironmentSandbox
	}
	return &Plugin{
		opts:   opts,
		logger: opts.Logger,
	}
}

// InitializeResult reports whether user interaction is required. An
// empty result means a cached access token was restored and the plugin
// is ready.
type InitializeResult struct {
	AuthorizationURL string `json:"authorization_url,omitempty"`
}

// Initialize supplies the consumer credentials and reconciles against
// host-persisted token state. With a valid cached access token it
// returns empty and is idempotent; otherwise it starts the handshake
// and returns the URL the user must visit. Calling it while a handshake
// is already pending is rejected.
func (p *Plugin) Initialize(ctx context.Context, creds oauth.Credentials) (InitializeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if creds.ConsumerKey == "" || creds.ConsumerSecret == "" {
		return InitializeResult{}, &etrade.Error{
			Kind:    etrade.KindValidation,
			Message: "missing consumer_key or consumer_secret",
		}
	}

	if p.store == nil || p.store.Credentials() != creds {
		p.store = oauth.NewStore(creds, p.opts.Storage, p.logger)
		bridge := hostio.NewBridge(p.opts.Network, p.opts.Environment, p.opts.RequestsPerSec, p.logger)
		p.client = etrade.NewClient(bridge, oauth.NewSigner(creds), p.store, p.opts.Retry, p.logger)
	}

	found, err := p.store.Reconcile(ctx)
	if err != nil {
		if errors.Is(err, oauth.ErrHandshakeInProgress) {
			return InitializeResult{}, &etrade.Error{
				Kind:    etrade.KindAuthentication,
				Message: "authorization handshake already in progress",
				Err:     err,
			}
		}
		return InitializeResult{}, &etrade.Error{
			Kind:    etrade.KindAuthentication,
			Message: "reconciling persisted token state",
			Err:     err,
		}
	}
	if found {
		p.logger.WithField("environment", string(p.opts.Environment)).Info("Initialized with cached access token")
		return InitializeResult{}, nil
	}

	request, err := p.client.FetchRequestToken(ctx)
	if err != nil {
		return InitializeResult{}, err
	}
	if err := p.store.BeginHandshake(request); err != nil {
		return InitializeResult{}, &etrade.Error{
			Kind:    etrade.KindAuthentication,
			Message: "starting authorization handshake",
			Err:     err,
		}
	}
	authURL, err := p.store.AuthorizationURL()
	if err != nil {
		return InitializeResult{}, &etrade.Error{
			Kind:    etrade.KindAuthentication,
			Message: "building authorization URL",
			Err:     err,
		}
	}

	p.logger.WithField("environment", string(p.opts.Environment)).Info("Authorization required")
	return InitializeResult{AuthorizationURL: authURL}, nil
}

// CompleteAuthorization resumes the pending handshake with the verifier
// the user obtained from the browser flow. A failed exchange discards
// the request token; the whole handshake must be restarted.
func (p *Plugin) CompleteAuthorization(ctx context.Context, verifier string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if verifier == "" {
		return &etrade.Error{Kind: etrade.KindValidation, Message: "empty authorization verifier"}
	}
	if p.store == nil {
		return notInitialized()
	}

	request, err := p.store.PendingRequestToken()
	if err != nil {
		return &etrade.Error{
			Kind:    etrade.KindAuthentication,
			Message: "no authorization handshake to complete",
			Err:     err,
		}
	}

	access, err := p.client.FetchAccessToken(ctx, request, verifier)
	if err != nil {
		p.store.FailHandshake()
		return err
	}
	if err := p.store.CompleteHandshake(ctx, access); err != nil {
		return &etrade.Error{
			Kind:    etrade.KindAuthentication,
			Message: "installing access token",
			Err:     err,
		}
	}
	return nil
}

// GetAccounts lists accounts with their real-time balances. Pure read.
func (p *Plugin) GetAccounts(ctx context.Context) ([]models.AccountSummary, error) {
	client, err := p.readyClient()
	if err != nil {
		return nil, err
	}
	return client.ListAccounts(ctx)
}

// GetPositions lists the holdings of one account. Pure read.
func (p *Plugin) GetPositions(ctx context.Context, accountIDKey string) ([]models.Position, error) {
	client, err := p.readyClient()
	if err != nil {
		return nil, err
	}
	if accountIDKey == "" {
		return nil, &etrade.Error{Kind: etrade.KindValidation, Message: "missing account id"}
	}
	return client.GetPositions(ctx, accountIDKey)
}

// SubmitOrder validates and places an order. It is not idempotent and
// is never retried at this layer; a duplicate submission is a new
// order.
func (p *Plugin) SubmitOrder(ctx context.Context, accountIDKey string, order models.Order) (models.OrderResult, error) {
	client, err := p.readyClient()
	if err != nil {
		return models.OrderResult{}, err
	}
	if accountIDKey == "" {
		return models.OrderResult{}, &etrade.Error{Kind: etrade.KindValidation, Message: "missing account id"}
	}
	return client.PlaceOrder(ctx, accountIDKey, order)
}

// RenewAccessToken reactivates an idle access token without user
// interaction.
func (p *Plugin) RenewAccessToken(ctx context.Context) error {
	client, err := p.readyClient()
	if err != nil {
		return err
	}
	return client.RenewAccessToken(ctx)
}

// RevokeAccessToken revokes the access token and clears persisted
// state. The next Initialize starts a fresh handshake.
func (p *Plugin) RevokeAccessToken(ctx context.Context) error {
	client, err := p.readyClient()
	if err != nil {
		return err
	}
	return client.RevokeAccessToken(ctx)
}

func (p *Plugin) readyClient() (*etrade.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil, notInitialized()
	}
	return p.client, nil
}

func notInitialized() error {
	return &etrade.Error{
		Kind:    etrade.KindAuthentication,
		Message: "plugin not initialized",
		Err:     oauth.ErrNotAuthenticated,
	}
}
