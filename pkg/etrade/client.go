package etrade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kpopdotlink/broker-etrade/pkg/hostio"
	"github.com/kpopdotlink/broker-etrade/pkg/models"
	"github.com/kpopdotlink/broker-etrade/pkg/oauth"
)

const (
	requestTokenPath = "/oauth/request_token"
	accessTokenPath  = "/oauth/access_token"
	renewTokenPath   = "/oauth/renew_access_token"
	revokeTokenPath  = "/oauth/revoke_access_token"

	accountListPath = "/v1/accounts/list"

	oauthCallbackOOB = "oob"
)

// RetryPolicy bounds the retry behavior for transient failures. The
// broker does not publish mandated values; these are conservative
// defaults and live in configuration.
type RetryPolicy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	RateLimitDelay    time.Duration
	RateLimitAttempts int
}

// DefaultRetryPolicy returns the defaults used when configuration does
// not override them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		RateLimitDelay:    15 * time.Second,
		RateLimitAttempts: 2,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.RateLimitDelay <= 0 {
		p.RateLimitDelay = d.RateLimitDelay
	}
	if p.RateLimitAttempts <= 0 {
		p.RateLimitAttempts = d.RateLimitAttempts
	}
	return p
}

// Client issues signed requests to the E*TRADE API through the host
// I/O bridge. One method per endpoint; responses are parsed into wire
// records and mapped to the canonical domain types.
type Client struct {
	bridge *hostio.Bridge
	signer *oauth.Signer
	store  *oauth.Store
	retry  RetryPolicy
	logger *logrus.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Client. A zero RetryPolicy takes the defaults.
func NewClient(bridge *hostio.Bridge, signer *oauth.Signer, store *oauth.Store, retry RetryPolicy, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		bridge: bridge,
		signer: signer,
		store:  store,
		retry:  retry.withDefaults(),
		logger: logger,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// signExtras carries the handshake-only OAuth parameters.
type signExtras struct {
	callback string
	verifier string
}

// doSigned signs and performs one API call with the retry policy
// applied: transport failures and 5xx retry with capped exponential
// backoff, 429 retries with the longer rate-limit delay, 401 and
// broker auth error codes invalidate the token store and surface
// immediately, and other 4xx surface immediately as broker errors. Each attempt is signed afresh
// so nonces and timestamps are never reused.
func (c *Client) doSigned(ctx context.Context, method, path string, query url.Values, body []byte, tok oauth.Token, extra signExtras) ([]byte, error) {
	fullURL := c.bridge.Environment().BaseURL() + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	attempt := 0
	rateLimited := 0
	delay := c.retry.BaseDelay

	for {
		authz := c.signer.Authorization(oauth.SignInput{
			Method:      method,
			BaseURL:     c.bridge.Environment().BaseURL() + path,
			Params:      query,
			Token:       tok.Token,
			TokenSecret: tok.Secret,
			Callback:    extra.callback,
			Verifier:    extra.verifier,
		})

		headers := map[string]string{
			"Authorization": authz,
			"Accept":        "application/json",
		}
		if len(body) > 0 {
			headers["Content-Type"] = "application/json"
		}

		attempt++
		resp, err := c.bridge.Do(ctx, hostio.Request{
			Method:  method,
			URL:     fullURL,
			Headers: headers,
			Body:    body,
		})

		switch {
		case err != nil:
			if errors.Is(err, hostio.ErrHostNotAllowed) {
				return nil, newError(KindAuthorizationPolicy, "request blocked by network policy", err)
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, newError(KindTransport, "request cancelled", err)
			}
			if attempt >= c.retry.MaxAttempts {
				return nil, newError(KindTransport,
					fmt.Sprintf("transport failure after %d attempts", attempt), err)
			}
			c.logger.WithError(err).WithFields(logrus.Fields{
				"path":    path,
				"attempt": attempt,
			}).Warn("Transport failure, retrying")

		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if attempt > 1 {
				c.logger.WithFields(logrus.Fields{
					"path":     path,
					"attempts": attempt,
				}).Info("Request succeeded after retry")
			}
			return resp.Body, nil

		case resp.StatusCode == 401:
			c.store.Invalidate()
			return nil, classifyBrokerError(resp.StatusCode, resp.Body)

		case resp.StatusCode == 429:
			rateLimited++
			if rateLimited > c.retry.RateLimitAttempts {
				return nil, &Error{
					Kind:    KindRateLimit,
					Message: fmt.Sprintf("rate limited after %d retries", c.retry.RateLimitAttempts),
					RawBody: resp.Body,
				}
			}
			c.logger.WithFields(logrus.Fields{
				"path":  path,
				"retry": rateLimited,
				"delay": c.retry.RateLimitDelay,
			}).Warn("Rate limited by broker, backing off")
			if err := c.sleep(ctx, c.retry.RateLimitDelay); err != nil {
				return nil, newError(KindTransport, "request cancelled", err)
			}
			continue

		case resp.StatusCode >= 500:
			if attempt >= c.retry.MaxAttempts {
				return nil, &Error{
					Kind:    KindTransport,
					Message: fmt.Sprintf("broker returned status %d after %d attempts", resp.StatusCode, attempt),
					RawBody: resp.Body,
				}
			}
			c.logger.WithFields(logrus.Fields{
				"path":    path,
				"status":  resp.StatusCode,
				"attempt": attempt,
			}).Warn("Server error, retrying")

		default:
			brokerErr := classifyBrokerError(resp.StatusCode, resp.Body)
			if brokerErr.Kind == KindAuthentication {
				// Broker auth error codes invalidate the token even
				// without a 401 status.
				c.store.Invalidate()
			}
			return nil, brokerErr
		}

		if err := c.sleep(ctx, delay); err != nil {
			return nil, newError(KindTransport, "request cancelled", err)
		}
		delay *= 2
		if delay > c.retry.MaxDelay {
			delay = c.retry.MaxDelay
		}
	}
}

// --- OAuth handshake endpoints ---

// parseTokenResponse parses the form-encoded body of the OAuth token
// endpoints.
func parseTokenResponse(body []byte) (oauth.Token, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return oauth.Token{}, mappingError("unparseable token response: %v", err)
	}
	tok := oauth.Token{
		Token:  values.Get("oauth_token"),
		Secret: values.Get("oauth_token_secret"),
	}
	if tok.Token == "" || tok.Secret == "" {
		return oauth.Token{}, mappingError("token response missing oauth_token or oauth_token_secret")
	}
	return tok, nil
}

// asHandshakeError re-kinds broker rejections of a handshake step as
// authentication-flow errors. Transport and policy errors pass through.
func asHandshakeError(err error) error {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindBrokerAPI {
		return &Error{Kind: KindAuthentication, Code: e.Code, Message: e.Message, RawBody: e.RawBody, Err: e.Err}
	}
	return err
}

// FetchRequestToken obtains a fresh request token with an out-of-band
// callback. Signed with an empty token secret.
func (c *Client) FetchRequestToken(ctx context.Context) (oauth.Token, error) {
	body, err := c.doSigned(ctx, "GET", requestTokenPath, nil, nil, oauth.Token{}, signExtras{callback: oauthCallbackOOB})
	if err != nil {
		return oauth.Token{}, asHandshakeError(err)
	}
	return parseTokenResponse(body)
}

// FetchAccessToken exchanges the authorized request token and verifier
// for the long-lived access token. Failures are authentication-flow
// errors and are never retried; they require fresh user interaction.
func (c *Client) FetchAccessToken(ctx context.Context, request oauth.Token, verifier string) (oauth.Token, error) {
	body, err := c.doSigned(ctx, "GET", accessTokenPath, nil, nil, request, signExtras{verifier: verifier})
	if err != nil {
		return oauth.Token{}, asHandshakeError(err)
	}
	return parseTokenResponse(body)
}

// RenewAccessToken reactivates an idle access token. On success the
// token store returns to the authenticated state; the pair itself is
// unchanged.
func (c *Client) RenewAccessToken(ctx context.Context) error {
	tok, err := c.store.ExpiredAccessToken()
	if err != nil {
		return newError(KindAuthentication, "no access token to renew", err)
	}
	if _, err := c.doSigned(ctx, "GET", renewTokenPath, nil, nil, tok, signExtras{}); err != nil {
		return asHandshakeError(err)
	}
	return c.store.Renewed()
}

// RevokeAccessToken revokes the access token at the broker and clears
// it from host storage.
func (c *Client) RevokeAccessToken(ctx context.Context) error {
	tok, err := c.store.AccessToken()
	if err != nil {
		return newError(KindAuthentication, "no access token to revoke", err)
	}
	if _, err := c.doSigned(ctx, "GET", revokeTokenPath, nil, nil, tok, signExtras{}); err != nil {
		return asHandshakeError(err)
	}
	return c.store.Revoke(ctx)
}

// --- Resource endpoints ---

// accessToken returns the active access token or a fail-fast
// authentication error. Resource calls never run on a request token.
func (c *Client) accessToken() (oauth.Token, error) {
	tok, err := c.store.AccessToken()
	if err != nil {
		return oauth.Token{}, newError(KindAuthentication, "authentication required", err)
	}
	return tok, nil
}

// ListAccounts fetches the account list and each account's real-time
// balance.
func (c *Client) ListAccounts(ctx context.Context) ([]models.AccountSummary, error) {
	tok, err := c.accessToken()
	if err != nil {
		return nil, err
	}

	body, err := c.doSigned(ctx, "GET", accountListPath, nil, nil, tok, signExtras{})
	if err != nil {
		return nil, err
	}

	var resp accountListResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, mappingError("unparseable account list response: %v", err)
	}

	isPaper := c.bridge.Environment() == hostio.EnvironmentSandbox
	now := time.Now().UTC()

	var accounts []models.AccountSummary
	for _, w := range resp.AccountListResponse.Accounts.Account {
		if w.AccountID == "" || w.AccountIDKey == "" {
			return nil, mappingError("account record missing accountId or accountIdKey")
		}
		name := w.AccountName
		if name == "" {
			name = "E*TRADE " + w.AccountID
		}
		summary := models.AccountSummary{
			ID:        w.AccountID,
			IDKey:     w.AccountIDKey,
			Name:      name,
			Type:      w.AccountType,
			Status:    w.AccountStatus,
			IsPaper:   isPaper,
			UpdatedAt: now,
		}

		balance, err := c.GetBalance(ctx, w.AccountIDKey)
		switch {
		case err == nil:
			summary.Balance = balance
		case IsKind(err, KindAuthentication), IsKind(err, KindRateLimit), IsKind(err, KindAuthorizationPolicy):
			return nil, err
		default:
			// A single account's balance hiccup should not hide the
			// whole account list.
			c.logger.WithError(err).WithField("account", w.AccountID).Warn("Failed to fetch account balance")
		}
		accounts = append(accounts, summary)
	}
	return accounts, nil
}

// GetBalance fetches the real-time balance for one account.
func (c *Client) GetBalance(ctx context.Context, accountIDKey string) (models.AccountBalance, error) {
	tok, err := c.accessToken()
	if err != nil {
		return models.AccountBalance{}, err
	}

	query := url.Values{}
	query.Set("instType", "BROKERAGE")
	query.Set("realTimeNAV", "true")

	path := fmt.Sprintf("/v1/accounts/%s/balance", url.PathEscape(accountIDKey))
	body, err := c.doSigned(ctx, "GET", path, query, nil, tok, signExtras{})
	if err != nil {
		return models.AccountBalance{}, err
	}

	var resp balanceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.AccountBalance{}, mappingError("unparseable balance response: %v", err)
	}
	return mapBalance(resp.BalanceResponse.Computed.RealTimeValues)
}

// GetPositions fetches the portfolio for one account.
func (c *Client) GetPositions(ctx context.Context, accountIDKey string) ([]models.Position, error) {
	tok, err := c.accessToken()
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/v1/accounts/%s/portfolio", url.PathEscape(accountIDKey))
	body, err := c.doSigned(ctx, "GET", path, nil, nil, tok, signExtras{})
	if err != nil {
		return nil, err
	}

	var resp portfolioResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, mappingError("unparseable portfolio response: %v", err)
	}
	return mapPositions(resp)
}

// PlaceOrder validates and places an equity order. Validation failures
// surface before any network call.
func (c *Client) PlaceOrder(ctx context.Context, accountIDKey string, order models.Order) (models.OrderResult, error) {
	if err := validateOrder(order); err != nil {
		return models.OrderResult{}, err
	}

	tok, err := c.accessToken()
	if err != nil {
		return models.OrderResult{}, err
	}

	clientOrderID := newClientOrderID()
	payload, err := json.Marshal(orderToWire(order, clientOrderID))
	if err != nil {
		return models.OrderResult{}, mappingError("encoding order payload: %v", err)
	}

	path := fmt.Sprintf("/v1/accounts/%s/orders/place", url.PathEscape(accountIDKey))
	body, err := c.doSigned(ctx, "POST", path, nil, payload, tok, signExtras{})
	if err != nil {
		return models.OrderResult{}, err
	}

	var resp placeOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.OrderResult{}, mappingError("unparseable order placement response: %v", err)
	}

	result := mapPlaceResponse(resp, clientOrderID)
	c.logger.WithFields(logrus.Fields{
		"account":  accountIDKey,
		"symbol":   order.Symbol,
		"order_id": result.OrderID,
		"accepted": result.Accepted,
	}).Info("Order placement completed")
	return result, nil
}
