// Package hostio is the plugin's only path to the network. The host
// supplies a single NetworkFunc; every outbound request goes through a
// Bridge that checks the target host against the environment's
// allow-list before the host function is ever invoked.
package hostio

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Environment selects which E*TRADE API host the bridge will talk to.
type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentSandbox    Environment = "sandbox"
)

const (
	productionHost = "api.etrade.com"
	sandboxHost    = "apisb.etrade.com"
)

// ErrHostNotAllowed is returned when a request targets a host outside
// the allow-list. The host network function is not invoked in that case.
var ErrHostNotAllowed = errors.New("host not allowed by network policy")

// Host returns the single API hostname permitted in this environment.
func (e Environment) Host() string {
	if e == EnvironmentSandbox {
		return sandboxHost
	}
	return productionHost
}

// BaseURL returns the API base URL for this environment.
func (e Environment) BaseURL() string {
	return "https://" + e.Host()
}

// Request is a fully-formed request descriptor handed to the host.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response is what the host hands back: a status code and the raw body.
type Response struct {
	StatusCode int
	Body       []byte
}

// NetworkFunc is the host-provided network call. It performs exactly one
// synchronous round trip.
type NetworkFunc func(ctx context.Context, req Request) (Response, error)

// Bridge mediates every network call through the host function,
// enforcing the allow-list and pacing outbound requests.
type Bridge struct {
	network NetworkFunc
	env     Environment
	limiter *rate.Limiter
	logger  *logrus.Logger
}

// NewBridge creates a Bridge for the given environment. requestsPerSec
// caps the outbound request rate; zero or negative disables pacing.
func NewBridge(network NetworkFunc, env Environment, requestsPerSec float64, logger *logrus.Logger) *Bridge {
	if logger == nil {
		logger = logrus.New()
	}
	var limiter *rate.Limiter
	if requestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSec), 1)
	}
	return &Bridge{
		network: network,
		env:     env,
		limiter: limiter,
		logger:  logger,
	}
}

// Environment returns the environment the bridge was built for.
func (b *Bridge) Environment() Environment {
	return b.env
}

// Allowed reports whether rawURL targets the permitted host over HTTPS.
// It is a pure predicate; it performs no I/O.
func (b *Bridge) Allowed(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if port := u.Port(); port != "" && port != "443" {
		return false
	}
	return u.Scheme == "https" && u.Hostname() == b.env.Host()
}

// Do performs a single round trip through the host network function.
// Requests to any host other than the environment's API host fail with
// ErrHostNotAllowed before the host function is invoked.
func (b *Bridge) Do(ctx context.Context, req Request) (Response, error) {
	if !b.Allowed(req.URL) {
		b.logger.WithFields(logrus.Fields{
			"url":         req.URL,
			"environment": string(b.env),
		}).Warn("Rejected request to disallowed host")
		return Response{}, fmt.Errorf("%w: %s", ErrHostNotAllowed, req.URL)
	}

	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return Response{}, err
		}
	}

	resp, err := b.network(ctx, req)
	if err != nil {
		return Response{}, fmt.Errorf("host network call failed: %w", err)
	}

	b.logger.WithFields(logrus.Fields{
		"method": req.Method,
		"url":    req.URL,
		"status": resp.StatusCode,
	}).Debug("Host network call completed")

	return resp, nil
}
