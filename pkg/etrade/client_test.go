package etrade

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kpopdotlink/broker-etrade/pkg/hostio"
	"github.com/kpopdotlink/broker-etrade/pkg/models"
	"github.com/kpopdotlink/broker-etrade/pkg/oauth"
)

var testCreds = oauth.Credentials{ConsumerKey: "ck", ConsumerSecret: "cs"}

// scriptedNet replays a fixed sequence of responses and records every
// request it sees.
type scriptedNet struct {
	requests  []hostio.Request
	responses []hostio.Response
	errs      []error
}

func (f *scriptedNet) fn() hostio.NetworkFunc {
	return func(ctx context.Context, req hostio.Request) (hostio.Response, error) {
		i := len(f.requests)
		f.requests = append(f.requests, req)
		if i >= len(f.responses) {
			return hostio.Response{StatusCode: 200, Body: []byte(`{}`)}, nil
		}
		if f.errs != nil && f.errs[i] != nil {
			return hostio.Response{}, f.errs[i]
		}
		return f.responses[i], nil
	}
}

func authedStore(t *testing.T) *oauth.Store {
	t.Helper()
	ctx := context.Background()
	storage := &oauth.MemoryStorage{}
	if err := storage.SaveAccessToken(ctx, oauth.Token{Token: "at", Secret: "ats"}); err != nil {
		t.Fatal(err)
	}
	store := oauth.NewStore(testCreds, storage, nil)
	if _, err := store.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	return store
}

func newTestClient(t *testing.T, net *scriptedNet, store *oauth.Store) *Client {
	t.Helper()
	bridge := hostio.NewBridge(net.fn(), hostio.EnvironmentSandbox, 0, nil)
	c := NewClient(bridge, oauth.NewSigner(store.Credentials()), store, RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         time.Millisecond,
		MaxDelay:          time.Millisecond,
		RateLimitDelay:    time.Millisecond,
		RateLimitAttempts: 2,
	}, nil)
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c
}

func TestFetchRequestToken(t *testing.T) {
	net := &scriptedNet{responses: []hostio.Response{
		{StatusCode: 200, Body: []byte("oauth_token=rt&oauth_token_secret=rts&oauth_callback_confirmed=true")},
	}}
	c := newTestClient(t, net, oauth.NewStore(testCreds, nil, nil))

	tok, err := c.FetchRequestToken(context.Background())
	if err != nil {
		t.Fatalf("FetchRequestToken: %v", err)
	}
	if tok.Token != "rt" || tok.Secret != "rts" {
		t.Errorf("token = %+v", tok)
	}

	req := net.requests[0]
	if req.URL != "https://apisb.etrade.com/oauth/request_token" {
		t.Errorf("URL = %s", req.URL)
	}
	authz := req.Headers["Authorization"]
	if !strings.Contains(authz, `oauth_callback="oob"`) {
		t.Errorf("Authorization missing oob callback: %s", authz)
	}
	if !strings.Contains(authz, `oauth_consumer_key="ck"`) {
		t.Errorf("Authorization missing consumer key: %s", authz)
	}
	if strings.Contains(authz, "oauth_token=\"") {
		t.Errorf("request-token call must not carry oauth_token: %s", authz)
	}
}

func TestFetchAccessTokenFailureIsAuthError(t *testing.T) {
	net := &scriptedNet{responses: []hostio.Response{
		{StatusCode: 400, Body: []byte("oauth_problem=token_rejected")},
	}}
	c := newTestClient(t, net, oauth.NewStore(testCreds, nil, nil))

	_, err := c.FetchAccessToken(context.Background(), oauth.Token{Token: "rt", Secret: "rts"}, "verifier")
	if !IsKind(err, KindAuthentication) {
		t.Errorf("error = %v, want authentication kind", err)
	}
	if len(net.requests) != 1 {
		t.Errorf("token exchange retried: %d calls", len(net.requests))
	}
}

func TestUnauthorizedInvalidatesStore(t *testing.T) {
	net := &scriptedNet{responses: []hostio.Response{
		{StatusCode: 401, Body: []byte(`{"Error":{"code":401,"message":"token_expired"}}`)},
	}}
	store := authedStore(t)
	c := newTestClient(t, net, store)

	_, err := c.GetPositions(context.Background(), "key1")
	if !IsKind(err, KindAuthentication) {
		t.Fatalf("error = %v, want authentication kind", err)
	}
	if store.State() != oauth.StateExpired {
		t.Fatalf("store state = %s, want expired", store.State())
	}

	// Subsequent calls fail fast without touching the network.
	before := len(net.requests)
	if _, err := c.GetPositions(context.Background(), "key1"); !IsKind(err, KindAuthentication) {
		t.Errorf("post-expiry error = %v, want authentication kind", err)
	}
	if len(net.requests) != before {
		t.Errorf("network invoked after token expiry: %d -> %d calls", before, len(net.requests))
	}
}

func TestBrokerAuthCodeInvalidatesStore(t *testing.T) {
	// An auth error code in the body invalidates the token even when
	// the status is not 401.
	net := &scriptedNet{responses: []hostio.Response{
		{StatusCode: 400, Body: []byte("oauth_problem=token_expired")},
	}}
	store := authedStore(t)
	c := newTestClient(t, net, store)

	_, err := c.GetPositions(context.Background(), "key1")
	if !IsKind(err, KindAuthentication) {
		t.Fatalf("error = %v, want authentication kind", err)
	}
	if store.State() != oauth.StateExpired {
		t.Fatalf("store state = %s, want expired", store.State())
	}

	before := len(net.requests)
	if _, err := c.GetPositions(context.Background(), "key1"); !IsKind(err, KindAuthentication) {
		t.Errorf("post-expiry error = %v, want authentication kind", err)
	}
	if len(net.requests) != before {
		t.Errorf("network invoked after token expiry: %d -> %d calls", before, len(net.requests))
	}
}

func TestRateLimitRetriesThenSurfaces(t *testing.T) {
	throttled := hostio.Response{StatusCode: 429, Body: []byte("slow down")}
	net := &scriptedNet{responses: []hostio.Response{throttled, throttled, throttled}}
	c := newTestClient(t, net, authedStore(t))

	_, err := c.GetPositions(context.Background(), "key1")
	if !IsKind(err, KindRateLimit) {
		t.Fatalf("error = %v, want rate-limit kind", err)
	}
	// Initial attempt plus RateLimitAttempts retries.
	if len(net.requests) != 3 {
		t.Errorf("network calls = %d, want 3", len(net.requests))
	}
}

func TestServerErrorRetriedThenSucceeds(t *testing.T) {
	net := &scriptedNet{responses: []hostio.Response{
		{StatusCode: 502, Body: []byte("bad gateway")},
		{StatusCode: 200, Body: []byte(`{"PortfolioResponse":{}}`)},
	}}
	c := newTestClient(t, net, authedStore(t))

	if _, err := c.GetPositions(context.Background(), "key1"); err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(net.requests) != 2 {
		t.Errorf("network calls = %d, want 2", len(net.requests))
	}

	// Each attempt must be signed afresh.
	first := net.requests[0].Headers["Authorization"]
	second := net.requests[1].Headers["Authorization"]
	if first == second {
		t.Error("retry reused nonce and signature")
	}
}

func TestTransportFailureExhaustsRetries(t *testing.T) {
	connErr := errors.New("connection reset")
	net := &scriptedNet{
		responses: make([]hostio.Response, 3),
		errs:      []error{connErr, connErr, connErr},
	}
	c := newTestClient(t, net, authedStore(t))

	_, err := c.GetPositions(context.Background(), "key1")
	if !IsKind(err, KindTransport) {
		t.Fatalf("error = %v, want transport kind", err)
	}
	if !errors.Is(err, connErr) {
		t.Errorf("underlying error lost: %v", err)
	}
	if len(net.requests) != 3 {
		t.Errorf("network calls = %d, want 3", len(net.requests))
	}
}

func TestClientErrorNotRetried(t *testing.T) {
	net := &scriptedNet{responses: []hostio.Response{
		{StatusCode: 400, Body: []byte(`{"Error":{"code":1023,"message":"Invalid account key"}}`)},
	}}
	c := newTestClient(t, net, authedStore(t))

	_, err := c.GetPositions(context.Background(), "bogus")
	if !IsKind(err, KindBrokerAPI) {
		t.Fatalf("error = %v, want broker kind", err)
	}
	var e *Error
	if !errors.As(err, &e) || e.Code != "1023" || e.Message != "Invalid account key" {
		t.Errorf("broker code/message not preserved: %+v", e)
	}
	if len(net.requests) != 1 {
		t.Errorf("4xx retried: %d calls", len(net.requests))
	}
}

func TestPlaceOrderValidationSkipsNetwork(t *testing.T) {
	net := &scriptedNet{}
	c := newTestClient(t, net, authedStore(t))

	_, err := c.PlaceOrder(context.Background(), "key1", models.Order{
		Symbol: "AAPL", Side: models.OrderSideBuy, Type: models.OrderTypeLimit, Quantity: 10,
	})
	if !IsKind(err, KindValidation) {
		t.Fatalf("error = %v, want validation kind", err)
	}
	if len(net.requests) != 0 {
		t.Errorf("network invoked for invalid order: %d calls", len(net.requests))
	}
}

func TestPlaceOrder(t *testing.T) {
	net := &scriptedNet{responses: []hostio.Response{
		{StatusCode: 200, Body: []byte(`{"PlaceOrderResponse":{"OrderIds":[{"orderId":999}],"Order":[{"status":"OPEN"}]}}`)},
	}}
	c := newTestClient(t, net, authedStore(t))

	price := 150.00
	result, err := c.PlaceOrder(context.Background(), "123", models.Order{
		Symbol:     "AAPL",
		Side:       models.OrderSideBuy,
		Type:       models.OrderTypeLimit,
		Quantity:   10,
		LimitPrice: &price,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if result.OrderID != "999" || !result.Accepted {
		t.Errorf("result = %+v", result)
	}

	req := net.requests[0]
	if req.Method != "POST" || req.URL != "https://apisb.etrade.com/v1/accounts/123/orders/place" {
		t.Errorf("request = %s %s", req.Method, req.URL)
	}
	body := string(req.Body)
	for _, want := range []string{
		`"orderAction":"BUY"`, `"priceType":"LIMIT"`, `"limitPrice":150`, `"quantity":10`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("payload missing %s:\n%s", want, body)
		}
	}
	if req.Headers["Content-Type"] != "application/json" {
		t.Errorf("Content-Type = %q", req.Headers["Content-Type"])
	}
}

func TestListAccounts(t *testing.T) {
	net := &scriptedNet{responses: []hostio.Response{
		{StatusCode: 200, Body: []byte(`{"AccountListResponse":{"Accounts":{"Account":[
			{"accountId":"840104290","accountIdKey":"JIdOIAcSpwR1Jva7RQBjzg","accountName":"Individual Brokerage","accountType":"INDIVIDUAL","accountStatus":"ACTIVE"}
		]}}}`)},
		{StatusCode: 200, Body: []byte(`{"BalanceResponse":{"Computed":{"RealTimeValues":{
			"totalAccountValue":125000.42,"netMv":10250.03,"totalLongValue":50125.77
		}}}}`)},
	}}
	c := newTestClient(t, net, authedStore(t))

	accounts, err := c.ListAccounts(context.Background())
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("len = %d", len(accounts))
	}

	acct := accounts[0]
	if acct.ID != "840104290" || acct.IDKey != "JIdOIAcSpwR1Jva7RQBjzg" {
		t.Errorf("account = %+v", acct)
	}
	if !acct.IsPaper {
		t.Error("sandbox account not flagged as paper")
	}
	if acct.Balance.TotalEquity != 125000.42 || acct.Balance.AvailableCash != 10250.03 || acct.Balance.BuyingPower != 50125.77 {
		t.Errorf("balance = %+v", acct.Balance)
	}

	// Balance call carries its query parameters.
	balanceReq := net.requests[1]
	if !strings.Contains(balanceReq.URL, "/v1/accounts/JIdOIAcSpwR1Jva7RQBjzg/balance?") ||
		!strings.Contains(balanceReq.URL, "instType=BROKERAGE") ||
		!strings.Contains(balanceReq.URL, "realTimeNAV=true") {
		t.Errorf("balance URL = %s", balanceReq.URL)
	}
}

func TestRenewAccessToken(t *testing.T) {
	net := &scriptedNet{responses: []hostio.Response{
		{StatusCode: 200, Body: []byte("Access Token has been renewed")},
	}}
	store := authedStore(t)
	c := newTestClient(t, net, store)

	store.Invalidate()
	if err := c.RenewAccessToken(context.Background()); err != nil {
		t.Fatalf("RenewAccessToken: %v", err)
	}
	if store.State() != oauth.StateAccessTokenObtained {
		t.Errorf("state after renewal = %s", store.State())
	}
}
