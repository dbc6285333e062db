// Package oauth implements the OAuth 1.0a request signing and token
// lifecycle used by the E*TRADE API: HMAC-SHA1 signatures over the
// canonical signature base string, and the request-token / access-token
// handshake driven by an out-of-band user authorization step.
package oauth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	signatureMethod = "HMAC-SHA1"
	oauthVersion    = "1.0"
)

// Credentials are the consumer key/secret issued by the broker. They
// are immutable for the process lifetime.
type Credentials struct {
	ConsumerKey    string
	ConsumerSecret string
}

// SignInput describes one request to be signed. BaseURL carries scheme,
// host and path only; query and form parameters go in Params. Token and
// TokenSecret are empty for the request-token step. Callback and
// Verifier are set only during the respective handshake steps.
type SignInput struct {
	Method      string
	BaseURL     string
	Params      url.Values
	Token       string
	TokenSecret string
	Callback    string
	Verifier    string
}

// Signer computes OAuth 1.0a signatures and Authorization header values.
// The nonce and clock functions are swappable so tests can pin both;
// the defaults draw a fresh random nonce per request, which is never
// reused within the process lifetime.
type Signer struct {
	creds Credentials
	nonce func() string
	now   func() time.Time
}

// NewSigner creates a Signer using crypto/rand nonces and the wall
// clock.
func NewSigner(creds Credentials) *Signer {
	return &Signer{
		creds: creds,
		nonce: randomNonce,
		now:   time.Now,
	}
}

// NewSignerAt creates a Signer with a fixed nonce and timestamp.
// Identical inputs then produce identical signatures.
func NewSignerAt(creds Credentials, nonce string, at time.Time) *Signer {
	return &Signer{
		creds: creds,
		nonce: func() string { return nonce },
		now:   func() time.Time { return at },
	}
}

func randomNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("oauth: reading random nonce: %v", err))
	}
	return hex.EncodeToString(b)
}

// Authorization signs the request and returns the value for the
// Authorization header.
func (s *Signer) Authorization(in SignInput) string {
	oauthParams := s.oauthParams(in)

	signature := s.sign(in, oauthParams)
	oauthParams = append(oauthParams, param{"oauth_signature", signature})

	parts := make([]string, 0, len(oauthParams))
	for _, p := range oauthParams {
		parts = append(parts, fmt.Sprintf("%s=%q", p.key, percentEncode(p.value)))
	}
	return "OAuth " + strings.Join(parts, ", ")
}

type param struct {
	key   string
	value string
}

func (s *Signer) oauthParams(in SignInput) []param {
	params := []param{
		{"oauth_consumer_key", s.creds.ConsumerKey},
		{"oauth_nonce", s.nonce()},
		{"oauth_signature_method", signatureMethod},
		{"oauth_timestamp", fmt.Sprintf("%d", s.now().Unix())},
		{"oauth_version", oauthVersion},
	}
	if in.Token != "" {
		params = append(params, param{"oauth_token", in.Token})
	}
	if in.Callback != "" {
		params = append(params, param{"oauth_callback", in.Callback})
	}
	if in.Verifier != "" {
		params = append(params, param{"oauth_verifier", in.Verifier})
	}
	return params
}

// sign builds the signature base string and computes the HMAC-SHA1
// signature, base64-encoded. The canonicalization follows RFC 5849
// exactly: percent-encode each key and value, sort by encoded key then
// encoded value, join with '&', then concatenate the uppercased method,
// the encoded base URL and the encoded parameter string with '&'.
func (s *Signer) sign(in SignInput, oauthParams []param) string {
	encoded := make([]param, 0, len(oauthParams)+len(in.Params))
	for _, p := range oauthParams {
		encoded = append(encoded, param{percentEncode(p.key), percentEncode(p.value)})
	}
	for key, values := range in.Params {
		for _, value := range values {
			encoded = append(encoded, param{percentEncode(key), percentEncode(value)})
		}
	}
	sort.Slice(encoded, func(i, j int) bool {
		if encoded[i].key != encoded[j].key {
			return encoded[i].key < encoded[j].key
		}
		return encoded[i].value < encoded[j].value
	})

	pairs := make([]string, 0, len(encoded))
	for _, p := range encoded {
		pairs = append(pairs, p.key+"="+p.value)
	}
	paramString := strings.Join(pairs, "&")

	baseString := strings.ToUpper(in.Method) + "&" +
		percentEncode(in.BaseURL) + "&" +
		percentEncode(paramString)

	signingKey := percentEncode(s.creds.ConsumerSecret) + "&" + percentEncode(in.TokenSecret)

	mac := hmac.New(sha1.New, []byte(signingKey))
	mac.Write([]byte(baseString))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// percentEncode encodes per the RFC 3986 unreserved character set,
// which is what OAuth 1.0a requires. url.QueryEscape is not usable
// here: it encodes space as '+'.
func percentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		default:
			b.WriteString(fmt.Sprintf("%%%02X", c))
		}
	}
	return b.String()
}
