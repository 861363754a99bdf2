// Package signer produces Authorization headers for the two upstream
// credential schemes: OAuth 1.0a signed requests and bearer tokens.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	SchemeOAuth1 = "oauth1"
	SchemeBearer = "bearer"

	signatureMethod = "HMAC-SHA256"
	oauthVersion    = "1.0"
)

// Signer returns the Authorization header value for a request.
type Signer interface {
	Authorize(method, rawURL string) (string, error)
}

// OAuth1Credentials are the paired secrets of the signed-request scheme.
type OAuth1Credentials struct {
	ConsumerKey       string
	ConsumerSecret    string
	AccessToken       string
	AccessTokenSecret string
}

// Validate reports the first missing field.
func (c OAuth1Credentials) Validate() error {
	switch {
	case c.ConsumerKey == "":
		return ErrCredentialsMissing{Scheme: SchemeOAuth1, Field: "consumer key"}
	case c.ConsumerSecret == "":
		return ErrCredentialsMissing{Scheme: SchemeOAuth1, Field: "consumer secret"}
	case c.AccessToken == "":
		return ErrCredentialsMissing{Scheme: SchemeOAuth1, Field: "access token"}
	case c.AccessTokenSecret == "":
		return ErrCredentialsMissing{Scheme: SchemeOAuth1, Field: "access token secret"}
	}
	return nil
}

// OAuth1 signs requests with OAuth 1.0a HMAC-SHA256.
type OAuth1 struct {
	creds OAuth1Credentials
	now   func() time.Time
	nonce func() string
}

// NewOAuth1 builds a signer. Missing credentials are reported per request so
// that callers can decide whether the failure is fatal.
func NewOAuth1(creds OAuth1Credentials) *OAuth1 {
	return &OAuth1{
		creds: creds,
		now:   time.Now,
		nonce: func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
	}
}

// WithClock overrides the timestamp and nonce sources.
func (s *OAuth1) WithClock(now func() time.Time, nonce func() string) *OAuth1 {
	if now != nil {
		s.now = now
	}
	if nonce != nil {
		s.nonce = nonce
	}
	return s
}

// Authorize returns an "OAuth ..." header value for method and rawURL.
func (s *OAuth1) Authorize(method, rawURL string) (string, error) {
	if err := s.creds.Validate(); err != nil {
		return "", err
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", ErrSigning{Err: fmt.Errorf("parse url: %w", err)}
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", ErrSigning{Err: fmt.Errorf("url %q is not absolute", rawURL)}
	}

	oauthParams := map[string]string{
		"oauth_consumer_key":     s.creds.ConsumerKey,
		"oauth_nonce":            s.nonce(),
		"oauth_signature_method": signatureMethod,
		"oauth_timestamp":        strconv.FormatInt(s.now().Unix(), 10),
		"oauth_token":            s.creds.AccessToken,
		"oauth_version":          oauthVersion,
	}

	signature, err := s.sign(strings.ToUpper(method), parsed, oauthParams)
	if err != nil {
		return "", ErrSigning{Err: err}
	}
	oauthParams["oauth_signature"] = signature

	keys := make([]string, 0, len(oauthParams))
	for k := range oauthParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, Escape(k), Escape(oauthParams[k])))
	}
	return "OAuth " + strings.Join(parts, ", "), nil
}

func (s *OAuth1) sign(method string, u *url.URL, oauthParams map[string]string) (string, error) {
	base := BaseString(method, u, oauthParams)
	key := Escape(s.creds.ConsumerSecret) + "&" + Escape(s.creds.AccessTokenSecret)

	mac := hmac.New(sha256.New, []byte(key))
	if _, err := mac.Write([]byte(base)); err != nil {
		return "", fmt.Errorf("compute mac: %w", err)
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// BaseString builds METHOD&enc(baseURL)&enc(params) where params are the
// URL query parameters plus oauthParams, encoded and sorted by key then value.
func BaseString(method string, u *url.URL, oauthParams map[string]string) string {
	type pair struct{ k, v string }
	pairs := make([]pair, 0, len(oauthParams)+len(u.Query()))
	for k, values := range u.Query() {
		for _, v := range values {
			pairs = append(pairs, pair{Escape(k), Escape(v)})
		}
	}
	for k, v := range oauthParams {
		pairs = append(pairs, pair{Escape(k), Escape(v)})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k == pairs[j].k {
			return pairs[i].v < pairs[j].v
		}
		return pairs[i].k < pairs[j].k
	})

	encoded := make([]string, 0, len(pairs))
	for _, p := range pairs {
		encoded = append(encoded, p.k+"="+p.v)
	}

	baseURL := strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + u.EscapedPath()
	return method + "&" + Escape(baseURL) + "&" + Escape(strings.Join(encoded, "&"))
}

// Escape percent-encodes s per RFC 3986, leaving only unreserved characters.
func Escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}

// Bearer passes a pre-issued admin token.
type Bearer struct {
	Token string
}

// NewBearer builds a bearer signer.
func NewBearer(token string) *Bearer {
	return &Bearer{Token: strings.TrimSpace(token)}
}

// Authorize returns "Bearer <token>".
func (b *Bearer) Authorize(_, _ string) (string, error) {
	if b == nil || b.Token == "" {
		return "", ErrCredentialsMissing{Scheme: SchemeBearer, Field: "token"}
	}
	return "Bearer " + b.Token, nil
}

// IsCredentialsMissing reports whether err carries ErrCredentialsMissing.
func IsCredentialsMissing(err error) bool {
	var missing ErrCredentialsMissing
	return errors.As(err, &missing)
}
