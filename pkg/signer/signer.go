// Package signer computes the HMAC-SHA256 authentication artifacts required by
// the interpretation and translation services.
package signer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/harunnryd/tolk/pkg/errorsx"
)

const algorithm = "hmac-sha256"

// Signer holds the API credentials and a clock.
type Signer struct {
	apiKey    string
	apiSecret string
	now       func() time.Time
}

type Option func(*Signer)

// WithClock overrides time.Now, for tests and replays.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		if now != nil {
			s.now = now
		}
	}
}

func New(apiKey, apiSecret string, opts ...Option) (*Signer, error) {
	if strings.TrimSpace(apiKey) == "" || strings.TrimSpace(apiSecret) == "" {
		return nil, errorsx.Wrap(errors.New("signer: api key and secret are required"), errorsx.ReasonInvalidCredentials)
	}
	s := &Signer{apiKey: apiKey, apiSecret: apiSecret, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AuthenticatedURL signs baseURL for a WebSocket handshake made now.
func (s *Signer) AuthenticatedURL(baseURL, scheme string) (string, error) {
	return BuildAuthenticatedURL(baseURL, s.apiKey, s.apiSecret, scheme, s.now())
}

// FormatDate renders t as an RFC-1123 GMT date.
func FormatDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

// Sign returns base64(HMAC-SHA256(secret, msg)).
func Sign(secret, msg string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// BodyDigest returns base64 of the hex-encoded HMAC-SHA256 of body. The
// service verifies this double encoding byte for byte.
func BodyDigest(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString([]byte(hex.EncodeToString(mac.Sum(nil))))
}

// CanonicalGET is the string signed for a WebSocket handshake.
func CanonicalGET(host, date, path string) string {
	return fmt.Sprintf("host: %s\ndate: %s\nGET %s HTTP/1.1", host, date, path)
}

// CanonicalPOST is the string signed for a translation request.
func CanonicalPOST(host, date, path, digest string) string {
	return fmt.Sprintf("host: %s\ndate: %s\nPOST %s HTTP/1.1\ndigest: SHA-256=%s", host, date, path, digest)
}

// BuildAuthenticatedURL returns scheme://host/path with the authorization,
// date and host query parameters the service expects.
func BuildAuthenticatedURL(baseURL, apiKey, apiSecret, scheme string, date time.Time) (string, error) {
	if apiKey == "" || apiSecret == "" {
		return "", errorsx.Wrap(errors.New("signer: api key and secret are required"), errorsx.ReasonInvalidCredentials)
	}
	u, err := parseBase(baseURL)
	if err != nil {
		return "", err
	}
	if scheme == "" {
		scheme = u.Scheme
	}
	d := FormatDate(date)
	signature := Sign(apiSecret, CanonicalGET(u.Host, d, u.EscapedPath()))
	origin := fmt.Sprintf(`hmac username="%s", algorithm="%s", headers="host date request-line", signature="%s"`,
		apiKey, algorithm, signature)

	q := url.Values{}
	q.Set("authorization", base64.StdEncoding.EncodeToString([]byte(origin)))
	q.Set("date", d)
	q.Set("host", u.Host)

	out := url.URL{
		Scheme:   scheme,
		Host:     u.Host,
		Path:     u.Path,
		RawPath:  u.RawPath,
		RawQuery: q.Encode(),
	}
	return out.String(), nil
}

// SignTranslationRequest sets Authorization, Host, Date and Digest on req for
// the given body. req.URL must be absolute.
func (s *Signer) SignTranslationRequest(req *http.Request, body []byte) error {
	if req == nil || req.URL == nil || req.URL.Host == "" {
		return errorsx.Wrap(errors.New("signer: request url has no host"), errorsx.ReasonInvalidURL)
	}
	host := req.URL.Host
	date := FormatDate(s.now())
	digest := BodyDigest(s.apiSecret, body)
	signature := Sign(s.apiSecret, CanonicalPOST(host, date, req.URL.EscapedPath(), digest))
	auth := fmt.Sprintf(`api_key="%s", algorithm="%s", headers="host date request-line digest", signature="%s"`,
		s.apiKey, algorithm, signature)

	req.Host = host
	req.Header.Set("Authorization", auth)
	req.Header.Set("Host", host)
	req.Header.Set("Date", date)
	req.Header.Set("Digest", "SHA-256="+digest)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return nil
}

// NewTranslationRequest builds a signed POST for baseURL carrying body.
func (s *Signer) NewTranslationRequest(ctx context.Context, baseURL string, body []byte) (*http.Request, error) {
	u, err := parseBase(baseURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonInvalidURL)
	}
	if err := s.SignTranslationRequest(req, body); err != nil {
		return nil, err
	}
	return req, nil
}

func parseBase(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("signer: parse %q: %w", raw, err), errorsx.ReasonInvalidURL)
	}
	if u.Host == "" {
		return nil, errorsx.Newf(errorsx.ReasonInvalidURL, "signer: url %q has no host", raw)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}
