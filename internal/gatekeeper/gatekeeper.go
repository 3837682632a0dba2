// Package gatekeeper is the request trust boundary: IP allowlisting,
// sliding-window rate limiting, header/timestamp validation, and HMAC
// signature verification for inbound webhooks.
package gatekeeper

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/crosslogic/payledger/internal/apperr"
	"github.com/crosslogic/payledger/internal/secrets"
)

// maxSkewSeconds is the allowed clock skew between a webhook's signed
// timestamp and the time it is received.
const maxSkewSeconds = 300

// VerifiedWebhook is the gatekeeper's output: the exact bytes that were
// HMAC-verified, together with the signature and timestamp used so later
// replay checks can compare byte-for-byte.
type VerifiedWebhook struct {
	RawBody   []byte
	Signature string
	Timestamp int64
}

// Gatekeeper runs the ordered chain of checks an inbound webhook must
// pass before it reaches the dispatcher.
type Gatekeeper struct {
	registry    *secrets.Registry
	limiter     RateLimiter
	ipAllowlist map[string]struct{}
	now         func() time.Time
}

// Option customizes a Gatekeeper at construction time.
type Option func(*Gatekeeper)

// WithClock overrides the time source, used by tests to exercise the
// freshness and rate-limit boundaries deterministically.
func WithClock(now func() time.Time) Option {
	return func(g *Gatekeeper) { g.now = now }
}

func New(registry *secrets.Registry, limiter RateLimiter, ipAllowlist []string, opts ...Option) *Gatekeeper {
	allow := make(map[string]struct{}, len(ipAllowlist))
	for _, ip := range ipAllowlist {
		if ip != "" {
			allow[ip] = struct{}{}
		}
	}
	g := &Gatekeeper{
		registry:    registry,
		limiter:     limiter,
		ipAllowlist: allow,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Verify runs the full ordered chain against an inbound webhook request
// and returns the VerifiedWebhook on success, or a classified *apperr.Error
// otherwise.
func (g *Gatekeeper) Verify(ctx context.Context, r *http.Request, provider string) (VerifiedWebhook, error) {
	keyID := r.Header.Get("X-Webhook-Key-Id")
	candidates := g.registry.Candidates(provider, keyID)
	if len(candidates) == 0 {
		return VerifiedWebhook{}, apperr.Unauthorized("unknown webhook provider")
	}

	timestampHeader := r.Header.Get("X-Webhook-Timestamp")
	signatureHeader := r.Header.Get("X-Webhook-Signature")
	if timestampHeader == "" || signatureHeader == "" {
		return VerifiedWebhook{}, apperr.Unauthorized("missing webhook signature headers")
	}

	timestamp, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return VerifiedWebhook{}, apperr.Unauthorized("invalid webhook timestamp")
	}

	now := g.now()
	if abs(now.Unix()-timestamp) > maxSkewSeconds {
		return VerifiedWebhook{}, apperr.Unauthorized("webhook timestamp outside allowed window")
	}

	clientIP := ClientIP(r)
	if len(g.ipAllowlist) > 0 {
		if _, ok := g.ipAllowlist[clientIP]; !ok {
			return VerifiedWebhook{}, apperr.Forbidden("ip not allowed")
		}
	}

	allowed, err := g.limiter.Allow(ctx, provider+":"+clientIP, now)
	if err != nil {
		return VerifiedWebhook{}, apperr.Internal(err)
	}
	if !allowed {
		return VerifiedWebhook{}, apperr.RateLimited("rate limit exceeded")
	}

	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		return VerifiedWebhook{}, apperr.Internal(err)
	}

	if !verifySignature(candidates, timestampHeader, rawBody, signatureHeader) {
		return VerifiedWebhook{}, apperr.Forbidden("invalid webhook signature")
	}

	if !utf8.Valid(rawBody) {
		return VerifiedWebhook{}, apperr.BadEncoding("invalid webhook body encoding")
	}

	return VerifiedWebhook{RawBody: rawBody, Signature: signatureHeader, Timestamp: timestamp}, nil
}

// verifySignature computes HMAC-SHA256(secret, "<ts>." || body) for each
// candidate secret and accepts the first constant-time match. Signing the
// "<ts>." prefix (not a bare concatenation) mirrors the Stripe-style scheme
// and avoids length-extension ambiguity.
func verifySignature(candidates []string, timestampHeader string, body []byte, signatureHeader string) bool {
	signed := make([]byte, 0, len(timestampHeader)+1+len(body))
	signed = append(signed, timestampHeader...)
	signed = append(signed, '.')
	signed = append(signed, body...)

	provided, err := hex.DecodeString(signatureHeader)
	if err != nil {
		return false
	}

	for _, secret := range candidates {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(signed)
		expected := mac.Sum(nil)
		if subtle.ConstantTimeCompare(provided, expected) == 1 {
			return true
		}
	}
	return false
}

// ClientIP extracts the peer address, preferring the value chi's RealIP
// middleware already wrote into r.RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
