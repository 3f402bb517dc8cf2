// Package secgate inspects inbound requests before any business handler
// runs: declared-size and content-type validation, CORS resolution against
// an exact-match allow-list, preflight short-circuiting, and composition of
// the security response header baseline including a per-response CSP nonce.
package secgate

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/quiltfin/gateway/internal/log"
	"github.com/quiltfin/gateway/internal/telemetry"
)

// NonceHeader exposes the per-response CSP nonce so server-rendered pages
// can stamp it onto inline script and style tags.
const NonceHeader = "X-CSP-Nonce"

// suspiciousAgents are substrings of non-browser client agents. Matching
// one is advisory only; the request still proceeds.
var suspiciousAgents = []string{
	"curl",
	"wget",
	"python-requests",
	"python-urllib",
	"go-http-client",
	"scrapy",
	"nikto",
	"sqlmap",
}

// securityCritical lists the headers that must survive onto error
// responses built outside the gate (429s and the panic 500).
var securityCritical = []string{
	"Content-Security-Policy",
	"Strict-Transport-Security",
	"X-Frame-Options",
	"X-Content-Type-Options",
	"Access-Control-Allow-Origin",
	"Access-Control-Allow-Credentials",
}

// Emitter receives advisory events. *telemetry.Hub satisfies it.
type Emitter interface {
	Emit(telemetry.Event)
}

// Verdict is the gate's decision for one request. When Terminal is true
// the pipeline writes Status and Body and stops; otherwise Header carries
// the response headers to attach before the request proceeds.
type Verdict struct {
	Terminal bool
	Status   int
	Body     []byte
	Header   http.Header
	Nonce    string
}

// SecurityHeaders returns just the security-critical subset of the
// verdict's headers, for merging into responses built elsewhere.
func (v Verdict) SecurityHeaders() http.Header {
	h := make(http.Header, len(securityCritical))
	for _, name := range securityCritical {
		if val := v.Header.Get(name); val != "" {
			h.Set(name, val)
		}
	}
	return h
}

type Gate struct {
	policy   *Policy
	emitter  Emitter
	logger   log.Logger
	randRead func([]byte) (int, error)
}

type Option func(*Gate)

// WithRandReader overrides the nonce entropy source.
func WithRandReader(f func([]byte) (int, error)) Option {
	return func(g *Gate) { g.randRead = f }
}

func New(policy *Policy, emitter Emitter, logger log.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = log.Nop()
	}
	g := &Gate{
		policy:   policy,
		emitter:  emitter,
		logger:   logger,
		randRead: rand.Read,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Inspect runs the full validation sequence for r. The order is fixed:
// size, content-type, client-agent heuristic, CORS, preflight, header
// baseline, nonce. CORS mismatches do not terminate the request; the
// browser enforces the missing allow header.
func (g *Gate) Inspect(r *http.Request, identifier string) Verdict {
	header := make(http.Header)

	if v, bad := g.checkSize(r, identifier); bad {
		return v
	}
	if v, bad := g.checkContentType(r, identifier); bad {
		return v
	}
	g.checkAgent(r, identifier)
	g.resolveCORS(r, identifier, header)

	if r.Method == http.MethodOptions {
		header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		header.Set("Access-Control-Max-Age", "86400")
		header.Add("Vary", "Origin")
		g.baseline(header)
		nonce := g.applyCSP(header)
		return Verdict{Terminal: true, Status: http.StatusNoContent, Header: header, Nonce: nonce}
	}

	g.baseline(header)
	nonce := g.applyCSP(header)
	return Verdict{Header: header, Nonce: nonce}
}

// checkSize rejects declared bodies over the limit. An unparsable or
// negative Content-Length is rejected too rather than guessed at.
func (g *Gate) checkSize(r *http.Request, identifier string) (Verdict, bool) {
	raw := r.Header.Get("Content-Length")
	if raw == "" {
		return Verdict{}, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		g.emit(telemetry.KindLargeRequest, identifier, "unparsable content-length")
		return g.reject(http.StatusRequestEntityTooLarge, "request entity too large"), true
	}
	if n > g.policy.maxBodyBytes {
		g.emit(telemetry.KindLargeRequest, identifier, raw)
		return g.reject(http.StatusRequestEntityTooLarge, "request entity too large"), true
	}
	return Verdict{}, false
}

// checkContentType applies only to mutating methods. GET, DELETE, HEAD and
// OPTIONS carry no meaningful body and are exempt.
func (g *Gate) checkContentType(r *http.Request, identifier string) (Verdict, bool) {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return Verdict{}, false
	}

	ct := r.Header.Get("Content-Type")
	for _, allowed := range g.policy.contentTypes {
		if strings.HasPrefix(ct, allowed) {
			return Verdict{}, false
		}
	}
	g.emit(telemetry.KindInvalidContentType, identifier, ct)
	return g.reject(http.StatusBadRequest, "unsupported content type"), true
}

func (g *Gate) checkAgent(r *http.Request, identifier string) {
	agent := strings.ToLower(r.Header.Get("User-Agent"))
	if agent == "" {
		return
	}
	for _, token := range suspiciousAgents {
		if strings.Contains(agent, token) {
			g.emit(telemetry.KindSuspiciousClient, identifier, token)
			return
		}
	}
}

// resolveCORS sets the allow headers on an exact origin match. An
// unrecognized origin is counted but not blocked.
func (g *Gate) resolveCORS(r *http.Request, identifier string, header http.Header) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	if g.policy.OriginAllowed(origin) {
		header.Set("Access-Control-Allow-Origin", origin)
		header.Set("Access-Control-Allow-Credentials", "true")
		return
	}
	g.emit(telemetry.KindUnauthorizedOrigin, identifier, origin)
}

func (g *Gate) baseline(header http.Header) {
	header.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
	header.Set("X-Content-Type-Options", "nosniff")
	header.Set("X-Frame-Options", "DENY")
	header.Set("X-XSS-Protection", "1; mode=block")
	header.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	header.Set("Permissions-Policy", "accelerometer=(), camera=(), geolocation=(), gyroscope=(), magnetometer=(), microphone=(), payment=(), usb=()")
	header.Set("X-Permitted-Cross-Domain-Policies", "none")
	header.Set("Cross-Origin-Embedder-Policy", "require-corp")
	header.Set("Cross-Origin-Opener-Policy", "same-origin")
	header.Set("Cross-Origin-Resource-Policy", "same-origin")
}

// applyCSP sets the Content-Security-Policy header and, in production,
// mints a fresh nonce for it. A failed entropy read falls back to the
// nonce-free policy instead of failing the request.
func (g *Gate) applyCSP(header http.Header) string {
	if !g.policy.production {
		header.Set("Content-Security-Policy", g.policy.cspStatic)
		return ""
	}

	var buf [16]byte
	if _, err := g.randRead(buf[:]); err != nil {
		g.logger.Error(context.Background(), err, "csp nonce generation failed, serving nonce-free policy")
		header.Set("Content-Security-Policy", g.policy.cspStatic)
		return ""
	}
	nonce := base64.RawURLEncoding.EncodeToString(buf[:])
	header.Set("Content-Security-Policy", fmt.Sprintf(g.policy.cspNonced, nonce, nonce))
	header.Set(NonceHeader, nonce)
	return nonce
}

func (g *Gate) reject(status int, msg string) Verdict {
	header := make(http.Header)
	g.baseline(header)
	nonce := g.applyCSP(header)
	header.Set("Content-Type", "application/json; charset=utf-8")
	body := fmt.Sprintf(`{"success":false,"error":%q}`, msg)
	return Verdict{Terminal: true, Status: status, Body: []byte(body), Header: header, Nonce: nonce}
}

func (g *Gate) emit(kind telemetry.Kind, identifier, detail string) {
	if g.emitter == nil {
		return
	}
	g.emitter.Emit(telemetry.Event{Kind: kind, Identifier: identifier, Detail: detail})
}
