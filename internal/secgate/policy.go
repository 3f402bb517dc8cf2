package secgate

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/quiltfin/gateway/internal/log"
	"github.com/quiltfin/gateway/internal/xerrors"
)

const (
	// DefaultMaxBodyBytes caps request bodies at 10 MiB unless configured.
	DefaultMaxBodyBytes = 10 << 20

	noncePlaceholder = "'nonce-%s'"
)

// defaultContentTypes is the minimum accepted request body type. Broader
// deployments append form and multipart types via configuration.
var defaultContentTypes = []string{"application/json"}

// Config is the raw, operator-supplied security policy. It is compiled
// into a Policy once at startup; requests never see Config directly.
type Config struct {
	// AllowedOrigins are matched exactly against the Origin header. Each
	// entry must be a well-formed http(s) URL with no path.
	AllowedOrigins []string

	// ExternalCSPDomains are additional https:// hosts allowed to serve
	// scripts, styles, images and XHR targets. Malformed entries are
	// dropped with a warning rather than failing startup.
	ExternalCSPDomains []string

	// MaxBodyBytes rejects larger declared bodies with 413. Zero means
	// DefaultMaxBodyBytes.
	MaxBodyBytes int64

	// AllowedContentTypes are prefix-matched against the Content-Type of
	// mutating requests. Empty means JSON only.
	AllowedContentTypes []string

	// Production enables per-response CSP nonces. Outside production the
	// static policy is served so local tooling can inject scripts.
	Production bool
}

// Policy is the compiled form of Config. It is immutable after
// NewPolicy and safe for concurrent use.
type Policy struct {
	origins      map[string]struct{}
	maxBodyBytes int64
	contentTypes []string
	production   bool

	// cspNonced carries two %s verbs (script-src and style-src nonce
	// tokens); cspStatic is the same policy with the tokens removed.
	cspNonced string
	cspStatic string
}

// NewPolicy validates and compiles cfg. Malformed allowed origins are a
// hard error so a bad deploy never serves traffic; malformed CSP domains
// are advisory and logged through logger.
func NewPolicy(cfg Config, logger log.Logger) (*Policy, error) {
	if logger == nil {
		logger = log.Nop()
	}

	origins := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		if err := validateOrigin(o); err != nil {
			return nil, xerrors.Wrapf(err, "allowed origin %q", o)
		}
		origins[o] = struct{}{}
	}

	var cspDomains []string
	for _, d := range cfg.ExternalCSPDomains {
		if !validCSPDomain(d) {
			logger.Warn(context.Background(), "dropping malformed external CSP domain", "domain", d)
			continue
		}
		cspDomains = append(cspDomains, d)
	}

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	contentTypes := cfg.AllowedContentTypes
	if len(contentTypes) == 0 {
		contentTypes = defaultContentTypes
	}

	nonced, static := buildCSP(cspDomains)

	return &Policy{
		origins:      origins,
		maxBodyBytes: maxBody,
		contentTypes: contentTypes,
		production:   cfg.Production,
		cspNonced:    nonced,
		cspStatic:    static,
	}, nil
}

// OriginAllowed reports whether origin exactly matches an allow-list entry.
func (p *Policy) OriginAllowed(origin string) bool {
	_, ok := p.origins[origin]
	return ok
}

// MaxBodyBytes returns the declared-size limit for request bodies.
func (p *Policy) MaxBodyBytes() int64 { return p.maxBodyBytes }

func validateOrigin(o string) error {
	u, err := url.Parse(o)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	if u.Path != "" || u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("origin must not carry a path, query or fragment")
	}
	return nil
}

// validCSPDomain accepts only well-formed https:// hosts.
func validCSPDomain(d string) bool {
	u, err := url.Parse(d)
	if err != nil {
		return false
	}
	return u.Scheme == "https" && u.Host != "" && u.Path == "" && u.RawQuery == "" && u.Fragment == ""
}

// buildCSP assembles the directive baseline. External domains widen the
// script, style, image and connect sources; everything else stays 'self'.
func buildCSP(external []string) (nonced, static string) {
	ext := ""
	if len(external) > 0 {
		ext = " " + strings.Join(external, " ")
	}

	directives := []string{
		"default-src 'self'",
		"script-src 'self' " + noncePlaceholder + ext,
		"style-src 'self' " + noncePlaceholder + ext,
		"img-src 'self' data:" + ext,
		"font-src 'self'",
		"connect-src 'self'" + ext,
		"base-uri 'self'",
		"form-action 'self'",
		"frame-ancestors 'none'",
		"object-src 'none'",
		"upgrade-insecure-requests",
	}
	nonced = strings.Join(directives, "; ")

	// the static variant drops the nonce tokens but keeps everything else
	static = strings.ReplaceAll(nonced, " "+noncePlaceholder, "")
	return nonced, static
}
