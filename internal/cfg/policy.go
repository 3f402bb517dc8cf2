package cfg

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quiltfin/gateway/internal/xerrors"
)

// RouteLimit is one entry of the admission policy table. Entries are
// evaluated in file order; the first prefix match wins.
type RouteLimit struct {
	Prefix      string `yaml:"prefix"`
	WindowSecs  int    `yaml:"windowSeconds"`
	MaxRequests int    `yaml:"maxRequests"`
	Message     string `yaml:"message"`
}

// Window returns the entry's sliding window as a duration.
func (r RouteLimit) Window() time.Duration {
	return time.Duration(r.WindowSecs) * time.Second
}

// Policy is the operator-authored admission policy, loaded from a YAML
// file at startup. It never changes at runtime; edits require a restart.
type Policy struct {
	AllowedOrigins      []string     `yaml:"allowedOrigins"`
	ExternalCSPDomains  []string     `yaml:"externalCspDomains"`
	AllowedContentTypes []string     `yaml:"allowedContentTypes"`
	MaxBodyBytes        int64        `yaml:"maxBodyBytes"`
	SecureMode          bool         `yaml:"secureMode"`
	RouteRateLimits     []RouteLimit `yaml:"routeRateLimits"`
}

// LoadPolicy reads and validates the policy file at path.
func LoadPolicy(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read policy file %s", path)
	}

	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, xerrors.Wrapf(err, "parse policy file %s", path)
	}

	if err := p.Validate(); err != nil {
		return nil, xerrors.Wrapf(err, "invalid policy file %s", path)
	}
	return &p, nil
}

// Validate reports every problem in the policy at once so an operator
// fixes a bad file in one round trip.
func (p *Policy) Validate() error {
	var errs []error

	for _, o := range p.AllowedOrigins {
		u, err := url.Parse(o)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" || u.Path != "" {
			errs = append(errs, fmt.Errorf("allowedOrigins entry %q is not a bare http(s) origin", o))
		}
	}

	if p.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("maxBodyBytes must not be negative (got %d)", p.MaxBodyBytes))
	}

	seen := make(map[string]bool, len(p.RouteRateLimits))
	for i, rl := range p.RouteRateLimits {
		if rl.Prefix == "" || !strings.HasPrefix(rl.Prefix, "/") {
			errs = append(errs, fmt.Errorf("routeRateLimits[%d]: prefix %q must start with /", i, rl.Prefix))
		}
		if seen[rl.Prefix] {
			errs = append(errs, fmt.Errorf("routeRateLimits[%d]: duplicate prefix %q", i, rl.Prefix))
		}
		seen[rl.Prefix] = true
		if rl.WindowSecs <= 0 {
			errs = append(errs, fmt.Errorf("routeRateLimits[%d] (%s): windowSeconds must be positive (got %d)", i, rl.Prefix, rl.WindowSecs))
		}
		if rl.MaxRequests <= 0 {
			errs = append(errs, fmt.Errorf("routeRateLimits[%d] (%s): maxRequests must be positive (got %d)", i, rl.Prefix, rl.MaxRequests))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
