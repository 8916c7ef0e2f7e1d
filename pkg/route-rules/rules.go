package routerules

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

// Class is the resource class of a request.
type Class int

const (
	Other Class = iota
	Code
	Navigation
)

func (c Class) String() string {
	switch c {
	case Code:
		return "code"
	case Navigation:
		return "navigation"
	default:
		return "other"
	}
}

type Strategy string

const (
	NetworkFirst Strategy = "network-first"
	CacheFirst   Strategy = "cache-first"
	NetworkOnly  Strategy = "network-only"
)

func (s Strategy) Valid() bool {
	return s == NetworkFirst || s == CacheFirst || s == NetworkOnly
}

// Classify derives the resource class of a request.
// u is the absolute request URL, sameOrigin whether it belongs to the scope's origin.
func Classify(r *http.Request, u *url.URL, sameOrigin bool) Class {
	mode := r.Header.Get("Sec-Fetch-Mode")
	if mode == "navigate" {
		return Navigation
	}
	// clients not sending fetch metadata: treat html page loads as navigations
	if mode == "" && r.Header.Get("Sec-Fetch-Dest") == "" && strings.Contains(r.Header.Get("Accept"), "text/html") {
		return Navigation
	}
	if !sameOrigin {
		return Other
	}
	switch r.Header.Get("Sec-Fetch-Dest") {
	case "style", "script":
		return Code
	}
	if strings.HasSuffix(u.Path, ".css") || strings.HasSuffix(u.Path, ".js") {
		return Code
	}
	return Other
}

// DefaultStrategy is the strategy for a class when no rule matches.
func DefaultStrategy(c Class) Strategy {
	if c == Navigation || c == Code {
		return NetworkFirst
	}
	return CacheFirst
}

type Rules []Rule

// Rule overrides the fetch strategy for matching request URLs.
// Empty matchers match everything.
type Rule struct {
	Prefix   string            `yaml:"prefix"`
	Path     string            `yaml:"path"`
	Query    map[string]string `yaml:"query"`
	Strategy Strategy          `yaml:"strategy"`
}

func (r Rules) Validate() error {
	for i, rule := range r {
		if !rule.Strategy.Valid() {
			return fmt.Errorf("rule %d: invalid strategy %q", i, rule.Strategy)
		}
	}
	return nil
}

// Strategy returns the strategy for the request URL:
// the first matching rule's strategy, or the class default.
func (r Rules) Strategy(u *url.URL, c Class) Strategy {
	if rule := r.Find(u); rule != nil {
		return rule.Strategy
	}
	return DefaultStrategy(c)
}

// Find returns the first rule matching the URL, or nil.
func (r Rules) Find(u *url.URL) *Rule {
	log.Trace().Msgf("Finding rule for %s", u.Path)
rulesLoop:
	for _, rule := range r {
		if rule.Path != "" && rule.Path != u.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(u.Path, rule.Prefix) {
			continue
		}
		if len(rule.Query) > 0 {
			qry := u.Query()
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				} else if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		return &rule
	}
	return nil
}
