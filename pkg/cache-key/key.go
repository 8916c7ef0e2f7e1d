package cachekey

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const methodSeparator = " "

// CacheKeyer derives cache keys for requests made to pages within a scope.
type CacheKeyer struct {
	// The origin pages are loaded from.
	// Request URLs in origin-form are resolved against it.
	Scope *url.URL
}

func NewCacheKeyer(scope *url.URL) CacheKeyer {
	s := *scope
	if s.Path == "" {
		s.Path = "/"
	}
	s.Fragment = ""
	s.RawFragment = ""
	return CacheKeyer{Scope: &s}
}

// AbsoluteURL returns the absolute URL of the request, without fragment.
// Proxy requests carry a relative URL; these are resolved against the scope.
func (c CacheKeyer) AbsoluteURL(r *http.Request) *url.URL {
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	if u.IsAbs() {
		return &u
	}
	return c.Scope.ResolveReference(&u)
}

// Resolve resolves a (possibly relative) manifest entry against the scope.
func (c CacheKeyer) Resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	abs := c.Scope.ResolveReference(u)
	abs.Fragment = ""
	abs.RawFragment = ""
	return abs, nil
}

// Key returns the canonical cache key for a request: method and absolute URL.
func (c CacheKeyer) Key(r *http.Request) string {
	return KeyFor(r.Method, c.AbsoluteURL(r))
}

func KeyFor(method string, u *url.URL) string {
	return method + methodSeparator + u.String()
}

// SameOrigin reports whether the URL has the scheme and host of the scope.
func (c CacheKeyer) SameOrigin(u *url.URL) bool {
	if !u.IsAbs() {
		return true
	}
	return strings.EqualFold(u.Scheme, c.Scope.Scheme) && strings.EqualFold(u.Host, c.Scope.Host)
}

// RequestFromKey creates a request equal (cache-wise) to the request that resulted in the key.
func RequestFromKey(ctx context.Context, key string) (*http.Request, error) {
	method, rawURL, found := strings.Cut(key, methodSeparator)
	if !found {
		return nil, fmt.Errorf("malformed key: %s", key)
	}
	return http.NewRequestWithContext(ctx, method, rawURL, nil)
}
