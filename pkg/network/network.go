package network

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	tee "github.com/shellcache/shellcache/pkg/response-writer-tee"
)

// Fetcher is the network primitive: it performs a request and returns the response,
// or an error if the network could not be reached.
type Fetcher interface {
	Fetch(r *http.Request) (*http.Response, error)
}

type FetcherFunc func(r *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(r *http.Request) (*http.Response, error) {
	return f(r)
}

type OriginConfig struct {
	// Public URL pages are loaded from.
	Scope url.URL
	// URL of the origin server requests to the scope are sent to.
	// Origins with paths are not supported.
	Origin url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Timeout for a single network fetch. No timeout if zero.
	Timeout time.Duration
}

// OriginFetcher fetches requests for the scope from the origin server,
// and cross-origin requests directly.
type OriginFetcher struct {
	scope      url.URL
	origin     url.URL
	hostHeader string
	transport  http.RoundTripper
	client     *http.Client
}

func NewOriginFetcher(config OriginConfig) *OriginFetcher {
	hostHeader := config.Origin.Host
	transport := http.DefaultTransport
	if config.OriginHost != "" {
		hostHeader = config.OriginHost
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: config.OriginHost,
			},
		}
	}
	return &OriginFetcher{
		scope:      config.Scope,
		origin:     config.Origin,
		hostHeader: hostHeader,
		transport:  transport,
		client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
			// redirects are returned to the page as they are
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (o *OriginFetcher) inScope(u *url.URL) bool {
	return !u.IsAbs() || strings.EqualFold(u.Host, o.scope.Host)
}

// Fetch implements Fetcher.
func (o *OriginFetcher) Fetch(r *http.Request) (*http.Response, error) {
	out := r.Clone(r.Context())
	out.RequestURI = ""
	if o.inScope(r.URL) {
		out.URL.Scheme = o.origin.Scheme
		out.URL.Host = o.origin.Host
		out.Host = o.hostHeader
	} else {
		out.Host = ""
	}
	res, err := o.client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", r.URL, err)
	}
	res.Request = r
	if res.Header.Get("Date") == "" {
		res.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	return res, nil
}

// ReverseProxy returns a handler passing requests through to the origin untouched.
func (o *OriginFetcher) ReverseProxy() http.Handler {
	return &httputil.ReverseProxy{
		Director:  createDirector(o.origin.Scheme, o.origin.Host, o.hostHeader),
		Transport: o.transport,
	}
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

// HandlerFetcher fetches requests for the scope from an in-process handler.
// Other requests go to Fallback, or fail if there is none.
type HandlerFetcher struct {
	Scope    url.URL
	Handler  http.Handler
	Fallback Fetcher
}

func (h HandlerFetcher) Fetch(r *http.Request) (*http.Response, error) {
	if r.URL.IsAbs() && !strings.EqualFold(r.URL.Host, h.Scope.Host) {
		if h.Fallback == nil {
			return nil, fmt.Errorf("fetch %s: no route to host", r.URL)
		}
		return h.Fallback.Fetch(r)
	}
	in := r.Clone(r.Context())
	in.URL.Scheme = ""
	in.URL.Host = ""
	in.Host = h.Scope.Host
	in.RequestURI = in.URL.RequestURI()
	rs := tee.NewResponseSaver()
	h.Handler.ServeHTTP(rs, in)
	return rs.Result(r), nil
}
