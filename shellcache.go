package shellcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/shellcache/shellcache/cache"
	cachekey "github.com/shellcache/shellcache/pkg/cache-key"
	cachestatus "github.com/shellcache/shellcache/pkg/cache-status"
	"github.com/shellcache/shellcache/pkg/clients"
	"github.com/shellcache/shellcache/pkg/network"
	routerules "github.com/shellcache/shellcache/pkg/route-rules"

	"github.com/rs/zerolog"
)

const (
	defaultOfflineDocument    = "/index.html"
	defaultInstallConcurrency = 6
)

type Config struct {
	// Storage for cache generations.
	Storage cache.Storage
	// Storage for queued offline writes.
	// Background sync is disabled if nil.
	Outbox cache.Storage
	// Public URL pages are loaded from.
	// Same-origin is measured against it.
	Scope url.URL
	// Network primitive used for installs and fetches.
	Fetcher network.Fetcher
	// Handler for requests that are never intercepted (non-GET).
	// If nil, they are sent through Fetcher.
	Passthrough http.Handler
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Document served to navigations when the network fails.
	// Defaults to /index.html.
	OfflineDocument string
	// Optional fetch strategy overrides.
	Rules routerules.Rules
	// Defaults for push notifications.
	Notifications NotificationDefaults
	// Display primitive for notifications.
	// If nil, notifications are broadcast to the connected pages.
	Notifier Notifier
	// Connected pages. A new hub is created if nil.
	Clients *clients.Hub
	// Maximum number of concurrent manifest fetches during install.
	InstallConcurrency int
}

// Controller is the offline cache controller.
// It owns the cache generations and answers the events pages and deploys send to it.
type Controller struct {
	storage         cache.Storage
	outbox          cache.Storage
	keyer           cachekey.CacheKeyer
	fetcher         network.Fetcher
	passthrough     http.Handler
	log             zerolog.Logger
	offlineDocument string
	rules           routerules.Rules
	notifications   NotificationDefaults
	notifier        Notifier
	clients         *clients.Hub
	concurrency     int

	// one install downloads at a time
	installs sync.Mutex
	// serializes generation writes and activation
	lifecycle sync.Mutex
	// write-locked while activating
	ready sync.RWMutex
	// guards the workers below
	mu         sync.Mutex
	installing *Worker
	waiting    *Worker
	active     *Worker

	writes   sync.WaitGroup
	handlers map[EventKind]func(context.Context, Event) error
}

// CreateController initializes the controller.
// No cache generation is active until a version is registered or restored.
func CreateController(config Config) (*Controller, error) {
	if config.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if config.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if !config.Scope.IsAbs() {
		return nil, fmt.Errorf("scope must be an absolute URL, got %q", config.Scope.String())
	}
	if err := config.Rules.Validate(); err != nil {
		return nil, err
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("scope", config.Scope.String()).
		Logger()

	c := &Controller{
		storage:         config.Storage,
		outbox:          config.Outbox,
		keyer:           cachekey.NewCacheKeyer(&config.Scope),
		fetcher:         config.Fetcher,
		passthrough:     config.Passthrough,
		log:             logger,
		offlineDocument: config.OfflineDocument,
		rules:           config.Rules,
		notifications:   config.Notifications.withDefaults(),
		notifier:        config.Notifier,
		clients:         config.Clients,
		concurrency:     config.InstallConcurrency,
	}
	if c.offlineDocument == "" {
		c.offlineDocument = defaultOfflineDocument
	}
	if c.concurrency <= 0 {
		c.concurrency = defaultInstallConcurrency
	}
	if c.clients == nil {
		c.clients = clients.NewHub(logger)
	}
	if c.notifier == nil {
		c.notifier = HubNotifier{Hub: c.clients}
	}
	if c.passthrough == nil {
		c.passthrough = http.HandlerFunc(c.passThroughFetcher)
	}

	c.handlers = map[EventKind]func(context.Context, Event) error{
		InstallEvent:           handle(c.onInstall),
		ActivateEvent:          handle(c.onActivate),
		FetchEvent:             handle(c.onFetch),
		PushEvent:              handle(c.onPush),
		NotificationClickEvent: handle(c.onNotificationClick),
		MessageEvent:           handle(c.onMessage),
		SyncEvent:              handle(c.onSync),
	}

	// all pages closed: the waiting version takes over
	c.clients.OnEmpty(func() {
		if err := c.activateWaiting(context.Background()); err != nil {
			c.log.Error().Err(err).Msg("Could not activate waiting version")
		}
	})

	return c, nil
}

// Clients returns the hub of connected pages.
func (c *Controller) Clients() *clients.Hub {
	return c.clients
}

// Flush waits until all pending cache writes are done.
func (c *Controller) Flush() {
	c.writes.Wait()
}

// Close waits for pending cache writes. The storages are owned by the caller.
func (c *Controller) Close() error {
	c.Flush()
	return nil
}

// ServeHTTP implements the http.Handler interface.
// GET requests are answered through the fetch event, all others pass through untouched.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// escape hatch
	defer func() {
		if err := recover(); err != nil {
			if err == http.ErrAbortHandler {
				panic(err)
			}
			c.log.Error().Msgf("Recovered from panic: %v", err)
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
		}
	}()

	if r.Method != http.MethodGet {
		c.log.Trace().Str("method", r.Method).Str("url", r.URL.String()).Msg("Passing through")
		var status cachestatus.CacheStatus
		status.Forward(cachestatus.FwdMethod)
		w.Header().Set(cachestatus.HeaderName, status.String())
		c.passthrough.ServeHTTP(w, r)
		return
	}

	ev := &Fetch{Request: r}
	if err := c.Dispatch(r.Context(), ev); err != nil {
		c.log.Warn().Err(err).Str("url", r.URL.String()).Msg("Network error")
		ev.Status.Forward(cachestatus.FwdBypass)
		w.Header().Set("Cache-Status", ev.Status.String())
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		c.logRequest(r, ev)
		return
	}
	c.sendResponse(w, ev)
	c.logRequest(r, ev)
}

// passThroughFetcher sends an unintercepted request through the network primitive.
func (c *Controller) passThroughFetcher(w http.ResponseWriter, r *http.Request) {
	out := r.Clone(r.Context())
	out.URL = c.keyer.AbsoluteURL(r)
	out.RequestURI = ""
	res, err := c.fetcher.Fetch(out)
	if err != nil {
		c.log.Warn().Err(err).Str("url", r.URL.String()).Msg("Network error")
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer res.Body.Close()
	writeResponse(w, res, "")
}

func (c *Controller) logRequest(r *http.Request, ev *Fetch) {
	isHit := 0
	if ev.Status.IsHit() {
		isHit = 1
	}
	c.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("class", ev.Class.String()).
		Str("strategy", string(ev.Strategy)).
		Str("generation", ev.Generation).
		Str("cacheStatus", ev.Status.String()).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}
