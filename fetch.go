package shellcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	cachekey "github.com/shellcache/shellcache/pkg/cache-key"
	cachestatus "github.com/shellcache/shellcache/pkg/cache-status"
	serializer "github.com/shellcache/shellcache/pkg/response-serializer"
	routerules "github.com/shellcache/shellcache/pkg/route-rules"
)

// ErrNoCachedResponse is returned when the network failed and the cache had nothing to fall back to.
var ErrNoCachedResponse = errors.New("no cached response")

// fetchContext is the per-request state of the routing policy.
type fetchContext struct {
	ev         *Fetch
	url        *url.URL
	key        string
	sameOrigin bool
}

func (c *Controller) onFetch(ctx context.Context, ev *Fetch) error {
	r := ev.Request
	fc := fetchContext{
		ev:  ev,
		url: c.keyer.AbsoluteURL(r),
	}
	fc.key = c.keyer.Key(r)
	fc.sameOrigin = c.keyer.SameOrigin(fc.url)

	ev.Class = routerules.Classify(r, fc.url, fc.sameOrigin)
	ev.Strategy = c.rules.Strategy(fc.url, ev.Class)
	ev.Generation = c.generation()
	// nothing installed yet
	if ev.Generation == "" {
		ev.Strategy = routerules.NetworkOnly
	}

	switch ev.Strategy {
	case routerules.CacheFirst:
		return c.cacheFirst(ctx, fc)
	case routerules.NetworkFirst:
		return c.networkFirst(ctx, fc)
	default:
		return c.networkOnly(ctx, fc)
	}
}

func (c *Controller) networkOnly(ctx context.Context, fc fetchContext) error {
	res, err := c.fetchNetwork(ctx, fc)
	if err != nil {
		return err
	}
	fc.ev.Status.Forward(cachestatus.FwdBypass)
	fc.ev.Response = res
	return nil
}

// networkFirst tries the network and keeps the cache up to date with it.
// If the network fails, navigations get the offline document and everything else its own cached copy.
func (c *Controller) networkFirst(ctx context.Context, fc fetchContext) error {
	res, err := c.fetchNetwork(ctx, fc)
	if err == nil {
		fc.ev.Status.Forward(cachestatus.FwdBypass)
		c.storeIfCacheable(fc, res)
		fc.ev.Response = res
		return nil
	}

	c.log.Debug().Err(err).Str("url", fc.url.String()).Msg("Network failed, falling back to cache")
	if fc.ev.Class == routerules.Navigation {
		if doc, err := c.keyer.Resolve(c.offlineDocument); err == nil {
			if snap, ok := c.match(ctx, fc.ev.Generation, cachekey.KeyFor(http.MethodGet, doc)); ok {
				fc.ev.Status.Hit()
				fc.ev.Status.Detail(cachestatus.DetailOfflineDocument)
				fc.ev.Response = snap.Response(fc.ev.Request)
				return nil
			}
		}
	}
	if snap, ok := c.match(ctx, fc.ev.Generation, fc.key); ok {
		fc.ev.Status.Hit()
		fc.ev.Status.Detail(cachestatus.DetailOffline)
		fc.ev.Response = snap.Response(fc.ev.Request)
		return nil
	}
	return fmt.Errorf("%w: %w", ErrNoCachedResponse, err)
}

// cacheFirst answers from the cache and only goes to the network on a miss.
func (c *Controller) cacheFirst(ctx context.Context, fc fetchContext) error {
	if snap, ok := c.match(ctx, fc.ev.Generation, fc.key); ok {
		fc.ev.Status.Hit()
		fc.ev.Response = snap.Response(fc.ev.Request)
		return nil
	}
	res, err := c.fetchNetwork(ctx, fc)
	if err != nil {
		return err
	}
	fc.ev.Status.Forward(cachestatus.FwdUriMiss)
	c.storeIfCacheable(fc, res)
	fc.ev.Response = res
	return nil
}

func (c *Controller) fetchNetwork(ctx context.Context, fc fetchContext) (*http.Response, error) {
	out := fc.ev.Request.Clone(ctx)
	out.URL = fc.url
	out.RequestURI = ""
	return c.fetcher.Fetch(out)
}

// match looks the key up in the given generation.
func (c *Controller) match(ctx context.Context, generation, key string) (serializer.Snapshot, bool) {
	if generation == "" {
		return serializer.Snapshot{}, false
	}
	entry, ok, err := c.storage.Store(generation).Get(ctx, key)
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("Could not retrieve from cache")
		return serializer.Snapshot{}, false
	}
	if !ok {
		return serializer.Snapshot{}, false
	}
	snap, err := serializer.Unmarshal(entry.Bytes)
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("Could not read cached response")
		return serializer.Snapshot{}, false
	}
	return snap, true
}

// storeIfCacheable writes a copy of a same-origin 200 response to the generation the request was routed against.
// The write happens in the background (do not slow down response).
func (c *Controller) storeIfCacheable(fc fetchContext, res *http.Response) {
	if !fc.sameOrigin || res.StatusCode != http.StatusOK || fc.ev.Generation == "" {
		return
	}
	snap, err := serializer.FromResponse(res)
	if err != nil {
		c.log.Warn().Err(err).Str("key", fc.key).Msg("Could not read response for caching")
		return
	}
	snap.Method = http.MethodGet
	snap.URL = fc.url
	// stored means the write was scheduled; it is dropped if the generation changes first
	fc.ev.Status.Stored()

	c.writes.Add(1)
	go func() {
		defer c.writes.Done()
		c.put(fc.ev.Generation, fc.key, snap)
	}()
}

func (c *Controller) put(generation, key string, snap serializer.Snapshot) {
	b, err := serializer.Marshal(snap)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Could not serialize response")
		return
	}
	c.ready.RLock()
	defer c.ready.RUnlock()
	// never write into a reclaimed generation
	if c.ActiveVersion() != generation {
		c.log.Trace().Str("key", key).Str("generation", generation).Msg("Generation no longer current, dropping write")
		return
	}
	c.log.Trace().Str("key", key).Str("generation", generation).Msg("Writing to cache")
	if err := c.storage.Store(generation).Put(context.Background(), key, b); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Could not write to cache")
	}
}

func (c *Controller) sendResponse(w http.ResponseWriter, ev *Fetch) {
	res := ev.Response
	if res.Body != nil {
		defer res.Body.Close()
	}
	bytesWritten := writeResponse(w, res, ev.Status.String())
	c.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func writeResponse(w http.ResponseWriter, res *http.Response, cacheStatus string) int64 {
	copyHeader(w.Header(), res.Header)
	if cacheStatus != "" {
		w.Header().Add(cachestatus.HeaderName, cacheStatus)
	}
	w.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return 0
	}
	n, _ := io.Copy(w, res.Body)
	return n
}

// hop-by-hop headers are not forwarded
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		if hopHeaders[k] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
