package shellcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	cachekey "github.com/shellcache/shellcache/pkg/cache-key"
	serializer "github.com/shellcache/shellcache/pkg/response-serializer"

	"golang.org/x/sync/errgroup"
)

// ErrInstallFailed is returned when a version could not be installed.
var ErrInstallFailed = errors.New("install failed")

type State string

const (
	Installing State = "installing"
	Installed  State = "installed"
	Activating State = "activating"
	Activated  State = "activated"
	Redundant  State = "redundant"
)

// Worker is a version of the controller together with its manifest.
type Worker struct {
	Version     string    `json:"version"`
	Manifest    []string  `json:"manifest"`
	State       State     `json:"state"`
	InstalledAt time.Time `json:"installedAt,omitempty"`
	ActivatedAt time.Time `json:"activatedAt,omitempty"`
}

// Registration is a snapshot of the controller versions.
type Registration struct {
	Installing *Worker `json:"installing,omitempty"`
	Waiting    *Worker `json:"waiting,omitempty"`
	Active     *Worker `json:"active,omitempty"`
}

func (r Registration) ActiveVersion() string {
	if r.Active == nil {
		return ""
	}
	return r.Active.Version
}

func (r Registration) WaitingVersion() string {
	if r.Waiting == nil {
		return ""
	}
	return r.Waiting.Version
}

func copyWorker(w *Worker) *Worker {
	if w == nil {
		return nil
	}
	cp := *w
	cp.Manifest = append([]string(nil), w.Manifest...)
	return &cp
}

// Registration returns the current installing, waiting and active versions.
func (c *Controller) Registration() Registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Registration{
		Installing: copyWorker(c.installing),
		Waiting:    copyWorker(c.waiting),
		Active:     copyWorker(c.active),
	}
}

// ActiveVersion returns the version of the current cache generation, or "" if none.
func (c *Controller) ActiveVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ""
	}
	return c.active.Version
}

// generation returns the current cache generation for routing a request.
// It blocks while an activation is in progress.
func (c *Controller) generation() string {
	c.ready.RLock()
	defer c.ready.RUnlock()
	return c.ActiveVersion()
}

// Register installs a new version. If no version is active, or no page is open,
// it becomes active right away; otherwise it waits and pages are told an update is available.
// Registering the active or waiting version again does nothing.
// Cancelling ctx stops the install while the manifest is being fetched.
func (c *Controller) Register(ctx context.Context, version string, manifest []string) error {
	return c.Dispatch(ctx, &Install{Version: version, Manifest: manifest})
}

// SkipWaiting activates the waiting version, if any.
func (c *Controller) SkipWaiting(ctx context.Context) error {
	return c.Dispatch(ctx, &Message{Data: []byte(`{"type":"` + skipWaitingMessage + `"}`)})
}

// fetched is a manifest entry downloaded but not yet written.
type fetched struct {
	key   string
	bytes []byte
}

func (c *Controller) onInstall(ctx context.Context, ev *Install) error {
	if ev.Version == "" {
		return fmt.Errorf("%w: empty version", ErrInstallFailed)
	}

	c.installs.Lock()
	defer c.installs.Unlock()

	if c.isCurrent(ev.Version) {
		c.log.Debug().Str("version", ev.Version).Msg("Version already installed")
		return nil
	}
	w := &Worker{
		Version:  ev.Version,
		Manifest: append([]string(nil), ev.Manifest...),
		State:    Installing,
	}
	c.mu.Lock()
	c.installing = w
	c.mu.Unlock()

	log := c.log.With().Str("version", w.Version).Logger()
	log.Info().Msgf("Installing %d manifest entries", len(w.Manifest))

	// activation is not held up by the download
	entries, err := c.fetchManifest(ctx, w)
	if err != nil {
		return c.installFailed(w, err)
	}

	// once downloaded, the generation is written even if the requester goes away
	ctx = context.WithoutCancel(ctx)
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.isCurrent(w.Version) {
		c.mu.Lock()
		c.installing = nil
		c.mu.Unlock()
		return nil
	}
	if err := c.writeGeneration(ctx, w.Version, entries); err != nil {
		return c.installFailed(w, err)
	}

	c.mu.Lock()
	w.State = Installed
	w.InstalledAt = time.Now()
	c.installing = nil
	superseded := c.waiting
	c.waiting = w
	active := c.active
	c.mu.Unlock()
	log.Info().Msg("Installed")

	if superseded != nil {
		c.discard(ctx, superseded)
	}

	// first install, or nobody to interrupt: take over right away
	if active == nil || c.clients.Count() == 0 {
		return c.activateLocked(ctx, w.Version)
	}

	sent := c.clients.Broadcast("update-available", map[string]string{
		"version": w.Version,
		"active":  active.Version,
	})
	log.Info().Int("clients", sent).Msg("Waiting for clients to activate update")
	return nil
}

// isCurrent reports whether the version is active or waiting.
func (c *Controller) isCurrent(version string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return (c.active != nil && c.active.Version == version) || (c.waiting != nil && c.waiting.Version == version)
}

func (c *Controller) installFailed(w *Worker, err error) error {
	c.mu.Lock()
	w.State = Redundant
	c.installing = nil
	c.mu.Unlock()
	c.log.Error().Err(err).Str("version", w.Version).Msg("Cache installation failed")
	return fmt.Errorf("%w: %s: %w", ErrInstallFailed, w.Version, err)
}

// fetchManifest downloads every manifest entry into memory.
// Any failure fails the whole install.
func (c *Controller) fetchManifest(ctx context.Context, w *Worker) ([]fetched, error) {
	entries := make([]fetched, len(w.Manifest))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, entry := range w.Manifest {
		g.Go(func() error {
			u, err := c.keyer.Resolve(entry)
			if err != nil {
				return fmt.Errorf("manifest entry %q: %w", entry, err)
			}
			key := cachekey.KeyFor(http.MethodGet, u)
			req, err := cachekey.RequestFromKey(gctx, key)
			if err != nil {
				return err
			}
			res, err := c.fetcher.Fetch(req)
			if err != nil {
				return err
			}
			defer res.Body.Close()
			if res.StatusCode < 200 || res.StatusCode > 299 {
				return fmt.Errorf("fetch %s: status %d", u, res.StatusCode)
			}
			snap, err := serializer.FromResponse(res)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", u, err)
			}
			snap.Method = http.MethodGet
			snap.URL = u
			b, err := serializer.Marshal(snap)
			if err != nil {
				return err
			}
			entries[i] = fetched{key: key, bytes: b}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	// a fetcher may answer after giving up on a cancelled request
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// writeGeneration creates the named generation holding the entries.
// Must hold the lifecycle lock.
func (c *Controller) writeGeneration(ctx context.Context, version string, entries []fetched) error {
	store, err := c.storage.Open(ctx, version)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := store.Put(ctx, e.key, e.bytes); err != nil {
			// do not leave a half-populated generation behind
			if _, derr := c.storage.Delete(ctx, version); derr != nil {
				c.log.Error().Err(derr).Str("version", version).Msg("Could not delete failed generation")
			}
			return err
		}
	}
	return nil
}

// discard marks a waiting version superseded and deletes its generation.
func (c *Controller) discard(ctx context.Context, w *Worker) {
	c.mu.Lock()
	w.State = Redundant
	c.mu.Unlock()
	if _, err := c.storage.Delete(ctx, w.Version); err != nil {
		c.log.Error().Err(err).Str("version", w.Version).Msg("Could not delete superseded generation")
	}
	c.log.Info().Str("version", w.Version).Msg("Superseded waiting version")
}

func (c *Controller) onActivate(ctx context.Context, ev *Activate) error {
	ctx = context.WithoutCancel(ctx)
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.activateLocked(ctx, ev.Version)
}

// activateWaiting activates whichever version is waiting.
func (c *Controller) activateWaiting(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.activateLocked(ctx, "")
}

// activateLocked makes the waiting version current, deletes every other generation
// and claims the open pages. An empty version matches any waiting version.
// Must hold the lifecycle lock.
func (c *Controller) activateLocked(ctx context.Context, version string) error {
	c.mu.Lock()
	w := c.waiting
	if w == nil || (version != "" && w.Version != version) {
		c.mu.Unlock()
		return nil
	}
	w.State = Activating
	c.mu.Unlock()

	log := c.log.With().Str("version", w.Version).Logger()

	// no fetch is routed until the old generations are gone
	c.ready.Lock()
	names, err := c.storage.Names(ctx)
	if err != nil {
		c.mu.Lock()
		w.State = Installed
		c.mu.Unlock()
		c.ready.Unlock()
		return fmt.Errorf("list cache generations: %w", err)
	}
	for _, name := range names {
		if name == w.Version {
			continue
		}
		log.Info().Str("generation", name).Msg("Deleting old cache")
		if _, err := c.storage.Delete(ctx, name); err != nil {
			log.Error().Err(err).Str("generation", name).Msg("Could not delete old cache")
		}
	}
	c.mu.Lock()
	if c.active != nil {
		c.active.State = Redundant
	}
	w.State = Activated
	w.ActivatedAt = time.Now()
	c.active = w
	c.waiting = nil
	c.mu.Unlock()
	c.ready.Unlock()

	claimed := c.clients.Claim(w.Version)
	log.Info().Int("clients", claimed).Msg("Activated")
	return nil
}

// Restore makes an existing generation current without network access,
// if it holds every manifest entry. It reports whether it did.
// Use it at startup to keep serving offline after a restart.
func (c *Controller) Restore(ctx context.Context, version string, manifest []string) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.ActiveVersion() != "" {
		return false, nil
	}
	ok, err := c.storage.Has(ctx, version)
	if err != nil || !ok {
		return false, err
	}
	store := c.storage.Store(version)
	for _, entry := range manifest {
		u, err := c.keyer.Resolve(entry)
		if err != nil {
			return false, err
		}
		if _, found, err := store.Get(ctx, cachekey.KeyFor(http.MethodGet, u)); err != nil || !found {
			return false, err
		}
	}

	c.mu.Lock()
	c.waiting = &Worker{
		Version:     version,
		Manifest:    append([]string(nil), manifest...),
		State:       Installed,
		InstalledAt: time.Now(),
	}
	c.mu.Unlock()
	c.log.Info().Str("version", version).Msg("Restoring cache generation")
	return true, c.activateLocked(ctx, version)
}

const skipWaitingMessage = "SKIP_WAITING"

type messageData struct {
	Type string `json:"type"`
}

func (c *Controller) onMessage(ctx context.Context, ev *Message) error {
	var data messageData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		c.log.Debug().Err(err).Msg("Ignoring malformed message")
		return nil
	}
	switch data.Type {
	case skipWaitingMessage:
		c.log.Debug().Str("client", ev.Source).Msg("Skip waiting requested")
		return c.activateWaiting(context.WithoutCancel(ctx))
	default:
		// relay to the other pages
		c.clients.Broadcast("message", json.RawMessage(ev.Data))
		return nil
	}
}
