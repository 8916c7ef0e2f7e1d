package shellcache

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstallActivateLeavesOneGeneration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	// left over from an earlier deploy
	_, err := env.storage.Open(ctx, "v0")
	require.NoError(t, err)

	require.NoError(t, env.ctrl.Register(ctx, "v1", shellManifest))

	assert.Equal(t, []string{"v1"}, env.names(t))
	assert.Equal(t, "v1", env.ctrl.ActiveVersion())
	for _, entry := range shellManifest {
		u, err := env.ctrl.keyer.Resolve(entry)
		require.NoError(t, err)
		_, ok := env.cached(t, "v1", u.String())
		assert.True(t, ok, "manifest entry %s not cached", entry)
	}
	body, _ := env.cached(t, "v1", "https://fonts.example/roboto.css")
	assert.Equal(t, "@font-face {}", body)
}

func TestInstallIsAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	manifest := append([]string{"/css/missing.css"}, shellManifest...)
	err := env.ctrl.Register(ctx, "v1", manifest)
	assert.ErrorIs(t, err, ErrInstallFailed)
	assert.Empty(t, env.names(t))
	assert.Equal(t, "", env.ctrl.ActiveVersion())
	assert.Nil(t, env.ctrl.Registration().Installing)
}

func TestFailedInstallKeepsServingOldVersion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.ctrl.Register(ctx, "v1", shellManifest))

	env.origin.setOffline(true)
	err := env.ctrl.Register(ctx, "v2", shellManifest)
	assert.ErrorIs(t, err, ErrInstallFailed)

	assert.Equal(t, "v1", env.ctrl.ActiveVersion())
	assert.Equal(t, []string{"v1"}, env.names(t))
	rr := env.get(t, "/css/style.css")
	assert.Equal(t, "body { color: red }", rr.Body.String())
}

func TestRegisterSameVersionIsNoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.ctrl.Register(ctx, "v1", shellManifest))
	fetches := env.origin.count(scope + "/index.html")

	require.NoError(t, env.ctrl.Register(ctx, "v1", shellManifest))
	assert.Equal(t, fetches, env.origin.count(scope+"/index.html"))
}

func TestUpdateWaitsForOpenPages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.ctrl.Register(ctx, "v1", shellManifest))

	page := env.ctrl.Clients().Connect(env.ctrl.ActiveVersion(), scope+"/")
	defer env.ctrl.Clients().Disconnect(page)

	env.origin.set("/js/app.js", "console.log('v2')")
	require.NoError(t, env.ctrl.Register(ctx, "v2", shellManifest))

	reg := env.ctrl.Registration()
	assert.Equal(t, "v1", reg.ActiveVersion())
	assert.Equal(t, "v2", reg.WaitingVersion())
	assert.Equal(t, Installed, reg.Waiting.State)
	// both generations exist while v2 waits
	assert.Equal(t, []string{"v1", "v2"}, env.names(t))

	// the old version keeps serving
	env.origin.setOffline(true)
	rr := env.get(t, "/js/app.js")
	assert.Equal(t, "console.log('v1')", rr.Body.String())
}

func TestActivationReclaimsOldGeneration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.ctrl.Register(ctx, "v1", shellManifest))
	page := env.ctrl.Clients().Connect("v1", scope+"/")
	defer env.ctrl.Clients().Disconnect(page)
	require.NoError(t, env.ctrl.Register(ctx, "v2", shellManifest))

	require.NoError(t, env.ctrl.Dispatch(ctx, &Activate{Version: "v2"}))

	has, err := env.storage.Has(ctx, "v1")
	require.NoError(t, err)
	assert.False(t, has)
	has, err = env.storage.Has(ctx, "v2")
	require.NoError(t, err)
	assert.True(t, has)
	assert.Equal(t, []string{"v2"}, env.names(t))
}

func TestSkipWaitingClaimsOpenPages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.ctrl.Register(ctx, "v1", shellManifest))
	page := env.ctrl.Clients().Connect("v1", scope+"/")
	defer env.ctrl.Clients().Disconnect(page)
	env.origin.set("/js/app.js", "console.log('v2')")
	require.NoError(t, env.ctrl.Register(ctx, "v2", shellManifest))

	msg := &Message{Source: page.ID, Data: []byte(`{"type":"SKIP_WAITING"}`)}
	require.NoError(t, env.ctrl.Dispatch(ctx, msg))

	controller, ok := env.ctrl.Clients().Controller(page.ID)
	require.True(t, ok)
	assert.Equal(t, "v2", controller)
	assert.Equal(t, "v2", env.ctrl.ActiveVersion())
	assert.Nil(t, env.ctrl.Registration().Waiting)

	// the page is served by the new generation without reloading anything
	env.origin.setOffline(true)
	rr := env.get(t, "/js/app.js")
	assert.Equal(t, "console.log('v2')", rr.Body.String())
}

func TestSkipWaitingWithoutWaitingVersion(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.ctrl.SkipWaiting(context.Background()))
	assert.Equal(t, "", env.ctrl.ActiveVersion())
}

func TestLastPageClosingActivatesWaitingVersion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.ctrl.Register(ctx, "v1", shellManifest))
	page := env.ctrl.Clients().Connect("v1", scope+"/")
	require.NoError(t, env.ctrl.Register(ctx, "v2", shellManifest))
	require.Equal(t, "v1", env.ctrl.ActiveVersion())

	env.ctrl.Clients().Disconnect(page)

	assert.Equal(t, "v2", env.ctrl.ActiveVersion())
	assert.Equal(t, []string{"v2"}, env.names(t))
}

func TestNewerInstallSupersedesWaitingVersion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.ctrl.Register(ctx, "v1", shellManifest))
	page := env.ctrl.Clients().Connect("v1", scope+"/")
	defer env.ctrl.Clients().Disconnect(page)

	require.NoError(t, env.ctrl.Register(ctx, "v2", shellManifest))
	require.NoError(t, env.ctrl.Register(ctx, "v3", shellManifest))

	assert.Equal(t, "v3", env.ctrl.Registration().WaitingVersion())
	assert.Equal(t, []string{"v1", "v3"}, env.names(t))
}

func TestWriteToReclaimedGenerationIsDropped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.ctrl.Register(ctx, "v1", shellManifest))
	page := env.ctrl.Clients().Connect("v1", scope+"/")
	defer env.ctrl.Clients().Disconnect(page)
	require.NoError(t, env.ctrl.Register(ctx, "v2", shellManifest))
	require.NoError(t, env.ctrl.SkipWaiting(ctx))

	// a write routed against v1 finishing after v1 was reclaimed
	res, err := env.origin.Fetch(httpGet(t, scope+"/images/logo.png"))
	require.NoError(t, err)
	fc := fetchContext{
		ev:         &Fetch{Generation: "v1"},
		url:        res.Request.URL,
		key:        "GET " + scope + "/images/logo.png",
		sameOrigin: true,
	}
	env.ctrl.storeIfCacheable(fc, res)
	env.ctrl.Flush()

	has, err := env.storage.Has(ctx, "v1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestRestoreAdoptsCompleteGeneration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.ctrl.Register(ctx, "v1", shellManifest))

	// a fresh process over the same storage, without network
	restarted := newTestEnv(t, func(c *Config) {
		c.Storage = env.storage
	})
	restarted.origin.setOffline(true)
	restored, err := restarted.ctrl.Restore(ctx, "v1", shellManifest)
	require.NoError(t, err)
	assert.True(t, restored)
	assert.Equal(t, "v1", restarted.ctrl.ActiveVersion())

	rr := restarted.get(t, "/", "Sec-Fetch-Mode", "navigate")
	assert.Equal(t, "<html>shell</html>", rr.Body.String())
}

func TestRestoreRejectsIncompleteGeneration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.ctrl.Register(ctx, "v1", shellManifest))

	restarted := newTestEnv(t, func(c *Config) {
		c.Storage = env.storage
	})
	restored, err := restarted.ctrl.Restore(ctx, "v1", append(shellManifest, "/js/new.js"))
	require.NoError(t, err)
	assert.False(t, restored)
	assert.Equal(t, "", restarted.ctrl.ActiveVersion())

	restored, err = restarted.ctrl.Restore(ctx, "v9", shellManifest)
	require.NoError(t, err)
	assert.False(t, restored)
}

func httpGet(t *testing.T, rawURL string) *http.Request {
	t.Helper()
	req, err := http.NewRequest("GET", rawURL, nil)
	require.NoError(t, err)
	return req
}

func awaitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("No fetch reached the gate")
	}
}

func TestSkipWaitingDoesNotWaitForRunningInstall(t *testing.T) {
	gate := newGatedFetcher(scope + "/js/chunk.js")
	env := newTestEnv(t, gate.wrap)
	env.origin.set("/js/chunk.js", "chunk")
	ctx := context.Background()
	require.NoError(t, env.ctrl.Register(ctx, "v1", shellManifest))
	env.ctrl.Clients().Connect("v1", scope+"/")
	require.NoError(t, env.ctrl.Register(ctx, "v2", shellManifest))

	installed := make(chan error, 1)
	go func() {
		installed <- env.ctrl.Register(ctx, "v3", append([]string{"/js/chunk.js"}, shellManifest...))
	}()
	awaitSignal(t, gate.entered)

	skipped := make(chan error, 1)
	go func() { skipped <- env.ctrl.SkipWaiting(ctx) }()
	select {
	case err := <-skipped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("SkipWaiting blocked behind the v3 download")
	}
	// the version the page accepted takes over
	reg := env.ctrl.Registration()
	assert.Equal(t, "v2", reg.ActiveVersion())
	require.NotNil(t, reg.Installing)
	assert.Equal(t, "v3", reg.Installing.Version)

	close(gate.release)
	require.NoError(t, <-installed)
	reg = env.ctrl.Registration()
	assert.Equal(t, "v2", reg.ActiveVersion())
	assert.Equal(t, "v3", reg.WaitingVersion())
	assert.Equal(t, []string{"v2", "v3"}, env.names(t))
}

func TestLastPageClosingDuringInstallActivatesWaitingVersion(t *testing.T) {
	gate := newGatedFetcher(scope + "/js/chunk.js")
	env := newTestEnv(t, gate.wrap)
	env.origin.set("/js/chunk.js", "chunk")
	ctx := context.Background()
	require.NoError(t, env.ctrl.Register(ctx, "v1", shellManifest))
	page := env.ctrl.Clients().Connect("v1", scope+"/")
	require.NoError(t, env.ctrl.Register(ctx, "v2", shellManifest))

	installed := make(chan error, 1)
	go func() {
		installed <- env.ctrl.Register(ctx, "v3", append([]string{"/js/chunk.js"}, shellManifest...))
	}()
	awaitSignal(t, gate.entered)

	closed := make(chan struct{})
	go func() {
		env.ctrl.Clients().Disconnect(page)
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect blocked behind the v3 download")
	}
	assert.Equal(t, "v2", env.ctrl.ActiveVersion())

	// nobody is left to interrupt, so v3 takes over once downloaded
	close(gate.release)
	require.NoError(t, <-installed)
	assert.Equal(t, "v3", env.ctrl.ActiveVersion())
	assert.Equal(t, []string{"v3"}, env.names(t))
}

func TestCancelledInstallStopsFetching(t *testing.T) {
	gate := newGatedFetcher(scope + "/js/chunk.js")
	env := newTestEnv(t, gate.wrap)
	env.origin.set("/js/chunk.js", "chunk")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- env.ctrl.Register(ctx, "v1", append([]string{"/js/chunk.js"}, shellManifest...))
	}()
	awaitSignal(t, gate.entered)
	cancel()

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Install kept running after cancellation")
	}
	assert.ErrorIs(t, err, ErrInstallFailed)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, env.names(t))
	assert.Equal(t, "", env.ctrl.ActiveVersion())
	assert.Nil(t, env.ctrl.Registration().Installing)
}

func TestActivationAbortsWhenGenerationsCannotBeListed(t *testing.T) {
	var storage *failingStorage
	env := newTestEnv(t, func(c *Config) {
		storage = &failingStorage{Storage: c.Storage}
		c.Storage = storage
	})
	ctx := context.Background()
	require.NoError(t, env.ctrl.Register(ctx, "v1", shellManifest))
	env.ctrl.Clients().Connect("v1", scope+"/")
	require.NoError(t, env.ctrl.Register(ctx, "v2", shellManifest))

	storage.namesErr = errors.New("disk unavailable")
	err := env.ctrl.SkipWaiting(ctx)
	assert.ErrorContains(t, err, "list cache generations")
	assert.ErrorIs(t, err, storage.namesErr)

	reg := env.ctrl.Registration()
	assert.Equal(t, "v1", reg.ActiveVersion())
	require.NotNil(t, reg.Waiting)
	assert.Equal(t, Installed, reg.Waiting.State)
	assert.Equal(t, []string{"v1", "v2"}, env.names(t))

	storage.namesErr = nil
	require.NoError(t, env.ctrl.SkipWaiting(ctx))
	assert.Equal(t, "v2", env.ctrl.ActiveVersion())
}

func TestActivationSkipsGenerationsThatCannotBeDeleted(t *testing.T) {
	var storage *failingStorage
	env := newTestEnv(t, func(c *Config) {
		storage = &failingStorage{Storage: c.Storage}
		c.Storage = storage
	})
	ctx := context.Background()
	require.NoError(t, env.ctrl.Register(ctx, "v1", shellManifest))
	page := env.ctrl.Clients().Connect("v1", scope+"/")
	require.NoError(t, env.ctrl.Register(ctx, "v2", shellManifest))

	storage.deleteErr = errors.New("permission denied")
	require.NoError(t, env.ctrl.SkipWaiting(ctx))

	assert.Equal(t, "v2", env.ctrl.ActiveVersion())
	controller, ok := env.ctrl.Clients().Controller(page.ID)
	require.True(t, ok)
	assert.Equal(t, "v2", controller)
	assert.Equal(t, []string{"v1", "v2"}, env.names(t))
}
