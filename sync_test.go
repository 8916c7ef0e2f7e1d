package shellcache

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// postsTo returns the bodies of the POST requests the origin received for the URL.
func (o *testOrigin) postsTo(t *testing.T, rawURL string) []string {
	t.Helper()
	o.mutex.Lock()
	defer o.mutex.Unlock()
	var bodies []string
	for _, r := range o.requests {
		if r.Method != http.MethodPost || r.URL.String() != rawURL {
			continue
		}
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		bodies = append(bodies, string(b))
	}
	return bodies
}

func TestEnqueueAndReplayInOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.origin.files[scope+"/api/answers"] = "ok"

	for _, body := range []string{`{"q":1}`, `{"q":2}`, `{"q":3}`} {
		id, err := env.ctrl.Enqueue(ctx, "/api/answers", []byte(body))
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	}
	pending, err := env.ctrl.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, pending)

	ev := &Sync{Tag: SyncTag}
	require.NoError(t, env.ctrl.Dispatch(ctx, ev))

	assert.Equal(t, 3, ev.Replayed)
	assert.Equal(t, []string{`{"q":1}`, `{"q":2}`, `{"q":3}`}, env.origin.postsTo(t, scope+"/api/answers"))
	pending, err = env.ctrl.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestReplayedRequestIsJSONPost(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.ctrl.Enqueue(ctx, "https://api.example/answers", []byte(`{}`))
	require.NoError(t, err)

	require.NoError(t, env.ctrl.Dispatch(ctx, &Sync{Tag: SyncTag}))

	require.Len(t, env.origin.requests, 1)
	req := env.origin.requests[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "https://api.example/answers", req.URL.String())
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.Empty(t, req.Header.Get("Shellcache-Queued-At"))
}

func TestReplayStopsAtNetworkError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, body := range []string{`{"q":1}`, `{"q":2}`} {
		_, err := env.ctrl.Enqueue(ctx, "/api/answers", []byte(body))
		require.NoError(t, err)
	}
	env.origin.setOffline(true)

	ev := &Sync{Tag: SyncTag}
	err := env.ctrl.Dispatch(ctx, ev)
	assert.ErrorIs(t, err, errOffline)
	assert.Zero(t, ev.Replayed)
	// only the first write was attempted
	assert.Equal(t, 1, env.origin.count(scope+"/api/answers"))
	pending, err := env.ctrl.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	env.origin.setOffline(false)
	env.origin.files[scope+"/api/answers"] = "ok"
	ev = &Sync{Tag: SyncTag}
	require.NoError(t, env.ctrl.Dispatch(ctx, ev))
	assert.Equal(t, 2, ev.Replayed)
}

func TestRejectedWriteIsNotRetried(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.origin.statuses[scope+"/api/answers"] = http.StatusUnprocessableEntity
	_, err := env.ctrl.Enqueue(ctx, "/api/answers", []byte(`{"q":"bad"}`))
	require.NoError(t, err)

	ev := &Sync{Tag: SyncTag}
	require.NoError(t, env.ctrl.Dispatch(ctx, ev))

	assert.Equal(t, 1, ev.Replayed)
	pending, err := env.ctrl.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestOtherSyncTagsAreIgnored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.ctrl.Enqueue(ctx, "/api/answers", []byte(`{}`))
	require.NoError(t, err)

	ev := &Sync{Tag: "sync-settings"}
	require.NoError(t, env.ctrl.Dispatch(ctx, ev))

	assert.Zero(t, ev.Replayed)
	assert.Zero(t, env.origin.count(scope+"/api/answers"))
}

func TestSyncDisabledWithoutOutbox(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Outbox = nil
	})
	ctx := context.Background()

	_, err := env.ctrl.Enqueue(ctx, "/api/answers", []byte(`{}`))
	assert.ErrorIs(t, err, ErrSyncDisabled)
	assert.ErrorIs(t, env.ctrl.Dispatch(ctx, &Sync{Tag: SyncTag}), ErrSyncDisabled)
	pending, err := env.ctrl.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestOutboxIsSeparateFromCacheGenerations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.ctrl.Register(ctx, "v1", shellManifest))
	_, err := env.ctrl.Enqueue(ctx, "/api/answers", []byte(`{}`))
	require.NoError(t, err)

	page := env.ctrl.Clients().Connect("v1", scope+"/")
	require.NoError(t, env.ctrl.Register(ctx, "v2", shellManifest))
	env.ctrl.Clients().Disconnect(page)

	// activation of v2 reclaimed v1 but left queued writes alone
	assert.Equal(t, []string{"v2"}, env.names(t))
	pending, err := env.ctrl.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}
