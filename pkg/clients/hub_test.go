package clients

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func next(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case ev := <-c.events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("No event delivered")
		return Event{}
	}
}

func TestBroadcast(t *testing.T) {
	h := NewHub(zerolog.Nop())
	assert.Equal(t, 0, h.Broadcast("update-available", nil))

	a := h.Connect("v1", "https://app.test/")
	b := h.Connect("v1", "https://app.test/quiz")
	assert.Equal(t, 2, h.Count())
	assert.Equal(t, 2, h.Broadcast("update-available", map[string]string{"version": "v2"}))

	for _, c := range []*Client{a, b} {
		ev := next(t, c)
		assert.Equal(t, "update-available", ev.Name)
		assert.JSONEq(t, `{"version":"v2"}`, string(ev.Data))
	}
}

func TestClaim(t *testing.T) {
	h := NewHub(zerolog.Nop())
	a := h.Connect("", "https://app.test/")
	b := h.Connect("v2", "https://app.test/")

	assert.Equal(t, 1, h.Claim("v2"))
	ev := next(t, a)
	assert.Equal(t, "controllerchange", ev.Name)
	controller, ok := h.Controller(a.ID)
	require.True(t, ok)
	assert.Equal(t, "v2", controller)

	select {
	case ev := <-b.events:
		t.Fatalf("Unexpected event %s for already controlled client", ev.Name)
	default:
	}
}

func TestOpenWindow(t *testing.T) {
	h := NewHub(zerolog.Nop())
	assert.ErrorIs(t, h.OpenWindow("/"), ErrNoClients)

	a := h.Connect("v1", "/")
	h.Connect("v1", "/quiz")
	require.NoError(t, h.OpenWindow("/"))
	assert.Equal(t, "focus", next(t, a).Name)
}

func TestOnEmpty(t *testing.T) {
	h := NewHub(zerolog.Nop())
	var calls atomic.Int32
	h.OnEmpty(func() { calls.Add(1) })

	a := h.Connect("v1", "")
	b := h.Connect("v1", "")
	h.Disconnect(a)
	assert.Equal(t, int32(0), calls.Load())
	h.Disconnect(b)
	assert.Equal(t, int32(1), calls.Load())
	// disconnecting twice does not fire again
	h.Disconnect(b)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStream(t *testing.T) {
	h := NewHub(zerolog.Nop())
	connected := make(chan *Client, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := h.Connect("v1", r.URL.String())
		defer h.Disconnect(c)
		connected <- c
		h.Stream(w, r, c)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", srv.URL, nil)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	c := <-connected
	require.NoError(t, h.Send(c.ID, "message", map[string]string{"type": "PING"}))

	reader := bufio.NewReader(res.Body)
	events := make([]string, 0)
	for len(events) < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event: ") {
			events = append(events, strings.TrimSpace(strings.TrimPrefix(line, "event: ")))
		}
	}
	assert.Equal(t, []string{"hello", "message"}, events)
}

func TestSetHeartbeatIgnoresNonPositive(t *testing.T) {
	h := NewHub(zerolog.Nop())
	h.SetHeartbeat(0)
	h.SetHeartbeat(-time.Second)
	assert.Equal(t, 15*time.Second, h.heartbeat)

	h.SetHeartbeat(10 * time.Millisecond)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := h.Connect("v1", r.URL.String())
		defer h.Disconnect(c)
		h.Stream(w, r, c)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", srv.URL, nil)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	reader := bufio.NewReader(res.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, ": ping") {
			break
		}
	}
}
