package shellcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	serializer "github.com/shellcache/shellcache/pkg/response-serializer"
)

const (
	// SyncTag is the background sync tag that replays the outbox.
	SyncTag = "sync-data"
	// outboxStore is the store in the outbox storage holding queued writes.
	outboxStore = "offline-data"
)

var ErrSyncDisabled = errors.New("background sync is disabled")

// Enqueue queues a JSON body to be POSTed to the URL on the next background sync.
// It returns the id of the queued write.
func (c *Controller) Enqueue(ctx context.Context, target string, body []byte) (string, error) {
	if c.outbox == nil {
		return "", ErrSyncDisabled
	}
	u, err := c.keyer.Resolve(target)
	if err != nil {
		return "", fmt.Errorf("outbox url %q: %w", target, err)
	}
	b, err := serializer.MarshalRequest(serializer.QueuedRequest{
		Method:   http.MethodPost,
		URL:      u,
		Header:   http.Header{"Content-Type": {"application/json"}},
		Body:     body,
		QueuedAt: time.Now(),
	})
	if err != nil {
		return "", err
	}
	store, err := c.outbox.Open(ctx, outboxStore)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := store.Put(ctx, id, b); err != nil {
		return "", err
	}
	c.log.Debug().Str("id", id).Str("url", u.String()).Msg("Queued offline write")
	return id, nil
}

// Pending returns the number of queued writes.
func (c *Controller) Pending(ctx context.Context) (int, error) {
	if c.outbox == nil {
		return 0, nil
	}
	keys, err := c.outbox.Store(outboxStore).Keys(ctx)
	return len(keys), err
}

func (c *Controller) onSync(ctx context.Context, ev *Sync) error {
	if ev.Tag != SyncTag {
		c.log.Debug().Str("tag", ev.Tag).Msg("Ignoring sync event")
		return nil
	}
	if c.outbox == nil {
		return ErrSyncDisabled
	}
	replayed, err := c.replay(ctx)
	ev.Replayed = replayed
	if err != nil {
		c.log.Error().Err(err).Int("replayed", replayed).Msg("Sync failed")
		return err
	}
	c.log.Info().Int("replayed", replayed).Msg("Sync done")
	return nil
}

// replay sends the queued writes in the order they were queued.
// A write is removed once the network answered it; a network error stops the replay.
func (c *Controller) replay(ctx context.Context) (int, error) {
	store := c.outbox.Store(outboxStore)
	keys, err := store.Keys(ctx)
	if err != nil {
		return 0, err
	}
	replayed := 0
	for _, key := range keys {
		entry, ok, err := store.Get(ctx, key)
		if err != nil {
			return replayed, err
		}
		if !ok {
			continue
		}
		queued, err := serializer.UnmarshalRequest(entry.Bytes)
		if err != nil {
			c.log.Error().Err(err).Str("id", key).Msg("Dropping unreadable queued write")
			store.Delete(ctx, key)
			continue
		}
		req, err := queued.Request()
		if err != nil {
			return replayed, err
		}
		res, err := c.fetcher.Fetch(req.WithContext(ctx))
		if err != nil {
			return replayed, fmt.Errorf("replay %s: %w", queued.URL, err)
		}
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
		if res.StatusCode >= 400 {
			c.log.Warn().Str("id", key).Int("status", res.StatusCode).Msg("Queued write rejected by server")
		}
		if _, err := store.Delete(ctx, key); err != nil {
			return replayed, err
		}
		replayed++
	}
	return replayed, nil
}
