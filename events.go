package shellcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	cachestatus "github.com/shellcache/shellcache/pkg/cache-status"
	routerules "github.com/shellcache/shellcache/pkg/route-rules"
)

var ErrUnknownEvent = errors.New("unknown event")

type EventKind string

const (
	InstallEvent           EventKind = "install"
	ActivateEvent          EventKind = "activate"
	FetchEvent             EventKind = "fetch"
	PushEvent              EventKind = "push"
	NotificationClickEvent EventKind = "notificationclick"
	MessageEvent           EventKind = "message"
	SyncEvent              EventKind = "sync"
)

// Event is something the controller reacts to.
type Event interface {
	Kind() EventKind
}

// Install installs a new version: its cache generation is populated with the manifest.
type Install struct {
	Version  string
	Manifest []string
}

func (*Install) Kind() EventKind { return InstallEvent }

// Activate makes the waiting version current, if it is the given version.
type Activate struct {
	Version string
}

func (*Activate) Kind() EventKind { return ActivateEvent }

// Fetch is an intercepted GET request.
// The handler fills in the response and how it was produced.
type Fetch struct {
	Request *http.Request

	Response   *http.Response
	Status     cachestatus.CacheStatus
	Class      routerules.Class
	Strategy   routerules.Strategy
	Generation string
}

func (*Fetch) Kind() EventKind { return FetchEvent }

// Push carries the payload of a push message.
type Push struct {
	Data []byte
}

func (*Push) Kind() EventKind { return PushEvent }

// NotificationClick is a click on a notification or one of its actions.
// Action is empty for a click on the notification itself.
type NotificationClick struct {
	Action       string
	Notification Notification
}

func (*NotificationClick) Kind() EventKind { return NotificationClickEvent }

// Message is a message posted by a page.
type Message struct {
	// Client id of the sending page, if known.
	Source string
	Data   []byte
}

func (*Message) Kind() EventKind { return MessageEvent }

// Sync is a background sync request.
type Sync struct {
	Tag string
	// Set by the handler.
	Replayed int
}

func (*Sync) Kind() EventKind { return SyncEvent }

// Dispatch delivers the event to its handler and waits until it is handled.
func (c *Controller) Dispatch(ctx context.Context, ev Event) error {
	h, ok := c.handlers[ev.Kind()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Kind())
	}
	return h(ctx, ev)
}

func handle[E Event](f func(context.Context, E) error) func(context.Context, Event) error {
	return func(ctx context.Context, ev Event) error {
		e, ok := ev.(E)
		if !ok {
			return fmt.Errorf("unexpected %T for %s event", ev, ev.Kind())
		}
		return f(ctx, e)
	}
}
