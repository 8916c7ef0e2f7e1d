package shellcache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shellcache/shellcache/pkg/clients"
)

const (
	ActionOpen  = "open"
	ActionClose = "close"
)

// NotificationDefaults are used for push payload fields that are absent.
type NotificationDefaults struct {
	Title      string `yaml:"title"`
	Body       string `yaml:"body"`
	Icon       string `yaml:"icon"`
	Badge      string `yaml:"badge"`
	Tag        string `yaml:"tag"`
	Vibrate    []int  `yaml:"vibrate"`
	OpenLabel  string `yaml:"openLabel"`
	CloseLabel string `yaml:"closeLabel"`
	// Page opened by the open action.
	OpenURL string `yaml:"openUrl"`
}

func (d NotificationDefaults) withDefaults() NotificationDefaults {
	if d.Title == "" {
		d.Title = "Notification"
	}
	if d.Body == "" {
		d.Body = "New notification"
	}
	if d.OpenLabel == "" {
		d.OpenLabel = "Open"
	}
	if d.CloseLabel == "" {
		d.CloseLabel = "Close"
	}
	if d.OpenURL == "" {
		d.OpenURL = "/"
	}
	return d
}

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

type Notification struct {
	ID                 string               `json:"id"`
	Title              string               `json:"title"`
	Body               string               `json:"body"`
	Icon               string               `json:"icon,omitempty"`
	Badge              string               `json:"badge,omitempty"`
	Tag                string               `json:"tag,omitempty"`
	Vibrate            []int                `json:"vibrate,omitempty"`
	RequireInteraction bool                 `json:"requireInteraction"`
	Data               map[string]any       `json:"data,omitempty"`
	Actions            []NotificationAction `json:"actions"`
	Timestamp          time.Time            `json:"timestamp"`
}

// Notifier displays notifications.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, id string) error
}

// HubNotifier displays notifications on the connected pages.
type HubNotifier struct {
	Hub *clients.Hub
}

func (h HubNotifier) Show(ctx context.Context, n Notification) error {
	if h.Hub.Broadcast("notification", n) == 0 {
		return clients.ErrNoClients
	}
	return nil
}

func (h HubNotifier) Close(ctx context.Context, id string) error {
	h.Hub.Broadcast("notificationclose", map[string]string{"id": id})
	return nil
}

type pushPayload struct {
	Title       string `json:"title"`
	Body        string `json:"body"`
	ActionOpen  string `json:"actionOpen"`
	ActionClose string `json:"actionClose"`
}

// notification builds the notification shown for a push payload.
func (c *Controller) notification(data []byte) Notification {
	var payload pushPayload
	raw := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			c.log.Debug().Err(err).Msg("Malformed push payload, using defaults")
			raw = map[string]any{}
		} else {
			// fields of the wrong type keep their defaults
			json.Unmarshal(data, &payload)
		}
	}
	d := c.notifications
	return Notification{
		ID:        uuid.NewString(),
		Title:     firstNonEmpty(payload.Title, d.Title),
		Body:      firstNonEmpty(payload.Body, d.Body),
		Icon:      d.Icon,
		Badge:     d.Badge,
		Tag:       d.Tag,
		Vibrate:   d.Vibrate,
		Data:      raw,
		Timestamp: time.Now(),
		Actions: []NotificationAction{
			{Action: ActionOpen, Title: firstNonEmpty(payload.ActionOpen, d.OpenLabel)},
			{Action: ActionClose, Title: firstNonEmpty(payload.ActionClose, d.CloseLabel)},
		},
	}
}

func (c *Controller) onPush(ctx context.Context, ev *Push) error {
	n := c.notification(ev.Data)
	if err := c.notifier.Show(ctx, n); err != nil {
		// nobody to show it to
		c.log.Debug().Err(err).Str("notification", n.ID).Msg("Notification not displayed")
		return nil
	}
	c.log.Debug().Str("notification", n.ID).Str("title", n.Title).Msg("Notification displayed")
	return nil
}

func (c *Controller) onNotificationClick(ctx context.Context, ev *NotificationClick) error {
	if err := c.notifier.Close(ctx, ev.Notification.ID); err != nil {
		c.log.Debug().Err(err).Msg("Could not close notification")
	}
	if ev.Action != ActionOpen {
		return nil
	}
	err := c.clients.OpenWindow(c.notifications.OpenURL)
	if errors.Is(err, clients.ErrNoClients) {
		c.log.Debug().Msg("No page to open the window in")
		return nil
	}
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
