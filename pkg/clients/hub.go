package clients

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNoClients is returned when an operation needs a connected page and there is none.
var ErrNoClients = errors.New("no connected clients")

const eventBuffer = 16

// Event is a message delivered to a page over its event stream.
type Event struct {
	Name string
	Data []byte
}

// Client is a connected page.
type Client struct {
	ID string
	// URL of the page, if known.
	URL         string
	ConnectedAt time.Time

	controller string
	events     chan Event
}

// Events returns the queue of events not yet written to the page.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Info is a snapshot of a connected client.
type Info struct {
	ID          string    `json:"id"`
	URL         string    `json:"url,omitempty"`
	Controller  string    `json:"controller,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Hub keeps track of connected pages and delivers events to them.
type Hub struct {
	mutex     sync.Mutex
	clients   map[string]*Client
	onEmpty   []func()
	heartbeat time.Duration
	log       zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:   make(map[string]*Client),
		heartbeat: 15 * time.Second,
		log:       logger.With().Str("component", "clients").Logger(),
	}
}

// SetHeartbeat sets the interval of keep-alive comments on event streams.
// Non-positive intervals are ignored.
func (h *Hub) SetHeartbeat(d time.Duration) {
	if d <= 0 {
		h.log.Warn().Dur("interval", d).Msg("Ignoring non-positive heartbeat interval")
		return
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.heartbeat = d
}

// OnEmpty registers a callback run after the last client disconnects.
func (h *Hub) OnEmpty(f func()) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onEmpty = append(h.onEmpty, f)
}

// Connect registers a page controlled by the given version ("" if uncontrolled).
func (h *Hub) Connect(controller, pageURL string) *Client {
	c := &Client{
		ID:          uuid.NewString(),
		URL:         pageURL,
		ConnectedAt: time.Now(),
		controller:  controller,
		events:      make(chan Event, eventBuffer),
	}
	h.mutex.Lock()
	h.clients[c.ID] = c
	h.mutex.Unlock()
	h.log.Debug().Str("client", c.ID).Str("controller", controller).Msg("Client connected")
	return c
}

func (h *Hub) Disconnect(c *Client) {
	h.mutex.Lock()
	_, ok := h.clients[c.ID]
	delete(h.clients, c.ID)
	empty := ok && len(h.clients) == 0
	callbacks := append([]func(){}, h.onEmpty...)
	h.mutex.Unlock()
	h.log.Debug().Str("client", c.ID).Msg("Client disconnected")
	if empty {
		for _, f := range callbacks {
			f()
		}
	}
}

func (h *Hub) Count() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.clients)
}

// Controller returns the version controlling the client.
func (h *Hub) Controller(id string) (string, bool) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	c, ok := h.clients[id]
	if !ok {
		return "", false
	}
	return c.controller, true
}

// List returns the connected clients, oldest first.
func (h *Hub) List() []Info {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	out := make([]Info, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, Info{ID: c.ID, URL: c.URL, Controller: c.controller, ConnectedAt: c.ConnectedAt})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Broadcast sends an event to every connected page and returns the number of pages reached.
func (h *Hub) Broadcast(name string, data any) int {
	ev, err := newEvent(name, data)
	if err != nil {
		h.log.Error().Err(err).Str("event", name).Msg("Could not encode event")
		return 0
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	sent := 0
	for _, c := range h.clients {
		if h.deliver(c, ev) {
			sent++
		}
	}
	return sent
}

// Send sends an event to a single page.
func (h *Hub) Send(id, name string, data any) error {
	ev, err := newEvent(name, data)
	if err != nil {
		return err
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	c, ok := h.clients[id]
	if !ok {
		return fmt.Errorf("client %s: %w", id, ErrNoClients)
	}
	if !h.deliver(c, ev) {
		return fmt.Errorf("client %s: event buffer full", id)
	}
	return nil
}

// Claim makes the version the controller of every connected page
// and notifies the pages that changed controller. It returns the number of claimed pages.
func (h *Hub) Claim(version string) int {
	ev, _ := newEvent("controllerchange", map[string]string{"version": version})
	h.mutex.Lock()
	defer h.mutex.Unlock()
	claimed := 0
	for _, c := range h.clients {
		if c.controller == version {
			continue
		}
		c.controller = version
		h.deliver(c, ev)
		claimed++
	}
	return claimed
}

// OpenWindow focuses a page showing the URL, or asks the most recent page to open it.
func (h *Hub) OpenWindow(url string) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	var newest *Client
	for _, c := range h.clients {
		if c.URL == url {
			ev, _ := newEvent("focus", map[string]string{"url": url})
			h.deliver(c, ev)
			return nil
		}
		if newest == nil || c.ConnectedAt.After(newest.ConnectedAt) {
			newest = c
		}
	}
	if newest == nil {
		return ErrNoClients
	}
	ev, _ := newEvent("open-window", map[string]string{"url": url})
	h.deliver(newest, ev)
	return nil
}

// deliver queues the event without blocking. Must hold the mutex.
func (h *Hub) deliver(c *Client, ev Event) bool {
	select {
	case c.events <- ev:
		return true
	default:
		h.log.Warn().Str("client", c.ID).Str("event", ev.Name).Msg("Client not keeping up, dropping event")
		return false
	}
}

func newEvent(name string, data any) (Event, error) {
	if data == nil {
		return Event{Name: name, Data: []byte("{}")}, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: name, Data: b}, nil
}

// Stream writes the client's events as server-sent events until the request is done.
func (h *Hub) Stream(w http.ResponseWriter, r *http.Request, c *Client) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming not supported")
	}
	h.mutex.Lock()
	heartbeat := h.heartbeat
	h.mutex.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	hello, _ := newEvent("hello", map[string]string{"id": c.ID, "controller": c.controller})
	if err := writeEvent(w, hello); err != nil {
		return err
	}
	flusher.Flush()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return nil
		case ev := <-c.events:
			if err := writeEvent(w, ev); err != nil {
				return err
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev Event) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, ev.Data)
	return err
}
