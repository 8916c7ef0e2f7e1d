package shellcache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/hlog"
	"github.com/shellcache/shellcache/pkg/clients"
)

// ControlPrefix is the path prefix of the control endpoints pages and deploys talk to.
const ControlPrefix = "/.shellcache"

// ClientHeader carries the client id of the page sending a control request.
const ClientHeader = "Shellcache-Client"

const maxControlBody = 1 << 20

// CacheInfo describes a cache generation.
type CacheInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

// Status is a snapshot of the controller.
type Status struct {
	Registration Registration   `json:"registration"`
	Caches       []CacheInfo    `json:"caches"`
	Clients      []clients.Info `json:"clients"`
	Pending      int            `json:"pending"`
}

func (c *Controller) Status(ctx context.Context) (Status, error) {
	reg := c.Registration()
	status := Status{
		Registration: reg,
		Caches:       make([]CacheInfo, 0),
		Clients:      c.clients.List(),
	}
	names, err := c.storage.Names(ctx)
	if err != nil {
		return status, err
	}
	for _, name := range names {
		keys, err := c.storage.Store(name).Keys(ctx)
		if err != nil {
			return status, err
		}
		status.Caches = append(status.Caches, CacheInfo{
			Name:    name,
			Entries: len(keys),
			Current: name == reg.ActiveVersion(),
		})
	}
	status.Pending, err = c.Pending(ctx)
	return status, err
}

// Handler returns the controller with the control endpoints mounted under ControlPrefix.
func (c *Controller) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)

	r.Route(ControlPrefix, func(cr chi.Router) {
		cr.Use(chimw.RequestID)
		cr.Use(hlog.NewHandler(c.log))
		cr.Use(hlog.RequestIDHandler("req_id", "Request-Id"))
		cr.Use(chimw.Recoverer)
		cr.Get("/events", c.handleEvents)
		cr.Get("/status", c.handleStatus)
		cr.Post("/message", c.handleMessage)
		cr.Post("/push", c.handlePush)
		cr.Post("/notificationclick", c.handleNotificationClick)
		cr.Post("/sync", c.handleSync)
		cr.Post("/outbox", c.handleOutbox)
		cr.Post("/register", c.handleRegister)
	})
	r.Handle("/*", c)
	return r
}

func (c *Controller) handleEvents(w http.ResponseWriter, r *http.Request) {
	pageURL := r.URL.Query().Get("url")
	if pageURL == "" {
		pageURL = r.Header.Get("Referer")
	}
	client := c.clients.Connect(c.ActiveVersion(), pageURL)
	defer c.clients.Disconnect(client)

	reg := c.Registration()
	if reg.Waiting != nil && reg.Active != nil {
		c.clients.Send(client.ID, "update-available", map[string]string{
			"version": reg.Waiting.Version,
			"active":  reg.Active.Version,
		})
	}
	if err := c.clients.Stream(w, r, client); err != nil {
		hlog.FromRequest(r).Debug().Err(err).Str("client", client.ID).Msg("Event stream ended")
	}
}

func (c *Controller) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := c.Status(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (c *Controller) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	ev := &Message{Source: r.Header.Get(ClientHeader), Data: body}
	if err := c.Dispatch(r.Context(), ev); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Registration())
}

func (c *Controller) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := c.Dispatch(r.Context(), &Push{Data: body}); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type notificationClickRequest struct {
	Action       string       `json:"action"`
	Notification Notification `json:"notification"`
}

func (c *Controller) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	var req notificationClickRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	ev := &NotificationClick{Action: req.Action, Notification: req.Notification}
	if err := c.Dispatch(r.Context(), ev); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type syncRequest struct {
	Tag string `json:"tag"`
}

func (c *Controller) handleSync(w http.ResponseWriter, r *http.Request) {
	req := syncRequest{Tag: r.URL.Query().Get("tag")}
	if req.Tag == "" {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err)
			return
		}
	}
	ev := &Sync{Tag: req.Tag}
	err := c.Dispatch(r.Context(), ev)
	switch {
	case errors.Is(err, ErrSyncDisabled):
		writeError(w, r, http.StatusNotFound, err)
	case err != nil:
		writeError(w, r, http.StatusBadGateway, err)
	default:
		writeJSON(w, http.StatusOK, map[string]int{"replayed": ev.Replayed})
	}
}

func (c *Controller) handleOutbox(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("url query parameter is required"))
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if !json.Valid(body) {
		writeError(w, r, http.StatusBadRequest, errors.New("body must be JSON"))
		return
	}
	id, err := c.Enqueue(r.Context(), target, body)
	switch {
	case errors.Is(err, ErrSyncDisabled):
		writeError(w, r, http.StatusNotFound, err)
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
	}
}

type registerRequest struct {
	Version  string   `json:"version"`
	Manifest []string `json:"manifest"`
}

func (c *Controller) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	// a deploy hook hanging up does not abort the install
	if err := c.Register(context.WithoutCancel(r.Context()), req.Version, req.Manifest); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Registration())
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxControlBody))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxControlBody)).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	hlog.FromRequest(r).Warn().Err(err).Int("status", status).Msg("Control request failed")
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
