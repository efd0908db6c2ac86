package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tturner/plcsim/internal/cip/codec"
	"github.com/tturner/plcsim/internal/metrics"
	"github.com/tturner/plcsim/internal/server/core"
	"github.com/tturner/plcsim/internal/tagtable"
)

// Source labels table changes made through the HTTP API.
const Source = "api"

// SessionLister is satisfied by *core.SessionManager.
type SessionLister interface {
	Snapshot() []core.SessionInfo
}

// SummaryProvider is satisfied by *metrics.Sink.
type SummaryProvider interface {
	GetSummary() *metrics.Summary
}

// TagResponse is the JSON form of one tag.
type TagResponse struct {
	Name      string      `json:"name"`
	Type      string      `json:"type"`
	Value     interface{} `json:"value"`
	Access    string      `json:"access"`
	UpdatedAt string      `json:"updated_at,omitempty"`
	Writes    uint64      `json:"writes"`
}

// WriteRequest is the body of PUT /api/tags/{name}.
type WriteRequest struct {
	Value interface{} `json:"value"`
}

// WriteResponse reports the outcome of a write.
type WriteResponse struct {
	Name    string      `json:"name"`
	Value   interface{} `json:"value"`
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status    string `json:"status"`
	PLC       string `json:"plc"`
	Tags      int    `json:"tags"`
	Sessions  int    `json:"sessions"`
	Timestamp string `json:"timestamp"`
}

type handlers struct {
	name     string
	tags     *tagtable.Table
	sessions SessionLister
	metrics  SummaryProvider
}

// NewRouter builds the status API routes. sessions and metrics may be nil.
func NewRouter(name string, tags *tagtable.Table, sessions SessionLister, sink SummaryProvider) chi.Router {
	h := &handlers{name: name, tags: tags, sessions: sessions, metrics: sink}

	r := chi.NewRouter()
	r.Get("/healthz", h.handleHealth)
	r.Get("/metrics", h.handleMetrics)
	r.Route("/api", func(r chi.Router) {
		r.Get("/tags", h.handleListTags)
		// Tag names contain ':' and '.', so take everything after /tags/.
		r.Get("/tags/*", h.handleSingleTag)
		r.Put("/tags/*", h.handleWriteTag)
		r.Get("/sessions", h.handleSessions)
	})
	return r
}

func (h *handlers) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func tagResponse(tag tagtable.Tag) TagResponse {
	resp := TagResponse{
		Name:   tag.Name,
		Type:   tag.Type.String(),
		Value:  tag.Value.Interface(),
		Access: tag.Access.String(),
		Writes: tag.Writes,
	}
	if !tag.UpdatedAt.IsZero() {
		resp.UpdatedAt = tag.UpdatedAt.Format(time.RFC3339Nano)
	}
	return resp
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		PLC:       h.name,
		Tags:      h.tags.Len(),
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if h.sessions != nil {
		resp.Sessions = len(h.sessions.Snapshot())
	}
	h.writeJSON(w, resp)
}

func (h *handlers) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		h.writeError(w, http.StatusServiceUnavailable, "metrics not available")
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	h.metrics.GetSummary().WriteText(w)
}

func (h *handlers) handleListTags(w http.ResponseWriter, r *http.Request) {
	snapshot := h.tags.Snapshot()
	response := make([]TagResponse, 0, len(snapshot))
	for _, tag := range snapshot {
		response = append(response, tagResponse(tag))
	}
	h.writeJSON(w, response)
}

func tagParam(r *http.Request) string {
	name := chi.URLParam(r, "*")
	name, _ = url.PathUnescape(name)
	return name
}

func (h *handlers) handleSingleTag(w http.ResponseWriter, r *http.Request) {
	tag, err := h.tags.Lookup(tagParam(r))
	if err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.writeJSON(w, tagResponse(tag))
}

func (h *handlers) handleWriteTag(w http.ResponseWriter, r *http.Request) {
	name := tagParam(r)
	tag, err := h.tags.Lookup(name)
	if err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Value == nil {
		h.writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	value, err := codec.ValueFromInterface(tag.Type, req.Value)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.tags.WriteFrom(Source, name, tag.Type, value); err != nil {
		status := http.StatusBadRequest
		var unknown *tagtable.UnknownTagError
		if errors.As(err, &unknown) {
			status = http.StatusNotFound
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(WriteResponse{Name: name, Value: req.Value, Success: false, Error: err.Error()})
		return
	}

	h.writeJSON(w, WriteResponse{Name: name, Value: value.Interface(), Success: true})
}

func (h *handlers) handleSessions(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		h.writeJSON(w, []core.SessionInfo{})
		return
	}
	h.writeJSON(w, h.sessions.Snapshot())
}
