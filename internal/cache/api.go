package cache

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gridmesh/gridmesh/internal/xsite"
	"github.com/gridmesh/gridmesh/pkg/proto"
)

// maxValueSize bounds values accepted over HTTP.
const maxValueSize = 1 << 20

// SiteAdmin manages the state of backup sites.
type SiteAdmin interface {
	Sites() []string
	IsOffline(site string) (bool, error)
	BringSiteOnline(site string) error
	TakeSiteOffline(site string) error
}

// SiteStatus is the JSON form of a backup site's state.
type SiteStatus struct {
	Name    string `json:"name"`
	Offline bool   `json:"offline"`
}

// API serves the cache and site administration over HTTP.
type API struct {
	node  *Node
	sites SiteAdmin
	mux   *http.ServeMux
}

// NewAPI creates the HTTP API. sites may be nil.
func NewAPI(node *Node, sites SiteAdmin) *API {
	a := &API{node: node, sites: sites, mux: http.NewServeMux()}
	a.mux.HandleFunc("/api/cache/", a.handleCache)
	a.mux.HandleFunc("/api/sites", a.handleSites)
	a.mux.HandleFunc("/api/sites/", a.handleSiteAction)
	return a
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) handleCache(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/api/cache/")
	if key == "" {
		if r.Method != http.MethodGet {
			a.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		a.writeJSON(w, http.StatusOK, map[string][]string{"keys": a.node.Store().Keys()})
		return
	}

	switch r.Method {
	case http.MethodGet:
		value, err := a.node.Get(r.Context(), key)
		if errors.Is(err, ErrNotFound) {
			a.jsonError(w, "key not found", http.StatusNotFound)
			return
		}
		if err != nil {
			a.jsonError(w, err.Error(), http.StatusGatewayTimeout)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(value)

	case http.MethodPut:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxValueSize))
		if err != nil {
			a.jsonError(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		if !json.Valid(body) {
			a.jsonError(w, "value must be JSON", http.StatusBadRequest)
			return
		}
		if err := a.node.Put(r.Context(), key, body); err != nil {
			a.writeFailure(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		if err := a.node.Remove(r.Context(), key); err != nil {
			a.writeFailure(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		a.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) handleSites(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	statuses := []SiteStatus{}
	if a.sites != nil {
		for _, name := range a.sites.Sites() {
			offline, _ := a.sites.IsOffline(name)
			statuses = append(statuses, SiteStatus{Name: name, Offline: offline})
		}
	}
	a.writeJSON(w, http.StatusOK, statuses)
}

// handleSiteAction serves POST /api/sites/{site}/online and
// POST /api/sites/{site}/offline.
func (a *API) handleSiteAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/sites/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		a.jsonError(w, "expected /api/sites/{site}/online or /offline", http.StatusNotFound)
		return
	}
	if a.sites == nil {
		a.jsonError(w, "no backup sites configured", http.StatusNotFound)
		return
	}

	site := parts[0]
	var err error
	switch parts[1] {
	case "online":
		err = a.sites.BringSiteOnline(site)
	case "offline":
		err = a.sites.TakeSiteOffline(site)
	default:
		a.jsonError(w, "unknown action "+parts[1], http.StatusNotFound)
		return
	}
	if errors.Is(err, xsite.ErrUnknownSite) {
		a.jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		a.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	offline, _ := a.sites.IsOffline(site)
	a.writeJSON(w, http.StatusOK, SiteStatus{Name: site, Offline: offline})
}

// writeFailure maps a failed write to a status code.
func (a *API) writeFailure(w http.ResponseWriter, err error) {
	var backupErr *xsite.BackupFailureError
	if errors.As(err, &backupErr) {
		a.jsonError(w, err.Error(), http.StatusBadGateway)
		return
	}
	a.jsonError(w, err.Error(), http.StatusServiceUnavailable)
}

func (a *API) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(proto.ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
