package httpapi

import (
	"net/http"

	"github.com/rmacdonaldsmith/ddmesh-go/pkg/broker"
)

// Handlers contains HTTP request handlers
type Handlers struct {
	broker broker.Broker
	keys   KeyView
}

// NewHandlers creates a new handlers instance
func NewHandlers(b broker.Broker, keys KeyView) *Handlers {
	return &Handlers{broker: b, keys: keys}
}

// Health handles GET /api/v1/health. An unregistered broker is still serving
// its own subtree, so it reports healthy with a message.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	state := h.broker.State()
	resp := HealthResponse{Healthy: true, State: state, Message: "ok"}
	if state == broker.Unregistered {
		resp.Message = "waiting for parent broker"
	}
	writeJSON(w, resp, http.StatusOK)
}

// Stats handles GET /api/v1/stats
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, StatsResponse(h.broker.Status()), http.StatusOK)
}

// AdminKeys handles GET /api/v1/admin/keys
func (h *Handlers) AdminKeys(w http.ResponseWriter, r *http.Request) {
	if !IsAdmin(r) {
		writeError(w, "Admin privileges required", http.StatusForbidden)
		return
	}
	if h.keys == nil {
		writeError(w, "No keystore configured", http.StatusNotFound)
		return
	}

	resp := AdminKeysResponse{
		Hash:      h.keys.Hash(),
		PublicKey: h.keys.PublicKey(),
		Tenants:   []TenantKeyInfo{},
	}
	for _, name := range h.keys.Tenants() {
		t, ok := h.keys.LookupByTenantName(name)
		if !ok {
			continue
		}
		resp.Tenants = append(resp.Tenants, TenantKeyInfo{Name: t.Name, Hash: t.Hash})
	}
	writeJSON(w, resp, http.StatusOK)
}

// AdminStop handles POST /api/v1/admin/stop. The response is written before
// the broker tears down.
func (h *Handlers) AdminStop(w http.ResponseWriter, r *http.Request) {
	if !IsAdmin(r) {
		writeError(w, "Admin privileges required", http.StatusForbidden)
		return
	}
	writeJSON(w, AdminStopResponse{Stopping: true, Endpoint: h.broker.Endpoint()}, http.StatusAccepted)
	h.broker.Stop()
}
