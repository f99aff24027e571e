// Package diagserver implements the gateway's read-only diagnostics
// HTTP surface (spec §4.F): a /status endpoint reporting per-transport
// connection/backlog health, and a /transports endpoint listing the
// configured transport names.
package diagserver

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
)

// TransportStatus is one transport's diagnostic snapshot, reported by
// whatever owns that transport (Modbus session, CAN bus, MQTT/InfluxDB
// sink) through the StatusProvider interface.
type TransportStatus struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Connected bool   `json:"connected"`
	LastError string `json:"last_error,omitempty"`
	Backlog   int    `json:"backlog,omitempty"`
}

// StatusProvider is implemented by anything the gateway supervises that
// can report its own health — transports and sinks alike.
type StatusProvider interface {
	Status() TransportStatus
}

// RouteTable maps URL endpoints to handlers, kept from the teacher's
// shape since it is a plain, reusable map type.
type RouteTable map[string]http.HandlerFunc

// ListEndpoints lists the endpoints in a RouteTable (the keys).
func (rt RouteTable) ListEndpoints() []string {
	routes := make([]string, 0, len(rt))
	for k := range rt {
		routes = append(routes, k)
	}
	return routes
}

// Server binds the gateway's fixed diagnostic routes under URLStem,
// replacing the teacher's per-instrument RPC route table with two
// hard-coded, read-only handlers.
type Server struct {
	URLStem  string
	Registry *Registry
}

// Registry holds the set of StatusProviders the gateway is supervising.
type Registry struct {
	providers []StatusProvider
}

// NewRegistry returns an empty diagnostics registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds p to the set reported by /status.
func (r *Registry) Register(p StatusProvider) {
	r.providers = append(r.providers, p)
}

// Snapshot returns the current status of every registered provider.
func (r *Registry) Snapshot() []TransportStatus {
	out := make([]TransportStatus, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p.Status())
	}
	return out
}

// BindRoutes registers /status and /transports on the default mux.
func (s *Server) BindRoutes() {
	http.HandleFunc(s.stem("status"), s.handleStatus)
	http.HandleFunc(s.stem("transports"), s.handleTransports)
}

func (s *Server) stem(path string) string {
	if s.URLStem == "" {
		return "/" + path
	}
	return s.URLStem + "/" + path
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.Registry.Snapshot())
}

func (s *Server) handleTransports(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.Registry.providers))
	for _, p := range s.Registry.providers {
		names = append(names, p.Status().Name)
	}
	s.writeJSON(w, names)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fstr := fmt.Sprintf("error encoding diagnostics response to json: %s", err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
	}
}
