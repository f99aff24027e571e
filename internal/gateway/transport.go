package gateway

import (
	"context"
	"time"

	"github.com/jpl-devices/fieldgw/internal/diagserver"
)

// Transport is the common surface every gateway-managed connection
// implements, regardless of direction (spec §4.F's "each transport").
type Transport interface {
	Name() string
	Kind() string
	Connected() bool
	Connect(ctx context.Context) error
	Status() diagserver.TransportStatus
}

// Source is a transport that produces Records on a read schedule (e.g.
// Modbus, CAN). ReadData returns a nil record when there is nothing new
// to report this tick — not an error.
type Source interface {
	Transport
	ReadInterval() time.Duration
	ReadData(ctx context.Context) (*Record, error)
}

// Sink is a transport that consumes Records delivered by a bridge (e.g.
// JSON, time-series, MQTT).
type Sink interface {
	Transport
	WriteData(ctx context.Context, rec Record) error
}

// Bridged is implemented by transports that need to know about their
// bridge peer once both sides have connected, per spec §4.F's
// init_bridge (e.g. MQTT enumerating the source's writable variables).
type Bridged interface {
	InitBridge(peer Transport) error
}

// Writable is implemented by Sources that accept write-back commands
// routed from a bridged Sink (e.g. an MQTT command topic write routed
// to the Modbus source that owns the variable).
type Writable interface {
	HandleWrite(ctx context.Context, req WriteRequest) error
}

// VariableLister is implemented by Sources that can enumerate their own
// writable variable names, letting a bridged Sink (e.g. MQTT) discover
// what command topics to subscribe to on init_bridge.
type VariableLister interface {
	WritableVariables() []string
}

// Factory builds a named Transport kind from its raw configuration. The
// registry of factories replaces the reference's module-import-by-name
// dynamic dispatch (spec §9).
type Factory func(name string, rawConfig map[string]interface{}) (Transport, error)

// Registry is the process-wide map of transport kind name -> Factory.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty factory registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register links a constructor into the registry under kind, typically
// called once at build time for every transport kind the binary links.
func (r *Registry) Register(kind string, f Factory) {
	r.factories[kind] = f
}

// Build constructs the named kind's transport from rawConfig.
func (r *Registry) Build(kind, name string, rawConfig map[string]interface{}) (Transport, error) {
	f, ok := r.factories[kind]
	if !ok {
		return nil, &UnknownKindError{Kind: kind}
	}
	return f(name, rawConfig)
}

// UnknownKindError reports a transport kind with no registered factory.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return "gateway: no transport factory registered for kind " + e.Kind
}
