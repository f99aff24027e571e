// Package mqttsink implements the MQTT output sink (spec §4.E):
// per-device or per-variable publishes, Home-Assistant-style discovery,
// write-back subscription routed through the gateway, and a dual
// reconnection strategy that alternates the client library's own
// reconnect() with a full teardown/reconnect cycle.
package mqttsink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	backoffpkg "github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/jpl-devices/fieldgw/internal/diagserver"
	"github.com/jpl-devices/fieldgw/internal/gateway"
)

// WriteRouter routes a write-back command to whichever source owns the
// named target transport. *gateway.Supervisor satisfies this.
type WriteRouter interface {
	RouteWrite(ctx context.Context, req gateway.WriteRequest) error
}

// Config configures one MQTT sink, per spec §4.E/§6.
type Config struct {
	Name string

	Broker   string // e.g. "tcp://localhost:1883"
	ClientID string
	User     string
	Pass     string

	BaseTopic        string
	DiscoveryEnabled bool
	PerVariableTopic bool // one retained topic per variable instead of one JSON payload per device

	DeviceName         string
	DeviceManufacturer string
	DeviceModel        string
	DeviceSerialNumber string

	MaxReconnectAttempts int
	MaxReconnectDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = "fieldgw-" + c.Name
	}
	if c.BaseTopic == "" {
		c.BaseTopic = "fieldgw/" + c.Name
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 2 * time.Minute
	}
	return c
}

// Sink is a gateway.Sink publishing records to an MQTT broker and, when
// bridged to a Writable/VariableLister source, subscribing to that
// source's write-back command topics.
type Sink struct {
	cfg    Config
	log    *logrus.Entry
	router WriteRouter

	mu        sync.Mutex
	client    mqtt.Client
	connected bool
	lastErr   error

	writableVars []string
	sourceName   string

	fullReconnectNext bool
}

// New builds a Sink and attempts an initial connection.
func New(cfg Config, router WriteRouter) (*Sink, error) {
	cfg = cfg.withDefaults()
	s := &Sink{cfg: cfg, log: logrus.WithField("mqttsink", cfg.Name), router: router}
	s.buildClient()
	if err := s.connect(); err != nil {
		s.log.WithError(err).Warn("mqttsink: initial connection failed, worker will retry")
	}
	return s, nil
}

func (s *Sink) buildClient() {
	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectionLostHandler(s.onConnectionLost).
		SetOnConnectHandler(s.onConnect)
	if s.cfg.User != "" {
		opts.SetUsername(s.cfg.User)
		opts.SetPassword(s.cfg.Pass)
	}
	s.client = mqtt.NewClient(opts)
}

func (s *Sink) connect() error {
	tok := s.client.Connect()
	tok.Wait()
	if err := tok.Error(); err != nil {
		s.mu.Lock()
		s.connected = false
		s.lastErr = err
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Sink) onConnect(c mqtt.Client) {
	s.mu.Lock()
	s.connected = true
	s.lastErr = nil
	vars := append([]string(nil), s.writableVars...)
	s.mu.Unlock()

	for _, v := range vars {
		s.subscribeWrite(v)
		if s.cfg.DiscoveryEnabled {
			s.publishDiscovery(v)
		}
	}
}

// onConnectionLost is paho's AutoReconnect path. Per spec §4.E this
// alternates with a full teardown/reconnect cycle, which Connect below drives
// whenever AutoReconnect itself gives up (its own backoff is unbounded
// so this mainly guards against a wedged client state).
func (s *Sink) onConnectionLost(c mqtt.Client, err error) {
	s.mu.Lock()
	s.connected = false
	s.lastErr = err
	s.mu.Unlock()
	s.log.WithError(err).Warn("mqttsink: connection lost, library auto-reconnect engaged")
}

func (s *Sink) Name() string { return s.cfg.Name }
func (s *Sink) Kind() string { return "mqttsink" }

func (s *Sink) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Connect alternates between letting the library's own reconnect() run
// (the common case, since AutoReconnect is enabled) and, every other
// attempt while still disconnected, tearing the client down and rebuilding
// it from scratch — the reference's workaround for brokers that leave
// the library's internal state wedged after certain failures.
func (s *Sink) Connect(ctx context.Context) error {
	if s.Connected() {
		return nil
	}

	b := backoffpkg.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.MaxInterval = s.cfg.MaxReconnectDelay

	attempts := 0
	op := func() error {
		attempts++
		s.mu.Lock()
		fullCycle := s.fullReconnectNext
		s.fullReconnectNext = !s.fullReconnectNext
		s.mu.Unlock()

		if fullCycle {
			if s.client.IsConnected() {
				s.client.Disconnect(250)
			}
			s.buildClient()
		}
		if err := s.connect(); err != nil {
			if s.cfg.MaxReconnectAttempts > 0 && attempts >= s.cfg.MaxReconnectAttempts {
				return backoffpkg.Permanent(fmt.Errorf("mqttsink: %s: exhausted %d reconnect attempts: %w", s.cfg.Name, attempts, err))
			}
			return err
		}
		return nil
	}

	return backoffpkg.Retry(op, b)
}

func (s *Sink) Status() diagserver.TransportStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := diagserver.TransportStatus{Name: s.cfg.Name, Kind: "mqttsink", Connected: s.connected}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// WriteData publishes rec, either as one JSON payload per device or as
// one retained message per variable under BaseTopic, per spec §4.E.
func (s *Sink) WriteData(ctx context.Context, rec gateway.Record) error {
	if !s.Connected() {
		return fmt.Errorf("mqttsink: %s: not connected", s.cfg.Name)
	}

	if s.cfg.PerVariableTopic {
		for variable, v := range rec.Data {
			payload, err := json.Marshal(v)
			if err != nil {
				continue
			}
			topic := fmt.Sprintf("%s/%s/%s", s.cfg.BaseTopic, rec.SourceName, variable)
			if tok := s.client.Publish(topic, 0, true, payload); tok.Wait() && tok.Error() != nil {
				return tok.Error()
			}
		}
		return nil
	}

	payload, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("mqttsink: %s: encoding record: %w", s.cfg.Name, err)
	}
	topic := fmt.Sprintf("%s/%s/state", s.cfg.BaseTopic, rec.SourceName)
	tok := s.client.Publish(topic, 0, true, payload)
	tok.Wait()
	return tok.Error()
}

// InitBridge enumerates the bridged source's writable variables (if any)
// and subscribes to their command topics, publishing discovery payloads
// for each when enabled, per spec §4.F's init_bridge.
func (s *Sink) InitBridge(peer gateway.Transport) error {
	lister, ok := peer.(gateway.VariableLister)
	if !ok {
		return nil
	}
	vars := lister.WritableVariables()

	s.mu.Lock()
	s.writableVars = vars
	s.sourceName = peer.Name()
	connected := s.connected
	s.mu.Unlock()

	if !connected {
		return nil
	}
	for _, v := range vars {
		s.subscribeWrite(v)
		if s.cfg.DiscoveryEnabled {
			s.publishDiscovery(v)
		}
	}
	return nil
}

func (s *Sink) writeTopic(variable string) string {
	return fmt.Sprintf("%s/write/%s", s.cfg.BaseTopic, variable)
}

func (s *Sink) subscribeWrite(variable string) {
	topic := s.writeTopic(variable)
	tok := s.client.Subscribe(topic, 0, func(c mqtt.Client, msg mqtt.Message) {
		s.handleWriteMessage(variable, msg.Payload())
	})
	tok.Wait()
	if err := tok.Error(); err != nil {
		s.log.WithError(err).WithField("topic", topic).Warn("mqttsink: subscribe failed")
	}
}

func (s *Sink) handleWriteMessage(variable string, payload []byte) {
	var value interface{}
	if err := json.Unmarshal(payload, &value); err != nil {
		value = string(payload)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.router.RouteWrite(ctx, gateway.WriteRequest{TargetName: s.bridgedSourceName(), Variable: variable, Value: value}); err != nil {
		s.log.WithError(err).WithField("variable", variable).Warn("mqttsink: routed write failed")
	}
}

// bridgedSourceName returns the bridged source's transport name, as
// recorded by InitBridge.
func (s *Sink) bridgedSourceName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sourceName
}

// discoveryPayload is a minimal Home-Assistant MQTT discovery message
// (sensor platform) for one variable, per spec §4.E.
type discoveryPayload struct {
	Name         string          `json:"name"`
	UniqueID     string          `json:"unique_id"`
	StateTopic   string          `json:"state_topic"`
	CommandTopic string          `json:"command_topic,omitempty"`
	Device       discoveryDevice `json:"device"`
}

type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

func (s *Sink) publishDiscovery(variable string) {
	id := s.cfg.DeviceSerialNumber
	if id == "" {
		id = s.cfg.DeviceName
	}
	dp := discoveryPayload{
		Name:         fmt.Sprintf("%s %s", s.cfg.DeviceName, variable),
		UniqueID:     fmt.Sprintf("%s_%s", id, variable),
		StateTopic:   fmt.Sprintf("%s/%s/state", s.cfg.BaseTopic, s.bridgedSourceName()),
		CommandTopic: s.writeTopic(variable),
		Device: discoveryDevice{
			Identifiers:  []string{id},
			Name:         s.cfg.DeviceName,
			Manufacturer: s.cfg.DeviceManufacturer,
			Model:        s.cfg.DeviceModel,
		},
	}
	payload, err := json.Marshal(dp)
	if err != nil {
		return
	}
	topic := fmt.Sprintf("homeassistant/sensor/%s_%s/config", id, variable)
	s.client.Publish(topic, 0, true, payload)
}

// Close disconnects the client.
func (s *Sink) Close() error {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	return nil
}
