// Package gatewaybuild wires a parsed internal/config.Config into a
// running internal/gateway.Supervisor: it is the factory-by-kind-name
// layer spec §9 calls for in place of the reference's dynamic
// module-import dispatch.
package gatewaybuild

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jpl-devices/fieldgw/internal/config"
	"github.com/jpl-devices/fieldgw/internal/diagserver"
	"github.com/jpl-devices/fieldgw/internal/gateway"
	"github.com/jpl-devices/fieldgw/internal/modbus"
	"github.com/jpl-devices/fieldgw/internal/protocolspec"
	"github.com/jpl-devices/fieldgw/internal/transport/can"
	"github.com/jpl-devices/fieldgw/internal/transport/jsonsink"
	"github.com/jpl-devices/fieldgw/internal/transport/mqttsink"
	"github.com/jpl-devices/fieldgw/internal/transport/pylon"
	"github.com/jpl-devices/fieldgw/internal/transport/tssink"
)

// ProtocolDir is the default directory protocol specification files are
// loaded from, per spec §6 ("a protocols/ directory, configurable").
const ProtocolDir = "protocols"

// routerProxy breaks the construction cycle between mqttsink.Sink (which
// needs a WriteRouter at New) and *gateway.Supervisor (which needs every
// transport, including the mqttsink.Sink, before it can be constructed):
// mqttsink gets the proxy up front, and bind attaches the real Supervisor
// once it exists.
type routerProxy struct {
	sup *gateway.Supervisor
}

func newRouterProxy() *routerProxy { return &routerProxy{} }

func (r *routerProxy) bind(sup *gateway.Supervisor) { r.sup = sup }

func (r *routerProxy) RouteWrite(ctx context.Context, req gateway.WriteRequest) error {
	if r.sup == nil {
		return fmt.Errorf("gatewaybuild: write routed before supervisor was ready")
	}
	return r.sup.RouteWrite(ctx, req)
}

// Build constructs every configured transport, wires declared bridges,
// and returns a ready-to-run Supervisor plus the diagnostics registry
// every transport was registered against.
func Build(cfg *config.Config, protocolDir string) (*gateway.Supervisor, *diagserver.Registry, error) {
	if protocolDir == "" {
		protocolDir = ProtocolDir
	}

	modbusRegistry := modbus.NewRegistry()
	diagRegistry := diagserver.NewRegistry()
	router := newRouterProxy()

	bridges := map[string]string{}
	var transports []gateway.Transport

	for _, tc := range cfg.Transports {
		if tc.Bridge != "" {
			bridges[tc.Name] = tc.Bridge
		}

		meta := gateway.DeviceMetadata{
			Name:             tc.DeviceName,
			Manufacturer:     tc.DeviceManufacturer,
			Model:            tc.DeviceModel,
			DeviceIdentifier: tc.DeviceSerialNumber,
		}

		t, err := buildOne(tc, meta, modbusRegistry, protocolDir, router)
		if err != nil {
			return nil, nil, fmt.Errorf("gatewaybuild: transport %q: %w", tc.Name, err)
		}
		transports = append(transports, t)
		diagRegistry.Register(t)
	}

	sup := gateway.NewSupervisor(transports, bridges)
	router.bind(sup)

	return sup, diagRegistry, nil
}

func buildOne(tc config.TransportConfig, meta gateway.DeviceMetadata, modbusRegistry *modbus.Registry, protocolDir string, router *routerProxy) (gateway.Transport, error) {
	switch tc.Transport {
	case "modbus":
		return buildModbus(tc, meta, modbusRegistry, protocolDir)
	case "pylon":
		return buildPylon(tc, meta), nil
	case "can":
		return buildCAN(tc, meta), nil
	case "jsonsink":
		return buildJSONSink(tc)
	case "tssink":
		return buildTSSink(tc)
	case "mqttsink":
		return buildMQTTSink(tc, router)
	default:
		return nil, &gateway.UnknownKindError{Kind: tc.Transport}
	}
}

func buildModbus(tc config.TransportConfig, meta gateway.DeviceMetadata, registry *modbus.Registry, protocolDir string) (gateway.Transport, error) {
	spec, err := protocolspec.Load(protocolDir, tc.ProtocolVersion, tc.ReadInterval.Seconds())
	if err != nil {
		return nil, err
	}
	applyMaskAndScreen(spec, protocolDir)

	busCfg := modbus.BusConfig{
		SerialPort: tc.Port,
		BaudRate:   tc.BaudRate,
		Host:       tc.Host,
		Port:       tc.TCPPort,
		SlaveID:    byte(atoiOr(tc.Address, 1)),
	}
	if tc.Port != "" {
		busCfg.Kind = modbus.BusRTU
	} else {
		busCfg.Kind = modbus.BusTCP
	}

	policy := writePolicyFor(tc.Write)
	return modbus.NewDevice(tc.Name, meta, tc.Bridge, registry, busCfg, spec, tc.ReadInterval, policy), nil
}

func applyMaskAndScreen(spec *protocolspec.Spec, protocolDir string) {
	mask, err := protocolspec.LoadNameSet(protocolDir + "/variable_mask.txt")
	if err != nil {
		mask = map[string]struct{}{}
	}
	screen, err := protocolspec.LoadNameSet(protocolDir + "/variable_screen.txt")
	if err != nil {
		screen = map[string]struct{}{}
	}
	for rt, entries := range spec.Entries {
		spec.Entries[rt] = protocolspec.ApplyMaskAndScreen(entries, mask, screen)
	}
}

func writePolicyFor(write string) modbus.WritePolicy {
	switch write {
	case "write":
		return modbus.PolicyWrite
	case "relaxed":
		return modbus.PolicyRelaxed
	case "unsafe":
		return modbus.PolicyUnsafe
	default:
		return modbus.PolicyRead
	}
}

func buildPylon(tc config.TransportConfig, meta gateway.DeviceMetadata) gateway.Transport {
	cfg := pylon.Config{
		Port:     tc.Port,
		BaudRate: tc.BaudRate,
		Ver:      0x20,
		Adr:      byte(atoiOr(tc.Address, 0)),
		Cid1:     0x46,
		Cid2:     0x42,
	}
	return pylon.NewSource(tc.Name, meta, tc.Bridge, tc.ReadInterval, cfg)
}

func buildCAN(tc config.TransportConfig, meta gateway.DeviceMetadata) gateway.Transport {
	bus := can.NewBus(tc.Channel, 120*time.Second, 120*time.Second)
	return can.NewSource(tc.Name, meta, tc.Bridge, tc.ReadInterval, bus)
}

func buildJSONSink(tc config.TransportConfig) (gateway.Transport, error) {
	s, err := jsonsink.New(jsonsink.Config{
		Name:              tc.Name,
		OutputFile:        tc.OutputFile,
		AppendMode:        tc.AppendMode,
		PrettyPrint:       tc.PrettyPrint,
		IncludeTimestamp:  tc.IncludeTimestamp,
		IncludeDeviceInfo: tc.IncludeDeviceInfo,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func buildTSSink(tc config.TransportConfig) (gateway.Transport, error) {
	s, err := tssink.New(tssink.Config{
		Name:              tc.Name,
		Measurement:       tc.Measurement,
		URL:               tc.Host,
		BatchSize:         tc.BatchSize,
		BatchTimeout:      tc.BatchTimeout,
		MaxReconnectDelay: tc.MaxReconnectDelay,
		BacklogDir:        tc.PersistentStoragePath,
		BacklogMaxSize:    tc.MaxBacklogSize,
		BacklogMaxAge:     tc.MaxBacklogAge,
		ReconnectInterval: tc.PeriodicReconnectInterval,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func buildMQTTSink(tc config.TransportConfig, router *routerProxy) (gateway.Transport, error) {
	s, err := mqttsink.New(mqttsink.Config{
		Name:               tc.Name,
		Broker:             tc.Host,
		User:               tc.User,
		Pass:               tc.Pass,
		BaseTopic:          tc.BaseTopic,
		DiscoveryEnabled:   tc.DiscoveryEnabled,
		DeviceName:         tc.DeviceName,
		DeviceManufacturer: tc.DeviceManufacturer,
		DeviceModel:        tc.DeviceModel,
		DeviceSerialNumber: tc.DeviceSerialNumber,
	}, router)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func atoiOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}
