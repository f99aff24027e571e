package modbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jpl-devices/fieldgw/internal/diagserver"
	"github.com/jpl-devices/fieldgw/internal/gateway"
	"github.com/jpl-devices/fieldgw/internal/protocolspec"
	"github.com/jpl-devices/fieldgw/internal/registers"
)

// Device adapts a Session plus its loaded protocol specification into a
// gateway.Source/Writable, owning the per-poll read-range scheduling
// (spec §4.B/§4.D) and routing write-back requests into Encode/
// WriteSingleRegister.
type Device struct {
	name string
	meta gateway.DeviceMetadata

	bridgeTarget string
	registry     *Registry
	busCfg       BusConfig
	spec         *protocolspec.Spec
	readInterval time.Duration
	policy       WritePolicy

	mu           sync.Mutex
	session      *Session
	writeEnabled bool
	firstPoll    bool
	lastErr      error
}

// NewDevice builds a Device. bridgeTarget is the declared bridge peer's
// transport name, stamped onto every Record this device produces.
func NewDevice(name string, meta gateway.DeviceMetadata, bridgeTarget string, registry *Registry, busCfg BusConfig, spec *protocolspec.Spec, readInterval time.Duration, policy WritePolicy) *Device {
	return &Device{
		name:         name,
		meta:         meta,
		bridgeTarget: bridgeTarget,
		registry:     registry,
		busCfg:       busCfg,
		spec:         spec,
		readInterval: readInterval,
		policy:       policy,
		firstPoll:    true,
	}
}

func (d *Device) Name() string { return d.name }
func (d *Device) Kind() string { return "modbus" }

func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session != nil
}

// Connect acquires the shared Session for this device's bus and runs
// enable_write (spec §4.D) when the configured policy requires it.
func (d *Device) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	sess, err := d.registry.Acquire(d.busCfg)
	if err != nil {
		d.lastErr = err
		return err
	}
	d.session = sess

	if d.policy != PolicyRead {
		d.writeEnabled = sess.EnableWrite(d.spec, d.policy)
	}
	d.lastErr = nil
	return nil
}

func (d *Device) Status() diagserver.TransportStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := diagserver.TransportStatus{
		Name:      d.name,
		Kind:      "modbus",
		Connected: d.session != nil,
	}
	if d.lastErr != nil {
		st.LastError = d.lastErr.Error()
	}
	return st
}

func (d *Device) ReadInterval() time.Duration { return d.readInterval }

// ReadData walks every configured registry dimension's due ranges,
// decodes them, and merges the result into one Record. A nil, nil
// return means nothing was due this tick.
func (d *Device) ReadData(ctx context.Context) (*gateway.Record, error) {
	d.mu.Lock()
	sess := d.session
	firstPoll := d.firstPoll
	d.firstPoll = false
	d.mu.Unlock()

	if sess == nil {
		return nil, fmt.Errorf("modbus: %s: not connected", d.name)
	}

	nowMs := time.Now().UnixMilli()
	data := map[string]interface{}{}
	sawAny := false

	dims := []protocolspec.RegistryType{}
	if d.spec.Settings.SendHoldingRegister {
		dims = append(dims, protocolspec.Holding)
	}
	if d.spec.Settings.SendInputRegister {
		dims = append(dims, protocolspec.Input)
	}

	for _, rt := range dims {
		entries := d.spec.Entries[rt]
		if len(entries) == 0 {
			continue
		}
		maxRegister := 0
		for _, e := range entries {
			if e.Register > maxRegister {
				maxRegister = e.Register
			}
		}
		ranges := protocolspec.CalculateRegistryRanges(entries, maxRegister, d.spec.Settings.BatchSize, firstPoll, nowMs)
		if len(ranges) == 0 {
			continue
		}
		sawAny = true
		raw := sess.ReadRegisters(rt, ranges)
		decoded := registers.Decode(d.spec, entries, raw)
		for k, v := range decoded {
			data[k] = v
		}
	}

	if !sawAny {
		return nil, nil
	}

	return &gateway.Record{
		SourceName: d.name,
		TargetName: d.bridgeTarget,
		Data:       data,
		Source:     d.meta,
		Timestamp:  time.Now(),
	}, nil
}

// HandleWrite implements write_variable (spec §4.C) routed back from a
// bridged output transport.
func (d *Device) HandleWrite(ctx context.Context, req gateway.WriteRequest) error {
	d.mu.Lock()
	sess := d.session
	writeEnabled := d.writeEnabled || d.policy == PolicyUnsafe
	d.mu.Unlock()

	if sess == nil {
		return fmt.Errorf("modbus: %s: not connected", d.name)
	}
	if !writeEnabled {
		return fmt.Errorf("modbus: %s: writes not enabled", d.name)
	}

	entry := d.findWritable(req.Variable)
	if entry == nil {
		return fmt.Errorf("modbus: %s: %s is not a writable variable", d.name, req.Variable)
	}

	read := func(register int) (registers.RawWord, error) {
		return sess.ReadSingleRegister(register)
	}
	words, err := registers.Encode(d.spec, entry, req.Value, d.policy == PolicyUnsafe, read)
	if err != nil {
		return err
	}
	for i, w := range words {
		if err := sess.WriteSingleRegister(entry.Register+i, uint16(w)); err != nil {
			return fmt.Errorf("modbus: %s: writing %s: %w", d.name, req.Variable, err)
		}
	}
	return nil
}

// WritableVariables implements gateway.VariableLister, letting a bridged
// sink (e.g. MQTT) discover command topics to subscribe to.
func (d *Device) WritableVariables() []string {
	var out []string
	for _, e := range d.spec.Entries[protocolspec.Holding] {
		if e.WriteMode == protocolspec.Write || e.WriteMode == protocolspec.WriteOnly {
			out = append(out, e.VariableName)
		}
	}
	return out
}

func (d *Device) findWritable(variable string) *protocolspec.RegistryMapEntry {
	for _, e := range d.spec.Entries[protocolspec.Holding] {
		if e.VariableName == variable && (e.WriteMode == protocolspec.Write || e.WriteMode == protocolspec.WriteOnly) {
			return e
		}
	}
	return nil
}
