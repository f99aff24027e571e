// Package config loads the gateway's INI configuration file (spec §6):
// one [general] section plus one [transport.<name>] section per
// configured transport.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Config is the fully parsed configuration file.
type Config struct {
	LogLevel   string
	Transports []TransportConfig
}

// TransportConfig holds every key recognized under a [transport.<name>]
// section, per spec §6. Transport-specific keys not relevant to a given
// kind are simply left at their zero value.
type TransportConfig struct {
	Name string // the <name> in [transport.<name>]

	Transport       string // transport kind
	ProtocolVersion string
	Bridge          string // peer section name
	ReadInterval    time.Duration
	Write           string // read|write|relaxed|unsafe

	DeviceName         string
	DeviceManufacturer string
	DeviceModel        string
	DeviceSerialNumber string

	// Serial/network
	Port     string
	BaudRate int
	Address  string
	Host     string
	TCPPort  int
	CertFile string
	KeyFile  string
	Hostname string

	// CAN
	Channel   string
	Interface string

	// MQTT
	User             string
	Pass             string
	BaseTopic        string
	DiscoveryEnabled bool

	// Time-series
	Measurement               string
	BatchSize                 int
	BatchTimeout              time.Duration
	MaxReconnectDelay         time.Duration
	EnablePersistentStorage   bool
	PersistentStoragePath     string
	MaxBacklogSize            int
	MaxBacklogAge             time.Duration
	PeriodicReconnectInterval time.Duration
	ForceFloat                bool

	// JSON sink
	IncludeTimestamp  bool
	IncludeDeviceInfo bool
	OutputFile        string
	PrettyPrint       bool
	AppendMode        bool
}

const transportSectionPrefix = "transport."

// LoadFile parses path as the gateway's INI configuration file.
func LoadFile(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: loading %s: %w", path, err)
	}
	return fromFile(f)
}

func fromFile(f *ini.File) (*Config, error) {
	cfg := &Config{LogLevel: "INFO"}

	if gen := f.Section("general"); gen != nil {
		if lvl := gen.Key("log_level").String(); lvl != "" {
			cfg.LogLevel = strings.ToUpper(lvl)
		}
	}

	for _, sec := range f.Sections() {
		name := sec.Name()
		if !strings.HasPrefix(name, transportSectionPrefix) {
			continue
		}
		tc, err := transportFromSection(sec, strings.TrimPrefix(name, transportSectionPrefix))
		if err != nil {
			return nil, err
		}
		cfg.Transports = append(cfg.Transports, tc)
	}
	return cfg, nil
}

func transportFromSection(sec *ini.Section, name string) (TransportConfig, error) {
	tc := TransportConfig{Name: name}

	tc.Transport = sec.Key("transport").String()
	tc.ProtocolVersion = sec.Key("protocol_version").String()
	tc.Bridge = sec.Key("bridge").String()
	tc.Write = firstNonEmpty(sec.Key("write").String(), "read")

	tc.DeviceName = firstNonEmpty(sec.Key("device_name").String(), sec.Key("name").String())
	tc.DeviceManufacturer = firstNonEmpty(sec.Key("device_manufacturer").String(), sec.Key("manufacturer").String())
	tc.DeviceModel = firstNonEmpty(sec.Key("device_model").String(), sec.Key("model").String())
	tc.DeviceSerialNumber = firstNonEmpty(sec.Key("device_serial_number").String(), sec.Key("serial_number").String())

	tc.Port = sec.Key("port").String()
	tc.Address = sec.Key("address").String()
	tc.Host = sec.Key("host").String()
	tc.CertFile = sec.Key("certfile").String()
	tc.KeyFile = sec.Key("keyfile").String()
	tc.Hostname = sec.Key("hostname").String()
	tc.Channel = sec.Key("channel").String()
	tc.Interface = sec.Key("interface").String()
	tc.User = sec.Key("user").String()
	tc.Pass = sec.Key("pass").String()
	tc.BaseTopic = sec.Key("base_topic").String()
	tc.Measurement = sec.Key("measurement").String()
	tc.PersistentStoragePath = sec.Key("persistent_storage_path").String()
	tc.OutputFile = sec.Key("output_file").String()

	var err error
	if tc.BaudRate, err = intKey(sec, "baudrate", 0); err != nil {
		return tc, err
	}
	if tc.TCPPort, err = intKey(sec, "port", 0); err != nil {
		// "port" doubles as a generic key; a non-numeric value (e.g. a
		// serial device path) is fine for Port above and simply leaves
		// TCPPort at 0.
		tc.TCPPort = 0
	}
	if tc.BatchSize, err = intKey(sec, "batch_size", 0); err != nil {
		return tc, err
	}
	if tc.MaxBacklogSize, err = intKey(sec, "max_backlog_size", 0); err != nil {
		return tc, err
	}

	if tc.ReadInterval, err = secondsKey(sec, "read_interval", 0); err != nil {
		return tc, err
	}
	if tc.BatchTimeout, err = secondsKey(sec, "batch_timeout", 0); err != nil {
		return tc, err
	}
	if tc.MaxReconnectDelay, err = secondsKey(sec, "max_reconnect_delay", 0); err != nil {
		return tc, err
	}
	if tc.MaxBacklogAge, err = secondsKey(sec, "max_backlog_age", 0); err != nil {
		return tc, err
	}
	if tc.PeriodicReconnectInterval, err = secondsKey(sec, "periodic_reconnect_interval", 0); err != nil {
		return tc, err
	}

	tc.DiscoveryEnabled = boolKey(sec, "discovery_enabled")
	tc.EnablePersistentStorage = boolKey(sec, "enable_persistent_storage")
	tc.ForceFloat = boolKey(sec, "force_float")
	tc.IncludeTimestamp = boolKey(sec, "include_timestamp")
	tc.IncludeDeviceInfo = boolKey(sec, "include_device_info")
	tc.PrettyPrint = boolKey(sec, "pretty_print")
	tc.AppendMode = boolKey(sec, "append_mode")

	return tc, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func intKey(sec *ini.Section, key string, fallback int) (int, error) {
	raw := sec.Key(key).String()
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: [%s] %s: %w", sec.Name(), key, err)
	}
	return v, nil
}

// secondsKey parses a float seconds value (spec §6: "read_interval
// (seconds, float)") into a time.Duration.
func secondsKey(sec *ini.Section, key string, fallback time.Duration) (time.Duration, error) {
	raw := sec.Key(key).String()
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("config: [%s] %s: %w", sec.Name(), key, err)
	}
	return time.Duration(v * float64(time.Second)), nil
}

func boolKey(sec *ini.Section, key string) bool {
	b, _ := sec.Key(key).Bool()
	return b
}
