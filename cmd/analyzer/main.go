// Command analyzer is the one-shot protocol analyzer diagnostic (spec
// §4.D): it sweeps both register spaces of every known protocol spec
// against a live Modbus connection and ranks each by how many of its
// entries decode into plausible values.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jpl-devices/fieldgw/internal/modbus"
	"github.com/jpl-devices/fieldgw/internal/protocolspec"
	"github.com/jpl-devices/fieldgw/internal/registers"
)

type candidateScore struct {
	name    string
	scored  int
	maxable int
}

func main() {
	protocolDir := flag.String("protocols", "protocols", "directory of protocol specification files")
	port := flag.String("port", "", "serial port for Modbus RTU (mutually exclusive with -host)")
	baud := flag.Int("baud", 9600, "serial baud rate")
	host := flag.String("host", "", "Modbus TCP host (mutually exclusive with -port)")
	tcpPort := flag.Int("tcp-port", 502, "Modbus TCP port")
	slaveID := flag.Int("slave", 1, "Modbus slave/unit ID")
	flag.Parse()

	if *port == "" && *host == "" {
		log.Fatal("analyzer: one of -port or -host is required")
	}

	busCfg := modbus.BusConfig{SlaveID: byte(*slaveID)}
	if *port != "" {
		busCfg.Kind = modbus.BusRTU
		busCfg.SerialPort = *port
		busCfg.BaudRate = *baud
	} else {
		busCfg.Kind = modbus.BusTCP
		busCfg.Host = *host
		busCfg.Port = *tcpPort
	}

	registry := modbus.NewRegistry()
	sess, err := registry.Acquire(busCfg)
	if err != nil {
		log.Fatalf("analyzer: connecting: %v", err)
	}

	names, err := listProtocolNames(*protocolDir)
	if err != nil {
		log.Fatalf("analyzer: listing %s: %v", *protocolDir, err)
	}
	if len(names) == 0 {
		log.Fatalf("analyzer: no protocol specs found under %s", *protocolDir)
	}

	var results []candidateScore
	for _, name := range names {
		spec, err := protocolspec.Load(*protocolDir, name, protocolspec.TransportDefaultSeconds)
		if err != nil {
			log.Printf("analyzer: skipping %s: %v", name, err)
			continue
		}
		scored, maxable := scoreSpec(sess, spec)
		results = append(results, candidateScore{name: name, scored: scored, maxable: maxable})
	}

	sort.Slice(results, func(i, j int) bool {
		return resultRatio(results[i]) > resultRatio(results[j])
	})

	fmt.Println("protocol               score   decodable   ratio")
	for _, r := range results {
		fmt.Printf("%-22s %5d   %9d   %.2f\n", r.name, r.scored, r.maxable, resultRatio(r))
	}
}

func resultRatio(r candidateScore) float64 {
	if r.maxable == 0 {
		return 0
	}
	return float64(r.scored) / float64(r.maxable)
}

// scoreSpec reads every register dimension of spec in full (ignoring
// read_interval gating — this is a one-shot sweep, not the serving
// loop) and sums validate_registry_entry's score across all entries.
func scoreSpec(sess *modbus.Session, spec *protocolspec.Spec) (scored, maxable int) {
	for _, rt := range []protocolspec.RegistryType{protocolspec.Holding, protocolspec.Input} {
		entries := spec.Entries[rt]
		if len(entries) == 0 {
			continue
		}
		maxRegister := 0
		for _, e := range entries {
			if e.Register > maxRegister {
				maxRegister = e.Register
			}
		}
		ranges := protocolspec.CalculateRegistryRanges(entries, maxRegister, spec.Settings.BatchSize, true, 0)
		if len(ranges) == 0 {
			continue
		}
		raw := sess.ReadRegisters(rt, ranges)
		decoded := registers.Decode(spec, entries, raw)
		for _, e := range entries {
			v, ok := decoded[e.VariableName]
			maxable++
			if !ok {
				continue
			}
			scored += registers.ValidateEntry(spec, e, v)
		}
	}
	return scored, maxable
}

func listProtocolNames(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, m := range matches {
		base := filepath.Base(m)
		names = append(names, strings.TrimSuffix(base, ".json"))
	}
	if names == nil {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		seen := map[string]bool{}
		for _, e := range entries {
			n := e.Name()
			for _, suffix := range []string{".holding_registry_map.csv", ".input_registry_map.csv", ".registry_map.csv"} {
				if strings.HasSuffix(n, suffix) {
					seen[strings.TrimSuffix(n, suffix)] = true
				}
			}
		}
		for n := range seen {
			names = append(names, n)
		}
	}
	return names, nil
}
