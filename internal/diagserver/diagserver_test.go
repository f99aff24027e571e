package diagserver

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

type fakeProvider struct {
	status TransportStatus
}

func (f fakeProvider) Status() TransportStatus { return f.status }

func TestSnapshotReportsAllProviders(t *testing.T) {
	reg := NewRegistry()
	reg.Register(fakeProvider{TransportStatus{Name: "modbus1", Kind: "modbus", Connected: true}})
	reg.Register(fakeProvider{TransportStatus{Name: "can0", Kind: "can", Connected: false, LastError: "dial timeout"}})

	snap := reg.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(snap))
	}
	if snap[1].LastError != "dial timeout" {
		t.Fatalf("expected last error propagated, got %q", snap[1].LastError)
	}
}

func TestHandleStatusWritesJSON(t *testing.T) {
	reg := NewRegistry()
	reg.Register(fakeProvider{TransportStatus{Name: "modbus1", Connected: true}})
	s := &Server{Registry: reg}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/status", nil)
	s.handleStatus(rec, req)

	var got []TransportStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if len(got) != 1 || got[0].Name != "modbus1" {
		t.Fatalf("unexpected status payload: %+v", got)
	}
}

func TestHandleTransportsListsNames(t *testing.T) {
	reg := NewRegistry()
	reg.Register(fakeProvider{TransportStatus{Name: "mqtt-out"}})
	reg.Register(fakeProvider{TransportStatus{Name: "influx-out"}})
	s := &Server{Registry: reg}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/transports", nil)
	s.handleTransports(rec, req)

	var names []string
	if err := json.Unmarshal(rec.Body.Bytes(), &names); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 transport names, got %d", len(names))
	}
}
