package mqttsink

import (
	"context"
	"testing"

	"github.com/jpl-devices/fieldgw/internal/diagserver"
	"github.com/jpl-devices/fieldgw/internal/gateway"
)

type fakeRouter struct {
	called  bool
	lastReq gateway.WriteRequest
}

func (f *fakeRouter) RouteWrite(ctx context.Context, req gateway.WriteRequest) error {
	f.called = true
	f.lastReq = req
	return nil
}

func TestNewReportsDisconnectedOnUnreachableBroker(t *testing.T) {
	s, err := New(Config{Name: "mqtt1", Broker: "tcp://127.0.0.1:0"}, &fakeRouter{})
	if err != nil {
		t.Fatalf("New returned an error rather than deferring to the reconnect loop: %v", err)
	}
	if s.Connected() {
		t.Fatal("expected sink to report disconnected against an unreachable broker")
	}
	st := s.Status()
	if st.Connected {
		t.Fatal("expected Status().Connected == false")
	}
	if st.LastError == "" {
		t.Fatal("expected Status().LastError to be populated")
	}
}

func TestWriteDataFailsWhenDisconnected(t *testing.T) {
	s, _ := New(Config{Name: "mqtt1", Broker: "tcp://127.0.0.1:0"}, &fakeRouter{})
	err := s.WriteData(context.Background(), gateway.Record{SourceName: "dev1", Data: map[string]interface{}{"v": 1}})
	if err == nil {
		t.Fatal("expected WriteData to fail while disconnected")
	}
}

func TestHandleWriteMessageRoutesThroughRouter(t *testing.T) {
	router := &fakeRouter{}
	s, _ := New(Config{Name: "mqtt1", Broker: "tcp://127.0.0.1:0", BaseTopic: "fieldgw/mqtt1"}, router)
	s.sourceName = "modbus1"

	s.handleWriteMessage("setpoint", []byte("42"))

	if !router.called {
		t.Fatal("expected handleWriteMessage to route through the WriteRouter")
	}
	if router.lastReq.TargetName != "modbus1" || router.lastReq.Variable != "setpoint" {
		t.Fatalf("unexpected routed request: %+v", router.lastReq)
	}
	if v, ok := router.lastReq.Value.(float64); !ok || v != 42 {
		t.Fatalf("expected numeric payload decoded as float64(42), got %#v", router.lastReq.Value)
	}
}

func TestInitBridgeSkipsNonVariableListerPeers(t *testing.T) {
	s, _ := New(Config{Name: "mqtt1", Broker: "tcp://127.0.0.1:0"}, &fakeRouter{})
	if err := s.InitBridge(noopTransport{}); err != nil {
		t.Fatalf("InitBridge should be a no-op for a peer without writable variables: %v", err)
	}
}

type noopTransport struct{}

func (noopTransport) Name() string                      { return "peer" }
func (noopTransport) Kind() string                      { return "noop" }
func (noopTransport) Connected() bool                   { return true }
func (noopTransport) Connect(ctx context.Context) error { return nil }
func (noopTransport) Status() diagserver.TransportStatus {
	return diagserver.TransportStatus{Name: "peer", Kind: "noop", Connected: true}
}
