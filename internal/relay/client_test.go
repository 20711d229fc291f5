package relay

import (
	"errors"
	"testing"

	"github.com/AaronLay10/SceneForge/internal/events"
)

func TestClientEmitsConnectionEvents(t *testing.T) {
	events.Clear()
	c := NewClient(Config{BrokerURL: "tcp://broker:1883"})

	c.onConnect(nil)
	c.onConnectionLost(nil, errors.New("EOF"))

	var connected, lost *events.Event
	for _, e := range events.Snapshot() {
		switch e.Name {
		case "relay.connected":
			connected = &e
		case "relay.disconnected":
			lost = &e
		}
	}
	if connected == nil || connected.Field("broker") != "tcp://broker:1883" {
		t.Errorf("expected relay.connected with broker, got %+v", connected)
	}
	if lost == nil || lost.Field("error") != "EOF" || lost.Level != "warn" {
		t.Errorf("expected relay.disconnected with error, got %+v", lost)
	}
}

func TestNewClientDefaults(t *testing.T) {
	if b := NewClient(Config{}).Broker(); b != "tcp://localhost:1883" {
		t.Errorf("expected default broker, got %q", b)
	}
}
