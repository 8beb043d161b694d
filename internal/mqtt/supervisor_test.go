package mqtt

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/meshsight/mesh-gateway/internal/config"
)

type nopHandler struct{}

func (nopHandler) Handle(context.Context, string, []byte) {}

func TestBrokerURL(t *testing.T) {
	if got := brokerURL("mqtt.example.tw", 1883); got != "tcp://mqtt.example.tw:1883" {
		t.Errorf("expected tcp://mqtt.example.tw:1883, got %q", got)
	}
}

func TestInit_WorkerFanOut(t *testing.T) {
	s := NewSupervisor([]config.MQTTClientConfig{
		{
			Hosts:      []string{"a.example", "b.example"},
			Port:       1883,
			Identifier: "meshsight-tw",
			Topics:     []string{"msh/TW/2/e/#"},
			RetryTime:  30,
		},
		{
			Hosts:      []string{"c.example"},
			Port:       1884,
			Identifier: "meshsight-global",
			Topics:     []string{"msh/+/2/map/"},
			RetryTime:  60,
		},
	}, nopHandler{}, zap.NewNop())
	s.init(context.Background())

	if len(s.workers) != 3 {
		t.Fatalf("expected 3 workers (one per host), got %d", len(s.workers))
	}
	wantHosts := []string{"a.example", "b.example", "c.example"}
	wantLabels := []string{"meshsight-tw", "meshsight-tw", "meshsight-global"}
	for i, w := range s.workers {
		if w.host != wantHosts[i] {
			t.Errorf("worker %d: expected host %q, got %q", i, wantHosts[i], w.host)
		}
		if w.label != wantLabels[i] {
			t.Errorf("worker %d: expected label %q, got %q", i, wantLabels[i], w.label)
		}
	}
}

func TestInit_ClientOptions(t *testing.T) {
	s := NewSupervisor([]config.MQTTClientConfig{{
		Hosts:      []string{"mqtt.example.tw"},
		Port:       1883,
		Identifier: "meshsight-tw",
		Username:   "reader",
		Password:   "secret",
		Topics:     []string{"msh/TW/2/e/#", "msh/TW/2/map/"},
		RetryTime:  45,
	}}, nopHandler{}, zap.NewNop())
	s.init(context.Background())

	if len(s.workers) != 1 {
		t.Fatalf("expected 1 worker, got %d", len(s.workers))
	}
	r := s.workers[0].client.OptionsReader()
	servers := r.Servers()
	if len(servers) != 1 || servers[0].String() != "tcp://mqtt.example.tw:1883" {
		t.Errorf("expected broker tcp://mqtt.example.tw:1883, got %v", servers)
	}
	if got := r.ClientID(); got != "meshsight-tw" {
		t.Errorf("expected client id 'meshsight-tw', got %q", got)
	}
	if got := r.Username(); got != "reader" {
		t.Errorf("expected username 'reader', got %q", got)
	}
	if !r.ConnectRetry() || !r.AutoReconnect() {
		t.Error("expected connect retry and auto reconnect enabled")
	}
	if got := r.ConnectRetryInterval(); got != 45*time.Second {
		t.Errorf("expected connect retry interval 45s, got %v", got)
	}
	if got := r.MaxReconnectInterval(); got != 45*time.Second {
		t.Errorf("expected max reconnect interval 45s, got %v", got)
	}
	if got := len(s.workers[0].topics); got != 2 {
		t.Errorf("expected 2 subscriptions, got %d", got)
	}
}

func TestConnected(t *testing.T) {
	s := &Supervisor{workers: []*worker{{}, {}}}
	if s.Connected() {
		t.Error("expected not connected with all workers down")
	}
	s.workers[1].connected.Store(true)
	if !s.Connected() {
		t.Error("expected connected with one worker up")
	}
}
