// Package mqtt maintains the upstream broker connections and feeds every
// received message into the ingest pipeline.
package mqtt

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/meshsight/mesh-gateway/internal/config"
	"github.com/meshsight/mesh-gateway/internal/metrics"
)

// Handler consumes one raw message from any broker.
type Handler interface {
	Handle(ctx context.Context, topic string, payload []byte)
}

// Supervisor runs one worker per configured (client, host) pair. Workers
// reconnect on their own; the supervisor only tracks their state.
type Supervisor struct {
	clients []config.MQTTClientConfig
	handler Handler
	logger  *zap.Logger
	workers []*worker
}

type worker struct {
	label     string
	host      string
	topics    []string
	showError bool
	client    paho.Client
	connected atomic.Bool
}

func NewSupervisor(clients []config.MQTTClientConfig, handler Handler, logger *zap.Logger) *Supervisor {
	return &Supervisor{clients: clients, handler: handler, logger: logger}
}

// Start opens one connection per configured host. Connecting happens in
// the background; Connected reports when the first broker is up.
func (s *Supervisor) Start(ctx context.Context) {
	s.init(ctx)
	for _, w := range s.workers {
		w.client.Connect()
	}
}

func (s *Supervisor) init(ctx context.Context) {
	for _, cc := range s.clients {
		for _, host := range cc.Hosts {
			s.workers = append(s.workers, s.newWorker(ctx, cc, host))
		}
	}
}

func (s *Supervisor) newWorker(ctx context.Context, cc config.MQTTClientConfig, host string) *worker {
	w := &worker{
		label:     cc.Identifier,
		host:      host,
		topics:    cc.Topics,
		showError: cc.ShowErrorLog,
	}
	retry := time.Duration(cc.RetryTime) * time.Second

	opts := paho.NewClientOptions().
		AddBroker(brokerURL(host, cc.Port)).
		SetClientID(cc.Identifier).
		SetConnectRetry(true).
		SetConnectRetryInterval(retry).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(retry)
	if cc.Username != "" {
		opts.SetUsername(cc.Username)
		opts.SetPassword(cc.Password)
	}

	onMessage := func(_ paho.Client, m paho.Message) {
		metrics.MQTTMessagesTotal.WithLabelValues(w.label, w.host).Inc()
		s.handler.Handle(ctx, m.Topic(), m.Payload())
	}
	opts.SetOnConnectHandler(func(c paho.Client) {
		w.connected.Store(true)
		s.logger.Info("mqtt connected",
			zap.String("client", w.label),
			zap.String("host", w.host))
		// Subscriptions do not survive a clean-session reconnect, so they
		// are re-established on every connect.
		for _, topic := range w.topics {
			if token := c.Subscribe(topic, 0, onMessage); token.Wait() && token.Error() != nil {
				s.logger.Error("mqtt subscribe failed",
					zap.String("client", w.label),
					zap.String("host", w.host),
					zap.String("topic", topic),
					zap.Error(token.Error()))
			}
		}
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		w.connected.Store(false)
		metrics.MQTTReconnectsTotal.WithLabelValues(w.label, w.host).Inc()
		if w.showError {
			s.logger.Warn("mqtt connection lost",
				zap.String("client", w.label),
				zap.String("host", w.host),
				zap.Error(err))
			return
		}
		s.logger.Debug("mqtt connection lost",
			zap.String("client", w.label),
			zap.String("host", w.host),
			zap.Error(err))
	})

	w.client = paho.NewClient(opts)
	return w
}

// Connected reports whether at least one broker connection is up.
func (s *Supervisor) Connected() bool {
	for _, w := range s.workers {
		if w.connected.Load() {
			return true
		}
	}
	return false
}

// Close disconnects every worker, letting in-flight handlers finish.
func (s *Supervisor) Close() {
	for _, w := range s.workers {
		w.client.Disconnect(250)
	}
}

func brokerURL(host string, port int) string {
	return fmt.Sprintf("tcp://%s:%d", host, port)
}
