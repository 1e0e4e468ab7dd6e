package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/mdrrmo/fieldsync/internal/config"
)

// MQTTClient is the subset of the paho client the sink uses, so tests can
// substitute it.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	IsConnected() bool
}

// MQTTSink republishes hub messages on an MQTT topic for field devices and
// accepts REQUEST_SYNC on <topic>/commands.
type MQTTSink struct {
	cfg       config.MQTTConfig
	hub       *Hub
	onRequest func()
	logger    *slog.Logger

	clientFactory func(opts *mqtt.ClientOptions) MQTTClient
	client        MQTTClient
	sub           *Subscription
	wg            sync.WaitGroup
}

// NewMQTTSink creates a sink backed by the paho client.
func NewMQTTSink(cfg config.MQTTConfig, hub *Hub, onRequest func(), logger *slog.Logger) *MQTTSink {
	return NewMQTTSinkWithClient(cfg, hub, onRequest, logger, func(opts *mqtt.ClientOptions) MQTTClient {
		return mqtt.NewClient(opts)
	})
}

// NewMQTTSinkWithClient creates a sink with a custom client factory (for testing).
func NewMQTTSinkWithClient(cfg config.MQTTConfig, hub *Hub, onRequest func(), logger *slog.Logger, factory func(*mqtt.ClientOptions) MQTTClient) *MQTTSink {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Port == 0 {
		cfg.Port = 1883
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "fieldsync-" + uuid.NewString()[:8]
	}
	return &MQTTSink{
		cfg:           cfg,
		hub:           hub,
		onRequest:     onRequest,
		logger:        logger.With("sink", "mqtt"),
		clientFactory: factory,
	}
}

func (m *MQTTSink) commandsTopic() string { return m.cfg.Topic + "/commands" }

// Start connects to the broker and begins forwarding.
func (m *MQTTSink) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", m.cfg.Host, m.cfg.Port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(m.cfg.ClientID)

	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		m.logger.Warn("mqtt connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		m.logger.Info("mqtt connected, subscribing to commands", "topic", m.commandsTopic())
		if err := m.subscribeCommands(); err != nil {
			m.logger.Error("failed to subscribe", "error", err)
		}
	})

	m.client = m.clientFactory(opts)

	m.logger.Info("connecting to mqtt broker", "broker", brokerURL)
	token := m.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("connect to mqtt: timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt: %w", err)
	}

	m.sub = m.hub.Subscribe("mqtt")
	m.wg.Add(1)
	go m.forward(ctx)

	m.logger.Info("mqtt sink started", "topic", m.cfg.Topic)
	return nil
}

func (m *MQTTSink) subscribeCommands() error {
	token := m.client.Subscribe(m.commandsTopic(), 1, func(_ mqtt.Client, msg mqtt.Message) {
		var cmd Message
		if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
			m.logger.Warn("ignoring malformed command", "error", err)
			return
		}
		if cmd.Type == RequestSync && m.onRequest != nil {
			m.onRequest()
		}
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe %s: timeout", m.commandsTopic())
	}
	return token.Error()
}

func (m *MQTTSink) forward(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-m.sub.C:
			if !ok {
				return
			}
			if msg.Idle() {
				continue
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				m.logger.Error("marshal status message", "error", err)
				continue
			}
			// qos 0: the relay is at-most-once end to end
			token := m.client.Publish(m.cfg.Topic, 0, false, payload)
			if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
				m.logger.Warn("mqtt publish failed", "type", msg.Type, "error", token.Error())
			}
		}
	}
}

// Stop unsubscribes from the hub and disconnects.
func (m *MQTTSink) Stop() error {
	if m.sub != nil {
		m.hub.Unsubscribe(m.sub)
	}
	m.wg.Wait()
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
	m.logger.Info("mqtt sink stopped")
	return nil
}
