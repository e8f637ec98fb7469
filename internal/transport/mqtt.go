package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"biowave/internal/config"
	"biowave/internal/logger"
)

// Device status payloads on the status topic.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

const disconnectQuiesceMs = 250

// MQTT subscribes to a gateway that republishes raw device notifications.
// Payloads on Topic are fragments; online/offline on StatusTopic mark
// sessions. Without a status topic every (re)connect starts a session.
// A lost broker connection always ends the session.
type MQTT struct {
	cfg config.MQTTConfig
	log *logger.Logger
}

func NewMQTT(cfg config.MQTTConfig, log *logger.Logger) *MQTT {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &MQTT{cfg: cfg, log: log}
}

func (m *MQTT) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.cfg.Broker)
	opts.SetClientID(m.cfg.ClientID)
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	opts.SetConnectTimeout(m.cfg.ConnectTimeout)
	return opts
}

func (m *MQTT) Run(ctx context.Context, sink Sink) error {
	opts := m.clientOptions()
	opts.OnConnect = func(c mqtt.Client) {
		if m.log != nil {
			m.log.Infow("mqtt_connected", "broker", m.cfg.Broker, "topic", m.cfg.Topic)
		}
		if err := m.subscribe(c, sink); err != nil && m.log != nil {
			m.log.Errorw("mqtt_subscribe_failed", "err", err)
		}
		if m.cfg.StatusTopic == "" {
			sink.OnSessionStart()
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		if m.log != nil {
			m.log.Warnw("mqtt_connection_lost", "broker", m.cfg.Broker, "err", err)
		}
		sink.OnSessionEnd()
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(m.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt connect %s: timeout after %s", m.cfg.Broker, m.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", m.cfg.Broker, err)
	}

	<-ctx.Done()
	client.Disconnect(disconnectQuiesceMs)
	sink.OnSessionEnd()
	return nil
}

func (m *MQTT) subscribe(c mqtt.Client, sink Sink) error {
	handler := func(_ mqtt.Client, msg mqtt.Message) { m.handle(sink, msg) }

	filters := map[string]byte{m.cfg.Topic: m.cfg.QoS}
	if m.cfg.StatusTopic != "" {
		filters[m.cfg.StatusTopic] = m.cfg.QoS
	}
	token := c.SubscribeMultiple(filters, handler)
	if !token.WaitTimeout(m.cfg.ConnectTimeout) {
		return fmt.Errorf("subscribe %s: timeout", m.cfg.Topic)
	}
	return token.Error()
}

// handle routes one message to the sink.
func (m *MQTT) handle(sink Sink, msg mqtt.Message) {
	if m.cfg.StatusTopic != "" && msg.Topic() == m.cfg.StatusTopic {
		switch strings.ToLower(strings.TrimSpace(string(msg.Payload()))) {
		case StatusOnline:
			sink.OnSessionStart()
		case StatusOffline:
			sink.OnSessionEnd()
		default:
			if m.log != nil {
				m.log.Debugw("mqtt_unknown_status", "payload", string(msg.Payload()))
			}
		}
		return
	}
	sink.OnChunk(msg.Payload())
}

// Publisher is a Sink that forwards to a broker in the layout MQTT reads.
// The emulate command uses it to stand in for a device gateway.
type Publisher struct {
	cfg    config.MQTTConfig
	client mqtt.Client
	log    *logger.Logger
}

// NewPublisher connects to the broker. The status topic carries a retained
// offline will so subscribers see the device vanish if the publisher dies.
func NewPublisher(cfg config.MQTTConfig, log *logger.Logger) (*Publisher, error) {
	src := NewMQTT(cfg, log)
	opts := src.clientOptions()
	if cfg.StatusTopic != "" {
		opts.SetWill(cfg.StatusTopic, StatusOffline, cfg.QoS, true)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		if log != nil {
			log.Warnw("mqtt_connection_lost", "broker", cfg.Broker, "err", err)
		}
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(src.cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return &Publisher{cfg: src.cfg, client: client, log: log}, nil
}

func (p *Publisher) OnChunk(chunk []byte) {
	// paho keeps the payload until the message is sent.
	p.publish(p.cfg.Topic, append([]byte(nil), chunk...), false)
}

func (p *Publisher) OnSessionStart() { p.status(StatusOnline) }

func (p *Publisher) OnSessionEnd() { p.status(StatusOffline) }

func (p *Publisher) status(s string) {
	if p.cfg.StatusTopic != "" {
		p.publish(p.cfg.StatusTopic, []byte(s), true)
	}
}

func (p *Publisher) publish(topic string, payload []byte, retained bool) {
	token := p.client.Publish(topic, p.cfg.QoS, retained, payload)
	if p.cfg.QoS == 0 {
		return
	}
	if !token.WaitTimeout(2*time.Second) && p.log != nil {
		p.log.Warnw("mqtt_publish_timeout", "topic", topic)
	} else if err := token.Error(); err != nil && p.log != nil {
		p.log.Warnw("mqtt_publish_failed", "topic", topic, "err", err)
	}
}

func (p *Publisher) Close() {
	p.client.Disconnect(disconnectQuiesceMs)
}
