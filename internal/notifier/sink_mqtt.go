package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	logx "tankctl/pkg/logx"
)

type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Retained    bool
}

// MQTTSink publishes notifications to <prefix>/<tank_id>/events, or
// <prefix>/fleet/events for fleet-wide ones.
type MQTTSink struct {
	client mqtt.Client
	prefix string
	qos    byte
	retain bool
}

func NewMQTTSink(cfg MQTTConfig, log logx.Logger) (*MQTTSink, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("mqtt broker is empty")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt qos %d out of range", cfg.QoS)
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "tankctl-notifier"
	}
	prefix := strings.TrimRight(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "tankctl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.OnConnect = func(mqtt.Client) {
		log.Info("mqtt connected", logx.String("broker", cfg.Broker))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", logx.Err(err))
	}

	client := mqtt.NewClient(opts)
	// With ConnectRetry the token completes once connected; do not block startup on it.
	client.Connect()
	return &MQTTSink{client: client, prefix: prefix, qos: cfg.QoS, retain: cfg.Retained}, nil
}

func (m *MQTTSink) Name() string { return "mqtt" }

// Topic is where n is published.
func (m *MQTTSink) Topic(n Notification) string {
	id := n.DeviceID
	if id == "" {
		id = "fleet"
	}
	return m.prefix + "/" + id + "/events"
}

func (m *MQTTSink) Send(ctx context.Context, n Notification) error {
	body, err := marshalEnvelope(n)
	if err != nil {
		return err
	}
	tok := m.client.Publish(m.Topic(n), m.qos, m.retain, body)
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MQTTSink) Close() error {
	m.client.Disconnect(250)
	return nil
}

// envelope is the JSON form machine-facing sinks publish.
type envelope struct {
	Notification
	Severity string `json:"severity"`
}

func marshalEnvelope(n Notification) ([]byte, error) {
	b, err := json.Marshal(envelope{Notification: n, Severity: n.Severity.String()})
	if err != nil {
		return nil, fmt.Errorf("encode notification: %w", err)
	}
	return b, nil
}
