package audit

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultMQTTConnectTimeout = 10 * time.Second
	defaultMQTTPublishTimeout = 5 * time.Second
	defaultMQTTKeepAlive      = 60 * time.Second
	maxQoS                    = 2
)

// ErrMQTTNotConnected is returned when publishing while the broker link is down.
var ErrMQTTNotConnected = errors.New("mqtt: not connected")

// MQTTConfig configures the MQTT audit sink.
type MQTTConfig struct {
	BrokerURL   string `yaml:"broker_url"` // tcp://host:1883 or ssl://host:8883
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// mqttPublisher is the part of pahomqtt.Client the sink needs.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	IsConnected() bool
}

// MQTTSink publishes each event as JSON to
// {prefix}/{tenant}/{station}/{kind}.
type MQTTSink struct {
	client     mqttPublisher
	disconnect func()
	prefix     string
	qos        byte
	timeout    time.Duration
}

// DialMQTT connects to the broker and returns a sink publishing through it.
func DialMQTT(cfg MQTTConfig) (*MQTTSink, error) {
	if cfg.QoS > maxQoS {
		return nil, fmt.Errorf("mqtt: invalid qos %d", cfg.QoS)
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(defaultMQTTConnectTimeout)
	opts.SetKeepAlive(defaultMQTTKeepAlive)
	if strings.HasPrefix(cfg.BrokerURL, "ssl://") || strings.HasPrefix(cfg.BrokerURL, "tls://") {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(defaultMQTTConnectTimeout) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.BrokerURL, err)
	}

	sink := newMQTTSink(client, cfg.TopicPrefix, cfg.QoS)
	sink.disconnect = func() { client.Disconnect(250) }
	return sink, nil
}

func newMQTTSink(client mqttPublisher, prefix string, qos byte) *MQTTSink {
	if prefix == "" {
		prefix = "evserver/audit"
	}
	return &MQTTSink{
		client:  client,
		prefix:  strings.TrimSuffix(prefix, "/"),
		qos:     qos,
		timeout: defaultMQTTPublishTimeout,
	}
}

// Topic returns the topic an event is published to.
func (s *MQTTSink) Topic(e Event) string {
	return fmt.Sprintf("%s/%s/%s/%s", s.prefix, topicSegment(e.TenantID), topicSegment(e.StationID), e.Kind)
}

func (s *MQTTSink) Write(ctx context.Context, e Event) error {
	if !s.client.IsConnected() {
		return ErrMQTTNotConnected
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("mqtt: marshal event: %w", err)
	}

	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}

	token := s.client.Publish(s.Topic(e), s.qos, false, payload)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt: publish timed out after %v", timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish: %w", err)
	}
	return nil
}

func (s *MQTTSink) Close() error {
	if s.disconnect != nil {
		s.disconnect()
	}
	return nil
}

// topicSegment keeps MQTT wildcards and separators out of a topic level.
func topicSegment(v string) string {
	if v == "" {
		return "_"
	}
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(v)
}
