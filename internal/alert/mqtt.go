package alert

import (
	"context"
	"time"

	"codeberg.org/mutker/zemo/internal/errors"
	"codeberg.org/mutker/zemo/internal/logger"
	"codeberg.org/mutker/zemo/internal/sensor"
	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	DefaultTopic    = "zemo/alerts"
	DefaultClientID = "zemo"

	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
}

// publisher is the part of the MQTT client the sink needs.
type publisher interface {
	Publish(topic string, payload []byte) error
	Close()
}

// MQTTSink publishes one message per sampling cycle to a broker.
type MQTTSink struct {
	pub      publisher
	topic    string
	identity func() (string, error)
	now      func() time.Time
	log      logger.Logger
}

// NewMQTTSink connects to the broker. identity names the device in the
// payload; settings.Store.DeviceIdentity is the usual source.
func NewMQTTSink(cfg MQTTConfig, identity func() (string, error)) (*MQTTSink, error) {
	pub, err := connect(cfg)
	if err != nil {
		return nil, err
	}

	return newMQTTSink(pub, cfg.Topic, identity), nil
}

func newMQTTSink(pub publisher, topic string, identity func() (string, error)) *MQTTSink {
	if topic == "" {
		topic = DefaultTopic
	}
	return &MQTTSink{
		pub:      pub,
		topic:    topic,
		identity: identity,
		now:      time.Now,
		log:      logger.With("alert"),
	}
}

func (s *MQTTSink) SendOutOfRange(ctx context.Context, handles []sensor.Handle) error {
	errFactory := errors.New()

	device, err := s.identity()
	if err != nil {
		// The alert still goes out without a device name.
		s.log.LogError(err)
		device = ""
	}

	payload, err := FormatPayload(device, CycleFrom(ctx), s.now(), handles)
	if err != nil {
		return errFactory.Wrap(ErrDispatchFailed, err)
	}

	if err := s.pub.Publish(s.topic, payload); err != nil {
		return errFactory.Wrap(ErrDispatchFailed, err)
	}

	s.log.Info().
		Str("topic", s.topic).
		Int("sensors", len(handles)).
		Msg("Out-of-range alert published")

	return nil
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() {
	s.pub.Close()
}

type pahoPublisher struct {
	client paho.Client
}

func connect(cfg MQTTConfig) (*pahoPublisher, error) {
	errFactory := errors.New()

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = DefaultClientID
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		// Stop the retry loop started by SetConnectRetry.
		client.Disconnect(0)
		return nil, errFactory.WithData(ErrConnectBroker, cfg.Broker)
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return nil, errFactory.Wrap(ErrConnectBroker, err)
	}

	return &pahoPublisher{client: client}, nil
}

func (p *pahoPublisher) Publish(topic string, payload []byte) error {
	// QoS 1: an alert should survive a reconnect.
	token := p.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New().WithData(ErrPublishTimeout, topic)
	}
	return token.Error()
}

func (p *pahoPublisher) Close() {
	p.client.Disconnect(1000)
}
