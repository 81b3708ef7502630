// Package notify fans out sensor lifecycle events to optional external
// subscribers: a CloudEvents HTTP push per statically configured endpoint,
// and an AMQP topic publish. Both transports are no-ops when unconfigured;
// neither ever blocks or fails ingestion.
package notify

import (
	"context"
	"fmt"
	"io"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/rs/zerolog"
	yaml "gopkg.in/yaml.v2"

	"github.com/mobilealerts/gateway-proxy/pkg/sensorframe"
)

// sensorAddedType and sensorUpdatedType are the CloudEvents types of the
// sensor lifecycle notifications; they match the AMQP topic names below.
const (
	sensorAddedType   = "mobilealerts.sensor.added"
	sensorUpdatedType = "mobilealerts.sensor.updated"
	eventSource       = "github.com/mobilealerts/gateway-proxy"
)

// SubscriberConfig is one CloudEvents push target.
type SubscriberConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// Config is the static notification-subscriber configuration, loaded from
// YAML.
type Config struct {
	Subscribers []SubscriberConfig `yaml:"subscribers"`
}

// LoadConfiguration parses a notification-subscriber configuration
// document.
func LoadConfiguration(r io.Reader) (*Config, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type sensorEvent struct {
	SensorID string `json:"sensorId"`
	Name     string `json:"name,omitempty"`
	TypeCode byte   `json:"typeCode"`
	Battery  string `json:"battery"`
}

func newSensorEvent(sensor *sensorframe.Sensor) sensorEvent {
	battery := "good"
	if sensor.LowBattery {
		battery = "low"
	}
	return sensorEvent{
		SensorID: fmt.Sprintf("%X", sensor.ID[:]),
		Name:     sensor.Name,
		TypeCode: byte(sensor.TypeCode),
		Battery:  battery,
	}
}

// sensorAddedMessage and sensorUpdatedMessage adapt sensorEvent to
// messaging.TopicMessage for AMQP publish.
type sensorAddedMessage struct {
	sensorEvent
}

func (sensorAddedMessage) ContentType() string { return "application/json" }
func (sensorAddedMessage) TopicName() string   { return "mobilealerts.sensor.added" }

type sensorUpdatedMessage struct {
	sensorEvent
}

func (sensorUpdatedMessage) ContentType() string { return "application/json" }
func (sensorUpdatedMessage) TopicName() string   { return "mobilealerts.sensor.updated" }

// Sender fans sensor lifecycle events out to whichever transports were
// configured. It implements handler.Handler, so it can be passed directly
// as a gateway session's handler or composed with others via handler.Multi.
type Sender struct {
	subscribers []SubscriberConfig
	messaging   messaging.MsgContext
	client      cloudevents.Client
	logger      zerolog.Logger
}

// New builds a Sender. cfg and messenger may each be nil, independently
// disabling that transport.
func New(cfg *Config, messenger messaging.MsgContext, logger zerolog.Logger) (*Sender, error) {
	s := &Sender{messaging: messenger, logger: logger}
	if cfg != nil {
		s.subscribers = cfg.Subscribers
	}
	if len(s.subscribers) > 0 {
		client, err := cloudevents.NewClientHTTP()
		if err != nil {
			return nil, fmt.Errorf("notify: failed to build cloudevents client: %w", err)
		}
		s.client = client
	}
	return s, nil
}

func (s *Sender) OnSensorAdded(sensor *sensorframe.Sensor) {
	s.publish(context.Background(), sensorAddedType, newSensorEvent(sensor), sensorAddedMessage{newSensorEvent(sensor)})
}

func (s *Sender) OnSensorUpdated(sensor *sensorframe.Sensor) {
	s.publish(context.Background(), sensorUpdatedType, newSensorEvent(sensor), sensorUpdatedMessage{newSensorEvent(sensor)})
}

func (s *Sender) publish(ctx context.Context, eventType string, data sensorEvent, topicMessage messaging.TopicMessage) {
	s.publishCloudEvent(ctx, eventType, data)
	s.publishOnTopic(ctx, topicMessage)
}

func (s *Sender) publishCloudEvent(ctx context.Context, eventType string, data sensorEvent) {
	if s.client == nil {
		return
	}

	event := cloudevents.NewEvent()
	event.SetID(fmt.Sprintf("%s:%d", data.SensorID, time.Now().UnixNano()))
	event.SetTime(time.Now())
	event.SetSource(eventSource)
	event.SetType(eventType)
	if err := event.SetData(cloudevents.ApplicationJSON, data); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode sensor event")
		return
	}

	for _, sub := range s.subscribers {
		target := cloudevents.ContextWithTarget(ctx, sub.Endpoint)
		if result := s.client.Send(target, event); cloudevents.IsUndelivered(result) {
			s.logger.Error().Err(result).Str("endpoint", sub.Endpoint).Msg("failed to deliver sensor event")
		}
	}
}

func (s *Sender) publishOnTopic(ctx context.Context, message messaging.TopicMessage) {
	if s.messaging == nil {
		return
	}
	if err := s.messaging.PublishOnTopic(ctx, message); err != nil {
		s.logger.Error().Err(err).Str("topic", message.TopicName()).Msg("failed to publish sensor event")
	}
}
