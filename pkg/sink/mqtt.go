package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nimdanitro/greensens-scraper-go/pkg/config"
	"github.com/nimdanitro/greensens-scraper-go/pkg/greensens"
)

const publishTimeout = 5 * time.Second

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT publishes one retained state message per sensor under
// <prefix>/<hub>/<sensorID>/state plus an account status message.
type MQTT struct {
	client     publisher
	prefix     string
	log        *zap.Logger
	disconnect func()
}

func NewMQTT(cfg config.MQTTConfig, log *zap.Logger) (*MQTT, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn("mqtt connection lost", zap.Error(err))
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
		log.Info("reconnecting to mqtt broker", zap.String("broker", cfg.Broker))
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	log.Info("connected to mqtt broker", zap.String("broker", cfg.Broker))

	return &MQTT{
		client:     client,
		prefix:     strings.TrimRight(cfg.TopicPrefix, "/"),
		log:        log,
		disconnect: func() { client.Disconnect(250) },
	}, nil
}

func (m *MQTT) Write(ctx context.Context, snap greensens.Snapshot) (err error) {
	status, merr := json.Marshal(map[string]any{
		"authenticated": snap.Authenticated,
		"lastError":     snap.LastError,
		"hubs":          len(snap.Hubs),
		"notifications": snap.NotificationCount,
	})
	if merr != nil {
		err = multierr.Append(err, merr)
	} else {
		err = multierr.Append(err, m.publish(m.prefix+"/status", status))
	}

	if snap.Taken.IsZero() {
		return err
	}
	for _, hub := range snap.Hubs {
		for _, s := range hub.Sensors(false) {
			payload, merr := newReading(hub, s, snap.Taken).marshal()
			if merr != nil {
				err = multierr.Append(err, merr)
				continue
			}
			topic := fmt.Sprintf("%s/%s/%s/state", m.prefix, topicSegment(hub.Name()), topicSegment(s.ID()))
			err = multierr.Append(err, m.publish(topic, payload))
		}
	}
	return err
}

func (m *MQTT) publish(topic string, payload []byte) error {
	token := m.client.Publish(topic, 0, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	m.log.Debug("published", zap.String("topic", topic))
	return nil
}

func (m *MQTT) Close() error {
	if m.disconnect != nil {
		m.disconnect()
	}
	return nil
}

var topicReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_", " ", "_")

// topicSegment makes s safe to use as a single topic level.
func topicSegment(s string) string {
	return strings.ToLower(topicReplacer.Replace(s))
}
