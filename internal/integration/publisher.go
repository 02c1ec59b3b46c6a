// Package integration publishes daemon lifecycle and client session events
// to external message brokers. Both transports are optional and configured
// independently; the device streaming path itself never goes through them.
package integration

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/vrui-vr/vrdeviced/internal/config"
)

// Publisher fans daemon events out to all configured brokers.
type Publisher struct {
	nc            *nats.Conn
	subjectPrefix string

	mq          mqtt.Client
	topicPrefix string
}

// New connects the configured brokers. A configured but unreachable broker
// is a startup error; unconfigured brokers are skipped silently.
func New(natsCfg config.NATSConfig, mqttCfg config.MQTTConfig) (*Publisher, error) {
	p := &Publisher{
		subjectPrefix: natsCfg.SubjectPrefix,
		topicPrefix:   mqttCfg.TopicPrefix,
	}

	if natsCfg.URL != "" {
		nc, err := nats.Connect(natsCfg.URL,
			nats.ReconnectWait(natsCfg.ReconnectInterval),
			nats.MaxReconnects(natsCfg.MaxReconnects))
		if err != nil {
			return nil, fmt.Errorf("connect NATS: %w", err)
		}
		p.nc = nc
		log.Info().Str("url", natsCfg.URL).Msg("NATS publisher connected")
	}

	if mqttCfg.Broker != "" {
		opts := mqtt.NewClientOptions().
			AddBroker(mqttCfg.Broker).
			SetClientID(mqttCfg.ClientID).
			SetUsername(mqttCfg.Username).
			SetPassword(mqttCfg.Password).
			SetConnectTimeout(10 * time.Second)
		client := mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			if p.nc != nil {
				p.nc.Close()
			}
			return nil, fmt.Errorf("connect MQTT: %w", token.Error())
		}
		p.mq = client
		log.Info().Str("broker", mqttCfg.Broker).Msg("MQTT publisher connected")
	}

	return p, nil
}

// Publish sends one event to every connected broker. The event name is
// appended to the configured subject/topic prefix; the payload is JSON.
// Publishing is best effort.
func (p *Publisher) Publish(event string, payload interface{}) {
	if p.nc == nil && p.mq == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Str("event", event).Msg("marshal event payload")
		return
	}
	if p.nc != nil {
		if err := p.nc.Publish(p.subjectPrefix+"."+event, data); err != nil {
			log.Warn().Err(err).Str("event", event).Msg("NATS publish failed")
		}
	}
	if p.mq != nil {
		p.mq.Publish(p.topicPrefix+"/"+event, 0, false, data)
	}
}

// Close disconnects all brokers.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
	if p.mq != nil {
		p.mq.Disconnect(250)
	}
}
