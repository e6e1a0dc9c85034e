package notify

import (
	"github.com/kilianp07/ocppgw/core/factory"
	"github.com/kilianp07/ocppgw/core/station"
	"github.com/kilianp07/ocppgw/infra/logger"
	inframqtt "github.com/kilianp07/ocppgw/infra/mqtt"
)

// MQTTConfig configures the "mqtt" notifier.
type MQTTConfig struct {
	inframqtt.Config `json:",squash"`
	TopicPrefix      string        `json:"topic_prefix"`
	Breaker          BreakerConfig `json:"breaker"`
}

type natsFactoryConfig struct {
	NATSConfig `json:",squash"`
	Breaker    BreakerConfig `json:"breaker"`
}

func init() {
	_ = station.RegisterNotifier("log", func(map[string]any) (station.Notifier, error) {
		return NewLogNotifier(logger.New("notify")), nil
	})
	_ = station.RegisterNotifier("mqtt", func(conf map[string]any) (station.Notifier, error) {
		var c MQTTConfig
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		if c.ClientID == "" {
			c.ClientID = "ocppgw-notify"
		}
		cli, err := inframqtt.NewPahoClient(c.Config)
		if err != nil {
			return nil, err
		}
		return NewBreakerNotifier("mqtt", NewMQTTNotifier(cli, c.TopicPrefix), c.Breaker, logger.New("notify")), nil
	})
	_ = station.RegisterNotifier("nats", func(conf map[string]any) (station.Notifier, error) {
		var c natsFactoryConfig
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		n, err := NewNATSNotifier(c.NATSConfig)
		if err != nil {
			return nil, err
		}
		return NewBreakerNotifier("nats", n, c.Breaker, logger.New("notify")), nil
	})
}
