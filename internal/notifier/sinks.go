package notifier

import (
	"errors"
	"fmt"
	"io"

	logx "tankctl/pkg/logx"
)

// SinksConfig enables each sink whose destination is set.
type SinksConfig struct {
	Webhook  WebhookConfig
	Telegram TelegramConfig
	MQTT     MQTTConfig
	AMQP     AMQPConfig
}

// SinkSet is the built sinks plus what needs closing on shutdown.
type SinkSet struct {
	Sinks []Sink
	// Telegram is set when the telegram sink is enabled; it doubles as the
	// log forwarder.
	Telegram *TelegramSink
	closers  []io.Closer
}

func BuildSinks(cfg SinksConfig, log logx.Logger) (*SinkSet, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	set := &SinkSet{}
	if cfg.Webhook.URL != "" {
		s, err := NewWebhookSink(cfg.Webhook)
		if err != nil {
			return nil, err
		}
		set.Sinks = append(set.Sinks, s)
	}
	if cfg.Telegram.Token != "" {
		s, err := NewTelegramSink(cfg.Telegram)
		if err != nil {
			return nil, fmt.Errorf("telegram sink: %w", err)
		}
		set.Sinks = append(set.Sinks, s)
		set.Telegram = s
	}
	if cfg.MQTT.Broker != "" {
		s, err := NewMQTTSink(cfg.MQTT, log.With(logx.String("sink", "mqtt")))
		if err != nil {
			_ = set.Close()
			return nil, err
		}
		set.Sinks = append(set.Sinks, s)
		set.closers = append(set.closers, s)
	}
	if cfg.AMQP.URL != "" {
		s, err := NewAMQPSink(cfg.AMQP, log.With(logx.String("sink", "amqp")))
		if err != nil {
			_ = set.Close()
			return nil, err
		}
		set.Sinks = append(set.Sinks, s)
		set.closers = append(set.closers, s)
	}
	return set, nil
}

func (s *SinkSet) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}
