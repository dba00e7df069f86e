package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	logx "tankctl/pkg/logx"
)

type AMQPConfig struct {
	URL      string
	Exchange string
}

// AMQPSink publishes notifications to a durable topic exchange with routing
// key tank.<event>. The connection is redialed on the next send after a drop.
type AMQPSink struct {
	url      string
	exchange string
	log      logx.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPSink(cfg AMQPConfig, log logx.Logger) (*AMQPSink, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("amqp url is empty")
	}
	ex := cfg.Exchange
	if ex == "" {
		ex = "tankctl.events"
	}
	return &AMQPSink{url: cfg.URL, exchange: ex, log: log}, nil
}

func (a *AMQPSink) Name() string { return "amqp" }

// RoutingKey is the key n is published with.
func RoutingKey(n Notification) string { return "tank." + n.Event }

func (a *AMQPSink) channel() (*amqp.Channel, error) {
	if a.ch != nil && !a.ch.IsClosed() {
		return a.ch, nil
	}
	if a.conn == nil || a.conn.IsClosed() {
		conn, err := amqp.Dial(a.url)
		if err != nil {
			return nil, fmt.Errorf("amqp dial: %w", err)
		}
		a.conn = conn
		a.log.Info("amqp connected", logx.String("exchange", a.exchange))
	}
	ch, err := a.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(a.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp declare exchange: %w", err)
	}
	a.ch = ch
	return ch, nil
}

func (a *AMQPSink) Send(ctx context.Context, n Notification) error {
	body, err := marshalEnvelope(n)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, err := a.channel()
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, a.exchange, RoutingKey(n), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    n.At,
		Type:         n.Event,
		Body:         body,
	})
}

func (a *AMQPSink) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	if a.ch != nil {
		errs = append(errs, a.ch.Close())
	}
	if a.conn != nil && !a.conn.IsClosed() {
		errs = append(errs, a.conn.Close())
	}
	a.ch, a.conn = nil, nil
	return errors.Join(errs...)
}
