package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"mediaq/internal/pkg/errors"
)

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher emits completion events to a durable topic exchange.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
}

func DialAMQP(url, exchange string) (*AMQPPublisher, error) {
	if exchange == "" {
		exchange = "mediaq.events"
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "notify.amqp", "connect to broker")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "notify.amqp", "open channel")
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "notify.amqp", "declare exchange")
	}
	p := newAMQPPublisher(ch, exchange)
	p.conn = conn
	return p, nil
}

func newAMQPPublisher(ch amqpChannel, exchange string) *AMQPPublisher {
	return &AMQPPublisher{ch: ch, exchange: exchange}
}

func (p *AMQPPublisher) Publish(ctx context.Context, pl Payload) error {
	body, err := json.Marshal(pl)
	if err != nil {
		return errors.Wrap(err, "notify.amqp", "encode payload")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, p.exchange, pl.RoutingKey(), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    pl.JobID,
		Timestamp:    time.Now().UTC(),
		Type:         "mediaq.job." + pl.State,
		Body:         body,
	})
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "notify.amqp", "publish").
			WithField("routing_key", pl.RoutingKey())
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
