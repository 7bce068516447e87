/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package broker

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// ErrPoison marks a message that can never be processed. It is dropped
// instead of being requeued.
var ErrPoison = errors.New("poison message")

// Handler processes one message body. A nil error acks the message, an error
// wrapping ErrPoison rejects it, anything else requeues it.
type Handler func(ctx context.Context, body []byte) error

type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := SanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Consumer{conn: conn, ch: ch}, nil
}

// Consume binds a durable queue to exchange with routingKey and hands every
// message to handler until ctx is cancelled or the channel closes.
func (c *Consumer) Consume(ctx context.Context, exchange, queue, routingKey string, handler Handler) error {
	if err := c.ch.ExchangeDeclare(exchange, exchangeKind, true, false, false, false, nil); err != nil {
		return err
	}
	q, err := c.ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return err
	}
	if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
		return err
	}
	if err := c.ch.Qos(10, 0, false); err != nil {
		return err
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			handleDelivery(ctx, d, handler)
		}
	}
}

func handleDelivery(ctx context.Context, d amqp.Delivery, handler Handler) {
	fields := logrus.Fields{
		"routing_key": d.RoutingKey,
		"message_id":  d.MessageId,
	}

	err := handler(ctx, d.Body)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			logrus.WithFields(fields).WithError(ackErr).Error("failed to ack message")
		}
	case errors.Is(err, ErrPoison):
		logrus.WithFields(fields).WithError(err).Error("dropping unprocessable message")
		if rejErr := d.Reject(false); rejErr != nil {
			logrus.WithFields(fields).WithError(rejErr).Error("failed to reject message")
		}
	default:
		logrus.WithFields(fields).WithError(err).Warn("handler failed; re-queuing")
		if nackErr := d.Nack(false, true); nackErr != nil {
			logrus.WithFields(fields).WithError(nackErr).Error("failed to nack message")
		}
	}
}

func (c *Consumer) Close() {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}
