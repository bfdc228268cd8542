// Package amqp publishes order status changes to a RabbitMQ topic exchange.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"storefront/pkg/order"
)

// Exchange is the topic exchange status events are published to. Routing
// keys have the form order.status.<status>.
const Exchange = "orders_topic"

// Channel is the subset of *amqp.Channel the notifier needs.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// StatusEvent is the JSON body of a published status change.
type StatusEvent struct {
	OrderID    string       `json:"orderId"`
	CustomerID string       `json:"customerId"`
	From       order.Status `json:"from"`
	To         order.Status `json:"to"`
	Version    int64        `json:"version"`
	ChangedAt  time.Time    `json:"changedAt"`
}

// Notifier implements pipeline.Notifier over an AMQP channel.
type Notifier struct {
	mu sync.Mutex // channels are not safe for concurrent publishes
	ch Channel

	conn *amqp.Connection
}

// New declares the exchange on ch and returns a notifier publishing to it.
func New(ch Channel) (*Notifier, error) {
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &Notifier{ch: ch}, nil
}

// Dial connects to url and returns a notifier owning the connection.
func Dial(url string) (*Notifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	n, err := New(ch)
	if err != nil {
		conn.Close()
		return nil, err
	}
	n.conn = conn
	return n, nil
}

// StatusChanged publishes o's new status as a persistent message.
func (n *Notifier) StatusChanged(ctx context.Context, o order.Order, from order.Status) error {
	body, err := json.Marshal(StatusEvent{
		OrderID:    o.ID,
		CustomerID: o.CustomerID,
		From:       from,
		To:         o.Status,
		Version:    o.Version,
		ChangedAt:  o.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch.PublishWithContext(ctx, Exchange, RoutingKey(o.Status), false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		ContentType:  "application/json",
		MessageId:    fmt.Sprintf("%s-%d", o.ID, o.Version),
		Body:         body,
	})
}

// RoutingKey returns the routing key for status.
func RoutingKey(status order.Status) string {
	return "order.status." + strings.ToLower(string(status))
}

// Close closes the connection opened by Dial.
func (n *Notifier) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Close()
}
