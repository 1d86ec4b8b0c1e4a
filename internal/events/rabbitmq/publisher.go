package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"credits-ledger/internal/credits"
)

const (
	RoutingKeyDebited  = "credits.debited"
	RoutingKeyCredited = "credits.credited"
)

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
}

// Publisher sends balance events to a topic exchange
type Publisher struct {
	channel  Channel
	exchange string
	logger   zerolog.Logger
}

// NewPublisher creates a publisher for exchange
func NewPublisher(ch Channel, exchange string) *Publisher {
	return &Publisher{
		channel:  ch,
		exchange: exchange,
		logger:   log.With().Str("component", "rabbitmq").Logger(),
	}
}

// DeclareExchange declares the durable topic exchange events go to
func DeclareExchange(ch Channel, exchange string) error {
	err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return nil
}

// Record publishes one event
func (p *Publisher) Record(ctx context.Context, event credits.Event) error {
	routingKey, err := RoutingKey(event.Type)
	if err != nil {
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(ctx,
		p.exchange, // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.ID,
			Timestamp:    event.OccurredAt,
			Type:         string(event.Type),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	p.logger.Debug().
		Str("routing_key", routingKey).
		Str("event_id", event.ID).
		Msg("event published")
	return nil
}

// RoutingKey maps an event type to its routing key
func RoutingKey(eventType credits.EventType) (string, error) {
	switch eventType {
	case credits.EventTypeDebit:
		return RoutingKeyDebited, nil
	case credits.EventTypeCredit:
		return RoutingKeyCredited, nil
	}
	return "", fmt.Errorf("unknown event type %q", eventType)
}
