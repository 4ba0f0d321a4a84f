// Package chatbridge implements the optional chat-integration hook of
// spec.md §6: the engine emits suspend/resume/finish events carrying a
// conversation's chat id, but never reads anything back.
//
// Grounded on the teacher's internal/queue/queue.go RabbitMQQueue, adapted
// from a generic pub/sub wrapper into a single-purpose publisher bound to
// one exchange.
package chatbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

func marshalEvent(event ChatEvent) ([]byte, error) {
	return json.Marshal(event)
}

// EventRole mirrors the conversational role a ChatEvent represents.
type EventRole string

const (
	RoleAssistant EventRole = "assistant" // engine-originated prompt (Suspend)
	RoleUser      EventRole = "user"      // resumed input, echoed for the transcript
	RoleSystem    EventRole = "system"    // not emitted by the executor (Finish is recorded as RoleAssistant; Fail records nothing)
)

// ChatEvent is the payload recorded for one chat-visible moment in an
// instance's lifecycle (spec.md §6).
type ChatEvent struct {
	ChatID            string      `json:"chat_id"`
	UserID            string      `json:"user_id,omitempty"`
	InstanceID        string      `json:"instance_id"`
	Role              EventRole   `json:"role"`
	Payload           interface{} `json:"payload"`
	SchemaName        string      `json:"schema_name,omitempty"`
	SchemaDescription string      `json:"schema_description,omitempty"`
	System            bool        `json:"system,omitempty"`
	Timestamp         time.Time   `json:"timestamp"`
}

// ChatStore is the write-only sink the executor calls into. The engine
// never reads a ChatStore back; it only ever records.
type ChatStore interface {
	RecordEvent(ctx context.Context, event ChatEvent) error
}

const chatEventsExchange = "chat.events"

// AMQPChatBridge publishes ChatEvents to the chat.events topic exchange,
// routed by chat id so a downstream chat-delivery service can bind a queue
// per conversation.
type AMQPChatBridge struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *zap.Logger
}

// NewAMQPChatBridge dials url and declares the chat.events exchange,
// mirroring the teacher's NewRabbitMQQueue connect-then-open-channel
// sequence.
func NewAMQPChatBridge(url string, logger *zap.Logger) (*AMQPChatBridge, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("chatbridge: connect to rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("chatbridge: open channel: %w", err)
	}
	if err := channel.ExchangeDeclare(chatEventsExchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("chatbridge: declare exchange: %w", err)
	}
	return &AMQPChatBridge{conn: conn, channel: channel, logger: logger.With(zap.String("component", "chatbridge"))}, nil
}

// RecordEvent publishes event, routed by chat id so consumers can bind
// narrowly (spec.md §6: chat store "never reads back" — this is fire-and-
// forget from the engine's perspective).
func (b *AMQPChatBridge) RecordEvent(ctx context.Context, event ChatEvent) error {
	body, err := marshalEvent(event)
	if err != nil {
		return fmt.Errorf("chatbridge: marshal event: %w", err)
	}

	err = b.channel.Publish(
		chatEventsExchange,
		event.ChatID,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Timestamp:   event.Timestamp,
		},
	)
	if err != nil {
		return fmt.Errorf("chatbridge: publish: %w", err)
	}

	b.logger.Debug("chat event published",
		zap.String("chat_id", event.ChatID),
		zap.String("instance_id", event.InstanceID),
		zap.String("role", string(event.Role)),
	)
	return nil
}

func (b *AMQPChatBridge) Close() error {
	if b.channel != nil {
		_ = b.channel.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
