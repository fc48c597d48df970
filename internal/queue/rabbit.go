package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/franzego/barber-reminders/internal/config"
	"github.com/franzego/barber-reminders/internal/models"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMqClient publishes reminder lifecycle events to a topic exchange,
// routed by event type (reminder.sent, reminder.failed, subscription.removed).
type RabbitMqClient struct {
	Conn    *amqp.Connection
	Channel *amqp.Channel
	Config  config.RabbitMQConfig

	connected atomic.Bool
}

func NewRabbitMqService(cfg config.RabbitMQConfig) (*RabbitMqClient, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("there was an error connecting to rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not create a channel: %w", err)
	}
	client := &RabbitMqClient{
		Conn:    conn,
		Channel: channel,
		Config:  cfg,
	}
	client.connected.Store(true)

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		<-closed
		client.connected.Store(false)
	}()

	if err := client.SetUpExchange(); err != nil {
		client.CloseConnection()
		return nil, err
	}
	return client, nil
}

func (r *RabbitMqClient) CloseConnection() {
	r.Channel.Close()
	r.Conn.Close()
}

func (r *RabbitMqClient) IsConnected() bool {
	return r.connected.Load() && !r.Conn.IsClosed()
}

// set up our exchange
func (r *RabbitMqClient) SetUpExchange() error {
	if err := r.Channel.ExchangeDeclare(
		r.Config.Exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	); err != nil {
		return fmt.Errorf("error in declaring exchange %s: %w", r.Config.Exchange, err)
	}
	return nil
}

func (r *RabbitMqClient) Publish(ctx context.Context, routingKey string, message interface{}) error {
	by, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	err = r.Channel.PublishWithContext(
		ctx,
		r.Config.Exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         by,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (r *RabbitMqClient) PublishReminderEvent(ctx context.Context, event models.ReminderEvent) error {
	return r.Publish(ctx, event.Type, event)
}
