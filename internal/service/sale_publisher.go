package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/labstack/gommon/log"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/event-seat-allocation/internal/queue"
)

// AMQPSalePublisher publishes SeatsSoldEvent messages to RabbitMQ.  A
// connection is dialed per publish; sales are rare next to reservations.
type AMQPSalePublisher struct {
	url   string
	queue string
	log   *log.Logger
}

func NewAMQPSalePublisher(url, queueName string, logger *log.Logger) *AMQPSalePublisher {
	if queueName == "" {
		queueName = queue.SalesQueueName
	}
	if logger == nil {
		logger = defaultLogger
	}
	return &AMQPSalePublisher{url: url, queue: queueName, log: logger}
}

// PublishSeatsSold sends ev as a persistent JSON message through the
// default exchange.  Errors are logged and returned so the caller can
// ignore them.
func (p *AMQPSalePublisher) PublishSeatsSold(ctx context.Context, ev queue.SeatsSoldEvent) error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		p.log.Errorf("rabbitmq: dial failed: %v", err)
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		p.log.Errorf("rabbitmq: channel open failed: %v", err)
		return err
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(
		p.queue, // name
		true,    // durable
		false,   // autoDelete
		false,   // exclusive
		false,   // noWait
		nil,     // args
	); err != nil {
		p.log.Errorf("rabbitmq: queue declare failed: %v", err)
		return err
	}

	body, err := json.Marshal(ev)
	if err != nil {
		p.log.Errorf("rabbitmq: marshal event failed: %v", err)
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", p.queue, false, false, pub); err != nil {
		p.log.Errorf("rabbitmq: publish failed: %v", err)
		return err
	}
	return nil
}
