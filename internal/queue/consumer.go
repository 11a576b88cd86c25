package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/labstack/gommon/log"
	amqp "github.com/rabbitmq/amqp091-go"
)

// SalesConsumer listens on the sales queue and appends one line per sale to
// a log file.
type SalesConsumer struct {
	URL     string
	Queue   string
	LogPath string
	Logger  *log.Logger
}

// NewSalesConsumer returns a consumer writing to logs/sales.log.
func NewSalesConsumer(url, queue string, logger *log.Logger) *SalesConsumer {
	if queue == "" {
		queue = SalesQueueName
	}
	if logger == nil {
		logger = log.New("sales-consumer")
	}
	return &SalesConsumer{
		URL:     url,
		Queue:   queue,
		LogPath: filepath.Join("logs", "sales.log"),
		Logger:  logger,
	}
}

// Run connects to RabbitMQ, declares the queue (durable) and consumes until
// ctx is cancelled.  Broker failures trigger a reconnect with exponential
// backoff capped at 30s; a message that cannot be handled is rejected
// without requeue so the loop keeps going.
func (c *SalesConsumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := amqp.Dial(c.URL)
		if err != nil {
			c.Logger.Warnf("sales-consumer: failed to dial broker: %v; retrying in %s", err, backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.Logger.Warnf("sales-consumer: consume loop ended: %v; reconnecting", err)
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *SalesConsumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.Logger.Warnf("sales-consumer: set QoS failed: %v", err)
	}
	if _, err := ch.QueueDeclare(c.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(c.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := c.Handle(d.Body); err != nil {
				c.Logger.Errorf("sales-consumer: handle message failed: %v", err)
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// Handle decodes one SeatsSoldEvent and appends it to LogPath.
func (c *SalesConsumer) Handle(body []byte) error {
	var ev SeatsSoldEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.LogPath), 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	f, err := os.OpenFile(c.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(FormatSale(ev)); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

// FormatSale renders the single-line log entry for a sale.
func FormatSale(ev SeatsSoldEvent) string {
	return fmt.Sprintf("[%s] Seats sold | event_id=%s | buyer_id=%s | total=%d cents | seats=[%s]\n",
		ev.SoldAt, ev.EventID, ev.BuyerID, ev.TotalPrice, strings.Join(ev.SeatIDs, ","))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
