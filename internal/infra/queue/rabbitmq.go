package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"pulseboard/internal/domain"
	"pulseboard/internal/infra/metrics"
)

// RabbitRefreshQueue реализует очередь задач обновления поверх AMQP.
type RabbitRefreshQueue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string

	consumeOnce sync.Once
	deliveries  <-chan amqp.Delivery
	consumeErr  error
}

// NewRabbitRefreshQueue подключается к RabbitMQ и объявляет durable-очередь.
func NewRabbitRefreshQueue(amqpURL, queue string) (*RabbitRefreshQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := channel.Qos(1, 0, false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &RabbitRefreshQueue{conn: conn, channel: channel, queue: queue}, nil
}

// Enqueue публикует задачу в очередь.
func (q *RabbitRefreshQueue) Enqueue(ctx context.Context, job domain.RefreshJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.channel.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Pop блокирующе читает задачу из очереди.
func (q *RabbitRefreshQueue) Pop(ctx context.Context) (domain.RefreshJob, error) {
	q.consumeOnce.Do(func() {
		q.deliveries, q.consumeErr = q.channel.Consume(q.queue, "", false, false, false, false, nil)
	})
	if q.consumeErr != nil {
		return domain.RefreshJob{}, fmt.Errorf("consume: %w", q.consumeErr)
	}
	for {
		select {
		case <-ctx.Done():
			return domain.RefreshJob{}, ctx.Err()
		case delivery, ok := <-q.deliveries:
			if !ok {
				if ctx.Err() != nil {
					return domain.RefreshJob{}, ctx.Err()
				}
				return domain.RefreshJob{}, errors.New("amqp queue: delivery channel closed")
			}
			var job domain.RefreshJob
			if err := json.Unmarshal(delivery.Body, &job); err != nil {
				_ = delivery.Nack(false, false)
				return domain.RefreshJob{}, fmt.Errorf("decode job: %w", err)
			}
			if err := delivery.Ack(false); err != nil {
				return domain.RefreshJob{}, fmt.Errorf("ack job: %w", err)
			}
			return job, nil
		}
	}
}

// Close освобождает соединение.
func (q *RabbitRefreshQueue) Close() error {
	if err := q.channel.Close(); err != nil {
		q.conn.Close()
		return err
	}
	return q.conn.Close()
}
