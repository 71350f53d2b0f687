package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

const retryHeader = "x-retry-count"

// AMQPQueue carries send requests over a durable RabbitMQ queue. Delayed
// requests wait in a companion "<name>.retry" queue whose messages expire
// back into the main queue.
type AMQPQueue struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	mu   sync.Mutex

	name      string
	retryName string
	prefetch  int

	MaxRedeliveries int
	Log             zerolog.Logger
}

func DialAMQP(url, name string, prefetch int, log zerolog.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if prefetch <= 0 {
		prefetch = 10
	}
	q := &AMQPQueue{
		conn:            conn,
		ch:              ch,
		name:            name,
		retryName:       name + ".retry",
		prefetch:        prefetch,
		MaxRedeliveries: 3,
		Log:             log,
	}
	if err := q.declare(); err != nil {
		q.Close()
		return nil, err
	}
	return q, nil
}

func (q *AMQPQueue) declare() error {
	if _, err := q.ch.QueueDeclare(
		q.name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare queue %s: %w", q.name, err)
	}
	if _, err := q.ch.QueueDeclare(
		q.retryName,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": q.name,
		},
	); err != nil {
		return fmt.Errorf("declare queue %s: %w", q.retryName, err)
	}
	return q.ch.Qos(q.prefetch, 0, false)
}

func (q *AMQPQueue) Publish(_ context.Context, req SendRequest) error {
	return q.publish(q.name, req, 0, 0)
}

func (q *AMQPQueue) PublishDelayed(_ context.Context, req SendRequest, delay time.Duration) error {
	if delay <= 0 {
		return q.publish(q.name, req, 0, 0)
	}
	return q.publish(q.retryName, req, delay, 0)
}

func (q *AMQPQueue) publish(queue string, req SendRequest, delay time.Duration, retries int) error {
	msg, err := encodeRequest(req, delay, retries)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ch.Publish("", queue, false, false, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// Consume runs up to prefetch handlers at once and returns after the
// in-flight ones finish once ctx is cancelled.
func (q *AMQPQueue) Consume(ctx context.Context, h Handler) error {
	tag := "sender-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	q.mu.Lock()
	deliveries, err := q.ch.Consume(
		q.name,
		tag,
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	sem := make(chan struct{}, q.prefetch)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			_ = q.ch.Cancel(tag, false)
			q.mu.Unlock()
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer func() { <-sem; wg.Done() }()
				q.handle(ctx, h, d)
			}(d)
		}
	}
}

func (q *AMQPQueue) handle(ctx context.Context, h Handler, d amqp.Delivery) {
	var req SendRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		q.Log.Error().Err(err).Msg("invalid send request")
		_ = d.Ack(false)
		return
	}

	if err := h(ctx, req); err != nil {
		retries := retryCount(d.Headers)
		if retries < q.MaxRedeliveries {
			q.Log.Warn().Err(err).Int64("task_id", req.TaskID).Int("redelivery", retries+1).
				Msg("send request failed, redelivering")
			delay := time.Duration(retries+1) * time.Second
			if perr := q.publish(q.retryName, req, delay, retries+1); perr != nil {
				q.Log.Error().Err(perr).Int64("task_id", req.TaskID).Msg("requeue failed")
				_ = d.Nack(false, true)
				return
			}
		} else {
			q.Log.Error().Err(err).Int64("task_id", req.TaskID).Int("redeliveries", retries).
				Msg("dropping send request")
		}
	}
	_ = d.Ack(false)
}

func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

func encodeRequest(req SendRequest, delay time.Duration, retries int) (amqp.Publishing, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode send request: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if delay > 0 {
		ms := delay.Milliseconds()
		if ms < 1 {
			ms = 1
		}
		msg.Expiration = strconv.FormatInt(ms, 10)
	}
	if retries > 0 {
		msg.Headers = amqp.Table{retryHeader: int32(retries)}
	}
	return msg, nil
}

func retryCount(headers amqp.Table) int {
	switch v := headers[retryHeader].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int16:
		return int(v)
	default:
		return 0
	}
}

var _ Queue = (*AMQPQueue)(nil)
