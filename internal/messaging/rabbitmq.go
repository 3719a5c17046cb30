package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func dialRabbitMQ(url string) (*amqp.Connection, error) {
	var lastErr error
	for attempt := 1; attempt <= MaxConnectRetry; attempt++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			slog.Info("connected to rabbitmq")
			return conn, nil
		}
		lastErr = err
		slog.Warn("failed to connect to rabbitmq", "attempt", attempt, "max_attempts", MaxConnectRetry, "error", err)
		time.Sleep(RetryDelay)
	}
	return nil, fmt.Errorf("failed to connect to rabbitmq after %d attempts: %w", MaxConnectRetry, lastErr)
}

// openChannel opens a channel and declares the durable prediction queue on it.
func openChannel(conn *amqp.Connection) (*amqp.Channel, error) {
	channel, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	if _, err := channel.QueueDeclare(PredictionQueue, true, false, false, false, nil); err != nil {
		channel.Close()
		return nil, fmt.Errorf("failed to declare rabbitmq queue %s: %w", PredictionQueue, err)
	}

	return channel, nil
}

type RabbitMQPublisher struct {
	mu      sync.RWMutex
	url     string
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  sync.Once
	done    chan struct{}
}

var _ Publisher = (*RabbitMQPublisher)(nil)

func NewRabbitMQPublisher(url string) (*RabbitMQPublisher, error) {
	p := &RabbitMQPublisher{url: url, done: make(chan struct{})}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *RabbitMQPublisher) connect() error {
	conn, err := dialRabbitMQ(p.url)
	if err != nil {
		return err
	}

	channel, err := openChannel(conn)
	if err != nil {
		conn.Close()
		return err
	}

	p.conn, p.channel = conn, channel
	slog.Info("rabbitmq publisher ready", "queue", PredictionQueue)

	go p.watch(channel)

	return nil
}

func (p *RabbitMQPublisher) watch(channel *amqp.Channel) {
	notifyClose := channel.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case err, ok := <-notifyClose:
		if !ok {
			slog.Info("rabbitmq publisher channel closed")
			return
		}
		slog.Warn("rabbitmq publisher channel lost, reconnecting", "error", err)
	case <-p.done:
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.conn, p.channel = nil, nil
	for {
		select {
		case <-p.done:
			return
		default:
		}
		if err := p.connect(); err == nil {
			slog.Info("rabbitmq publisher reconnected")
			return
		}
		time.Sleep(RetryDelay * 10)
	}
}

func (p *RabbitMQPublisher) publish(ctx context.Context, queue string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", queue, err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.channel == nil || p.channel.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}

	err = p.channel.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		slog.Error("failed to publish task", "queue", queue, "error", err)
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}

	return nil
}

func (p *RabbitMQPublisher) PublishPredictionTask(ctx context.Context, payload PredictionTaskPayload) error {
	return p.publish(ctx, PredictionQueue, payload)
}

func (p *RabbitMQPublisher) Close() {
	p.closed.Do(func() {
		close(p.done)

		p.mu.RLock()
		defer p.mu.RUnlock()
		if p.conn != nil {
			if err := p.conn.Close(); err != nil {
				slog.Error("error closing rabbitmq connection", "error", err)
			}
		}
	})
}

type RabbitMQTask struct {
	d amqp.Delivery
}

func (t *RabbitMQTask) Type() string {
	return t.d.RoutingKey
}

func (t *RabbitMQTask) Payload() []byte {
	return t.d.Body
}

func (t *RabbitMQTask) Ack() error {
	return t.d.Ack(false)
}

// Nack drops the message. Failed tasks are recorded in the database and are
// not redelivered.
func (t *RabbitMQTask) Nack() error {
	return t.d.Nack(false, false)
}

func (t *RabbitMQTask) Reject() error {
	return t.d.Reject(false)
}

type RabbitMQReceiver struct {
	url      string
	prefetch int
	tasks    chan Task
	stop     chan struct{}
	stopOnce sync.Once
}

var _ Reciever = (*RabbitMQReceiver)(nil)

// NewRabbitMQReceiver starts consuming the prediction queue. prefetch bounds
// the number of unacknowledged deliveries and should match the number of
// workers reading from Tasks.
func NewRabbitMQReceiver(url string, prefetch int) (*RabbitMQReceiver, error) {
	r := &RabbitMQReceiver{
		url:      url,
		prefetch: max(prefetch, 1),
		tasks:    make(chan Task),
		stop:     make(chan struct{}),
	}

	if err := r.consume(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RabbitMQReceiver) consume() error {
	conn, err := dialRabbitMQ(r.url)
	if err != nil {
		return err
	}

	channel, err := openChannel(conn)
	if err != nil {
		conn.Close()
		return err
	}

	if err := channel.Qos(r.prefetch, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set channel qos: %w", err)
	}

	deliveries, err := channel.Consume(PredictionQueue, "", false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to consume from rabbitmq queue %s: %w", PredictionQueue, err)
	}

	go r.forward(deliveries)
	go r.watch(conn, channel)

	return nil
}

func (r *RabbitMQReceiver) forward(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		select {
		case r.tasks <- &RabbitMQTask{d: d}:
		case <-r.stop:
			// Unacknowledged deliveries are requeued by the broker once the
			// connection closes.
			return
		}
	}
}

func (r *RabbitMQReceiver) watch(conn *amqp.Connection, channel *amqp.Channel) {
	notifyClose := channel.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case err, ok := <-notifyClose:
		if !ok {
			slog.Info("rabbitmq consumer channel closed")
			return
		}

		slog.Warn("rabbitmq consumer channel lost, reconnecting", "error", err)
		for {
			select {
			case <-r.stop:
				return
			default:
			}
			if r.consume() == nil {
				slog.Info("rabbitmq consumer restarted")
				return
			}
			time.Sleep(RetryDelay * 10)
		}
	case <-r.stop:
		slog.Info("stopping rabbitmq consumer")
		if err := conn.Close(); err != nil {
			slog.Error("error closing rabbitmq connection", "error", err)
		}
	}
}

func (r *RabbitMQReceiver) Tasks() <-chan Task {
	return r.tasks
}

func (r *RabbitMQReceiver) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}
