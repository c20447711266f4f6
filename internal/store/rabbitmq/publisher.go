package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AttemptHeader counts deliveries of a job across the retry queue.
const AttemptHeader = "x-attempt"

var ErrBadMessage = errors.New("bad job message")

type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

type JobMessage struct {
	JobID string `json:"job_id"`
}

// DecodeJob parses a delivery body; an empty job id is an error.
func DecodeJob(body []byte) (JobMessage, error) {
	var m JobMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return JobMessage{}, errors.Join(ErrBadMessage, err)
	}
	if strings.TrimSpace(m.JobID) == "" {
		return JobMessage{}, ErrBadMessage
	}
	return m, nil
}

// Topology names the three queues derived from the main queue name.
type Topology struct {
	Main  string
	Retry string
	DLQ   string
}

func TopologyFor(queue string) Topology {
	return Topology{Main: queue, Retry: queue + ".retry", DLQ: queue + ".dlq"}
}

// Declare creates the queues idempotently. Publisher and worker both call it,
// so the arguments must match on each side.
func Declare(ch *amqp.Channel, queue string) error {
	t := TopologyFor(queue)

	// DLQ
	if _, err := ch.QueueDeclare(
		t.DLQ,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		return err
	}

	// Retry queue: message TTL -> dead-letter back to main queue
	if _, err := ch.QueueDeclare(
		t.Retry,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": t.Main,
		},
	); err != nil {
		return err
	}

	// Main queue: dead-letter to DLQ on reject/nack(requeue=false)
	_, err := ch.QueueDeclare(
		t.Main,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": t.DLQ,
		},
	)
	return err
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := Declare(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

// NewPublisherFromChannel publishes on an already-declared channel owned by the caller.
func NewPublisherFromChannel(ch *amqp.Channel, queue string) *Publisher {
	return &Publisher{ch: ch, queue: queue}
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *Publisher) PublishJob(ctx context.Context, jobID string) error {
	return p.publish(ctx, p.queue, jobID, 0, 0)
}

// PublishRetry parks the job on the retry queue for delay; it comes back to
// the main queue with its attempt count bumped.
func (p *Publisher) PublishRetry(ctx context.Context, jobID string, attempt int, delay time.Duration) error {
	return p.publish(ctx, TopologyFor(p.queue).Retry, jobID, attempt, delay)
}

func (p *Publisher) publish(ctx context.Context, routingKey, jobID string, attempt int, ttl time.Duration) error {
	body, err := json.Marshal(JobMessage{JobID: jobID})
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
	}
	if attempt > 0 {
		msg.Headers = amqp.Table{AttemptHeader: int32(attempt)}
	}
	if ttl > 0 {
		msg.Expiration = strconv.FormatInt(ttl.Milliseconds(), 10)
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.ch.PublishWithContext(cctx,
		"",         // default exchange
		routingKey, // routing key = queue
		false,
		false,
		msg,
	)
}

// Attempt reads the attempt count of a delivery; first deliveries report 0.
func Attempt(d amqp.Delivery) int {
	switch v := d.Headers[AttemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
