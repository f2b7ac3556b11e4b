package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/suPer8Hu/genstudio/internal/dispatch"
)

type ConsumerOptions struct {
	Prefetch    int
	MaxAttempts int
	RetryDelay  time.Duration
}

// Consumer is a dispatch.Source over the main queue. Retries go through the
// publisher's retry queue.
type Consumer struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	pub   *Publisher
	opts  ConsumerOptions
	log   zerolog.Logger
}

func NewConsumer(url, queue string, pub *Publisher, opts ConsumerOptions, log zerolog.Logger) (*Consumer, error) {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 10 * time.Second
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := declareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	// strict concurrency control
	if err := ch.Qos(opts.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Consumer{conn: conn, ch: ch, queue: queue, pub: pub, opts: opts, log: log}, nil
}

func (c *Consumer) Deliveries(ctx context.Context) (<-chan dispatch.Delivery, error) {
	msgs, err := c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, err
	}

	out := make(chan dispatch.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					c.log.Warn().Str("queue", c.queue).Msg("delivery channel closed")
					return
				}
				jobID, err := decodeJobID(d.Body)
				if err != nil {
					c.log.Error().Err(err).Msg("bad message, dead-lettering")
					_ = d.Nack(false, false)
					continue
				}
				del := &delivery{c: c, d: d, jobID: jobID, attempt: attemptOf(d.Headers)}
				select {
				case out <- del:
				case <-ctx.Done():
					// unacked; the broker redelivers after the channel closes
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func decodeJobID(body []byte) (string, error) {
	var m JobMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return "", err
	}
	id := strings.TrimSpace(m.JobID)
	if id == "" {
		return "", errors.New("empty job_id")
	}
	return id, nil
}

func attemptOf(h amqp.Table) int {
	switch v := h[attemptHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	}
	return 0
}

type delivery struct {
	c       *Consumer
	d       amqp.Delivery
	jobID   string
	attempt int
}

func (d *delivery) JobID() string { return d.jobID }
func (d *delivery) Attempt() int  { return d.attempt }
func (d *delivery) Ack() error    { return d.d.Ack(false) }
func (d *delivery) Reject() error { return d.d.Nack(false, false) }

func (d *delivery) Retry(ctx context.Context) error {
	next := d.attempt + 1
	if next >= d.c.opts.MaxAttempts || d.c.pub == nil {
		return d.Reject()
	}
	if err := d.c.pub.PublishRetry(ctx, d.jobID, next, d.c.opts.RetryDelay); err != nil {
		// fall back to the broker's own redelivery
		_ = d.d.Nack(false, true)
		return err
	}
	return d.d.Ack(false)
}
