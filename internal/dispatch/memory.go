package dispatch

import (
	"context"
	"sync"
)

const defaultMaxAttempts = 3

type item struct {
	id      string
	attempt int
}

// Memory is an in-process Dispatcher and Source backed by a buffered channel.
// It serves single-process deployments and tests.
type Memory struct {
	MaxAttempts int

	mu     sync.RWMutex
	ch     chan item
	closed bool

	deadMu sync.Mutex
	dead   []string
}

func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = 128
	}
	return &Memory{MaxAttempts: defaultMaxAttempts, ch: make(chan item, buffer)}
}

func (m *Memory) Enqueue(ctx context.Context, jobID string) error {
	return m.push(item{id: jobID})
}

// push never blocks; a full buffer is reported instead.
func (m *Memory) push(it item) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	select {
	case m.ch <- it:
		return nil
	default:
		return ErrQueueFull
	}
}

func (m *Memory) Deliveries(ctx context.Context) (<-chan Delivery, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case it, ok := <-m.ch:
				if !ok {
					return
				}
				d := &memDelivery{m: m, it: it}
				select {
				case out <- d:
				case <-ctx.Done():
					// hand it back for the next consumer
					_ = m.push(it)
					return
				}
			}
		}
	}()
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
	return nil
}

// Dead returns the ids rejected so far.
func (m *Memory) Dead() []string {
	m.deadMu.Lock()
	defer m.deadMu.Unlock()
	return append([]string(nil), m.dead...)
}

func (m *Memory) bury(id string) {
	m.deadMu.Lock()
	m.dead = append(m.dead, id)
	m.deadMu.Unlock()
}

type memDelivery struct {
	m  *Memory
	it item
}

func (d *memDelivery) JobID() string { return d.it.id }
func (d *memDelivery) Attempt() int  { return d.it.attempt }
func (d *memDelivery) Ack() error    { return nil }

func (d *memDelivery) Retry(ctx context.Context) error {
	next := item{id: d.it.id, attempt: d.it.attempt + 1}
	if d.m.MaxAttempts > 0 && next.attempt >= d.m.MaxAttempts {
		return d.Reject()
	}
	return d.m.push(next)
}

func (d *memDelivery) Reject() error {
	d.m.bury(d.it.id)
	return nil
}
