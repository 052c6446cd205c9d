package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Queue with the same semantics as the redis
// implementation. Used by tests and by single-binary local runs.
type Memory struct {
	mu   sync.Mutex
	msgs []*memMsg
}

type memMsg struct {
	id           string
	body         []byte
	corrID       string
	receiveCount int
	visibleAt    time.Time
}

func NewMemory() *Memory { return &Memory{} }

func (q *Memory) Send(_ context.Context, body []byte, correlationID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, &memMsg{
		id:     uuid.NewString(),
		body:   append([]byte(nil), body...),
		corrID: correlationID,
	})
	return nil
}

func (q *Memory) Receive(ctx context.Context, max int, wait, visibility time.Duration) ([]Message, error) {
	deadline := time.Now().Add(wait)
	for {
		if out := q.tryReceive(max, visibility); len(out) > 0 {
			return out, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (q *Memory) tryReceive(max int, visibility time.Duration) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var out []Message
	for _, m := range q.msgs {
		if len(out) >= max {
			break
		}
		if m.visibleAt.After(now) {
			continue
		}
		m.receiveCount++
		m.visibleAt = now.Add(visibility)
		out = append(out, Message{
			ID:            m.id,
			Body:          append([]byte(nil), m.body...),
			CorrelationID: m.corrID,
			ReceiveCount:  m.receiveCount,
			ReceiptHandle: m.id,
		})
	}
	return out
}

func (q *Memory) Delete(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.msgs {
		if m.id == receiptHandle {
			q.msgs = append(q.msgs[:i], q.msgs[i+1:]...)
			return nil
		}
	}
	return nil
}

// Len reports how many messages are stored, visible or not.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}
