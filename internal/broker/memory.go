package broker

import (
	"context"
	"sync"
)

// MemoryProducer records published messages for tests. It can fail a number
// of publishes to exercise retry paths.
type MemoryProducer struct {
	mu        sync.Mutex
	published map[string][]Message

	FailTimes int
	FailWith  error
}

func NewMemoryProducer() *MemoryProducer {
	return &MemoryProducer{published: make(map[string][]Message)}
}

func (p *MemoryProducer) Publish(ctx context.Context, topic string, msg Message) error {
	_ = ctx
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailTimes > 0 {
		p.FailTimes--
		return p.FailWith
	}
	p.published[topic] = append(p.published[topic], msg)
	return nil
}

// Published returns the messages recorded for a topic.
func (p *MemoryProducer) Published(topic string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.published[topic]))
	copy(out, p.published[topic])
	return out
}
