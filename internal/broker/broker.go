// Package broker carries domain events between pipeline components over
// partitioned streams. Messages with the same partition key are delivered in
// order on a single lane; no ordering exists across keys.
package broker

import (
	"context"
	"hash/fnv"
)

// Message is the broker-level envelope. Key selects the partition lane and is
// always the affected track id.
type Message struct {
	ID      string
	Key     string
	Type    string
	Payload []byte
}

// Handler processes one message. Returning an error leaves the message
// pending so the same lane redelivers it before any newer message.
type Handler func(ctx context.Context, msg Message) error

type Producer interface {
	Publish(ctx context.Context, topic string, msg Message) error
}

// Consumer runs one ordered handler lane per partition until ctx is
// canceled. Each group receives every message on the topic; instances
// sharing a group split the partitions between them.
type Consumer interface {
	Consume(ctx context.Context, topic, group string, handler Handler) error
}

// PartitionFor maps a key onto one of n lanes.
func PartitionFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
