package events

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

// MemoryBus is an in-process, partitioned bus with at-least-once delivery:
// a delivery whose handler fails is retried after RedeliveryDelay, blocking
// its partition so per-key order holds. Events are not durable across
// restarts; it backs single-process runs and tests.
//
// Until a topic has a subscriber its partitions buffer events; once a
// buffer is full further events for it are dropped, so publishers never
// wait on a topic nobody reads.
type MemoryBus struct {
	Logger          *slog.Logger
	RedeliveryDelay time.Duration
	// Capture keeps a copy of every published envelope for Published.
	Capture bool

	partitions int

	mu        sync.Mutex
	topics    map[string]*memoryTopic
	published map[string][]Envelope
}

type memoryTopic struct {
	parts      []chan Envelope
	subscribed bool
	dropped    uint64
}

const memoryPartitionBuffer = 1024

// NewMemoryBus returns a bus with the given number of partitions per topic.
func NewMemoryBus(partitions int) *MemoryBus {
	if partitions <= 0 {
		partitions = 1
	}
	return &MemoryBus{
		RedeliveryDelay: 50 * time.Millisecond,
		partitions:      partitions,
		topics:          make(map[string]*memoryTopic),
		published:       make(map[string][]Envelope),
	}
}

func (b *MemoryBus) topic(name string) *memoryTopic {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[name]
	if !ok {
		t = &memoryTopic{parts: make([]chan Envelope, b.partitions)}
		for i := range t.parts {
			t.parts[i] = make(chan Envelope, memoryPartitionBuffer)
		}
		b.topics[name] = t
	}
	return t
}

func partitionFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// Publish enqueues env on the partition selected by its key. With a
// subscriber attached it waits for room until ctx is done.
func (b *MemoryBus) Publish(ctx context.Context, topic string, env Envelope) error {
	t := b.topic(topic)
	part := t.parts[partitionFor(env.Key, len(t.parts))]

	b.mu.Lock()
	if b.Capture {
		b.published[topic] = append(b.published[topic], env)
	}
	subscribed := t.subscribed
	b.mu.Unlock()

	if !subscribed {
		select {
		case part <- env:
		default:
			b.drop(topic, t, env)
		}
		return nil
	}

	select {
	case part <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBus) drop(topic string, t *memoryTopic, env Envelope) {
	b.mu.Lock()
	t.dropped++
	n := t.dropped
	b.mu.Unlock()

	if n == 1 || n%memoryPartitionBuffer == 0 {
		b.logger().Warn("topic has no subscriber and its buffer is full, dropping events",
			"topic", topic, "event_id", env.ID, "type", env.Type, "dropped", n)
	}
}

// Dropped reports how many events published to topic were discarded
// because nobody consumed it.
func (b *MemoryBus) Dropped(topic string) uint64 {
	t := b.topic(topic)
	b.mu.Lock()
	defer b.mu.Unlock()
	return t.dropped
}

func (b *MemoryBus) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// Published returns a copy of every envelope published to topic while
// Capture was set.
func (b *MemoryBus) Published(topic string) []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Envelope, len(b.published[topic]))
	copy(out, b.published[topic])
	return out
}

// Subscribe consumes every partition of topic concurrently until ctx is
// done. Only one subscription per topic is allowed.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	t := b.topic(topic)

	b.mu.Lock()
	if t.subscribed {
		b.mu.Unlock()
		return fmt.Errorf("topic %s already has a subscriber", topic)
	}
	t.subscribed = true
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, ch := range t.parts {
		wg.Add(1)
		go func(ch chan Envelope) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case env := <-ch:
					b.deliver(ctx, topic, env, handler)
				}
			}
		}(ch)
	}
	wg.Wait()
	return nil
}

func (b *MemoryBus) deliver(ctx context.Context, topic string, env Envelope, handler Handler) {
	logger := b.logger()

	for attempt := 1; ; attempt++ {
		err := handler(ctx, env)
		if err == nil {
			return
		}

		var perm *Permanent
		if errors.As(err, &perm) {
			logger.Error("dropping undeliverable event", "topic", topic, "event_id", env.ID, "type", env.Type, "error", err)
			return
		}

		logger.Warn("event handler failed, redelivering", "topic", topic, "event_id", env.ID, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.RedeliveryDelay):
		}
	}
}
