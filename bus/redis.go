package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/smallnest/chaingraph/log"
)

// ErrSchemaVersion is returned for frames from an incompatible producer.
var ErrSchemaVersion = errors.New("bus: unsupported schema version")

// payloadField is the stream entry field carrying the JSON envelope.
const payloadField = "payload"

// DefaultCommandLRU is the per-partition capacity of the processed-command
// id set.
const DefaultCommandLRU = 4096

// Options configures the bus.
type Options struct {
	Addr     string
	Password string
	DB       int
	// Partitions per topic; default DefaultPartitions.
	Partitions int
	// MaxRetries bounds publish attempts; default 5.
	MaxRetries int
	// BaseBackoff is the first retry delay, doubled per attempt; default 50ms.
	BaseBackoff time.Duration
	// ReclaimMinIdle is how long an unacknowledged entry must sit pending
	// before a reclaim pass redelivers it; default 30s.
	ReclaimMinIdle time.Duration
	// ReclaimInterval paces the pending reclaim pass per partition; default 15s.
	ReclaimInterval time.Duration
	Logger          log.Logger
}

// Bus binds the three logical topics onto partitioned Redis Streams with
// consumer groups.
type Bus struct {
	client          *redis.Client
	partitions      int
	maxRetries      int
	baseBackoff     time.Duration
	reclaimMinIdle  time.Duration
	reclaimInterval time.Duration
	logger          log.Logger

	commandSeen []*seenLRU
}

// New connects a bus.
func New(opts Options) *Bus {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewWithClient(client, opts)
}

// NewWithClient wraps an existing client; tests hand in a miniredis-backed one.
func NewWithClient(client *redis.Client, opts Options) *Bus {
	partitions := opts.Partitions
	if partitions <= 0 {
		partitions = DefaultPartitions
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	backoff := opts.BaseBackoff
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}
	reclaimMinIdle := opts.ReclaimMinIdle
	if reclaimMinIdle <= 0 {
		reclaimMinIdle = 30 * time.Second
	}
	reclaimInterval := opts.ReclaimInterval
	if reclaimInterval <= 0 {
		reclaimInterval = 15 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	seen := make([]*seenLRU, partitions)
	for i := range seen {
		seen[i] = newSeenLRU(DefaultCommandLRU)
	}
	return &Bus{
		client:          client,
		partitions:      partitions,
		maxRetries:      maxRetries,
		baseBackoff:     backoff,
		reclaimMinIdle:  reclaimMinIdle,
		reclaimInterval: reclaimInterval,
		logger:          logger,
		commandSeen:     seen,
	}
}

// Close releases the client.
func (b *Bus) Close() error { return b.client.Close() }

// Partitions returns the per-topic partition count.
func (b *Bus) Partitions() int { return b.partitions }

func (b *Bus) streamKey(topic string, partition int) string {
	return fmt.Sprintf("%s:%d", topic, partition)
}

// publish XADDs the envelope to the partition owning the key, retrying
// transient failures with exponential backoff.
func (b *Bus) publish(ctx context.Context, topic, key string, envelope any) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("bus: marshal %s envelope: %w", topic, err)
	}
	stream := b.streamKey(topic, Partition(key, b.partitions))

	backoff := b.baseBackoff
	var lastErr error
	for attempt := 0; attempt < b.maxRetries; attempt++ {
		lastErr = b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: map[string]any{payloadField: data},
		}).Err()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.logger.Warn("publish to %s failed (attempt %d): %v", stream, attempt+1, lastErr)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("bus: publish to %s: %w", stream, lastErr)
}

// PublishCommand sends a command, stamping the schema version.
func (b *Bus) PublishCommand(ctx context.Context, cmd *Command) error {
	cmd.SchemaVersion = SchemaVersion
	return b.publish(ctx, TopicCommands, cmd.PartitionKey(), cmd)
}

// PublishTask sends a task to the worker group.
func (b *Bus) PublishTask(ctx context.Context, task *Task) error {
	task.SchemaVersion = SchemaVersion
	return b.publish(ctx, TopicTasks, task.ExecutionID, task)
}

// PublishEvent sends an execution event to the event topic.
func (b *Bus) PublishEvent(ctx context.Context, msg *EventMessage) error {
	msg.SchemaVersion = SchemaVersion
	return b.publish(ctx, TopicEvents, msg.ExecutionID, msg)
}

// EnsureGroup creates the consumer group on every partition of the topic,
// tolerating groups that already exist.
func (b *Bus) EnsureGroup(ctx context.Context, topic, group string) error {
	for p := 0; p < b.partitions; p++ {
		err := b.client.XGroupCreateMkStream(ctx, b.streamKey(topic, p), group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("bus: create group %s on %s: %w", group, b.streamKey(topic, p), err)
		}
	}
	return nil
}

// RemoveGroup destroys the consumer group on every partition of the topic.
// Per-process groups call this on shutdown so dead groups do not accumulate
// across restarts.
func (b *Bus) RemoveGroup(ctx context.Context, topic, group string) error {
	var firstErr error
	for p := 0; p < b.partitions; p++ {
		err := b.client.XGroupDestroy(ctx, b.streamKey(topic, p), group).Err()
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("bus: destroy group %s on %s: %w", group, b.streamKey(topic, p), err)
		}
	}
	return firstErr
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// RawHandler consumes one raw envelope. Returning an error leaves the entry
// pending for redelivery; nil acknowledges it.
type RawHandler func(ctx context.Context, partition int, payload []byte) error

// Consume reads the topic with one goroutine per partition until ctx is
// cancelled. At-least-once: entries are acknowledged only after the handler
// returns nil.
func (b *Bus) Consume(ctx context.Context, topic, group, consumer string, handler RawHandler) error {
	if err := b.EnsureGroup(ctx, topic, group); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	for p := 0; p < b.partitions; p++ {
		p := p
		g.Go(func() error { return b.consumePartition(ctx, topic, p, group, consumer, handler) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (b *Bus) consumePartition(ctx context.Context, topic string, partition int, group, consumer string, handler RawHandler) error {
	stream := b.streamKey(topic, partition)
	var lastReclaim time.Time
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Since(lastReclaim) >= b.reclaimInterval {
			b.reclaimPending(ctx, stream, partition, group, consumer, handler)
			lastReclaim = time.Now()
		}
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    16,
			Block:    250 * time.Millisecond,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Warn("read %s: %v", stream, err)
			select {
			case <-time.After(b.baseBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				b.deliver(ctx, stream, partition, group, msg, handler)
			}
		}
	}
}

// deliver runs the handler and acknowledges on success. A failed handler
// leaves the entry pending; the reclaim pass redelivers it once idle.
func (b *Bus) deliver(ctx context.Context, stream string, partition int, group string, msg redis.XMessage, handler RawHandler) {
	payload, _ := msg.Values[payloadField].(string)
	if err := handler(ctx, partition, []byte(payload)); err != nil {
		b.logger.Warn("handler for %s entry %s: %v", stream, msg.ID, err)
		return
	}
	if err := b.client.XAck(ctx, stream, group, msg.ID).Err(); err != nil {
		b.logger.Warn("ack %s entry %s: %v", stream, msg.ID, err)
	}
}

// reclaimPending redelivers entries stuck in the group's pending list past
// the min-idle threshold, covering both entries whose handler failed and
// entries abandoned by a crashed consumer.
func (b *Bus) reclaimPending(ctx context.Context, stream string, partition int, group, consumer string, handler RawHandler) {
	start := "0-0"
	for {
		msgs, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  b.reclaimMinIdle,
			Start:    start,
			Count:    16,
		}).Result()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
				b.logger.Warn("reclaim pending on %s: %v", stream, err)
			}
			return
		}
		for _, msg := range msgs {
			b.deliver(ctx, stream, partition, group, msg, handler)
		}
		if len(msgs) == 0 || next == "0-0" {
			return
		}
		start = next
	}
}

// ConsumeCommands decodes and dedupes commands by id (bounded LRU per
// partition), then hands them to the handler.
func (b *Bus) ConsumeCommands(ctx context.Context, group, consumer string, handler func(ctx context.Context, cmd *Command) error) error {
	return b.Consume(ctx, TopicCommands, group, consumer, func(ctx context.Context, partition int, payload []byte) error {
		var cmd Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			b.logger.Warn("drop malformed command: %v", err)
			return nil
		}
		if cmd.SchemaVersion != SchemaVersion {
			b.logger.Warn("drop command %s: %v", cmd.ID, ErrSchemaVersion)
			return nil
		}
		if b.commandSeen[partition].Contains(cmd.ID) {
			return nil
		}
		if err := handler(ctx, &cmd); err != nil {
			return err
		}
		// Recorded only after the handler succeeds, so a redelivery of a
		// failed command is not mistaken for a duplicate.
		b.commandSeen[partition].Add(cmd.ID)
		return nil
	})
}

// ConsumeTasks decodes tasks for the worker group.
func (b *Bus) ConsumeTasks(ctx context.Context, group, consumer string, handler func(ctx context.Context, task *Task) error) error {
	return b.Consume(ctx, TopicTasks, group, consumer, func(ctx context.Context, _ int, payload []byte) error {
		var task Task
		if err := json.Unmarshal(payload, &task); err != nil {
			b.logger.Warn("drop malformed task: %v", err)
			return nil
		}
		if task.SchemaVersion != SchemaVersion {
			return nil
		}
		return handler(ctx, &task)
	})
}

// ConsumeEvents decodes events, dropping duplicates by (executionId, index).
func (b *Bus) ConsumeEvents(ctx context.Context, group, consumer string, handler func(ctx context.Context, msg *EventMessage) error) error {
	dedupe := NewEventDeduper(DefaultCommandLRU)
	return b.Consume(ctx, TopicEvents, group, consumer, func(ctx context.Context, _ int, payload []byte) error {
		var msg EventMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			b.logger.Warn("drop malformed event: %v", err)
			return nil
		}
		if msg.SchemaVersion != SchemaVersion || msg.Event == nil {
			return nil
		}
		if dedupe.Seen(msg.ExecutionID, msg.Event.Index) {
			return nil
		}
		if err := handler(ctx, &msg); err != nil {
			return err
		}
		dedupe.Mark(msg.ExecutionID, msg.Event.Index)
		return nil
	})
}
