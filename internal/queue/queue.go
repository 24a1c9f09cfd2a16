package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/klamai/proposal-dispatch/pkg/logger"
	"github.com/klamai/proposal-dispatch/pkg/prom"
	"github.com/klamai/proposal-dispatch/pkg/redis"
)

const (
	fieldData        = "data"
	fieldPublishedAt = "published_at"
	metaPrefix       = "meta_"
	dlqSuffix        = ":dlq"
)

var ErrAlreadyAcked = errors.New("message already acknowledged")

// Message is one stream entry handed to a Handler.
type Message struct {
	ID          string
	Data        []byte
	Metadata    map[string]string
	PublishedAt time.Time
	// Deliveries counts how many times the entry was handed to a consumer,
	// this delivery included.
	Deliveries int64

	mu    sync.Mutex
	acked bool
	queue *Queue
}

// Ack removes the message from the pending list of the consumer group.
func (m *Message) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acked {
		return ErrAlreadyAcked
	}
	m.acked = true
	return m.queue.ack(m.ID)
}

func (m *Message) isAcked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked
}

// Decode unmarshals the JSON payload into v.
func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

// Handler processes one message. A nil error acks the message; an error
// leaves it pending so it is claimed again after VisibilityTimeout.
type Handler func(ctx context.Context, msg *Message) error

type Config struct {
	Name              string
	ConsumerGroup     string
	ConsumerName      string
	MaxDeliveries     int64
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	BatchSize         int64
	MaxLen            int64
	EnableDLQ         bool
}

type Queue struct {
	adapter redis.RedisAdapter
	config  Config
	handler Handler
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Stats struct {
	Length    int64
	Pending   int64
	Consumers int64
}

func New(adapter redis.RedisAdapter, config Config) (*Queue, error) {
	if config.Name == "" {
		return nil, errors.New("queue name is required")
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = "default-group"
	}
	if config.ConsumerName == "" {
		config.ConsumerName = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	if config.MaxDeliveries <= 0 {
		config.MaxDeliveries = 3
	}
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = 5 * time.Minute
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}

	err := adapter.XGroupCreateMkStream(config.Name, config.ConsumerGroup, "0")
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	return &Queue{adapter: adapter, config: config}, nil
}

func (q *Queue) Name() string {
	return q.config.Name
}

// Publish appends data to the stream and returns the entry id.
func (q *Queue) Publish(ctx context.Context, data []byte, metadata map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	values := map[string]interface{}{
		fieldData:        string(data),
		fieldPublishedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range metadata {
		values[metaPrefix+k] = v
	}

	id, err := q.adapter.XAdd(q.config.Name, values)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", q.config.Name, err)
	}

	if q.config.MaxLen > 0 {
		if err := q.adapter.XTrimApprox(q.config.Name, q.config.MaxLen); err != nil {
			logger.Warn("[queue] trim failed", "queue", q.config.Name, "error", err)
		}
	}
	return id, nil
}

func (q *Queue) PublishJSON(ctx context.Context, v any, metadata map[string]string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	return q.Publish(ctx, data, metadata)
}

// Consume starts the poll loop in the background. Stop ends it.
func (q *Queue) Consume(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("message handler is required")
	}
	if q.cancel != nil {
		return errors.New("queue is already consuming")
	}

	ctx, q.cancel = context.WithCancel(ctx)
	q.handler = handler
	q.wg.Add(1)
	go q.loop(ctx)
	return nil
}

func (q *Queue) loop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Poll(ctx)
		}
	}
}

// Poll reads one batch of new entries, then reclaims entries other
// consumers left pending for longer than VisibilityTimeout.
func (q *Queue) Poll(ctx context.Context) {
	entries, err := q.adapter.XReadGroup(q.config.ConsumerGroup, q.config.ConsumerName, q.config.Name, ">", q.config.BatchSize, 0)
	if err != nil && !errors.Is(err, redis.NilError) {
		logger.Error("[queue] read failed", "queue", q.config.Name, "error", err)
	}
	for _, entry := range entries {
		msg := q.toMessage(entry)
		msg.Deliveries = 1
		q.handle(ctx, msg)
	}

	q.reclaim(ctx)
}

func (q *Queue) reclaim(ctx context.Context) {
	stale, err := q.adapter.XPendingExt(q.config.Name, q.config.ConsumerGroup, q.config.VisibilityTimeout, q.config.BatchSize)
	if err != nil || len(stale) == 0 {
		return
	}

	deliveries := make(map[string]int64, len(stale))
	ids := make([]string, 0, len(stale))
	for _, p := range stale {
		deliveries[p.ID] = p.RetryCount
		ids = append(ids, p.ID)
	}

	claimed, err := q.adapter.XClaim(q.config.Name, q.config.ConsumerGroup, q.config.ConsumerName, q.config.VisibilityTimeout, ids...)
	if err != nil {
		logger.Warn("[queue] claim failed", "queue", q.config.Name, "error", err)
		return
	}
	for _, entry := range claimed {
		msg := q.toMessage(entry)
		msg.Deliveries = deliveries[entry.ID] + 1
		if msg.Deliveries > q.config.MaxDeliveries {
			q.deadLetter(msg)
			continue
		}
		q.handle(ctx, msg)
	}
}

func (q *Queue) handle(ctx context.Context, msg *Message) {
	ctx, cancel := context.WithTimeout(ctx, q.config.VisibilityTimeout)
	defer cancel()

	if err := q.handler(ctx, msg); err != nil {
		logger.Warn("[queue] handler failed, message left pending", "queue", q.config.Name, "id", msg.ID, "deliveries", msg.Deliveries, "error", err)
		return
	}
	if msg.isAcked() {
		return
	}
	if err := msg.Ack(); err != nil {
		logger.Error("[queue] ack failed", "queue", q.config.Name, "id", msg.ID, "error", err)
	}
}

func (q *Queue) ack(id string) error {
	return q.adapter.XAck(q.config.Name, q.config.ConsumerGroup, id)
}

func (q *Queue) deadLetter(msg *Message) {
	if q.config.EnableDLQ {
		values := map[string]interface{}{
			fieldData:     string(msg.Data),
			"original_id": msg.ID,
			"deliveries":  msg.Deliveries,
			"failed_at":   time.Now().UTC().Format(time.RFC3339Nano),
		}
		for k, v := range msg.Metadata {
			values[metaPrefix+k] = v
		}
		if _, err := q.adapter.XAdd(q.config.Name+dlqSuffix, values); err != nil {
			logger.Error("[queue] dead letter failed", "queue", q.config.Name, "id", msg.ID, "error", err)
			return
		}
	}
	logger.Warn("[queue] message dropped after max deliveries", "queue", q.config.Name, "id", msg.ID, "deliveries", msg.Deliveries)
	_ = msg.Ack()
}

func (q *Queue) toMessage(entry redis.StreamMessage) *Message {
	msg := &Message{
		ID:       entry.ID,
		Metadata: make(map[string]string),
		queue:    q,
	}
	for k, v := range entry.Values {
		s, _ := v.(string)
		switch {
		case k == fieldData:
			msg.Data = []byte(s)
		case k == fieldPublishedAt:
			msg.PublishedAt, _ = time.Parse(time.RFC3339Nano, s)
		case strings.HasPrefix(k, metaPrefix):
			msg.Metadata[strings.TrimPrefix(k, metaPrefix)] = s
		}
	}
	return msg
}

// Stop cancels the poll loop and waits up to timeout for the in-flight
// batch to finish.
func (q *Queue) Stop(timeout time.Duration) error {
	if q.cancel == nil {
		return nil
	}
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("timeout waiting for queue to stop")
	}
}

// Stats reports stream length and pending entries and publishes the pending
// gauge.
func (q *Queue) Stats() (*Stats, error) {
	length, err := q.adapter.XLen(q.config.Name)
	if err != nil {
		return nil, err
	}
	stats := &Stats{Length: length}

	pending, err := q.adapter.XPending(q.config.Name, q.config.ConsumerGroup)
	if err == nil && pending != nil {
		stats.Pending = pending.Count
		stats.Consumers = int64(len(pending.Consumers))
	}
	prom.SetQueuePending(q.config.Name, stats.Pending)
	return stats, nil
}

// DeadLetterLength returns the number of entries in the dead letter stream.
func (q *Queue) DeadLetterLength() (int64, error) {
	return q.adapter.XLen(q.config.Name + dlqSuffix)
}
