package events

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultReplayCapacity is the ring buffer size applied when a Bus is
// constructed with capacity <= 0.
const DefaultReplayCapacity = 10000

// DefaultSubscriberQueueSize bounds an async subscription's per-subscriber
// queue.
const DefaultSubscriberQueueSize = 256

// DeliveryMode selects how a subscription receives events.
type DeliveryMode int

const (
	// Sync runs the handler inline with Publish; a slow handler blocks the
	// publisher.
	Sync DeliveryMode = iota
	// Async runs the handler on a dedicated single-consumer goroutine fed by
	// a bounded queue; on overflow the oldest queued event is dropped and a
	// lag_warning event is published.
	Async
)

// Handler processes one event. Handlers must not block indefinitely under
// Sync delivery.
type Handler func(event *types.Event)

// Filter decides whether a subscription wants an event. A nil Filter
// matches everything.
type Filter func(event *types.Event) bool

// TypeFilter builds a Filter that matches any of the given types.
func TypeFilter(types_ ...types.EventType) Filter {
	set := make(map[types.EventType]struct{}, len(types_))
	for _, t := range types_ {
		set[t] = struct{}{}
	}
	return func(e *types.Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

// subscription is one registered consumer of the bus.
type subscription struct {
	id     uint64
	mode   DeliveryMode
	filter Filter
	handle Handler

	queue  chan *types.Event
	done   chan struct{}
	closed atomic.Bool
}

// Mirror is an external broker a Bus can additionally publish to, for
// multi-process subscribers (spec.md §4.4's optional external mirror).
// Implemented by RedisMirror; mirror failures never fail the in-process
// publish, they are surfaced as a mirror_failed event instead.
type Mirror interface {
	Publish(ctx context.Context, event *types.Event) error
	Close() error
}

// Persister durably records an event not tied to an agent-lifecycle
// transition (storage.Store.AppendEvent satisfies this). Installed via
// SetPersister so PublishDurable has somewhere to write team/budget/gateway/
// auto-improvement events. PublishDurable reserves a Seq from the Bus and
// hands the event to the Persister with that Seq already set, before
// fan-out, so the stored copy and the live copy carry the same number.
type Persister interface {
	AppendEvent(ctx context.Context, event *types.Event) error
}

// Bus is an in-process publish/subscribe event bus with a bounded
// ring-buffer replay log, grounded on the teacher's pkg/events.Broker
// (subscriber map + buffered channel + single dispatch goroutine),
// generalized with seq-stamped replay, per-subscription delivery mode, and
// an optional external mirror.
type Bus struct {
	mu            sync.RWMutex
	subs          map[uint64]*subscription
	nextSubID     uint64
	replay        []*types.Event
	capacity      int
	seq           uint64
	mirror        Mirror
	persister     Persister
	subscriberLen int
}

// NewBus constructs a Bus. capacity <= 0 selects DefaultReplayCapacity.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultReplayCapacity
	}
	return &Bus{
		subs:          make(map[uint64]*subscription),
		capacity:      capacity,
		subscriberLen: DefaultSubscriberQueueSize,
	}
}

// SetMirror installs (or clears, with nil) an external mirror.
func (b *Bus) SetMirror(m Mirror) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = m
}

// SetPersister installs (or clears, with nil) the Store PublishDurable
// writes through to.
func (b *Bus) SetPersister(p Persister) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.persister = p
}

// ReserveSeq mints the next seq from the Bus's counter without publishing
// anything. Callers that durably write an event through a path other than
// PublishDurable (the Lifecycle Manager's agent-transition events, written
// via Store.Transition) use this to stamp the event before the durable
// write, so the later Publish of the same event reuses it instead of
// minting a second, disagreeing seq.
func (b *Bus) ReserveSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	return b.seq
}

// PublishDurable reserves a seq, writes the event through the installed
// Persister (if any), and then publishes it — for events with no other
// durable home (team lifecycle, budget ladder, gateway, auto-improvement).
// A nil or failing Persister never blocks the in-process publish; a
// persist failure is logged and surfaced as a persist_failed event.
func (b *Bus) PublishDurable(ctx context.Context, event *types.Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Seq = b.ReserveSeq()

	b.mu.RLock()
	persister := b.persister
	b.mu.RUnlock()

	if persister != nil {
		if err := persister.AppendEvent(ctx, event); err != nil {
			log.Logger.Warn().Err(err).Str("event_id", event.ID).Msg("durable event persist failed")
			b.publishInternal(types.EventPersistFailed, "event_bus", map[string]interface{}{
				"original_event_id": event.ID,
				"error":             err.Error(),
			})
		}
	}

	b.Publish(ctx, event)
}

// Publish assigns the event a monotonic seq (unless one was already
// reserved, e.g. by PublishDurable or the Lifecycle Manager's ReserveSeq +
// Store.Transition pairing), appends it to the replay log, fans it out to
// every matching subscription per its delivery mode, and — if a mirror is
// configured — best-effort forwards it out of process.
func (b *Bus) Publish(ctx context.Context, event *types.Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	if event.Seq == 0 {
		b.seq++
		event.Seq = b.seq
	}
	b.replay = append(b.replay, event)
	if len(b.replay) > b.capacity {
		b.replay = b.replay[len(b.replay)-b.capacity:]
	}
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	mirror := b.mirror
	b.mu.Unlock()

	for _, s := range subs {
		if s.filter != nil && !s.filter(event) {
			continue
		}
		b.deliver(s, event)
	}

	if mirror != nil {
		if err := mirror.Publish(ctx, event); err != nil {
			log.Logger.Warn().Err(err).Str("event_id", event.ID).Msg("event mirror publish failed")
			b.publishInternal(types.EventMirrorFailed, "event_bus", map[string]interface{}{
				"original_event_id": event.ID,
				"error":              err.Error(),
			})
		}
	}
}

// deliver runs a Sync handler inline (recovering panics into a
// subscriber_error event) or enqueues onto an Async subscriber's queue,
// dropping the oldest queued event and emitting lag_warning on overflow.
func (b *Bus) deliver(s *subscription, event *types.Event) {
	if s.closed.Load() {
		return
	}

	if s.mode == Sync {
		b.runSync(s, event)
		return
	}

	select {
	case s.queue <- event:
	default:
		select {
		case <-s.queue:
		default:
		}
		select {
		case s.queue <- event:
		default:
		}
		if event.Type != types.EventLagWarning {
			b.publishInternal(types.EventLagWarning, "event_bus", map[string]interface{}{
				"subscription_id": s.id,
			})
		}
	}
}

func (b *Bus) runSync(s *subscription, event *types.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Logger.Error().Interface("panic", r).Msg("event bus subscriber panicked")
			if event.Type != types.EventSubscriberError {
				b.publishInternal(types.EventSubscriberError, "event_bus", map[string]interface{}{
					"subscription_id": s.id,
					"error":            r,
				})
			}
		}
	}()
	s.handle(event)
}

// publishInternal publishes a bus-internal event without recursing through
// delivery error handling.
func (b *Bus) publishInternal(t types.EventType, source string, payload map[string]interface{}) {
	b.Publish(context.Background(), &types.Event{Type: t, Source: source, Payload: payload})
}

// Subscribe registers a new consumer. For Async mode, Subscribe starts the
// dispatch goroutine; callers must eventually call the returned cancel func
// (or Unsubscribe) to release it.
func (b *Bus) Subscribe(mode DeliveryMode, filter Filter, handle Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	s := &subscription{id: id, mode: mode, filter: filter, handle: handle}
	if mode == Async {
		s.queue = make(chan *types.Event, b.subscriberLen)
		s.done = make(chan struct{})
		go b.runAsync(s)
	}
	b.subs[id] = s
	b.mu.Unlock()

	return func() { b.Unsubscribe(id) }
}

func (b *Bus) runAsync(s *subscription) {
	for {
		select {
		case event := <-s.queue:
			b.runSync(s, event)
		case <-s.done:
			return
		}
	}
}

// Unsubscribe stops and removes a subscription by id.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	s.closed.Store(true)
	if s.done != nil {
		close(s.done)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// GetRecent returns the last n events from the replay log, oldest first.
func (b *Bus) GetRecent(n int) []*types.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	start := len(b.replay) - n
	if start < 0 {
		start = 0
	}
	out := make([]*types.Event, len(b.replay)-start)
	copy(out, b.replay[start:])
	return out
}

// GetEvents filters the replay log by an optional predicate.
func (b *Bus) GetEvents(filter Filter) []*types.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*types.Event
	for _, e := range b.replay {
		if filter == nil || filter(e) {
			out = append(out, e)
		}
	}
	return out
}

// RedisMirror publishes events to a Redis pub/sub channel so multiple
// orchestrator processes can observe the same bus, grounded on
// itsneelabh-gomind's RedisSessionManager use of github.com/redis/go-redis/v9.
type RedisMirror struct {
	client  *redis.Client
	channel string
}

// NewRedisMirror connects to addr and returns a Mirror publishing to channel.
func NewRedisMirror(ctx context.Context, addr, channel string) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisMirror{client: client, channel: channel}, nil
}

func (m *RedisMirror) Publish(ctx context.Context, event *types.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return m.client.Publish(ctx, m.channel, data).Err()
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}
