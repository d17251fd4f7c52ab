package events

import (
	"context"
	"strings"
	stdsync "sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dedet2/crmsync/internal/metrics"
)

const (
	queueCapacity   = 1000
	historyCapacity = 1000
	streamCapacity  = 100
	defaultDebounce = 30 * time.Second
)

// Handler consumes one event. Returning an error increments the event's
// retry count but never stops dispatch to other handlers.
type Handler func(Event) error

// SyncTrigger runs an immediate sync scoped to one entity type. Invoked by
// the bridge when a debounce window closes. The returned error decides
// whether the bridge emits a sync_completed or a sync_failed event.
type SyncTrigger func(ctx context.Context, remoteStoreID, entityType string) error

// Statistics is a snapshot of the bridge's counters.
type Statistics struct {
	Processed     int            `json:"processed"`
	Dropped       int            `json:"dropped"`
	ByType        map[string]int `json:"by_type"`
	ActiveStreams int            `json:"active_streams"`
	QueueDepth    int            `json:"queue_depth"`
}

// Bridge consumes an internal event queue with a single worker, dispatches
// to registered handlers, debounces record-change bursts into single sync
// triggers and fans events out to named client streams.
type Bridge struct {
	mu        stdsync.Mutex
	queue     chan Event
	handlers  map[EventType][]Handler
	history   []Event
	streams   map[string]chan Event
	callbacks []func(Event)
	debouncer *Debouncer
	trigger   SyncTrigger
	resolve   func(remoteTable string) string
	processed int
	dropped   int
	byType    map[string]int
	stop      chan struct{}
	stopOnce  stdsync.Once
	wg        stdsync.WaitGroup
}

// Option configures a Bridge.
type BridgeOption func(*bridgeConfig)

type bridgeConfig struct {
	debounce time.Duration
	resolve  func(remoteTable string) string
}

// WithDebounceWindow overrides the default 30s record-change debounce.
func WithDebounceWindow(d time.Duration) BridgeOption {
	return func(c *bridgeConfig) { c.debounce = d }
}

// WithEntityResolver maps remote table names in webhook payloads onto local
// entity type names. Without it the table name is used as-is.
func WithEntityResolver(resolve func(remoteTable string) string) BridgeOption {
	return func(c *bridgeConfig) { c.resolve = resolve }
}

// NewBridge creates a bridge that triggers entity-scoped syncs through
// trigger once a record-change burst settles
func NewBridge(trigger SyncTrigger, opts ...BridgeOption) *Bridge {
	cfg := bridgeConfig{debounce: defaultDebounce}
	for _, opt := range opts {
		opt(&cfg)
	}

	b := &Bridge{
		queue:    make(chan Event, queueCapacity),
		handlers: make(map[EventType][]Handler),
		streams:  make(map[string]chan Event),
		byType:   make(map[string]int),
		trigger:  trigger,
		resolve:  cfg.resolve,
		stop:     make(chan struct{}),
	}
	b.debouncer = NewDebouncer(cfg.debounce, b.fireSync)
	return b
}

func (b *Bridge) resolveEntity(remoteTable string) string {
	if b.resolve == nil {
		return remoteTable
	}
	return b.resolve(remoteTable)
}

// Start launches the processing worker.
func (b *Bridge) Start(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		logrus.Info("Event bridge started")
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stop:
				return
			case event := <-b.queue:
				b.process(event)
			}
		}
	}()
}

// Stop halts the worker after the current event and shuts the debouncer
// down. Queued events are dropped.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.wg.Wait()
	b.debouncer.Stop()
	logrus.Info("Event bridge stopped")
}

// Emit enqueues an event without blocking. A full queue drops the event
// with a warning rather than stalling the caller.
func (b *Bridge) Emit(event Event) {
	select {
	case b.queue <- event:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"event_id":   event.ID,
			"event_type": event.Type,
		}).Warn("Event queue full, dropping event")
	}
}

// RegisterHandler attaches a handler to one event type.
func (b *Bridge) RegisterHandler(eventType EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// RegisterCallback attaches a callback invoked for every processed event,
// independent of its type.
func (b *Bridge) RegisterCallback(f func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, f)
}

// CreateStream opens a named client stream. Events are pushed non-blocking;
// a slow consumer loses events rather than stalling the worker.
func (b *Bridge) CreateStream(id string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.streams[id]; ok {
		return existing
	}
	ch := make(chan Event, streamCapacity)
	b.streams[id] = ch
	return ch
}

// RemoveStream closes and forgets a named stream.
func (b *Bridge) RemoveStream(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.streams[id]; ok {
		close(ch)
		delete(b.streams, id)
	}
}

// RecentEvents returns up to n most recent events, newest last.
func (b *Bridge) RecentEvents(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || n > len(b.history) {
		n = len(b.history)
	}
	out := make([]Event, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}

// Stats returns a snapshot of the bridge counters.
func (b *Bridge) Stats() Statistics {
	b.mu.Lock()
	defer b.mu.Unlock()

	byType := make(map[string]int, len(b.byType))
	for k, v := range b.byType {
		byType[k] = v
	}
	return Statistics{
		Processed:     b.processed,
		Dropped:       b.dropped,
		ByType:        byType,
		ActiveStreams: len(b.streams),
		QueueDepth:    len(b.queue),
	}
}

func (b *Bridge) process(event Event) {
	// Record-change events never sync immediately; they stretch the
	// debounce window for their (store, entity type) key instead.
	if event.isRecordChange() {
		b.debouncer.Touch(debounceKey(event.RemoteStoreID, event.EntityType))
	}

	b.mu.Lock()
	handlers := append([]Handler(nil), b.handlers[event.Type]...)
	callbacks := append([]func(Event){}, b.callbacks...)
	b.mu.Unlock()

	for _, h := range handlers {
		if err := h(event); err != nil {
			event.RetryCount++
			logrus.WithError(err).WithFields(logrus.Fields{
				"event_id":   event.ID,
				"event_type": event.Type,
			}).Warn("Event handler failed")
		}
	}
	event.Processed = true

	b.mu.Lock()
	b.processed++
	b.byType[string(event.Type)]++
	b.history = append(b.history, event)
	if len(b.history) > historyCapacity {
		b.history = b.history[1:]
	}
	streams := make([]chan Event, 0, len(b.streams))
	for _, ch := range b.streams {
		streams = append(streams, ch)
	}
	b.mu.Unlock()

	for _, ch := range streams {
		select {
		case ch <- event:
		default: // slow consumer, drop
		}
	}
	for _, f := range callbacks {
		f(event)
	}

	metrics.EventsProcessedTotal.WithLabelValues(string(event.Type)).Inc()
}

// fireSync runs when a debounce window closes with no newer change.
func (b *Bridge) fireSync(key string) {
	storeID, entityType := splitDebounceKey(key)

	event := NewEvent(EventSyncTriggered, SourceRemote, entityType)
	event.RemoteStoreID = storeID
	b.Emit(event)

	if b.trigger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	outcome := NewEvent(EventSyncCompleted, SourceRemote, entityType)
	outcome.RemoteStoreID = storeID
	if err := b.trigger(ctx, storeID, entityType); err != nil {
		outcome.Type = EventSyncFailed
		outcome.Payload = map[string]any{"error": err.Error()}
	}
	b.Emit(outcome)
}

func debounceKey(storeID, entityType string) string {
	return storeID + "|" + entityType
}

func splitDebounceKey(key string) (string, string) {
	parts := strings.SplitN(key, "|", 2)
	if len(parts) != 2 {
		return "", key
	}
	return parts[0], parts[1]
}
