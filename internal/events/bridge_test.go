package events

import (
	"context"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDebounceCollapsesBursts tests that a burst of touches on one key fires
// exactly once after the window goes quiet
func TestDebounceCollapsesBursts(t *testing.T) {
	var mu stdsync.Mutex
	fired := make(map[string]int)

	d := NewDebouncer(50*time.Millisecond, func(key string) {
		mu.Lock()
		fired[key]++
		mu.Unlock()
	})
	defer d.Stop()

	for i := 0; i < 5; i++ {
		d.Touch("appTEST|revenue_streams")
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired["appTEST|revenue_streams"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Quiet period: no further firings
	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, fired["appTEST|revenue_streams"])
}

// TestDebounceKeysAreIndependent tests per-key isolation
func TestDebounceKeysAreIndependent(t *testing.T) {
	var mu stdsync.Mutex
	fired := make(map[string]int)

	d := NewDebouncer(30*time.Millisecond, func(key string) {
		mu.Lock()
		fired[key]++
		mu.Unlock()
	})
	defer d.Stop()

	d.Touch("appTEST|revenue_streams")
	d.Touch("appTEST|ai_agents")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired["appTEST|revenue_streams"] == 1 && fired["appTEST|ai_agents"] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// TestRecordChangeBurstTriggersOneSync tests the bridge end to end: five
// rapid record changes collapse into one entity-scoped sync trigger
func TestRecordChangeBurstTriggersOneSync(t *testing.T) {
	var mu stdsync.Mutex
	triggers := make(map[string]int)

	bridge := NewBridge(func(_ context.Context, storeID, entityType string) error {
		mu.Lock()
		triggers[storeID+"|"+entityType]++
		mu.Unlock()
		return nil
	}, WithDebounceWindow(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bridge.Start(ctx)
	defer bridge.Stop()

	for i := 0; i < 5; i++ {
		event := NewEvent(EventRecordUpdated, SourceRemote, "revenue_streams")
		event.RemoteStoreID = "appTEST"
		bridge.Emit(event)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return triggers["appTEST|revenue_streams"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, triggers["appTEST|revenue_streams"], "burst must collapse into one sync")
}

// TestHandlerErrorsDoNotStopDispatch tests isolation between handlers
func TestHandlerErrorsDoNotStopDispatch(t *testing.T) {
	bridge := NewBridge(nil, WithDebounceWindow(time.Hour))

	var mu stdsync.Mutex
	var calls []string
	bridge.RegisterHandler(EventSyncCompleted, func(Event) error {
		mu.Lock()
		calls = append(calls, "failing")
		mu.Unlock()
		return errors.New("handler exploded")
	})
	bridge.RegisterHandler(EventSyncCompleted, func(Event) error {
		mu.Lock()
		calls = append(calls, "healthy")
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bridge.Start(ctx)
	defer bridge.Stop()

	bridge.Emit(NewEvent(EventSyncCompleted, SourceScheduler, "revenue_streams"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 2
	}, 2*time.Second, 10*time.Millisecond)

	history := bridge.RecentEvents(1)
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].RetryCount)
	assert.True(t, history[0].Processed)
}

// TestCallbacksObserveProcessedEvents tests that registered callbacks run
// for every processed event regardless of its type
func TestCallbacksObserveProcessedEvents(t *testing.T) {
	bridge := NewBridge(nil, WithDebounceWindow(time.Hour))

	var mu stdsync.Mutex
	var seen []EventType
	bridge.RegisterCallback(func(e Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bridge.Start(ctx)
	defer bridge.Stop()

	bridge.Emit(NewEvent(EventRecordCreated, SourceRemote, "ai_agents"))
	bridge.Emit(NewEvent(EventSyncCompleted, SourceScheduler, "ai_agents"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventRecordCreated, EventSyncCompleted}, seen)
}

// TestTriggerOutcomeEmitsLifecycleEvents tests that a debounced sync trigger
// is followed by a sync_completed or sync_failed event matching its outcome
func TestTriggerOutcomeEmitsLifecycleEvents(t *testing.T) {
	bridge := NewBridge(func(_ context.Context, _, entityType string) error {
		if entityType == "retreat_events" {
			return errors.New("remote unavailable")
		}
		return nil
	}, WithDebounceWindow(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bridge.Start(ctx)
	defer bridge.Stop()

	ok := NewEvent(EventRecordUpdated, SourceRemote, "revenue_streams")
	ok.RemoteStoreID = "appTEST"
	bridge.Emit(ok)
	bad := NewEvent(EventRecordUpdated, SourceRemote, "retreat_events")
	bad.RemoteStoreID = "appTEST"
	bridge.Emit(bad)

	require.Eventually(t, func() bool {
		byType := bridge.Stats().ByType
		return byType["sync_completed"] == 1 && byType["sync_failed"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	var failed *Event
	for _, e := range bridge.RecentEvents(0) {
		if e.Type == EventSyncFailed {
			failed = &e
			break
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, "retreat_events", failed.EntityType)
	assert.Equal(t, "remote unavailable", failed.Payload["error"])
}

// TestStreamsReceiveEventsNonBlocking tests fan-out to named streams
func TestStreamsReceiveEventsNonBlocking(t *testing.T) {
	bridge := NewBridge(nil, WithDebounceWindow(time.Hour))

	stream := bridge.CreateStream("dashboard")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bridge.Start(ctx)
	defer bridge.Stop()

	sent := NewEvent(EventSyncCompleted, SourceScheduler, "ai_agents")
	bridge.Emit(sent)

	select {
	case got := <-stream:
		assert.Equal(t, sent.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("stream never received the event")
	}

	stats := bridge.Stats()
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, stats.ActiveStreams)

	bridge.RemoveStream("dashboard")
	assert.Equal(t, 0, bridge.Stats().ActiveStreams)
}
