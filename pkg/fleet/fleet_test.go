package fleet

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-mesh/meridian/pkg/gossip"
	"github.com/meridian-mesh/meridian/pkg/types"
)

// loopbackBus delivers every published message synchronously to all
// subscribers, standing in for the mesh.
type loopbackBus struct {
	from types.ID

	mu       sync.Mutex
	handlers []gossip.Handler
}

func (b *loopbackBus) Publish(_ context.Context, kind string, payload []byte) (uuid.UUID, error) {
	b.mu.Lock()
	handlers := make([]gossip.Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	for _, h := range handlers {
		h(b.from, kind, payload)
	}
	return uuid.New(), nil
}

func (b *loopbackBus) Subscribe(h gossip.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func TestWorkerCompletesTask(t *testing.T) {
	bus := &loopbackBus{from: types.ID{1}}
	ctx := context.Background()

	worker := NewWorker(bus)
	worker.Handle("scrape", func(_ context.Context, task Task) (map[string]any, error) {
		assert.Equal(t, "https://example.com", task.Params["url"])
		return map[string]any{"items": 3.0}, nil
	})
	worker.Start(ctx)

	dispatcher := NewDispatcher(bus)
	var events []Event
	dispatcher.OnEvent(func(_ types.ID, ev Event) {
		events = append(events, ev)
	})

	task := NewTask(uuid.New(), "scrape", map[string]any{"url": "https://example.com"})
	_, err := dispatcher.SubmitTask(ctx, task)
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, EventTaskCompleted, events[0].Kind)
	assert.Equal(t, task.Entity, events[0].Entity)
	assert.Equal(t, task.ID.String(), events[0].Fields["task_id"])
	assert.Equal(t, 3.0, events[0].Fields["items"])
}

func TestWorkerReportsFailure(t *testing.T) {
	bus := &loopbackBus{from: types.ID{1}}
	ctx := context.Background()

	worker := NewWorker(bus)
	worker.Handle("scrape", func(_ context.Context, _ Task) (map[string]any, error) {
		return nil, errors.New("upstream returned 503")
	})
	worker.Start(ctx)

	dispatcher := NewDispatcher(bus)
	var events []Event
	dispatcher.OnEvent(func(_ types.ID, ev Event) {
		events = append(events, ev)
	})

	_, err := dispatcher.SubmitTask(ctx, NewTask(uuid.New(), "scrape", nil))
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, EventTaskFailed, events[0].Kind)
	assert.Equal(t, "upstream returned 503", events[0].Fields["error"])
}

func TestWorkerIgnoresUnhandledKinds(t *testing.T) {
	bus := &loopbackBus{from: types.ID{1}}
	ctx := context.Background()

	worker := NewWorker(bus)
	worker.Handle("scrape", func(_ context.Context, _ Task) (map[string]any, error) {
		t.Fatal("handler must not run for other kinds")
		return nil, nil
	})
	worker.Start(ctx)

	dispatcher := NewDispatcher(bus)
	var events []Event
	dispatcher.OnEvent(func(_ types.ID, ev Event) {
		events = append(events, ev)
	})

	_, err := dispatcher.SubmitTask(ctx, NewTask(uuid.New(), "transcode", nil))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestNewEventRejectsNonObjectFields(t *testing.T) {
	_, err := NewEvent("task.completed", uuid.New(), []string{"not", "a", "map"})
	require.Error(t, err)

	ev, err := NewEvent("task.completed", uuid.New(), struct {
		Count int `json:"count"`
	}{Count: 2})
	require.NoError(t, err)
	assert.Equal(t, 2.0, ev.Fields["count"])
}
