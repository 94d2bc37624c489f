package fleet

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridian-mesh/meridian/pkg/gossip"
	"github.com/meridian-mesh/meridian/pkg/types"
)

// Bus is the mesh publish surface fleet rides on, satisfied by the gossip
// runtime.
type Bus interface {
	Publish(ctx context.Context, kind string, payload []byte) (uuid.UUID, error)
	Subscribe(h gossip.Handler)
}

// Dispatcher submits tasks to the mesh and observes worker events.
type Dispatcher struct {
	log *zap.SugaredLogger
	bus Bus
}

func NewDispatcher(bus Bus) *Dispatcher {
	return &Dispatcher{
		log: zap.S().Named("fleet.dispatcher"),
		bus: bus,
	}
}

// SubmitTask floods the task to the mesh. Every worker handling the
// task's kind will run it; tasks that must run once need an ID-based
// claim at the application layer.
func (d *Dispatcher) SubmitTask(ctx context.Context, task Task) (uuid.UUID, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return uuid.Nil, err
	}
	d.log.Debugw("submitting task", "task", task.ID, "kind", task.Kind)
	return d.bus.Publish(ctx, KindTask, payload)
}

// PublishEvent floods an event to the mesh.
func (d *Dispatcher) PublishEvent(ctx context.Context, ev Event) (uuid.UUID, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return uuid.Nil, err
	}
	return d.bus.Publish(ctx, KindEvent, payload)
}

// OnEvent registers a callback for worker events. Undecodable events are
// logged and dropped.
func (d *Dispatcher) OnEvent(fn func(from types.ID, ev Event)) {
	d.bus.Subscribe(func(from types.ID, kind string, payload []byte) {
		if kind != KindEvent {
			return
		}
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			d.log.Warnw("dropping malformed event", "from", from.Short(), "err", err)
			return
		}
		fn(from, ev)
	})
}

// TaskFunc executes one task and returns the fields for the completion
// event.
type TaskFunc func(ctx context.Context, task Task) (map[string]any, error)

// Worker executes tasks of registered kinds and reports outcomes as
// events. Register handlers before Start; the handler table is not
// guarded after subscription.
type Worker struct {
	log *zap.SugaredLogger
	bus Bus

	mu       sync.Mutex
	handlers map[string]TaskFunc
	started  bool
}

func NewWorker(bus Bus) *Worker {
	return &Worker{
		log:      zap.S().Named("fleet.worker"),
		bus:      bus,
		handlers: make(map[string]TaskFunc),
	}
}

// Handle registers fn for tasks of the given kind.
func (w *Worker) Handle(kind string, fn TaskFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = fn
}

// Start subscribes the worker to task traffic.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	w.bus.Subscribe(func(from types.ID, kind string, payload []byte) {
		if kind != KindTask {
			return
		}
		var task Task
		if err := json.Unmarshal(payload, &task); err != nil {
			w.log.Warnw("dropping malformed task", "from", from.Short(), "err", err)
			return
		}
		w.run(ctx, task)
	})
}

func (w *Worker) run(ctx context.Context, task Task) {
	w.mu.Lock()
	fn, ok := w.handlers[task.Kind]
	w.mu.Unlock()
	if !ok {
		return
	}

	w.log.Infow("running task", "task", task.ID, "kind", task.Kind)
	fields, err := fn(ctx, task)
	if err != nil {
		w.report(ctx, EventTaskFailed, task, map[string]any{"task_id": task.ID.String(), "error": err.Error()})
		return
	}
	if fields == nil {
		fields = map[string]any{}
	}
	fields["task_id"] = task.ID.String()
	w.report(ctx, EventTaskCompleted, task, fields)
}

func (w *Worker) report(ctx context.Context, kind string, task Task, fields map[string]any) {
	ev, err := NewEvent(kind, task.Entity, fields)
	if err != nil {
		w.log.Errorw("building outcome event", "task", task.ID, "err", err)
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		w.log.Errorw("encoding outcome event", "task", task.ID, "err", err)
		return
	}
	if _, err := w.bus.Publish(ctx, KindEvent, payload); err != nil {
		w.log.Warnw("publishing outcome event", "task", task.ID, "err", err)
	}
}
