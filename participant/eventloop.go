package participant

import (
	"context"

	"go.gazette.dev/core/task"
)

// EventLoop is the Participant's single-threaded event loop (spec.md §5):
// every DataWriter timer callback (deadline/lifespan/liveliness) is
// posted here and runs serialized with respect to every other posted
// callback, on a single dispatcher goroutine, exactly as spec.md §5
// describes ("a callback posted from thread A may run on the event-loop
// thread at any later time and must acquire the writer mutex").
//
// Built on go.gazette.dev/core/task.Group, which the teacher uses for
// exactly this "group of cooperating, cancellable service loops" role
// (go/flow/ingest.go's tasks *task.Group).
type EventLoop struct {
	tasks  *task.Group
	postCh chan func()
}

// NewEventLoop constructs an EventLoop bound to ctx; cancelling ctx (or
// calling Cancel) begins shutdown.
func NewEventLoop(ctx context.Context) *EventLoop {
	var e = &EventLoop{
		tasks:  task.NewGroup(ctx),
		postCh: make(chan func(), 256),
	}
	e.tasks.Queue("participant.event-loop", e.run)
	return e
}

func (e *EventLoop) run() error {
	for {
		select {
		case fn := <-e.postCh:
			fn()
		case <-e.tasks.Context().Done():
			for {
				select {
				case fn := <-e.postCh:
					fn()
				default:
					return nil
				}
			}
		}
	}
}

// GoRun starts the event loop's dispatcher (and any workers registered
// via QueueWorker) as background goroutines.
func (e *EventLoop) GoRun() { e.tasks.GoRun() }

// Context is done once the event loop begins shutting down.
func (e *EventLoop) Context() context.Context { return e.tasks.Context() }

// Cancel begins graceful shutdown: posted callbacks already queued still
// run, but no further Post calls will be accepted.
func (e *EventLoop) Cancel() { e.tasks.Cancel() }

// Wait blocks until the dispatcher and every worker registered via
// QueueWorker have exited.
func (e *EventLoop) Wait() error { return e.tasks.Wait() }

// Post enqueues fn to run on the dispatcher goroutine. It returns false,
// without enqueuing fn, if the event loop is already shutting down —
// callers (timers) treat this the same as a closed writer (spec.md §5
// "Cancellation": "Closing a writer drains pending timer callbacks").
func (e *EventLoop) Post(fn func()) bool {
	if e.tasks.Context().Err() != nil {
		return false
	}
	select {
	case e.postCh <- fn:
		return true
	case <-e.tasks.Context().Done():
		return false
	}
}

// QueueWorker registers an additional long-running loop (e.g. a
// FlowController's delivery worker) under the same task.Group as the
// dispatcher, so Cancel/Wait also governs its lifecycle (Design Note 9:
// "a bounded thread pool for flow-controller workers ... and a single
// event-loop task/thread for timers").
func (e *EventLoop) QueueWorker(name string, fn func() error) {
	e.tasks.Queue(name, fn)
}
