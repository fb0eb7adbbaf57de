package trigger

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/model"
)

// State is the trigger's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateFlushing
	StateAwaitingConnectivity
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFlushing:
		return "flushing"
	case StateAwaitingConnectivity:
		return "awaiting-connectivity"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Connectivity reports whether the sync server is reachable.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// Task is a deferred wake registered with the host.
type Task interface {
	Cancel()
}

// Scheduler is the host's deferred-task facility. Schedule registers wake
// under tag; the host calls wake when it judges connectivity is back and
// calls it again, on its own schedule, while wake returns an error.
// Registering a tag that is already pending returns the pending task.
// Schedule must not invoke wake on the calling goroutine.
type Scheduler interface {
	Schedule(tag string, wake func(ctx context.Context) error) (Task, error)
}

// Observer is told about every successful flush.
type Observer func(Report)

// Trigger decides when to flush. Safe for concurrent use.
type Trigger struct {
	flusher   *Flusher
	conn      Connectivity
	scheduler Scheduler
	logger    zerolog.Logger

	flights singleflight.Group

	mu        sync.Mutex
	state     State
	wake      Task
	deferrals uint64 // bumped by every deferred request
	observers map[int]Observer
	nextObs   int
}

// New creates a trigger in the Idle state.
func New(flusher *Flusher, conn Connectivity, scheduler Scheduler, logger zerolog.Logger) *Trigger {
	return &Trigger{
		flusher:   flusher,
		conn:      conn,
		scheduler: scheduler,
		logger:    logger,
		observers: make(map[int]Observer),
	}
}

// State returns the current state.
func (t *Trigger) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Subscribe registers an observer and returns a function that removes it.
func (t *Trigger) Subscribe(fn Observer) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextObs
	t.nextObs++
	t.observers[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.observers, id)
	}
}

// Request is an explicit sync request.
//
// Online, it flushes now, or returns OutcomeSkipped if a flush is already
// running. Offline, it registers one deferred wake (coalesced with any
// pending one) and returns OutcomeDeferred without blocking.
func (t *Trigger) Request(ctx context.Context) (Report, error) {
	if !t.conn.Online(ctx) {
		return t.deferWake()
	}

	t.mu.Lock()
	if t.state == StateFlushing {
		t.mu.Unlock()
		t.logger.Debug().Msg("flush already in progress")
		return Report{Outcome: OutcomeSkipped}, nil
	}
	t.mu.Unlock()

	return t.flush(ctx)
}

// Wake is the host's callback for a deferred wake. It runs one flush to
// completion (joining a flush already in flight) and returns its error so the
// host can reschedule. On success the pending wake is released, unless a
// deferred request arrived while the flush ran: then the wake is registered
// again so the mutations behind that request still get flushed.
func (t *Trigger) Wake(ctx context.Context) error {
	t.mu.Lock()
	seen := t.deferrals
	t.mu.Unlock()

	if _, err := t.flush(ctx); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.deferrals != seen {
		task, err := t.scheduler.Schedule(model.SyncTag, t.Wake)
		if err == nil {
			t.wake = task
			t.state = StateAwaitingConnectivity
			t.logger.Debug().Msg("sync requested during background flush, wake kept")
			return nil
		}
		t.logger.Warn().Err(err).Msg("re-register background sync")
	}
	t.wake = nil
	if t.state == StateAwaitingConnectivity {
		t.state = StateIdle
	}
	return nil
}

// Retry hands a flush that failed transiently to the host, the same way an
// offline request does.
func (t *Trigger) Retry() error {
	_, err := t.deferWake()
	return err
}

func (t *Trigger) deferWake() (Report, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.deferrals++
	if t.wake == nil {
		task, err := t.scheduler.Schedule(model.SyncTag, t.Wake)
		if err != nil {
			return Report{Outcome: OutcomeFailed}, fmt.Errorf("register background sync: %w", err)
		}
		t.wake = task
		t.logger.Info().Str("tag", model.SyncTag).Msg("offline, sync queued for when you are back online")
	}
	if t.state == StateIdle {
		t.state = StateAwaitingConnectivity
	}
	return Report{Outcome: OutcomeDeferred}, nil
}

// flush runs the single shared flight.
func (t *Trigger) flush(ctx context.Context) (Report, error) {
	v, err, _ := t.flights.Do("flush", func() (any, error) {
		t.setState(StateFlushing)
		report, err := t.flusher.Flush(ctx)

		t.mu.Lock()
		if t.wake != nil {
			t.state = StateAwaitingConnectivity
		} else {
			t.state = StateIdle
		}
		observers := make([]Observer, 0, len(t.observers))
		for _, fn := range t.observers {
			observers = append(observers, fn)
		}
		t.mu.Unlock()

		if err == nil {
			for _, fn := range observers {
				fn(report)
			}
		}
		return report, err
	})
	report, _ := v.(Report)
	return report, err
}

func (t *Trigger) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// Close cancels any pending deferred wake.
func (t *Trigger) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.wake != nil {
		t.wake.Cancel()
		t.wake = nil
	}
	if t.state == StateAwaitingConnectivity {
		t.state = StateIdle
	}
}
