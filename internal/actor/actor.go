package actor

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// ErrStopped is returned by Do when the actor is no longer running.
var ErrStopped = errors.New("actor: stopped")

type message struct {
	ctx    context.Context
	handle func(ctx context.Context)
	reply  chan error
}

// Actor owns a value of type S and serializes every access to it.
type Actor[S any] struct {
	name    string
	state   S
	mailbox *mailbox
	logger  zerolog.Logger
	done    chan struct{}
}

// New creates an actor around state. Call Run (or Start) before Do.
func New[S any](name string, state S, logger zerolog.Logger) *Actor[S] {
	return &Actor[S]{
		name:    name,
		state:   state,
		mailbox: newMailbox(),
		logger:  logger.With().Str("actor", name).Logger(),
		done:    make(chan struct{}),
	}
}

// Name returns the actor's identity.
func (a *Actor[S]) Name() string { return a.name }

// Start runs the actor on a new goroutine until ctx is cancelled or Stop is called.
func (a *Actor[S]) Start(ctx context.Context) {
	go func() { _ = a.Run(ctx) }()
}

// Run is the main actor loop. It processes messages until ctx is cancelled
// or the mailbox is closed, then fails any messages still queued with ErrStopped.
//
// CRITICAL: Run must be called at most once per actor.
func (a *Actor[S]) Run(ctx context.Context) error {
	defer close(a.done)
	a.logger.Debug().Msg("actor starting")

	for {
		if msg, ok := a.mailbox.TryDequeue(); ok {
			a.handle(msg)
			continue
		}

		select {
		case <-ctx.Done():
			a.logger.Debug().Msg("actor stopping: context cancelled")
			a.drain()
			return ctx.Err()
		case <-a.mailbox.Wait():
			// A closed mailbox keeps this case ready; exit once empty.
			if a.mailbox.Len() == 0 && a.stopped() {
				a.logger.Debug().Msg("actor stopping: mailbox closed")
				return nil
			}
		}
	}
}

// Stop closes the mailbox. Queued messages are failed with ErrStopped.
func (a *Actor[S]) Stop() {
	a.drain()
}

// Done is closed when Run returns.
func (a *Actor[S]) Done() <-chan struct{} {
	return a.done
}

func (a *Actor[S]) stopped() bool {
	a.mailbox.mu.Lock()
	defer a.mailbox.mu.Unlock()
	return a.mailbox.closed
}

func (a *Actor[S]) drain() {
	for _, msg := range a.mailbox.Close() {
		msg.reply <- ErrStopped
	}
}

func (a *Actor[S]) handle(msg *message) {
	if err := msg.ctx.Err(); err != nil {
		msg.reply <- err
		return
	}
	msg.handle(msg.ctx)
}

// Do runs fn on the actor goroutine with exclusive access to the state and
// waits for it to finish. If ctx ends first, Do returns ctx.Err(); fn may
// still run later but observes the cancelled context.
func (a *Actor[S]) Do(ctx context.Context, fn func(ctx context.Context, state S) error) error {
	msg := &message{ctx: ctx, reply: make(chan error, 1)}
	msg.handle = func(ctx context.Context) {
		msg.reply <- a.invoke(ctx, fn)
	}
	if !a.mailbox.Enqueue(msg) {
		return ErrStopped
	}
	select {
	case err := <-msg.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor[S]) invoke(ctx context.Context, fn func(ctx context.Context, state S) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Interface("panic", r).Msg("actor handler panicked")
			err = errors.New("actor: handler panicked")
		}
	}()
	return fn(ctx, a.state)
}

// Call is Do for handlers that return a value.
func Call[S, R any](ctx context.Context, a *Actor[S], fn func(ctx context.Context, state S) (R, error)) (R, error) {
	var out R
	err := a.Do(ctx, func(ctx context.Context, state S) error {
		r, err := fn(ctx, state)
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return out, nil
}
