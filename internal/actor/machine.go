// Package actor runs finite state machines on their own goroutine, fed by a
// bounded FIFO mailbox.
//
// Each actor supplies a Dispatcher that maps a (state, event) pair to a
// Transition. Pairs the dispatcher does not know are dropped without any
// state change; they are logged at LevelTrace.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// LevelTrace is below slog.LevelDebug and used for dropped events.
const LevelTrace = slog.LevelDebug - 4

var (
	// ErrStopped is returned when sending to an actor that reached its terminal state.
	ErrStopped = errors.New("actor stopped")
	// ErrMailboxFull is returned by TrySend when the mailbox has no room.
	ErrMailboxFull = errors.New("actor mailbox full")
)

// Transition is the outcome of a dispatch: run Action, then move to Next.
type Transition[S comparable, E any] struct {
	Action func(E)
	Next   S
}

// Dispatcher resolves a (state, event) pair. ok=false means the pair is
// undefined and the event is dropped.
type Dispatcher[S comparable, E any] func(state S, ev E) (t Transition[S, E], ok bool)

// Machine is one actor: a state, a mailbox and the dispatcher driving it.
type Machine[S comparable, E any] struct {
	name     string
	terminal S
	dispatch Dispatcher[S, E]
	logger   *slog.Logger

	mailbox chan E
	raised  []E // only touched by the loop goroutine

	state    atomic.Value // S
	done     chan struct{}
	doneOnce sync.Once
}

// New creates a machine in state initial. The loop ends when the state
// becomes terminal. capacity bounds the mailbox.
func New[S comparable, E any](name string, initial, terminal S, capacity int, dispatch Dispatcher[S, E], logger *slog.Logger) *Machine[S, E] {
	if capacity <= 0 {
		capacity = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine[S, E]{
		name:     name,
		terminal: terminal,
		dispatch: dispatch,
		logger:   logger,
		mailbox:  make(chan E, capacity),
		done:     make(chan struct{}),
	}
	m.state.Store(initial)
	return m
}

// Name returns the actor name used in logs.
func (m *Machine[S, E]) Name() string { return m.name }

// State returns the current state. Safe from any goroutine.
func (m *Machine[S, E]) State() S {
	return m.state.Load().(S)
}

// Done is closed once the machine reaches its terminal state.
func (m *Machine[S, E]) Done() <-chan struct{} { return m.done }

// Send enqueues ev, blocking while the mailbox is full.
func (m *Machine[S, E]) Send(ctx context.Context, ev E) error {
	select {
	case <-m.done:
		return ErrStopped
	default:
	}
	select {
	case m.mailbox <- ev:
		return nil
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend enqueues ev without blocking.
func (m *Machine[S, E]) TrySend(ev E) error {
	select {
	case <-m.done:
		return ErrStopped
	default:
	}
	select {
	case m.mailbox <- ev:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Raise queues ev ahead of the mailbox. It must only be called from an
// Action, i.e. from the loop goroutine.
func (m *Machine[S, E]) Raise(ev E) {
	m.raised = append(m.raised, ev)
}

// Start runs the loop on a new goroutine.
func (m *Machine[S, E]) Start() {
	go m.Run()
}

// Run processes events until the terminal state is reached.
func (m *Machine[S, E]) Run() {
	defer m.finish()
	for m.State() != m.terminal {
		var ev E
		if len(m.raised) > 0 {
			ev = m.raised[0]
			m.raised = m.raised[1:]
		} else {
			ev = <-m.mailbox
		}
		m.Step(ev)
	}
}

// Step dispatches a single event synchronously and reports whether a
// transition was taken. Events raised by the action stay queued for Run
// unless drained with StepRaised.
func (m *Machine[S, E]) Step(ev E) bool {
	cur := m.State()
	if cur == m.terminal {
		return false
	}
	t, ok := m.dispatch(cur, ev)
	if !ok {
		m.logger.Log(context.Background(), LevelTrace, "event dropped",
			"actor", m.name, "state", cur, "event", eventName(ev))
		return false
	}
	if t.Action != nil {
		t.Action(ev)
	}
	m.state.Store(t.Next)
	if t.Next != cur {
		m.logger.Debug("state change", "actor", m.name, "from", cur, "to", t.Next, "event", eventName(ev))
	}
	if t.Next == m.terminal {
		m.finish()
	}
	return true
}

// StepRaised processes events raised by previous actions. Used when the
// machine is driven through Step instead of Run.
func (m *Machine[S, E]) StepRaised() {
	for len(m.raised) > 0 && m.State() != m.terminal {
		ev := m.raised[0]
		m.raised = m.raised[1:]
		m.Step(ev)
	}
}

func (m *Machine[S, E]) finish() {
	m.doneOnce.Do(func() { close(m.done) })
}

func eventName(ev any) string {
	if s, ok := ev.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", ev)
}
