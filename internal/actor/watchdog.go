package actor

import (
	"log/slog"
	"sync"
	"time"
)

// Watchdog is a one-shot timer that delivers an event into an actor's
// mailbox. It never blocks: a fire into a full or stopped mailbox is
// dropped and logged.
type Watchdog[E any] struct {
	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	deliver func(E) error
	event   E
	name    string
	logger  *slog.Logger
}

// NewWatchdog creates a disarmed watchdog delivering ev through deliver
// (normally a Machine's TrySend).
func NewWatchdog[E any](name string, ev E, deliver func(E) error, logger *slog.Logger) *Watchdog[E] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog[E]{deliver: deliver, event: ev, name: name, logger: logger}
}

// Arm (re)starts the timer; a pending fire is replaced.
func (w *Watchdog[E]) Arm(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.timer = time.AfterFunc(d, func() { w.fire(gen) })
}

// Cancel stops a pending fire. Safe to call when disarmed.
func (w *Watchdog[E]) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
}

// Armed reports whether a fire is pending.
func (w *Watchdog[E]) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer != nil
}

func (w *Watchdog[E]) fire(gen uint64) {
	w.mu.Lock()
	if gen != w.gen {
		// superseded by a later Arm or Cancel
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.mu.Unlock()
	if err := w.deliver(w.event); err != nil {
		w.logger.Debug("watchdog delivery failed", "watchdog", w.name, "error", err)
	}
}
