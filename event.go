package lifecycle

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType names a kernel transition.
type EventType string

const (
	EventRegistered   EventType = "registered"
	EventDisplaced    EventType = "displaced"
	EventRemoved      EventType = "removed"
	EventCleared      EventType = "cleared"
	EventPhaseApplied EventType = "phase_applied"
	EventPhaseFailed  EventType = "phase_failed"
	EventExpired      EventType = "expired"
	EventExpiryFailed EventType = "expiry_failed"
)

// Event describes one transition. Phase and Err are only set for phase
// events, Err for failure events.
type Event struct {
	ID    uuid.UUID
	Type  EventType
	Key   Key
	Phase Phase
	Err   error
	At    time.Time
}

// Listener receives kernel events synchronously at the point of transition.
// Listeners run outside every kernel lock and may call back into the kernel.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) OnEvent(e Event) { f(e) }

type notifier struct {
	mu        sync.RWMutex
	listeners []Listener
	logger    *zap.Logger
	now       func() time.Time
}

func newNotifier(logger *zap.Logger, now func() time.Time) *notifier {
	return &notifier{logger: logger, now: now}
}

func (n *notifier) subscribe(l Listener) {
	if l == nil {
		return
	}
	n.mu.Lock()
	n.listeners = append(n.listeners, l)
	n.mu.Unlock()
}

func (n *notifier) emit(typ EventType, key Key, phase Phase, err error) {
	n.mu.RLock()
	if len(n.listeners) == 0 {
		n.mu.RUnlock()
		return
	}
	listeners := make([]Listener, len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.RUnlock()

	e := Event{ID: uuid.New(), Type: typ, Key: key, Phase: phase, Err: err, At: n.now()}
	for _, l := range listeners {
		n.deliver(l, e)
	}
}

func (n *notifier) deliver(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("event listener panicked",
				zap.String("event", string(e.Type)),
				zap.String("key", string(e.Key)),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	l.OnEvent(e)
}
