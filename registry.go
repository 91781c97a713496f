package lifecycle

import (
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Registry stores every managed component by key.
//
// All reads and writes go through a single RWMutex; many lookups may run
// together while a write holds the lock only for the map update. No user
// code (listeners, predicates aside) runs while the lock is held, so
// disposal logic is free to call back into the registry.
//
// Registering a key twice is not an error: the last write wins, a warning
// is logged and, when the displaced value is Disposable and not registered
// under any other key, it is parked in the lost-object set until
// DrainLostObjects is called. Registering a parked value again takes it
// back out of the set.
type Registry struct {
	mu       sync.RWMutex
	entries  map[Key]*entry
	seq      uint64
	lost     []any
	lostSeen map[identity]struct{}
	// live counts the keys each value is registered under.
	live map[identity]int

	logger   *zap.Logger
	notifier *notifier
}

type entry struct {
	key   Key
	value any
	deps  []Key
	seq   uint64
	state atomic.Int32

	mu       sync.Mutex
	inflight chan struct{}
}

func (e *entry) State() State { return State(e.state.Load()) }

func (e *entry) setState(s State) { e.state.Store(int32(s)) }

// claim reserves e for one phase invocation. If another invocation holds
// it, claim returns nil and a channel closed when that one is released.
func (e *entry) claim() (release func(), inflight <-chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight != nil {
		return nil, e.inflight
	}
	done := make(chan struct{})
	e.inflight = done
	return func() {
		e.mu.Lock()
		e.inflight = nil
		e.mu.Unlock()
		close(done)
	}, nil
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger used for duplicate registration warnings.
func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRegistryListener subscribes l to registry events.
func WithRegistryListener(l Listener) RegistryOption {
	return func(r *Registry) { r.notifier.subscribe(l) }
}

func withRegistryNotifier(n *notifier) RegistryOption {
	return func(r *Registry) { r.notifier = n }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries:  make(map[Key]*entry),
		lostSeen: make(map[identity]struct{}),
		live:     make(map[identity]int),
		logger:   zap.NewNop(),
	}
	own := newNotifier(r.logger, time.Now)
	r.notifier = own
	for _, opt := range opts {
		opt(r)
	}
	if r.notifier == own {
		own.logger = r.logger
	}
	r.logger = r.logger.Named("registry")
	return r
}

// Subscribe adds a listener for registry events.
func (r *Registry) Subscribe(l Listener) {
	r.notifier.subscribe(l)
}

// Put registers value under key, replacing any previous value, and returns
// the value it replaced (nil if the key was free). deps declares keys the
// component requires in addition to whatever its Dependencies method
// reports.
func (r *Registry) Put(key Key, value any, deps ...Key) (any, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if value == nil {
		return nil, ErrNilValue
	}

	r.mu.Lock()
	prev, existed := r.entries[key]
	r.seq++
	e := &entry{key: key, value: value, deps: copyKeys(deps), seq: r.seq}
	parked := false
	r.unparkLocked(value)
	if existed && sameIdentity(prev.value, value) {
		e.setState(prev.State())
	} else {
		r.retainLocked(value)
		if existed && !r.releaseLocked(prev.value) {
			if _, ok := prev.value.(Disposable); ok && prev.State() != Disposed {
				parked = r.parkLocked(prev.value)
			}
		}
	}
	r.entries[key] = e
	r.mu.Unlock()

	if !existed {
		r.notifier.emit(EventRegistered, key, 0, nil)
		return nil, nil
	}

	r.logger.Warn("component redefined, last registration wins",
		zap.String("key", string(key)),
		zap.String("previous_type", reflect.TypeOf(prev.value).String()),
		zap.String("type", reflect.TypeOf(value).String()),
		zap.Bool("parked_for_disposal", parked))
	r.notifier.emit(EventDisplaced, key, 0, nil)
	return prev.value, nil
}

// Get returns the value registered under key.
func (r *Registry) Get(key Key) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Has reports whether key is registered.
func (r *Registry) Has(key Key) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[key]
	return ok
}

// State returns the lifecycle state of the component registered under key.
func (r *Registry) State(key Key) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok {
		return Uninitialized, false
	}
	return e.State(), true
}

// Remove unregisters key and hands its value back to the caller, who
// becomes responsible for disposing it.
func (r *Registry) Remove(key Key) (any, bool) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
		r.releaseLocked(e.value)
	}
	r.mu.Unlock()

	if !ok {
		return nil, false
	}
	r.notifier.emit(EventRemoved, key, 0, nil)
	return e.value, true
}

// SelectWhere returns, in registration order, every value for which pred
// returns true. The snapshot is taken under the read lock; pred must not
// call back into the registry.
func (r *Registry) SelectWhere(pred func(Key, any) bool) []any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []any
	for _, e := range r.sortedLocked() {
		if pred == nil || pred(e.key, e.value) {
			out = append(out, e.value)
		}
	}
	return out
}

// Keys returns every registered key in registration order.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sorted := r.sortedLocked()
	keys := make([]Key, 0, len(sorted))
	for _, e := range sorted {
		keys = append(keys, e.key)
	}
	return keys
}

// Len returns the number of registered components.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// DrainLostObjects returns every displaced disposable value, oldest first,
// and empties the set. Disposing them is up to the caller.
func (r *Registry) DrainLostObjects() []any {
	r.mu.Lock()
	lost := r.lost
	r.lost = nil
	r.lostSeen = make(map[identity]struct{})
	r.mu.Unlock()
	return lost
}

// Clear removes every component and forgets every lost object.
func (r *Registry) Clear() {
	r.mu.Lock()
	n := len(r.entries)
	r.entries = make(map[Key]*entry)
	r.lost = nil
	r.lostSeen = make(map[identity]struct{})
	r.live = make(map[identity]int)
	r.mu.Unlock()

	r.logger.Debug("registry cleared", zap.Int("removed", n))
	r.notifier.emit(EventCleared, "", 0, nil)
}

// snapshot copies the current entries in registration order.
func (r *Registry) snapshot() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked()
}

func (r *Registry) sortedLocked() []*entry {
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (r *Registry) parkLocked(value any) bool {
	id, ok := identityOf(value)
	if ok {
		if _, seen := r.lostSeen[id]; seen {
			return false
		}
		r.lostSeen[id] = struct{}{}
	}
	r.lost = append(r.lost, value)
	return true
}

func (r *Registry) retainLocked(value any) {
	if id, ok := identityOf(value); ok {
		r.live[id]++
	}
}

// releaseLocked drops one registration of value and reports whether it is
// still registered under another key.
func (r *Registry) releaseLocked(value any) bool {
	id, ok := identityOf(value)
	if !ok {
		return false
	}
	if r.live[id] <= 1 {
		delete(r.live, id)
		return false
	}
	r.live[id]--
	return true
}

// unparkLocked takes value back out of the lost-object set; it is live
// again.
func (r *Registry) unparkLocked(value any) {
	id, ok := identityOf(value)
	if !ok {
		return
	}
	if _, seen := r.lostSeen[id]; !seen {
		return
	}
	delete(r.lostSeen, id)
	for i, v := range r.lost {
		if other, ok := identityOf(v); ok && other == id {
			r.lost = append(r.lost[:i], r.lost[i+1:]...)
			break
		}
	}
}

// identity is what two registered values are compared by: the address for
// pointer-like kinds, the value itself for other comparable kinds.
type identity struct {
	typ reflect.Type
	ptr uintptr
	val any
}

func identityOf(v any) (identity, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.UnsafePointer:
		return identity{typ: rv.Type(), ptr: rv.Pointer()}, true
	}
	if rv.Comparable() {
		return identity{typ: rv.Type(), val: v}, true
	}
	return identity{}, false
}

func sameIdentity(a, b any) bool {
	ia, ok := identityOf(a)
	if !ok {
		return false
	}
	ib, ok := identityOf(b)
	return ok && ia == ib
}

func copyKeys(keys []Key) []Key {
	if len(keys) == 0 {
		return nil
	}
	out := make([]Key, len(keys))
	copy(out, keys)
	return out
}
