package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// DefaultSweepInterval is the delay between two expiry sweeps.
const DefaultSweepInterval = time.Second

// Expirable is a handle registered with an ExpiryMonitor. The handle value
// is its identity, so implementations must be comparable; pointers are the
// usual choice.
type Expirable interface {
	// Expire is called once when the handle's time-to-live has elapsed.
	Expire() error
}

// ExpiryHandle adapts a function to Expirable with pointer identity.
type ExpiryHandle struct {
	key Key
	fn  func() error
}

// OnExpiry wraps fn in a new handle.
func OnExpiry(fn func() error) *ExpiryHandle {
	return &ExpiryHandle{fn: fn}
}

// NewExpiryHandle wraps fn in a new handle reported under key in events and logs.
func NewExpiryHandle(key Key, fn func() error) *ExpiryHandle {
	return &ExpiryHandle{key: key, fn: fn}
}

func (h *ExpiryHandle) Expire() error {
	if h.fn == nil {
		return nil
	}
	return h.fn()
}

// ExpiryKey names the handle in events.
func (h *ExpiryHandle) ExpiryKey() Key { return h.key }

type expiryRecord struct {
	ttl         time.Duration
	lastTouched time.Time
}

func (r expiryRecord) deadline() time.Time { return r.lastTouched.Add(r.ttl) }

// ExpiryMonitor expires handles whose time-to-live has elapsed since they
// were added or last reset. It has its own lock and schedule and never
// touches the registry.
type ExpiryMonitor struct {
	mu      sync.Mutex
	handles map[Expirable]expiryRecord

	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger
	notifier *notifier

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// MonitorOption configures an ExpiryMonitor.
type MonitorOption func(*ExpiryMonitor)

// WithMonitorInterval sets the delay between the end of one sweep and the
// start of the next.
func WithMonitorInterval(d time.Duration) MonitorOption {
	return func(m *ExpiryMonitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithMonitorClock replaces time.Now.
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *ExpiryMonitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithMonitorLogger sets the logger used to report callback failures.
func WithMonitorLogger(logger *zap.Logger) MonitorOption {
	return func(m *ExpiryMonitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMonitorListener subscribes l to expiry events.
func WithMonitorListener(l Listener) MonitorOption {
	return func(m *ExpiryMonitor) { m.notifier.subscribe(l) }
}

func withMonitorNotifier(n *notifier) MonitorOption {
	return func(m *ExpiryMonitor) { m.notifier = n }
}

// NewExpiryMonitor creates a stopped monitor.
func NewExpiryMonitor(opts ...MonitorOption) *ExpiryMonitor {
	m := &ExpiryMonitor{
		handles:  make(map[Expirable]expiryRecord),
		interval: DefaultSweepInterval,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	own := newNotifier(m.logger, time.Now)
	m.notifier = own
	for _, opt := range opts {
		opt(m)
	}
	if m.notifier == own {
		own.logger = m.logger
		own.now = m.now
	}
	m.logger = m.logger.Named("expiry")
	return m
}

// Add registers h with the given time-to-live, starting the clock now.
// Adding a handle that is already registered restarts it with the new ttl.
func (m *ExpiryMonitor) Add(ttl time.Duration, h Expirable) {
	if h == nil {
		return
	}
	m.mu.Lock()
	m.handles[h] = expiryRecord{ttl: ttl, lastTouched: m.now()}
	m.mu.Unlock()
}

// Reset restarts h's time-to-live from now. Unknown handles are ignored.
func (m *ExpiryMonitor) Reset(h Expirable) {
	if h == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.handles[h]; ok {
		rec.lastTouched = m.now()
		m.handles[h] = rec
	}
}

// Remove unregisters h without calling it.
func (m *ExpiryMonitor) Remove(h Expirable) {
	if h == nil {
		return
	}
	m.mu.Lock()
	delete(m.handles, h)
	m.mu.Unlock()
}

// IsRegistered reports whether h is still waiting to expire.
func (m *ExpiryMonitor) IsRegistered(h Expirable) bool {
	if h == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handles[h]
	return ok
}

// Len returns the number of registered handles.
func (m *ExpiryMonitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Run performs one sweep and returns how many handles expired. Expired
// handles are unregistered under the lock and called after it is
// released, earliest deadline first. A failing or panicking callback is
// logged and does not stop the others.
func (m *ExpiryMonitor) Run() int {
	now := m.now()

	type due struct {
		h        Expirable
		deadline time.Time
	}
	var expired []due
	m.mu.Lock()
	for h, rec := range m.handles {
		if now.Sub(rec.lastTouched) >= rec.ttl {
			expired = append(expired, due{h: h, deadline: rec.deadline()})
			delete(m.handles, h)
		}
	}
	m.mu.Unlock()

	sort.SliceStable(expired, func(i, j int) bool {
		return expired[i].deadline.Before(expired[j].deadline)
	})
	for _, d := range expired {
		m.expire(d.h)
	}
	return len(expired)
}

func (m *ExpiryMonitor) expire(h Expirable) {
	key := expiryKey(h)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Newf("expiry callback panicked: %v", r)
			}
		}()
		return h.Expire()
	}()
	if err != nil {
		m.logger.Error("expiry callback failed", zap.String("key", string(key)), zap.Error(err))
		m.notifier.emit(EventExpiryFailed, key, 0, err)
		return
	}
	m.logger.Debug("handle expired", zap.String("key", string(key)))
	m.notifier.emit(EventExpired, key, 0, nil)
}

func expiryKey(h Expirable) Key {
	if k, ok := h.(interface{ ExpiryKey() Key }); ok {
		return k.ExpiryKey()
	}
	return ""
}

// Start runs sweeps on a fixed delay until ctx is canceled or Stop is
// called.
func (m *ExpiryMonitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return ErrMonitorRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	m.logger.Debug("expiry monitor started", zap.Duration("interval", m.interval))
	go m.loop(ctx, done)
	return nil
}

func (m *ExpiryMonitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(m.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.Run()
			timer.Reset(m.interval)
		}
	}
}

// Stop cancels future sweeps and waits for a sweep in progress to finish.
// Handles still registered stay registered. It must not be called from an
// expiry callback.
func (m *ExpiryMonitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Debug("expiry monitor stopped")
}

// Running reports whether the schedule is active.
func (m *ExpiryMonitor) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.cancel != nil
}
