package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Container owns a registry, the coordinator that drives it and an expiry
// monitor, and tracks which phase the container as a whole has reached.
//
// Phase methods are serialized with each other. Register may be called at
// any time, from any goroutine, including from inside a component's phase
// method: the new component is brought up to the container's current phase
// before Register returns. A phase method that registers components must
// pass on the context it was given.
type Container struct {
	registry    *Registry
	coordinator *Coordinator
	monitor     *ExpiryMonitor
	logger      *zap.Logger

	mu       sync.Mutex
	state    atomic.Int32
	applying atomic.Int32
}

type containerOptions struct {
	logger    *zap.Logger
	listeners []Listener
	interval  time.Duration
	now       func() time.Time
}

// Option configures a Container.
type Option func(*containerOptions)

// WithLogger sets the logger shared by the container and its parts.
func WithLogger(logger *zap.Logger) Option {
	return func(o *containerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithListener subscribes l to every event the container emits.
func WithListener(l Listener) Option {
	return func(o *containerOptions) {
		if l != nil {
			o.listeners = append(o.listeners, l)
		}
	}
}

// WithSweepInterval sets the delay between expiry sweeps.
func WithSweepInterval(d time.Duration) Option {
	return func(o *containerOptions) { o.interval = d }
}

// WithClock replaces time.Now for expiry bookkeeping and event timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *containerOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates an empty, uninitialized container.
func New(opts ...Option) *Container {
	o := containerOptions{
		logger:   zap.NewNop(),
		interval: DefaultSweepInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	n := newNotifier(o.logger.Named("events"), o.now)
	for _, l := range o.listeners {
		n.subscribe(l)
	}
	r := NewRegistry(WithRegistryLogger(o.logger), withRegistryNotifier(n))
	return &Container{
		registry:    r,
		coordinator: NewCoordinator(r, WithCoordinatorLogger(o.logger), withCoordinatorNotifier(n)),
		monitor: NewExpiryMonitor(
			WithMonitorInterval(o.interval),
			WithMonitorClock(o.now),
			WithMonitorLogger(o.logger),
			withMonitorNotifier(n)),
		logger: o.logger.Named("container"),
	}
}

// Registry returns the container's registry.
func (c *Container) Registry() *Registry { return c.registry }

// Coordinator returns the container's coordinator.
func (c *Container) Coordinator() *Coordinator { return c.coordinator }

// Expiry returns the container's expiry monitor.
func (c *Container) Expiry() *ExpiryMonitor { return c.monitor }

// State returns the last phase the container completed, as a State.
func (c *Container) State() State { return State(c.state.Load()) }

// Subscribe adds a listener for every event the container emits.
func (c *Container) Subscribe(l Listener) { c.registry.Subscribe(l) }

// Get returns the value registered under key.
func (c *Container) Get(key Key) (any, bool) { return c.registry.Get(key) }

// Register adds value under key and brings it up to the container's
// current phase. The returned error carries the catch-up failures, if any;
// the value stays registered either way.
func (c *Container) Register(ctx context.Context, key Key, value any, deps ...Key) error {
	if _, err := c.catchUp(); err != nil {
		return err
	}
	if _, err := c.registry.Put(key, value, deps...); err != nil {
		return errors.Wrapf(err, "register %q", key)
	}
	return c.bringUp(ctx, key)
}

// Load registers every definition in order and then brings them up to the
// container's current phase together. Nothing is registered if any
// definition is invalid.
func (c *Container) Load(ctx context.Context, defs ...Definition) error {
	if _, err := c.catchUp(); err != nil {
		return err
	}
	for i, d := range defs {
		if d.Key == "" {
			return errors.Wrapf(ErrEmptyKey, "definition %d", i)
		}
		if d.Instance == nil {
			return errors.Wrapf(ErrNilValue, "definition %q", d.Key)
		}
	}
	keys := make([]Key, 0, len(defs))
	for _, d := range defs {
		if _, err := c.registry.Put(d.Key, d.Instance, d.Dependencies...); err != nil {
			return errors.Wrapf(err, "load %q", d.Key)
		}
		keys = append(keys, d.Key)
	}
	c.logger.Debug("definitions loaded", zap.Int("count", len(defs)))
	return c.bringUp(ctx, keys...)
}

// catchUp lists the phases a newly registered component must go through.
func (c *Container) catchUp() ([]Phase, error) {
	state, applying := c.State(), Phase(c.applying.Load())
	if state == Disposed || applying == Dispose {
		return nil, ErrContainerDisposed
	}
	switch {
	case state == Started && applying != Stop, applying == Start:
		return []Phase{Initialize, Start}, nil
	case state != Uninitialized, applying == Initialize:
		return []Phase{Initialize}, nil
	}
	return nil, nil
}

// bringUp reads the container's phase only after keys are in the registry:
// a phase that started earlier either saw them in its snapshot or is
// visible here, and applying twice is a no-op.
func (c *Container) bringUp(ctx context.Context, keys ...Key) error {
	phases, err := c.catchUp()
	if err != nil {
		return err
	}
	for _, phase := range phases {
		if _, err := c.coordinator.ApplyPhaseTo(ctx, phase, keys...); err != nil {
			return err
		}
	}
	return nil
}

// Initialize applies the Initialize phase to every component.
func (c *Container) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apply(ctx, Initialize)
}

// Start applies the Start phase and starts the expiry monitor.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.apply(ctx, Start)
	if c.State() == Started && !c.monitor.Running() {
		// The monitor outlives the call that started it.
		if merr := c.monitor.Start(context.WithoutCancel(ctx)); merr != nil {
			err = multierror.Append(err, merr)
		}
	}
	return err
}

// Stop stops the expiry monitor and applies the Stop phase.
func (c *Container) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.monitor.Stop()
	return c.apply(ctx, Stop)
}

// Dispose stops everything still started, disposes every component and
// lost object, and empties the registry. A disposed container rejects new
// registrations; further Dispose calls do nothing.
func (c *Container) Dispose(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() == Disposed {
		return nil
	}
	c.monitor.Stop()

	result := &multierror.Error{ErrorFormat: formatFailures}
	if c.State() == Started {
		if err := c.apply(ctx, Stop); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := c.apply(ctx, Dispose); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.DisposeLostObjects(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	c.registry.Clear()
	return result.ErrorOrNil()
}

// apply runs one container-level transition. The container advances even
// when some components fail; the failures are returned for the caller to
// act on.
func (c *Container) apply(ctx context.Context, phase Phase) error {
	from := c.State()
	to, doit, err := transition(from, phase)
	if err != nil {
		return err
	}
	if !doit {
		c.logger.Debug("phase already applied",
			zap.String("phase", phase.String()),
			zap.String("state", from.String()))
		return nil
	}

	c.applying.Store(int32(phase))
	defer c.applying.Store(0)

	report, err := c.coordinator.ApplyPhase(ctx, phase)
	c.state.Store(int32(to))
	c.logger.Info("container phase applied",
		zap.String("phase", phase.String()),
		zap.String("state", to.String()),
		zap.Int("applied", len(report.Applied)),
		zap.Int("failed", len(report.Failed)))
	return err
}

// DisposeLostObjects disposes every value displaced from the registry by a
// later registration and forgets them.
func (c *Container) DisposeLostObjects(ctx context.Context) error {
	lost := c.registry.DrainLostObjects()
	if len(lost) == 0 {
		return nil
	}
	var result *multierror.Error
	for _, v := range lost {
		if err := safeInvoke(ctx, v, Dispose); err != nil {
			c.logger.Warn("failed to dispose lost object", zap.String("type", TypeName(v)), zap.Error(err))
			result = multierror.Append(result, errors.Wrapf(err, "dispose lost %s", TypeName(v)))
		}
	}
	c.logger.Debug("lost objects disposed", zap.Int("count", len(lost)))
	return result.ErrorOrNil()
}

// Unregister removes key from the container and stops and disposes the
// removed component according to its state. Components that depend on it
// are not touched.
func (c *Container) Unregister(ctx context.Context, key Key) error {
	state, ok := c.registry.State(key)
	if !ok {
		return errors.Wrapf(ErrNotFound, "%q", key)
	}
	value, ok := c.registry.Remove(key)
	if !ok {
		return errors.Wrapf(ErrNotFound, "%q", key)
	}

	var result *multierror.Error
	if state == Started && supports(value, Stop) {
		if err := safeInvoke(ctx, value, Stop); err != nil {
			result = multierror.Append(result, &ComponentError{Key: key, Phase: Stop, Err: err})
		}
	}
	if state != Disposed && supports(value, Dispose) {
		if err := safeInvoke(ctx, value, Dispose); err != nil {
			result = multierror.Append(result, &ComponentError{Key: key, Phase: Dispose, Err: err})
		}
	}
	c.logger.Debug("component unregistered", zap.String("key", string(key)), zap.String("state", state.String()))
	return result.ErrorOrNil()
}
