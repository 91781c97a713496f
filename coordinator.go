package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/GrayDragon82/lifecycle"

// Coordinator drives registered components through lifecycle phases in
// dependency order.
//
// The dependency graph is rebuilt from the registry on every call, so
// components registered after a previous pass (for instance by another
// component's Initialize) are picked up by the next one. Passes may
// overlap; each component is invoked by one pass at a time.
type Coordinator struct {
	registry *Registry
	logger   *otelzap.Logger
	notifier *notifier
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets the coordinator logger.
func WithCoordinatorLogger(logger *zap.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = otelzap.New(logger.Named("coordinator"))
		}
	}
}

// WithCoordinatorListener subscribes l to phase events.
func WithCoordinatorListener(l Listener) CoordinatorOption {
	return func(c *Coordinator) { c.notifier.subscribe(l) }
}

func withCoordinatorNotifier(n *notifier) CoordinatorOption {
	return func(c *Coordinator) { c.notifier = n }
}

// NewCoordinator creates a coordinator over r. Unless told otherwise it
// shares the registry's listeners.
func NewCoordinator(r *Registry, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		registry: r,
		logger:   otelzap.New(zap.NewNop()),
		notifier: r.notifier,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Report summarizes one pass.
type Report struct {
	Phase Phase
	// Applied lists components whose phase method ran, in invocation order.
	Applied []Key
	// Unchanged lists components the pass had nothing to do for: the phase
	// was already applied, it did not apply to their state, or they do not
	// implement the phase.
	Unchanged []Key
	// Failed lists components that failed or were skipped because of a
	// failure elsewhere in their subtree.
	Failed []Key
}

// ApplyPhase applies phase to every registered component. Forward phases
// visit dependencies before dependents; Stop and Dispose visit dependents
// first. A failure skips everything ordered after the failing component in
// its subtree but leaves unrelated components untouched. All failures are
// returned together as a *multierror.Error of *ComponentError; use Failures
// to inspect them.
func (c *Coordinator) ApplyPhase(ctx context.Context, phase Phase) (*Report, error) {
	return c.applyPhase(ctx, phase, nil)
}

// ApplyPhaseTo applies phase to the given components and to whatever they
// must be ordered after: their dependencies for forward phases, their
// dependents for reverse ones. It is how components registered into a
// running container catch up.
func (c *Coordinator) ApplyPhaseTo(ctx context.Context, phase Phase, keys ...Key) (*Report, error) {
	if len(keys) == 0 {
		return &Report{Phase: phase}, nil
	}
	return c.applyPhase(ctx, phase, keys)
}

func (c *Coordinator) applyPhase(ctx context.Context, phase Phase, roots []Key) (*Report, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "lifecycle.apply_phase",
		trace.WithAttributes(
			attribute.String("lifecycle.phase", phase.String()),
			attribute.Int("lifecycle.roots", len(roots))))
	defer span.End()

	p := c.newPass(phase, false)
	p.run(ctx, roots)

	err := p.err()
	log := c.logger.Ctx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "phase failed")
		log.Warn("phase completed with failures",
			zap.String("phase", phase.String()),
			zap.Int("applied", len(p.report.Applied)),
			zap.Int("failed", len(p.report.Failed)),
			zap.Error(err))
	} else {
		log.Debug("phase completed",
			zap.String("phase", phase.String()),
			zap.Int("applied", len(p.report.Applied)),
			zap.Int("unchanged", len(p.report.Unchanged)))
	}
	span.SetAttributes(
		attribute.Int("lifecycle.applied", len(p.report.Applied)),
		attribute.Int("lifecycle.failed", len(p.report.Failed)))
	return p.report, err
}

// Plan computes the order ApplyPhase would invoke components in, without
// invoking anything. The error reports cycles and missing dependencies the
// same way ApplyPhase does.
func (c *Coordinator) Plan(ctx context.Context, phase Phase) ([]Key, error) {
	p := c.newPass(phase, true)
	p.run(ctx, nil)
	return p.report.Applied, p.err()
}

// PlanAs is Plan computed as if every component were in state, e.g. the
// shutdown order of components that have not been started yet.
func (c *Coordinator) PlanAs(ctx context.Context, phase Phase, state State) ([]Key, error) {
	p := c.newPass(phase, true)
	p.assume = &state
	p.run(ctx, nil)
	return p.report.Applied, p.err()
}

type mark int

const (
	unvisited mark = iota
	onStack
	visited
	broken
)

type node struct {
	e     *entry
	edges []Key
	err   error
}

type pass struct {
	c      *Coordinator
	phase  Phase
	dryRun bool
	assume *State

	order []Key
	nodes map[Key]*node
	marks map[Key]mark

	failures []error
	failed   map[Key]bool
	report   *Report
}

func (c *Coordinator) newPass(phase Phase, dryRun bool) *pass {
	p := &pass{
		c:      c,
		phase:  phase,
		dryRun: dryRun,
		nodes:  make(map[Key]*node),
		marks:  make(map[Key]mark),
		failed: make(map[Key]bool),
		report: &Report{Phase: phase},
	}
	p.build(c.registry.snapshot())
	return p
}

// build turns the snapshot into a graph. Dependencies are queried here,
// after the registry lock has been released.
func (p *pass) build(entries []*entry) {
	for _, e := range entries {
		p.order = append(p.order, e.key)
		p.nodes[e.key] = &node{e: e}
	}

	deps := make(map[Key][]Key, len(entries))
	for _, e := range entries {
		n := p.nodes[e.key]
		keys, err := dependenciesOf(e)
		if err != nil {
			n.err = err
		}
		for _, dep := range keys {
			if _, ok := p.nodes[dep]; ok {
				deps[e.key] = append(deps[e.key], dep)
				continue
			}
			if !p.phase.Reverse() && n.err == nil {
				n.err = errors.Wrapf(ErrMissingDependency, "%q required by %q", dep, e.key)
			}
		}
	}

	p.markCycles(deps)

	if !p.phase.Reverse() {
		for key, n := range p.nodes {
			n.edges = deps[key]
		}
		return
	}
	// Reverse phases walk dependents first; build them in registration order
	// so the traversal stays deterministic.
	for _, key := range p.order {
		for _, dep := range deps[key] {
			p.nodes[dep].edges = append(p.nodes[dep].edges, key)
		}
	}
}

// markCycles fails every component that lies on a dependency cycle. A
// component is on a cycle when its strongly connected component has more
// than one member or it depends on itself.
func (p *pass) markCycles(deps map[Key][]Key) {
	for _, scc := range stronglyConnected(p.order, deps) {
		if len(scc) == 1 && !containsKey(deps[scc[0]], scc[0]) {
			continue
		}
		members := make(map[Key]bool, len(scc))
		for _, k := range scc {
			members[k] = true
		}
		for _, k := range scc {
			p.nodes[k].err = errors.Wrap(ErrCycle, cyclePath(k, deps, members))
		}
	}
}

// stronglyConnected returns the strongly connected components of the
// graph (Tarjan), starting from keys in the given order.
func stronglyConnected(order []Key, deps map[Key][]Key) [][]Key {
	var (
		next    int
		index   = make(map[Key]int, len(order))
		low     = make(map[Key]int, len(order))
		onStack = make(map[Key]bool)
		stack   []Key
		out     [][]Key
	)
	var connect func(v Key)
	connect = func(v Key) {
		index[v], low[v] = next, next
		next++
		stack = append(stack, v)
		onStack[v] = true
		for _, w := range deps[v] {
			if _, seen := index[w]; !seen {
				connect(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], index[w])
			}
		}
		if low[v] != index[v] {
			return
		}
		var scc []Key
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			scc = append(scc, w)
			if w == v {
				break
			}
		}
		out = append(out, scc)
	}
	for _, v := range order {
		if _, seen := index[v]; !seen {
			connect(v)
		}
	}
	return out
}

// cyclePath renders the shortest dependency path from start back to
// itself through members, e.g. "a -> b -> a".
func cyclePath(start Key, deps map[Key][]Key, members map[Key]bool) string {
	prev := make(map[Key]Key)
	queue := []Key{start}
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		for _, dep := range deps[k] {
			if !members[dep] {
				continue
			}
			if dep == start {
				var back []string
				for at := k; at != start; at = prev[at] {
					back = append(back, string(at))
				}
				path := []string{string(start)}
				for i := len(back) - 1; i >= 0; i-- {
					path = append(path, back[i])
				}
				return strings.Join(append(path, string(start)), " -> ")
			}
			if _, seen := prev[dep]; !seen {
				prev[dep] = k
				queue = append(queue, dep)
			}
		}
	}
	return string(start)
}

func containsKey(keys []Key, key Key) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

func dependenciesOf(e *entry) (keys []Key, err error) {
	keys = append(keys, e.deps...)
	d, ok := e.value.(Dependent)
	if !ok {
		return dedupeKeys(keys), nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("dependencies of %q panicked: %v", e.key, r)
		}
	}()
	keys = append(keys, d.Dependencies()...)
	return dedupeKeys(keys), nil
}

func dedupeKeys(keys []Key) []Key {
	if len(keys) < 2 {
		return keys
	}
	seen := make(map[Key]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func (p *pass) run(ctx context.Context, roots []Key) {
	if roots == nil {
		roots = p.order
	}
	for _, key := range roots {
		if _, ok := p.nodes[key]; !ok {
			p.fail(key, errors.Wrapf(ErrNotFound, "%q", key))
			continue
		}
		if p.marks[key] == unvisited {
			p.visit(ctx, key)
		}
	}
}

// visit applies the phase to key after everything it must follow. It
// reports whether key ended up in a good state.
func (p *pass) visit(ctx context.Context, key Key) bool {
	switch p.marks[key] {
	case visited:
		return true
	case broken:
		return false
	case onStack:
		// Back edge: both ends were already failed by markCycles.
		return false
	}

	p.marks[key] = onStack

	n := p.nodes[key]
	if n.err != nil {
		p.fail(key, n.err)
	}
	// Every edge is walked even after a failure so that unrelated subtrees
	// still get their turn.
	var blockedBy Key
	for _, next := range n.edges {
		if !p.visit(ctx, next) && blockedBy == "" {
			blockedBy = next
		}
	}

	if p.failed[key] {
		p.marks[key] = broken
		return false
	}
	if blockedBy != "" {
		cause := ErrDependencyFailed
		if p.phase.Reverse() {
			cause = ErrDependentFailed
		}
		p.fail(key, errors.Wrapf(cause, "%q", blockedBy))
		p.marks[key] = broken
		return false
	}
	if err := p.apply(ctx, n.e); err != nil {
		p.fail(key, err)
		p.marks[key] = broken
		return false
	}
	p.marks[key] = visited
	return true
}

func (p *pass) fail(key Key, err error) {
	if p.failed[key] {
		return
	}
	p.failed[key] = true
	p.failures = append(p.failures, &ComponentError{Key: key, Phase: p.phase, Err: err})
	p.report.Failed = append(p.report.Failed, key)
	if !p.dryRun {
		p.c.notifier.emit(EventPhaseFailed, key, p.phase, err)
	}
}

// apply runs the phase on e once no other pass is invoking it. A pass
// started from inside e's own phase method (through the context it was
// given) fails instead of waiting for itself.
func (p *pass) apply(ctx context.Context, e *entry) error {
	if p.dryRun {
		return p.plan(e)
	}
	for {
		release, inflight := e.claim()
		if release != nil {
			defer release()
			return p.invoke(ctx, e)
		}
		if invoking(ctx, e) {
			return errors.Wrapf(ErrInvalidTransition, "%s already in progress", p.phase)
		}
		select {
		case <-inflight:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "pass canceled")
		}
	}
}

func (p *pass) plan(e *entry) error {
	state := e.State()
	if p.assume != nil {
		state = *p.assume
	}
	_, doit, err := transition(state, p.phase)
	if err != nil {
		return err
	}
	if !doit || !supports(e.value, p.phase) {
		p.report.Unchanged = append(p.report.Unchanged, e.key)
		return nil
	}
	p.report.Applied = append(p.report.Applied, e.key)
	return nil
}

func (p *pass) invoke(ctx context.Context, e *entry) error {
	to, doit, err := transition(e.State(), p.phase)
	if err != nil {
		return err
	}
	if !doit {
		p.report.Unchanged = append(p.report.Unchanged, e.key)
		return nil
	}
	if !supports(e.value, p.phase) {
		e.setState(to)
		p.report.Unchanged = append(p.report.Unchanged, e.key)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "pass canceled")
	}

	ctx = withInvocation(ctx, e)
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "lifecycle."+p.phase.String(),
		trace.WithAttributes(attribute.String("lifecycle.key", string(e.key))))
	defer span.End()

	if err := safeInvoke(ctx, e.value, p.phase); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.c.logger.Ctx(ctx).Error("component phase failed",
			zap.String("key", string(e.key)),
			zap.String("phase", p.phase.String()),
			zap.Error(err))
		return err
	}
	e.setState(to)
	p.report.Applied = append(p.report.Applied, e.key)
	p.c.logger.Ctx(ctx).Debug("component phase applied",
		zap.String("key", string(e.key)),
		zap.String("phase", p.phase.String()),
		zap.String("state", to.String()))
	p.c.notifier.emit(EventPhaseApplied, e.key, p.phase, nil)
	return nil
}

type invocationKey struct{}

// invocation links the entries whose phase methods are on the current call
// path, innermost first.
type invocation struct {
	e      *entry
	parent *invocation
}

func withInvocation(ctx context.Context, e *entry) context.Context {
	parent, _ := ctx.Value(invocationKey{}).(*invocation)
	return context.WithValue(ctx, invocationKey{}, &invocation{e: e, parent: parent})
}

// invoking reports whether ctx was handed down from e's own phase method.
func invoking(ctx context.Context, e *entry) bool {
	inv, _ := ctx.Value(invocationKey{}).(*invocation)
	for ; inv != nil; inv = inv.parent {
		if inv.e == e {
			return true
		}
	}
	return false
}

func safeInvoke(ctx context.Context, value any, phase Phase) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("%s panicked: %v", phase, r)
		}
	}()
	return invoke(ctx, value, phase)
}

func (p *pass) err() error {
	if len(p.failures) == 0 {
		return nil
	}
	merr := &multierror.Error{Errors: p.failures, ErrorFormat: formatFailures}
	return merr
}

// String renders the report on one line, mostly for logs and the CLI.
func (r *Report) String() string {
	return fmt.Sprintf("%s: applied=%v unchanged=%v failed=%v", r.Phase, r.Applied, r.Unchanged, r.Failed)
}
