package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

// journal records phase invocations across components in call order.
type journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *journal) record(s string) {
	j.mu.Lock()
	j.calls = append(j.calls, s)
	j.mu.Unlock()
}

func (j *journal) entries() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.calls))
	copy(out, j.calls)
	return out
}

func (j *journal) reset() {
	j.mu.Lock()
	j.calls = nil
	j.mu.Unlock()
}

// probe implements every phase and records each invocation.
type probe struct {
	key     Key
	j       *journal
	deps    []Key
	fail    map[Phase]error
	panicOn Phase
}

func newProbe(j *journal, key Key, deps ...Key) *probe {
	return &probe{key: key, j: j, deps: deps, fail: make(map[Phase]error)}
}

func (p *probe) failing(phase Phase, err error) *probe { p.fail[phase] = err; return p }

func (p *probe) call(phase Phase) error {
	p.j.record(string(p.key) + ":" + phase.String())
	if p.panicOn == phase {
		panic("boom")
	}
	return p.fail[phase]
}

func (p *probe) Initialize(ctx context.Context) error { return p.call(Initialize) }
func (p *probe) Start(ctx context.Context) error      { return p.call(Start) }
func (p *probe) Stop(ctx context.Context) error       { return p.call(Stop) }
func (p *probe) Dispose(ctx context.Context) error    { return p.call(Dispose) }
func (p *probe) Dependencies() []Key                  { return p.deps }

// plain implements no lifecycle interface at all.
type plain struct{ name string }

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) OnEvent(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) ofType(typ EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) keys(typ EventType) []Key {
	var out []Key
	for _, e := range l.ofType(typ) {
		out = append(out, e.Key)
	}
	return out
}

type mockListener struct {
	mock.Mock
}

func (m *mockListener) OnEvent(e Event) { m.Called(e.Type, e.Key) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// gate blocks in Initialize until released, so tests can act while a pass
// is in flight.
type gate struct {
	j       *journal
	key     Key
	entered chan struct{}
	release chan struct{}
}

func newGate(j *journal, key Key) *gate {
	return &gate{j: j, key: key, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) Initialize(ctx context.Context) error {
	g.j.record(string(g.key) + ":initialize")
	close(g.entered)
	<-g.release
	return nil
}
