package manifest

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/GrayDragon82/lifecycle"
)

// Simulated is a component that only logs its phases, fails where its spec
// says so and, while started, holds an expiring lease.
type Simulated struct {
	key     lifecycle.Key
	failOn  map[lifecycle.Phase]bool
	ttl     time.Duration
	monitor *lifecycle.ExpiryMonitor
	logger  *zap.Logger

	mu      sync.Mutex
	history []lifecycle.Phase
	lease   *lifecycle.ExpiryHandle
	expired bool
}

// NewSimulated builds the component described by s. Invalid fail_on or ttl
// values are ignored; Parse rejects them.
func NewSimulated(s Spec, monitor *lifecycle.ExpiryMonitor, logger *zap.Logger) *Simulated {
	if logger == nil {
		logger = zap.NewNop()
	}
	sim := &Simulated{
		key:     lifecycle.Key(s.Key),
		failOn:  make(map[lifecycle.Phase]bool),
		monitor: monitor,
		logger:  logger.With(zap.String("component", s.Key)),
	}
	for _, name := range s.FailOn {
		if p, err := lifecycle.ParsePhase(name); err == nil {
			sim.failOn[p] = true
		}
	}
	sim.ttl, _ = s.ttl()
	return sim
}

func (s *Simulated) run(phase lifecycle.Phase) error {
	s.mu.Lock()
	s.history = append(s.history, phase)
	s.mu.Unlock()

	if s.failOn[phase] {
		s.logger.Warn("simulated failure", zap.String("phase", phase.String()))
		return errors.Newf("simulated %s failure", phase)
	}
	s.logger.Info("phase", zap.String("phase", phase.String()))
	return nil
}

func (s *Simulated) Initialize(context.Context) error { return s.run(lifecycle.Initialize) }

func (s *Simulated) Start(context.Context) error {
	if err := s.run(lifecycle.Start); err != nil {
		return err
	}
	if s.ttl > 0 && s.monitor != nil {
		lease := lifecycle.NewExpiryHandle(s.key, s.expire)
		s.mu.Lock()
		s.lease = lease
		s.expired = false
		s.mu.Unlock()
		s.monitor.Add(s.ttl, lease)
	}
	return nil
}

func (s *Simulated) Stop(context.Context) error {
	s.release()
	return s.run(lifecycle.Stop)
}

func (s *Simulated) Dispose(context.Context) error {
	s.release()
	return s.run(lifecycle.Dispose)
}

func (s *Simulated) release() {
	s.mu.Lock()
	lease := s.lease
	s.lease = nil
	s.mu.Unlock()
	if lease != nil {
		s.monitor.Remove(lease)
	}
}

func (s *Simulated) expire() error {
	s.mu.Lock()
	s.expired = true
	s.lease = nil
	s.mu.Unlock()
	s.logger.Info("lease expired", zap.Duration("ttl", s.ttl))
	return nil
}

// Touch renews the lease, if one is held.
func (s *Simulated) Touch() {
	s.mu.Lock()
	lease := s.lease
	s.mu.Unlock()
	if lease != nil {
		s.monitor.Reset(lease)
	}
}

// History returns the phases invoked so far.
func (s *Simulated) History() []lifecycle.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]lifecycle.Phase, len(s.history))
	copy(out, s.history)
	return out
}

// Expired reports whether the current lease ran out.
func (s *Simulated) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired
}
