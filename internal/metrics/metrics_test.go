package metrics

import (
	"context"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/GrayDragon82/lifecycle"
)

type failing struct{}

func (failing) Initialize(context.Context) error { return errors.New("nope") }

type fine struct{}

func (fine) Initialize(context.Context) error { return nil }

func TestRecorder_CountsKernelEvents(t *testing.T) {
	r := require.New(t)
	reg := prometheus.NewPedanticRegistry()
	rec, err := NewRecorder(reg)
	r.NoError(err)

	ctx := context.Background()
	c := lifecycle.New(lifecycle.WithListener(rec))
	r.NoError(c.Register(ctx, "ok", fine{}))
	r.NoError(c.Register(ctx, "bad", failing{}))
	r.NoError(c.Register(ctx, "needs-bad", fine{}, "bad"))
	r.Error(c.Initialize(ctx))

	r.Equal(3.0, testutil.ToFloat64(rec.events.WithLabelValues("registered", "")))
	r.Equal(1.0, testutil.ToFloat64(rec.events.WithLabelValues("phase_applied", "initialize")))
	r.Equal(2.0, testutil.ToFloat64(rec.events.WithLabelValues("phase_failed", "initialize")))
	r.Equal(1.0, testutil.ToFloat64(rec.failures.WithLabelValues("initialize", "needs-bad")))

	c.Expiry().Add(0, lifecycle.OnExpiry(nil))
	c.Expiry().Add(0, lifecycle.OnExpiry(func() error { return errors.New("stuck") }))
	r.Equal(2, c.Expiry().Run())
	r.Equal(1.0, testutil.ToFloat64(rec.expiries.WithLabelValues("true")))
	r.Equal(1.0, testutil.ToFloat64(rec.expiries.WithLabelValues("false")))
}

func TestRecorder_RegisterTwiceFails(t *testing.T) {
	r := require.New(t)
	reg := prometheus.NewRegistry()
	_, err := NewRecorder(reg)
	r.NoError(err)
	_, err = NewRecorder(reg)
	r.Error(err)
}

func TestStateCollector(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	c := lifecycle.New()
	r.NoError(c.Register(ctx, "a", fine{}))
	r.NoError(c.Register(ctx, "b", fine{}))
	r.NoError(c.Register(ctx, "c", failing{}))
	r.Error(c.Initialize(ctx))

	expected := `
# HELP lifecycle_components Registered components by lifecycle state.
# TYPE lifecycle_components gauge
lifecycle_components{state="disposed"} 0
lifecycle_components{state="initialized"} 2
lifecycle_components{state="started"} 0
lifecycle_components{state="stopped"} 0
lifecycle_components{state="uninitialized"} 1
`
	r.NoError(testutil.CollectAndCompare(NewStateCollector(c.Registry()), strings.NewReader(expected)))
}
