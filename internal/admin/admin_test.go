package admin

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/GrayDragon82/lifecycle"
	"github.com/GrayDragon82/lifecycle/internal/metrics"
)

type svc struct{ calls int }

func (s *svc) Start(context.Context) error { s.calls++; return nil }

func newKernel(t *testing.T) (*lifecycle.Container, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	rec, err := metrics.NewRecorder(reg)
	require.NoError(t, err)
	c := lifecycle.New(lifecycle.WithListener(rec))
	reg.MustRegister(metrics.NewStateCollector(c.Registry()))
	t.Cleanup(func() { _ = c.Dispose(context.Background()) })

	ctx := context.Background()
	require.NoError(t, c.Register(ctx, "db", &svc{}))
	require.NoError(t, c.Register(ctx, "api", &svc{}, "db"))
	return c, reg
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	r := require.New(t)
	c, reg := newKernel(t)
	h := NewRouter(c, reg, zaptest.NewLogger(t))

	rec := get(t, h, "/healthz")
	r.Equal(http.StatusServiceUnavailable, rec.Code)
	r.JSONEq(`{"state":"uninitialized"}`, rec.Body.String())

	ctx := context.Background()
	r.NoError(c.Initialize(ctx))
	r.NoError(c.Start(ctx))
	rec = get(t, h, "/healthz")
	r.Equal(http.StatusOK, rec.Code)
	r.JSONEq(`{"state":"started"}`, rec.Body.String())
}

func TestComponents(t *testing.T) {
	r := require.New(t)
	c, reg := newKernel(t)
	h := NewRouter(c, reg, nil)
	r.NoError(c.Initialize(context.Background()))

	rec := get(t, h, "/components")
	r.Equal(http.StatusOK, rec.Code)
	r.Equal("application/json", rec.Header().Get("Content-Type"))
	var list []ComponentInfo
	r.NoError(json.Unmarshal(rec.Body.Bytes(), &list))
	r.Equal([]ComponentInfo{
		{Key: "db", State: "initialized", Type: "*admin.svc"},
		{Key: "api", State: "initialized", Type: "*admin.svc"},
	}, list)

	rec = get(t, h, "/components/api")
	r.Equal(http.StatusOK, rec.Code)
	r.JSONEq(`{"key":"api","state":"initialized","type":"*admin.svc"}`, rec.Body.String())

	rec = get(t, h, "/components/ghost")
	r.Equal(http.StatusNotFound, rec.Code)
}

func TestPlan(t *testing.T) {
	r := require.New(t)
	c, reg := newKernel(t)
	h := NewRouter(c, reg, nil)

	rec := get(t, h, "/plan/stop")
	r.Equal(http.StatusOK, rec.Code)
	var plan PlanInfo
	r.NoError(json.Unmarshal(rec.Body.Bytes(), &plan))
	r.Equal("stop", plan.Phase)
	r.Empty(plan.Order, "nothing is started")

	r.NoError(c.Register(context.Background(), "orphan", &svc{}, "missing"))
	rec = get(t, h, "/plan/start")
	r.NoError(json.Unmarshal(rec.Body.Bytes(), &plan))
	r.Contains(plan.Failures["orphan"], "missing dependency")

	rec = get(t, h, "/plan/restart")
	r.Equal(http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	r := require.New(t)
	c, reg := newKernel(t)
	h := NewRouter(c, reg, nil)
	r.NoError(c.Initialize(context.Background()))

	rec := get(t, h, "/metrics")
	r.Equal(http.StatusOK, rec.Code)
	body := rec.Body.String()
	r.Contains(body, `lifecycle_components{state="initialized"} 2`)
	r.Contains(body, `lifecycle_events_total{phase="",type="registered"} 2`)
}

func TestServe(t *testing.T) {
	r := require.New(t)
	c, reg := newKernel(t)
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0", NewRouter(c, reg, nil), zaptest.NewLogger(t), ready) }()

	var addr net.Addr
	select {
	case addr = <-ready:
	case <-time.After(5 * time.Second):
		r.FailNow("server did not start")
	}

	resp, err := http.Get("http://" + addr.String() + "/components/db")
	r.NoError(err)
	body, err := io.ReadAll(resp.Body)
	r.NoError(err)
	r.NoError(resp.Body.Close())
	r.Equal(http.StatusOK, resp.StatusCode)
	r.Contains(string(body), `"key":"db"`)

	cancel()
	r.NoError(<-done)
}
