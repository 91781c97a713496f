// Package admin serves a small HTTP API for inspecting a running kernel.
package admin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/GrayDragon82/lifecycle"
)

// ComponentInfo is the JSON view of one registered component.
type ComponentInfo struct {
	Key   string `json:"key"`
	State string `json:"state"`
	Type  string `json:"type"`
}

// PlanInfo is the JSON view of a dry run.
type PlanInfo struct {
	Phase    string            `json:"phase"`
	Order    []string          `json:"order"`
	Failures map[string]string `json:"failures,omitempty"`
}

type handlers struct {
	container *lifecycle.Container
	logger    *zap.Logger
}

// NewRouter exposes:
//
//	GET /healthz             200 while the container is started, 503 otherwise
//	GET /metrics             Prometheus metrics from gatherer
//	GET /components          every component with its state
//	GET /components/{key}    one component
//	GET /plan/{phase}        the order a phase would run in
func NewRouter(c *lifecycle.Container, gatherer prometheus.Gatherer, logger *zap.Logger) *mux.Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handlers{container: c, logger: logger.Named("admin")}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/components", h.listComponents).Methods(http.MethodGet)
	r.HandleFunc("/components/{key}", h.componentDetails).Methods(http.MethodGet)
	r.HandleFunc("/plan/{phase}", h.plan).Methods(http.MethodGet)
	return r
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	state := h.container.State()
	status := http.StatusOK
	if state != lifecycle.Started {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, map[string]string{"state": state.String()})
}

func (h *handlers) listComponents(w http.ResponseWriter, _ *http.Request) {
	reg := h.container.Registry()
	out := make([]ComponentInfo, 0, reg.Len())
	for _, key := range reg.Keys() {
		if info, ok := h.info(key); ok {
			out = append(out, info)
		}
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *handlers) componentDetails(w http.ResponseWriter, r *http.Request) {
	key := lifecycle.Key(mux.Vars(r)["key"])
	info, ok := h.info(key)
	if !ok {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "component not found"})
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

func (h *handlers) plan(w http.ResponseWriter, r *http.Request) {
	phase, err := lifecycle.ParsePhase(mux.Vars(r)["phase"])
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	order, err := h.container.Coordinator().Plan(r.Context(), phase)
	info := PlanInfo{Phase: phase.String(), Order: make([]string, 0, len(order))}
	for _, k := range order {
		info.Order = append(info.Order, string(k))
	}
	if failures := lifecycle.Failures(err); len(failures) > 0 {
		info.Failures = make(map[string]string, len(failures))
		for _, f := range failures {
			info.Failures[string(f.Key)] = f.Err.Error()
		}
	}
	h.writeJSON(w, http.StatusOK, info)
}

func (h *handlers) info(key lifecycle.Key) (ComponentInfo, bool) {
	reg := h.container.Registry()
	value, ok := reg.Get(key)
	if !ok {
		return ComponentInfo{}, false
	}
	state, _ := reg.State(key)
	return ComponentInfo{Key: string(key), State: state.String(), Type: lifecycle.TypeName(value)}, true
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}

// Serve runs handler on addr until ctx is canceled, then shuts the server
// down gracefully. ready, if not nil, receives the bound address.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger, ready chan<- net.Addr) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	if ready != nil {
		ready <- ln.Addr()
	}
	logger.Info("admin server listening", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "admin server")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown admin server")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "admin server")
	}
	return nil
}
