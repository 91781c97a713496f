package manifest

import (
	"context"
	"reflect"
	"sort"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/GrayDragon82/lifecycle"
)

// Reconciler keeps a container in line with the latest manifest. Changed
// components are redefined under the same key, so the old instance becomes
// a lost object and is disposed; components dropped from the manifest are
// unregistered.
type Reconciler struct {
	container *lifecycle.Container
	logger    *zap.Logger
	current   map[lifecycle.Key]Spec
}

func NewReconciler(c *lifecycle.Container, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		container: c,
		logger:    logger.Named("manifest"),
		current:   make(map[lifecycle.Key]Spec),
	}
}

// Apply brings the container in line with m. New and changed components
// catch up with the container's current phase.
func (r *Reconciler) Apply(ctx context.Context, m *Manifest) error {
	next := make(map[lifecycle.Key]Spec, len(m.Components))
	var defs []lifecycle.Definition
	for _, s := range m.Components {
		key := lifecycle.Key(s.Key)
		next[key] = s
		if old, ok := r.current[key]; ok && reflect.DeepEqual(old, s) {
			continue
		}
		defs = append(defs, s.Definition(r.container.Expiry(), r.logger))
	}

	var removed []lifecycle.Key
	for key := range r.current {
		if _, ok := next[key]; !ok {
			removed = append(removed, key)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })

	var result *multierror.Error
	for _, key := range removed {
		if err := r.container.Unregister(ctx, key); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if len(defs) > 0 {
		if err := r.container.Load(ctx, defs...); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := r.container.DisposeLostObjects(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	r.current = next

	r.logger.Info("manifest applied",
		zap.Int("components", len(next)),
		zap.Int("defined", len(defs)),
		zap.Int("removed", len(removed)))
	return result.ErrorOrNil()
}
