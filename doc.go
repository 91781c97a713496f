// Package lifecycle manages the lifecycle of interdependent components.
//
// A Container holds components by key. Each component may implement any of
// Initializable, Startable, Stoppable and Disposable, and may report the
// keys it depends on through Dependent or at registration time. Applying a
// phase walks the dependency graph: Initialize and Start run dependencies
// first, Stop and Dispose run dependents first. A component whose phase
// method fails blocks everything that needs it in that pass; unrelated
// components proceed, and every failure comes back as a *ComponentError.
//
//	c := lifecycle.New(lifecycle.WithLogger(logger))
//	_ = c.Register(ctx, "db", db)
//	_ = c.Register(ctx, "api", api, "db")
//	if err := c.Initialize(ctx); err != nil {
//	    for _, f := range lifecycle.Failures(err) {
//	        logger.Error("component failed", zap.String("key", string(f.Key)), zap.Error(f.Err))
//	    }
//	}
//	defer c.Dispose(ctx)
//
// Components registered after the container has moved on are brought up to
// its current phase before Register returns. Registering a key twice
// replaces the old value; a displaced Disposable is kept until
// DisposeLostObjects or Dispose releases it.
//
// The ExpiryMonitor expires handles whose time-to-live has elapsed since
// they were added or last reset. It runs while the container is started.
package lifecycle
