package lifecycle

import (
	"context"
	"sync"
)

// TypedComponent builds an instance of T during Initialize from a struct R
// injected from the registry. Its dependencies are R's fields, keyed the
// way Inject keys them.
type TypedComponent[T any, R any] struct {
	registry *Registry
	deps     []Key
	build    func(ctx context.Context, deps *R) (T, error)
	close    func(ctx context.Context, instance T) error

	mu       sync.RWMutex
	instance T
}

// NewTypedComponent creates a component whose instance is built by build
// from dependencies injected out of r. close may be nil.
func NewTypedComponent[T any, R any](
	r *Registry,
	build func(ctx context.Context, deps *R) (T, error),
	close func(ctx context.Context, instance T) error,
) *TypedComponent[T, R] {
	if build == nil {
		panic("lifecycle.NewTypedComponent: build cannot be nil")
	}
	return &TypedComponent[T, R]{
		registry: r,
		deps:     injectionKeys[R](),
		build:    build,
		close:    close,
	}
}

// NewSimpleComponent creates a TypedComponent with no dependencies.
func NewSimpleComponent[T any](
	build func(ctx context.Context) (T, error),
	close func(ctx context.Context, instance T) error,
) *TypedComponent[T, struct{}] {
	if build == nil {
		panic("lifecycle.NewSimpleComponent: build cannot be nil")
	}
	return NewTypedComponent[T, struct{}](nil,
		func(ctx context.Context, _ *struct{}) (T, error) { return build(ctx) },
		close)
}

// Key returns TypeKey[T](), the key other components' untagged fields of
// type T are injected from.
func (c *TypedComponent[T, R]) Key() Key { return TypeKey[T]() }

func (c *TypedComponent[T, R]) Initialize(ctx context.Context) error {
	deps, err := Inject[R](c.registry)
	if err != nil {
		return err
	}
	inst, err := c.build(ctx, deps)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.instance = inst
	c.mu.Unlock()
	return nil
}

func (c *TypedComponent[T, R]) Dispose(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.close != nil {
		err = c.close(ctx, c.instance)
	}
	var zero T
	c.instance = zero
	return err
}

func (c *TypedComponent[T, R]) Dependencies() []Key { return copyKeys(c.deps) }

// Instance returns the built instance, or the zero T before Initialize and
// after Dispose.
func (c *TypedComponent[T, R]) Instance() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instance
}

func (c *TypedComponent[T, R]) Provide() any { return c.Instance() }
