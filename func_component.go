package lifecycle

import (
	"context"
	"sync"
)

// Hooks are the callbacks a FuncComponent runs for each phase. Any of them
// may be nil.
type Hooks struct {
	// OnInitialize builds the instance the component provides to others.
	OnInitialize func(ctx context.Context) (any, error)
	OnStart      func(ctx context.Context) error
	OnStop       func(ctx context.Context) error
	OnDispose    func(ctx context.Context) error
}

// FuncComponent is a component assembled from callbacks and a fixed list of
// dependency keys.
type FuncComponent struct {
	deps     []Key
	hooks    Hooks
	mu       sync.RWMutex
	instance any
}

// NewFuncComponent constructs a FuncComponent. deps are the keys of the
// components it must be initialized after.
func NewFuncComponent(deps []Key, hooks Hooks) *FuncComponent {
	return &FuncComponent{deps: copyKeys(deps), hooks: hooks}
}

func (f *FuncComponent) Initialize(ctx context.Context) error {
	if f.hooks.OnInitialize == nil {
		return nil
	}
	inst, err := f.hooks.OnInitialize(ctx)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.instance = inst
	f.mu.Unlock()
	return nil
}

func (f *FuncComponent) Start(ctx context.Context) error {
	if f.hooks.OnStart == nil {
		return nil
	}
	return f.hooks.OnStart(ctx)
}

func (f *FuncComponent) Stop(ctx context.Context) error {
	if f.hooks.OnStop == nil {
		return nil
	}
	return f.hooks.OnStop(ctx)
}

func (f *FuncComponent) Dispose(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if f.hooks.OnDispose != nil {
		err = f.hooks.OnDispose(ctx)
	}
	f.instance = nil
	return err
}

func (f *FuncComponent) Dependencies() []Key { return copyKeys(f.deps) }

// Provide returns the instance built by OnInitialize.
func (f *FuncComponent) Provide() any {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.instance
}
