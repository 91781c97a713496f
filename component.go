package lifecycle

import "context"

// Key is the unique name of a registered component.
type Key string

// Initializable components take part in the Initialize phase.
type Initializable interface {
	// Initialize prepares the component. All of its dependencies have
	// already been initialized when this is called.
	Initialize(ctx context.Context) error
}

// Startable components take part in the Start phase.
type Startable interface {
	Start(ctx context.Context) error
}

// Stoppable components take part in the Stop phase. Stop is only invoked
// on components that are currently started.
type Stoppable interface {
	Stop(ctx context.Context) error
}

// Disposable components take part in the Dispose phase and are tracked as
// lost objects when displaced from the registry.
type Disposable interface {
	// Dispose releases every resource held by the component. It is called
	// at most once per registration.
	Dispose(ctx context.Context) error
}

// Dependent components declare the keys they require. The coordinator asks
// for them on every phase application, so the answer may change as the
// component learns more about its configuration.
type Dependent interface {
	Dependencies() []Key
}

// Definition is the resolved (key, instance, dependencies) triple produced
// by a configuration loader.
type Definition struct {
	Key          Key
	Instance     any
	Dependencies []Key
}

func supports(value any, phase Phase) bool {
	switch phase {
	case Initialize:
		_, ok := value.(Initializable)
		return ok
	case Start:
		_, ok := value.(Startable)
		return ok
	case Stop:
		_, ok := value.(Stoppable)
		return ok
	case Dispose:
		_, ok := value.(Disposable)
		return ok
	}
	return false
}

func invoke(ctx context.Context, value any, phase Phase) error {
	switch phase {
	case Initialize:
		return value.(Initializable).Initialize(ctx)
	case Start:
		return value.(Startable).Start(ctx)
	case Stop:
		return value.(Stoppable).Stop(ctx)
	case Dispose:
		return value.(Disposable).Dispose(ctx)
	}
	return nil
}
