package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTypedComponent_BasicsAndDependencies(t *testing.T) {
	r := require.New(t)

	r.Panics(func() { _ = NewTypedComponent[*store, struct{}](nil, nil, nil) })
	r.Panics(func() { _ = NewSimpleComponent[*store](nil, nil) })

	storeComp := NewSimpleComponent(func(ctx context.Context) (*store, error) {
		return &store{name: "db"}, nil
	}, nil)
	r.Equal(Key("*lifecycle.store"), storeComp.Key())
	r.Nil(storeComp.Dependencies())

	cacheComp := NewTypedComponent(NewRegistry(),
		func(ctx context.Context, deps *struct{ Store *store }) (*cache, error) {
			return &cache{backing: deps.Store}, nil
		}, nil)
	r.Equal(Key("*lifecycle.cache"), cacheComp.Key())
	r.Equal([]Key{"*lifecycle.store"}, cacheComp.Dependencies())
}

func TestTypedComponent_InContainer(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	c := newTestContainer(t)
	var closed []string

	cacheComp := NewTypedComponent(c.Registry(),
		func(ctx context.Context, deps *struct{ Store *store }) (*cache, error) {
			return &cache{backing: deps.Store}, nil
		},
		func(ctx context.Context, inst *cache) error {
			closed = append(closed, "cache:"+inst.backing.name)
			return nil
		})
	storeComp := NewSimpleComponent(
		func(ctx context.Context) (*store, error) { return &store{name: "db"}, nil },
		func(ctx context.Context, inst *store) error {
			closed = append(closed, "store:"+inst.name)
			return nil
		})

	r.NoError(c.Register(ctx, cacheComp.Key(), cacheComp))
	r.NoError(c.Register(ctx, storeComp.Key(), storeComp))
	r.NoError(c.Initialize(ctx))

	r.Equal("db", cacheComp.Instance().backing.name)
	r.Same(storeComp.Instance(), cacheComp.Instance().backing)

	got, err := LookupByType[*cache](c.Registry())
	r.NoError(err)
	r.Same(cacheComp.Instance(), got)

	r.NoError(c.Dispose(ctx))
	r.Equal([]string{"cache:db", "store:db"}, closed)
	r.Nil(cacheComp.Instance())
	r.Nil(storeComp.Instance())
}

func TestTypedComponent_MissingDependency(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	c := newTestContainer(t)
	comp := NewTypedComponent(c.Registry(),
		func(ctx context.Context, deps *struct{ Store *store }) (*cache, error) {
			return &cache{backing: deps.Store}, nil
		}, nil)

	r.NoError(c.Register(ctx, comp.Key(), comp))
	err := c.Initialize(ctx)
	r.ErrorIs(err, ErrMissingDependency)
	r.Nil(comp.Instance())
}
