package lifecycle

import (
	"fmt"
	"reflect"

	"github.com/cockroachdb/errors"
)

// Provider is implemented by wrapper components whose registered value is
// not the object other components want injected. FuncComponent and
// TypedComponent both provide the instance built during Initialize.
type Provider interface {
	Provide() any
}

// TypeKey returns the key a component of type T is conventionally
// registered under: its type string, e.g. "*sql.DB".
func TypeKey[T any]() Key {
	var zero T
	return Key(TypeName(zero))
}

// TypeName returns the type string of v as used for type keys.
func TypeName(v any) string {
	if v == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%T", v)
}

// Lookup returns the value registered under key as a T. Providers are
// unwrapped when the registered value itself is not a T.
func Lookup[T any](r *Registry, key Key) (T, error) {
	var zero T
	value, ok := r.Get(key)
	if !ok {
		return zero, errors.Wrapf(ErrNotFound, "%q", key)
	}
	if v, ok := value.(T); ok {
		return v, nil
	}
	if p, ok := value.(Provider); ok {
		if v, ok := p.Provide().(T); ok {
			return v, nil
		}
	}
	return zero, errors.Wrapf(ErrTypeMismatch, "%q is %s, not %s", key, TypeName(value), TypeKey[T]())
}

// LookupByType returns the value registered under TypeKey[T]().
func LookupByType[T any](r *Registry) (T, error) {
	return Lookup[T](r, TypeKey[T]())
}

// SelectByType returns every registered value that is a T, in registration
// order.
func SelectByType[T any](r *Registry) []T {
	values := r.SelectWhere(func(_ Key, v any) bool {
		_, ok := v.(T)
		return ok
	})
	out := make([]T, 0, len(values))
	for _, v := range values {
		out = append(out, v.(T))
	}
	return out
}

// injectionKeys returns the registry key each exported field of R is
// populated from: the `dep:"<key>"` tag if present, otherwise the field's
// type string.
func injectionKeys[R any]() []Key {
	t := reflect.TypeOf((*R)(nil)).Elem()
	if t.Kind() != reflect.Struct {
		return nil
	}
	keys := make([]Key, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if f := t.Field(i); f.IsExported() {
			keys = append(keys, fieldKey(f))
		}
	}
	return keys
}

func fieldKey(f reflect.StructField) Key {
	if tag := f.Tag.Get("dep"); tag != "" {
		return Key(tag)
	}
	return Key(f.Type.String())
}

func inject[R any](r *Registry, skipErrors bool) (*R, error) {
	result := new(R)
	v := reflect.ValueOf(result).Elem()
	t := v.Type()
	if t.Kind() != reflect.Struct {
		return result, errors.Newf("inject: %s is not a struct", t)
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		key := fieldKey(field)

		value, ok := r.Get(key)
		if !ok {
			if skipErrors {
				continue
			}
			return nil, errors.Wrapf(ErrNotFound, "inject: field %q (%s)", field.Name, key)
		}

		rv, ok := assignable(value, field.Type)
		if !ok {
			if skipErrors {
				continue
			}
			return nil, errors.Wrapf(ErrTypeMismatch, "inject: field %q (%s) has type %s, got %s",
				field.Name, key, field.Type, TypeName(value))
		}
		v.Field(i).Set(rv)
	}
	return result, nil
}

func assignable(value any, to reflect.Type) (reflect.Value, bool) {
	if rv := reflect.ValueOf(value); rv.Type().AssignableTo(to) {
		return rv, true
	}
	if p, ok := value.(Provider); ok {
		if inst := p.Provide(); inst != nil {
			if rv := reflect.ValueOf(inst); rv.Type().AssignableTo(to) {
				return rv, true
			}
		}
	}
	return reflect.Value{}, false
}

// Inject populates the exported fields of a struct R from the registry.
//
// Each exported field is looked up under its `dep:"<key>"` tag, or under
// its type string when untagged:
//
//	type deps struct {
//	    DB    *sql.DB `dep:"main_db"`
//	    Cache *Cache  // looked up as "*app.Cache"
//	}
//
//	d, err := Inject[deps](registry)
//
// Missing components and type mismatches are errors.
func Inject[R any](r *Registry) (*R, error) {
	return inject[R](r, false)
}

// InjectAvailable is Inject that leaves fields it cannot populate at their
// zero value.
func InjectAvailable[R any](r *Registry) *R {
	result, _ := inject[R](r, true)
	return result
}

// MustInject is Inject that panics on error.
func MustInject[R any](r *Registry) *R {
	result, err := inject[R](r, false)
	if err != nil {
		panic(err)
	}
	return result
}
