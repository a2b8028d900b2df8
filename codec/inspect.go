package codec

import (
	"fmt"
	"reflect"
)

type visitKey struct {
	typ reflect.Type
	ptr uintptr
	n   int
}

// inspector walks a value the way msgpack will encode it. It rejects kinds
// msgpack cannot carry, fails on cycles (msgpack would recurse forever) and
// records whether any map, slice or pointer is reachable more than once.
type inspector struct {
	onPath map[visitKey]bool
	seen   map[visitKey]bool
	shared bool
}

func inspect(rv reflect.Value) (shared bool, err error) {
	in := &inspector{
		onPath: make(map[visitKey]bool),
		seen:   make(map[visitKey]bool),
	}
	if err := in.walk(rv); err != nil {
		return false, err
	}
	return in.shared, nil
}

func (in *inspector) walk(rv reflect.Value) error {
	switch rv.Kind() {
	case reflect.Invalid:
		return nil
	case reflect.Chan, reflect.Func, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return fmt.Errorf("unsupported kind %s", rv.Kind())
	}
	if hasCustomEncoding(rv.Type()) {
		return nil
	}

	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return in.walk(rv.Elem())
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return in.enter(visitKey{typ: rv.Type(), ptr: rv.Pointer()}, func() error {
			return in.walk(rv.Elem())
		})
	case reflect.Map:
		if rv.IsNil() || rv.Len() == 0 {
			return nil
		}
		return in.enter(visitKey{typ: rv.Type(), ptr: rv.Pointer()}, func() error {
			iter := rv.MapRange()
			for iter.Next() {
				if k := keyKind(iter.Key()); !hashableKey(k) {
					return fmt.Errorf("unsupported map key kind %s", k)
				}
				if err := in.walk(iter.Key()); err != nil {
					return err
				}
				if err := in.walk(iter.Value()); err != nil {
					return err
				}
			}
			return nil
		})
	case reflect.Slice:
		if rv.IsNil() || rv.Len() == 0 {
			return nil
		}
		return in.enter(visitKey{typ: rv.Type(), ptr: rv.Pointer(), n: rv.Len()}, func() error {
			return in.elems(rv)
		})
	case reflect.Array:
		return in.elems(rv)
	case reflect.Struct:
		t := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() || f.Tag.Get("msgpack") == "-" {
				continue
			}
			if err := in.walk(rv.Field(i)); err != nil {
				return err
			}
		}
	}
	return nil
}

// keyKind is the kind msgpack sees for a map key, looking through interfaces.
func keyKind(k reflect.Value) reflect.Kind {
	for k.Kind() == reflect.Interface && !k.IsNil() {
		k = k.Elem()
	}
	return k.Kind()
}

// hashableKey reports whether a key of kind k decodes back into something
// usable as a Go map key. Composite keys come back as []any or map[any]any.
func hashableKey(k reflect.Kind) bool {
	switch k {
	case reflect.Struct, reflect.Array, reflect.Slice, reflect.Map, reflect.Pointer:
		return false
	}
	return true
}

func (in *inspector) elems(rv reflect.Value) error {
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil
	}
	for i := 0; i < rv.Len(); i++ {
		if err := in.walk(rv.Index(i)); err != nil {
			return err
		}
	}
	return nil
}

func (in *inspector) enter(k visitKey, fn func() error) error {
	if in.onPath[k] {
		return ErrCycle
	}
	if in.seen[k] {
		in.shared = true
		return nil
	}
	in.seen[k] = true
	in.onPath[k] = true
	err := fn()
	delete(in.onPath, k)
	return err
}
