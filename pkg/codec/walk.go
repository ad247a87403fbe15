package codec

import (
	"encoding/gob"
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"sync"
	"unicode/utf8"
)

// maxSafeInt is the largest integer a float64 holds exactly.
const maxSafeInt = 1 << 53

var (
	errCycle       = errors.New("value graph contains a cycle")
	jsonNumberType = reflect.TypeOf(json.Number(""))
	registered     sync.Map
)

// Register makes the concrete type of v known to the binary decoder.
// Types seen by Encode are registered automatically; call Register for
// types a process only ever decodes.
func Register(v any) {
	register(reflect.TypeOf(v))
}

func register(t reflect.Type) {
	if t == nil {
		return
	}
	switch t.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Interface:
		return
	}
	if _, loaded := registered.LoadOrStore(t, struct{}{}); loaded {
		return
	}
	defer func() {
		// name clashes surface later as gob errors
		_ = recover()
	}()
	gob.Register(reflect.Zero(t).Interface())
}

type visit struct {
	kind reflect.Kind
	ptr  uintptr
	n    int
}

// walker checks whether a value graph stays inside the JSON grammar,
// registers the concrete types it meets and detects cycles.
type walker struct {
	path map[visit]struct{}
}

func newWalker() *walker {
	return &walker{path: make(map[visit]struct{})}
}

func (w *walker) inspect(v any) (bool, error) {
	register(reflect.TypeOf(v))
	return w.walk(reflect.ValueOf(v))
}

func (w *walker) enter(v reflect.Value, n int) (func(), error) {
	key := visit{kind: v.Kind(), ptr: v.Pointer(), n: n}
	if _, ok := w.path[key]; ok {
		return nil, errCycle
	}
	w.path[key] = struct{}{}
	return func() { delete(w.path, key) }, nil
}

func (w *walker) walk(v reflect.Value) (bool, error) {
	if !v.IsValid() {
		return true, nil
	}
	plain := v.Type().PkgPath() == ""

	switch v.Kind() {
	case reflect.Bool:
		return plain, nil
	case reflect.String:
		if v.Type() == jsonNumberType {
			return true, nil
		}
		return plain && utf8.ValidString(v.String()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := v.Int()
		return plain && n >= -maxSafeInt && n <= maxSafeInt, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return plain && v.Uint() <= maxSafeInt, nil
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		return plain && !math.IsNaN(f) && !math.IsInf(f, 0), nil
	case reflect.Interface:
		if v.IsNil() {
			return true, nil
		}
		elem := v.Elem()
		register(elem.Type())
		return w.walk(elem)
	case reflect.Pointer:
		if v.IsNil() {
			return true, nil
		}
		leave, err := w.enter(v, 0)
		if err != nil {
			return false, err
		}
		defer leave()
		_, err = w.walk(v.Elem())
		return false, err
	case reflect.Slice:
		if v.IsNil() {
			return plain && v.Type().Elem().Kind() != reflect.Uint8, nil
		}
		leave, err := w.enter(v, v.Len())
		if err != nil {
			return false, err
		}
		defer leave()
		return w.walkElems(v, plain && v.Type().Elem().Kind() != reflect.Uint8)
	case reflect.Array:
		return w.walkElems(v, plain && v.Type().Elem().Kind() != reflect.Uint8)
	case reflect.Map:
		key := v.Type().Key()
		safe := plain && key.Kind() == reflect.String && key.PkgPath() == ""
		if v.IsNil() {
			return safe, nil
		}
		leave, err := w.enter(v, 0)
		if err != nil {
			return false, err
		}
		defer leave()
		iter := v.MapRange()
		for iter.Next() {
			if _, err := w.walk(iter.Key()); err != nil {
				return false, err
			}
			ok, err := w.walk(iter.Value())
			if err != nil {
				return false, err
			}
			safe = safe && ok
		}
		return safe, nil
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			if _, err := w.walk(v.Field(i)); err != nil {
				return false, err
			}
		}
		return false, nil
	default:
		return false, nil
	}
}

func (w *walker) walkElems(v reflect.Value, safe bool) (bool, error) {
	for i := 0; i < v.Len(); i++ {
		ok, err := w.walk(v.Index(i))
		if err != nil {
			return false, err
		}
		safe = safe && ok
	}
	return safe, nil
}
