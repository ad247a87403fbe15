package recorder

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/go-viper/mapstructure/v2"

	"github.com/funnyzak/replaytap/pkg/location"
)

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

func siteOf(fn any) string {
	id, err := location.ID(fn)
	if err != nil {
		panic(fmt.Sprintf("recorder: cannot wrap %T: %v", fn, err))
	}
	return id
}

func dispatch[R any](ctx context.Context, siteID string, args []any, call func(context.Context) (R, error)) (R, error) {
	if sub := Lookup(siteID); sub != nil {
		out, err := sub.Invoke(ctx, args)
		if err != nil {
			var zero R
			return zero, err
		}
		return convert[R](out)
	}
	r := Active()
	if r == nil {
		return call(ctx)
	}
	return invoke(ctx, r, siteID, args, call)
}

// mustPure unwraps the result of a call that has no error return.
func mustPure[R any](v R, err error) R {
	if err != nil {
		panic(err)
	}
	return v
}

// Func0 instruments fn.
func Func0[R any](fn func(context.Context) (R, error)) func(context.Context) (R, error) {
	siteID := siteOf(fn)
	return func(ctx context.Context) (R, error) {
		return dispatch(ctx, siteID, nil, fn)
	}
}

// Func1 instruments fn.
func Func1[A, R any](fn func(context.Context, A) (R, error)) func(context.Context, A) (R, error) {
	siteID := siteOf(fn)
	return func(ctx context.Context, a A) (R, error) {
		return dispatch(ctx, siteID, []any{a}, func(ctx context.Context) (R, error) {
			return fn(ctx, a)
		})
	}
}

// Func2 instruments fn.
func Func2[A, B, R any](fn func(context.Context, A, B) (R, error)) func(context.Context, A, B) (R, error) {
	siteID := siteOf(fn)
	return func(ctx context.Context, a A, b B) (R, error) {
		return dispatch(ctx, siteID, []any{a, b}, func(ctx context.Context) (R, error) {
			return fn(ctx, a, b)
		})
	}
}

// Func3 instruments fn.
func Func3[A, B, C, R any](fn func(context.Context, A, B, C) (R, error)) func(context.Context, A, B, C) (R, error) {
	siteID := siteOf(fn)
	return func(ctx context.Context, a A, b B, c C) (R, error) {
		return dispatch(ctx, siteID, []any{a, b, c}, func(ctx context.Context) (R, error) {
			return fn(ctx, a, b, c)
		})
	}
}

// Method0 instruments a method expression such as (*Ledger).Total. The
// receiver is not recorded.
func Method0[T, R any](fn func(T, context.Context) (R, error)) func(T, context.Context) (R, error) {
	siteID := siteOf(fn)
	return func(recv T, ctx context.Context) (R, error) {
		return dispatch(ctx, siteID, nil, func(ctx context.Context) (R, error) {
			return fn(recv, ctx)
		})
	}
}

// Method1 instruments a method expression taking one argument.
func Method1[T, A, R any](fn func(T, context.Context, A) (R, error)) func(T, context.Context, A) (R, error) {
	siteID := siteOf(fn)
	return func(recv T, ctx context.Context, a A) (R, error) {
		return dispatch(ctx, siteID, []any{a}, func(ctx context.Context) (R, error) {
			return fn(recv, ctx, a)
		})
	}
}

// Method2 instruments a method expression taking two arguments.
func Method2[T, A, B, R any](fn func(T, context.Context, A, B) (R, error)) func(T, context.Context, A, B) (R, error) {
	siteID := siteOf(fn)
	return func(recv T, ctx context.Context, a A, b B) (R, error) {
		return dispatch(ctx, siteID, []any{a, b}, func(ctx context.Context) (R, error) {
			return fn(recv, ctx, a, b)
		})
	}
}

// Pure1 instruments a function without context or error. A replayed
// failure panics with the replay error.
func Pure1[A, R any](fn func(A) R) func(A) R {
	siteID := siteOf(fn)
	return func(a A) R {
		return mustPure(dispatch(context.Background(), siteID, []any{a}, func(context.Context) (R, error) {
			return fn(a), nil
		}))
	}
}

// Pure2 instruments a two-argument function without context or error.
func Pure2[A, B, R any](fn func(A, B) R) func(A, B) R {
	siteID := siteOf(fn)
	return func(a A, b B) R {
		return mustPure(dispatch(context.Background(), siteID, []any{a, b}, func(context.Context) (R, error) {
			return fn(a, b), nil
		}))
	}
}

// Call invokes fn with args through the active recorder, for call sites
// only known at run time. If fn takes a leading context.Context that args
// omit, ctx is passed in. The site is resolved with location.Auto, so a
// first argument whose type declares fn as a method is not recorded.
// Context arguments are never recorded. A trailing error result is
// returned as the error; the other results are returned in order.
func Call(ctx context.Context, fn any, args ...any) ([]any, error) {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
		return nil, location.ErrNotFunc
	}
	ft := v.Type()
	if ft.NumIn() > 0 && ft.In(0) == contextType && len(args) == ft.NumIn()-1 {
		args = append([]any{ctx}, args...)
	}

	in, err := callArgs(ft, args)
	if err != nil {
		return nil, err
	}
	site, err := location.Resolve(fn, location.Auto, args)
	if err != nil {
		return nil, err
	}
	recorded := make([]any, 0, len(site.Args))
	for _, a := range site.Args {
		if _, ok := a.(context.Context); ok {
			continue
		}
		recorded = append(recorded, a)
	}

	values, trailingErr := splitResults(ft)
	result, err := dispatch(ctx, site.ID, recorded, func(context.Context) (any, error) {
		out := v.Call(in)
		var callErr error
		if trailingErr {
			if e := out[len(out)-1]; !e.IsNil() {
				callErr = e.Interface().(error)
			}
			out = out[:len(out)-1]
		}
		return packResults(out), callErr
	})
	if err != nil {
		return nil, err
	}
	return unpackResults(result, values)
}

func callArgs(ft reflect.Type, args []any) ([]reflect.Value, error) {
	if !ft.IsVariadic() && len(args) != ft.NumIn() {
		return nil, fmt.Errorf("%s takes %d arguments, got %d", ft, ft.NumIn(), len(args))
	}
	if ft.IsVariadic() && len(args) < ft.NumIn()-1 {
		return nil, fmt.Errorf("%s takes at least %d arguments, got %d", ft, ft.NumIn()-1, len(args))
	}
	in := make([]reflect.Value, len(args))
	for i, a := range args {
		var pt reflect.Type
		if ft.IsVariadic() && i >= ft.NumIn()-1 {
			pt = ft.In(ft.NumIn() - 1).Elem()
		} else {
			pt = ft.In(i)
		}
		if a == nil {
			in[i] = reflect.Zero(pt)
			continue
		}
		av := reflect.ValueOf(a)
		if !av.Type().AssignableTo(pt) {
			return nil, fmt.Errorf("argument %d: %s is not assignable to %s", i, av.Type(), pt)
		}
		in[i] = av
	}
	return in, nil
}

func splitResults(ft reflect.Type) ([]reflect.Type, bool) {
	n := ft.NumOut()
	trailingErr := n > 0 && ft.Out(n-1) == errorType
	if trailingErr {
		n--
	}
	types := make([]reflect.Type, n)
	for i := range types {
		types[i] = ft.Out(i)
	}
	return types, trailingErr
}

// packResults is the recorded output: nothing, the single value, or a list.
func packResults(out []reflect.Value) any {
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0].Interface()
	}
	list := make([]any, len(out))
	for i, o := range out {
		list[i] = o.Interface()
	}
	return list
}

func unpackResults(result any, types []reflect.Type) ([]any, error) {
	switch len(types) {
	case 0:
		return []any{}, nil
	case 1:
		v, err := convertTo(result, types[0])
		if err != nil {
			return nil, err
		}
		return []any{v.Interface()}, nil
	}
	list, ok := result.([]any)
	if !ok || len(list) != len(types) {
		return nil, fmt.Errorf("expected %d results, got %T", len(types), result)
	}
	out := make([]any, len(types))
	for i, t := range types {
		v, err := convertTo(list[i], t)
		if err != nil {
			return nil, fmt.Errorf("result %d: %w", i, err)
		}
		out[i] = v.Interface()
	}
	return out, nil
}

func convert[R any](v any) (R, error) {
	var zero R
	out, err := convertTo(v, reflect.TypeFor[R]())
	if err != nil {
		return zero, err
	}
	iv := out.Interface()
	if iv == nil {
		return zero, nil
	}
	r, ok := iv.(R)
	if !ok {
		return zero, fmt.Errorf("cannot use %T as %T", v, zero)
	}
	return r, nil
}

// convertTo turns a decoded payload into a value of type t. Replayed JSON
// payloads carry float64 numbers and generic maps, so numbers are
// converted and maps are decoded into structs.
func convertTo(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		out := reflect.New(t).Elem()
		out.Set(rv)
		return out, nil
	}
	if isNumber(rv.Kind()) && isNumber(t.Kind()) {
		return rv.Convert(t), nil
	}

	out := reflect.New(t)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out.Interface(),
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return reflect.Value{}, err
	}
	if err := dec.Decode(v); err != nil {
		return reflect.Value{}, errors.Join(fmt.Errorf("cannot use %T as %s", v, t), err)
	}
	return out.Elem(), nil
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
