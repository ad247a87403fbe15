// Package location derives stable call-site ids from Go functions.
//
// An id is the import path of the declaring package followed by the dotted
// qualified name inside it, for example "example.com/app/billing.Ledger.Post".
// Function literals are marked with LocalsMarker so that a closure never
// collides with a top-level sibling of the same name.
package location

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"runtime"
	"strings"
)

// LocalsMarker separates an enclosing function from the closures it declares.
const LocalsMarker = "<locals>"

// MainPackage is the package name the runtime reports for program entry points.
const MainPackage = "main"

// Kind tells Resolve how to treat the first argument.
type Kind int

const (
	// Auto applies the receiver heuristic.
	Auto Kind = iota
	// Function never treats the first argument as a receiver.
	Function
	// Method always treats the first argument as the receiver.
	Method
)

func (k Kind) String() string {
	switch k {
	case Function:
		return "function"
	case Method:
		return "method"
	default:
		return "auto"
	}
}

// Site is the resolved identity of one invocation.
type Site struct {
	ID    string
	Bound bool
	Args  []any
}

var (
	// ErrNotFunc is returned when the callable is not a func value.
	ErrNotFunc = errors.New("callable is not a function")

	closureSegment = regexp.MustCompile(`^(func|gowrap|deferwrap)\d+$|^\d+$`)
)

// ID returns the call-site id of fn.
func ID(fn any) (string, error) {
	id, _, err := parse(fn)
	return id, err
}

// Resolve returns the call-site id of fn invoked with args, and the
// arguments to record. With Auto the first argument is excluded when the
// id equals its dynamic type name joined with the function's simple name.
func Resolve(fn any, kind Kind, args []any) (Site, error) {
	id, methodValue, err := parse(fn)
	if err != nil {
		return Site{}, err
	}
	if methodValue {
		return Site{ID: id, Bound: true, Args: args}, nil
	}

	switch kind {
	case Function:
		return Site{ID: id, Args: args}, nil
	case Method:
		if len(args) == 0 {
			return Site{}, fmt.Errorf("method %s called without a receiver", id)
		}
		return Site{ID: id, Bound: true, Args: args[1:]}, nil
	}

	if len(args) > 0 && receiverMatches(id, args[0]) {
		return Site{ID: id, Bound: true, Args: args[1:]}, nil
	}
	return Site{ID: id, Args: args}, nil
}

// ForMain rewrites an id declared in package main so that it reads as if
// declared in pkg.
func ForMain(id, pkg string) string {
	if pkg == "" || !strings.HasPrefix(id, MainPackage+".") {
		return id
	}
	return pkg + id[len(MainPackage):]
}

// SimpleName returns the last segment of an id.
func SimpleName(id string) string {
	_, qual := splitPackage(id)
	if i := strings.LastIndex(qual, "."); i >= 0 {
		return qual[i+1:]
	}
	return qual
}

func receiverMatches(id string, recv any) bool {
	t := reflect.TypeOf(recv)
	if t == nil {
		return false
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return false
	}
	expected := t.PkgPath() + "." + stripTypeArgs(t.Name()) + "." + SimpleName(id)
	return expected == id
}

// parse normalizes the runtime name of fn. The second result reports a
// method value, whose receiver is already bound.
func parse(fn any) (string, bool, error) {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
		return "", false, ErrNotFunc
	}
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return "", false, fmt.Errorf("no symbol for %T", fn)
	}
	return normalize(f.Name())
}

func normalize(raw string) (string, bool, error) {
	name := stripTypeArgs(raw)
	methodValue := strings.HasSuffix(name, "-fm")
	name = strings.TrimSuffix(name, "-fm")

	pkg, qual := splitPackage(name)
	if qual == "" {
		return "", false, fmt.Errorf("unqualified function name %q", raw)
	}

	var segments []string
	for _, seg := range strings.Split(qual, ".") {
		seg = strings.TrimSuffix(strings.TrimPrefix(seg, "(*"), ")")
		seg = strings.TrimSuffix(strings.TrimPrefix(seg, "("), ")")
		if seg == "" {
			continue
		}
		if closureSegment.MatchString(seg) && len(segments) > 0 {
			segments = append(segments, LocalsMarker)
		}
		segments = append(segments, seg)
	}
	return pkg + "." + strings.Join(segments, "."), methodValue, nil
}

// splitPackage splits at the first dot after the last slash.
func splitPackage(name string) (string, string) {
	slash := strings.LastIndex(name, "/")
	dot := strings.Index(name[slash+1:], ".")
	if dot < 0 {
		return name, ""
	}
	cut := slash + 1 + dot
	return strings.ReplaceAll(name[:cut], "%2e", "."), name[cut+1:]
}

func stripTypeArgs(name string) string {
	var b strings.Builder
	depth := 0
	for _, r := range name {
		switch {
		case r == '[':
			depth++
		case r == ']' && depth > 0:
			depth--
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}
