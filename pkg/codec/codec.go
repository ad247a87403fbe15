// Package codec converts call arguments and results into checkpoint-safe
// text and back. Values made only of JSON-grammar data are stored as
// canonical JSON; everything else falls back to gob encoded as ascii85.
package codec

import (
	"bytes"
	"encoding/ascii85"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/gowebpki/jcs"
)

// Hint names the encoding used for a payload.
type Hint string

const (
	// HintJSON plain canonical JSON text.
	HintJSON Hint = "json"
	// HintBinary gob stream in ascii85. The suffix pins the envelope layout.
	HintBinary Hint = "gob+a85/v1"
)

// ErrUnknownHint is returned when decoding with a hint no decoder handles.
var ErrUnknownHint = errors.New("unknown codec hint")

// CodecError reports a failure of the binary path or an undecodable payload.
type CodecError struct {
	Op   string
	Hint Hint
	Err  error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("codec %s (%s): %v", e.Op, e.Hint, e.Err)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

// envelope lets gob carry any registered concrete type at the top level.
type envelope struct {
	V any
}

func init() {
	gob.Register([]any(nil))
	gob.Register(map[string]any(nil))
	gob.Register([]string(nil))
	gob.Register(map[string]string(nil))
	gob.Register(map[string][]string(nil))
}

// Encode returns the hint and text form of v.
func Encode(v any) (Hint, string, error) {
	w := newWalker()
	safe, err := w.inspect(v)
	if err != nil {
		return "", "", &CodecError{Op: "encode", Hint: HintBinary, Err: err}
	}
	if safe {
		if text, err := encodeJSON(v); err == nil {
			return HintJSON, text, nil
		}
	}
	text, err := encodeBinary(v)
	if err != nil {
		return "", "", &CodecError{Op: "encode", Hint: HintBinary, Err: err}
	}
	return HintBinary, text, nil
}

// Decode reverses Encode. JSON payloads decode to float64, string, bool,
// nil, []any and map[string]any.
func Decode(text string, hint Hint) (any, error) {
	switch hint {
	case HintJSON:
		var v any
		if err := json.Unmarshal([]byte(text), &v); err != nil {
			return nil, &CodecError{Op: "decode", Hint: hint, Err: err}
		}
		return v, nil
	case HintBinary:
		v, err := decodeBinary(text)
		if err != nil {
			return nil, &CodecError{Op: "decode", Hint: hint, Err: err}
		}
		return v, nil
	default:
		return nil, &CodecError{Op: "decode", Hint: hint, Err: ErrUnknownHint}
	}
}

// Normalize passes v through Encode and Decode so it compares equal to a
// value read back from a session.
func Normalize(v any) (any, error) {
	hint, text, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return Decode(text, hint)
}

func encodeJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	return string(canonical), nil
}

func encodeBinary(v any) (string, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&envelope{V: dropNilPointers(v)}); err != nil {
		return "", err
	}
	dst := make([]byte, ascii85.MaxEncodedLen(buf.Len()))
	n := ascii85.Encode(dst, buf.Bytes())
	return string(dst[:n]), nil
}

// dropNilPointers replaces nil pointers held in interfaces with nil, which
// gob cannot carry otherwise. Generic slices and maps are copied.
func dropNilPointers(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = dropNilPointers(e)
		}
		return out
	case map[string]any:
		if t == nil {
			return t
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = dropNilPointers(e)
		}
		return out
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil
	}
	return v
}

func decodeBinary(text string) (any, error) {
	src := []byte(text)
	dst := make([]byte, 4*len(src)+4)
	n, _, err := ascii85.Decode(dst, src, true)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(dst[:n])).Decode(&env); err != nil {
		return nil, err
	}
	return env.V, nil
}
