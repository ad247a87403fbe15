package session

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/funnyzak/replaytap/pkg/checkpoint"
)

// Predicate selects entries.
type Predicate func(checkpoint.Entry) bool

// Match accepts entries whose call-site id matches the shell-style glob
// pattern. The pattern is anchored at the end only: "square" matches
// "example.com/calc.square". '*' and '?' also match '/'.
func Match(pattern string) Predicate {
	re := Glob("*" + pattern)
	return func(e checkpoint.Entry) bool {
		return re.MatchString(e.SiteID())
	}
}

// Within accepts entries whose span lies inside r.
func Within(r checkpoint.TimeRange) Predicate {
	return func(e checkpoint.Entry) bool {
		return r.Contains(e.Range())
	}
}

// Recorder accepts entries emitted by the recorder called name.
func Recorder(name string) Predicate {
	return func(e checkpoint.Entry) bool {
		return e.Name() == name
	}
}

// And accepts entries accepted by every non-nil predicate.
func And(preds ...Predicate) Predicate {
	return func(e checkpoint.Entry) bool {
		for _, p := range preds {
			if p != nil && !p(e) {
				return false
			}
		}
		return true
	}
}

// Scope combines a site pattern with an optional bounding range.
func Scope(pattern string, within *checkpoint.TimeRange) Predicate {
	if within == nil {
		return Match(pattern)
	}
	return And(Match(pattern), Within(*within))
}

// Glob compiles a full-match shell pattern: '*', '?', and bracket
// classes with '!' negation. An unterminated '[' is literal.
func Glob(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString(`^(?s:`)
	for i := 0; i < len(pattern); {
		switch c := pattern[i]; c {
		case '*':
			b.WriteString(`.*`)
			i++
		case '?':
			b.WriteString(`.`)
			i++
		case '[':
			end := classEnd(pattern, i)
			if end < 0 {
				b.WriteString(`\[`)
				i++
				continue
			}
			class := pattern[i+1 : end]
			b.WriteByte('[')
			switch {
			case strings.HasPrefix(class, "!"):
				b.WriteByte('^')
				class = class[1:]
			case strings.HasPrefix(class, "^"):
				b.WriteString(`\^`)
				class = class[1:]
			}
			b.WriteString(strings.ReplaceAll(class, `\`, `\\`))
			b.WriteByte(']')
			i = end + 1
		default:
			r, size := utf8.DecodeRuneInString(pattern[i:])
			b.WriteString(regexp.QuoteMeta(string(r)))
			i += size
		}
	}
	b.WriteString(`)$`)

	re, err := regexp.Compile(b.String())
	if err != nil {
		return regexp.MustCompile(`^` + regexp.QuoteMeta(pattern) + `$`)
	}
	return re
}

// classEnd returns the index of the ']' closing the class opened at i.
func classEnd(pattern string, i int) int {
	j := i + 1
	if j < len(pattern) && pattern[j] == '!' {
		j++
	}
	if j < len(pattern) && pattern[j] == ']' {
		j++
	}
	for j < len(pattern) && pattern[j] != ']' {
		j++
	}
	if j >= len(pattern) {
		return -1
	}
	return j
}
