package cases

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"

	"github.com/funnyzak/replaytap/pkg/checkpoint"
	"github.com/funnyzak/replaytap/pkg/session"
)

// Inbound is a recorded request served by the application together with
// the response it produced.
type Inbound struct {
	Method          string
	URL             string
	Headers         http.Header
	Query           url.Values
	Form            url.Values
	JSON            any
	Data            string
	ExpectedStatus  int
	ExpectedHeaders http.Header
	ExpectedBody    string
	Range           checkpoint.TimeRange
}

// Path returns the path component of the request URL.
func (c Inbound) Path() string {
	u, err := url.Parse(c.URL)
	if err != nil {
		return ""
	}
	return u.Path
}

// Request rebuilds the recorded request.
func (c Inbound) Request() (*http.Request, error) {
	var body io.Reader
	switch {
	case c.Data != "":
		body = strings.NewReader(c.Data)
	case c.JSON != nil:
		b, err := json.Marshal(c.JSON)
		if err != nil {
			return nil, fmt.Errorf("encode json body: %w", err)
		}
		body = bytes.NewReader(b)
	case len(c.Form) > 0:
		body = strings.NewReader(c.Form.Encode())
	}

	req, err := http.NewRequest(c.Method, c.URL, body)
	if err != nil {
		return nil, err
	}
	req.RequestURI = req.URL.RequestURI()
	for key, values := range c.Headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	return req, nil
}

// Serve replays the request against h.
func (c Inbound) Serve(h http.Handler) (*httptest.ResponseRecorder, error) {
	req, err := c.Request()
	if err != nil {
		return nil, err
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, nil
}

// LoadInbound returns the recorded inbound requests whose URL path matches
// the glob pathPattern. The query string is ignored for matching.
func LoadInbound(s *session.Session, pathPattern string, within *checkpoint.TimeRange) ([]Inbound, error) {
	re := session.Glob(pathPattern)
	entries := s.Filter(session.And(adapterSite(InboundSite, within), func(e checkpoint.Entry) bool {
		in, _ := e.Input.(map[string]any)
		u, err := url.Parse(stringField(in, "url"))
		return err == nil && re.MatchString(u.Path)
	}))
	session.SortByStart(entries)

	out := make([]Inbound, 0, len(entries))
	for _, e := range entries {
		in, ok := e.Input.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: input is %T", e.Location, e.Input)
		}
		resp, _ := e.Output.(map[string]any)
		out = append(out, Inbound{
			Method:          stringField(in, "method"),
			URL:             stringField(in, "url"),
			Headers:         headerField(in, "headers"),
			Query:           valuesField(in, "args"),
			Form:            valuesField(in, "form"),
			JSON:            in["json"],
			Data:            stringField(in, "data"),
			ExpectedStatus:  intField(resp, "status_code"),
			ExpectedHeaders: headerField(resp, "headers"),
			ExpectedBody:    stringField(resp, "body"),
			Range:           e.Range(),
		})
	}
	return out, nil
}

// Outbound is a recorded request made by the application to another
// service, with the response it received or the transport error.
type Outbound struct {
	Method          string
	URL             string
	Headers         http.Header
	Body            string
	Status          int
	ResponseHeaders http.Header
	ResponseBody    string
	Err             string
	Range           checkpoint.TimeRange
}

// LoadOutbound returns the recorded outbound requests whose URL matches
// the glob urlPattern. An empty pattern matches every URL.
func LoadOutbound(s *session.Session, urlPattern string, within *checkpoint.TimeRange) ([]Outbound, error) {
	if urlPattern == "" {
		urlPattern = "*"
	}
	re := session.Glob(urlPattern)
	entries := s.Filter(session.And(adapterSite(OutboundSite, within), func(e checkpoint.Entry) bool {
		in, _ := e.Input.(map[string]any)
		return re.MatchString(stringField(in, "url"))
	}))
	session.SortByStart(entries)

	out := make([]Outbound, 0, len(entries))
	for _, e := range entries {
		in, ok := e.Input.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: input is %T", e.Location, e.Input)
		}
		c := Outbound{
			Method:  stringField(in, "method"),
			URL:     stringField(in, "url"),
			Headers: headerField(in, "headers"),
			Body:    stringField(in, "body"),
			Range:   e.Range(),
		}
		if e.Failed() {
			c.Err = e.ErrorMessage()
		} else {
			resp, _ := e.Output.(map[string]any)
			c.Status = intField(resp, "status_code")
			c.ResponseHeaders = headerField(resp, "headers")
			c.ResponseBody = stringField(resp, "body")
		}
		out = append(out, c)
	}
	return out, nil
}

func adapterSite(site string, within *checkpoint.TimeRange) session.Predicate {
	pred := func(e checkpoint.Entry) bool { return e.SiteID() == site }
	if within == nil {
		return pred
	}
	return session.And(pred, session.Within(*within))
}

// FlattenHeader turns h into the recorded single-valued form.
func FlattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		out[key] = strings.Join(values, ", ")
	}
	return out
}

// FlattenValues turns v into the recorded form.
func FlattenValues(v url.Values) map[string][]string {
	out := make(map[string][]string, len(v))
	for key, values := range v {
		out[key] = values
	}
	return out
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

// headerField reads recorded headers. JSON payloads decode to
// map[string]any; binary payloads keep the map[string]string the
// capture adapters write.
func headerField(m map[string]any, key string) http.Header {
	h := http.Header{}
	switch raw := m[key].(type) {
	case map[string]any:
		for _, k := range sortedKeys(raw) {
			h.Set(k, stringField(raw, k))
		}
	case map[string]string:
		for k, v := range raw {
			h.Set(k, v)
		}
	case map[string][]string:
		for k, vs := range raw {
			for _, v := range vs {
				h.Add(k, v)
			}
		}
	}
	return h
}

func valuesField(m map[string]any, key string) url.Values {
	v := url.Values{}
	switch raw := m[key].(type) {
	case map[string]any:
		for _, k := range sortedKeys(raw) {
			switch item := raw[k].(type) {
			case []any:
				for _, s := range item {
					v.Add(k, fmt.Sprint(s))
				}
			case []string:
				for _, s := range item {
					v.Add(k, s)
				}
			default:
				v.Add(k, stringField(raw, k))
			}
		}
	case map[string][]string:
		for k, vs := range raw {
			for _, s := range vs {
				v.Add(k, s)
			}
		}
	case map[string]string:
		for k, s := range raw {
			v.Add(k, s)
		}
	}
	return v
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
