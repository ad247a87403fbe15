package replay

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/funnyzak/replaytap/pkg/cases"
	"github.com/funnyzak/replaytap/pkg/checkpoint"
	"github.com/funnyzak/replaytap/pkg/session"
)

// Responder is an http.RoundTripper answering from recorded outbound
// calls. Responses for the same method and URL are served in recorded
// order; the last one repeats once they run out.
type Responder struct {
	mu     sync.Mutex
	queues map[string][]cases.Outbound
	served map[string]int
	misses []string
}

// NewResponder builds a responder from recorded outbound calls.
func NewResponder(outbound []cases.Outbound) *Responder {
	r := &Responder{
		queues: make(map[string][]cases.Outbound),
		served: make(map[string]int),
	}
	for _, c := range outbound {
		key := requestKey(c.Method, c.URL)
		r.queues[key] = append(r.queues[key], c)
	}
	return r
}

// ActivateOutbound loads the outbound calls matching urlPattern and
// returns a responder for them.
func ActivateOutbound(s *session.Session, urlPattern string, within *checkpoint.TimeRange) (*Responder, error) {
	outbound, err := cases.LoadOutbound(s, urlPattern, within)
	if err != nil {
		return nil, err
	}
	return NewResponder(outbound), nil
}

// Client returns an HTTP client using the responder as its transport.
func (r *Responder) Client() *http.Client {
	return &http.Client{Transport: r}
}

// Misses returns the requests that had no recorded response.
func (r *Responder) Misses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.misses...)
}

// RoundTrip implements http.RoundTripper
func (r *Responder) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		req.Body.Close()
	}
	key := requestKey(req.Method, req.URL.String())

	r.mu.Lock()
	queue := r.queues[key]
	if len(queue) == 0 {
		r.misses = append(r.misses, key)
		r.mu.Unlock()
		return nil, fmt.Errorf("no recorded response for %s", key)
	}
	idx := min(r.served[key], len(queue)-1)
	r.served[key]++
	c := queue[idx]
	r.mu.Unlock()

	if c.Err != "" {
		return nil, errors.New(c.Err)
	}
	header := c.ResponseHeaders.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", c.Status, http.StatusText(c.Status)),
		StatusCode:    c.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(c.ResponseBody)),
		ContentLength: int64(len(c.ResponseBody)),
		Request:       req,
	}, nil
}

func requestKey(method, rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		rawURL = u.String()
	}
	return strings.ToUpper(method) + " " + rawURL
}
