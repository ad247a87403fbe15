package httpcapture

import (
	"bytes"
	"io"
	"net/http"

	"github.com/funnyzak/replaytap/pkg/cases"
	"github.com/funnyzak/replaytap/pkg/checkpoint"
	"github.com/funnyzak/replaytap/pkg/recorder"
)

// Transport records requests sent through Base. Requests to a URL listed
// in Skip, such as the relay endpoint, are sent without recording.
type Transport struct {
	Base     http.RoundTripper
	Recorder *recorder.Recorder
	Skip     []string
}

// Wrap installs a recording transport on client and returns it.
func Wrap(client *http.Client, rec *recorder.Recorder, skip ...string) *http.Client {
	client.Transport = &Transport{Base: client.Transport, Recorder: rec, Skip: skip}
	return client
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) skip(rawURL string) bool {
	for _, s := range t.Skip {
		if s == rawURL {
			return true
		}
	}
	return false
}

// RoundTrip implements http.RoundTripper. A request with a body is sent as
// a clone carrying the buffered body; the caller's request is not changed.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := t.Recorder
	if rec == nil {
		rec = recorder.Active()
	}
	if rec == nil || t.skip(req.URL.String()) {
		return t.base().RoundTrip(req)
	}

	start := rec.Now()
	var reqBody any
	if req.Body != nil && req.Body != http.NoBody {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		reqBody = string(b)
		req = req.Clone(req.Context())
		req.Body = io.NopCloser(bytes.NewReader(b))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(b)), nil
		}
	}
	input := map[string]any{
		"method":  req.Method,
		"url":     req.URL.String(),
		"headers": cases.FlattenHeader(req.Header),
		"body":    reqBody,
	}

	resp, err := t.base().RoundTrip(req)
	if err != nil {
		_ = rec.Emit(req.Context(), cases.OutboundSite, input, checkpoint.ErrorOutput(err), start, rec.Now(), true)
		return nil, err
	}

	respBody, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(respBody))
	if readErr != nil {
		_ = rec.Emit(req.Context(), cases.OutboundSite, input, checkpoint.ErrorOutput(readErr), start, rec.Now(), true)
		return resp, nil
	}

	output := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     cases.FlattenHeader(resp.Header),
		"body":        string(respBody),
	}
	_ = rec.Emit(req.Context(), cases.OutboundSite, input, output, start, rec.Now(), false)
	return resp, nil
}
