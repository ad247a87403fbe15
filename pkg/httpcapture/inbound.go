// Package httpcapture records HTTP traffic as checkpoints.
//
// Middleware records requests served by the application under the
// "inbound" call site; Transport records requests the application sends
// under "outbound". Both shapes are read back by the cases package.
package httpcapture

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"

	"github.com/funnyzak/replaytap/pkg/cases"
	"github.com/funnyzak/replaytap/pkg/checkpoint"
	"github.com/funnyzak/replaytap/pkg/recorder"
)

// Middleware records every request served by next. A nil rec uses the
// active recorder at request time; without one, requests pass through.
func Middleware(rec *recorder.Recorder, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		active := rec
		if active == nil {
			active = recorder.Active()
		}
		if active == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := active.Now()
		body, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		input := inboundInput(r, body)

		cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			p := recover()
			var output any
			if p != nil {
				output = checkpoint.ErrorOutput(p)
			} else {
				output = map[string]any{
					"status_code": cw.status,
					"headers":     cases.FlattenHeader(cw.Header()),
					"body":        cw.body.String(),
				}
			}
			_ = active.Emit(r.Context(), cases.InboundSite, input, output, start, active.Now(), p != nil)
			if p != nil {
				panic(p)
			}
		}()
		next.ServeHTTP(cw, r)
	})
}

func inboundInput(r *http.Request, body []byte) map[string]any {
	u := *r.URL
	if u.Host == "" {
		u.Host = r.Host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
	}

	form := map[string][]string{}
	var jsonBody any
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded":
		if values, err := url.ParseQuery(string(body)); err == nil {
			form = cases.FlattenValues(values)
		}
	case "application/json":
		if err := json.Unmarshal(body, &jsonBody); err != nil {
			jsonBody = nil
		}
	}

	return map[string]any{
		"method":  r.Method,
		"url":     u.String(),
		"headers": cases.FlattenHeader(r.Header),
		"args":    cases.FlattenValues(r.URL.Query()),
		"form":    form,
		"json":    jsonBody,
		"data":    string(body),
	}
}

type captureWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (c *captureWriter) WriteHeader(status int) {
	if !c.wroteHeader {
		c.status = status
		c.wroteHeader = true
	}
	c.ResponseWriter.WriteHeader(status)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	c.wroteHeader = true
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

func (c *captureWriter) Flush() {
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
