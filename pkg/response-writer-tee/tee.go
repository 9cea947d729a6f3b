package tee

import (
	"net/http"
	"time"

	cacheupdate "github.com/ericselin/always-offline/pkg/cache-update"
)

// ResponseSaver is a wrapper around http.ResponseWriter that remembers the status and headers
// of the response written through it.
// The body is passed straight to the underlying http.ResponseWriter and is not kept.
type ResponseSaver struct {
	rw           http.ResponseWriter
	header       http.Header
	status       int
	wroteHeaders bool
	bytes        int64
	CreatedAt    time.Time
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	// remember that we wrote the headers
	t.wroteHeaders = true
	// set the status code so we can return it later
	t.status = statusCode
	if t.rw != nil {
		copyHeader(t.rw.Header(), t.header)
		t.rw.WriteHeader(statusCode)
	}
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	// write headers if not already written
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	if t.rw == nil {
		t.bytes += int64(len(b))
		return len(b), nil
	}
	n, err := t.rw.Write(b)
	t.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher if the underlying writer does.
func (t *ResponseSaver) Flush() {
	if f, ok := t.rw.(http.Flusher); ok {
		f.Flush()
	}
}

// Updates returns the cache updates the response asks for as a result of the (write) request.
// Relative paths are resolved against the request.
func (t *ResponseSaver) Updates(req *http.Request) []cacheupdate.CacheUpdate {
	return cacheupdate.GetCacheUpdates(req, t.header)
}

// StatusCode returns the status code of the response.
func (t *ResponseSaver) StatusCode() int {
	return t.status
}

// Written reports whether the response headers were already sent.
func (t *ResponseSaver) Written() bool {
	return t.wroteHeaders
}

// BytesWritten returns the number of body bytes written.
func (t *ResponseSaver) BytesWritten() int64 {
	return t.bytes
}

// NewResponseSaver returns a new ResponseSaver.
// If rw is not nil, the response will be written (tee'd) to it.
func NewResponseSaver(w http.ResponseWriter) *ResponseSaver {
	return &ResponseSaver{
		CreatedAt: time.Now(),
		rw:        w,
		header:    http.Header{},
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
