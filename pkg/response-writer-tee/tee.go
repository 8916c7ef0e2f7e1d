package tee

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
)

// ResponseSaver is an http.ResponseWriter that saves the response to a buffer,
// so a handler can be called like a round trip.
type ResponseSaver struct {
	b            *bytes.Buffer
	header       http.Header
	status       int
	wroteHeaders bool
}

func NewResponseSaver() *ResponseSaver {
	return &ResponseSaver{
		b:      &bytes.Buffer{},
		header: http.Header{},
	}
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
	t.wroteHeaders = true
	t.status = statusCode
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	return t.b.Write(b)
}

// StatusCode returns the status code of the response.
func (t *ResponseSaver) StatusCode() int {
	if !t.wroteHeaders {
		return http.StatusOK
	}
	return t.status
}

// Body returns the recorded response body.
func (t *ResponseSaver) Body() []byte {
	return t.b.Bytes()
}

// Result returns the recorded response as an *http.Response answering req.
func (t *ResponseSaver) Result(req *http.Request) *http.Response {
	status := t.StatusCode()
	header := t.header.Clone()
	body := append([]byte(nil), t.b.Bytes()...)
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
