package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	storedAtHeaderName = "Shellcache-Stored-At"
	queuedAtHeaderName = "Shellcache-Queued-At"
	defaultUserAgent   = "Go-http-client/1.1"
)

var delim = []byte("\r\n\r\n----\r\n\r\n")

// Snapshot is a stored response together with the request that produced it.
type Snapshot struct {
	Method     string
	URL        *url.URL
	StatusCode int
	Header     http.Header
	Body       []byte
	// The value of the clock when the response was received.
	StoredAt time.Time
}

// FromResponse snapshots a response. The response body is read completely
// and replaced, so the response can still be sent to the client afterwards.
func FromResponse(res *http.Response) (Snapshot, error) {
	snap := Snapshot{
		StatusCode: res.StatusCode,
		Header:     res.Header.Clone(),
		StoredAt:   time.Now(),
	}
	if snap.Header == nil {
		snap.Header = make(http.Header)
	}
	if res.Request != nil {
		snap.Method = res.Request.Method
		snap.URL = res.Request.URL
	}
	if res.Body != nil {
		body, err := io.ReadAll(res.Body)
		res.Body.Close()
		res.Body = io.NopCloser(bytes.NewReader(body))
		if err != nil {
			return snap, err
		}
		snap.Body = body
	}
	return snap, nil
}

// Response creates a new response from the snapshot, answering the given request.
func (s Snapshot) Response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.StatusCode, http.StatusText(s.StatusCode)),
		StatusCode:    s.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        s.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// Marshal converts the snapshot to bytes: the request and the response in HTTP/1.1 format.
func Marshal(s Snapshot) ([]byte, error) {
	if s.URL == nil {
		return nil, fmt.Errorf("snapshot has no URL")
	}
	buf := &bytes.Buffer{}
	method := s.Method
	if method == "" {
		method = http.MethodGet
	}
	req := &http.Request{
		Method:     method,
		URL:        s.URL,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Host:       s.URL.Host,
	}
	if err := req.WriteProxy(buf); err != nil {
		return nil, err
	}
	buf.Write(delim)

	res := s.Response(req)
	res.Header.Set(storedAtHeaderName, strconv.FormatInt(s.StoredAt.UnixNano(), 10))
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal converts bytes written by Marshal back to a snapshot.
func Unmarshal(b []byte) (Snapshot, error) {
	reqBytes, resBytes, found := bytes.Cut(b, delim)
	if !found {
		return Snapshot{}, fmt.Errorf("malformed snapshot")
	}
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(reqBytes)))
	if err != nil {
		return Snapshot{}, fmt.Errorf("read stored request: %w", err)
	}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(resBytes)), req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read stored response: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read stored body: %w", err)
	}
	snap := Snapshot{
		Method:     req.Method,
		URL:        req.URL,
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       body,
	}
	if nanos, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64); err == nil {
		snap.StoredAt = time.Unix(0, nanos)
	}
	snap.Header.Del(storedAtHeaderName)
	return snap, nil
}

// QueuedRequest is a write request waiting to be replayed against the network.
type QueuedRequest struct {
	Method   string
	URL      *url.URL
	Header   http.Header
	Body     []byte
	QueuedAt time.Time
}

// Request creates a new http.Request for replaying the queued request.
func (q QueuedRequest) Request() (*http.Request, error) {
	req, err := http.NewRequest(q.Method, q.URL.String(), bytes.NewReader(q.Body))
	if err != nil {
		return nil, err
	}
	for name, values := range q.Header {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	return req, nil
}

func MarshalRequest(q QueuedRequest) ([]byte, error) {
	req, err := q.Request()
	if err != nil {
		return nil, err
	}
	req.Header.Set(queuedAtHeaderName, strconv.FormatInt(q.QueuedAt.UnixNano(), 10))
	buf := &bytes.Buffer{}
	if err := req.WriteProxy(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func UnmarshalRequest(b []byte) (QueuedRequest, error) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(b)))
	if err != nil {
		return QueuedRequest{}, err
	}
	defer req.Body.Close()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return QueuedRequest{}, err
	}
	q := QueuedRequest{
		Method: req.Method,
		URL:    req.URL,
		Header: req.Header,
		Body:   body,
	}
	if nanos, err := strconv.ParseInt(req.Header.Get(queuedAtHeaderName), 10, 64); err == nil {
		q.QueuedAt = time.Unix(0, nanos)
	}
	q.Header.Del(queuedAtHeaderName)
	// added by the writer when the original request had none
	if q.Header.Get("User-Agent") == defaultUserAgent {
		q.Header.Del("User-Agent")
	}
	return q, nil
}
