package cachestatus

import "fmt"

const HeaderName = "Cache-Status"

const cacheName = "Shellcache"

type Status string

const (
	StatusHit = "hit"
	StatusFwd = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdBypass = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdMethod = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdUriMiss = "uri-miss"
)

// Detail values.
const (
	// Served from the cache because the network failed.
	DetailOffline = "offline"
	// Served from the cache as the offline document of a navigation.
	DetailOfflineDocument = "offline-document"
)

// CacheStatus builds a Cache-Status header value (RFC 9211).
type CacheStatus struct {
	status    Status
	fwdReason FwdReason
	stored    bool
	detail    string
}

func (cs *CacheStatus) Hit() {
	cs.status = StatusHit
	cs.fwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.status = StatusFwd
	cs.fwdReason = reason
}

// Stored marks the response as handed to the cache for writing.
// The write itself happens later and may still be dropped.
func (cs *CacheStatus) Stored() {
	cs.stored = true
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs CacheStatus) IsHit() bool {
	return cs.status == StatusHit
}

func (cs CacheStatus) Reason() FwdReason {
	return cs.fwdReason
}

func (cs CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", cacheName, cs.status)
	if cs.status == StatusFwd && cs.fwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.fwdReason)
	}
	if cs.stored {
		status = status + "; stored"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}
