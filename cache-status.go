package alwaysoffline

import "fmt"

type CacheStatusStatus string

const (
	CacheStatusHit CacheStatusStatus = "hit"
	CacheStatusFwd CacheStatusStatus = "fwd"
)

type CacheStatusFwdReason string

const (
	// The engine was configured to not handle this request.
	CacheStatusFwdBypass CacheStatusFwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	CacheStatusFwdMethod CacheStatusFwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	CacheStatusFwdUriMiss CacheStatusFwdReason = "uri-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request.
	CacheStatusFwdMiss CacheStatusFwdReason = "miss"

	// The cache was able to select a response for the request, but
	// it was stale.
	CacheStatusFwdStale CacheStatusFwdReason = "stale"
)

// Details used by the engine.
const (
	detailStale    = "stale"
	detailOffline  = "offline"
	detailDeferred = "deferred"
	detailInactive = "inactive"
)

// CacheStatus is the value of the Cache-Status response header (RFC 9211).
type CacheStatus struct {
	status    CacheStatusStatus
	detail    string
	fwdReason CacheStatusFwdReason
	stored    bool
}

func (cs *CacheStatus) Hit() {
	cs.status = CacheStatusHit
}

func (cs *CacheStatus) Forward(reason CacheStatusFwdReason) {
	cs.status = CacheStatusFwd
	cs.fwdReason = reason
}

// Stored marks that the forwarded response was written to a partition.
func (cs *CacheStatus) Stored() {
	cs.stored = true
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

// IsHit reports whether the response came from a partition.
func (cs CacheStatus) IsHit() bool {
	return cs.status == CacheStatusHit
}

func (cs CacheStatus) String() string {
	status := fmt.Sprintf("Always-Offline; %s", cs.status)
	if cs.status == CacheStatusFwd && cs.fwdReason != "" {
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

func hitStatus(detail string) CacheStatus {
	cs := CacheStatus{}
	cs.Hit()
	cs.Detail(detail)
	return cs
}

func fwdStatus(reason CacheStatusFwdReason, detail string) CacheStatus {
	cs := CacheStatus{}
	cs.Forward(reason)
	cs.Detail(detail)
	return cs
}
