package common

import (
	"errors"
	"math"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaNow captures a principal's usage counters within one window.
type QuotaNow struct {
	ReqCount uint32
	WindowID uint64
}

// Quota bounds how many requests a principal may submit per window. A zero
// MaxRequestsPerWindow disables the check.
type Quota struct {
	MaxRequestsPerWindow uint32
	WindowSeconds        uint32
}

// Enabled reports whether the quota enforces any limit at all.
func (q Quota) Enabled() bool {
	return q.MaxRequestsPerWindow > 0
}

// WindowFor maps a unix timestamp onto the quota's window id.
func (q Quota) WindowFor(unix int64) uint64 {
	secs := q.WindowSeconds
	if secs == 0 {
		secs = 60
	}
	return uint64(unix) / uint64(secs)
}

// CheckQuota verifies that one more request fits within the configured quota.
// Counters reset when the window advances. On success the returned QuotaNow
// reflects the updated counters; on failure prev is returned unchanged.
func CheckQuota(q Quota, window uint64, prev QuotaNow) (QuotaNow, error) {
	next := prev
	if prev.WindowID != window {
		next = QuotaNow{WindowID: window}
	}
	if next.ReqCount == math.MaxUint32 {
		return prev, ErrQuotaCounterOverflow
	}
	next.ReqCount++
	if q.MaxRequestsPerWindow > 0 && next.ReqCount > q.MaxRequestsPerWindow {
		return prev, ErrQuotaRequestsExceeded
	}
	return next, nil
}
