package health

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Limits are the recycle thresholds. Zero disables a threshold.
type Limits struct {
	MaxRequests uint64
	// ReloadOnRSS is a resident-size ceiling in bytes.
	ReloadOnRSS uint64
	// ReloadOnAS is an address-space ceiling in bytes.
	ReloadOnAS uint64
}

// MemoryBound reports whether a memory threshold is configured.
func (l Limits) MemoryBound() bool {
	return l.ReloadOnRSS > 0 || l.ReloadOnAS > 0
}

// RecycleCause is the fixed category of a retirement, used as a metric
// attribute. The detailed reason only goes to the log.
type RecycleCause string

const (
	RecycleMaxRequests RecycleCause = "max_requests"
	RecycleRSS         RecycleCause = "rss"
	RecycleAS          RecycleCause = "as"
	RecycleReload      RecycleCause = "reload"
)

// RecycleReason reports why the worker must retire, if it must, as a cause
// and a human readable detail.
func (r *Record) RecycleReason(l Limits) (RecycleCause, string, bool) {
	if l.MaxRequests > 0 {
		if n := r.requests.Load(); n >= l.MaxRequests {
			return RecycleMaxRequests, fmt.Sprintf("max requests reached (%d >= %d)", n, l.MaxRequests), true
		}
	}
	rss, vsz := r.Memory()
	if l.ReloadOnAS > 0 && vsz >= l.ReloadOnAS {
		return RecycleAS, fmt.Sprintf("address space %s >= %s", humanize.IBytes(vsz), humanize.IBytes(l.ReloadOnAS)), true
	}
	if l.ReloadOnRSS > 0 && rss >= l.ReloadOnRSS {
		return RecycleRSS, fmt.Sprintf("resident memory %s >= %s", humanize.IBytes(rss), humanize.IBytes(l.ReloadOnRSS)), true
	}
	return "", "", false
}
