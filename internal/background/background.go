// Package background provides the pieces for low-priority work off the
// 50Hz control loop: a bounded, non-blocking Queue that drops the oldest
// backlog rather than stalling its producer when full, print and
// file-write rate limiters, and a rate-limited memory housekeeping pass.
// Grounded on the teacher's rate-limited CSV logger.
package background

import (
	"runtime"
	"runtime/debug"
	"time"

	"github.com/d2r2/go-logger"
	"github.com/pbnjay/memory"
)

var lg = logger.NewPackageLogger("background", logger.InfoLevel)

const (
	minPrintInterval  = 50 * time.Millisecond
	minWriteInterval  = 100 * time.Millisecond
	minHousekeepInterval = 1 * time.Second

	queueDepth = 16
)

// Queue is a bounded, non-blocking work queue: Submit drops the oldest
// pending item rather than blocking the producer when full.
type Queue struct {
	items chan func()
}

// NewQueue creates a Queue with room for queueDepth pending items.
func NewQueue() *Queue {
	return &Queue{items: make(chan func(), queueDepth)}
}

// Submit enqueues fn, dropping the oldest queued item to make room if the
// queue is full.
func (q *Queue) Submit(fn func()) {
	select {
	case q.items <- fn:
	default:
		select {
		case <-q.items:
		default:
		}
		select {
		case q.items <- fn:
		default:
		}
	}
}

// Run drains the queue until stop is closed, invoking each item in order.
func (q *Queue) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case fn := <-q.items:
			fn()
		}
	}
}

// RateLimiter gates calls to at most once per interval, dropping calls
// that arrive too soon rather than queuing them.
type RateLimiter struct {
	interval time.Duration
	last     time.Time
}

// NewRateLimiter creates a RateLimiter with the given minimum spacing.
func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{interval: interval}
}

// Allow reports whether a call at now should proceed, and if so records
// now as the new baseline.
func (r *RateLimiter) Allow(now time.Time) bool {
	if now.Sub(r.last) < r.interval {
		return false
	}
	r.last = now
	return true
}

// PrintLimiter and WriteLimiter are preconfigured RateLimiters matching
// the original firmware's print and file-write cadences.
func PrintLimiter() *RateLimiter { return NewRateLimiter(minPrintInterval) }
func WriteLimiter() *RateLimiter { return NewRateLimiter(minWriteInterval) }

// MemoryStats is one housekeeping sample of process and system memory.
type MemoryStats struct {
	HeapAllocBytes uint64
	SysFreeBytes   uint64
}

// Housekeeper periodically samples runtime memory stats and, when free
// system memory drops below 32 MiB, runs a GC and frees unused pages back
// to the OS, a host-side analogue of the original's
// garbage_collector/memory_optimizer background tasks — without porting
// their profiler, which the port's telemetry boundary does not expose.
type Housekeeper struct {
	limiter *RateLimiter
	onSample func(MemoryStats)
}

// NewHousekeeper creates a Housekeeper that invokes onSample at most once
// per minHousekeepInterval.
func NewHousekeeper(onSample func(MemoryStats)) *Housekeeper {
	return &Housekeeper{limiter: NewRateLimiter(minHousekeepInterval), onSample: onSample}
}

// Tick runs one housekeeping check at now; a no-op if called too soon
// after the last sample.
func (h *Housekeeper) Tick(now time.Time) {
	if !h.limiter.Allow(now) {
		return
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	stats := MemoryStats{
		HeapAllocBytes: ms.HeapAlloc,
		SysFreeBytes:   memory.FreeMemory(),
	}
	if stats.SysFreeBytes < 32*1024*1024 {
		lg.Warningf("low system memory: %d bytes free", stats.SysFreeBytes)
		runtime.GC()
		debug.FreeOSMemory()
	}
	if h.onSample != nil {
		h.onSample(stats)
	}
}
