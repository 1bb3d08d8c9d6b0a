package background

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_BlocksWithinInterval(t *testing.T) {
	r := NewRateLimiter(100 * time.Millisecond)
	now := time.Unix(0, 0)
	assert.True(t, r.Allow(now))
	assert.False(t, r.Allow(now.Add(10*time.Millisecond)))
	assert.True(t, r.Allow(now.Add(200*time.Millisecond)))
}

func TestQueue_RunDrainsSubmittedWork(t *testing.T) {
	q := NewQueue()
	stop := make(chan struct{})
	done := make(chan struct{})

	q.Submit(func() { close(done) })
	go q.Run(stop)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queued work never ran")
	}
	close(stop)
}

func TestQueue_DropsOldestWhenFull(t *testing.T) {
	q := NewQueue()
	for i := 0; i < queueDepth+5; i++ {
		q.Submit(func() {})
	}
	assert.Equal(t, queueDepth, len(q.items), "queue must stay bounded at queueDepth")
}

func TestHousekeeper_RespectsRateLimit(t *testing.T) {
	calls := 0
	h := NewHousekeeper(func(MemoryStats) { calls++ })
	now := time.Unix(0, 0)
	h.Tick(now)
	h.Tick(now.Add(10 * time.Millisecond))
	assert.Equal(t, 1, calls)
}
