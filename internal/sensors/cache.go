package sensors

import (
	"sync"
	"time"

	"github.com/fregster/DCCLiveSteam/internal/hal"
)

// refreshInterval is how often CachedReader polls the underlying Suite.
const refreshInterval = 100 * time.Millisecond

// maxStaleness is the oldest a cached reading may be before callers are
// told it is stale, matching the 100ms/200ms split in the original
// background sensor-cache task.
const maxStaleness = 200 * time.Millisecond

// snapshot is one cached read of every channel.
type snapshot struct {
	logicC, boilerC, superheaterC float64
	pressurePSI                   float64
	trackVoltageMV                float64
	takenAt                       time.Time
}

// CachedReader refreshes a Suite on a background cadence so the 50Hz
// control loop never blocks on ADC oversampling, which at 8 samples per
// channel can itself take longer than one 20ms tick.
type CachedReader struct {
	suite *Suite
	clock hal.Clock

	mu   sync.RWMutex
	last snapshot
}

// NewCachedReader wraps suite with a background refresher. Call Run in a
// goroutine to start polling.
func NewCachedReader(suite *Suite, clock hal.Clock) *CachedReader {
	return &CachedReader{suite: suite, clock: clock}
}

// Run polls the suite until stop is closed. It is meant to run in its own
// goroutine for the lifetime of the process.
func (c *CachedReader) Run(stop <-chan struct{}) {
	c.refresh()
	for {
		select {
		case <-stop:
			return
		default:
		}
		c.clock.Sleep(refreshInterval)
		select {
		case <-stop:
			return
		default:
			c.refresh()
		}
	}
}

func (c *CachedReader) refresh() {
	logicC, boilerC, superheaterC := c.suite.ReadTemps()
	snap := snapshot{
		logicC:          logicC,
		boilerC:         boilerC,
		superheaterC:    superheaterC,
		pressurePSI:     c.suite.ReadPressurePSI(),
		trackVoltageMV:  c.suite.ReadTrackVoltageMV(),
		takenAt:         c.clock.Now(),
	}
	c.mu.Lock()
	c.last = snap
	c.mu.Unlock()
}

// Temps returns the cached logic/boiler/superheater temperatures and
// whether the cache is fresh enough to trust.
func (c *CachedReader) Temps() (logicC, boilerC, superheaterC float64, fresh bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.last
	return s.logicC, s.boilerC, s.superheaterC, c.isFresh(s.takenAt)
}

// PressurePSI returns the cached boiler pressure in PSI and its freshness.
func (c *CachedReader) PressurePSI() (psi float64, fresh bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last.pressurePSI, c.isFresh(c.last.takenAt)
}

// TrackVoltageMV returns the cached track voltage in millivolts and its
// freshness.
func (c *CachedReader) TrackVoltageMV() (mv float64, fresh bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last.trackVoltageMV, c.isFresh(c.last.takenAt)
}

func (c *CachedReader) isFresh(takenAt time.Time) bool {
	if takenAt.IsZero() {
		return false
	}
	return c.clock.Now().Sub(takenAt) <= maxStaleness
}
