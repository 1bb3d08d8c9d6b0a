package watchdog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fregster/DCCLiveSteam/internal/cvstore"
)

func testCV(t *testing.T) *cvstore.Table {
	cv, err := cvstore.Load(filepath.Join(t.TempDir(), "cv.yaml"))
	require.NoError(t, err)
	return cv
}

func nominalVectors() Vectors {
	return Vectors{
		LogicTempC: 40, LogicHealthy: true,
		BoilerTempC: 100, BoilerHealthy: true,
		SuperheaterTempC: 200, SuperheaterHealthy: true,
		TrackVoltageMV: 16000,
		DCCActive:      true,
	}
}

func TestCheck_NominalWhenAllVectorsHealthy(t *testing.T) {
	w := New(testCV(t))
	mode, cause := w.Check(nominalVectors(), time.Unix(0, 0))
	assert.Equal(t, Nominal, mode)
	assert.Equal(t, CauseNone, cause)
}

func TestCheck_DCCLossIsCriticalOnlyAfterDebounce(t *testing.T) {
	cv := testCV(t)
	w := New(cv)
	v := nominalVectors()
	v.DCCActive = false
	now := time.Unix(0, 0)

	mode, cause := w.Check(v, now)
	assert.Equal(t, Nominal, mode, "a single bad tick must not trip before CV44's debounce elapses")
	assert.Equal(t, CauseNone, cause)

	dccTimeout := time.Duration(cv.MustGet(44)) * 100 * time.Millisecond
	mode, cause = w.Check(v, now.Add(dccTimeout+time.Millisecond))
	assert.Equal(t, Critical, mode, "cold boot with no DCC packets shuts down, per the documented scenario")
	assert.Equal(t, CauseDCCLost, cause)
}

func TestCheck_DCCRecoveryResetsDebounceTimer(t *testing.T) {
	cv := testCV(t)
	w := New(cv)
	v := nominalVectors()
	v.DCCActive = false
	now := time.Unix(0, 0)
	dccTimeout := time.Duration(cv.MustGet(44)) * 100 * time.Millisecond

	w.Check(v, now)
	// Recovers just before the timeout would have elapsed.
	recovered := nominalVectors()
	w.Check(recovered, now.Add(dccTimeout/2))

	// Goes silent again; the timer must have reset rather than accumulated.
	mode, _ := w.Check(v, now.Add(dccTimeout/2+dccTimeout-time.Millisecond))
	assert.Equal(t, Nominal, mode, "brief dropout before recovery must not accumulate toward the timeout")
}

func TestCheck_LowTrackVoltageIsCriticalOnlyAfterDebounce(t *testing.T) {
	cv := testCV(t)
	w := New(cv)
	v := nominalVectors()
	v.TrackVoltageMV = 900
	now := time.Unix(0, 0)

	mode, cause := w.Check(v, now)
	assert.NotEqual(t, Critical, mode, "a single bad tick must not trip before CV45's debounce elapses")
	assert.Equal(t, CauseNone, cause)

	powerTimeout := time.Duration(cv.MustGet(45)) * 100 * time.Millisecond
	mode, cause = w.Check(v, now.Add(powerTimeout+time.Millisecond))
	assert.Equal(t, Critical, mode)
	assert.Equal(t, CausePowerLoss, cause)
}

func TestCheck_BoilerOvertempIsCriticalWithCause(t *testing.T) {
	w := New(testCV(t))
	v := nominalVectors()
	v.BoilerTempC = 9999
	mode, cause := w.Check(v, time.Unix(0, 0))
	assert.Equal(t, Critical, mode)
	assert.Equal(t, CauseDryBoil, cause)
}

func TestCheck_SuperheaterOvertempIsCriticalWithCause(t *testing.T) {
	w := New(testCV(t))
	v := nominalVectors()
	v.SuperheaterTempC = 9999
	mode, cause := w.Check(v, time.Unix(0, 0))
	assert.Equal(t, Critical, mode)
	assert.Equal(t, CauseSuperHot, cause)
}

func TestCheck_MultipleUnhealthySensorsIsCritical(t *testing.T) {
	w := New(testCV(t))
	v := nominalVectors()
	v.LogicHealthy = false
	v.BoilerHealthy = false
	mode, cause := w.Check(v, time.Unix(0, 0))
	assert.Equal(t, Critical, mode)
	assert.Equal(t, CauseMultipleSensorsFailed, cause)
}

func TestCheck_SingleUnhealthySensorIsDegradedNotCritical(t *testing.T) {
	w := New(testCV(t))
	v := nominalVectors()
	v.LogicHealthy = false
	mode, cause := w.Check(v, time.Unix(0, 0))
	assert.Equal(t, Degraded, mode)
	assert.Equal(t, CauseNone, cause, "a single degraded sensor has no forensic cause tag of its own until it times out")
}

func TestShutdownLatch_OneShot(t *testing.T) {
	cv := testCV(t)
	w := New(cv)
	v := nominalVectors()
	v.BoilerTempC = 9999
	w.Check(v, time.Unix(0, 0))

	assert.True(t, w.ShouldShutdown())
	w.BeginShutdown()
	assert.False(t, w.ShouldShutdown(), "must not re-enter while shutdown is in flight")
	w.LatchShutdown()
	assert.False(t, w.ShouldShutdown(), "must not re-enter once latched")
}

func TestDegradedModeController_RampsToZero(t *testing.T) {
	cv := testCV(t)
	d := NewDegradedModeController(cv)
	now := time.Unix(0, 0)
	d.Start(80, now)

	mid := d.UpdateSpeedCommand(0, now.Add(1*time.Second))
	assert.Less(t, mid, 80.0)
	assert.True(t, d.Active())

	// 80 at CV87's default 10 per second reaches zero after 8s, well
	// before CV88's timeout.
	final := d.UpdateSpeedCommand(0, now.Add(8*time.Second))
	assert.Equal(t, 0.0, final)
	assert.False(t, d.Active())
	assert.False(t, d.TimedOut(), "reaching zero on the ramp is not a timeout")
}

func TestDegradedModeController_ForcesZeroAtTimeout(t *testing.T) {
	cv := testCV(t)
	d := NewDegradedModeController(cv)
	now := time.Unix(0, 0)
	d.Start(80, now)

	timeoutS := float64(cv.MustGet(88))
	final := d.UpdateSpeedCommand(0, now.Add(time.Duration(timeoutS+1)*time.Second))
	assert.Equal(t, 0.0, final)
	assert.False(t, d.Active())
	assert.True(t, d.TimedOut(), "a forced zero at CV88 is the SENSOR_DEGRADED_TIMEOUT escalation, not a normal ramp completion")
}

func TestIsStopped(t *testing.T) {
	assert.True(t, IsStopped(0.05))
	assert.False(t, IsStopped(5.0))
}
