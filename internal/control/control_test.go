package control

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fregster/DCCLiveSteam/internal/background"
	"github.com/fregster/DCCLiveSteam/internal/cvstore"
	"github.com/fregster/DCCLiveSteam/internal/dcc"
	"github.com/fregster/DCCLiveSteam/internal/encoder"
	"github.com/fregster/DCCLiveSteam/internal/eventlog"
	"github.com/fregster/DCCLiveSteam/internal/hal"
	"github.com/fregster/DCCLiveSteam/internal/pressure"
	"github.com/fregster/DCCLiveSteam/internal/sensors"
	"github.com/fregster/DCCLiveSteam/internal/servo"
	"github.com/fregster/DCCLiveSteam/internal/watchdog"
)

func newTestLoop(t *testing.T) (*Loop, Actuators) {
	cv, err := cvstore.Load(filepath.Join(t.TempDir(), "cv.yaml"))
	require.NoError(t, err)

	adcMap := map[sensors.Channel]hal.ADCPin{
		sensors.ChanLogicTemp:       hal.NewFakeADC(1800),
		sensors.ChanBoilerTemp:      hal.NewFakeADC(1500),
		sensors.ChanSuperheaterTemp: hal.NewFakeADC(1200),
		sensors.ChanPressure:        hal.NewFakeADC(2000),
		sensors.ChanTrackVoltage:    hal.NewFakeADC(3000),
	}
	suite := sensors.NewSuite(adcMap)
	clock := hal.RealClock{}
	cached := sensors.NewCachedReader(suite, clock)

	encPin := hal.NewFakeEdgePin()
	enc := encoder.NewTracker(encPin, clock, 1.0)

	dccPin := hal.NewFakeEdgePin()
	decoder := dcc.New(dccPin, clock, int(cv.MustGet(1)), false, nil)

	pwm := &hal.FakePWM{}
	shaper := servo.New(cv, pwm, clock)

	pressureCtl := pressure.New()
	wd := watchdog.New(cv)
	degraded := watchdog.NewDegradedModeController(cv)

	act := Actuators{BoilerHeater: &hal.FakePWM{}, SuperheaterHeater: &hal.FakePWM{}, WhistleRelay: &hal.FakePWM{}}

	events := eventlog.NewRing(eventlog.DefaultCapacity)
	hk := background.NewHousekeeper(nil)

	loop := New(cv, cached, enc, decoder, shaper, pressureCtl, wd, degraded, act, nil, nil, events, nil, hk, clock)
	decoder.SetHandler(loop.OnDCCPacket)
	return loop, act
}

func TestOnDCCPacket_LatchesSpeedAndDirection(t *testing.T) {
	loop, _ := newTestLoop(t)
	loop.OnDCCPacket(dcc.Packet{Speed: 64, Direction: dcc.Forward})
	assert.Equal(t, uint8(64), loop.lastCommandedSpeed)
	assert.Equal(t, dcc.Forward, loop.lastDirection)
}

func TestOnDCCPacket_EStopZeroesSpeedAndSnapsServo(t *testing.T) {
	loop, _ := newTestLoop(t)
	loop.OnDCCPacket(dcc.Packet{Speed: 100, Direction: dcc.Forward})
	loop.OnDCCPacket(dcc.Packet{EStop: true})
	assert.Equal(t, uint8(0), loop.lastCommandedSpeed)
	assert.Equal(t, 0.0, loop.servo.PercentOpen(), "e-stop snaps the regulator to neutral")
}

func TestTick_NominalRunsWithoutShutdown(t *testing.T) {
	loop, _ := newTestLoop(t)
	now := time.Now()
	loop.tick(now, TickInterval)
	assert.False(t, loop.watchdog.IsCritical())
}

func TestEmergencyShutdown_LatchesWatchdogAndClosesActuators(t *testing.T) {
	loop, act := newTestLoop(t)
	_, err := loop.cv.ValidateAndUpdate(30, "0") // skip the real-time distress whistle delay in this test
	require.NoError(t, err)

	now := time.Now()
	loop.emergencyShutdown(now, watchdog.CauseDryBoil)

	boiler := act.BoilerHeater.(*hal.FakePWM)
	super := act.SuperheaterHeater.(*hal.FakePWM)
	assert.Equal(t, 0, boiler.Duty())
	assert.Equal(t, 0, super.Duty())
	assert.False(t, loop.watchdog.ShouldShutdown(), "one-shot latch must prevent re-entry")
}

func TestEmergencyShutdown_WritesOneBlackBoxEpisodeWithCause(t *testing.T) {
	loop, _ := newTestLoop(t)
	_, err := loop.cv.ValidateAndUpdate(30, "0")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "events.jsonl")
	bb, err := eventlog.OpenBlackBox(path)
	require.NoError(t, err)
	loop.blackBox = bb

	loop.recordEvent("cv_update", "CV32 set")
	loop.emergencyShutdown(time.Now(), watchdog.CauseDryBoil)
	require.NoError(t, bb.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.Count(data, []byte("\n"))
	assert.Equal(t, 1, lines, "exactly one record per shutdown episode, not one per tick-level event")
	assert.Contains(t, string(data), `"err":"DRY_BOIL"`)
	assert.Contains(t, string(data), `"cv_update"`)
}

func TestPsiToKPa_Positive(t *testing.T) {
	assert.Greater(t, psiToKPa(10), 0.0)
}

func TestDutyFromPercent_Clamps(t *testing.T) {
	assert.Equal(t, 0, dutyFromPercent(-10))
	assert.Equal(t, 1023, dutyFromPercent(150))
}
