// Package control implements the fixed-rate scheduler that ties every
// other package together: a 50Hz (20ms) cooperative loop that reads
// sensors, decodes the latest DCC command, runs the safety watchdog, steps
// the pressure controller and servo shaper, and drives the telemetry
// boundary. Grounded on the teacher's pollLoop, generalized from an
// independent-tickers broadcast loop to the single fixed-rate tick the
// spec's real-time model requires.
package control

import (
	"context"
	"time"

	"github.com/d2r2/go-logger"
	"golang.org/x/sync/errgroup"

	"github.com/fregster/DCCLiveSteam/internal/background"
	"github.com/fregster/DCCLiveSteam/internal/cvstore"
	"github.com/fregster/DCCLiveSteam/internal/dcc"
	"github.com/fregster/DCCLiveSteam/internal/encoder"
	"github.com/fregster/DCCLiveSteam/internal/eventlog"
	"github.com/fregster/DCCLiveSteam/internal/hal"
	"github.com/fregster/DCCLiveSteam/internal/physics"
	"github.com/fregster/DCCLiveSteam/internal/pressure"
	"github.com/fregster/DCCLiveSteam/internal/sensors"
	"github.com/fregster/DCCLiveSteam/internal/servo"
	"github.com/fregster/DCCLiveSteam/internal/telemetry"
	"github.com/fregster/DCCLiveSteam/internal/watchdog"
)

var lg = logger.NewPackageLogger("control", logger.InfoLevel)

// TickInterval is the control loop's fixed period: 20ms, 50Hz.
const TickInterval = 20 * time.Millisecond

// distressWhistleDuration is how long the whistle sounds during an
// emergency shutdown when CV30 enables it.
const distressWhistleDuration = 5 * time.Second

// dccTimeoutDefault is used when CV44 cannot be read.
const dccTimeoutDefault = 2 * time.Second

// Actuators collects the heater PWM outputs the control loop drives
// directly (the servo shaper owns its own PWM channel internally).
type Actuators struct {
	BoilerHeater      hal.PWMChannel
	SuperheaterHeater hal.PWMChannel
	WhistleRelay      hal.PWMChannel // duty 0 (off) or 1 (on), driven as a simple on/off
}

// Loop is the wired-up control system for one locomotive instance.
type Loop struct {
	cv *cvstore.Table

	sensors  *sensors.CachedReader
	encoder  *encoder.Tracker
	decoder  *dcc.Decoder
	servo    *servo.Shaper
	pressure *pressure.Controller
	watchdog *watchdog.Watchdog
	degraded *watchdog.DegradedModeController
	actuators Actuators

	telemetryWriter *telemetry.Writer
	telemetryReader *telemetry.Reader
	events          *eventlog.Ring
	blackBox        *eventlog.BlackBox
	housekeeper     *background.Housekeeper

	clock hal.Clock

	lastCommandedSpeed uint8
	lastWhistle        bool
	lastDirection      dcc.Direction
}

// New wires a complete Loop from its already-constructed components.
func New(
	cv *cvstore.Table,
	sensorReader *sensors.CachedReader,
	enc *encoder.Tracker,
	decoder *dcc.Decoder,
	shaper *servo.Shaper,
	pressureCtl *pressure.Controller,
	wd *watchdog.Watchdog,
	degraded *watchdog.DegradedModeController,
	actuators Actuators,
	telemetryWriter *telemetry.Writer,
	telemetryReader *telemetry.Reader,
	events *eventlog.Ring,
	blackBox *eventlog.BlackBox,
	housekeeper *background.Housekeeper,
	clock hal.Clock,
) *Loop {
	return &Loop{
		cv: cv, sensors: sensorReader, encoder: enc, decoder: decoder, servo: shaper,
		pressure: pressureCtl, watchdog: wd, degraded: degraded, actuators: actuators,
		telemetryWriter: telemetryWriter, telemetryReader: telemetryReader,
		events: events, blackBox: blackBox, housekeeper: housekeeper, clock: clock,
	}
}

// Run drives the loop at TickInterval until ctx is cancelled. It also
// starts the DCC decoder, encoder tracker, sensor cache, and telemetry
// reader as goroutines under an errgroup, all stopped together when ctx is
// cancelled. Those goroutines return nil when they exit, so one of them
// exiting early does not stop the others or the tick loop.
func (l *Loop) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	g.Go(func() error {
		<-ctx.Done()
		close(stop)
		return ctx.Err()
	})
	g.Go(func() error { l.decoder.Run(stop); return nil })
	g.Go(func() error { l.encoder.Run(stop); return nil })
	g.Go(func() error { l.sensors.Run(stop); return nil })
	if l.telemetryReader != nil {
		g.Go(func() error { l.telemetryReader.Run(stop); return nil })
	}

	g.Go(func() error {
		ticker := time.NewTicker(TickInterval)
		defer ticker.Stop()
		var lastTick time.Time
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case now := <-ticker.C:
				dt := TickInterval
				if !lastTick.IsZero() {
					dt = now.Sub(lastTick)
				}
				lastTick = now
				l.tick(now, dt)
			}
		}
	})

	return g.Wait()
}

// tick runs one full 20ms control step.
func (l *Loop) tick(now time.Time, dt time.Duration) {
	l.drainCommands()

	logicC, boilerC, superheaterC, tempsFresh := l.sensors.Temps()
	pressurePSI, pressureFresh := l.sensors.PressurePSI()
	trackMV, voltFresh := l.sensors.TrackVoltageMV()
	_ = tempsFresh

	l.encoder.UpdateVelocity()
	velocity := l.encoder.VelocityCms()

	dccTimeout := time.Duration(l.cv.MustGet(44)) * 100 * time.Millisecond
	if dccTimeout <= 0 {
		dccTimeout = dccTimeoutDefault
	}
	dccActive := l.decoder.IsActive(dccTimeout)

	vectors := watchdog.Vectors{
		LogicTempC: logicC, LogicHealthy: true,
		BoilerTempC: boilerC, BoilerHealthy: true,
		SuperheaterTempC: superheaterC, SuperheaterHealthy: true,
		TrackVoltageMV: trackMV,
		DCCActive:      dccActive,
	}
	_ = voltFresh
	mode, cause := l.watchdog.Check(vectors, now)

	if l.watchdog.ShouldShutdown() {
		l.emergencyShutdown(now, cause)
		return
	}

	speedStep := l.lastCommandedSpeed
	if mode == watchdog.Degraded {
		if !l.degraded.Active() {
			l.degraded.Start(physics.SpeedToRegulator(speedStep), now)
			l.recordEvent("watchdog_degraded", "entering degraded mode")
		}
		regulatorPct := l.degraded.UpdateSpeedCommand(velocity, now)
		l.applyRegulator(regulatorPct, dt, false)
		if l.degraded.TimedOut() {
			l.watchdog.BeginShutdown()
			l.emergencyShutdown(now, watchdog.CauseSensorDegradedTimeout)
			return
		}
	} else {
		regulatorPct := physics.SpeedToRegulator(speedStep)
		l.applyRegulator(regulatorPct, dt, false)
	}

	pressureKPa := psiToKPa(pressurePSI)
	servoMoving := l.servo.IsMoving()
	out := l.pressure.Process(l.cv, pressureKPa, pressureFresh, l.servo.PercentOpen(), servoMoving, superheaterC, now, dt)
	shedOut, stage := pressure.Budget(l.cv, pressure.Output{BoilerDuty: out.BoilerDuty, SuperheaterDuty: out.SuperheaterDuty}, servoMoving)
	if stage == pressure.ShedCritical {
		l.recordEvent("power_budget_exceeded", "shedding to critical, forcing shutdown")
		l.watchdog.BeginShutdown()
		l.emergencyShutdown(now, watchdog.CausePowerBudgetExceeded)
		return
	}
	if stage != pressure.ShedNone {
		l.recordEvent("power_shed", stage.String())
	}

	l.actuators.BoilerHeater.SetDuty(dutyFromPercent(shedOut.BoilerDuty))
	l.actuators.SuperheaterHeater.SetDuty(dutyFromPercent(shedOut.SuperheaterDuty))

	l.housekeeper.Tick(now)

	if l.telemetryWriter != nil {
		frame := telemetry.Frame{
			SpeedStep: speedStep, PressureKPa: pressureKPa,
			BoilerTempC: boilerC, SuperheaterTempC: superheaterC, LogicTempC: logicC,
			ServoPct: l.servo.PercentOpen(),
		}
		if err := l.telemetryWriter.Send(frame, now); err != nil {
			lg.Warningf("telemetry send failed: %v", err)
		}
	}
}

// applyRegulator commands the servo shaper to regulatorPct and steps it by
// dt.
func (l *Loop) applyRegulator(regulatorPct float64, dt time.Duration, emergency bool) {
	if err := l.servo.SetGoal(regulatorPct, l.lastWhistle); err != nil {
		lg.Warningf("servo goal rejected: %v", err)
		return
	}
	l.servo.Update(dt, emergency)
}

// drainCommands applies any pending inbound CV commands without blocking
// the tick if none are ready. DCC packets arrive separately, through
// OnDCCPacket.
func (l *Loop) drainCommands() {
	if l.telemetryReader != nil {
		for {
			select {
			case cmd := <-l.telemetryReader.Commands():
				if _, err := l.cv.ValidateAndUpdate(cmd.CV, cmd.Value); err != nil {
					lg.Warningf("rejected CV command: %v", err)
				} else {
					l.recordEvent("cv_update", cmd.Value)
				}
			default:
				return
			}
		}
	}
}

// OnDCCPacket is the callback wired into the dcc.Decoder: it latches the
// most recently commanded speed, direction, and whistle state for the
// next tick to pick up.
func (l *Loop) OnDCCPacket(pkt dcc.Packet) {
	if pkt.EStop {
		l.userEStop()
		return
	}
	if pkt.Functions != 0 {
		l.lastWhistle = pkt.Functions&0x10 != 0
		return
	}
	l.lastCommandedSpeed = pkt.Speed
	l.lastDirection = pkt.Direction
}

// userEStop implements the force-close-only emergency stop: the regulator
// slams shut immediately but heaters and the watchdog latch are
// untouched, so the locomotive can be commanded to move again the instant
// a new non-zero speed step arrives. It is still a forensic episode, so a
// black-box record is written for it even though no shutdown sequence
// runs.
func (l *Loop) userEStop() {
	now := l.clock.Now()
	l.lastCommandedSpeed = 0
	_ = l.servo.SetGoal(0, false)
	l.servo.Update(0, true)
	l.recordEvent("user_estop", "DCC emergency stop received")
	l.writeBlackBoxEpisode(now, watchdog.CauseUserEStop)
}

// emergencyShutdown runs the full shutdown sequence: close the regulator,
// cut both heaters, sound the distress whistle if CV30 enables it, record
// the episode to the black box tagged with cause, and latch the watchdog
// so the sequence cannot re-enter.
func (l *Loop) emergencyShutdown(now time.Time, cause watchdog.Cause) {
	l.watchdog.BeginShutdown()
	l.recordEvent("emergency_shutdown", string(cause))

	_ = l.servo.SetGoal(0, false)
	l.servo.Update(0, true)
	l.actuators.BoilerHeater.SetDuty(0)
	l.actuators.SuperheaterHeater.SetDuty(0)

	if l.cv.MustGet(30) != 0 {
		l.actuators.WhistleRelay.SetDuty(1)
		l.clock.Sleep(distressWhistleDuration)
		l.actuators.WhistleRelay.SetDuty(0)
	}

	l.writeBlackBoxEpisode(now, cause)
	l.watchdog.LatchShutdown()
}

// recordEvent appends to the in-memory event ring only. Tick-level events
// are not persisted individually; they are carried into the black box as
// a batch by writeBlackBoxEpisode when a shutdown episode actually
// happens.
func (l *Loop) recordEvent(kind, detail string) {
	e := eventlog.Event{At: l.clock.Now(), Kind: kind, Detail: detail}
	if l.blackBox != nil {
		e.Session = l.blackBox.Session()
	}
	if l.events != nil {
		l.events.Push(e)
	}
}

// writeBlackBoxEpisode persists one shutdown episode: the cause tag and
// the event ring's current contents, as a single record.
func (l *Loop) writeBlackBoxEpisode(now time.Time, cause watchdog.Cause) {
	if l.blackBox == nil {
		return
	}
	var events []eventlog.Event
	if l.events != nil {
		events = l.events.Snapshot()
	}
	if err := l.blackBox.RecordShutdown(now, string(cause), events); err != nil {
		lg.Warningf("black box write failed: %v", err)
	}
}

// psiToKPa converts the sensor-native PSI reading into the canonical kPa
// unit the pressure controller and CV bounds table operate in.
func psiToKPa(psi float64) float64 {
	return psi * 6.89476
}

// dutyFromPercent converts a 0..100 percent duty into the PWM channel's
// native 0..1023 range.
func dutyFromPercent(pct float64) int {
	if pct < 0 {
		pct = 0
	} else if pct > 100 {
		pct = 100
	}
	return int(pct / 100.0 * 1023.0)
}
