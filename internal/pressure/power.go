package pressure

import "github.com/fregster/DCCLiveSteam/internal/cvstore"

// Per-tick current-draw model against CV51's budget, in amps: 5A at full
// boiler duty, 3A at full superheater duty, 0.5A while the servo is
// actively moving (0.1A of that baseline while it's settled), plus a fixed
// 0.1A logic/control-electronics baseline. Matches the literal formula the
// original firmware's power budget check uses; there is no per-channel
// current sensor, so duty is the only signal available to estimate draw.
const (
	boilerAmpsAtFullDuty      = 5.0
	superheaterAmpsAtFullDuty = 3.0
	servoAmpsMoving           = 0.5
	servoAmpsIdle             = 0.1
	logicBaselineAmps         = 0.1
)

// ShedStage names how far the power budget enforcement has backed off.
type ShedStage int

const (
	ShedNone ShedStage = iota
	ShedSuperheaterOff
	ShedBoilerHalved
	ShedServoIdle
	ShedCritical
)

func (s ShedStage) String() string {
	switch s {
	case ShedNone:
		return "none"
	case ShedSuperheaterOff:
		return "superheater_off"
	case ShedBoilerHalved:
		return "boiler_halved"
	case ShedServoIdle:
		return "servo_idle"
	case ShedCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// EstimateCurrentAmps estimates total system current draw from the
// commanded heater duties (percent, 0..100) and whether the servo is
// actively moving.
func EstimateCurrentAmps(boilerDuty, superheaterDuty float64, servoMoving bool) float64 {
	servoAmps := servoAmpsIdle
	if servoMoving {
		servoAmps = servoAmpsMoving
	}
	return boilerAmpsAtFullDuty*(boilerDuty/100.0) +
		superheaterAmpsAtFullDuty*(superheaterDuty/100.0) +
		servoAmps + logicBaselineAmps
}

// Budget enforces CV51's current budget by progressively shedding load:
// superheater off, then boiler duty halved, then the servo's draw counted
// at its idle value, and finally signalling the caller to escalate to a
// full shutdown. ShedServoIdle only reports that the budget holds with the
// servo idle; Budget has no servo output and does not stop the servo. Each call
// re-evaluates from ShedNone so a budget recovery on a later tick
// automatically restores full output.
func Budget(cv *cvstore.Table, out Output, servoMoving bool) (Output, ShedStage) {
	limit := float64(cv.MustGet(51))
	if limit <= 0 {
		return out, ShedNone
	}

	if EstimateCurrentAmps(out.BoilerDuty, out.SuperheaterDuty, servoMoving) <= limit {
		return out, ShedNone
	}

	shed := out
	shed.SuperheaterDuty = 0
	if EstimateCurrentAmps(shed.BoilerDuty, shed.SuperheaterDuty, servoMoving) <= limit {
		return shed, ShedSuperheaterOff
	}

	shed.BoilerDuty /= 2
	if EstimateCurrentAmps(shed.BoilerDuty, shed.SuperheaterDuty, servoMoving) <= limit {
		return shed, ShedBoilerHalved
	}

	if servoMoving {
		if EstimateCurrentAmps(shed.BoilerDuty, shed.SuperheaterDuty, false) <= limit {
			return shed, ShedServoIdle
		}
	}

	shed.BoilerDuty = 0
	shed.SuperheaterDuty = 0
	return shed, ShedCritical
}
