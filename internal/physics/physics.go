// Package physics holds the pure scale-model kinematics: converting a DCC
// speed step into a regulator (throttle) percentage, and converting
// encoder pulse deltas into a velocity. Grounded on the original
// PhysicsEngine, these are plain math functions with no hardware or
// control-loop state of their own.
package physics

// SpeedToRegulator maps a DCC speed step (0..127) onto a regulator
// percentage (0..100). Step 0 always maps to a fully closed regulator.
func SpeedToRegulator(step uint8) float64 {
	if step == 0 {
		return 0
	}
	pct := float64(step) / 127.0 * 100.0
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Geometry precomputes the per-tick distance for a given wheel radius and
// encoder segment count, both sourced from CV37/CV38.
type Geometry struct {
	DistancePerTickCm float64
}

// NewGeometry derives Geometry from CV37 (wheel radius, in hundredths of a
// millimetre) and CV38 (encoder segments per revolution).
func NewGeometry(wheelRadiusMm100 int, segments int) Geometry {
	if segments <= 0 {
		return Geometry{DistancePerTickCm: 0}
	}
	radiusCm := float64(wheelRadiusMm100) / 1000.0
	circumferenceCm := 2 * 3.141592653589793 * radiusCm
	return Geometry{DistancePerTickCm: circumferenceCm / float64(segments)}
}

// CalcVelocity converts an encoder pulse delta over an elapsed time in
// milliseconds into a velocity in centimetres per second. Non-positive
// inputs, or a non-positive result, clamp to zero rather than going
// negative or infinite.
func CalcVelocity(encoderDeltaTicks int, elapsedMs int, distancePerTickCm float64) float64 {
	if encoderDeltaTicks <= 0 || elapsedMs <= 0 {
		return 0
	}
	distanceCm := float64(encoderDeltaTicks) * distancePerTickCm
	v := distanceCm / (float64(elapsedMs) / 1000.0)
	if v < 0 {
		return 0
	}
	return v
}
