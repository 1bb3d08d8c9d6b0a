package physics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpeedToRegulator_ZeroIsClosed(t *testing.T) {
	assert.Equal(t, 0.0, SpeedToRegulator(0))
}

func TestSpeedToRegulator_FullSpeedIsFullRegulator(t *testing.T) {
	assert.InDelta(t, 100.0, SpeedToRegulator(127), 0.01)
}

func TestSpeedToRegulator_Midpoint(t *testing.T) {
	v := SpeedToRegulator(63)
	assert.InDelta(t, 49.6, v, 0.5)
}

func TestCalcVelocity_NonPositiveInputsClampToZero(t *testing.T) {
	assert.Equal(t, 0.0, CalcVelocity(-1, 1000, 1.0))
	assert.Equal(t, 0.0, CalcVelocity(10, 0, 1.0))
	assert.Equal(t, 0.0, CalcVelocity(0, 1000, 1.0))
}

func TestCalcVelocity_Nominal(t *testing.T) {
	v := CalcVelocity(50, 1000, 2.0)
	assert.InDelta(t, 100.0, v, 0.001)
}

func TestNewGeometry_ZeroSegmentsIsSafe(t *testing.T) {
	g := NewGeometry(1325, 0)
	assert.Equal(t, 0.0, g.DistancePerTickCm)
}

func TestNewGeometry_Nominal(t *testing.T) {
	g := NewGeometry(1325, 12)
	assert.Greater(t, g.DistancePerTickCm, 0.0)
}
