// Package sensors implements the onboard sensor suite: NTC thermistor
// linearization for the three temperature channels, boiler pressure
// sensing, and track voltage sensing, each with plausibility windows and
// per-channel health tracking so a single bad reading degrades gracefully
// instead of poisoning the control loop.
package sensors

import (
	"math"

	"github.com/d2r2/go-logger"

	"github.com/fregster/DCCLiveSteam/internal/hal"
)

var lg = logger.NewPackageLogger("sensors", logger.InfoLevel)

// Channel identifies one analogue sensor input.
type Channel int

const (
	ChanLogicTemp Channel = iota
	ChanBoilerTemp
	ChanSuperheaterTemp
	ChanPressure
	ChanTrackVoltage
)

func (c Channel) String() string {
	switch c {
	case ChanLogicTemp:
		return "logic_temp"
	case ChanBoilerTemp:
		return "boiler_temp"
	case ChanSuperheaterTemp:
		return "superheater_temp"
	case ChanPressure:
		return "pressure"
	case ChanTrackVoltage:
		return "track_voltage"
	default:
		return "unknown"
	}
}

// FaultSentinel is returned for a temperature channel that cannot produce a
// physically meaningful reading (open/shorted thermistor).
const FaultSentinel = 999.9

// oversampleCount matches the original firmware's ADC oversampling factor,
// trading a few hundred microseconds of read time for quieter readings.
const oversampleCount = 8

// steinhart coefficients for the NTC thermistors fitted to this board.
const (
	shA = 1.009249522e-03
	shB = 2.378405444e-04
	shC = 2.019202697e-07
	shSeriesOhms = 10000.0
)

// window bounds the physically-plausible native range for a channel. A
// reading outside its window is rejected and the last valid value is held.
type window struct{ lo, hi float64 }

var plausibility = map[Channel]window{
	ChanLogicTemp:       {-10, 90},
	ChanBoilerTemp:      {0, 160},
	ChanSuperheaterTemp: {0, 320},
	ChanPressure:        {-1, 30},
	ChanTrackVoltage:    {0, 18000},
}

// Suite reads and validates the onboard analogue channels.
type Suite struct {
	adc map[Channel]hal.ADCPin

	health      map[Channel]bool
	lastValid   map[Channel]float64
	failedCount map[Channel]int
}

// NewSuite builds a Suite over the given per-channel ADC pins. Channels
// absent from adc are treated as permanently unavailable.
func NewSuite(adc map[Channel]hal.ADCPin) *Suite {
	s := &Suite{
		adc:         adc,
		health:      make(map[Channel]bool),
		lastValid:   make(map[Channel]float64),
		failedCount: make(map[Channel]int),
	}
	for ch := range adc {
		s.health[ch] = true
	}
	return s
}

// readRaw oversamples the ADC and returns the mean code converted to volts
// against the reference voltage; ok is false if the channel has no pin, a
// sample fails, or the pin reports a zero full scale.
func (s *Suite) readRaw(ch Channel) (voltage float64, ok bool) {
	pin, present := s.adc[ch]
	if !present {
		return 0, false
	}
	var sum uint32
	for i := 0; i < oversampleCount; i++ {
		code, err := pin.Sample()
		if err != nil {
			lg.Warningf("%s: sample error: %v", ch, err)
			return 0, false
		}
		sum += uint32(code)
	}
	mean := float64(sum) / float64(oversampleCount)
	full := float64(pin.FullScale())
	if full == 0 {
		return 0, false
	}
	refVolts := float64(hal.ReferenceVoltage) / 1e9 // physic.Volt is 1e9 per volt
	return (mean / full) * refVolts, true
}

// adcToTemp converts a thermistor-divider voltage to degrees Celsius via
// the Steinhart-Hart equation, returning FaultSentinel for an open or
// shorted sensor.
func adcToTemp(v float64) float64 {
	const vRef = 3.3
	if v <= 0.001 || v >= vRef-0.001 {
		return FaultSentinel
	}
	r := shSeriesOhms * (v / (vRef - v))
	lnR := math.Log(r)
	invT := shA + shB*lnR + shC*lnR*lnR*lnR
	kelvin := 1.0 / invT
	return kelvin - 273.15
}

// IsReadingValid reports whether value falls within ch's plausibility
// window, independent of how it was derived.
func IsReadingValid(ch Channel, value float64) bool {
	w, known := plausibility[ch]
	if !known {
		return false
	}
	return value >= w.lo && value <= w.hi
}

// readChannel performs one validated read of ch, applying native-unit
// conversion and plausibility checking, and updates health bookkeeping.
func (s *Suite) readChannel(ch Channel, convert func(float64) float64) float64 {
	v, ok := s.readRaw(ch)
	native := FaultSentinel
	if ok {
		native = convert(v)
	}

	if ok && IsReadingValid(ch, native) {
		s.lastValid[ch] = native
		s.failedCount[ch] = 0
		s.health[ch] = true
		return native
	}

	s.failedCount[ch]++
	if s.failedCount[ch] >= 3 {
		s.health[ch] = false
	}
	if cached, have := s.lastValid[ch]; have {
		return cached
	}
	return native
}

// ReadTemps returns logic, boiler, and superheater temperatures in
// degrees Celsius.
func (s *Suite) ReadTemps() (logicC, boilerC, superheaterC float64) {
	logicC = s.readChannel(ChanLogicTemp, adcToTemp)
	boilerC = s.readChannel(ChanBoilerTemp, adcToTemp)
	superheaterC = s.readChannel(ChanSuperheaterTemp, adcToTemp)
	return
}

// ReadPressurePSI returns the sensor-native pressure reading in PSI.
// The transducer's transfer function is linear across its full 0..3.3 V
// input span to a 0..100 PSI output span; the plausibility window is
// narrower than that full span (−1..30 PSI) since that is the range this
// boiler's normal operating pressure ever reaches, not the transducer's
// full scale. Conversion to the canonical kPa unit happens in the control
// loop before the reading reaches the pressure controller, not here.
func (s *Suite) ReadPressurePSI() float64 {
	return s.readChannel(ChanPressure, func(v float64) float64 {
		const vRef = 3.3
		const psiFullScale = 100.0
		return (v / vRef) * psiFullScale
	})
}

// ReadTrackVoltageMV returns the DCC track voltage in millivolts.
func (s *Suite) ReadTrackVoltageMV() float64 {
	return s.readChannel(ChanTrackVoltage, func(v float64) float64 {
		const dividerRatio = 5.7
		return v * dividerRatio * 1000.0
	})
}

// Healthy reports whether ch is healthy: it turns false once three or more
// consecutive reads were implausible and true again on the next valid read,
// mirroring sensor_health in the original suite.
func (s *Suite) Healthy(ch Channel) bool {
	h, ok := s.health[ch]
	return ok && h
}

// FailedSensorCount is the number of channels currently unhealthy.
func (s *Suite) FailedSensorCount() int {
	n := 0
	for _, ok := range s.health {
		if !ok {
			n++
		}
	}
	return n
}
