// Package cvstore implements the Configuration Variable (CV) table: a
// dense, bounds-checked key-value store following NMRA DCC convention,
// persisted to a YAML file. It is the ConfigStore boundary collaborator
// named in spec section 6.
package cvstore

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/d2r2/go-logger"
	"gopkg.in/yaml.v3"
)

var lg = logger.NewPackageLogger("cvstore", logger.InfoLevel)

// Value is a CV value, either an integer or a decimal.
type Value float64

// Bound documents the valid range, unit, and meaning of one CV.
type Bound struct {
	Min, Max    float64
	Unit        string
	Description string
}

// Bounds is the compile-time CV bounds table (spec section 3/9): a sealed
// map that makes ValidateAndUpdate a total function over known CVs.
//
// Pressure CVs (32, 35) are expressed in kPa: this is the canonical unit
// resolved for the port (spec's open question) — the source material mixed
// kPa and PSI across variants with overlapping CV numbers, and kPa is what
// the original firmware's own CV_BOUNDS table actually enforced.
var Bounds = map[int]Bound{
	1:  {1, 127, "addr", "DCC address"},
	29: {0, 255, "flags", "Configuration flags"},
	30: {0, 1, "bool", "Distress whistle enable"},
	31: {-50, 50, "pwm", "Servo offset"},
	32: {70.0, 207.0, "kPa", "Target boiler pressure"},
	33: {10.0, 50.0, "%", "Stiction breakout"},
	34: {5.0, 30.0, "%", "Slip sensitivity"},
	35: {100.0, 220.0, "kPa", "Max boiler pressure"},
	37: {1000, 2000, "mm*100", "Wheel radius"},
	38: {8, 16, "segments", "Encoder segments"},
	39: {100, 250, "km/h", "Prototype speed"},
	40: {50, 120, "ratio", "Scale ratio"},
	41: {60, 85, "degC", "Logic temp limit"},
	42: {100, 120, "degC", "Boiler temp limit"},
	43: {240, 270, "degC", "Superheater temp limit"},
	44: {5, 100, "x100ms", "DCC timeout"},
	45: {2, 50, "x100ms", "Power timeout"},
	46: {40, 120, "pwm", "Servo neutral duty"},
	47: {80, 160, "pwm", "Servo max duty"},
	48: {0, 20, "deg", "Whistle offset"},
	49: {500, 3000, "ms", "Servo travel time"},
	51: {1.0, 10.0, "A", "Power budget"},
	52: {0, 1, "mode", "Speed control mode"},
	84: {0, 1, "bool", "Graceful degradation enable"},
	87: {5.0, 20.0, "cm/s2", "Sensor failure decel rate"},
	88: {10, 60, "s", "Degraded mode timeout"},
}

// Defaults are the factory CV values, loaded when no file exists yet.
var Defaults = map[int]Value{
	1:  3,
	29: 6,
	30: 1,
	31: 0,
	32: 124.0,
	33: 35.0,
	34: 15.0,
	35: 207.0,
	37: 1325,
	38: 12,
	39: 203,
	40: 76,
	41: 75,
	42: 110,
	43: 250,
	44: 20,
	45: 8,
	46: 77,
	47: 128,
	48: 5,
	49: 1000,
	51: 4.5,
	52: 1,
	84: 1,
	87: 10.0,
	88: 20,
}

// PressureMarginKPa is the minimum required gap between target and max
// boiler pressure (spec section 3 invariant), not itself a CV.
const PressureMarginKPa = 15.0

// Table is a thread-safe CV table. ControlLoop is the only mutator (between
// ticks); many components read concurrently.
type Table struct {
	mu   sync.RWMutex
	cv   map[int]Value
	path string
}

// Load reads the CV table from path, seeding factory defaults if the file
// is absent, matching ensure_environment()'s behaviour in spec section 6.
func Load(path string) (*Table, error) {
	t := &Table{cv: make(map[int]Value, len(Defaults)), path: path}
	for k, v := range Defaults {
		t.cv[k] = v
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("cvstore: read %s: %w", path, err)
		}
		lg.Infof("no CV file at %s, writing factory defaults", path)
		if err := t.Save(); err != nil {
			return nil, err
		}
		return t, nil
	}

	var onDisk map[string]Value
	if err := yaml.Unmarshal(data, &onDisk); err != nil {
		return nil, fmt.Errorf("cvstore: parse %s: %w", path, err)
	}
	for k, v := range onDisk {
		n, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		t.cv[n] = v
	}
	lg.Infof("loaded CV table from %s", path)
	return t, nil
}

// Save persists the CV table to its YAML file.
func (t *Table) Save() error {
	t.mu.RLock()
	out := make(map[string]Value, len(t.cv))
	for k, v := range t.cv {
		out[strconv.Itoa(k)] = v
	}
	t.mu.RUnlock()

	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("cvstore: marshal: %w", err)
	}
	if err := os.WriteFile(t.path, data, 0o644); err != nil {
		return fmt.Errorf("cvstore: write %s: %w", t.path, err)
	}
	return nil
}

// Get returns cv[n] and whether it is set.
func (t *Table) Get(n int) (Value, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.cv[n]
	return v, ok
}

// MustGet returns cv[n], or 0 if unset. Used throughout the control plane
// where a missing CV is a configuration bug, not a runtime condition to
// branch on.
func (t *Table) MustGet(n int) Value {
	v, _ := t.Get(n)
	return v
}

// ValidateAndUpdate parses newValue against cv's bounds table and applies it
// atomically on success, leaving the prior value untouched on failure —
// the ConfigStore boundary contract from spec section 6.
func (t *Table) ValidateAndUpdate(n int, newValue string) (string, error) {
	bound, known := Bounds[n]
	if !known {
		return "", fmt.Errorf("CV%d unknown", n)
	}

	parsed, err := strconv.ParseFloat(newValue, 64)
	if err != nil {
		return "", fmt.Errorf("CV%d invalid value %q: not a number", n, newValue)
	}
	if parsed < bound.Min || parsed > bound.Max {
		return "", fmt.Errorf("CV%d out of range %g-%g %s", n, bound.Min, bound.Max, bound.Unit)
	}

	t.mu.Lock()
	old := t.cv[n]
	t.cv[n] = Value(parsed)
	t.mu.Unlock()

	msg := fmt.Sprintf("updated CV%d (%s) from %g to %g %s", n, bound.Description, float64(old), parsed, bound.Unit)
	lg.Info(msg)
	return msg, nil
}

// Snapshot returns a copy of the whole table, for telemetry status dumps.
func (t *Table) Snapshot() map[int]Value {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[int]Value, len(t.cv))
	for k, v := range t.cv {
		out[k] = v
	}
	return out
}
