package telemetry

import (
	"fmt"

	"go.bug.st/serial"
)

// SerialConfig describes the UART the locomotive's telemetry line runs
// over, mirroring the port/baud configuration shape the ECU provider uses
// for its own serial link.
type SerialConfig struct {
	PortPath string `yaml:"port_path"`
	BaudRate int    `yaml:"baud_rate"`
}

// OpenSerial opens cfg's port in 8N1 mode, ready to be wrapped by a Writer
// and a Reader.
func OpenSerial(cfg SerialConfig) (serial.Port, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.PortPath, mode)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open %s: %w", cfg.PortPath, err)
	}
	return port, nil
}
