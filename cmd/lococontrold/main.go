// Command lococontrold runs the live-steam locomotive control core: DCC
// decode, sensor suite, servo shaping, boiler/superheater pressure control,
// the safety watchdog, and the telemetry boundary, all on one fixed-rate
// cooperative loop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/d2r2/go-logger"
	_ "github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/fregster/DCCLiveSteam/internal/background"
	"github.com/fregster/DCCLiveSteam/internal/control"
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

var lg = logger.NewPackageLogger("main", logger.InfoLevel)

// version is stamped at build time via -ldflags; left as a default for
// local builds.
var version = "dev"

var (
	cvFilePath   string
	serialPort   string
	serialBaud   int
	blackBoxPath string
)

func main() {
	root := &cobra.Command{
		Use:   "lococontrold",
		Short: "Live-steam locomotive DCC control core",
	}
	root.PersistentFlags().StringVar(&cvFilePath, "cv-file", "cv.yaml", "path to the CV table YAML file")
	root.PersistentFlags().StringVar(&serialPort, "serial-port", "", "telemetry serial device (e.g. /dev/ttyUSB0); empty disables telemetry")
	root.PersistentFlags().IntVar(&serialBaud, "serial-baud", 115200, "telemetry serial baud rate")
	root.PersistentFlags().StringVar(&blackBoxPath, "black-box", "blackbox.jsonl", "path to the append-only event black box")

	root.AddCommand(runCmd(), validateConfigCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		lg.Fatalf("lococontrold: %v", err)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func validateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load the CV table and report any bound violations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cv, err := cvstore.Load(cvFilePath)
			if err != nil {
				return err
			}
			for n := 1; n <= 255; n++ {
				b, known := cvstore.Bounds[n]
				if !known {
					continue
				}
				if v, ok := cv.Get(n); ok && (float64(v) < b.Min || float64(v) > b.Max) {
					return fmt.Errorf("CV%d=%g out of range %g-%g %s", n, float64(v), b.Min, b.Max, b.Unit)
				}
			}
			target := float64(cv.MustGet(32))
			max := float64(cv.MustGet(35))
			if max-target < cvstore.PressureMarginKPa {
				return fmt.Errorf("CV32/CV35 margin too small: target=%.1f max=%.1f, need at least %.1fkPa",
					target, max, cvstore.PressureMarginKPa)
			}
			fmt.Println("CV table OK")
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the control loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
}

// run wires every component and drives the control loop until interrupted.
//
// GOMAXPROCS is pinned to 1 after automaxprocs has had a chance to log the
// host's cgroup CPU quota: the control loop is designed as a single
// cooperative scheduler, not a parallel pipeline, and running it across
// more than one OS thread would reintroduce the scheduling jitter the
// fixed-rate tick is meant to eliminate.
func run() error {
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		lg.Infof(format, args...)
	})); err != nil {
		lg.Warningf("automaxprocs: %v", err)
	}
	runtime.GOMAXPROCS(1)

	cv, err := cvstore.Load(cvFilePath)
	if err != nil {
		return fmt.Errorf("load CV table: %w", err)
	}

	clock := hal.RealClock{}

	adcMap := map[sensors.Channel]hal.ADCPin{
		sensors.ChanLogicTemp:       hal.NewFakeADC(0),
		sensors.ChanBoilerTemp:      hal.NewFakeADC(0),
		sensors.ChanSuperheaterTemp: hal.NewFakeADC(0),
		sensors.ChanPressure:        hal.NewFakeADC(0),
		sensors.ChanTrackVoltage:    hal.NewFakeADC(0),
	}
	suite := sensors.NewSuite(adcMap)
	cached := sensors.NewCachedReader(suite, clock)

	encPin := hal.NewFakeEdgePin()
	geometry := physics.NewGeometry(int(cv.MustGet(37)), int(cv.MustGet(38)))
	enc := encoder.NewTracker(encPin, clock, geometry.DistancePerTickCm)

	dccPin := hal.NewFakeEdgePin()
	longAddr := int(cv.MustGet(29))&0x20 != 0
	decoder := dcc.New(dccPin, clock, int(cv.MustGet(1)), longAddr, nil)

	servoPWM := &hal.FakePWM{}
	shaper := servo.New(cv, servoPWM, clock)

	pressureCtl := pressure.New()
	wd := watchdog.New(cv)
	degraded := watchdog.NewDegradedModeController(cv)

	actuators := control.Actuators{
		BoilerHeater:      &hal.FakePWM{},
		SuperheaterHeater: &hal.FakePWM{},
		WhistleRelay:      &hal.FakePWM{},
	}

	var telemetryWriter *telemetry.Writer
	var telemetryReader *telemetry.Reader
	if serialPort != "" {
		port, err := telemetry.OpenSerial(telemetry.SerialConfig{PortPath: serialPort, BaudRate: serialBaud})
		if err != nil {
			return fmt.Errorf("open telemetry port: %w", err)
		}
		telemetryWriter = telemetry.NewWriter(port)
		telemetryReader = telemetry.NewReader(port)
	}

	blackBox, err := eventlog.OpenBlackBox(blackBoxPath)
	if err != nil {
		return fmt.Errorf("open black box: %w", err)
	}
	defer blackBox.Close()
	events := eventlog.NewRing(eventlog.DefaultCapacity)

	hk := background.NewHousekeeper(func(stats background.MemoryStats) {
		lg.Debugf("heap_alloc=%d sys_free=%d", stats.HeapAllocBytes, stats.SysFreeBytes)
	})

	loop := control.New(cv, cached, enc, decoder, shaper, pressureCtl, wd, degraded, actuators,
		telemetryWriter, telemetryReader, events, blackBox, hk, clock)
	decoder.SetHandler(loop.OnDCCPacket)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lg.Info("control loop starting")
	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("control loop: %w", err)
	}
	lg.Info("control loop stopped")
	return cv.Save()
}
