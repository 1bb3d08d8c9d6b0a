// Package telemetry implements the line-oriented serial boundary: an
// outbound 1Hz status frame and an inbound CV-write command channel. Wire
// transport is go.bug.st/serial in production; tests use an in-memory
// io.Reader/io.Writer pair.
package telemetry

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/d2r2/go-logger"
)

var lg = logger.NewPackageLogger("telemetry", logger.InfoLevel)

// frameInterval is the outbound status-frame cadence.
const frameInterval = 1 * time.Second

// maxLineBytes bounds one inbound command line; anything longer is
// malformed by construction and dropped once its newline has been read.
const maxLineBytes = 128

// commandQueueDepth is how many pending inbound commands are buffered
// before the oldest is dropped.
const commandQueueDepth = 16

// Frame is one outbound status snapshot.
type Frame struct {
	SpeedStep       uint8
	PressureKPa     float64
	BoilerTempC     float64
	SuperheaterTempC float64
	LogicTempC      float64
	ServoPct        float64
}

// kPaPerPSI converts the frame's canonical kPa pressure to the PSI the wire
// field carries.
const kPaPerPSI = 6.89476

// Format renders a Frame in the wire format:
// SPD:<n>|PSI:<f>|TB:<f>|TS:<f>|TL:<f>|SRV:<f>\n
// PressureKPa is converted to PSI for the PSI field.
func (f Frame) Format() string {
	return fmt.Sprintf("SPD:%d|PSI:%.1f|TB:%.1f|TS:%.1f|TL:%.1f|SRV:%.1f\n",
		f.SpeedStep, f.PressureKPa/kPaPerPSI, f.BoilerTempC, f.SuperheaterTempC, f.LogicTempC, f.ServoPct)
}

// Writer emits Frames to an underlying transport at most once per
// frameInterval, dropping intermediate frames rather than backing up.
type Writer struct {
	w        io.Writer
	mu       sync.Mutex
	lastSent time.Time
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Send writes f to the transport if frameInterval has elapsed since the
// last send at now; otherwise it is a silent no-op.
func (tw *Writer) Send(f Frame, now time.Time) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if now.Sub(tw.lastSent) < frameInterval {
		return nil
	}
	tw.lastSent = now
	_, err := io.WriteString(tw.w, f.Format())
	return err
}

// Command is one decoded inbound instruction: set CV number N to Value.
type Command struct {
	CV    int
	Value string
}

// Reader decodes inbound "CVn=value\n" lines from r into a bounded queue
// of Commands, silently dropping malformed, over-long, or non-UTF8 lines.
// A bufio.Reader is used instead of bufio.Scanner so a single over-long
// line is dropped rather than terminating the whole stream.
type Reader struct {
	r     *bufio.Reader
	queue chan Command
}

// NewReader wraps r, scanning newline-delimited commands.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, maxLineBytes*2), queue: make(chan Command, commandQueueDepth)}
}

// Run scans r until EOF or stop is closed, pushing decoded commands onto
// the internal queue. Intended to run in its own goroutine.
func (tr *Reader) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		line, err := tr.r.ReadString('\n')
		if len(line) > 0 {
			if len(line) <= maxLineBytes {
				if cmd, ok := parseCommand(line); ok {
					tr.enqueue(cmd)
				} else {
					lg.Warningf("dropping malformed telemetry line: %q", line)
				}
			} else {
				lg.Warningf("dropping over-long telemetry line (%d bytes)", len(line))
			}
		}
		if err != nil {
			return
		}
	}
}

func (tr *Reader) enqueue(cmd Command) {
	select {
	case tr.queue <- cmd:
	default:
		// queue full: drop the oldest to make room, never block the reader
		select {
		case <-tr.queue:
		default:
		}
		select {
		case tr.queue <- cmd:
		default:
		}
	}
}

// Commands returns the channel of decoded inbound commands.
func (tr *Reader) Commands() <-chan Command {
	return tr.queue
}

// parseCommand decodes one "CVn=value" line.
func parseCommand(line string) (Command, bool) {
	if !utf8.ValidString(line) {
		return Command{}, false
	}
	line = strings.TrimSpace(line)
	if len(line) == 0 || len(line) > maxLineBytes {
		return Command{}, false
	}
	if !strings.HasPrefix(line, "CV") {
		return Command{}, false
	}
	rest := line[2:]
	eq := strings.IndexByte(rest, '=')
	if eq < 0 {
		return Command{}, false
	}
	n, err := strconv.Atoi(rest[:eq])
	if err != nil {
		return Command{}, false
	}
	value := rest[eq+1:]
	if value == "" {
		return Command{}, false
	}
	return Command{CV: n, Value: value}, true
}
