// Package sim is an in-process stand-in for the winder firmware. It speaks
// the same line protocol as the board, tracks the carriage and feed axes,
// and can be told to misbehave so failure paths can be exercised without
// hardware.
package sim

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"coilwinder/common/config"
	"coilwinder/common/logger"
	"coilwinder/project/channel"
	"coilwinder/project/gcode"

	"go.uber.org/zap"
)

type Options struct {
	// Banner is printed when the port is opened.
	Banner []string
	// Chatter lines precede every acknowledgment.
	Chatter []string
	// DropAcks withholds the acknowledgment of the next N commands.
	DropAcks int
	// OperatorDelay is how long an M0/M1 waits before resuming.
	OperatorDelay time.Duration
}

// Status is the simulated machine state.
type Status struct {
	X, Y, Z, E       float64
	FeedRate         float64
	FeedPercent      float64
	AbsoluteXYZ      bool
	RelativeE        bool
	ColdExtrudeAllow bool
	Homed            bool
}

type pendingLine struct {
	at   time.Time
	text string
}

// Firmware implements channel.Port.
type Firmware struct {
	opts Options

	in       []byte
	out      bytes.Buffer
	deferred []pendingLine
	closed   bool

	status   Status
	received []string

	now func() time.Time
	log *zap.Logger
}

func New(opts Options) *Firmware {
	f := &Firmware{opts: opts, now: time.Now, log: logger.Named("sim")}
	f.reset()
	return f
}

func (f *Firmware) reset() {
	f.in = nil
	f.out.Reset()
	f.deferred = nil
	f.closed = false
	f.status = Status{AbsoluteXYZ: true, FeedPercent: 100}
	for _, line := range f.opts.Banner {
		f.reply(line)
	}
}

// Opener hands this firmware to a channel as if it were a serial port.
func (f *Firmware) Opener() channel.Opener {
	return channel.OpenerFunc(func(cfg config.Serial) (channel.Port, error) {
		f.reset()
		f.log.Info("simulating winder", zap.String("port", cfg.Port))
		return f, nil
	})
}

func (f *Firmware) Status() Status {
	return f.status
}

// Received lists every command line the firmware has parsed.
func (f *Firmware) Received() []string {
	return append([]string(nil), f.received...)
}

// DropAcks withholds the acknowledgment of the next n commands.
func (f *Firmware) DropAcks(n int) {
	f.opts.DropAcks = n
}

func (f *Firmware) Read(p []byte) (int, error) {
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	now := f.now()
	for len(f.deferred) > 0 && !now.Before(f.deferred[0].at) {
		f.reply(f.deferred[0].text)
		f.deferred = f.deferred[1:]
	}
	if f.out.Len() == 0 {
		// nothing within the read timeout
		return 0, io.EOF
	}
	return f.out.Read(p)
}

func (f *Firmware) Write(p []byte) (int, error) {
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	f.in = append(f.in, p...)
	for {
		idx := bytes.IndexByte(f.in, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSpace(string(f.in[:idx]))
		f.in = f.in[idx+1:]
		if line != "" {
			f.process(line)
		}
	}
	return len(p), nil
}

// Flush drops output the host has not read yet. A pending operator resume
// is not output yet and survives.
func (f *Firmware) Flush() error {
	if f.closed {
		return io.ErrClosedPipe
	}
	f.out.Reset()
	f.in = nil
	return nil
}

func (f *Firmware) Close() error {
	f.closed = true
	return nil
}

func (f *Firmware) reply(line string) {
	f.out.WriteString(line)
	f.out.WriteString("\n")
}

func (f *Firmware) ack() {
	for _, line := range f.opts.Chatter {
		f.reply(line)
	}
	if f.opts.DropAcks > 0 {
		f.opts.DropAcks--
		return
	}
	f.reply(gcode.Acknowledgment)
}

func (f *Firmware) process(text string) {
	f.log.Debug("received", zap.String("line", text))
	f.received = append(f.received, text)

	line, message, err := gcode.Parse(text)
	if err != nil || len(line.Codes) == 0 {
		f.reply(fmt.Sprintf("echo:Unknown command: %q", text))
		f.ack()
		return
	}

	head := line.Codes[0]
	words := map[string]float64{}
	for _, code := range line.Codes[1:] {
		words[strings.ToUpper(code.Letter)] = code.Value
	}

	switch fmt.Sprintf("%s%d", strings.ToUpper(head.Letter), int(head.Value)) {
	case "G0", "G1":
		f.move(words)
	case "G28":
		f.status.X, f.status.Y, f.status.Z = 0, 0, 0
		f.status.Homed = true
	case "G90":
		f.status.AbsoluteXYZ = true
	case "G91":
		f.status.AbsoluteXYZ = false
	case "G92":
		if v, ok := words["X"]; ok {
			f.status.X = v
		}
		if v, ok := words["E"]; ok {
			f.status.E = v
		}
	case "M82":
		f.status.RelativeE = false
	case "M83":
		f.status.RelativeE = true
	case "M302":
		f.status.ColdExtrudeAllow = words["P"] != 0
	case "M220":
		if v, ok := words["S"]; ok {
			f.status.FeedPercent = v
		}
	case "M400", "M117", "M106", "M107", "G4":
	case "M114":
		f.reply(fmt.Sprintf("X:%.2f Y:%.2f Z:%.2f E:%.2f", f.status.X, f.status.Y, f.status.Z, f.status.E))
	case "M0", "M1":
		if message != "" {
			f.reply("echo:" + message)
		}
		f.reply("echo:busy: paused for user")
		if f.opts.DropAcks > 0 {
			f.opts.DropAcks--
			return
		}
		f.deferred = append(f.deferred, pendingLine{at: f.now().Add(f.opts.OperatorDelay), text: gcode.Acknowledgment})
		return
	default:
		f.reply(fmt.Sprintf("echo:Unknown command: %q", text))
	}
	f.ack()
}

func (f *Firmware) move(words map[string]float64) {
	if v, ok := words["F"]; ok {
		f.status.FeedRate = v
	}
	axes := []struct {
		letter string
		pos    *float64
	}{{"X", &f.status.X}, {"Y", &f.status.Y}, {"Z", &f.status.Z}}
	for _, axis := range axes {
		if v, ok := words[axis.letter]; ok {
			if f.status.AbsoluteXYZ {
				*axis.pos = v
			} else {
				*axis.pos += v
			}
		}
	}
	if v, ok := words["E"]; ok {
		if !f.status.ColdExtrudeAllow {
			f.reply("echo: cold extrusion prevented")
			return
		}
		if f.status.RelativeE {
			f.status.E += v
		} else {
			f.status.E = v
		}
	}
}
