// Package channel carries winder commands over a line-oriented serial link
// and waits for their acknowledgment.
//
// The protocol has no correlation ids: responses are consumed strictly in
// send order, and any line that is not the acknowledgment token is logged
// and discarded. Flush before each new command so stale lines from an
// earlier command cannot be taken as its acknowledgment.
//
// A Channel belongs to the goroutine that opened it. Calls from any other
// goroutine fail with a state error instead of being serialised.
package channel

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"time"

	"coilwinder/common/config"
	"coilwinder/common/errors"
	"coilwinder/common/logger"
	"coilwinder/common/utils/sys"
	"coilwinder/project/gcode"
	"coilwinder/project/queue"
)

const (
	lineTerminator = "\n"

	// longest unterminated input kept while waiting for a newline
	maxPending = 4096
	// pause between reads that returned nothing
	readIdle = time.Millisecond
)

type Channel struct {
	cfg    config.Serial
	opener Opener

	port  Port
	owner uint64

	// bytes after the last newline, waiting for the rest of their line
	pending []byte
	lines   *queue.Queue[string]
	readBuf []byte

	lastSent string

	now   func() time.Time
	sleep func(time.Duration)
	idle  func(time.Duration)
}

func New(cfg config.Serial, opener Opener) *Channel {
	if opener == nil {
		opener = SerialOpener{}
	}
	return &Channel{
		cfg:     cfg,
		opener:  opener,
		lines:   queue.NewQueue[string](),
		readBuf: make([]byte, 256),
		now:     time.Now,
		sleep:   time.Sleep,
		idle:    time.Sleep,
	}
}

func (c *Channel) Name() string {
	return c.cfg.Port
}

func (c *Channel) IsOpen() bool {
	return c.port != nil
}

// Open connects to the configured port, waits for the firmware to boot and
// drains whatever it printed while starting.
func (c *Channel) Open() error {
	if c.port != nil {
		return errors.State("open", fmt.Errorf("%s: %w", c.cfg.Port, errors.ErrAlreadyOpen))
	}
	if c.cfg.Port == "" {
		return errors.Statef("open", "no serial port configured")
	}
	if !claimPort(c.cfg.Port) {
		return errors.State("open", fmt.Errorf("%s held by another channel: %w", c.cfg.Port, errors.ErrAlreadyOpen))
	}

	logger.Infof("Opening %s at %d baud", c.cfg.Port, c.cfg.Baud)
	port, err := c.opener.Open(c.cfg)
	if err != nil {
		releasePort(c.cfg.Port)
		return errors.Transport("open", err)
	}
	c.port = port
	c.owner = sys.GetGID()
	c.pending = nil
	c.lines.Clear()

	if c.cfg.SettleDelay > 0 {
		logger.Infof("Waiting %s for initialization", c.cfg.SettleDelay)
		c.sleep(c.cfg.SettleDelay)
	}
	if err := c.drain(); err != nil {
		c.Close()
		return err
	}
	logger.Infof("Connected to %s", c.cfg.Port)
	return nil
}

// drain reads boot chatter until the line goes quiet.
func (c *Channel) drain() error {
	for i := 0; i < c.cfg.MaxAttempts; i++ {
		line, err := c.ReceiveLine()
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
		logger.Debugf("<- %s (startup) %s", c.cfg.Port, line)
	}
	return nil
}

// Close releases the port. Closing a closed channel does nothing.
func (c *Channel) Close() error {
	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	releasePort(c.cfg.Port)
	c.port = nil
	c.owner = 0
	c.pending = nil
	c.lines.Clear()
	logger.Infof("Closed %s", c.cfg.Port)
	if err != nil {
		return errors.Transport("close", err)
	}
	return nil
}

func (c *Channel) usable(op string) error {
	if c.port == nil {
		return errors.Transport(op, errors.ErrClosed)
	}
	if gid := sys.GetGID(); gid != c.owner {
		return errors.Statef(op, "channel owned by goroutine %d used from goroutine %d", c.owner, gid)
	}
	return nil
}

// Send writes one command line.
func (c *Channel) Send(line string) error {
	if err := c.usable("send"); err != nil {
		return err
	}
	logger.Debugf("-> %s %s", c.cfg.Port, line)
	if _, err := io.WriteString(c.port, line+lineTerminator); err != nil {
		return errors.Transport("send", err)
	}
	c.lastSent = line
	return nil
}

// ReceiveLine returns the next non-empty response line, trimmed, or "" if
// none completes within the read timeout. Only I/O failures are errors.
func (c *Channel) ReceiveLine() (string, error) {
	if err := c.usable("receive"); err != nil {
		return "", err
	}
	deadline := c.now().Add(c.cfg.ReadTimeout)
	for {
		if line, ok := c.lines.Pop(); ok {
			logger.Debugf("<- %s %s", c.cfg.Port, line)
			return line, nil
		}
		n, err := c.port.Read(c.readBuf)
		if n > 0 {
			c.split(c.readBuf[:n])
		}
		if err != nil && !stderrors.Is(err, io.EOF) {
			return "", errors.Transport("receive", err)
		}
		if !c.lines.IsEmpty() {
			continue
		}
		remaining := deadline.Sub(c.now())
		if remaining <= 0 {
			return "", nil
		}
		if n == 0 {
			if remaining > readIdle {
				remaining = readIdle
			}
			c.idle(remaining)
		}
	}
}

func (c *Channel) split(data []byte) {
	c.pending = append(c.pending, data...)
	for {
		idx := bytes.IndexByte(c.pending, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSpace(string(c.pending[:idx]))
		c.pending = c.pending[idx+1:]
		if line != "" {
			c.lines.Push(line)
		}
	}
	if len(c.pending) > maxPending {
		logger.Debugf("%s: discarding %d bytes without line terminator", c.cfg.Port, len(c.pending))
		c.pending = nil
	}
}

// AwaitAcknowledgment consumes response lines until the acknowledgment
// token arrives. WaitAck gives up after MaxAttempts lines or timeouts;
// WaitOperator keeps waiting until OperatorTimeout (forever when zero).
func (c *Channel) AwaitAcknowledgment(policy gcode.WaitPolicy) error {
	switch policy {
	case gcode.WaitNone:
		return nil
	case gcode.WaitAck:
		return c.awaitBounded()
	case gcode.WaitOperator:
		return c.awaitOperator()
	default:
		return errors.Statef("await", "unknown wait policy %s", policy)
	}
}

func (c *Channel) awaitBounded() error {
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		done, err := c.poll()
		if err != nil || done {
			return err
		}
	}
	logger.Warnf("%s: %q not acknowledged after %d attempts", c.cfg.Port, c.lastSent, c.cfg.MaxAttempts)
	return errors.Protocol("await", c.lastSent)
}

func (c *Channel) awaitOperator() error {
	var deadline time.Time
	if c.cfg.OperatorTimeout > 0 {
		deadline = c.now().Add(c.cfg.OperatorTimeout)
	}
	for {
		done, err := c.poll()
		if err != nil || done {
			return err
		}
		if !deadline.IsZero() && !c.now().Before(deadline) {
			logger.Warnf("%s: operator did not resume %q within %s", c.cfg.Port, c.lastSent, c.cfg.OperatorTimeout)
			return errors.Protocol("await_operator", c.lastSent)
		}
	}
}

// poll reads one response and reports whether it was the acknowledgment.
func (c *Channel) poll() (bool, error) {
	line, err := c.ReceiveLine()
	if err != nil {
		return false, err
	}
	switch line {
	case gcode.Acknowledgment:
		return true, nil
	case "":
		if c.cfg.PollInterval > 0 {
			c.sleep(c.cfg.PollInterval)
		}
	default:
		logger.Debugf("%s: discarding %q while waiting for %q", c.cfg.Port, line, c.lastSent)
	}
	return false, nil
}

// Flush discards buffered input and output, including complete lines
// already read but not yet consumed.
func (c *Channel) Flush() error {
	if err := c.usable("flush"); err != nil {
		return err
	}
	dropped := c.lines.Clear()
	if len(c.pending) > 0 {
		dropped++
	}
	c.pending = nil
	if dropped > 0 {
		logger.Debugf("%s: flushed %d stale lines", c.cfg.Port, dropped)
	}
	if err := c.port.Flush(); err != nil {
		return errors.Transport("flush", err)
	}
	return nil
}

// Exec sends a command and waits as its policy requires.
func (c *Channel) Exec(cmd gcode.Command) error {
	if err := c.Send(cmd.Text); err != nil {
		return err
	}
	return c.AwaitAcknowledgment(cmd.Wait)
}

// Query sends a line and returns the first response to it.
func (c *Channel) Query(line string) (string, error) {
	if err := c.Send(line); err != nil {
		return "", err
	}
	return c.ReceiveLine()
}
