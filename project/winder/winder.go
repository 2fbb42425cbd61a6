// Package winder turns winding operations into validated machine commands.
//
// Every limit is checked before a byte is written, so a rejected call has no
// effect on the machine or on the channel. Logical state only advances once
// the firmware acknowledges a command.
package winder

import (
	"fmt"
	"math"

	"coilwinder/common/config"
	"coilwinder/common/errors"
	"coilwinder/common/logger"
	"coilwinder/project/gcode"
	"coilwinder/project/units"
)

// Link is the command transport the controller drives. *channel.Channel
// implements it.
type Link interface {
	Flush() error
	Exec(cmd gcode.Command) error
}

// Querier is implemented by links that can return a raw response line.
type Querier interface {
	Query(line string) (string, error)
}

// MachineState is the controller's belief about the machine.
type MachineState struct {
	// X is the logical carriage position in mm.
	X float64
	// AbsTurns accumulates every acknowledged rotation.
	AbsTurns float64
	// LastTurns is the most recent acknowledged relative rotation.
	LastTurns float64
	// FeedRate is the last acknowledged feed rate, 0 if never set.
	FeedRate float64
	// Homed is set by a successful Home.
	Homed bool
	// Uncertain is set when a motion command went unacknowledged; the
	// physical position may differ from X until the frame is re-anchored.
	Uncertain bool
}

type Controller struct {
	link  Link
	cfg   config.MachineConfig
	conv  units.Converter
	state MachineState
}

// New validates cfg and returns a controller bound to link.
func New(link Link, cfg config.MachineConfig) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid machine config: %w", err)
	}
	return &Controller{
		link: link,
		cfg:  cfg,
		conv: units.NewConverter(cfg.Microsteps, cfg.StepsPerRev, cfg.StepsPerMM),
	}, nil
}

func (w *Controller) State() MachineState {
	return w.state
}

func (w *Controller) Config() config.MachineConfig {
	return w.cfg
}

func (w *Controller) Converter() units.Converter {
	return w.conv
}

// issue flushes stale input, sends cmd and waits for it.
func (w *Controller) issue(op string, cmd gcode.Command) error {
	if err := w.link.Flush(); err != nil {
		return err
	}
	if err := w.link.Exec(cmd); err != nil {
		logger.Errorf("%s: %q failed: %v", op, cmd.Text, err)
		return err
	}
	return nil
}

// move issues a motion command and marks the state uncertain if the
// machine might have moved without confirming it.
func (w *Controller) move(op string, cmd gcode.Command) error {
	if w.state.Uncertain {
		return errors.Statef(op, "position uncertain after an unacknowledged move; home or re-anchor first")
	}
	err := w.issue(op, cmd)
	if errors.Fatal(err) {
		w.state.Uncertain = true
	}
	return err
}

func (w *Controller) checkX(op string, x float64) error {
	if math.IsNaN(x) || x < w.cfg.XMin || x > w.cfg.XMax {
		logger.Warnf("%s: rejected x=%v", op, x)
		return errors.Bounds(op, "x value %0.02f out of bounds, must be between %0.02f and %0.02f", x, w.cfg.XMin, w.cfg.XMax)
	}
	return nil
}

// checkTurns validates a rotation and returns its feed distance.
func (w *Controller) checkTurns(op string, turns float64) (float64, error) {
	if math.IsNaN(turns) || turns < w.cfg.TurnsMin || turns > w.cfg.TurnsMax {
		logger.Warnf("%s: rejected turns=%v", op, turns)
		return 0, errors.Bounds(op, "turns value %0.02f out of bounds, must be between %0.02f and %0.02f", turns, w.cfg.TurnsMin, w.cfg.TurnsMax)
	}
	distance := w.conv.TurnsToMM(turns)
	if math.Abs(distance) > w.cfg.MaxRelativeMove {
		logger.Warnf("%s: rejected feed distance %0.02f mm", op, distance)
		return 0, errors.Bounds(op, "movement of %0.02f mm exceeds the maximum of %0.02f mm", distance, w.cfg.MaxRelativeMove)
	}
	return distance, nil
}

// Home drives the carriage to its endstop and resets X to 0.
func (w *Controller) Home() error {
	if err := w.issue("home", gcode.Home()); err != nil {
		if errors.Fatal(err) {
			w.state.Uncertain = true
		}
		return err
	}
	w.state.X = 0
	w.state.Homed = true
	w.state.Uncertain = false
	logger.Debugf("homed")
	return nil
}

// Prepare puts the firmware in the modes the controller assumes: absolute
// carriage moves, relative feed moves and no cold-extrusion guard.
func (w *Controller) Prepare() error {
	for _, cmd := range []gcode.Command{
		gcode.AbsolutePositioning(),
		gcode.ExtruderRelative(),
		gcode.AllowColdExtrusion(),
	} {
		if err := w.issue("prepare", cmd); err != nil {
			return err
		}
	}
	return nil
}

func (w *Controller) SetFeedRate(rate float64) error {
	if math.IsNaN(rate) || rate < w.cfg.FeedRateMin || rate > w.cfg.FeedRateMax {
		return errors.Bounds("set_feed_rate", "feed rate %0.02f out of bounds, must be between %0.02f and %0.02f", rate, w.cfg.FeedRateMin, w.cfg.FeedRateMax)
	}
	if err := w.issue("set_feed_rate", gcode.Move(gcode.Axes{F: gcode.Float(rate)})); err != nil {
		return err
	}
	w.state.FeedRate = rate
	return nil
}

func (w *Controller) SetFeedRatePercent(percent float64) error {
	if math.IsNaN(percent) || percent < w.cfg.FeedPercentMin || percent > w.cfg.FeedPercentMax {
		return errors.Bounds("set_feed_rate_percent", "feed rate percentage %0.02f out of bounds, must be between %0.02f and %0.02f", percent, w.cfg.FeedPercentMin, w.cfg.FeedPercentMax)
	}
	return w.issue("set_feed_rate_percent", gcode.FeedRatePercent(percent))
}

// MoveTo moves the carriage to absolute position x.
func (w *Controller) MoveTo(x float64) error {
	if err := w.checkX("move_to", x); err != nil {
		return err
	}
	if err := w.move("move_to", gcode.Move(gcode.Axes{X: gcode.Float(x)})); err != nil {
		return err
	}
	w.state.X = x
	logger.Debugf("x=%0.02f", x)
	return nil
}

// Rotate feeds the given number of turns relative to the current spool
// position.
func (w *Controller) Rotate(turns float64) error {
	distance, err := w.checkTurns("rotate", turns)
	if err != nil {
		return err
	}
	if err := w.move("rotate", gcode.Move(gcode.Axes{E: gcode.Float(distance)})); err != nil {
		return err
	}
	w.noteTurns(turns)
	return nil
}

// MoveAndRotate combines MoveTo and Rotate in one command and one
// acknowledgment.
func (w *Controller) MoveAndRotate(x, turns float64) error {
	if err := w.checkX("move_and_rotate", x); err != nil {
		return err
	}
	distance, err := w.checkTurns("move_and_rotate", turns)
	if err != nil {
		return err
	}
	cmd := gcode.Move(gcode.Axes{X: gcode.Float(x), E: gcode.Float(distance)})
	if err := w.move("move_and_rotate", cmd); err != nil {
		return err
	}
	w.state.X = x
	w.noteTurns(turns)
	return nil
}

func (w *Controller) noteTurns(turns float64) {
	w.state.AbsTurns += turns
	w.state.LastTurns = turns
	logger.Debugf("turns=%v total=%v", turns, w.state.AbsTurns)
}

// FinishPendingMoves blocks until the firmware's motion queue is empty.
func (w *Controller) FinishPendingMoves() error {
	return w.issue("finish_pending_moves", gcode.FinishMoves())
}

// UnconditionalStop halts until the operator resumes the machine. The wait
// is operator-gated rather than bounded by the acknowledgment budget.
func (w *Controller) UnconditionalStop(message string) error {
	logger.Infof("Waiting for operator: %s", message)
	return w.issue("unconditional_stop", gcode.UnconditionalStop(message))
}

// SetAbsolutePosition redefines the current coordinates without moving.
func (w *Controller) SetAbsolutePosition(x, turns float64) error {
	if math.IsNaN(x) || math.IsInf(x, 0) || math.IsNaN(turns) || math.IsInf(turns, 0) {
		return errors.Bounds("set_absolute_position", "position must be finite, got x=%v turns=%v", x, turns)
	}
	cmd := gcode.SetPosition(gcode.Axes{X: gcode.Float(x), E: gcode.Float(w.conv.TurnsToMM(turns))})
	if err := w.issue("set_absolute_position", cmd); err != nil {
		return err
	}
	w.state.X = x
	w.state.AbsTurns = turns
	w.state.Uncertain = false
	return nil
}

func (w *Controller) ZeroPosition() error {
	return w.SetAbsolutePosition(0, 0)
}

// Exec sends a free-form line that does not touch the tracked axes.
func (w *Controller) Exec(cmd gcode.Command) error {
	if err := gcode.GuardRaw(cmd); err != nil {
		return errors.State("exec", err)
	}
	return w.issue("exec", cmd)
}

// Query sends a free-form line and returns the first response, when the
// link supports it.
func (w *Controller) Query(line string) (string, error) {
	q, ok := w.link.(Querier)
	if !ok {
		return "", errors.Statef("query", "link does not support queries")
	}
	if err := gcode.GuardRaw(gcode.Raw(line)); err != nil {
		return "", errors.State("query", err)
	}
	if err := w.link.Flush(); err != nil {
		return "", err
	}
	return q.Query(line)
}
