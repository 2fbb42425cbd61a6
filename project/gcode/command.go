// Package gcode builds the subset of motion-control commands the winder
// firmware understands.
//
// Rotation of the feed spool is driven through the firmware's extrusion
// axis (E), so the builders here are the only place that knows a turn is
// sent as an extrusion distance.
package gcode

import (
	"fmt"
	"strings"
)

// Acknowledgment is the response line that completes a command.
const Acknowledgment = "ok"

// WaitPolicy selects how the channel waits for a command to complete.
type WaitPolicy int

const (
	// WaitNone sends the line without reading a response.
	WaitNone WaitPolicy = iota
	// WaitAck polls for the acknowledgment with the bounded attempt budget.
	WaitAck
	// WaitOperator waits for an acknowledgment that only arrives after a
	// human resumes the machine.
	WaitOperator
)

func (w WaitPolicy) String() string {
	switch w {
	case WaitNone:
		return "none"
	case WaitAck:
		return "ack"
	case WaitOperator:
		return "operator"
	default:
		return fmt.Sprintf("WaitPolicy(%d)", int(w))
	}
}

// Command is one protocol line plus how to wait for it.
type Command struct {
	Text string
	Wait WaitPolicy
}

func (c Command) String() string {
	return c.Text
}

func ack(format string, args ...interface{}) Command {
	return Command{Text: fmt.Sprintf(format, args...), Wait: WaitAck}
}

func Home() Command                { return ack("G28") }
func AbsolutePositioning() Command { return ack("G90") }
func ExtruderRelative() Command    { return ack("M83") }
func FinishMoves() Command         { return ack("M400") }

// AllowColdExtrusion disables the firmware's cold-extrusion guard, which
// would otherwise refuse every E move.
func AllowColdExtrusion() Command { return ack("M302 P") }

// FeedRatePercent sets the feed-rate override.
func FeedRatePercent(percent float64) Command {
	return ack("M220 S%s", num(percent))
}

// Axes carries the optional words of a move or position command. Nil
// fields are omitted from the line.
type Axes struct {
	X *float64
	E *float64
	F *float64
}

func Float(v float64) *float64 {
	return &v
}

func (a Axes) words() []string {
	var words []string
	if a.X != nil {
		words = append(words, "X"+num(*a.X))
	}
	if a.E != nil {
		words = append(words, "E"+num(*a.E))
	}
	if a.F != nil {
		words = append(words, "F"+num(*a.F))
	}
	return words
}

// Move is a linear move (G0). X is absolute, E relative once M83 is active.
func Move(a Axes) Command {
	return ack("%s", strings.Join(append([]string{"G0"}, a.words()...), " "))
}

// SetPosition redefines the current coordinates (G92) without motion.
func SetPosition(a Axes) Command {
	a.F = nil
	return ack("%s", strings.Join(append([]string{"G92"}, a.words()...), " "))
}

// UnconditionalStop pauses the machine until the operator resumes it.
func UnconditionalStop(message string) Command {
	message = sanitizeMessage(message)
	if message == "" {
		return Command{Text: "M0", Wait: WaitOperator}
	}
	return Command{Text: "M0 " + message, Wait: WaitOperator}
}

// Raw wraps an arbitrary line that expects an acknowledgment.
func Raw(text string) Command {
	return Command{Text: strings.TrimSpace(text), Wait: WaitAck}
}

func num(v float64) string {
	s := fmt.Sprintf("%0.02f", v)
	if s == "-0.00" {
		return "0.00"
	}
	return s
}

// Newlines would split the message into extra commands and ';' would turn
// the rest into a comment.
func sanitizeMessage(message string) string {
	message = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ';':
			return ' '
		}
		return r
	}, message)
	return strings.Join(strings.Fields(message), " ")
}
