package gcode

import (
	"fmt"
	"strings"

	gc "github.com/256dpi/gcode"
)

// Parse decodes one protocol line. Bare flag words such as the P in
// "M302 P" are read as 1, and the free-text message of M0/M1/M117 is
// returned separately since it is not made of words.
func Parse(text string) (gc.Line, string, error) {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, ';'); i >= 0 {
		text = strings.TrimSpace(text[:i])
	}

	fields := strings.Fields(text)
	message := ""
	if len(fields) > 1 && isMessageCommand(fields[0]) {
		message = strings.Join(fields[1:], " ")
		fields = fields[:1]
	}
	for i, f := range fields {
		if len(f) == 1 {
			fields[i] = f + "1"
		}
	}

	line, err := gc.ParseLine(strings.Join(fields, " "))
	if err != nil {
		return line, message, fmt.Errorf("parse %q: %w", text, err)
	}
	return line, message, nil
}

func isMessageCommand(word string) bool {
	switch strings.ToUpper(word) {
	case "M0", "M1", "M117":
		return true
	}
	return false
}

// GuardRaw rejects free-form lines that would move or re-anchor the axes
// the controller tracks, change units or speeds it bounds, or release the
// motors. Those must go through the controller operations so that logical
// position stays in step with the machine.
func GuardRaw(cmd Command) error {
	line, _, err := Parse(cmd.Text)
	if err != nil {
		return err
	}
	for _, code := range line.Codes {
		switch strings.ToUpper(code.Letter) {
		case "X", "E":
			return fmt.Errorf("%q addresses tracked axis %s", cmd.Text, strings.ToUpper(code.Letter))
		case "F":
			return fmt.Errorf("%q sets the feed rate; use set_feed_rate", cmd.Text)
		case "G":
			switch int(code.Value) {
			case 20, 21:
				return fmt.Errorf("%q changes the units of the tracked axes", cmd.Text)
			case 28, 91, 92:
				return fmt.Errorf("%q changes the tracked coordinate frame", cmd.Text)
			}
		case "M":
			switch int(code.Value) {
			case 0, 1:
				return fmt.Errorf("%q waits for the operator; use an unconditional stop", cmd.Text)
			case 18, 84:
				return fmt.Errorf("%q disables the motors and loses the tracked position", cmd.Text)
			case 82:
				return fmt.Errorf("%q switches the feed axis to absolute mode", cmd.Text)
			case 92:
				return fmt.Errorf("%q changes the steps per unit", cmd.Text)
			case 220:
				return fmt.Errorf("%q sets the feed rate percentage; use set_feed_rate_percent", cmd.Text)
			}
		}
	}
	return nil
}
