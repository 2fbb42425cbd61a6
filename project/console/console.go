// Package console is a line-oriented operator console for jogging the
// winder by hand.
package console

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"coilwinder/common/logger"
	"coilwinder/project/gcode"
	"coilwinder/project/winder"

	"github.com/google/shlex"
)

const prompt = "winder> "

type command struct {
	args  int
	usage string
	help  string
	run   func(c *Console, args []float64, rest string) error
}

var commands = map[string]command{
	"home": {0, "home", "home the carriage", func(c *Console, _ []float64, _ string) error {
		return c.ctl.Home()
	}},
	"prepare": {0, "prepare", "absolute moves, relative feed, allow cold feed", func(c *Console, _ []float64, _ string) error {
		return c.ctl.Prepare()
	}},
	"move": {1, "move X", "move the carriage to X mm", func(c *Console, a []float64, _ string) error {
		return c.ctl.MoveTo(a[0])
	}},
	"rotate": {1, "rotate N", "feed N turns", func(c *Console, a []float64, _ string) error {
		return c.ctl.Rotate(a[0])
	}},
	"moverot": {2, "moverot X N", "move to X while feeding N turns", func(c *Console, a []float64, _ string) error {
		return c.ctl.MoveAndRotate(a[0], a[1])
	}},
	"rate": {1, "rate F", "set the feed rate", func(c *Console, a []float64, _ string) error {
		return c.ctl.SetFeedRate(a[0])
	}},
	"percent": {1, "percent P", "set the feed rate percentage", func(c *Console, a []float64, _ string) error {
		return c.ctl.SetFeedRatePercent(a[0])
	}},
	"finish": {0, "finish", "wait for queued moves", func(c *Console, _ []float64, _ string) error {
		return c.ctl.FinishPendingMoves()
	}},
	"stop": {-1, "stop \"msg\"", "pause until the operator resumes", func(c *Console, _ []float64, rest string) error {
		return c.ctl.UnconditionalStop(rest)
	}},
	"zero": {0, "zero", "define the current position as X=0, 0 turns", func(c *Console, _ []float64, _ string) error {
		return c.ctl.ZeroPosition()
	}},
	"setpos": {2, "setpos X N", "define the current position without moving", func(c *Console, a []float64, _ string) error {
		return c.ctl.SetAbsolutePosition(a[0], a[1])
	}},
	"state": {0, "state", "print the logical machine state", func(c *Console, _ []float64, _ string) error {
		s := c.ctl.State()
		fmt.Fprintf(c.out, "x=%0.02f turns=%v last=%v feed=%0.02f homed=%v uncertain=%v\n",
			s.X, s.AbsTurns, s.LastTurns, s.FeedRate, s.Homed, s.Uncertain)
		return nil
	}},
	"raw": {-1, "raw LINE", "send a line that leaves X and E alone", func(c *Console, _ []float64, rest string) error {
		return c.ctl.Exec(gcode.Raw(rest))
	}},
	"query": {-1, "query LINE", "send a line and print the first reply", func(c *Console, _ []float64, rest string) error {
		resp, err := c.ctl.Query(rest)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, resp)
		return nil
	}},
}

type Console struct {
	ctl *winder.Controller
	in  *bufio.Scanner
	out io.Writer
}

func New(ctl *winder.Controller, in io.Reader, out io.Writer) *Console {
	return &Console{ctl: ctl, in: bufio.NewScanner(in), out: out}
}

// Run reads commands until quit or end of input. Failed commands are
// reported and the console keeps going.
func (c *Console) Run() error {
	for {
		fmt.Fprint(c.out, prompt)
		if !c.in.Scan() {
			fmt.Fprintln(c.out)
			return c.in.Err()
		}
		quit, err := c.Execute(c.in.Text())
		if err != nil {
			logger.Warnf("console: %v", err)
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

// Execute runs a single console line.
func (c *Console) Execute(line string) (bool, error) {
	fields, err := shlex.Split(line)
	if err != nil {
		return false, fmt.Errorf("unable to parse %q: %w", line, err)
	}
	if len(fields) == 0 {
		return false, nil
	}
	name := strings.ToLower(fields[0])
	switch name {
	case "quit", "exit":
		return true, nil
	case "help":
		c.help()
		return false, nil
	}

	cmd, ok := commands[name]
	if !ok {
		return false, fmt.Errorf("unknown command %q, try help", fields[0])
	}
	args := fields[1:]
	if cmd.args < 0 {
		rest := strings.Join(args, " ")
		if name == "raw" || name == "query" {
			// keep the line as typed, quotes included
			rest = afterFirstWord(line)
		}
		if rest == "" && name != "stop" {
			return false, fmt.Errorf("usage: %s", cmd.usage)
		}
		return false, cmd.run(c, nil, rest)
	}
	if len(args) != cmd.args {
		return false, fmt.Errorf("usage: %s", cmd.usage)
	}
	nums := make([]float64, len(args))
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return false, fmt.Errorf("%s: %q is not a number", name, a)
		}
		nums[i] = v
	}
	return false, cmd.run(c, nums, "")
}

func afterFirstWord(line string) string {
	line = strings.TrimSpace(line)
	i := strings.IndexFunc(line, unicode.IsSpace)
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(line[i:])
}

func (c *Console) help() {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(c.out, "  %-14s %s\n", commands[name].usage, commands[name].help)
	}
	fmt.Fprintf(c.out, "  %-14s %s\n", "quit", "leave the console")
}
