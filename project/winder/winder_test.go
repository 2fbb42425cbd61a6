package winder

import (
	"io"
	"math"
	"strings"
	"testing"

	"coilwinder/common/config"
	"coilwinder/common/errors"
	"coilwinder/project/gcode"
)

// recordingLink acknowledges every command unless failNext is set.
type recordingLink struct {
	sent     []gcode.Command
	flushes  int
	failNext error
}

func (l *recordingLink) Flush() error {
	l.flushes++
	return nil
}

func (l *recordingLink) Exec(cmd gcode.Command) error {
	l.sent = append(l.sent, cmd)
	if l.failNext != nil {
		err := l.failNext
		l.failNext = nil
		return err
	}
	return nil
}

func (l *recordingLink) texts() []string {
	var out []string
	for _, c := range l.sent {
		out = append(out, c.Text)
	}
	return out
}

type queryLink struct {
	recordingLink
	response string
}

func (l *queryLink) Query(line string) (string, error) {
	l.sent = append(l.sent, gcode.Raw(line))
	return l.response, nil
}

func testMachine() config.MachineConfig {
	m := config.DefaultMachine()
	m.XMax = 200
	return m
}

func newController(t *testing.T) (*Controller, *recordingLink) {
	t.Helper()
	link := &recordingLink{}
	w, err := New(link, testMachine())
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return w, link
}

func nearlyEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	m := testMachine()
	m.XMin, m.XMax = 10, 0
	if _, err := New(&recordingLink{}, m); err == nil {
		t.Fatalf("expected invalid config error")
	}
}

func TestMoveToWithinBounds(t *testing.T) {
	w, link := newController(t)
	for _, x := range []float64{0, 0.5, 50, 133.33, 200} {
		if err := w.MoveTo(x); err != nil {
			t.Fatalf("MoveTo(%v): %v", x, err)
		}
		if w.State().X != x {
			t.Fatalf("expected logical x %v, got %v", x, w.State().X)
		}
	}
	if link.flushes != len(link.sent) {
		t.Fatalf("every command must be preceded by a flush: %d flushes, %d commands", link.flushes, len(link.sent))
	}
	if got := link.sent[2].Text; got != "G0 X50.00" {
		t.Fatalf("unexpected command %q", got)
	}
}

func TestMoveToOutOfBoundsHasNoSideEffects(t *testing.T) {
	w, link := newController(t)
	if err := w.MoveTo(42); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	link.sent, link.flushes = nil, 0

	for _, x := range []float64{-0.01, 200.01, -1e9, math.Inf(1), math.NaN()} {
		err := w.MoveTo(x)
		if !errors.IsBounds(err) {
			t.Fatalf("MoveTo(%v): expected bounds error, got %v", x, err)
		}
		if w.State().X != 42 {
			t.Fatalf("logical x changed to %v", w.State().X)
		}
	}
	if len(link.sent) != 0 || link.flushes != 0 {
		t.Fatalf("rejected moves touched the link: %v, %d flushes", link.texts(), link.flushes)
	}
}

func TestRotate(t *testing.T) {
	w, link := newController(t)
	if err := w.Rotate(1); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if err := w.Rotate(-0.5); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	want := []string{"G0 E34.41", "G0 E-17.20"}
	for i, text := range link.texts() {
		if text != want[i] {
			t.Errorf("command %d = %q, want %q", i, text, want[i])
		}
	}
	s := w.State()
	if s.AbsTurns != 0.5 || s.LastTurns != -0.5 {
		t.Fatalf("unexpected turn counters %+v", s)
	}
}

func TestRotateRejectsLongFeeds(t *testing.T) {
	w, link := newController(t)
	// 200 mm / 34.41 mm per turn is about 5.81 turns
	for _, turns := range []float64{5.9, -5.9, 6, 100, -1000} {
		err := w.Rotate(turns)
		if !errors.IsBounds(err) {
			t.Fatalf("Rotate(%v): expected bounds error, got %v", turns, err)
		}
		if !strings.Contains(err.Error(), "exceeds the maximum") {
			t.Fatalf("unexpected message %v", err)
		}
	}
	if len(link.sent) != 0 {
		t.Fatalf("no command may be sent for rejected rotations, got %v", link.texts())
	}
	if w.State().AbsTurns != 0 {
		t.Fatalf("turn counter changed")
	}
}

func TestRotateRejectsTurnsOutsideBounds(t *testing.T) {
	w, link := newController(t)
	for _, turns := range []float64{1000.5, -1001, math.NaN()} {
		if err := w.Rotate(turns); !errors.IsBounds(err) {
			t.Fatalf("Rotate(%v): expected bounds error, got %v", turns, err)
		}
	}
	if len(link.sent) != 0 {
		t.Fatalf("unexpected commands %v", link.texts())
	}
}

func TestMoveAndRotateSingleAcknowledgment(t *testing.T) {
	link := &recordingLink{}
	w, err := New(link, config.MachineConfig{
		XMin: 0, XMax: 200,
		TurnsMin: -1000, TurnsMax: 1000,
		MaxRelativeMove: 200,
		Microsteps:      16, StepsPerRev: 200, StepsPerMM: 93,
		FeedRateMin: 1, FeedRateMax: 20000,
		FeedPercentMin: 10, FeedPercentMax: 500,
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	if !nearlyEqual(w.Converter().TurnsToMM(1), 34.41, 0.005) {
		t.Fatalf("unexpected feed distance %v", w.Converter().TurnsToMM(1))
	}

	if err := w.MoveAndRotate(50, 1); err != nil {
		t.Fatalf("MoveAndRotate: %v", err)
	}
	if len(link.sent) != 1 {
		t.Fatalf("expected exactly one command, got %v", link.texts())
	}
	if link.sent[0].Text != "G0 X50.00 E34.41" || link.sent[0].Wait != gcode.WaitAck {
		t.Fatalf("unexpected command %+v", link.sent[0])
	}
	if s := w.State(); s.X != 50 || s.AbsTurns != 1 {
		t.Fatalf("unexpected state %+v", s)
	}
}

func TestMoveAndRotateValidatesBoth(t *testing.T) {
	w, link := newController(t)
	if err := w.MoveAndRotate(250, 1); !errors.IsBounds(err) {
		t.Fatalf("expected bounds error for x, got %v", err)
	}
	if err := w.MoveAndRotate(50, 10); !errors.IsBounds(err) {
		t.Fatalf("expected bounds error for turns, got %v", err)
	}
	if len(link.sent) != 0 {
		t.Fatalf("unexpected commands %v", link.texts())
	}
}

func TestUnacknowledgedMoveLeavesStateAndBlocksMotion(t *testing.T) {
	w, link := newController(t)
	if err := w.MoveTo(10); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}

	link.failNext = errors.Protocol("await", "G0 X20.00")
	if err := w.MoveTo(20); !errors.IsProtocol(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	s := w.State()
	if s.X != 10 || !s.Uncertain {
		t.Fatalf("state must not advance and must be uncertain, got %+v", s)
	}

	sent := len(link.sent)
	if err := w.MoveAndRotate(30, 1); !errors.IsState(err) {
		t.Fatalf("expected state error while uncertain, got %v", err)
	}
	if len(link.sent) != sent {
		t.Fatalf("no command may be sent while uncertain")
	}

	if err := w.SetAbsolutePosition(20, 0); err != nil {
		t.Fatalf("re-anchor: %v", err)
	}
	if err := w.MoveTo(30); err != nil {
		t.Fatalf("motion should resume after re-anchoring, got %v", err)
	}
}

func TestTransportFailureDuringRotate(t *testing.T) {
	w, link := newController(t)
	link.failNext = errors.Transport("send", io.ErrClosedPipe)
	if err := w.Rotate(1); !errors.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if s := w.State(); s.AbsTurns != 0 || !s.Uncertain {
		t.Fatalf("unexpected state %+v", s)
	}
	if err := w.Home(); err != nil {
		t.Fatalf("home: %v", err)
	}
	if w.State().Uncertain {
		t.Fatalf("homing must clear uncertainty")
	}
}

func TestHomeResetsPosition(t *testing.T) {
	w, link := newController(t)
	w.MoveTo(75)
	if err := w.Home(); err != nil {
		t.Fatalf("home: %v", err)
	}
	if s := w.State(); s.X != 0 || !s.Homed {
		t.Fatalf("unexpected state after home %+v", s)
	}
	if last := link.sent[len(link.sent)-1].Text; last != "G28" {
		t.Fatalf("expected G28, got %q", last)
	}
}

func TestZeroPositionIsIdempotent(t *testing.T) {
	w, link := newController(t)
	w.MoveAndRotate(12, 1)
	for i := 0; i < 2; i++ {
		if err := w.ZeroPosition(); err != nil {
			t.Fatalf("ZeroPosition #%d: %v", i+1, err)
		}
		if s := w.State(); s.X != 0 || s.AbsTurns != 0 {
			t.Fatalf("expected zero state, got %+v", s)
		}
	}
	texts := link.texts()
	if texts[1] != "G92 X0.00 E0.00" || texts[2] != "G92 X0.00 E0.00" {
		t.Fatalf("unexpected commands %v", texts)
	}
}

func TestSetAbsolutePositionConvertsTurns(t *testing.T) {
	w, link := newController(t)
	if err := w.SetAbsolutePosition(25, 2); err != nil {
		t.Fatalf("SetAbsolutePosition: %v", err)
	}
	if link.sent[0].Text != "G92 X25.00 E68.82" {
		t.Fatalf("unexpected command %q", link.sent[0].Text)
	}
	if err := w.SetAbsolutePosition(math.NaN(), 0); !errors.IsBounds(err) {
		t.Fatalf("expected bounds error, got %v", err)
	}
}

func TestFeedRate(t *testing.T) {
	w, link := newController(t)
	if err := w.SetFeedRate(10000); err != nil {
		t.Fatalf("SetFeedRate: %v", err)
	}
	if w.State().FeedRate != 10000 || link.sent[0].Text != "G0 F10000.00" {
		t.Fatalf("unexpected feed state %+v %v", w.State(), link.texts())
	}
	for _, rate := range []float64{0, 20001, math.NaN()} {
		if err := w.SetFeedRate(rate); !errors.IsBounds(err) {
			t.Fatalf("SetFeedRate(%v): expected bounds error, got %v", rate, err)
		}
	}
	if err := w.SetFeedRatePercent(150); err != nil {
		t.Fatalf("SetFeedRatePercent: %v", err)
	}
	if err := w.SetFeedRatePercent(5); !errors.IsBounds(err) {
		t.Fatalf("expected bounds error, got %v", err)
	}
	if got := link.texts(); len(got) != 2 || got[1] != "M220 S150.00" {
		t.Fatalf("unexpected commands %v", got)
	}
}

func TestPrepareAndBarriers(t *testing.T) {
	w, link := newController(t)
	if err := w.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := w.FinishPendingMoves(); err != nil {
		t.Fatalf("FinishPendingMoves: %v", err)
	}
	if err := w.UnconditionalStop("Prepare Wire. Press Continue when Ready."); err != nil {
		t.Fatalf("UnconditionalStop: %v", err)
	}
	want := []string{"G90", "M83", "M302 P", "M400", "M0 Prepare Wire. Press Continue when Ready."}
	got := link.texts()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("got %v, want %v", got, want)
	}
	if link.sent[4].Wait != gcode.WaitOperator {
		t.Fatalf("unconditional stop must use the operator wait policy")
	}
}

func TestExecGuardsTrackedAxes(t *testing.T) {
	w, link := newController(t)
	if err := w.Exec(gcode.Raw("G0 Z10")); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	for _, text := range []string{"G0 X10", "G92 E0", "G28", "G0 F999999", "G1 Y5 F99999", "M220 S9999", "G20", "M84"} {
		if err := w.Exec(gcode.Raw(text)); !errors.IsState(err) {
			t.Fatalf("Exec(%q): expected state error, got %v", text, err)
		}
	}
	if len(link.sent) != 1 {
		t.Fatalf("guarded lines must not be sent, got %v", link.texts())
	}
	if err := w.SetFeedRate(999999); !errors.IsBounds(err) {
		t.Fatalf("expected bounds error, got %v", err)
	}
}

func TestQuery(t *testing.T) {
	w, _ := newController(t)
	if _, err := w.Query("M114"); !errors.IsState(err) {
		t.Fatalf("expected state error without query support, got %v", err)
	}

	link := &queryLink{response: "X:0.00 E:0.00"}
	w, err := New(link, testMachine())
	if err != nil {
		t.Fatal(err)
	}
	resp, err := w.Query("M114")
	if err != nil || resp != "X:0.00 E:0.00" {
		t.Fatalf("unexpected query result %q %v", resp, err)
	}
	if link.flushes != 1 {
		t.Fatalf("query must flush first")
	}
}
