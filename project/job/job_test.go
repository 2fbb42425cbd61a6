package job

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"coilwinder/common/config"
	"coilwinder/common/errors"
	"coilwinder/project/channel"
	"coilwinder/project/path"
	"coilwinder/project/sim"
	"coilwinder/project/winder"
)

var portSeq int64

type recordingSink struct {
	started []int
	done    []int
	onStart func(ev StepEvent)
}

func (s *recordingSink) StepStarted(ev StepEvent) {
	s.started = append(s.started, ev.Index)
	if s.onStart != nil {
		s.onStart(ev)
	}
}

func (s *recordingSink) StepDone(ev StepEvent) {
	s.done = append(s.done, ev.Index)
}

func setup(t *testing.T, fw *sim.Firmware) *winder.Controller {
	t.Helper()
	ch := channel.New(config.Serial{
		Port:        fmt.Sprintf("/dev/ttyJOB%d", atomic.AddInt64(&portSeq, 1)),
		Baud:        115200,
		ReadTimeout: 2 * time.Millisecond,
		MaxAttempts: 5,
	}, fw.Opener())
	if err := ch.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { ch.Close() })
	w, err := winder.New(ch, config.DefaultMachine())
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	return w
}

func testJob(t *testing.T) config.Job {
	j := config.Default().Job
	j.Layers = 2
	j.TurnsPerLayer = 3
	j.WireDiameter = 1
	j.XStart = 10
	j.Checkpoint = filepath.Join(t.TempDir(), "job.json")
	return j
}

func contains(lines []string, want string) bool {
	for _, l := range lines {
		if l == want {
			return true
		}
	}
	return false
}

func TestRunWindsPlan(t *testing.T) {
	fw := sim.New(sim.Options{})
	w := setup(t, fw)
	j := testJob(t)
	plan := PlanFromConfig(j)
	sink := &recordingSink{}

	r := NewRunner(w, plan, j, sink)
	if err := r.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(sink.started) != 6 || len(sink.done) != 6 {
		t.Fatalf("expected 6 steps, got started=%v done=%v", sink.started, sink.done)
	}
	s := fw.Status()
	if s.X != 10.5 || math.Abs(s.E-6*34.41) > 1e-9 {
		t.Fatalf("unexpected firmware position %+v", s)
	}
	if st := w.State(); st.AbsTurns != 6 || st.X != 10.5 {
		t.Fatalf("unexpected controller state %+v", st)
	}

	got := fw.Received()
	for _, want := range []string{"G28", "M302 P", "G0 Z10", "G0 Y10", "G0 F10000.00", "M0 " + j.PrepareMessage} {
		if !contains(got, want) {
			t.Fatalf("%q was not sent: %v", want, got)
		}
	}

	cp, err := LoadCheckpoint(j.Checkpoint)
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if !cp.Done() || cp.JobID != r.ID() || cp.AbsTurns != 6 {
		t.Fatalf("unexpected checkpoint %+v", cp)
	}
}

func TestRunRejectsPlanOutsideMachine(t *testing.T) {
	fw := sim.New(sim.Options{})
	w := setup(t, fw)
	j := testJob(t)
	j.XStart = 99

	err := NewRunner(w, PlanFromConfig(j), j, nil).Run()
	if !errors.IsBounds(err) {
		t.Fatalf("expected bounds error, got %v", err)
	}
	if len(fw.Received()) != 0 {
		t.Fatalf("nothing should be sent, got %v", fw.Received())
	}
}

func TestRunStopsAtFirstFailureAndResumes(t *testing.T) {
	fw := sim.New(sim.Options{})
	w := setup(t, fw)
	j := testJob(t)
	plan := PlanFromConfig(j)
	sink := &recordingSink{onStart: func(ev StepEvent) {
		if ev.Index == 2 {
			fw.DropAcks(1)
		}
	}}

	err := NewRunner(w, plan, j, sink).Run()
	if !errors.IsProtocol(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if len(sink.done) != 2 {
		t.Fatalf("expected two completed steps, got %v", sink.done)
	}
	if !w.State().Uncertain {
		t.Fatalf("controller must distrust its position")
	}

	cp, err := LoadCheckpoint(j.Checkpoint)
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if cp.Completed != 2 || cp.AbsTurns != 2 || cp.WireDiameter != 1 || cp.XStart != 10 || cp.TurnsPerStep != 1 {
		t.Fatalf("unexpected checkpoint %+v", cp)
	}

	resumed := &recordingSink{}
	r := NewRunner(w, plan, j, resumed)
	if err := r.Resume(cp); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if r.ID() != cp.JobID {
		t.Fatalf("resumed run must keep job id %s, got %s", cp.JobID, r.ID())
	}
	if len(resumed.started) != 4 || resumed.started[0] != 2 {
		t.Fatalf("unexpected resumed steps %v", resumed.started)
	}
	if st := w.State(); st.AbsTurns != 6 || st.Uncertain {
		t.Fatalf("unexpected state after resume %+v", st)
	}

	var stop string
	for _, line := range fw.Received() {
		if strings.HasPrefix(line, "M0 Re-attach") {
			stop = line
		}
	}
	if !strings.Contains(stop, "step 3") {
		t.Fatalf("operator prompt should name the resume step, got %q", stop)
	}
}

func TestResumeRejectsForeignCheckpoint(t *testing.T) {
	fw := sim.New(sim.Options{})
	w := setup(t, fw)
	j := testJob(t)
	plan := PlanFromConfig(j)
	r := NewRunner(w, plan, j, nil)

	good := Checkpoint{
		JobID:         r.ID(),
		Completed:     1,
		Total:         plan.Len(),
		Layers:        plan.Layers,
		TurnsPerLayer: plan.TurnsPerLayer,
		WireDiameter:  j.WireDiameter,
		XStart:        j.XStart,
		TurnsPerStep:  j.TurnsPerStep,
	}

	bad := good
	bad.JobID = "not-a-uuid"
	if err := r.Resume(bad); err == nil {
		t.Fatalf("invalid job id must be rejected")
	}
	bad = good
	bad.Total = 7
	if err := r.Resume(bad); err == nil {
		t.Fatalf("checkpoint for another plan must be rejected")
	}
	for _, change := range []func(*Checkpoint){
		func(c *Checkpoint) { c.WireDiameter = 0.85 },
		func(c *Checkpoint) { c.XStart = 12 },
		func(c *Checkpoint) { c.TurnsPerStep = 0.5 },
	} {
		bad = good
		change(&bad)
		if err := r.Resume(bad); err == nil {
			t.Fatalf("checkpoint with different geometry %+v must be rejected", bad)
		}
	}
	bad = good
	bad.Completed = bad.Total
	if err := r.Resume(bad); err == nil {
		t.Fatalf("finished checkpoint must be rejected")
	}
	if len(fw.Received()) != 0 {
		t.Fatalf("nothing should be sent, got %v", fw.Received())
	}
}

func TestPreambleTemplate(t *testing.T) {
	fw := sim.New(sim.Options{})
	w := setup(t, fw)
	j := testJob(t)
	j.Checkpoint = ""
	j.Preamble = "G0 Z{{ job.layers }} ; lift\nM117 {{ job.id }}"
	j.Postamble = "G0 Y{{ plan.total_turns|floatformat:1 }}"

	r := NewRunner(w, PlanFromConfig(j), j, nil)
	if err := r.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := fw.Received()
	for _, want := range []string{"G0 Z2", "M117 " + r.ID(), "G0 Y6.0"} {
		if !contains(got, want) {
			t.Fatalf("%q was not sent: %v", want, got)
		}
	}
}

func TestPreambleMayNotMoveTrackedAxes(t *testing.T) {
	fw := sim.New(sim.Options{})
	w := setup(t, fw)
	j := testJob(t)
	j.Preamble = "G0 X5"

	err := NewRunner(w, PlanFromConfig(j), j, nil).Run()
	if !errors.IsState(err) {
		t.Fatalf("expected state error, got %v", err)
	}
}

func TestEmptyPlan(t *testing.T) {
	fw := sim.New(sim.Options{})
	w := setup(t, fw)
	j := testJob(t)
	sink := &recordingSink{}
	if err := NewRunner(w, path.Plan{}, j, sink).Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sink.started) != 0 {
		t.Fatalf("no steps expected, got %v", sink.started)
	}
}

func TestLoadCheckpointMissing(t *testing.T) {
	if _, err := LoadCheckpoint(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error")
	}
}
