// Package job runs a winding plan on a controller: it prepares the
// machine, waits for the operator to attach the wire, then executes the
// plan step by step, stopping at the first failure.
package job

import (
	"fmt"
	"time"

	"coilwinder/common/config"
	"coilwinder/common/errors"
	"coilwinder/common/logger"
	"coilwinder/project/gcode"
	"coilwinder/project/path"
	"coilwinder/project/winder"

	uuid "github.com/satori/go.uuid"
)

// StepEvent describes one plan entry as it is executed.
type StepEvent struct {
	JobID string
	Index int
	Total int
	Entry path.Entry
	State winder.MachineState
}

// ProgressSink receives step updates, for display only.
type ProgressSink interface {
	StepStarted(ev StepEvent)
	StepDone(ev StepEvent)
}

// LogSink reports progress through the logger.
type LogSink struct{}

func (LogSink) StepStarted(ev StepEvent) {
	logger.Debugf("[%s] step %d/%d layer %d turn %d x=%0.02f", ev.JobID, ev.Index+1, ev.Total, ev.Entry.Layer, ev.Entry.Turn, ev.Entry.X)
}

func (LogSink) StepDone(ev StepEvent) {
	logger.Infof("[%s] step %d/%d done, x=%0.02f turns=%v", ev.JobID, ev.Index+1, ev.Total, ev.State.X, ev.State.AbsTurns)
}

type Runner struct {
	ctl  *winder.Controller
	plan path.Plan
	opts config.Job
	sink ProgressSink
	id   uuid.UUID
}

func NewRunner(ctl *winder.Controller, plan path.Plan, opts config.Job, sink ProgressSink) *Runner {
	if sink == nil {
		sink = LogSink{}
	}
	return &Runner{
		ctl:  ctl,
		plan: plan,
		opts: opts,
		sink: sink,
		id:   uuid.NewV4(),
	}
}

// PlanFromConfig generates the plan described by a job section.
func PlanFromConfig(j config.Job) path.Plan {
	return path.GenerateWith(path.Params{
		Layers:        j.Layers,
		TurnsPerLayer: j.TurnsPerLayer,
		WireRadius:    j.WireDiameter / 2,
		XStart:        j.XStart,
		TurnsPerStep:  j.TurnsPerStep,
	})
}

func (r *Runner) ID() string {
	return r.id.String()
}

// checkPlan rejects a plan that would leave the carriage range before any
// command is sent.
func (r *Runner) checkPlan() error {
	if r.plan.Len() == 0 {
		return nil
	}
	m := r.ctl.Config()
	min, max := r.plan.Extent()
	if min < m.XMin || max > m.XMax {
		return errors.Bounds("plan", "plan spans x %0.02f..%0.02f, machine allows %0.02f..%0.02f", min, max, m.XMin, m.XMax)
	}
	return nil
}

// Run executes the whole plan from the first step.
func (r *Runner) Run() error {
	if err := r.checkPlan(); err != nil {
		return err
	}
	logger.Infof("[%s] winding %d layers x %d turns (%d steps)", r.ID(), r.plan.Layers, r.plan.TurnsPerLayer, r.plan.Len())
	if err := r.setup(); err != nil {
		return err
	}
	if err := r.ctl.UnconditionalStop(r.opts.PrepareMessage); err != nil {
		return err
	}
	return r.wind(0)
}

// Resume continues an interrupted run after the step recorded in cp. The
// carriage is homed and the turn counter restored before the operator is
// asked to re-attach the wire.
func (r *Runner) Resume(cp Checkpoint) error {
	id, err := uuid.FromString(cp.JobID)
	if err != nil {
		return fmt.Errorf("checkpoint has invalid job id %q: %w", cp.JobID, err)
	}
	if !cp.matches(r.plan) {
		return fmt.Errorf("checkpoint for %dx%d (%d steps, wire %v mm, x_start %v, %v turns/step) does not match plan %dx%d (%d steps, wire %v mm, x_start %v, %v turns/step)",
			cp.Layers, cp.TurnsPerLayer, cp.Total, cp.WireDiameter, cp.XStart, cp.TurnsPerStep,
			r.plan.Layers, r.plan.TurnsPerLayer, r.plan.Len(), 2*r.plan.WireRadius, r.plan.XStart, r.plan.TurnsPerStep)
	}
	if cp.Completed < 0 || cp.Done() {
		return fmt.Errorf("checkpoint %s has nothing left to wind (%d/%d)", cp.JobID, cp.Completed, cp.Total)
	}
	if err := r.checkPlan(); err != nil {
		return err
	}
	r.id = id

	logger.Infof("[%s] resuming at step %d/%d", r.ID(), cp.Completed+1, cp.Total)
	if err := r.setup(); err != nil {
		return err
	}
	if err := r.ctl.SetAbsolutePosition(r.ctl.State().X, cp.AbsTurns); err != nil {
		return err
	}
	if cp.Completed > 0 {
		if err := r.ctl.MoveTo(r.plan.Entries[cp.Completed-1].X); err != nil {
			return err
		}
	}
	if err := r.ctl.UnconditionalStop(fmt.Sprintf("Re-attach wire to resume at step %d. Press Continue when Ready.", cp.Completed+1)); err != nil {
		return err
	}
	return r.wind(cp.Completed)
}

func (r *Runner) setup() error {
	if err := r.ctl.Home(); err != nil {
		return err
	}
	if err := r.ctl.Prepare(); err != nil {
		return err
	}
	if err := r.runScript("preamble", r.opts.Preamble); err != nil {
		return err
	}
	if r.opts.FeedRate > 0 {
		if err := r.ctl.SetFeedRate(r.opts.FeedRate); err != nil {
			return err
		}
	}
	return r.ctl.FinishPendingMoves()
}

func (r *Runner) runScript(name, template string) error {
	cmds, err := gcode.RenderScript(template, r.scriptContext())
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	for _, cmd := range cmds {
		if err := r.ctl.Exec(cmd); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (r *Runner) scriptContext() map[string]interface{} {
	m := r.ctl.Config()
	min, max := r.plan.Extent()
	return map[string]interface{}{
		"job": map[string]interface{}{
			"id":              r.ID(),
			"layers":          r.opts.Layers,
			"turns_per_layer": r.opts.TurnsPerLayer,
			"wire_diameter":   r.opts.WireDiameter,
			"x_start":         r.opts.XStart,
			"steps":           r.plan.Len(),
		},
		"machine": map[string]interface{}{
			"x_min":             m.XMin,
			"x_max":             m.XMax,
			"max_relative_move": m.MaxRelativeMove,
			"mm_per_rev":        r.ctl.Converter().MMPerRev(),
		},
		"plan": map[string]interface{}{
			"x_min":       min,
			"x_max":       max,
			"total_turns": r.plan.TotalTurns(),
		},
	}
}

func (r *Runner) wind(start int) error {
	total := r.plan.Len()
	for i := start; i < total; i++ {
		entry := r.plan.Entries[i]
		ev := StepEvent{JobID: r.ID(), Index: i, Total: total, Entry: entry, State: r.ctl.State()}
		r.sink.StepStarted(ev)

		if err := r.ctl.MoveAndRotate(entry.X, entry.Turns); err != nil {
			return fmt.Errorf("step %d/%d (layer %d, turn %d): %w", i+1, total, entry.Layer, entry.Turn, err)
		}
		if r.opts.FinishEachStep {
			if err := r.ctl.FinishPendingMoves(); err != nil {
				return fmt.Errorf("step %d/%d (layer %d, turn %d): %w", i+1, total, entry.Layer, entry.Turn, err)
			}
		}
		if err := r.checkpoint(i + 1); err != nil {
			return err
		}

		ev.State = r.ctl.State()
		r.sink.StepDone(ev)
	}

	if err := r.runScript("postamble", r.opts.Postamble); err != nil {
		return err
	}
	if err := r.ctl.FinishPendingMoves(); err != nil {
		return err
	}
	logger.Infof("[%s] finished %d steps", r.ID(), total)
	return nil
}

func (r *Runner) checkpoint(completed int) error {
	if r.opts.Checkpoint == "" {
		return nil
	}
	s := r.ctl.State()
	cp := Checkpoint{
		JobID:         r.ID(),
		Completed:     completed,
		Total:         r.plan.Len(),
		Layers:        r.plan.Layers,
		TurnsPerLayer: r.plan.TurnsPerLayer,
		WireDiameter:  2 * r.plan.WireRadius,
		XStart:        r.plan.XStart,
		TurnsPerStep:  r.plan.TurnsPerStep,
		X:             s.X,
		AbsTurns:      s.AbsTurns,
		UpdatedAt:     time.Now(),
	}
	if err := SaveCheckpoint(r.opts.Checkpoint, cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}
