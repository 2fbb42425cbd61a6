package job

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"coilwinder/common/file"
	"coilwinder/project/path"
)

// Checkpoint records the last acknowledged step of a run.
type Checkpoint struct {
	JobID         string    `json:"job_id"`
	Completed     int       `json:"completed"`
	Total         int       `json:"total"`
	Layers        int       `json:"layers"`
	TurnsPerLayer int       `json:"turns_per_layer"`
	WireDiameter  float64   `json:"wire_diameter"`
	XStart        float64   `json:"x_start"`
	TurnsPerStep  float64   `json:"turns_per_step"`
	X             float64   `json:"x"`
	AbsTurns      float64   `json:"abs_turns"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (c Checkpoint) Done() bool {
	return c.Completed >= c.Total
}

// matches reports whether the checkpoint was written for a plan with the
// same geometry.
func (c Checkpoint) matches(plan path.Plan) bool {
	return c.Total == plan.Len() &&
		c.Layers == plan.Layers &&
		c.TurnsPerLayer == plan.TurnsPerLayer &&
		c.WireDiameter == 2*plan.WireRadius &&
		c.XStart == plan.XStart &&
		c.TurnsPerStep == plan.TurnsPerStep
}

func LoadCheckpoint(name string) (Checkpoint, error) {
	var cp Checkpoint
	content, err := os.ReadFile(name)
	if err != nil {
		return cp, fmt.Errorf("read checkpoint: %w", err)
	}
	if err := json.Unmarshal(content, &cp); err != nil {
		return cp, fmt.Errorf("parse checkpoint %s: %w", name, err)
	}
	return cp, nil
}

func SaveCheckpoint(name string, cp Checkpoint) error {
	d, err := json.MarshalIndent(cp, "", "\t")
	if err != nil {
		return err
	}
	return file.WriteFileWithSync(name, d)
}
