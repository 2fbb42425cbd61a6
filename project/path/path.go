// Package path computes the carriage positions that lay wire into a
// close-packed coil.
//
// Turns within a layer sit one wire diameter apart. Odd layers are shifted
// by one radius so they nest into the valleys of the layer below, and they
// are traversed in reverse so the carriage sweeps back and forth instead of
// jumping across the coil between layers.
//
// Plans are not checked against machine limits; the controller does that.
package path

import (
	"math"

	"coilwinder/project/units"
)

// Entry is one winding step.
type Entry struct {
	Layer int
	// Turn is the slot index within the layer counted from the low-X end,
	// so on reversed layers it decreases as the plan advances.
	Turn int
	// X is the carriage position in mm.
	X float64
	// Turns is the rotation applied at this position.
	Turns float64
}

// Plan is the ordered sequence of steps, layer by layer.
type Plan struct {
	Entries       []Entry
	Layers        int
	TurnsPerLayer int
	WireRadius    float64
	XStart        float64
	TurnsPerStep  float64
}

type Params struct {
	Layers        int
	TurnsPerLayer int
	WireRadius    float64
	XStart        float64
	// TurnsPerStep defaults to one full turn when zero.
	TurnsPerStep float64
}

// Generate builds the plan with one turn per step.
func Generate(layers, turnsPerLayer int, wireRadius, xStart float64) Plan {
	return GenerateWith(Params{
		Layers:        layers,
		TurnsPerLayer: turnsPerLayer,
		WireRadius:    wireRadius,
		XStart:        xStart,
	})
}

func GenerateWith(p Params) Plan {
	step := p.TurnsPerStep
	if step == 0 {
		step = 1
	}
	plan := Plan{
		Layers:        p.Layers,
		TurnsPerLayer: p.TurnsPerLayer,
		WireRadius:    p.WireRadius,
		XStart:        p.XStart,
		TurnsPerStep:  step,
	}
	if p.Layers <= 0 || p.TurnsPerLayer <= 0 {
		plan.Layers, plan.TurnsPerLayer = 0, 0
		return plan
	}

	plan.Entries = make([]Entry, 0, p.Layers*p.TurnsPerLayer)
	row := make([]Entry, p.TurnsPerLayer)
	for layer := 0; layer < p.Layers; layer++ {
		for turn := 0; turn < p.TurnsPerLayer; turn++ {
			row[turn] = Entry{
				Layer: layer,
				Turn:  turn,
				X:     float64(turn)*2*p.WireRadius + units.LayerOffset(layer, p.WireRadius) + p.XStart,
				Turns: step,
			}
		}
		if layer%2 == 1 {
			for turn := p.TurnsPerLayer - 1; turn >= 0; turn-- {
				plan.Entries = append(plan.Entries, row[turn])
			}
		} else {
			plan.Entries = append(plan.Entries, row...)
		}
	}
	return plan
}

func (p Plan) Len() int {
	return len(p.Entries)
}

// Layer returns the entries of one layer in traversal order.
func (p Plan) Layer(layer int) []Entry {
	if layer < 0 || layer >= p.Layers {
		return nil
	}
	start := layer * p.TurnsPerLayer
	return p.Entries[start : start+p.TurnsPerLayer]
}

// Extent returns the lowest and highest carriage positions of the plan.
func (p Plan) Extent() (min, max float64) {
	if len(p.Entries) == 0 {
		return 0, 0
	}
	min, max = math.Inf(1), math.Inf(-1)
	for _, e := range p.Entries {
		min = math.Min(min, e.X)
		max = math.Max(max, e.X)
	}
	return min, max
}

// TotalTurns sums the rotation of every step.
func (p Plan) TotalTurns() float64 {
	total := 0.0
	for _, e := range p.Entries {
		total += e.Turns
	}
	return total
}

// Height is the centre height of an entry's layer, for display.
func (p Plan) Height(e Entry) float64 {
	return units.LayerHeight(e.Layer, p.WireRadius)
}
