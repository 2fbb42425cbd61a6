// Package units converts between wire-feed turns and actuator distance and
// holds the close-packed coil geometry.
package units

import "math"

// Converter maps rotations of the feed axis onto the millimetres the
// firmware expects for its extrusion axis.
type Converter struct {
	Microsteps  float64
	StepsPerRev float64
	StepsPerMM  float64
}

func NewConverter(microsteps, stepsPerRev, stepsPerMM float64) Converter {
	return Converter{Microsteps: microsteps, StepsPerRev: stepsPerRev, StepsPerMM: stepsPerMM}
}

// MMPerRev is the feed distance of one full turn.
func (c Converter) MMPerRev() float64 {
	return c.Microsteps * c.StepsPerRev / c.StepsPerMM
}

func (c Converter) TurnsToMM(turns float64) float64 {
	return turns * c.Microsteps * c.StepsPerRev / c.StepsPerMM
}

func (c Converter) MMToTurns(mm float64) float64 {
	return mm * c.StepsPerMM / (c.Microsteps * c.StepsPerRev)
}

// LayerOffset is the lateral shift of a layer: odd layers sit one radius
// over so their turns nest into the valleys of the layer below.
func LayerOffset(layer int, radius float64) float64 {
	if layer%2 != 0 {
		return radius
	}
	return 0
}

// LayerHeight is the centre height of a layer in a triangular lattice of
// circles of the given radius.
func LayerHeight(layer int, radius float64) float64 {
	return 2 * radius * float64(layer) * math.Sqrt(3) / 2
}
