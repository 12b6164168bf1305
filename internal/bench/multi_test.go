package bench

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinhKornKnownPoints(t *testing.T) {
	problem := BinhKorn{}

	values, frozen := evalAt(t, problem, map[string]any{"x": 0.0, "y": 0.0})
	assert.InDeltaSlice(t, []float64{0, 50}, values, 1e-9)

	cs, err := problem.EvaluateConstraints(frozen)
	require.NoError(t, err)
	require.Len(t, cs, 2)
	assert.InDelta(t, 0.0, cs[0], 1e-9, "the origin sits on the first constraint boundary")
	assert.Less(t, cs[1], 0.0)

	values, frozen = evalAt(t, problem, map[string]any{"x": 5.0, "y": 3.0})
	assert.InDeltaSlice(t, []float64{136, 4}, values, 1e-9)
	cs, err = problem.EvaluateConstraints(frozen)
	require.NoError(t, err)
	assert.InDelta(t, -16.0, cs[0], 1e-9)
}

func TestBinhKornFlagsInfeasiblePoint(t *testing.T) {
	problem := BinhKorn{}
	_, frozen := evalAt(t, problem, map[string]any{"x": 0.0, "y": 3.0})

	cs, err := problem.EvaluateConstraints(frozen)
	require.NoError(t, err)
	assert.InDelta(t, 9.0, cs[0], 1e-9, "outside the disc around (5, 0)")
	assert.Less(t, cs[1], 0.0, "the second constraint never binds inside the box")
}

func TestDTLZ2ShapeAndFront(t *testing.T) {
	problem := NewDTLZ2(3, 7)
	assert.Equal(t, "dtlz2", problem.Name())
	require.Len(t, problem.Directions(), 3)
	require.Len(t, problem.SearchSpace(), 7)

	// Position parameters at 0.5 zero the distance term, so the objective
	// vector lands exactly on the unit sphere.
	at := []float64{0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5}
	values, _ := evalAt(t, problem, pointParams(at))
	require.Len(t, values, 3)
	sumSq := 0.0
	for _, v := range values {
		sumSq += v * v
	}
	assert.InDelta(t, 1.0, sumSq, 1e-9)
}

func TestDTLZ2CornerAndDistance(t *testing.T) {
	problem := NewDTLZ2(3, 7)

	// Shape parameters at zero select the first axis of the front.
	at := []float64{0, 0, 0.5, 0.5, 0.5, 0.5, 0.5}
	values, _ := evalAt(t, problem, pointParams(at))
	assert.InDeltaSlice(t, []float64{1, 0, 0}, values, 1e-9)

	// Position parameters at 1.0 put g at its box maximum of 1.25, scaling
	// the sphere radius to 1+g.
	at = []float64{0.5, 0.5, 1, 1, 1, 1, 1}
	values, _ = evalAt(t, problem, pointParams(at))
	sumSq := 0.0
	for _, v := range values {
		sumSq += v * v
	}
	assert.InDelta(t, 2.25*2.25, sumSq, 1e-9)
}

func TestNewDTLZ2PanicsOnBadShape(t *testing.T) {
	assert.Panics(t, func() { NewDTLZ2(1, 5) })
	assert.Panics(t, func() { NewDTLZ2(3, 2) })
}
