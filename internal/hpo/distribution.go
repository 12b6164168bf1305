// Package hpo holds the core hyperparameter-optimization runtime: parameter
// distributions, trials, studies, the sampler contract, and the search-space
// calculations shared by every strategy package.
//
// Parameter values travel through samplers in an internal float64
// representation: floats carry their value, integers carry the value widened
// to float64, and categorical choices carry their index. Distributions
// convert between the internal representation and user-facing values.
package hpo

import (
	"encoding/json"
	"fmt"
	"math"
)

// DistributionKind tags the concrete distribution type.
type DistributionKind string

const (
	KindFloat       DistributionKind = "float"
	KindInt         DistributionKind = "int"
	KindCategorical DistributionKind = "categorical"
)

// Distribution describes the domain a single parameter is sampled from.
type Distribution interface {
	// Kind returns the concrete distribution tag.
	Kind() DistributionKind
	// Single reports whether only one value can be drawn.
	Single() bool
	// Contains reports whether the internal representation lies in the domain.
	Contains(ir float64) bool
	// ToExternal converts an internal representation to the user-facing value.
	ToExternal(ir float64) any
	// ToInternal converts a user-facing value to the internal representation.
	ToInternal(v any) (float64, error)
}

// FloatDistribution samples a float64 in [Low, High]. Step > 0 restricts
// values to the grid Low, Low+Step, ... . Log samples in log space; it
// requires Low > 0 and excludes Step.
type FloatDistribution struct {
	Low  float64
	High float64
	Step float64
	Log  bool
}

func (d FloatDistribution) Kind() DistributionKind { return KindFloat }

func (d FloatDistribution) Single() bool {
	if d.Step > 0 {
		return d.High-d.Low < d.Step
	}
	return d.Low == d.High
}

func (d FloatDistribution) Contains(ir float64) bool {
	return ir >= d.Low && ir <= d.High
}

func (d FloatDistribution) ToExternal(ir float64) any { return ir }

func (d FloatDistribution) ToInternal(v any) (float64, error) {
	f, err := toFloat(v)
	if err != nil {
		return 0, WrapErrorf(ErrUnsupportedDistribution, "float parameter got %T", v)
	}
	return f, nil
}

// alignToStep snaps an internal value onto the distribution grid.
func (d FloatDistribution) alignToStep(ir float64) float64 {
	if d.Step <= 0 {
		return ir
	}
	k := math.Round((ir - d.Low) / d.Step)
	v := d.Low + k*d.Step
	return math.Min(math.Max(v, d.Low), d.High)
}

// IntDistribution samples an int64 in [Low, High]. Step defaults to 1.
// Log samples in log space and requires Low > 0.
type IntDistribution struct {
	Low  int64
	High int64
	Step int64
	Log  bool
}

func (d IntDistribution) Kind() DistributionKind { return KindInt }

func (d IntDistribution) step() int64 {
	if d.Step <= 0 {
		return 1
	}
	return d.Step
}

func (d IntDistribution) Single() bool { return d.High-d.Low < d.step() }

func (d IntDistribution) Contains(ir float64) bool {
	v := math.Round(ir)
	return v >= float64(d.Low) && v <= float64(d.High)
}

func (d IntDistribution) ToExternal(ir float64) any { return int64(math.Round(ir)) }

func (d IntDistribution) ToInternal(v any) (float64, error) {
	switch x := v.(type) {
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case float64:
		if x != math.Trunc(x) {
			return 0, WrapErrorf(ErrUnsupportedDistribution, "int parameter got non-integral %v", x)
		}
		return x, nil
	default:
		return 0, WrapErrorf(ErrUnsupportedDistribution, "int parameter got %T", v)
	}
}

// alignToStep snaps an internal value onto the integer grid.
func (d IntDistribution) alignToStep(ir float64) float64 {
	step := float64(d.step())
	k := math.Round((ir - float64(d.Low)) / step)
	v := float64(d.Low) + k*step
	return math.Min(math.Max(v, float64(d.Low)), float64(d.High))
}

// CategoricalDistribution samples one of a fixed set of choices. The
// internal representation is the choice index. Choices must be comparable
// scalars (strings, bools, numbers).
type CategoricalDistribution struct {
	Choices []any
}

func (d CategoricalDistribution) Kind() DistributionKind { return KindCategorical }

func (d CategoricalDistribution) Single() bool { return len(d.Choices) == 1 }

func (d CategoricalDistribution) Contains(ir float64) bool {
	idx := int(math.Round(ir))
	return idx >= 0 && idx < len(d.Choices)
}

func (d CategoricalDistribution) ToExternal(ir float64) any {
	return d.Choices[int(math.Round(ir))]
}

func (d CategoricalDistribution) ToInternal(v any) (float64, error) {
	for i, c := range d.Choices {
		if categoricalEqual(c, v) {
			return float64(i), nil
		}
	}
	return 0, WrapErrorf(ErrUnsupportedDistribution, "value %v is not a declared choice", v)
}

// categoricalEqual compares choice values, treating every numeric type as
// float64 so values coming back from JSON round-trips still match.
func categoricalEqual(a, b any) bool {
	af, aerr := toFloat(a)
	bf, berr := toFloat(b)
	if aerr == nil && berr == nil {
		return af == bf
	}
	return a == b
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

// DistributionsEqual reports whether two distributions describe the same
// domain. Search-space intersection drops parameters whose distributions
// changed between trials, so equality is strict on every field.
func DistributionsEqual(a, b Distribution) bool {
	if a == nil || b == nil {
		return a == b
	}
	switch x := a.(type) {
	case FloatDistribution:
		y, ok := b.(FloatDistribution)
		return ok && x == y
	case IntDistribution:
		y, ok := b.(IntDistribution)
		return ok && x == y
	case CategoricalDistribution:
		y, ok := b.(CategoricalDistribution)
		if !ok || len(x.Choices) != len(y.Choices) {
			return false
		}
		for i := range x.Choices {
			if !categoricalEqual(x.Choices[i], y.Choices[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// alignInternal snaps a sampled internal representation onto the
// distribution's grid. Continuous proposals from model-based samplers land
// between grid points; storage keeps only aligned values.
func alignInternal(d Distribution, ir float64) float64 {
	switch x := d.(type) {
	case FloatDistribution:
		return x.alignToStep(ir)
	case IntDistribution:
		return x.alignToStep(ir)
	default:
		return ir
	}
}

// UnitNormalize maps an internal representation of a numeric distribution
// into [0, 1], working in log space for log-scaled distributions. Samplers
// that model the search space as a box use it as their embedding.
func UnitNormalize(d Distribution, ir float64) float64 {
	low, high, logScale := unitBounds(d)
	if logScale {
		low, high, ir = math.Log(low), math.Log(high), math.Log(ir)
	}
	if high <= low {
		return 0
	}
	u := (ir - low) / (high - low)
	return math.Min(1, math.Max(0, u))
}

// UnitDenormalize is the inverse of UnitNormalize. Out-of-cube coordinates
// clamp to the nearest bound.
func UnitDenormalize(d Distribution, u float64) float64 {
	u = math.Min(1, math.Max(0, u))
	low, high, logScale := unitBounds(d)
	if logScale {
		return math.Exp(math.Log(low) + u*(math.Log(high)-math.Log(low)))
	}
	return low + u*(high-low)
}

func unitBounds(d Distribution) (low, high float64, logScale bool) {
	switch x := d.(type) {
	case FloatDistribution:
		return x.Low, x.High, x.Log
	case IntDistribution:
		return float64(x.Low), float64(x.High), x.Log
	default:
		return 0, 1, false
	}
}

// distributionJSON is the wire and storage form of a distribution.
type distributionJSON struct {
	Kind    DistributionKind `json:"kind"`
	Low     float64          `json:"low,omitempty"`
	High    float64          `json:"high,omitempty"`
	Step    float64          `json:"step,omitempty"`
	Log     bool             `json:"log,omitempty"`
	Choices []any            `json:"choices,omitempty"`
}

// MarshalDistribution encodes a distribution for storage backends and the
// HTTP API.
func MarshalDistribution(d Distribution) ([]byte, error) {
	var dj distributionJSON
	switch x := d.(type) {
	case FloatDistribution:
		dj = distributionJSON{Kind: KindFloat, Low: x.Low, High: x.High, Step: x.Step, Log: x.Log}
	case IntDistribution:
		dj = distributionJSON{Kind: KindInt, Low: float64(x.Low), High: float64(x.High), Step: float64(x.Step), Log: x.Log}
	case CategoricalDistribution:
		dj = distributionJSON{Kind: KindCategorical, Choices: x.Choices}
	default:
		return nil, WrapErrorf(ErrUnsupportedDistribution, "cannot marshal %T", d)
	}
	return json.Marshal(dj)
}

// UnmarshalDistribution decodes a distribution produced by
// MarshalDistribution.
func UnmarshalDistribution(data []byte) (Distribution, error) {
	var dj distributionJSON
	if err := json.Unmarshal(data, &dj); err != nil {
		return nil, err
	}
	switch dj.Kind {
	case KindFloat:
		return FloatDistribution{Low: dj.Low, High: dj.High, Step: dj.Step, Log: dj.Log}, nil
	case KindInt:
		return IntDistribution{Low: int64(dj.Low), High: int64(dj.High), Step: int64(dj.Step), Log: dj.Log}, nil
	case KindCategorical:
		return CategoricalDistribution{Choices: dj.Choices}, nil
	default:
		return nil, WrapErrorf(ErrUnsupportedDistribution, "unknown kind %q", dj.Kind)
	}
}
