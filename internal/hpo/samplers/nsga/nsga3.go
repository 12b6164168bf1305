package nsga

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/tunehub/tunehub/internal/hpo"
)

// nichingCut fills the remaining parent slots from the boundary front using
// reference-direction niching: objectives are normalized against the ideal
// point and the intercepts of the extreme-point hyperplane, every trial is
// associated with its nearest reference direction, and underrepresented
// directions pick first.
func (s *Sampler) nichingCut(kept, front []*hpo.FrozenTrial, directions []hpo.Direction, remaining int) []*hpo.FrozenTrial {
	refs := dasDennis(s.divisions(len(directions)), len(directions))

	pool := make([]*hpo.FrozenTrial, 0, len(kept)+len(front))
	pool = append(pool, kept...)
	pool = append(pool, front...)
	normalized := normalizeObjectives(pool, directions)
	keptNorm, frontNorm := normalized[:len(kept)], normalized[len(kept):]

	// Niche counts from the members that already survived.
	niches := make([]int, len(refs))
	for _, f := range keptNorm {
		r, _ := nearestReference(f, refs)
		niches[r]++
	}

	type member struct {
		trial    *hpo.FrozenTrial
		ref      int
		distance float64
	}
	byRef := make(map[int][]member, len(refs))
	for i, t := range front {
		r, d := nearestReference(frontNorm[i], refs)
		byRef[r] = append(byRef[r], member{trial: t, ref: r, distance: d})
	}

	live := make([]int, 0, len(refs))
	for r := range refs {
		if len(byRef[r]) > 0 {
			live = append(live, r)
		}
	}

	var out []*hpo.FrozenTrial
	for len(out) < remaining && len(live) > 0 {
		// The least crowded reference direction picks next; ties break
		// randomly so no direction is systematically favored.
		minCount := math.MaxInt
		for _, r := range live {
			if niches[r] < minCount {
				minCount = niches[r]
			}
		}
		var tied []int
		for _, r := range live {
			if niches[r] == minCount {
				tied = append(tied, r)
			}
		}
		ref := tied[s.rng.Intn(len(tied))]

		members := byRef[ref]
		pick := s.rng.Intn(len(members))
		if niches[ref] == 0 {
			// An empty niche takes the trial closest to its direction.
			pick = 0
			for i, m := range members {
				if m.distance < members[pick].distance {
					pick = i
				}
			}
		}
		out = append(out, members[pick].trial)
		byRef[ref] = append(members[:pick], members[pick+1:]...)
		niches[ref]++
		if len(byRef[ref]) == 0 {
			for i, r := range live {
				if r == ref {
					live = append(live[:i], live[i+1:]...)
					break
				}
			}
		}
	}
	return out
}

// divisions picks the Das-Dennis dividing parameter: the configured value,
// or the smallest one whose point count covers the population.
func (s *Sampler) divisions(objectives int) int {
	if s.refDivisions > 0 {
		return s.refDivisions
	}
	p := 1
	for referencePointCount(p, objectives) < s.popSize {
		p++
	}
	return p
}

// referencePointCount is C(p+m-1, m-1), the number of Das-Dennis points.
func referencePointCount(p, m int) int {
	n := 1
	for i := 1; i < m; i++ {
		n = n * (p + i) / i
	}
	return n
}

// dasDennis enumerates the structured reference directions on the unit
// simplex: all non-negative integer compositions of p over m coordinates,
// scaled by 1/p.
func dasDennis(p, m int) [][]float64 {
	var out [][]float64
	point := make([]float64, m)
	var walk func(dim, left int)
	walk = func(dim, left int) {
		if dim == m-1 {
			point[dim] = float64(left) / float64(p)
			out = append(out, append([]float64(nil), point...))
			return
		}
		for i := 0; i <= left; i++ {
			point[dim] = float64(i) / float64(p)
			walk(dim+1, left-i)
		}
	}
	walk(0, p)
	return out
}

// normalizeObjectives maps the trials' objective vectors into the unit
// simplex frame: translate by the ideal point, then divide by the
// intercepts of the hyperplane through the extreme points. A degenerate
// hyperplane falls back to the observed nadir.
func normalizeObjectives(trials []*hpo.FrozenTrial, directions []hpo.Direction) [][]float64 {
	m := len(directions)
	vectors := make([][]float64, len(trials))
	ideal := make([]float64, m)
	for j := range ideal {
		ideal[j] = math.Inf(1)
	}
	for i, t := range trials {
		vectors[i] = objectiveVector(t, directions)
		for j, v := range vectors[i] {
			if v < ideal[j] {
				ideal[j] = v
			}
		}
	}
	for _, v := range vectors {
		for j := range v {
			v[j] -= ideal[j]
		}
	}

	intercepts := hyperplaneIntercepts(vectors, m)
	for _, v := range vectors {
		for j := range v {
			v[j] /= intercepts[j]
		}
	}
	return vectors
}

// hyperplaneIntercepts solves for the axis intercepts of the plane through
// the per-axis extreme points of the translated objectives.
func hyperplaneIntercepts(vectors [][]float64, m int) []float64 {
	nadir := make([]float64, m)
	for _, v := range vectors {
		for j, x := range v {
			if x > nadir[j] {
				nadir[j] = x
			}
		}
	}
	fallback := make([]float64, m)
	for j := range fallback {
		fallback[j] = math.Max(nadir[j], 1e-12)
	}
	if len(vectors) < m {
		return fallback
	}

	// Extreme point per axis: the vector minimizing the achievement
	// scalarizing function for that axis' weight.
	extremes := mat.NewDense(m, m, nil)
	for axis := 0; axis < m; axis++ {
		best, bestASF := 0, math.Inf(1)
		for i, v := range vectors {
			asf := 0.0
			for j, x := range v {
				w := 1e-6
				if j == axis {
					w = 1
				}
				if scaled := x / w; scaled > asf {
					asf = scaled
				}
			}
			if asf < bestASF {
				bestASF = asf
				best = i
			}
		}
		for j, x := range vectors[best] {
			extremes.Set(axis, j, x)
		}
	}

	ones := mat.NewVecDense(m, nil)
	for j := 0; j < m; j++ {
		ones.SetVec(j, 1)
	}
	var coeffs mat.VecDense
	if err := coeffs.SolveVec(extremes, ones); err != nil {
		return fallback
	}
	intercepts := make([]float64, m)
	for j := 0; j < m; j++ {
		c := coeffs.AtVec(j)
		if c <= 1e-12 || math.IsNaN(c) || math.IsInf(c, 0) {
			return fallback
		}
		intercepts[j] = 1 / c
		if intercepts[j] < 1e-12 {
			return fallback
		}
	}
	return intercepts
}

// nearestReference finds the reference direction with the smallest
// perpendicular distance to the normalized objective vector.
func nearestReference(f []float64, refs [][]float64) (int, float64) {
	best, bestDist := 0, math.Inf(1)
	for r, ref := range refs {
		if d := perpendicularDistance(f, ref); d < bestDist {
			bestDist = d
			best = r
		}
	}
	return best, bestDist
}

// perpendicularDistance is the distance from f to the line through the
// origin along ref.
func perpendicularDistance(f, ref []float64) float64 {
	dot, norm2 := 0.0, 0.0
	for j := range ref {
		dot += f[j] * ref[j]
		norm2 += ref[j] * ref[j]
	}
	if norm2 == 0 {
		return math.Inf(1)
	}
	scale := dot / norm2
	sum := 0.0
	for j := range ref {
		d := f[j] - scale*ref[j]
		sum += d * d
	}
	return math.Sqrt(sum)
}
