package hpo

import (
	"math"
	"sort"
)

// Dominance compares two finished trials under the study directions.
// Dominates and ConstrainedDominates both satisfy it.
type Dominance func(a, b *FrozenTrial, directions []Direction) bool

// Dominates reports whether trial a dominates trial b: a is at least as
// good in every objective and strictly better in at least one. Trials
// without values never dominate.
func Dominates(a, b *FrozenTrial, directions []Direction) bool {
	if len(a.Values) != len(directions) || len(b.Values) != len(directions) {
		return false
	}
	strictlyBetter := false
	for i, d := range directions {
		av, bv := a.Values[i], b.Values[i]
		if d == Maximize {
			av, bv = -av, -bv
		}
		if av > bv {
			return false
		}
		if av < bv {
			strictlyBetter = true
		}
	}
	return strictlyBetter
}

// ConstrainedDominates applies constraint dominance: a feasible trial
// dominates any infeasible one; between infeasible trials the smaller total
// violation wins; between feasible trials ordinary dominance decides.
// Trials whose constraints were never recorded rank below evaluated ones.
func ConstrainedDominates(a, b *FrozenTrial, directions []Direction) bool {
	av, aok := ConstraintViolation(a)
	bv, bok := ConstraintViolation(b)

	switch {
	case !aok && !bok:
		return Dominates(a, b, directions)
	case !aok:
		return false
	case !bok:
		return true
	}

	aFeasible, bFeasible := av <= 0, bv <= 0
	switch {
	case aFeasible && bFeasible:
		return Dominates(a, b, directions)
	case aFeasible:
		return true
	case bFeasible:
		return false
	default:
		return av < bv
	}
}

// NonDominatedSort partitions trials into fronts: trials in front i are
// dominated only by trials in earlier fronts. A nil dominance defaults to
// Dominates. Callers filter out trials without a full value vector first;
// such trials neither dominate nor are dominated and would pollute the
// first front.
func NonDominatedSort(trials []*FrozenTrial, directions []Direction, dominates Dominance) [][]*FrozenTrial {
	if dominates == nil {
		dominates = Dominates
	}
	n := len(trials)
	dominated := make([][]int, n)
	counts := make([]int, n)
	var current []int
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			if dominates(trials[i], trials[j], directions) {
				dominated[i] = append(dominated[i], j)
			} else if dominates(trials[j], trials[i], directions) {
				counts[i]++
			}
		}
		if counts[i] == 0 {
			current = append(current, i)
		}
	}
	var fronts [][]*FrozenTrial
	for len(current) > 0 {
		front := make([]*FrozenTrial, 0, len(current))
		var next []int
		for _, i := range current {
			front = append(front, trials[i])
			for _, j := range dominated[i] {
				counts[j]--
				if counts[j] == 0 {
					next = append(next, j)
				}
			}
		}
		fronts = append(fronts, front)
		current = next
	}
	return fronts
}

// CrowdingDistance measures, per trial of a front, the objective-space gap
// to its neighbors. Boundary trials get +Inf so they always survive a cut.
// The result is index-aligned with the front; every trial must carry a full
// value vector.
func CrowdingDistance(front []*FrozenTrial, directions []Direction) []float64 {
	n := len(front)
	dist := make([]float64, n)
	if n == 0 {
		return dist
	}
	idx := make([]int, n)
	for m := range directions {
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool {
			return front[idx[a]].Values[m] < front[idx[b]].Values[m]
		})
		dist[idx[0]] = math.Inf(1)
		dist[idx[n-1]] = math.Inf(1)
		span := front[idx[n-1]].Values[m] - front[idx[0]].Values[m]
		if span == 0 {
			continue
		}
		for k := 1; k < n-1; k++ {
			dist[idx[k]] += (front[idx[k+1]].Values[m] - front[idx[k-1]].Values[m]) / span
		}
	}
	return dist
}

// ParetoOptimal filters the trials down to the non-dominated set.
func ParetoOptimal(trials []*FrozenTrial, directions []Direction) []*FrozenTrial {
	var front []*FrozenTrial
	for i, t := range trials {
		if len(t.Values) != len(directions) {
			continue
		}
		dominated := false
		for j, other := range trials {
			if i == j || len(other.Values) != len(directions) {
				continue
			}
			if Dominates(other, t, directions) {
				dominated = true
				break
			}
		}
		if !dominated {
			front = append(front, t)
		}
	}
	return front
}
