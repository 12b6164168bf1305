package hpo

import "sort"

// IntersectionSearchSpace computes the search space shared by the given
// trials: parameters that appear in every trial with an identical
// distribution. The result is recomputed per call and never cached, since
// any new trial can shrink it.
func IntersectionSearchSpace(trials []*FrozenTrial) map[string]Distribution {
	space := make(map[string]Distribution)
	if len(trials) == 0 {
		return space
	}
	for name, d := range trials[0].Distributions {
		space[name] = d
	}
	for _, t := range trials[1:] {
		for name, d := range space {
			td, ok := t.Distributions[name]
			if !ok || !DistributionsEqual(td, d) {
				delete(space, name)
			}
		}
		if len(space) == 0 {
			break
		}
	}
	return space
}

// SortedParamNames returns the space's parameter names in lexical order.
// Samplers iterate spaces through this to keep draws reproducible.
func SortedParamNames(space map[string]Distribution) []string {
	names := make([]string, 0, len(space))
	for name := range space {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NumericSubspace filters a search space down to the non-single float and
// int distributions, the domain vector-valued strategies can embed into a
// box. The second result lists the dropped parameter names.
func NumericSubspace(space map[string]Distribution) (map[string]Distribution, []string) {
	numeric := make(map[string]Distribution, len(space))
	var dropped []string
	for name, d := range space {
		switch d.Kind() {
		case KindFloat, KindInt:
			if d.Single() {
				dropped = append(dropped, name)
				continue
			}
			numeric[name] = d
		default:
			dropped = append(dropped, name)
		}
	}
	sort.Strings(dropped)
	return numeric, dropped
}

// ParamSetsDiffer reports whether the trials disagree on which parameters
// they sampled, the signature of a conditional search space.
func ParamSetsDiffer(trials []*FrozenTrial) bool {
	if len(trials) == 0 {
		return false
	}
	first := trials[0].ParamNames()
	for _, t := range trials[1:] {
		if len(t.Params) != len(first) {
			return true
		}
		for name := range t.Params {
			if _, ok := first[name]; !ok {
				return true
			}
		}
	}
	return false
}

// HasCategorical reports whether any distribution in the space is
// categorical.
func HasCategorical(space map[string]Distribution) bool {
	for _, d := range space {
		if d.Kind() == KindCategorical {
			return true
		}
	}
	return false
}
