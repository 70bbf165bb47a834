package plugin

import (
	"context"
	"sort"
)

// PresolveCallback is one slot of a presolving round: either a presolver
// or a propagator's presolve entry, merged into a single priority order.
type PresolveCallback struct {
	Name       string
	Priority   int
	Timing     Timing
	Propagator bool
	Exec       func(ctx context.Context, pc *PresolveContext) (Result, error)
}

// MergePresolve interleaves propagators and presolvers by priority;
// propagators win ties. The sort is stable so registration order breaks
// remaining ties deterministically.
func MergePresolve(props []Propagator, pres []Presolver) []PresolveCallback {
	merged := make([]PresolveCallback, 0, len(props)+len(pres))
	for _, p := range props {
		merged = append(merged, PresolveCallback{
			Name: p.Name(), Priority: p.Priority(), Timing: p.Timing(),
			Propagator: true, Exec: p.Presolve,
		})
	}
	for _, p := range pres {
		merged = append(merged, PresolveCallback{
			Name: p.Name(), Priority: p.Priority(), Timing: p.Timing(),
			Exec: p.Presolve,
		})
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Priority != merged[j].Priority {
			return merged[i].Priority > merged[j].Priority
		}
		return merged[i].Propagator && !merged[j].Propagator
	})
	return merged
}

// SortByPriority orders a plug-in list by descending priority, stable in
// registration order.
func SortByPriority[T interface{ Priority() int }](list []T) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].Priority() > list[j].Priority() })
}
