package pipeline

import (
	"github.com/mehmetymw/delta2dwh/internal/types"
)

// plan groups specs into dependency waves. A spec lands one wave after its
// deepest selected dependency, so a child table never starts before every
// parent it references has committed. Config validation already rejected
// cycles and unknown dependencies, so the recursion terminates. Specs keep
// their configured order inside each wave.
func plan(specs []types.TableSpec) [][]types.TableSpec {
	selected := make(map[string]types.TableSpec, len(specs))
	for _, s := range specs {
		selected[s.Destination] = s
	}

	depth := make(map[string]int, len(specs))
	var depthOf func(string) int
	depthOf = func(name string) int {
		if d, ok := depth[name]; ok {
			return d
		}
		d := 0
		for _, dep := range selected[name].DependsOn {
			if _, ok := selected[dep]; !ok {
				// Not part of this run: assumed current, orders nothing.
				continue
			}
			if pd := depthOf(dep) + 1; pd > d {
				d = pd
			}
		}
		depth[name] = d
		return d
	}

	deepest := 0
	for _, s := range specs {
		if d := depthOf(s.Destination); d > deepest {
			deepest = d
		}
	}

	waves := make([][]types.TableSpec, deepest+1)
	for _, s := range specs {
		d := depth[s.Destination]
		waves[d] = append(waves[d], s)
	}
	return waves
}

// unselectedDeps lists declared dependencies that fall outside the
// selection, keyed by the table that declares them.
func unselectedDeps(specs []types.TableSpec) map[string][]string {
	selected := make(map[string]bool, len(specs))
	for _, s := range specs {
		selected[s.Destination] = true
	}
	var missing map[string][]string
	for _, s := range specs {
		for _, dep := range s.DependsOn {
			if !selected[dep] {
				if missing == nil {
					missing = make(map[string][]string)
				}
				missing[s.Destination] = append(missing[s.Destination], dep)
			}
		}
	}
	return missing
}
