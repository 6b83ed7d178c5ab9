package plugin

import (
	"fmt"
	"sort"

	auraerr "github.com/nightofknife/aura/pkg/aura/errors"
)

// sortByDependencies orders definitions so every plugin loads after its
// declared dependencies. Ties break by canonical id, so a fixed manifest set
// always produces the same load order. A dependency on an unknown plugin or
// a cycle is a fatal startup error; cycles are reported with their path.
func sortByDependencies(defs []*Definition) ([]*Definition, error) {
	byID := make(map[string]*Definition, len(defs))
	for _, d := range defs {
		byID[d.ID] = d
	}

	indegree := make(map[string]int, len(defs))
	dependents := make(map[string][]string, len(defs))
	for _, d := range defs {
		indegree[d.ID] += 0
		for _, dep := range d.DependencyIDs() {
			if _, known := byID[dep]; !known {
				return nil, &auraerr.FatalStartupError{
					Reason: fmt.Sprintf("plugin %q depends on unknown plugin %q", d.ID, dep),
				}
			}
			indegree[d.ID]++
			dependents[dep] = append(dependents[dep], d.ID)
		}
	}

	// Kahn's algorithm with a sorted ready set for determinism.
	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	ordered := make([]*Definition, 0, len(defs))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byID[id])

		released := dependents[id]
		sort.Strings(released)
		for _, next := range released {
			indegree[next]--
			if indegree[next] == 0 {
				ready = insertSorted(ready, next)
			}
		}
	}

	if len(ordered) != len(defs) {
		return nil, &auraerr.FatalStartupError{
			Reason: "plugin dependency cycle",
			Cycle:  findCycle(byID, indegree),
		}
	}
	return ordered, nil
}

func insertSorted(s []string, v string) []string {
	i := sort.SearchStrings(s, v)
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// findCycle walks the unresolved remainder of the graph and returns one
// cycle path for the error report.
func findCycle(byID map[string]*Definition, indegree map[string]int) []string {
	var remaining []string
	for id, deg := range indegree {
		if deg > 0 {
			remaining = append(remaining, id)
		}
	}
	sort.Strings(remaining)

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := map[string]int{}
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range byID[id].DependencyIDs() {
			switch color[dep] {
			case grey:
				// Close the loop from dep back to itself.
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, stack[start:]...), dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range remaining {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return remaining
}
