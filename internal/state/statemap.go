// Package state implements per-plan state maps and the precondition planner:
// current-state detection, minimum-cost transition planning, and verified
// plan execution with bounded replanning.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// MapFileName is the state map file inside a plan directory.
const MapFileName = "statemap.yaml"

// Unknown is returned when no state check succeeds.
const Unknown = ""

// State is a named system state with an optional check task.
type State struct {
	Name      string
	CheckTask string `yaml:"check_task"`
	Priority  int    `yaml:"priority"`
	CanAsync  bool   `yaml:"can_async"`
}

// Transition is a directed edge whose task moves the system from From to To.
type Transition struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
	Task string `yaml:"task"`
	Cost int    `yaml:"cost"`
}

// Map is a plan's state-transition graph with precomputed adjacency.
type Map struct {
	States      map[string]*State
	Transitions []Transition

	forward map[string][]Transition
	reverse map[string][]Transition
}

type mapFile struct {
	States      map[string]*State `yaml:"states"`
	Transitions []Transition      `yaml:"transitions"`
}

// LoadMap reads a plan's statemap.yaml. A missing file means the plan has no
// state preconditions; callers get (nil, nil).
func LoadMap(planRoot string) (*Map, error) {
	path := filepath.Join(planRoot, MapFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state map %s: %w", path, err)
	}
	var f mapFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing state map %s: %w", path, err)
	}
	return NewMap(f.States, f.Transitions)
}

// NewMap builds a Map and validates edge endpoints.
func NewMap(states map[string]*State, transitions []Transition) (*Map, error) {
	m := &Map{
		States:      map[string]*State{},
		Transitions: transitions,
		forward:     map[string][]Transition{},
		reverse:     map[string][]Transition{},
	}
	for name, s := range states {
		if s == nil {
			s = &State{}
		}
		s.Name = name
		m.States[name] = s
	}
	for _, t := range transitions {
		if _, ok := m.States[t.From]; !ok {
			return nil, fmt.Errorf("transition %q references unknown state %q", t.Task, t.From)
		}
		if _, ok := m.States[t.To]; !ok {
			return nil, fmt.Errorf("transition %q references unknown state %q", t.Task, t.To)
		}
		if t.Cost < 0 {
			return nil, fmt.Errorf("transition %q has negative cost", t.Task)
		}
		m.forward[t.From] = append(m.forward[t.From], t)
		m.reverse[t.To] = append(m.reverse[t.To], t)
	}
	// Deterministic adjacency order.
	for _, adj := range []map[string][]Transition{m.forward, m.reverse} {
		for k := range adj {
			edges := adj[k]
			sort.Slice(edges, func(i, j int) bool { return edges[i].Task < edges[j].Task })
		}
	}
	return m, nil
}

// distancesTo runs BFS on the reverse graph and returns each state's hop
// distance to target. Unreachable states are absent.
func (m *Map) distancesTo(target string) map[string]int {
	dist := map[string]int{target: 0}
	queue := []string{target}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, edge := range m.reverse[cur] {
			if _, seen := dist[edge.From]; !seen {
				dist[edge.From] = dist[cur] + 1
				queue = append(queue, edge.From)
			}
		}
	}
	return dist
}
