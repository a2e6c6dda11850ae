package pipeline

import (
	"errors"
	"fmt"
	"sort"

	"github.com/heimdalr/dag"

	"github.com/ethpandaops/medallion/pkg/dataset"
)

var (
	// ErrInvalidNodeType is returned when a vertex does not hold a stage
	ErrInvalidNodeType = errors.New("invalid node type")
	// ErrCycle is returned when stages depend on each other
	ErrCycle = errors.New("pipeline stages form a cycle")
)

// Graph is the stage dependency graph. An edge runs from the stage producing
// a dataset to every stage reading it.
type Graph struct {
	dag   *dag.DAG
	order []string
	index map[string]int
}

type node struct {
	stage *Stage
}

// BuildGraph builds the dependency graph and the execution order. Stages
// reading datasets no stage produces depend on nothing within the run.
func BuildGraph(def *Definition) (*Graph, error) {
	g := &Graph{
		dag:   dag.NewDAG(),
		index: make(map[string]int, len(def.Stages)),
	}

	producers := make(map[dataset.ID]string, len(def.Stages))

	for i := range def.Stages {
		stage := &def.Stages[i]

		if err := g.dag.AddVertexByID(stage.Name, node{stage: stage}); err != nil {
			return nil, fmt.Errorf("failed to add vertex %s: %w", stage.Name, err)
		}

		g.index[stage.Name] = i
		producers[stage.Output] = stage.Name
	}

	for i := range def.Stages {
		stage := &def.Stages[i]
		seen := make(map[string]struct{}, len(stage.Inputs))

		for _, in := range stage.Inputs {
			producer, ok := producers[in.Dataset]
			if !ok {
				continue
			}

			if _, dup := seen[producer]; dup {
				continue
			}
			seen[producer] = struct{}{}

			if producer == stage.Name {
				return nil, fmt.Errorf("%w: %s reads its own output", ErrCycle, stage.Name)
			}

			// AddEdge returns error if it would create a cycle
			if err := g.dag.AddEdge(producer, stage.Name); err != nil {
				return nil, fmt.Errorf("%w: %s → %s: %w", ErrCycle, producer, stage.Name, err)
			}
		}
	}

	order, err := g.topological()
	if err != nil {
		return nil, err
	}

	g.order = order

	return g, nil
}

// topological orders stages with Kahn's algorithm, breaking ties by
// definition order so runs are deterministic.
func (g *Graph) topological() ([]string, error) {
	indegree := make(map[string]int, len(g.index))

	for name := range g.index {
		parents, err := g.dag.GetParents(name)
		if err != nil {
			return nil, err
		}

		indegree[name] = len(parents)
	}

	var ready []string

	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(g.index))

	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return g.index[ready[i]] < g.index[ready[j]] })

		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		children, err := g.dag.GetChildren(next)
		if err != nil {
			return nil, err
		}

		for child := range children {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	if len(order) != len(g.index) {
		return nil, ErrCycle
	}

	return order, nil
}

// Order returns stage names in execution order
func (g *Graph) Order() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)

	return out
}

// Stage returns the stage held by a vertex
func (g *Graph) Stage(name string) (*Stage, error) {
	vertex, err := g.dag.GetVertex(name)
	if err != nil {
		return nil, err
	}

	n, ok := vertex.(node)
	if !ok {
		return nil, fmt.Errorf("%w for stage %s", ErrInvalidNodeType, name)
	}

	return n.stage, nil
}

// Upstream returns the direct dependencies of a stage in execution order
func (g *Graph) Upstream(name string) []string {
	parents, err := g.dag.GetParents(name)
	if err != nil {
		return nil
	}

	return g.sorted(parents)
}

// Downstream returns all transitive dependents of a stage in execution order
func (g *Graph) Downstream(name string) []string {
	descendants, err := g.dag.GetDescendants(name)
	if err != nil {
		return nil
	}

	return g.sorted(descendants)
}

// Ancestors returns all transitive dependencies of a stage in execution order
func (g *Graph) Ancestors(name string) []string {
	ancestors, err := g.dag.GetAncestors(name)
	if err != nil {
		return nil
	}

	return g.sorted(ancestors)
}

func (g *Graph) sorted(set map[string]interface{}) []string {
	position := make(map[string]int, len(g.order))
	for i, name := range g.order {
		position[name] = i
	}

	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}

	sort.Slice(out, func(i, j int) bool { return position[out[i]] < position[out[j]] })

	return out
}
