package resolver

import (
	"sort"
	"strings"

	"manifold/internal/core/topology"
)

type CycleError struct {
	Involved []string
}

func (e *CycleError) Error() string {
	return "dependency cycle involving: " + strings.Join(e.Involved, ", ")
}

func NewResolverService() *ResolverService {
	return &ResolverService{}
}

type ResolverService struct{}

// Order returns the startup order: every dependency appears before its
// dependents. Ties among specs with equal in-degree break
// lexicographically by name so the order is deterministic. Shutdown order
// is the exact reverse. Fails with CycleError naming every service on a
// cycle.
func (r *ResolverService) Order(t *topology.Topology) ([]topology.ServiceSpec, error) {
	levels, err := r.Levels(t)
	if err != nil {
		return nil, err
	}
	var order []topology.ServiceSpec
	for _, level := range levels {
		order = append(order, level...)
	}
	return order, nil
}

// Levels groups the startup order into waves: specs within one wave have
// no dependency edges between them and may be acted on concurrently.
func (r *ResolverService) Levels(t *topology.Topology) ([][]topology.ServiceSpec, error) {
	names := t.Names()

	inDegree := make(map[string]int, len(names))
	dependents := make(map[string][]string, len(names))
	for _, name := range names {
		spec, _ := t.Get(name)
		inDegree[name] += 0
		for _, dep := range spec.DependsOn {
			inDegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var levels [][]topology.ServiceSpec
	ready := make([]string, 0, len(names))
	for _, name := range names {
		if inDegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	placed := 0
	for len(ready) > 0 {
		sort.Strings(ready)
		level := make([]topology.ServiceSpec, 0, len(ready))
		var next []string
		for _, name := range ready {
			spec, _ := t.Get(name)
			level = append(level, spec)
			placed++
			for _, dependent := range dependents[name] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		levels = append(levels, level)
		ready = next
	}

	if placed != len(names) {
		return nil, &CycleError{Involved: cycleMembers(t, inDegree)}
	}
	return levels, nil
}

// cycleMembers narrows the unplaced remainder down to the services that
// actually sit on a cycle. After the Kahn pass the remainder holds cycle
// members plus their downstream dependents; repeatedly stripping nodes
// that no remaining node depends on leaves exactly the cycles.
func cycleMembers(t *topology.Topology, inDegree map[string]int) []string {
	remaining := map[string]bool{}
	for name, deg := range inDegree {
		if deg > 0 {
			remaining[name] = true
		}
	}

	for {
		needed := map[string]bool{}
		for name := range remaining {
			spec, _ := t.Get(name)
			for _, dep := range spec.DependsOn {
				if remaining[dep] {
					needed[dep] = true
				}
			}
		}
		removed := false
		for name := range remaining {
			if !needed[name] {
				delete(remaining, name)
				removed = true
			}
		}
		if !removed {
			break
		}
	}

	members := make([]string, 0, len(remaining))
	for name := range remaining {
		members = append(members, name)
	}
	sort.Strings(members)
	return members
}
