package resolver

import "manifold/internal/core/topology"

type ResolverHandler interface {
	Order(t *topology.Topology) ([]topology.ServiceSpec, error)
	Levels(t *topology.Topology) ([][]topology.ServiceSpec, error)
}
