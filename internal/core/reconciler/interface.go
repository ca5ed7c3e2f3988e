package reconciler

import (
	"context"

	"manifold/internal/core/topology"
	"manifold/internal/runtime"
)

type ControllerHandler interface {
	SetTopology(t *topology.Topology)
	Run(ctx context.Context) error
	RunToConvergence(ctx context.Context) error
	TickOnce(ctx context.Context) (int, error)
	Steady() bool
	Statuses() []ServiceStatus
	Instances() []runtime.Instance
	Lookup(service string) []string
	Desired() *topology.Topology
	Subscribe() (<-chan Event, func())
}
