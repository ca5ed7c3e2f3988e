package runtime

import (
	"context"

	"manifold/internal/core/topology"
)

// DriverHandler is the runtime collaborator that actually starts and
// stops service instances. Implementations must be safe for concurrent
// calls; the reconciler applies a timeout to every call through ctx.
type DriverHandler interface {
	Start(ctx context.Context, topologyName string, spec topology.ServiceSpec) (InstanceHandle, error)
	Stop(ctx context.Context, handle InstanceHandle) error
	HealthCheck(ctx context.Context, handle InstanceHandle) (Health, error)
	List(ctx context.Context, topologyName string) ([]Instance, error)
}
