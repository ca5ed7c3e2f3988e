package reconciler

import (
	"errors"
	"fmt"
	"time"

	"manifold/internal/core/topology"
	"manifold/internal/runtime"
)

type Phase string

const (
	PhaseAbsent    Phase = "absent"
	PhaseStarting  Phase = "starting"
	PhaseRunning   Phase = "running"
	PhaseUnhealthy Phase = "unhealthy"
	PhaseStopping  Phase = "stopping"
	PhaseDegraded  Phase = "degraded"
)

// ServiceStatus is the reconciler's view of one service. Spec is the last
// spec applied to the runtime, kept so removed services can still be torn
// down in dependency order after they leave the desired topology.
type ServiceStatus struct {
	Name        string                 `json:"name"`
	Phase       Phase                  `json:"phase"`
	Handle      runtime.InstanceHandle `json:"handle,omitempty"`
	Spec        topology.ServiceSpec   `json:"-"`
	Fingerprint string                 `json:"fingerprint,omitempty"`
	Retries     int                    `json:"retries"`
	LastError   string                 `json:"lastError,omitempty"`
	NextAttempt time.Time              `json:"nextAttempt,omitempty"`
	StartedAt   time.Time              `json:"startedAt,omitempty"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

type Event struct {
	ID      string `json:"id"`
	TS      string `json:"ts"`
	Service string `json:"service"`
	From    Phase  `json:"from"`
	To      Phase  `json:"to"`
	Reason  string `json:"reason,omitempty"`
}

type Options struct {
	Interval     time.Duration
	StartTimeout time.Duration
	CallTimeout  time.Duration
	MaxRetries   int
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = 60 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	return o
}

var (
	ErrStartupTimeout = errors.New("startup timed out")
	ErrReloadConflict = errors.New("topology reload in progress")
)

type DriverError struct {
	Op      string
	Service string
	Err     error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("driver %s failed: service=%s err=%v", e.Op, e.Service, e.Err)
}

func (e *DriverError) Unwrap() error {
	return e.Err
}
