package runtime

import "time"

type Health string

const (
	HealthUnknown   Health = "unknown"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
	HealthAbsent    Health = "absent"
)

// InstanceHandle identifies one running instance inside the driver.
type InstanceHandle struct {
	ID          string `json:"id"`
	Service     string `json:"service"`
	Fingerprint string `json:"fingerprint"`
}

// Instance is one entry of a RuntimeState snapshot. Snapshots are owned
// by the driver; the reconciler only reads them.
type Instance struct {
	Service    string         `json:"service"`
	Handle     InstanceHandle `json:"handle"`
	Health     Health         `json:"health"`
	Addr       string         `json:"addr,omitempty"`
	ObservedAt time.Time      `json:"observedAt"`
}
