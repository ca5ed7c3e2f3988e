package topology

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

type Role string

const (
	RoleLeader    Role = "leader"
	RoleReplica   Role = "replica"
	RoleBootstrap Role = "bootstrap"
	RoleWorker    Role = "worker"
)

var validRoles = map[Role]bool{
	RoleLeader:    true,
	RoleReplica:   true,
	RoleBootstrap: true,
	RoleWorker:    true,
}

type PortBinding struct {
	HostPort      int
	ContainerPort int
	Protocol      string
}

type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

type HealthCheck struct {
	Command  []string
	Interval time.Duration
	Timeout  time.Duration
	Retries  int
}

type ServiceSpec struct {
	Name        string
	Image       string
	Role        Role
	Environment map[string]string
	Ports       []PortBinding
	Mounts      []Mount
	DependsOn   []string
	HealthCheck *HealthCheck
}

// GatesOnHealth reports whether dependents of this spec must wait for a
// healthy report rather than a plain running state. Leaders and bootstrap
// nodes always gate on health; replicas and workers only when a health
// check is declared.
func (s ServiceSpec) GatesOnHealth() bool {
	if s.HealthCheck != nil {
		return true
	}
	return s.Role == RoleLeader || s.Role == RoleBootstrap
}

// Fingerprint returns a stable digest of everything that requires a
// restart when it changes.
func (s ServiceSpec) Fingerprint() string {
	var b strings.Builder
	b.WriteString(s.Name + "\n" + s.Image + "\n" + string(s.Role) + "\n")

	envKeys := make([]string, 0, len(s.Environment))
	for k := range s.Environment {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		b.WriteString("env " + k + "=" + s.Environment[k] + "\n")
	}
	for _, p := range s.Ports {
		fmt.Fprintf(&b, "port %d:%d/%s\n", p.HostPort, p.ContainerPort, p.Protocol)
	}
	for _, m := range s.Mounts {
		fmt.Fprintf(&b, "mount %s:%s:%v\n", m.HostPath, m.ContainerPath, m.ReadOnly)
	}
	deps := append([]string(nil), s.DependsOn...)
	sort.Strings(deps)
	for _, d := range deps {
		b.WriteString("dep " + d + "\n")
	}
	if s.HealthCheck != nil {
		fmt.Fprintf(&b, "health %q %s %s %d\n",
			s.HealthCheck.Command, s.HealthCheck.Interval, s.HealthCheck.Timeout, s.HealthCheck.Retries)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Topology is an immutable desired-state snapshot. Reloads build a new
// value with a higher version, never mutate an existing one.
type Topology struct {
	Name     string
	Version  uint64
	services map[string]ServiceSpec
	names    []string
}

func (t *Topology) Names() []string {
	return append([]string(nil), t.names...)
}

func (t *Topology) Get(name string) (ServiceSpec, bool) {
	s, ok := t.services[name]
	return s, ok
}

func (t *Topology) Len() int {
	return len(t.names)
}

type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "invalid topology: " + e.Reason
}

func configErrorf(format string, args ...any) error {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}
