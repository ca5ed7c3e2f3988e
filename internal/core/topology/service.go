package topology

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

func NewTopologyService() *TopologyService {
	return &TopologyService{}
}

type TopologyService struct {
	version atomic.Uint64
}

type topologyMeta struct {
	Name string `yaml:"name"`
}

type healthCheckManifest struct {
	Command  []string `yaml:"command"`
	Interval string   `yaml:"interval"`
	Timeout  string   `yaml:"timeout"`
	Retries  int      `yaml:"retries"`
}

type serviceManifest struct {
	Image       string               `yaml:"image"`
	Role        string               `yaml:"role"`
	Environment map[string]string    `yaml:"environment"`
	Ports       []string             `yaml:"ports"`
	Mounts      []string             `yaml:"mounts"`
	DependsOn   []string             `yaml:"depends_on"`
	HealthCheck *healthCheckManifest `yaml:"healthcheck"`
}

type topologyManifest struct {
	Topology topologyMeta               `yaml:"topology"`
	Services map[string]serviceManifest `yaml:"services"`
}

func (s *TopologyService) LoadFile(path string) (*Topology, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, configErrorf("read %s: %v", path, err)
	}
	return s.Decode(body)
}

func (s *TopologyService) Decode(body []byte) (*Topology, error) {
	var manifest topologyManifest
	if err := yaml.Unmarshal(body, &manifest); err != nil {
		return nil, configErrorf("yaml decode: %v", err)
	}
	if manifest.Topology.Name == "" {
		return nil, configErrorf("topology.name is required")
	}
	// an empty services map is valid: it means tear everything down

	services := make(map[string]ServiceSpec, len(manifest.Services))
	names := make([]string, 0, len(manifest.Services))
	for name, m := range manifest.Services {
		spec, err := buildServiceSpec(name, m)
		if err != nil {
			return nil, err
		}
		services[name] = spec
		names = append(names, name)
	}
	sort.Strings(names)

	// no dangling edges
	for _, name := range names {
		for _, dep := range services[name].DependsOn {
			if dep == name {
				return nil, configErrorf("service %q depends on itself", name)
			}
			if _, ok := services[dep]; !ok {
				return nil, configErrorf("service %q depends on unknown service %q", name, dep)
			}
		}
	}

	return &Topology{
		Name:     manifest.Topology.Name,
		Version:  s.version.Add(1),
		services: services,
		names:    names,
	}, nil
}

// Diff returns the names of services whose spec changed or appeared in
// newTopology, sorted. Removed services are not listed; the reconciler
// derives removals from desired absence.
func (s *TopologyService) Diff(oldTopology *Topology, newTopology *Topology) []string {
	var changed []string
	for _, name := range newTopology.Names() {
		newSpec, _ := newTopology.Get(name)
		if oldTopology == nil {
			changed = append(changed, name)
			continue
		}
		oldSpec, ok := oldTopology.Get(name)
		if !ok || oldSpec.Fingerprint() != newSpec.Fingerprint() {
			changed = append(changed, name)
		}
	}
	return changed
}

func buildServiceSpec(name string, m serviceManifest) (ServiceSpec, error) {
	if strings.TrimSpace(name) == "" {
		return ServiceSpec{}, configErrorf("service name must not be empty")
	}
	if strings.ContainsAny(name, " /\t") {
		return ServiceSpec{}, configErrorf("service name %q contains invalid characters", name)
	}
	if m.Image == "" {
		return ServiceSpec{}, configErrorf("service %q: image is required", name)
	}

	role := Role(m.Role)
	if m.Role == "" {
		role = RoleWorker
	}
	if !validRoles[role] {
		return ServiceSpec{}, configErrorf("service %q: unknown role %q", name, m.Role)
	}

	ports := make([]PortBinding, 0, len(m.Ports))
	for _, raw := range m.Ports {
		p, err := parsePortBinding(raw)
		if err != nil {
			return ServiceSpec{}, configErrorf("service %q: %v", name, err)
		}
		ports = append(ports, p)
	}

	mounts := make([]Mount, 0, len(m.Mounts))
	for _, raw := range m.Mounts {
		mt, err := parseMount(raw)
		if err != nil {
			return ServiceSpec{}, configErrorf("service %q: %v", name, err)
		}
		mounts = append(mounts, mt)
	}

	var health *HealthCheck
	if m.HealthCheck != nil {
		h, err := buildHealthCheck(*m.HealthCheck)
		if err != nil {
			return ServiceSpec{}, configErrorf("service %q: %v", name, err)
		}
		health = h
	}

	deps := make([]string, 0, len(m.DependsOn))
	seen := map[string]bool{}
	for _, d := range m.DependsOn {
		if seen[d] {
			continue
		}
		seen[d] = true
		deps = append(deps, d)
	}

	return ServiceSpec{
		Name:        name,
		Image:       m.Image,
		Role:        role,
		Environment: m.Environment,
		Ports:       ports,
		Mounts:      mounts,
		DependsOn:   deps,
		HealthCheck: health,
	}, nil
}

// parsePortBinding accepts "host:container" with an optional "/proto"
// suffix, e.g. "8200:8200" or "8600:8600/udp".
func parsePortBinding(raw string) (PortBinding, error) {
	spec := raw
	proto := "tcp"
	if i := strings.IndexByte(spec, '/'); i >= 0 {
		proto = strings.ToLower(spec[i+1:])
		spec = spec[:i]
	}
	if proto != "tcp" && proto != "udp" {
		return PortBinding{}, fmt.Errorf("port %q: unsupported protocol %q", raw, proto)
	}

	parts := strings.Split(spec, ":")
	if len(parts) != 2 {
		return PortBinding{}, fmt.Errorf("port %q must be host:container", raw)
	}
	host, err := parsePortNumber(parts[0])
	if err != nil {
		return PortBinding{}, fmt.Errorf("port %q: %v", raw, err)
	}
	container, err := parsePortNumber(parts[1])
	if err != nil {
		return PortBinding{}, fmt.Errorf("port %q: %v", raw, err)
	}

	return PortBinding{HostPort: host, ContainerPort: container, Protocol: proto}, nil
}

func parsePortNumber(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("invalid port number %q", s)
	}
	return n, nil
}

// parseMount accepts "host-path:container-path" with an optional ":ro"
// suffix.
func parseMount(raw string) (Mount, error) {
	parts := strings.Split(raw, ":")
	readOnly := false
	if len(parts) == 3 {
		if parts[2] != "ro" && parts[2] != "rw" {
			return Mount{}, fmt.Errorf("mount %q: unknown mode %q", raw, parts[2])
		}
		readOnly = parts[2] == "ro"
		parts = parts[:2]
	}
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Mount{}, fmt.Errorf("mount %q must be host-path:container-path", raw)
	}
	return Mount{HostPath: parts[0], ContainerPath: parts[1], ReadOnly: readOnly}, nil
}

func buildHealthCheck(m healthCheckManifest) (*HealthCheck, error) {
	if len(m.Command) == 0 {
		return nil, fmt.Errorf("healthcheck command is required")
	}
	h := &HealthCheck{
		Command:  m.Command,
		Interval: 5 * time.Second,
		Timeout:  3 * time.Second,
		Retries:  3,
	}
	if m.Interval != "" {
		d, err := time.ParseDuration(m.Interval)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("healthcheck interval %q is invalid", m.Interval)
		}
		h.Interval = d
	}
	if m.Timeout != "" {
		d, err := time.ParseDuration(m.Timeout)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("healthcheck timeout %q is invalid", m.Timeout)
		}
		h.Timeout = d
	}
	if m.Retries > 0 {
		h.Retries = m.Retries
	}
	return h, nil
}
