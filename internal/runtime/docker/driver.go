package docker

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"

	"manifold/internal/core/topology"
	"manifold/internal/runtime"
)

const (
	labelTopology    = "manifold.topology"
	labelService     = "manifold.service"
	labelFingerprint = "manifold.fingerprint"
)

// NewDockerDriver connects to the Docker Engine API using environment
// variables (e.g. DOCKER_HOST) and API version negotiation.
func NewDockerDriver() (*DockerDriver, error) {
	c, err := client.New(
		client.FromEnv,
	)
	if err != nil {
		return nil, err
	}
	return &DockerDriver{client: c}, nil
}

type DockerDriver struct {
	client *client.Client
}

func (d *DockerDriver) Start(ctx context.Context, topologyName string, spec topology.ServiceSpec) (runtime.InstanceHandle, error) {
	name := instanceName(topologyName, spec.Name)
	fingerprint := spec.Fingerprint()

	// remove a leftover container under the same name first; the
	// reconciler owns the decision, the driver just makes room
	inspect, err := d.client.ContainerInspect(ctx, name, client.ContainerInspectOptions{})
	if err == nil {
		_, _ = d.client.ContainerStop(ctx, inspect.Container.ID, client.ContainerStopOptions{})
		if _, err := d.client.ContainerRemove(ctx, inspect.Container.ID, client.ContainerRemoveOptions{
			Force:         true,
			RemoveVolumes: false,
		}); err != nil && !errdefs.IsNotFound(err) {
			return runtime.InstanceHandle{}, fmt.Errorf("remove existing container %q: %w", name, err)
		}
	}

	env := make([]string, 0, len(spec.Environment))
	for k, v := range spec.Environment {
		env = append(env, k+"="+v)
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.HostPath,
			Target:   m.ContainerPath,
			ReadOnly: m.ReadOnly,
		})
	}

	exposed := network.PortSet{}
	portMap := network.PortMap{}
	for _, p := range spec.Ports {
		proto := network.IPProtocol(p.Protocol)
		port, ok := network.PortFrom(uint16(p.ContainerPort), proto)
		if !ok {
			return runtime.InstanceHandle{}, fmt.Errorf("service %q port %d/%s: invalid port", spec.Name, p.ContainerPort, p.Protocol)
		}
		exposed[port] = struct{}{}
		portMap[port] = append(portMap[port], network.PortBinding{
			HostIP:   netip.IPv4Unspecified(),
			HostPort: strconv.Itoa(p.HostPort),
		})
	}

	cCfg := &container.Config{
		Image: spec.Image,
		Env:   env,
		Labels: map[string]string{
			labelTopology:    topologyName,
			labelService:     spec.Name,
			labelFingerprint: fingerprint,
		},
		ExposedPorts: exposed,
		Healthcheck:  healthConfig(spec.HealthCheck),
	}

	hCfg := &container.HostConfig{
		Mounts:       mounts,
		PortBindings: portMap,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyDisabled,
		},
	}

	containerID := ""
	created, err := d.client.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:     cCfg,
		HostConfig: hCfg,
		Name:       name,
		Image:      spec.Image,
	})
	if err != nil {
		// race-safe: if something else created it, inspect and proceed
		inspected, ie := d.client.ContainerInspect(ctx, name, client.ContainerInspectOptions{})
		if ie != nil {
			return runtime.InstanceHandle{}, fmt.Errorf("create container %q: %w", name, err)
		}
		containerID = inspected.Container.ID
	} else {
		containerID = created.ID
	}

	if _, err := d.client.ContainerStart(ctx, containerID, client.ContainerStartOptions{}); err != nil {
		return runtime.InstanceHandle{}, fmt.Errorf("start container %q: %w", name, err)
	}

	return runtime.InstanceHandle{
		ID:          containerID,
		Service:     spec.Name,
		Fingerprint: fingerprint,
	}, nil
}

func (d *DockerDriver) Stop(ctx context.Context, handle runtime.InstanceHandle) error {
	_, _ = d.client.ContainerStop(ctx, handle.ID, client.ContainerStopOptions{})
	if _, err := d.client.ContainerRemove(ctx, handle.ID, client.ContainerRemoveOptions{
		Force:         true,
		RemoveVolumes: false,
	}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %q: %w", handle.ID, err)
	}
	return nil
}

func (d *DockerDriver) HealthCheck(ctx context.Context, handle runtime.InstanceHandle) (runtime.Health, error) {
	inspect, err := d.client.ContainerInspect(ctx, handle.ID, client.ContainerInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return runtime.HealthAbsent, nil
		}
		return runtime.HealthUnknown, fmt.Errorf("inspect container %q: %w", handle.ID, err)
	}
	return healthFromState(inspect.Container.State), nil
}

func (d *DockerDriver) List(ctx context.Context, topologyName string) ([]runtime.Instance, error) {
	f := make(client.Filters).
		Add("label", labelTopology+"="+topologyName)

	containers, err := d.client.ContainerList(ctx, client.ContainerListOptions{
		All:     true,
		Filters: f,
	})
	if err != nil {
		return nil, fmt.Errorf("list containers (topology=%s): %w", topologyName, err)
	}

	instances := make([]runtime.Instance, 0, len(containers.Items))
	for _, c := range containers.Items {
		inspect, err := d.client.ContainerInspect(ctx, c.ID, client.ContainerInspectOptions{})
		if err != nil {
			// vanished between list and inspect
			if errdefs.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("inspect container %q: %w", c.ID, err)
		}
		instances = append(instances, runtime.Instance{
			Service: c.Labels[labelService],
			Handle: runtime.InstanceHandle{
				ID:          c.ID,
				Service:     c.Labels[labelService],
				Fingerprint: c.Labels[labelFingerprint],
			},
			Health:     healthFromState(inspect.Container.State),
			Addr:       instanceAddr(inspect.Container.NetworkSettings),
			ObservedAt: time.Now(),
		})
	}
	return instances, nil
}

func instanceName(topologyName, service string) string {
	return topologyName + "-" + service
}

// healthConfig installs the spec's health command into the container so
// the engine probes it; without one, a running container counts as
// healthy.
func healthConfig(h *topology.HealthCheck) *container.HealthConfig {
	if h == nil {
		return nil
	}
	return &container.HealthConfig{
		Test:     []string{"CMD-SHELL", shellescape.QuoteCommand(h.Command)},
		Interval: h.Interval,
		Timeout:  h.Timeout,
		Retries:  h.Retries,
	}
}

func healthFromState(state *container.State) runtime.Health {
	if state == nil {
		return runtime.HealthUnknown
	}
	if state.Health != nil {
		switch state.Health.Status {
		case "healthy":
			return runtime.HealthHealthy
		case "unhealthy":
			return runtime.HealthUnhealthy
		default:
			// "starting" or no probe result yet
			return runtime.HealthUnknown
		}
	}
	if state.Running {
		return runtime.HealthHealthy
	}
	return runtime.HealthUnhealthy
}

func instanceAddr(settings *container.NetworkSettings) string {
	if settings == nil {
		return ""
	}
	for _, ep := range settings.Networks {
		if ep == nil {
			continue
		}
		if ep.IPAddress.IsValid() {
			return ep.IPAddress.String()
		}
	}
	return ""
}
