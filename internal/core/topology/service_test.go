package topology

import (
	"testing"
	"time"
)

const validManifest = `
topology:
  name: vault
services:
  consul:
    image: hashicorp/consul:1.19
    role: bootstrap
    ports:
      - "8500:8500"
      - "8600:8600/udp"
    healthcheck:
      command: ["consul", "members"]
  vault-leader:
    image: hashicorp/vault:1.17
    role: leader
    depends_on:
      - consul
    mounts:
      - "/etc/vault:/vault/config:ro"
    environment:
      VAULT_ADDR: http://127.0.0.1:8200
`

func TestDecode(t *testing.T) {
	svc := NewTopologyService()

	topo, err := svc.Decode([]byte(validManifest))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if topo.Name != "vault" || topo.Len() != 2 {
		t.Fatalf("unexpected topology: %+v", topo)
	}

	consul, ok := topo.Get("consul")
	if !ok {
		t.Fatalf("expected consul service")
	}
	if consul.Role != RoleBootstrap {
		t.Fatalf("expected bootstrap role, got %q", consul.Role)
	}
	if len(consul.Ports) != 2 || consul.Ports[1].Protocol != "udp" {
		t.Fatalf("unexpected ports: %+v", consul.Ports)
	}
	if consul.HealthCheck == nil || consul.HealthCheck.Interval != 5*time.Second {
		t.Fatalf("expected healthcheck defaults, got %+v", consul.HealthCheck)
	}

	leader, _ := topo.Get("vault-leader")
	if len(leader.Mounts) != 1 || !leader.Mounts[0].ReadOnly {
		t.Fatalf("unexpected mounts: %+v", leader.Mounts)
	}
	if len(leader.DependsOn) != 1 || leader.DependsOn[0] != "consul" {
		t.Fatalf("unexpected deps: %+v", leader.DependsOn)
	}
}

func TestDecodeDefaultsRoleToWorker(t *testing.T) {
	svc := NewTopologyService()
	topo, err := svc.Decode([]byte("topology:\n  name: t\nservices:\n  app:\n    image: nginx\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	app, _ := topo.Get("app")
	if app.Role != RoleWorker {
		t.Fatalf("expected worker role, got %q", app.Role)
	}
}

func TestDecodeEmptyServices(t *testing.T) {
	svc := NewTopologyService()
	topo, err := svc.Decode([]byte("topology:\n  name: t\nservices: {}\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if topo.Len() != 0 {
		t.Fatalf("expected empty topology, got %d services", topo.Len())
	}
}

func TestDecodeRejects(t *testing.T) {
	cases := []struct {
		name     string
		manifest string
	}{
		{"missing topology name", "services:\n  app:\n    image: nginx\n"},
		{"missing image", "topology:\n  name: t\nservices:\n  app:\n    role: worker\n"},
		{"unknown role", "topology:\n  name: t\nservices:\n  app:\n    image: nginx\n    role: boss\n"},
		{"dangling dependency", "topology:\n  name: t\nservices:\n  app:\n    image: nginx\n    depends_on: [missing]\n"},
		{"self dependency", "topology:\n  name: t\nservices:\n  app:\n    image: nginx\n    depends_on: [app]\n"},
		{"bad port", "topology:\n  name: t\nservices:\n  app:\n    image: nginx\n    ports: [\"eighty:80\"]\n"},
		{"bad port protocol", "topology:\n  name: t\nservices:\n  app:\n    image: nginx\n    ports: [\"80:80/sctp\"]\n"},
		{"bad mount", "topology:\n  name: t\nservices:\n  app:\n    image: nginx\n    mounts: [\"/data\"]\n"},
		{"bad mount mode", "topology:\n  name: t\nservices:\n  app:\n    image: nginx\n    mounts: [\"/a:/b:rx\"]\n"},
		{"healthcheck without command", "topology:\n  name: t\nservices:\n  app:\n    image: nginx\n    healthcheck:\n      interval: 5s\n"},
	}
	svc := NewTopologyService()
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := svc.Decode([]byte(c.manifest)); err == nil {
				t.Fatalf("expected error for %s", c.name)
			}
		})
	}
}

func TestVersionIncreases(t *testing.T) {
	svc := NewTopologyService()
	first, err := svc.Decode([]byte(validManifest))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := svc.Decode([]byte(validManifest))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Version <= first.Version {
		t.Fatalf("expected version to increase, got %d then %d", first.Version, second.Version)
	}
}

func TestDiff(t *testing.T) {
	svc := NewTopologyService()

	old, err := svc.Decode([]byte(validManifest))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// nil old topology: everything is new
	changed := svc.Diff(nil, old)
	if len(changed) != 2 {
		t.Fatalf("expected all services changed, got %v", changed)
	}

	// identical manifests: no changes
	same, _ := svc.Decode([]byte(validManifest))
	if changed := svc.Diff(old, same); len(changed) != 0 {
		t.Fatalf("expected no changes, got %v", changed)
	}

	// image bump changes one fingerprint
	bumped := []byte("topology:\n  name: vault\nservices:\n  consul:\n    image: hashicorp/consul:1.20\n    role: bootstrap\n    ports: [\"8500:8500\", \"8600:8600/udp\"]\n    healthcheck:\n      command: [\"consul\", \"members\"]\n  vault-leader:\n    image: hashicorp/vault:1.17\n    role: leader\n    depends_on: [consul]\n    mounts: [\"/etc/vault:/vault/config:ro\"]\n    environment:\n      VAULT_ADDR: http://127.0.0.1:8200\n")
	next, err := svc.Decode(bumped)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	changed = svc.Diff(old, next)
	if len(changed) != 1 || changed[0] != "consul" {
		t.Fatalf("expected only consul changed, got %v", changed)
	}
}

func TestGatesOnHealth(t *testing.T) {
	if !(ServiceSpec{Role: RoleLeader}).GatesOnHealth() {
		t.Fatalf("leader should gate on health")
	}
	if !(ServiceSpec{Role: RoleBootstrap}).GatesOnHealth() {
		t.Fatalf("bootstrap should gate on health")
	}
	if (ServiceSpec{Role: RoleWorker}).GatesOnHealth() {
		t.Fatalf("worker without healthcheck should not gate on health")
	}
	if !(ServiceSpec{Role: RoleWorker, HealthCheck: &HealthCheck{}}).GatesOnHealth() {
		t.Fatalf("worker with healthcheck should gate on health")
	}
}

func TestFingerprint(t *testing.T) {
	base := ServiceSpec{Name: "app", Image: "nginx:1", Role: RoleWorker}
	same := ServiceSpec{Name: "app", Image: "nginx:1", Role: RoleWorker}
	if base.Fingerprint() != same.Fingerprint() {
		t.Fatalf("identical specs must share a fingerprint")
	}
	changed := base
	changed.Image = "nginx:2"
	if base.Fingerprint() == changed.Fingerprint() {
		t.Fatalf("image change must change the fingerprint")
	}
}
