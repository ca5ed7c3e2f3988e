package rsm

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *RsmManager {
	t.Helper()
	dir := t.TempDir()
	return NewRsmManager(NewRsmStore(filepath.Join(dir, "status.json")))
}

func TestStoreAndGetStatus(t *testing.T) {
	m := newTestManager(t)

	info := StatusInfo{
		Service:   "vault-leader",
		Phase:     "running",
		Retries:   0,
		UpdatedAt: time.Now().UTC(),
	}
	if err := m.StoreStatus(info); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, err := m.GetStatus("vault-leader")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Phase != "running" || got.Service != "vault-leader" {
		t.Fatalf("unexpected status: %+v", got)
	}

	if _, err := m.GetStatus("missing"); err == nil {
		t.Fatalf("expected error for unknown service")
	}
}

func TestRemoveStatus(t *testing.T) {
	m := newTestManager(t)

	if err := m.StoreStatus(StatusInfo{Service: "web", Phase: "degraded", Degraded: true}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := m.RemoveStatus("web"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := m.GetStatus("web"); err == nil {
		t.Fatalf("expected error after removal")
	}

	// removing twice is fine
	if err := m.RemoveStatus("web"); err != nil {
		t.Fatalf("second remove: %v", err)
	}
}

func TestGetStatusListSorted(t *testing.T) {
	m := newTestManager(t)

	for _, name := range []string{"web", "consul", "db"} {
		if err := m.StoreStatus(StatusInfo{Service: name, Phase: "running"}); err != nil {
			t.Fatalf("store %s: %v", name, err)
		}
	}

	list, err := m.GetStatusList()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].Service != "consul" || list[2].Service != "web" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.json")

	m := NewRsmManager(NewRsmStore(path))
	if err := m.StoreStatus(StatusInfo{Service: "db", Phase: "running"}); err != nil {
		t.Fatalf("store: %v", err)
	}

	reopened := NewRsmManager(NewRsmStore(path))
	got, err := reopened.GetStatus("db")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Phase != "running" {
		t.Fatalf("unexpected status after reopen: %+v", got)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind")
	}
}
