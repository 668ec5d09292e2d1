package collectors

import (
	"encoding/json"
	"testing"

	"fleetguard/agent/internal/buffer"
)

func TestMetricsLatestCollectsOnDemand(t *testing.T) {
	m := NewMetrics()

	raw := m.Latest()
	if len(raw) == 0 {
		t.Fatal("no snapshot produced")
	}

	var snap SystemMetrics
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v", err)
	}
}

func TestInventoryCollect(t *testing.T) {
	inv := Collect()
	if inv.Hostname == "" {
		t.Fatal("hostname missing")
	}
	if inv.Arch == "" || inv.CPUCount <= 0 {
		t.Fatalf("host facts missing: arch=%q cpus=%d", inv.Arch, inv.CPUCount)
	}
	if inv.CollectedAt == "" {
		t.Fatal("collection timestamp missing")
	}
}

func TestInventoryRefreshEnqueuesEvent(t *testing.T) {
	buf, err := buffer.New(nil, 10)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}

	i := NewInventory(buf)
	i.Refresh()

	events := buf.Pending(0)
	if len(events) != 1 {
		t.Fatalf("buffered events = %d, want 1", len(events))
	}
	if events[0].Kind != EventKindInventory {
		t.Fatalf("kind = %q, want %q", events[0].Kind, EventKindInventory)
	}

	var inv HostInventory
	if err := json.Unmarshal(events[0].Payload, &inv); err != nil {
		t.Fatalf("payload is not an inventory: %v", err)
	}
}

func TestInventoryScheduleValidation(t *testing.T) {
	buf, _ := buffer.New(nil, 10)
	i := NewInventory(buf)
	defer i.Stop()

	if err := i.Start("not a cron spec"); err == nil {
		t.Fatal("invalid schedule accepted")
	}
	if err := i.Start("@every 15m"); err != nil {
		t.Fatalf("valid schedule rejected: %v", err)
	}
}
