package registry

import (
	"path/filepath"
	"testing"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "registry.json"))
}

func TestRegisterDeviceCreatesNewEntry(t *testing.T) {
	r := newTestRegistry(t)
	var events []EventType
	r.OnEvent(func(d *Device, e EventType) { events = append(events, e) })

	d := r.RegisterDevice("lamp-1", "smart-lamp", RegisterOptions{
		Name: "Living Room Lamp",
		Capabilities: []Capability{
			{Name: "power", CapType: Actuator, DataType: TypeBool},
		},
	})

	if d.NodeID != "lamp-1" || d.Name != "Living Room Lamp" {
		t.Fatalf("unexpected device: %+v", d)
	}
	if r.DeviceCount() != 1 {
		t.Fatalf("expected 1 device, got %d", r.DeviceCount())
	}
	if len(events) != 1 || events[0] != EventRegistered {
		t.Fatalf("expected single registered event, got %+v", events)
	}
}

func TestRegisterDeviceUpdatesExisting(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterDevice("lamp-1", "smart-lamp", RegisterOptions{Name: "Lamp"})

	var events []EventType
	r.OnEvent(func(d *Device, e EventType) { events = append(events, e) })

	updated := r.RegisterDevice("lamp-1", "smart-lamp-v2", RegisterOptions{})
	if updated.DeviceType != "smart-lamp-v2" {
		t.Fatalf("expected device type to update, got %q", updated.DeviceType)
	}
	if r.DeviceCount() != 1 {
		t.Fatalf("expected update not duplicate, got %d devices", r.DeviceCount())
	}
	if len(events) != 1 || events[0] != EventUpdated {
		t.Fatalf("expected single updated event, got %+v", events)
	}
}

func TestRemoveDevice(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterDevice("lamp-1", "smart-lamp", RegisterOptions{})

	if !r.RemoveDevice("lamp-1") {
		t.Fatal("expected removal to report true")
	}
	if r.RemoveDevice("lamp-1") {
		t.Fatal("expected second removal to report false")
	}
	if _, ok := r.GetDevice("lamp-1"); ok {
		t.Fatal("expected device to be gone")
	}
}

func TestUpdateStateOnlyFiresOnActualChange(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterDevice("lamp-1", "smart-lamp", RegisterOptions{
		Capabilities: []Capability{{Name: "power", CapType: Actuator, DataType: TypeBool}},
	})

	var stateChanges int
	r.OnEvent(func(d *Device, e EventType) {
		if e == EventStateChanged {
			stateChanges++
		}
	})

	r.UpdateState("lamp-1", map[string]any{"power": true})
	r.UpdateState("lamp-1", map[string]any{"power": true}) // no change
	r.UpdateState("lamp-1", map[string]any{"power": false})

	if stateChanges != 2 {
		t.Fatalf("expected 2 state_changed events, got %d", stateChanges)
	}

	d, _ := r.GetDevice("lamp-1")
	if d.State["power"] != false {
		t.Fatalf("expected final state false, got %+v", d.State)
	}
}

func TestUpdateStateUnknownDeviceReturnsFalse(t *testing.T) {
	r := newTestRegistry(t)
	if r.UpdateState("ghost", map[string]any{"x": 1}) {
		t.Fatal("expected false for unknown device")
	}
}

func TestMarkOnlineOfflineOnlyFireOnTransition(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterDevice("lamp-1", "smart-lamp", RegisterOptions{})

	var onlineEvents, offlineEvents int
	r.OnEvent(func(d *Device, e EventType) {
		switch e {
		case EventOnline:
			onlineEvents++
		case EventOffline:
			offlineEvents++
		}
	})

	r.MarkOnline("lamp-1")
	r.MarkOnline("lamp-1") // no-op, already online
	r.MarkOffline("lamp-1")
	r.MarkOffline("lamp-1") // no-op, already offline

	if onlineEvents != 1 || offlineEvents != 1 {
		t.Fatalf("expected exactly one transition each way, got online=%d offline=%d", onlineEvents, offlineEvents)
	}
}

func TestLoadResetsOnlineToFalse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	r1 := New(path)
	r1.RegisterDevice("lamp-1", "smart-lamp", RegisterOptions{})
	r1.MarkOnline("lamp-1")

	d, _ := r1.GetDevice("lamp-1")
	if !d.Online {
		t.Fatal("expected device to be online before reload")
	}

	r2 := New(path)
	if err := r2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	reloaded, ok := r2.GetDevice("lamp-1")
	if !ok {
		t.Fatal("expected device to survive reload")
	}
	if reloaded.Online {
		t.Fatal("expected online flag to be reset to false on load")
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err := r.Load(); err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if r.DeviceCount() != 0 {
		t.Fatal("expected empty registry")
	}
}

func TestGetDevicesByTypeAndCapability(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterDevice("lamp-1", "smart-lamp", RegisterOptions{
		Capabilities: []Capability{{Name: "power", CapType: Actuator, DataType: TypeBool}},
	})
	r.RegisterDevice("sensor-1", "temp-sensor", RegisterOptions{
		Capabilities: []Capability{{Name: "temperature", CapType: Sensor, DataType: TypeFloat}},
	})

	lamps := r.GetDevicesByType("smart-lamp")
	if len(lamps) != 1 || lamps[0].NodeID != "lamp-1" {
		t.Fatalf("unexpected lamps: %+v", lamps)
	}

	withPower := r.GetDevicesWithCapability("power")
	if len(withPower) != 1 || withPower[0].NodeID != "lamp-1" {
		t.Fatalf("unexpected capability filter result: %+v", withPower)
	}
}

func TestSummaryReportsOnlineAndOfflineCounts(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterDevice("lamp-1", "smart-lamp", RegisterOptions{Name: "Lamp"})
	r.RegisterDevice("sensor-1", "temp-sensor", RegisterOptions{Name: "Sensor"})
	r.MarkOnline("lamp-1")

	summary := r.Summary()
	if summary == "" {
		t.Fatal("expected non-empty summary")
	}
	if !contains(summary, "1 online / 2 total") {
		t.Fatalf("expected counts in summary, got: %s", summary)
	}
}

func TestSummaryWithNoDevices(t *testing.T) {
	r := newTestRegistry(t)
	if got := r.Summary(); got != "No devices registered." {
		t.Fatalf("unexpected summary: %q", got)
	}
}

func TestEventCallbackPanicIsIsolated(t *testing.T) {
	r := newTestRegistry(t)
	var secondCalled bool
	r.OnEvent(func(d *Device, e EventType) { panic("boom") })
	r.OnEvent(func(d *Device, e EventType) { secondCalled = true })

	r.RegisterDevice("lamp-1", "smart-lamp", RegisterOptions{})

	if !secondCalled {
		t.Fatal("expected second callback to run despite first panicking")
	}
}

func TestToLLMView(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterDevice("lamp-1", "smart-lamp", RegisterOptions{
		Name:         "Lamp",
		Capabilities: []Capability{{Name: "power", CapType: Actuator, DataType: TypeBool}},
	})
	r.UpdateState("lamp-1", map[string]any{"power": true})

	view := r.ToLLMView()
	if len(view) != 1 {
		t.Fatalf("expected 1 view entry, got %d", len(view))
	}
	if view[0].NodeID != "lamp-1" || view[0].CurrentState["power"] != true {
		t.Fatalf("unexpected view: %+v", view[0])
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
