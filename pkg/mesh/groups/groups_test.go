package groups

import (
	"path/filepath"
	"testing"

	"github.com/meshcore/hub/pkg/mesh/commands"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "groups.json"), filepath.Join(dir, "scenes.json"))
}

func TestAddAndGetGroup(t *testing.T) {
	m := newTestManager(t)
	group, err := m.AddGroup("living_room", "Living Room", []string{"lamp-1", "lamp-2"}, nil)
	if err != nil {
		t.Fatalf("AddGroup: %v", err)
	}
	if len(group.DeviceIDs) != 2 {
		t.Fatalf("unexpected device ids: %+v", group.DeviceIDs)
	}

	got, ok := m.GetGroup("living_room")
	if !ok || got.Name != "Living Room" {
		t.Fatalf("unexpected group: %+v", got)
	}
}

func TestRemoveGroup(t *testing.T) {
	m := newTestManager(t)
	m.AddGroup("living_room", "Living Room", nil, nil)
	if !m.RemoveGroup("living_room") {
		t.Fatal("expected removal to succeed")
	}
	if m.RemoveGroup("living_room") {
		t.Fatal("expected second removal to report false")
	}
}

func TestAddDeviceToGroup(t *testing.T) {
	m := newTestManager(t)
	m.AddGroup("living_room", "Living Room", nil, nil)

	if !m.AddDeviceToGroup("living_room", "lamp-1") {
		t.Fatal("expected add to succeed")
	}
	if !m.AddDeviceToGroup("living_room", "lamp-1") { // duplicate, still reports true
		t.Fatal("expected duplicate add to still report group exists")
	}
	group, _ := m.GetGroup("living_room")
	if len(group.DeviceIDs) != 1 {
		t.Fatalf("expected no duplicate device entries, got %+v", group.DeviceIDs)
	}
}

func TestAddDeviceToUnknownGroupFails(t *testing.T) {
	m := newTestManager(t)
	if m.AddDeviceToGroup("ghost", "lamp-1") {
		t.Fatal("expected false for unknown group")
	}
}

func TestRemoveDeviceFromGroup(t *testing.T) {
	m := newTestManager(t)
	m.AddGroup("living_room", "Living Room", []string{"lamp-1", "lamp-2"}, nil)

	if !m.RemoveDeviceFromGroup("living_room", "lamp-1") {
		t.Fatal("expected removal to succeed")
	}
	if m.RemoveDeviceFromGroup("living_room", "lamp-1") {
		t.Fatal("expected second removal to report false")
	}
	group, _ := m.GetGroup("living_room")
	if len(group.DeviceIDs) != 1 || group.DeviceIDs[0] != "lamp-2" {
		t.Fatalf("unexpected remaining devices: %+v", group.DeviceIDs)
	}
}

func TestFanOutGroupCommand(t *testing.T) {
	m := newTestManager(t)
	m.AddGroup("living_room", "Living Room", []string{"lamp-1", "lamp-2"}, nil)

	cmds := m.FanOutGroupCommand("living_room", commands.Set, "power", map[string]any{"value": false})
	if len(cmds) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(cmds))
	}
	if cmds[0].Device != "lamp-1" || cmds[1].Device != "lamp-2" {
		t.Fatalf("unexpected fan-out order: %+v", cmds)
	}
}

func TestFanOutUnknownGroupReturnsNil(t *testing.T) {
	m := newTestManager(t)
	if cmds := m.FanOutGroupCommand("ghost", commands.Set, "power", nil); cmds != nil {
		t.Fatalf("expected nil, got %+v", cmds)
	}
}

func TestAddAndGetScene(t *testing.T) {
	m := newTestManager(t)
	cmds := []map[string]any{
		{"device": "lamp-1", "action": "set", "capability": "power", "params": map[string]any{"value": false}},
	}
	scene, err := m.AddScene("good_night", "Good Night", cmds, "dim everything")
	if err != nil {
		t.Fatalf("AddScene: %v", err)
	}
	if len(scene.Commands) != 1 {
		t.Fatalf("unexpected commands: %+v", scene.Commands)
	}
}

func TestGetSceneCommandsSkipsMalformedEntries(t *testing.T) {
	m := newTestManager(t)
	cmds := []map[string]any{
		{"device": "lamp-1", "action": "set"},
		{"action": "set"}, // missing device, malformed
	}
	m.AddScene("good_night", "Good Night", cmds, "")

	result := m.GetSceneCommands("good_night")
	if len(result) != 1 {
		t.Fatalf("expected malformed entry to be skipped, got %d commands", len(result))
	}
}

func TestGetSceneCommandsUnknownSceneReturnsNil(t *testing.T) {
	m := newTestManager(t)
	if got := m.GetSceneCommands("ghost"); got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestRemoveScene(t *testing.T) {
	m := newTestManager(t)
	m.AddScene("good_night", "Good Night", nil, "")
	if !m.RemoveScene("good_night") {
		t.Fatal("expected removal to succeed")
	}
	if m.RemoveScene("good_night") {
		t.Fatal("expected second removal to report false")
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	groupsPath := filepath.Join(dir, "groups.json")
	scenesPath := filepath.Join(dir, "scenes.json")

	m1 := New(groupsPath, scenesPath)
	m1.AddGroup("living_room", "Living Room", []string{"lamp-1"}, nil)
	m1.AddScene("good_night", "Good Night", nil, "")

	m2 := New(groupsPath, scenesPath)
	if err := m2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m2.ListGroups()) != 1 || len(m2.ListScenes()) != 1 {
		t.Fatalf("expected 1 group and 1 scene after reload, got %d groups, %d scenes",
			len(m2.ListGroups()), len(m2.ListScenes()))
	}
}

func TestDescribeGroupsAndScenesEmpty(t *testing.T) {
	m := newTestManager(t)
	if got := m.DescribeGroups(); got != "" {
		t.Fatalf("expected empty description, got %q", got)
	}
	if got := m.DescribeScenes(); got != "" {
		t.Fatalf("expected empty description, got %q", got)
	}
}

func TestDescribeGroupsAndScenesNonEmpty(t *testing.T) {
	m := newTestManager(t)
	m.AddGroup("living_room", "Living Room", []string{"lamp-1"}, nil)
	m.AddScene("good_night", "Good Night", nil, "dim everything")

	if got := m.DescribeGroups(); got == "" {
		t.Fatal("expected non-empty groups description")
	}
	if got := m.DescribeScenes(); got == "" {
		t.Fatal("expected non-empty scenes description")
	}
}
