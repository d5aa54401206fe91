// Package groups implements device grouping and scenes for mesh-connected
// devices. Groups are named collections of device node_ids; scenes are
// named batches of device commands.
package groups

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/meshcore/hub/internal/logger"
	"github.com/meshcore/hub/pkg/mesh/commands"
)

// Group is a named collection of device node_ids.
type Group struct {
	GroupID  string         `json:"group_id"`
	Name     string         `json:"name"`
	DeviceIDs []string      `json:"device_ids"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Scene is a named batch of device commands to execute together.
type Scene struct {
	SceneID     string                   `json:"scene_id"`
	Name        string                   `json:"name"`
	Commands    []map[string]any         `json:"commands"`
	Description string                   `json:"description,omitempty"`
}

// ToDeviceCommands expands the scene's stored command maps into
// DeviceCommand objects, skipping and logging any malformed entry.
func (s *Scene) ToDeviceCommands(log *logger.Logger) []commands.DeviceCommand {
	result := make([]commands.DeviceCommand, 0, len(s.Commands))
	for _, raw := range s.Commands {
		device, ok := raw["device"].(string)
		if !ok || device == "" {
			log.Warn("skipping malformed scene command", "scene_id", s.SceneID)
			continue
		}
		result = append(result, commands.CommandFromMap(raw))
	}
	return result
}

// Manager manages device groups and scenes with JSON persistence.
type Manager struct {
	groupsPath string
	scenesPath string
	log        *logger.Logger

	mu     sync.RWMutex
	groups map[string]*Group
	scenes map[string]*Scene
}

// New constructs a Manager persisted across two JSON files.
func New(groupsPath, scenesPath string) *Manager {
	return &Manager{
		groupsPath: groupsPath,
		scenesPath: scenesPath,
		groups:     make(map[string]*Group),
		scenes:     make(map[string]*Scene),
		log:        logger.Get().WithComponent("groups"),
	}
}

// Load reads groups and scenes from disk.
func (m *Manager) Load() error {
	if err := m.loadGroups(); err != nil {
		return err
	}
	return m.loadScenes()
}

type groupsFile struct {
	Groups []*Group `json:"groups"`
}

type scenesFile struct {
	Scenes []*Scene `json:"scenes"`
}

func (m *Manager) loadGroups() error {
	data, err := os.ReadFile(m.groupsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read groups: %w", err)
	}
	var file groupsFile
	if err := json.Unmarshal(data, &file); err != nil {
		m.log.Warn("failed to load groups", "error", err.Error())
		return nil
	}

	m.mu.Lock()
	for _, g := range file.Groups {
		m.groups[g.GroupID] = g
	}
	count := len(m.groups)
	m.mu.Unlock()
	m.log.Info("loaded groups", "count", count, "path", m.groupsPath)
	return nil
}

func (m *Manager) loadScenes() error {
	data, err := os.ReadFile(m.scenesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read scenes: %w", err)
	}
	var file scenesFile
	if err := json.Unmarshal(data, &file); err != nil {
		m.log.Warn("failed to load scenes", "error", err.Error())
		return nil
	}

	m.mu.Lock()
	for _, s := range file.Scenes {
		m.scenes[s.SceneID] = s
	}
	count := len(m.scenes)
	m.mu.Unlock()
	m.log.Info("loaded scenes", "count", count, "path", m.scenesPath)
	return nil
}

func (m *Manager) saveGroups() error {
	m.mu.RLock()
	groupList := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		groupList = append(groupList, g)
	}
	m.mu.RUnlock()
	sort.Slice(groupList, func(i, j int) bool { return groupList[i].GroupID < groupList[j].GroupID })

	return atomicWriteJSON(m.groupsPath, groupsFile{Groups: groupList})
}

func (m *Manager) saveScenes() error {
	m.mu.RLock()
	sceneList := make([]*Scene, 0, len(m.scenes))
	for _, s := range m.scenes {
		sceneList = append(sceneList, s)
	}
	m.mu.RUnlock()
	sort.Slice(sceneList, func(i, j int) bool { return sceneList[i].SceneID < sceneList[j].SceneID })

	return atomicWriteJSON(m.scenesPath, scenesFile{Scenes: sceneList})
}

func atomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	return os.Rename(tmp, path)
}

// -- group CRUD -----------------------------------------------------------

// AddGroup creates or overwrites a device group.
func (m *Manager) AddGroup(groupID, name string, deviceIDs []string, metadata map[string]any) (*Group, error) {
	if deviceIDs == nil {
		deviceIDs = []string{}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	group := &Group{GroupID: groupID, Name: name, DeviceIDs: deviceIDs, Metadata: metadata}

	m.mu.Lock()
	m.groups[groupID] = group
	m.mu.Unlock()

	if err := m.saveGroups(); err != nil {
		return nil, err
	}
	m.log.Info("added group", "group_id", groupID, "devices", len(deviceIDs))
	return group, nil
}

// RemoveGroup removes a group. Returns true if it existed.
func (m *Manager) RemoveGroup(groupID string) bool {
	m.mu.Lock()
	_, found := m.groups[groupID]
	if found {
		delete(m.groups, groupID)
	}
	m.mu.Unlock()

	if !found {
		return false
	}
	if err := m.saveGroups(); err != nil {
		m.log.Error("failed to save groups", err)
	}
	m.log.Info("removed group", "group_id", groupID)
	return true
}

// GetGroup looks up a group by ID.
func (m *Manager) GetGroup(groupID string) (*Group, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[groupID]
	return g, ok
}

// ListGroups returns all groups.
func (m *Manager) ListGroups() []*Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g)
	}
	return out
}

// AddDeviceToGroup adds a device to an existing group. Returns true if the
// group exists.
func (m *Manager) AddDeviceToGroup(groupID, deviceID string) bool {
	m.mu.Lock()
	group, found := m.groups[groupID]
	changed := false
	if found {
		if !containsString(group.DeviceIDs, deviceID) {
			group.DeviceIDs = append(group.DeviceIDs, deviceID)
			changed = true
		}
	}
	m.mu.Unlock()

	if !found {
		return false
	}
	if changed {
		if err := m.saveGroups(); err != nil {
			m.log.Error("failed to save groups", err)
		}
	}
	return true
}

// RemoveDeviceFromGroup removes a device from a group. Returns true only if
// both the group and the device membership existed.
func (m *Manager) RemoveDeviceFromGroup(groupID, deviceID string) bool {
	m.mu.Lock()
	group, found := m.groups[groupID]
	removed := false
	if found {
		idx := indexOfString(group.DeviceIDs, deviceID)
		if idx >= 0 {
			group.DeviceIDs = append(group.DeviceIDs[:idx], group.DeviceIDs[idx+1:]...)
			removed = true
		}
	}
	m.mu.Unlock()

	if !found || !removed {
		return false
	}
	if err := m.saveGroups(); err != nil {
		m.log.Error("failed to save groups", err)
	}
	return true
}

func containsString(ss []string, s string) bool {
	return indexOfString(ss, s) >= 0
}

func indexOfString(ss []string, s string) int {
	for i, v := range ss {
		if v == s {
			return i
		}
	}
	return -1
}

// -- scene CRUD -------------------------------------------------------------

// AddScene creates or overwrites a scene.
func (m *Manager) AddScene(sceneID, name string, cmds []map[string]any, description string) (*Scene, error) {
	if cmds == nil {
		cmds = []map[string]any{}
	}
	scene := &Scene{SceneID: sceneID, Name: name, Commands: cmds, Description: description}

	m.mu.Lock()
	m.scenes[sceneID] = scene
	m.mu.Unlock()

	if err := m.saveScenes(); err != nil {
		return nil, err
	}
	m.log.Info("added scene", "scene_id", sceneID, "commands", len(cmds))
	return scene, nil
}

// RemoveScene removes a scene. Returns true if it existed.
func (m *Manager) RemoveScene(sceneID string) bool {
	m.mu.Lock()
	_, found := m.scenes[sceneID]
	if found {
		delete(m.scenes, sceneID)
	}
	m.mu.Unlock()

	if !found {
		return false
	}
	if err := m.saveScenes(); err != nil {
		m.log.Error("failed to save scenes", err)
	}
	m.log.Info("removed scene", "scene_id", sceneID)
	return true
}

// GetScene looks up a scene by ID.
func (m *Manager) GetScene(sceneID string) (*Scene, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scenes[sceneID]
	return s, ok
}

// ListScenes returns all scenes.
func (m *Manager) ListScenes() []*Scene {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Scene, 0, len(m.scenes))
	for _, s := range m.scenes {
		out = append(out, s)
	}
	return out
}

// -- execution helpers -------------------------------------------------------

// GetSceneCommands expands a scene into its DeviceCommands. Returns nil if
// the scene is not found.
func (m *Manager) GetSceneCommands(sceneID string) []commands.DeviceCommand {
	m.mu.RLock()
	scene, ok := m.scenes[sceneID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return scene.ToDeviceCommands(m.log)
}

// FanOutGroupCommand creates one DeviceCommand per device in the group.
func (m *Manager) FanOutGroupCommand(groupID string, action commands.Action, capability string, params map[string]any) []commands.DeviceCommand {
	m.mu.RLock()
	group, ok := m.groups[groupID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}

	out := make([]commands.DeviceCommand, 0, len(group.DeviceIDs))
	for _, deviceID := range group.DeviceIDs {
		out = append(out, commands.DeviceCommand{
			Device:     deviceID,
			Action:     action,
			Capability: capability,
			Params:     params,
		})
	}
	return out
}

// -- LLM context --------------------------------------------------------

// DescribeGroups returns a markdown description of groups for LLM context.
func (m *Manager) DescribeGroups() string {
	m.mu.RLock()
	groups := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		groups = append(groups, g)
	}
	m.mu.RUnlock()
	if len(groups) == 0 {
		return ""
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].GroupID < groups[j].GroupID })

	lines := []string{"## Device Groups\n"}
	for _, g := range groups {
		members := "(empty)"
		if len(g.DeviceIDs) > 0 {
			members = strings.Join(g.DeviceIDs, ", ")
		}
		lines = append(lines, fmt.Sprintf("- **%s** (`%s`): %s", g.Name, g.GroupID, members))
	}
	return strings.Join(lines, "\n")
}

// DescribeScenes returns a markdown description of scenes for LLM context.
func (m *Manager) DescribeScenes() string {
	m.mu.RLock()
	scenes := make([]*Scene, 0, len(m.scenes))
	for _, s := range m.scenes {
		scenes = append(scenes, s)
	}
	m.mu.RUnlock()
	if len(scenes) == 0 {
		return ""
	}
	sort.Slice(scenes, func(i, j int) bool { return scenes[i].SceneID < scenes[j].SceneID })

	lines := []string{"## Scenes\n"}
	for _, s := range scenes {
		desc := ""
		if s.Description != "" {
			desc = " — " + s.Description
		}
		lines = append(lines, fmt.Sprintf("- **%s** (`%s`)%s: %d commands", s.Name, s.SceneID, desc, len(s.Commands)))
	}
	return strings.Join(lines, "\n")
}
