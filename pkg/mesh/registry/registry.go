// Package registry implements the device capability registry and state
// management for the LAN mesh: tracks every enrolled/discovered device,
// its capabilities, and its current state.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/meshcore/hub/internal/logger"
)

// CapabilityType is what kind of capability a device exposes.
type CapabilityType string

const (
	Sensor   CapabilityType = "sensor"
	Actuator CapabilityType = "actuator"
	Property CapabilityType = "property"
)

// DataType is the data type carried by a capability.
type DataType string

const (
	TypeBool   DataType = "bool"
	TypeInt    DataType = "int"
	TypeFloat  DataType = "float"
	TypeString DataType = "string"
	TypeEnum   DataType = "enum"
)

// ValueRange is an inclusive numeric [min, max] range for a capability.
type ValueRange struct {
	Min float64
	Max float64
}

// Capability is one thing a device can do or report.
type Capability struct {
	Name        string         `json:"name"`
	CapType     CapabilityType `json:"cap_type"`
	DataType    DataType       `json:"data_type"`
	Unit        string         `json:"unit,omitempty"`
	ValueRange  *ValueRange    `json:"value_range,omitempty"`
	EnumValues  []string       `json:"enum_values,omitempty"`
	Description string         `json:"description,omitempty"`
}

// MarshalJSON and UnmarshalJSON let ValueRange marshal/unmarshal as a
// 2-element JSON array like the original [min, max] tuple.
func (v ValueRange) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{v.Min, v.Max})
}

func (v *ValueRange) UnmarshalJSON(data []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	v.Min, v.Max = pair[0], pair[1]
	return nil
}

// Device is the full record for one registered device.
type Device struct {
	NodeID       string                 `json:"node_id"`
	DeviceType   string                 `json:"device_type"`
	Name         string                 `json:"name"`
	Capabilities []Capability           `json:"capabilities"`
	State        map[string]any         `json:"state"`
	Online       bool                   `json:"online"`
	LastSeen     float64                `json:"last_seen"`
	RegisteredAt float64                `json:"registered_at"`
	Metadata     map[string]any         `json:"metadata"`
}

// GetCapability looks up a capability by name.
func (d *Device) GetCapability(name string) (Capability, bool) {
	for _, c := range d.Capabilities {
		if c.Name == name {
			return c, true
		}
	}
	return Capability{}, false
}

// CapabilityNames returns the names of all capabilities.
func (d *Device) CapabilityNames() []string {
	names := make([]string, len(d.Capabilities))
	for i, c := range d.Capabilities {
		names[i] = c.Name
	}
	return names
}

func (d *Device) clone() *Device {
	cp := *d
	cp.Capabilities = append([]Capability(nil), d.Capabilities...)
	cp.State = cloneMap(d.State)
	cp.Metadata = cloneMap(d.Metadata)
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// EventType is the kind of device lifecycle event fired by the registry.
type EventType string

const (
	EventRegistered   EventType = "registered"
	EventUpdated      EventType = "updated"
	EventRemoved      EventType = "removed"
	EventOnline       EventType = "online"
	EventOffline      EventType = "offline"
	EventStateChanged EventType = "state_changed"
)

// EventCallback receives a snapshot of the device and the event type.
// Handlers run with the registry's lock released, so they must treat the
// snapshot as read-only and must not assume it stays in sync with later
// mutations.
type EventCallback func(device *Device, event EventType)

// Registry is the central registry for all mesh devices, persisted to a
// JSON file and safe for concurrent use.
type Registry struct {
	path string
	log  *logger.Logger

	mu      sync.RWMutex
	devices map[string]*Device

	callbackMu sync.RWMutex
	callbacks  []EventCallback
}

// New constructs a Registry persisted at path.
func New(path string) *Registry {
	return &Registry{
		path:    path,
		devices: make(map[string]*Device),
		log:     logger.Get().WithComponent("registry"),
	}
}

// OnEvent registers a callback for device lifecycle events.
func (r *Registry) OnEvent(cb EventCallback) {
	r.callbackMu.Lock()
	defer r.callbackMu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

func (r *Registry) fireEvent(device *Device, event EventType) {
	r.callbackMu.RLock()
	callbacks := append([]EventCallback(nil), r.callbacks...)
	r.callbackMu.RUnlock()

	snapshot := device.clone()
	for _, cb := range callbacks {
		safeFire(r.log, cb, snapshot, event)
	}
}

func safeFire(log *logger.Logger, cb EventCallback, device *Device, event EventType) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Warn("registry event callback panicked", "recovered", rec)
		}
	}()
	cb(device, event)
}

// -- persistence ------------------------------------------------------------

type persistedFile struct {
	Version   int       `json:"version"`
	UpdatedAt float64   `json:"updated_at"`
	Devices   []*Device `json:"devices"`
}

// Load reads the registry from disk. A missing or empty file leaves the
// registry empty. Every loaded device has its online flag reset to false
// regardless of what was persisted — discovery re-establishes liveness.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.log.Debug("registry file not found, starting fresh", "path", r.path)
			return nil
		}
		return fmt.Errorf("read registry: %w", err)
	}
	if len(strings_TrimSpace(data)) == 0 {
		r.log.Debug("registry file empty, starting fresh", "path", r.path)
		return nil
	}

	var file persistedFile
	if err := json.Unmarshal(data, &file); err != nil {
		r.log.Error("failed to parse registry", err, "path", r.path)
		return fmt.Errorf("parse registry: %w", err)
	}

	r.mu.Lock()
	for _, d := range file.Devices {
		if d.NodeID == "" {
			r.log.Warn("skipping malformed device entry")
			continue
		}
		d.Online = false
		if d.State == nil {
			d.State = map[string]any{}
		}
		if d.Metadata == nil {
			d.Metadata = map[string]any{}
		}
		r.devices[d.NodeID] = d
	}
	count := len(r.devices)
	r.mu.Unlock()

	r.log.Info("loaded devices", "count", count, "path", r.path)
	return nil
}

func strings_TrimSpace(b []byte) []byte {
	return []byte(strings.TrimSpace(string(b)))
}

// save persists the registry to disk via atomic temp-file-then-rename.
// Must be called without r.mu held (it acquires RLock itself).
func (r *Registry) save() error {
	r.mu.RLock()
	devices := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].NodeID < devices[j].NodeID })
	r.mu.RUnlock()

	file := persistedFile{
		Version:   1,
		UpdatedAt: float64(time.Now().UnixNano()) / 1e9,
		Devices:   devices,
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	if dir := filepath.Dir(r.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create registry dir: %w", err)
		}
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write registry temp file: %w", err)
	}
	return os.Rename(tmp, r.path)
}

// -- CRUD ---------------------------------------------------------------

// RegisterOptions configures RegisterDevice.
type RegisterOptions struct {
	Name         string
	Capabilities []Capability
	Metadata     map[string]any
}

// RegisterDevice registers a new device or updates an existing one. If the
// device already exists, its type, capabilities, and metadata are updated;
// state and registration time are preserved.
func (r *Registry) RegisterDevice(nodeID, deviceType string, opts RegisterOptions) *Device {
	r.mu.Lock()
	existing, found := r.devices[nodeID]
	var result *Device
	var event EventType

	if found {
		existing.DeviceType = deviceType
		if opts.Name != "" {
			existing.Name = opts.Name
		}
		if opts.Capabilities != nil {
			existing.Capabilities = opts.Capabilities
		}
		for k, v := range opts.Metadata {
			existing.Metadata[k] = v
		}
		existing.LastSeen = nowUnix()
		result = existing
		event = EventUpdated
	} else {
		name := opts.Name
		if name == "" {
			name = nodeID
		}
		caps := opts.Capabilities
		if caps == nil {
			caps = []Capability{}
		}
		meta := opts.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		info := &Device{
			NodeID:       nodeID,
			DeviceType:   deviceType,
			Name:         name,
			Capabilities: caps,
			State:        map[string]any{},
			Metadata:     meta,
			LastSeen:     nowUnix(),
			RegisteredAt: nowUnix(),
		}
		r.devices[nodeID] = info
		result = info
		event = EventRegistered
	}
	r.mu.Unlock()

	if err := r.save(); err != nil {
		r.log.Error("failed to save registry", err)
	}
	r.fireEvent(result, event)

	if event == EventRegistered {
		r.log.Info("registered new device", "node_id", nodeID, "device_type", deviceType, "capabilities", len(result.Capabilities))
	} else {
		r.log.Info("updated device", "node_id", nodeID, "device_type", deviceType)
	}
	return result.clone()
}

// RemoveDevice removes a device from the registry. Returns true if it
// existed.
func (r *Registry) RemoveDevice(nodeID string) bool {
	r.mu.Lock()
	info, found := r.devices[nodeID]
	if found {
		delete(r.devices, nodeID)
	}
	r.mu.Unlock()

	if !found {
		return false
	}
	if err := r.save(); err != nil {
		r.log.Error("failed to save registry", err)
	}
	r.fireEvent(info, EventRemoved)
	r.log.Info("removed device", "node_id", nodeID)
	return true
}

// GetDevice looks up a device by node_id, returning a read-only copy.
func (r *Registry) GetDevice(nodeID string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[nodeID]
	if !ok {
		return nil, false
	}
	return d.clone(), true
}

// GetAllDevices returns all registered devices.
func (r *Registry) GetAllDevices() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d.clone())
	}
	return out
}

// GetOnlineDevices returns only devices currently marked online.
func (r *Registry) GetOnlineDevices() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Device
	for _, d := range r.devices {
		if d.Online {
			out = append(out, d.clone())
		}
	}
	return out
}

// GetDevicesByType returns all devices of a specific type.
func (r *Registry) GetDevicesByType(deviceType string) []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Device
	for _, d := range r.devices {
		if d.DeviceType == deviceType {
			out = append(out, d.clone())
		}
	}
	return out
}

// GetDevicesWithCapability returns devices exposing a specific capability.
func (r *Registry) GetDevicesWithCapability(capabilityName string) []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Device
	for _, d := range r.devices {
		for _, name := range d.CapabilityNames() {
			if name == capabilityName {
				out = append(out, d.clone())
				break
			}
		}
	}
	return out
}

// DeviceCount returns the total number of registered devices.
func (r *Registry) DeviceCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// OnlineCount returns the number of devices currently online.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, d := range r.devices {
		if d.Online {
			count++
		}
	}
	return count
}

// -- state management -----------------------------------------------------

// UpdateState applies a partial state update to a device. Returns true if
// the device exists (regardless of whether any field actually changed).
func (r *Registry) UpdateState(nodeID string, updates map[string]any) bool {
	r.mu.Lock()
	info, found := r.devices[nodeID]
	if !found {
		r.mu.Unlock()
		r.log.Warn("state update for unknown device", "node_id", nodeID)
		return false
	}

	changed := false
	for k, v := range updates {
		if existing, ok := info.State[k]; !ok || existing != v {
			info.State[k] = v
			changed = true
		}
	}
	if changed {
		info.LastSeen = nowUnix()
	}
	r.mu.Unlock()

	if changed {
		if err := r.save(); err != nil {
			r.log.Error("failed to save registry", err)
		}
		r.fireEvent(info, EventStateChanged)
		r.log.Debug("state updated", "node_id", nodeID)
	}
	return true
}

// -- online/offline tracking ------------------------------------------------

// MarkOnline marks a device as online (called when discovery sees a
// beacon). No-op if the device is unknown.
func (r *Registry) MarkOnline(nodeID string) {
	r.mu.Lock()
	info, found := r.devices[nodeID]
	if !found {
		r.mu.Unlock()
		return
	}
	wasOffline := !info.Online
	info.Online = true
	info.LastSeen = nowUnix()
	r.mu.Unlock()

	if wasOffline {
		r.fireEvent(info, EventOnline)
		r.log.Info("device online", "node_id", nodeID)
	}
}

// MarkOffline marks a device as offline (called when discovery prunes a
// peer). No-op if the device is unknown.
func (r *Registry) MarkOffline(nodeID string) {
	r.mu.Lock()
	info, found := r.devices[nodeID]
	if !found {
		r.mu.Unlock()
		return
	}
	wasOnline := info.Online
	info.Online = false
	r.mu.Unlock()

	if wasOnline {
		r.fireEvent(info, EventOffline)
		r.log.Info("device offline", "node_id", nodeID)
	}
}

// SyncWithDiscovery bulk-syncs online/offline status from a set of
// currently-online node ids.
func (r *Registry) SyncWithDiscovery(onlineNodeIDs map[string]struct{}) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if _, ok := onlineNodeIDs[id]; ok {
			r.MarkOnline(id)
		} else {
			r.MarkOffline(id)
		}
	}
}

// -- summary / LLM-context helpers -------------------------------------------

// Summary returns a human-readable summary of all devices, suitable for
// status display or LLM context injection.
func (r *Registry) Summary() string {
	r.mu.RLock()
	devices := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d)
	}
	onlineCount := r.onlineCountLocked()
	total := len(r.devices)
	r.mu.RUnlock()

	if total == 0 {
		return "No devices registered."
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].NodeID < devices[j].NodeID })

	lines := []string{fmt.Sprintf("Connected devices (%d online / %d total):", onlineCount, total)}
	now := time.Now()
	for _, d := range devices {
		status := "OFFLINE"
		if d.Online {
			status = "ONLINE"
		}

		var stateParts []string
		for _, cap := range d.Capabilities {
			val, ok := d.State[cap.Name]
			if !ok || val == nil {
				continue
			}
			stateParts = append(stateParts, fmt.Sprintf("%s: %v%s", cap.Name, val, cap.Unit))
		}
		stateStr := "no state reported"
		if len(stateParts) > 0 {
			stateStr = strings.Join(stateParts, ", ")
		}

		if !d.Online && d.LastSeen > 0 {
			agoSec := int(now.Sub(unixToTime(d.LastSeen)).Seconds())
			var timeStr string
			switch {
			case agoSec < 60:
				timeStr = fmt.Sprintf("%ds ago", agoSec)
			case agoSec < 3600:
				timeStr = fmt.Sprintf("%dmin ago", agoSec/60)
			default:
				timeStr = fmt.Sprintf("%dh ago", agoSec/3600)
			}
			stateStr += fmt.Sprintf(" — last seen %s", timeStr)
		}
		lines = append(lines, fmt.Sprintf("  - %s (%s) [%s] — %s", d.Name, d.DeviceType, status, stateStr))
	}
	return strings.Join(lines, "\n")
}

func (r *Registry) onlineCountLocked() int {
	count := 0
	for _, d := range r.devices {
		if d.Online {
			count++
		}
	}
	return count
}

// LLMDeviceView is a structured per-device view suitable for injecting into
// LLM context.
type LLMDeviceView struct {
	NodeID       string            `json:"node_id"`
	Name         string            `json:"name"`
	DeviceType   string            `json:"device_type"`
	Online       bool              `json:"online"`
	Capabilities []LLMCapabilityView `json:"capabilities"`
	CurrentState map[string]any    `json:"current_state"`
}

// LLMCapabilityView is a capability summary within LLMDeviceView.
type LLMCapabilityView struct {
	Name     string   `json:"name"`
	Type     CapabilityType `json:"type"`
	DataType DataType `json:"data_type"`
	Unit     string   `json:"unit"`
}

// ToLLMView returns a structured list suitable for LLM context injection.
func (r *Registry) ToLLMView() []LLMDeviceView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]LLMDeviceView, 0, len(r.devices))
	for _, d := range r.devices {
		caps := make([]LLMCapabilityView, len(d.Capabilities))
		for i, c := range d.Capabilities {
			caps[i] = LLMCapabilityView{Name: c.Name, Type: c.CapType, DataType: c.DataType, Unit: c.Unit}
		}
		out = append(out, LLMDeviceView{
			NodeID:       d.NodeID,
			Name:         d.Name,
			DeviceType:   d.DeviceType,
			Online:       d.Online,
			Capabilities: caps,
			CurrentState: cloneMap(d.State),
		})
	}
	return out
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func unixToTime(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
