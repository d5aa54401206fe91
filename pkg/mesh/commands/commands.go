// Package commands defines the standardized device command schema and
// validation. Commands are checked against the device registry to ensure
// the target device exists, has the referenced capability, and the
// provided value is within the allowed range/type before being dispatched.
package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/meshcore/hub/pkg/mesh/protocol"
	"github.com/meshcore/hub/pkg/mesh/registry"
)

// Action is a supported command action.
type Action string

const (
	Set     Action = "set"
	Get     Action = "get"
	Toggle  Action = "toggle"
	Execute Action = "execute"
)

var validActions = map[Action]struct{}{Set: {}, Get: {}, Toggle: {}, Execute: {}}

// Status is a command response status code.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// DeviceCommand is a command to be sent to a device.
type DeviceCommand struct {
	Device     string         `json:"device"`
	Action     Action         `json:"action"`
	Capability string         `json:"capability,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
}

// ToMap renders the command as a payload map, omitting empty fields.
func (c DeviceCommand) ToMap() map[string]any {
	m := map[string]any{
		"device": c.Device,
		"action": string(c.Action),
	}
	if c.Capability != "" {
		m["capability"] = c.Capability
	}
	if len(c.Params) > 0 {
		m["params"] = c.Params
	}
	return m
}

// CommandFromMap parses a DeviceCommand out of a raw payload map.
func CommandFromMap(m map[string]any) DeviceCommand {
	cmd := DeviceCommand{
		Device: stringField(m, "device"),
		Action: Action(stringField(m, "action")),
		Capability: stringField(m, "capability"),
	}
	if params, ok := m["params"].(map[string]any); ok {
		cmd.Params = params
	}
	return cmd
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// CommandResponse is a device's response to an executed command.
type CommandResponse struct {
	Device     string
	Status     Status
	Capability string
	Value      any
	Error      string
}

// ToMap renders the response as a payload map, omitting empty fields.
func (r CommandResponse) ToMap() map[string]any {
	m := map[string]any{
		"device": r.Device,
		"status": string(r.Status),
	}
	if r.Capability != "" {
		m["capability"] = r.Capability
	}
	if r.Value != nil {
		m["value"] = r.Value
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	return m
}

// ResponseFromMap parses a CommandResponse out of a raw payload map.
func ResponseFromMap(m map[string]any) CommandResponse {
	status := Status(stringField(m, "status"))
	if status == "" {
		status = StatusError
	}
	return CommandResponse{
		Device:     stringField(m, "device"),
		Status:     status,
		Capability: stringField(m, "capability"),
		Value:      m["value"],
		Error:      stringField(m, "error"),
	}
}

// IsOK reports whether the response indicates success.
func (r CommandResponse) IsOK() bool { return r.Status == StatusOK }

// BatchCommand is a batch of commands to execute, optionally stopping at
// the first failure.
type BatchCommand struct {
	Commands    []DeviceCommand
	StopOnError bool
}

// -- validation ---------------------------------------------------------

// Validate checks a command against the device registry. Returns a list
// of error strings; an empty slice means the command is valid.
func Validate(cmd DeviceCommand, reg *registry.Registry) []string {
	var errs []string

	if _, ok := validActions[cmd.Action]; !ok {
		names := make([]string, 0, len(validActions))
		for a := range validActions {
			names = append(names, string(a))
		}
		sort.Strings(names)
		errs = append(errs, fmt.Sprintf("unknown action %q. valid: %v", cmd.Action, names))
	}

	device, ok := reg.GetDevice(cmd.Device)
	if !ok {
		errs = append(errs, fmt.Sprintf("device %q not found in registry", cmd.Device))
		return errs
	}

	if !device.Online {
		errs = append(errs, fmt.Sprintf("device %q is offline", cmd.Device))
	}

	if cmd.Capability != "" {
		cap, found := device.GetCapability(cmd.Capability)
		if !found {
			errs = append(errs, fmt.Sprintf("device %q has no capability %q. available: %v",
				cmd.Device, cmd.Capability, device.CapabilityNames()))
			return errs
		}

		if cmd.Action == Set && cap.CapType == registry.Sensor {
			errs = append(errs, fmt.Sprintf("cannot 'set' a sensor capability %q. use 'get' instead.", cmd.Capability))
		}
		if cmd.Action == Toggle && cap.DataType != registry.TypeBool {
			errs = append(errs, fmt.Sprintf("cannot 'toggle' non-boolean capability %q (data_type=%s)", cmd.Capability, cap.DataType))
		}
		if cmd.Action == Set {
			if value, hasValue := cmd.Params["value"]; hasValue {
				errs = append(errs, validateValue(value, cap)...)
			}
		}
	} else if cmd.Action != Execute {
		errs = append(errs, "missing 'capability' field (required for set/get/toggle)")
	}

	return errs
}

func validateValue(value any, cap registry.Capability) []string {
	var errs []string

	switch cap.DataType {
	case registry.TypeBool:
		if _, ok := value.(bool); !ok {
			errs = append(errs, fmt.Sprintf("value for %q must be bool, got %T", cap.Name, value))
		}
	case registry.TypeInt:
		if !isIntLike(value) {
			errs = append(errs, fmt.Sprintf("value for %q must be int, got %T", cap.Name, value))
		}
	case registry.TypeFloat:
		if !isNumeric(value) {
			errs = append(errs, fmt.Sprintf("value for %q must be float, got %T", cap.Name, value))
		}
	case registry.TypeString:
		if _, ok := value.(string); !ok {
			errs = append(errs, fmt.Sprintf("value for %q must be string, got %T", cap.Name, value))
		}
	case registry.TypeEnum:
		if !containsString(cap.EnumValues, value) {
			errs = append(errs, fmt.Sprintf("value %v not in allowed values for %q: %v", value, cap.Name, cap.EnumValues))
		}
	}

	if cap.ValueRange != nil && isNumeric(value) {
		n := toFloat(value)
		if n < cap.ValueRange.Min || n > cap.ValueRange.Max {
			errs = append(errs, fmt.Sprintf("value %v for %q out of range [%v, %v]", value, cap.Name, cap.ValueRange.Min, cap.ValueRange.Max))
		}
	}
	return errs
}

func isIntLike(v any) bool {
	switch n := v.(type) {
	case int, int32, int64:
		return true
	case float64:
		return n == float64(int64(n))
	default:
		return false
	}
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64:
		return true
	default:
		return false
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}

func containsString(values []string, v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	for _, candidate := range values {
		if candidate == s {
			return true
		}
	}
	return false
}

// -- envelope conversion --------------------------------------------------

// ToEnvelope converts a DeviceCommand into a COMMAND envelope.
func ToEnvelope(cmd DeviceCommand, source string) protocol.Envelope {
	return protocol.New(protocol.Command, source, cmd.Device, cmd.ToMap())
}

// FromEnvelope extracts a DeviceCommand from a COMMAND envelope's payload.
func FromEnvelope(env protocol.Envelope) (DeviceCommand, bool) {
	if env.Type != protocol.Command {
		return DeviceCommand{}, false
	}
	return CommandFromMap(env.Payload), true
}

// ResponseToEnvelope converts a CommandResponse into a RESPONSE envelope.
func ResponseToEnvelope(resp CommandResponse, source, target string) protocol.Envelope {
	return protocol.New(protocol.Response, source, target, resp.ToMap())
}

// ResponseFromEnvelope extracts a CommandResponse from a RESPONSE
// envelope's payload.
func ResponseFromEnvelope(env protocol.Envelope) (CommandResponse, bool) {
	if env.Type != protocol.Response {
		return CommandResponse{}, false
	}
	return ResponseFromMap(env.Payload), true
}

// -- LLM context helper ----------------------------------------------------

// DescribeDeviceCommands generates a markdown description of available
// device commands, suitable for injection into LLM context.
func DescribeDeviceCommands(reg *registry.Registry) string {
	devices := reg.GetAllDevices()
	if len(devices) == 0 {
		return "No devices available for commands."
	}

	var b strings.Builder
	b.WriteString("## Available Device Commands\n\n")
	b.WriteString("To control a device, output a JSON command block:\n")
	b.WriteString("```json\n")
	b.WriteString(`{"device": "<node_id>", "action": "<set|get|toggle>", "capability": "<name>", "params": {"value": <val>}}`)
	b.WriteString("\n```\n\n### Devices and Capabilities:\n\n")

	for _, d := range devices {
		status := "OFFLINE"
		if d.Online {
			status = "ONLINE"
		}
		fmt.Fprintf(&b, "**%s** (`%s`, %s) [%s]\n", d.Name, d.NodeID, d.DeviceType, status)
		if len(d.Capabilities) == 0 {
			b.WriteString("  - No capabilities registered\n")
		}
		for _, cap := range d.Capabilities {
			parts := []string{fmt.Sprintf("  - `%s` (%s)", cap.Name, cap.CapType)}
			switch {
			case cap.DataType == registry.TypeBool:
				parts = append(parts, "— true/false")
			case cap.DataType == registry.TypeEnum:
				parts = append(parts, fmt.Sprintf("— one of: %v", cap.EnumValues))
			case cap.ValueRange != nil:
				unit := ""
				if cap.Unit != "" {
					unit = " " + cap.Unit
				}
				parts = append(parts, fmt.Sprintf("— %v–%v%s", cap.ValueRange.Min, cap.ValueRange.Max, unit))
			case cap.Unit != "":
				parts = append(parts, "— "+cap.Unit)
			}
			if current, ok := d.State[cap.Name]; ok && current != nil {
				parts = append(parts, fmt.Sprintf("[current: %v]", current))
			}
			b.WriteString(strings.Join(parts, " "))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("### Action Reference:\n")
	b.WriteString("- `set`: Set a value — `{\"action\": \"set\", \"capability\": \"brightness\", \"params\": {\"value\": 80}}`\n")
	b.WriteString("- `get`: Query value — `{\"action\": \"get\", \"capability\": \"temperature\"}`\n")
	b.WriteString("- `toggle`: Toggle boolean — `{\"action\": \"toggle\", \"capability\": \"power\"}`\n")
	b.WriteString("- `execute`: Custom action — `{\"action\": \"execute\", \"params\": {...}}`\n")

	return b.String()
}
