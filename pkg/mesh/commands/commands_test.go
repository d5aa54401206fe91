package commands

import (
	"path/filepath"
	"testing"

	"github.com/meshcore/hub/pkg/mesh/registry"
)

func newRegistryWithLamp(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(filepath.Join(t.TempDir(), "registry.json"))
	reg.RegisterDevice("lamp-1", "smart-lamp", registry.RegisterOptions{
		Name: "Lamp",
		Capabilities: []registry.Capability{
			{Name: "power", CapType: registry.Actuator, DataType: registry.TypeBool},
			{Name: "brightness", CapType: registry.Actuator, DataType: registry.TypeInt,
				ValueRange: &registry.ValueRange{Min: 0, Max: 100}},
			{Name: "temperature", CapType: registry.Sensor, DataType: registry.TypeFloat},
			{Name: "mode", CapType: registry.Property, DataType: registry.TypeEnum,
				EnumValues: []string{"auto", "manual"}},
		},
	})
	reg.MarkOnline("lamp-1")
	return reg
}

func TestValidateUnknownAction(t *testing.T) {
	reg := newRegistryWithLamp(t)
	errs := Validate(DeviceCommand{Device: "lamp-1", Action: "bogus", Capability: "power"}, reg)
	if len(errs) == 0 {
		t.Fatal("expected error for unknown action")
	}
}

func TestValidateUnknownDevice(t *testing.T) {
	reg := newRegistryWithLamp(t)
	errs := Validate(DeviceCommand{Device: "ghost", Action: Get, Capability: "power"}, reg)
	if len(errs) != 1 {
		t.Fatalf("expected exactly one error, got %v", errs)
	}
}

func TestValidateOfflineDeviceWarns(t *testing.T) {
	reg := newRegistryWithLamp(t)
	reg.MarkOffline("lamp-1")
	errs := Validate(DeviceCommand{Device: "lamp-1", Action: Get, Capability: "power"}, reg)
	if len(errs) != 1 {
		t.Fatalf("expected offline warning, got %v", errs)
	}
}

func TestValidateUnknownCapability(t *testing.T) {
	reg := newRegistryWithLamp(t)
	errs := Validate(DeviceCommand{Device: "lamp-1", Action: Get, Capability: "nope"}, reg)
	if len(errs) != 1 {
		t.Fatalf("expected capability error, got %v", errs)
	}
}

func TestValidateSetOnSensorRejected(t *testing.T) {
	reg := newRegistryWithLamp(t)
	errs := Validate(DeviceCommand{Device: "lamp-1", Action: Set, Capability: "temperature",
		Params: map[string]any{"value": 22.0}}, reg)
	if len(errs) == 0 {
		t.Fatal("expected error setting a sensor capability")
	}
}

func TestValidateToggleNonBoolRejected(t *testing.T) {
	reg := newRegistryWithLamp(t)
	errs := Validate(DeviceCommand{Device: "lamp-1", Action: Toggle, Capability: "brightness"}, reg)
	if len(errs) == 0 {
		t.Fatal("expected error toggling a non-bool capability")
	}
}

func TestValidateSetValueOutOfRange(t *testing.T) {
	reg := newRegistryWithLamp(t)
	errs := Validate(DeviceCommand{Device: "lamp-1", Action: Set, Capability: "brightness",
		Params: map[string]any{"value": 150.0}}, reg)
	if len(errs) == 0 {
		t.Fatal("expected out-of-range error")
	}
}

func TestValidateSetValueInRangeIsValid(t *testing.T) {
	reg := newRegistryWithLamp(t)
	errs := Validate(DeviceCommand{Device: "lamp-1", Action: Set, Capability: "brightness",
		Params: map[string]any{"value": 50.0}}, reg)
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}

func TestValidateEnumRejectsUnknownValue(t *testing.T) {
	reg := newRegistryWithLamp(t)
	errs := Validate(DeviceCommand{Device: "lamp-1", Action: Set, Capability: "mode",
		Params: map[string]any{"value": "turbo"}}, reg)
	if len(errs) == 0 {
		t.Fatal("expected enum validation error")
	}
}

func TestValidateMissingCapabilityForNonExecute(t *testing.T) {
	reg := newRegistryWithLamp(t)
	errs := Validate(DeviceCommand{Device: "lamp-1", Action: Get}, reg)
	if len(errs) != 1 {
		t.Fatalf("expected missing-capability error, got %v", errs)
	}
}

func TestValidateExecuteWithoutCapabilityIsOK(t *testing.T) {
	reg := newRegistryWithLamp(t)
	errs := Validate(DeviceCommand{Device: "lamp-1", Action: Execute, Params: map[string]any{"fn": "reboot"}}, reg)
	if len(errs) != 0 {
		t.Fatalf("expected no errors for execute without capability, got %v", errs)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	cmd := DeviceCommand{Device: "lamp-1", Action: Set, Capability: "power", Params: map[string]any{"value": true}}
	env := ToEnvelope(cmd, "hub")

	parsed, ok := FromEnvelope(env)
	if !ok {
		t.Fatal("expected to parse command from envelope")
	}
	if parsed.Device != "lamp-1" || parsed.Action != Set || parsed.Capability != "power" {
		t.Fatalf("unexpected round-tripped command: %+v", parsed)
	}
}

func TestResponseEnvelopeRoundTrip(t *testing.T) {
	resp := CommandResponse{Device: "lamp-1", Status: StatusOK, Capability: "power", Value: true}
	env := ResponseToEnvelope(resp, "lamp-1", "hub")

	parsed, ok := ResponseFromEnvelope(env)
	if !ok {
		t.Fatal("expected to parse response from envelope")
	}
	if !parsed.IsOK() || parsed.Value != true {
		t.Fatalf("unexpected round-tripped response: %+v", parsed)
	}
}

func TestDescribeDeviceCommandsWithNoDevices(t *testing.T) {
	reg := registry.New(filepath.Join(t.TempDir(), "registry.json"))
	if got := DescribeDeviceCommands(reg); got != "No devices available for commands." {
		t.Fatalf("unexpected description: %q", got)
	}
}

func TestDescribeDeviceCommandsIncludesCapabilities(t *testing.T) {
	reg := newRegistryWithLamp(t)
	desc := DescribeDeviceCommands(reg)
	if desc == "" {
		t.Fatal("expected non-empty description")
	}
}
