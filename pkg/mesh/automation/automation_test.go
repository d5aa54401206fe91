package automation

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/meshcore/hub/pkg/mesh/registry"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(filepath.Join(t.TempDir(), "registry.json"))
	reg.RegisterDevice("sensor-01", "temperature_sensor", registry.RegisterOptions{
		Name: "Living Room Sensor",
		Capabilities: []registry.Capability{
			{Name: "temperature", CapType: registry.Sensor, DataType: registry.TypeFloat, Unit: "C"},
		},
	})
	reg.RegisterDevice("light-01", "smart_light", registry.RegisterOptions{
		Name: "Kitchen Light",
		Capabilities: []registry.Capability{
			{Name: "power", CapType: registry.Actuator, DataType: registry.TypeBool},
		},
	})
	reg.MarkOnline("sensor-01")
	reg.MarkOnline("light-01")
	return reg
}

func tempAboveThirtyRule() *Rule {
	return &Rule{
		RuleID:  "temp-ac",
		Name:    "Cool when hot",
		Enabled: true,
		Conditions: []Condition{
			{DeviceID: "sensor-01", Capability: "temperature", Operator: OpGT, Value: 30.0},
		},
		Actions: []RuleAction{
			{DeviceID: "light-01", Capability: "power", Action: "set", Params: map[string]any{"value": true}},
		},
		CooldownSeconds: 60,
	}
}

func TestValidateRuleRequiresIDConditionsActions(t *testing.T) {
	reg := newTestRegistry(t)
	errs := ValidateRule(&Rule{}, reg)
	if len(errs) < 3 {
		t.Fatalf("expected at least 3 errors, got %v", errs)
	}
}

func TestValidateRuleUnknownDeviceAndCapability(t *testing.T) {
	reg := newTestRegistry(t)
	rule := &Rule{
		RuleID:     "r1",
		Conditions: []Condition{{DeviceID: "ghost", Capability: "x", Operator: OpEQ, Value: 1}},
		Actions:    []RuleAction{{DeviceID: "light-01", Capability: "nope", Action: "set"}},
	}
	errs := ValidateRule(rule, reg)
	if len(errs) < 2 {
		t.Fatalf("expected errors for unknown device and capability, got %v", errs)
	}
}

func TestValidateRuleValid(t *testing.T) {
	reg := newTestRegistry(t)
	errs := ValidateRule(tempAboveThirtyRule(), reg)
	if len(errs) != 0 {
		t.Fatalf("expected valid rule, got %v", errs)
	}
}

func TestEvaluateFiresWhenConditionMet(t *testing.T) {
	reg := newTestRegistry(t)
	reg.UpdateState("sensor-01", map[string]any{"temperature": 35.0})

	engine := New(reg, filepath.Join(t.TempDir(), "rules.json"))
	if err := engine.AddRule(tempAboveThirtyRule()); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	cmds := engine.Evaluate("sensor-01")
	if len(cmds) != 1 {
		t.Fatalf("expected 1 command, got %d", len(cmds))
	}
	if cmds[0].Device != "light-01" || cmds[0].Capability != "power" {
		t.Fatalf("unexpected command: %+v", cmds[0])
	}
}

func TestEvaluateDoesNotFireWhenConditionUnmet(t *testing.T) {
	reg := newTestRegistry(t)
	reg.UpdateState("sensor-01", map[string]any{"temperature": 20.0})

	engine := New(reg, filepath.Join(t.TempDir(), "rules.json"))
	engine.AddRule(tempAboveThirtyRule())

	cmds := engine.Evaluate("sensor-01")
	if len(cmds) != 0 {
		t.Fatalf("expected no commands, got %d", len(cmds))
	}
}

func TestEvaluateRespectsCooldown(t *testing.T) {
	reg := newTestRegistry(t)
	reg.UpdateState("sensor-01", map[string]any{"temperature": 35.0})

	engine := New(reg, filepath.Join(t.TempDir(), "rules.json"))
	rule := tempAboveThirtyRule()
	rule.CooldownSeconds = 3600
	engine.AddRule(rule)

	first := engine.Evaluate("sensor-01")
	second := engine.Evaluate("sensor-01")
	if len(first) != 1 {
		t.Fatalf("expected first evaluation to fire, got %d", len(first))
	}
	if len(second) != 0 {
		t.Fatalf("expected second evaluation to be suppressed by cooldown, got %d", len(second))
	}
}

func TestEvaluateUnrelatedDeviceDoesNothing(t *testing.T) {
	reg := newTestRegistry(t)
	engine := New(reg, filepath.Join(t.TempDir(), "rules.json"))
	engine.AddRule(tempAboveThirtyRule())

	cmds := engine.Evaluate("light-01")
	if len(cmds) != 0 {
		t.Fatalf("expected no commands for unrelated trigger device, got %d", len(cmds))
	}
}

func TestEvaluateDisabledRuleDoesNotFire(t *testing.T) {
	reg := newTestRegistry(t)
	reg.UpdateState("sensor-01", map[string]any{"temperature": 35.0})

	engine := New(reg, filepath.Join(t.TempDir(), "rules.json"))
	rule := tempAboveThirtyRule()
	rule.Enabled = false
	engine.AddRule(rule)

	if len(engine.Evaluate("sensor-01")) != 0 {
		t.Fatal("expected disabled rule not to fire")
	}
}

func TestCompareValuesTypeMismatchIsNoMatchNotPanic(t *testing.T) {
	if compareValues("hot", OpGT, 30.0) {
		t.Fatal("expected type-mismatched comparison to evaluate false")
	}
}

func TestRemoveRule(t *testing.T) {
	reg := newTestRegistry(t)
	engine := New(reg, filepath.Join(t.TempDir(), "rules.json"))
	engine.AddRule(tempAboveThirtyRule())

	if !engine.RemoveRule("temp-ac") {
		t.Fatal("expected removal to report true")
	}
	if engine.RemoveRule("temp-ac") {
		t.Fatal("expected second removal to report false")
	}
	if engine.RuleCount() != 0 {
		t.Fatalf("expected 0 rules, got %d", engine.RuleCount())
	}
}

func TestLoadRoundTrip(t *testing.T) {
	reg := newTestRegistry(t)
	path := filepath.Join(t.TempDir(), "rules.json")

	e1 := New(reg, path)
	e1.AddRule(tempAboveThirtyRule())

	e2 := New(reg, path)
	if err := e2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if e2.RuleCount() != 1 {
		t.Fatalf("expected 1 rule after reload, got %d", e2.RuleCount())
	}
	rule, ok := e2.GetRule("temp-ac")
	if !ok || rule.Name != "Cool when hot" {
		t.Fatalf("unexpected reloaded rule: %+v", rule)
	}
}

func TestDescribeRulesWithNoneActive(t *testing.T) {
	reg := newTestRegistry(t)
	engine := New(reg, filepath.Join(t.TempDir(), "rules.json"))
	if got := engine.DescribeRules(); got != "No active automation rules." {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestDescribeRulesIncludesFiredStatus(t *testing.T) {
	reg := newTestRegistry(t)
	reg.UpdateState("sensor-01", map[string]any{"temperature": 35.0})

	engine := New(reg, filepath.Join(t.TempDir(), "rules.json"))
	engine.AddRule(tempAboveThirtyRule())
	engine.Evaluate("sensor-01")
	time.Sleep(10 * time.Millisecond)

	desc := engine.DescribeRules()
	if desc == "" || desc == "No active automation rules." {
		t.Fatalf("expected description of active rule, got %q", desc)
	}
}
