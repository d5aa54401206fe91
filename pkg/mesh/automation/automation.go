// Package automation implements a basic rules engine for device
// state-driven actions. Rules are evaluated synchronously when a device's
// state changes; dispatch of the resulting commands is left to the caller.
package automation

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
	"github.com/meshcore/hub/pkg/mesh/commands"
	"github.com/meshcore/hub/pkg/mesh/registry"
)

// ComparisonOp is an operator for condition evaluation.
type ComparisonOp string

const (
	OpEQ ComparisonOp = "eq"
	OpNE ComparisonOp = "ne"
	OpGT ComparisonOp = "gt"
	OpGE ComparisonOp = "ge"
	OpLT ComparisonOp = "lt"
	OpLE ComparisonOp = "le"
)

var validOps = map[ComparisonOp]struct{}{OpEQ: {}, OpNE: {}, OpGT: {}, OpGE: {}, OpLT: {}, OpLE: {}}

// Condition compares a device capability's current value to a threshold.
type Condition struct {
	DeviceID   string `json:"device_id"`
	Capability string `json:"capability"`
	Operator   ComparisonOp `json:"operator"`
	Value      any    `json:"value"`
}

// RuleAction produces a DeviceCommand when a rule fires.
type RuleAction struct {
	DeviceID   string            `json:"device_id"`
	Capability string            `json:"capability"`
	Action     commands.Action   `json:"action"`
	Params     map[string]any    `json:"params,omitempty"`
}

// ToCommand converts a RuleAction into a DeviceCommand.
func (a RuleAction) ToCommand() commands.DeviceCommand {
	params := make(map[string]any, len(a.Params))
	for k, v := range a.Params {
		params[k] = v
	}
	action := a.Action
	if action == "" {
		action = commands.Set
	}
	return commands.DeviceCommand{
		Device:     a.DeviceID,
		Action:     action,
		Capability: a.Capability,
		Params:     params,
	}
}

// Rule is a complete automation rule. All conditions must hold (AND logic)
// for its actions to fire, subject to cooldown.
type Rule struct {
	RuleID          string       `json:"rule_id"`
	Name            string       `json:"name"`
	Description     string       `json:"description,omitempty"`
	Enabled         bool         `json:"enabled"`
	Conditions      []Condition  `json:"conditions"`
	Actions         []RuleAction `json:"actions"`
	CooldownSeconds int          `json:"cooldown_seconds"`
	LastTriggered   float64      `json:"last_triggered"`
}

// TriggerDeviceIDs returns the set of device IDs referenced in conditions.
func (r *Rule) TriggerDeviceIDs() map[string]struct{} {
	out := make(map[string]struct{}, len(r.Conditions))
	for _, c := range r.Conditions {
		out[c.DeviceID] = struct{}{}
	}
	return out
}

// -- validation ---------------------------------------------------------

// ValidateRule checks a rule against the device registry. Returns a list
// of error strings; empty means valid.
func ValidateRule(rule *Rule, reg *registry.Registry) []string {
	var errs []string

	if rule.RuleID == "" {
		errs = append(errs, "rule must have a non-empty rule_id")
	}
	if len(rule.Conditions) == 0 {
		errs = append(errs, "rule must have at least one condition")
	}
	if len(rule.Actions) == 0 {
		errs = append(errs, "rule must have at least one action")
	}

	for i, cond := range rule.Conditions {
		prefix := fmt.Sprintf("condition[%d]", i)
		if _, ok := validOps[cond.Operator]; !ok {
			errs = append(errs, fmt.Sprintf("%s: unknown operator %q", prefix, cond.Operator))
		}
		device, ok := reg.GetDevice(cond.DeviceID)
		if !ok {
			errs = append(errs, fmt.Sprintf("%s: device %q not found in registry", prefix, cond.DeviceID))
		} else if _, found := device.GetCapability(cond.Capability); !found {
			errs = append(errs, fmt.Sprintf("%s: device %q has no capability %q. available: %v",
				prefix, cond.DeviceID, cond.Capability, device.CapabilityNames()))
		}
	}

	for i, act := range rule.Actions {
		prefix := fmt.Sprintf("action[%d]", i)
		device, ok := reg.GetDevice(act.DeviceID)
		if !ok {
			errs = append(errs, fmt.Sprintf("%s: device %q not found in registry", prefix, act.DeviceID))
		} else if _, found := device.GetCapability(act.Capability); !found {
			errs = append(errs, fmt.Sprintf("%s: device %q has no capability %q. available: %v",
				prefix, act.DeviceID, act.Capability, device.CapabilityNames()))
		}
	}

	if rule.CooldownSeconds < 0 {
		errs = append(errs, fmt.Sprintf("cooldown must be non-negative, got %d", rule.CooldownSeconds))
	}

	return errs
}

// -- engine ---------------------------------------------------------------

// Engine evaluates automation rules when device state changes. Evaluation
// is synchronous and pure; dispatch of the returned commands is left to the
// caller.
type Engine struct {
	registry *registry.Registry
	path     string
	log      *logger.Logger

	mu          sync.Mutex
	rules       map[string]*Rule
	deviceIndex map[string]map[string]struct{} // device_id -> {rule_id}
}

// New constructs an Engine persisted at path.
func New(reg *registry.Registry, path string) *Engine {
	return &Engine{
		registry:    reg,
		path:        path,
		rules:       make(map[string]*Rule),
		deviceIndex: make(map[string]map[string]struct{}),
		log:         logger.Get().WithComponent("automation"),
	}
}

type persistedFile struct {
	Version   int     `json:"version"`
	UpdatedAt float64 `json:"updated_at"`
	Rules     []*Rule `json:"rules"`
}

// Load reads rules from disk. A missing or empty file leaves the rule set
// empty.
func (e *Engine) Load() error {
	data, err := os.ReadFile(e.path)
	if err != nil {
		if os.IsNotExist(err) {
			e.log.Debug("no automation rules file, starting with none", "path", e.path)
			return nil
		}
		return fmt.Errorf("read automation rules: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}

	var file persistedFile
	if err := json.Unmarshal(data, &file); err != nil {
		e.log.Error("failed to parse automation rules", err, "path", e.path)
		return fmt.Errorf("parse automation rules: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rule := range file.Rules {
		if rule.RuleID == "" {
			e.log.Warn("skipping malformed automation rule")
			continue
		}
		e.rules[rule.RuleID] = rule
		e.indexRuleLocked(rule)
	}
	e.log.Info("loaded automation rules", "count", len(e.rules))
	return nil
}

func (e *Engine) save() error {
	e.mu.Lock()
	rules := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		rules = append(rules, r)
	}
	e.mu.Unlock()

	sort.Slice(rules, func(i, j int) bool { return rules[i].RuleID < rules[j].RuleID })

	file := persistedFile{
		Version:   1,
		UpdatedAt: nowUnix(),
		Rules:     rules,
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal automation rules: %w", err)
	}

	if dir := filepath.Dir(e.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create automation rules dir: %w", err)
		}
	}
	tmp := e.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write automation rules temp file: %w", err)
	}
	return os.Rename(tmp, e.path)
}

func (e *Engine) indexRuleLocked(rule *Rule) {
	for deviceID := range rule.TriggerDeviceIDs() {
		set, ok := e.deviceIndex[deviceID]
		if !ok {
			set = make(map[string]struct{})
			e.deviceIndex[deviceID] = set
		}
		set[rule.RuleID] = struct{}{}
	}
}

func (e *Engine) unindexRuleLocked(rule *Rule) {
	for deviceID := range rule.TriggerDeviceIDs() {
		set, ok := e.deviceIndex[deviceID]
		if !ok {
			continue
		}
		delete(set, rule.RuleID)
		if len(set) == 0 {
			delete(e.deviceIndex, deviceID)
		}
	}
}

// AddRule adds a new rule. Returns an error if a rule with the same ID
// already exists.
func (e *Engine) AddRule(rule *Rule) error {
	e.mu.Lock()
	if _, exists := e.rules[rule.RuleID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("rule %q already exists", rule.RuleID)
	}
	e.rules[rule.RuleID] = rule
	e.indexRuleLocked(rule)
	e.mu.Unlock()

	if err := e.save(); err != nil {
		e.log.Error("failed to save automation rules", err)
	}
	e.log.Info("added automation rule", "rule_id", rule.RuleID, "name", rule.Name)
	return nil
}

// RemoveRule removes a rule. Returns true if it existed.
func (e *Engine) RemoveRule(ruleID string) bool {
	e.mu.Lock()
	rule, found := e.rules[ruleID]
	if found {
		delete(e.rules, ruleID)
		e.unindexRuleLocked(rule)
	}
	e.mu.Unlock()

	if !found {
		return false
	}
	if err := e.save(); err != nil {
		e.log.Error("failed to save automation rules", err)
	}
	e.log.Info("removed automation rule", "rule_id", ruleID)
	return true
}

// GetRule looks up a rule by ID.
func (e *Engine) GetRule(ruleID string) (*Rule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[ruleID]
	return r, ok
}

// ListRules returns all rules.
func (e *Engine) ListRules() []*Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	return out
}

// SetEnabled enables or disables a rule. Returns true if the rule exists.
func (e *Engine) SetEnabled(ruleID string, enabled bool) bool {
	e.mu.Lock()
	rule, found := e.rules[ruleID]
	if found {
		rule.Enabled = enabled
	}
	e.mu.Unlock()

	if !found {
		return false
	}
	if err := e.save(); err != nil {
		e.log.Error("failed to save automation rules", err)
	}
	return true
}

// RuleCount returns the number of rules.
func (e *Engine) RuleCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.rules)
}

// -- evaluation ----------------------------------------------------------

// Evaluate evaluates all rules triggered by a device state change and
// returns the DeviceCommands that should be dispatched. Cooldown is
// stamped on the rule before returning the commands, so a concurrent
// evaluation cannot double-fire within the same window.
func (e *Engine) Evaluate(triggerDeviceID string) []commands.DeviceCommand {
	return e.evaluateAt(triggerDeviceID, time.Now())
}

func (e *Engine) evaluateAt(triggerDeviceID string, now time.Time) []commands.DeviceCommand {
	nowSec := float64(now.UnixNano()) / 1e9
	var result []commands.DeviceCommand

	e.mu.Lock()
	ruleIDs := e.deviceIndex[triggerDeviceID]
	candidates := make([]*Rule, 0, len(ruleIDs))
	for id := range ruleIDs {
		if r, ok := e.rules[id]; ok {
			candidates = append(candidates, r)
		}
	}
	e.mu.Unlock()

	for _, rule := range candidates {
		if !rule.Enabled {
			continue
		}
		e.mu.Lock()
		cooldownOK := checkCooldown(rule, nowSec)
		e.mu.Unlock()
		if !cooldownOK {
			continue
		}

		if !e.evaluateConditions(rule) {
			continue
		}

		e.mu.Lock()
		rule.LastTriggered = nowSec
		e.mu.Unlock()

		e.log.Info("automation rule fired", "rule_id", rule.RuleID, "name", rule.Name, "trigger_device", triggerDeviceID)
		for _, act := range rule.Actions {
			result = append(result, act.ToCommand())
		}
	}

	if len(result) > 0 {
		if err := e.save(); err != nil {
			e.log.Error("failed to save automation rules after trigger", err)
		}
	}
	return result
}

func checkCooldown(rule *Rule, nowSec float64) bool {
	if rule.LastTriggered == 0 {
		return true
	}
	return (nowSec - rule.LastTriggered) >= float64(rule.CooldownSeconds)
}

func (e *Engine) evaluateConditions(rule *Rule) bool {
	for _, cond := range rule.Conditions {
		if !e.checkCondition(cond) {
			return false
		}
	}
	return true
}

func (e *Engine) checkCondition(cond Condition) bool {
	device, ok := e.registry.GetDevice(cond.DeviceID)
	if !ok {
		return false
	}
	current, ok := device.State[cond.Capability]
	if !ok || current == nil {
		return false
	}
	return compareValues(current, cond.Operator, cond.Value)
}

// compareValues evaluates a comparison between two dynamically-typed
// values. Incompatible operand types (e.g. comparing a string to a number
// with gt/lt) are treated as a non-match rather than an error, mirroring
// the no-exception-on-type-mismatch contract.
func compareValues(current any, op ComparisonOp, target any) bool {
	switch op {
	case OpEQ:
		return valuesEqual(current, target)
	case OpNE:
		return !valuesEqual(current, target)
	}

	a, aOK := toFloat(current)
	b, bOK := toFloat(target)
	if !aOK || !bOK {
		return false
	}
	switch op {
	case OpGT:
		return a > b
	case OpGE:
		return a >= b
	case OpLT:
		return a < b
	case OpLE:
		return a <= b
	default:
		return false
	}
}

func valuesEqual(a, b any) bool {
	af, aOK := toFloat(a)
	bf, bOK := toFloat(b)
	if aOK && bOK {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// -- LLM context ---------------------------------------------------------

// DescribeRules generates a human-readable summary of enabled rules,
// suitable for LLM context injection.
func (e *Engine) DescribeRules() string {
	e.mu.Lock()
	rules := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		if r.Enabled {
			rules = append(rules, r)
		}
	}
	e.mu.Unlock()

	if len(rules) == 0 {
		return "No active automation rules."
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].RuleID < rules[j].RuleID })

	lines := []string{fmt.Sprintf("Active automation rules (%d):", len(rules))}
	for _, r := range rules {
		condParts := make([]string, len(r.Conditions))
		for i, c := range r.Conditions {
			condParts[i] = fmt.Sprintf("%s.%s %s %v", c.DeviceID, c.Capability, c.Operator, c.Value)
		}
		actionParts := make([]string, len(r.Actions))
		for i, a := range r.Actions {
			paramsStr := ""
			if len(a.Params) > 0 {
				paramsStr = fmt.Sprintf(" %v", a.Params)
			}
			actionParts[i] = fmt.Sprintf("%s %s.%s%s", a.Action, a.DeviceID, a.Capability, paramsStr)
		}

		status := ""
		if r.LastTriggered > 0 {
			ago := int(nowUnix() - r.LastTriggered)
			switch {
			case ago < 60:
				status = fmt.Sprintf(" (last fired %ds ago)", ago)
			case ago < 3600:
				status = fmt.Sprintf(" (last fired %dmin ago)", ago/60)
			default:
				status = fmt.Sprintf(" (last fired %dh ago)", ago/3600)
			}
		}
		lines = append(lines, fmt.Sprintf("  - [%s] %q: IF %s THEN %s (cooldown: %ds)%s",
			r.RuleID, r.Name, strings.Join(condParts, " AND "), strings.Join(actionParts, ", "), r.CooldownSeconds, status))
	}
	return strings.Join(lines, "\n")
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
