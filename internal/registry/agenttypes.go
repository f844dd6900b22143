package registry

import (
	"fmt"
	"sort"

	"github.com/agentgrid/backend/internal/core"
)

// ============================================================================
// AGENT TYPE DEFINITIONS
// ============================================================================

// PublishAgentType validates and publishes a definition. Every required
// skill key must resolve to a CERTIFIED, non-deprecated skill at publish
// time; a republish of an existing ID bumps the version.
func (g *Genesis) PublishAgentType(def core.AgentTypeDefinition) (*core.AgentTypeDefinition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var violations []string
	if def.AgentTypeID == "" {
		violations = append(violations, "agent_type_id is required")
	}
	if len(def.RequiredSkillKeys) == 0 {
		violations = append(violations, "required_skill_keys must be non-empty")
	}
	for _, key := range def.RequiredSkillKeys {
		if key == "" {
			violations = append(violations, "required_skill_keys must be non-empty strings")
			continue
		}
		skill, err := g.resolveLocked(key)
		if err != nil {
			violations = append(violations, fmt.Sprintf("skill key %q does not resolve", key))
			continue
		}
		if skill.Status != core.SkillCertified {
			violations = append(violations, fmt.Sprintf("skill key %q resolves to a deprecated skill", key))
		}
	}
	if len(def.GoalTemplates) == 0 {
		violations = append(violations, "goal_templates must be non-empty")
	}
	if len(violations) > 0 {
		return nil, &core.Error{
			Kind:       core.KindValidation,
			Message:    "agent type publish rejected",
			Violations: violations,
		}
	}

	version := 1
	if existing, ok := g.agentTypes[def.AgentTypeID]; ok {
		version = existing.Version + 1
	}
	def.Version = version
	def.Status = "published"
	def.CreatedAt = g.clock.Now()

	stored := def
	g.agentTypes[def.AgentTypeID] = &stored
	return &stored, nil
}

// GetAgentType returns a definition by ID.
func (g *Genesis) GetAgentType(agentTypeID string) (*core.AgentTypeDefinition, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	def, ok := g.agentTypes[agentTypeID]
	return def, ok
}

// ListAgentTypes returns all definitions sorted by ID.
func (g *Genesis) ListAgentTypes() []*core.AgentTypeDefinition {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*core.AgentTypeDefinition, 0, len(g.agentTypes))
	for _, def := range g.agentTypes {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentTypeID < out[j].AgentTypeID })
	return out
}

// HireAllowed reports whether new instances of the type may be provisioned.
// Types flagged migration_required refuse new hires until republished.
func (g *Genesis) HireAllowed(agentTypeID string) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	def, ok := g.agentTypes[agentTypeID]
	if !ok {
		return core.NewError(core.KindNotFound, "", "unknown agent type "+agentTypeID)
	}
	switch def.Status {
	case "published":
		return nil
	case "migration_required":
		return core.NewError(core.KindPrecondition, core.ReasonVersionUpgrade,
			"agent type "+agentTypeID+" requires migration before new hires")
	default:
		return core.NewError(core.KindPrecondition, core.ReasonNotConfigured,
			"agent type "+agentTypeID+" is not published")
	}
}

// ValidateConfig checks a candidate instance config against the type's
// schema. Unknown fields are rejected, required fields must be present and
// each value must match its declared type.
func ValidateConfig(def *core.AgentTypeDefinition, config map[string]interface{}) []string {
	var violations []string

	for name, field := range def.ConfigSchema {
		value, present := config[name]
		if !present {
			if field.Required {
				violations = append(violations, fmt.Sprintf("config field %q is required", name))
			}
			continue
		}
		if !matchesType(field, value) {
			violations = append(violations, fmt.Sprintf("config field %q has wrong type (want %s)", name, field.Type))
		}
	}
	for name := range config {
		if _, known := def.ConfigSchema[name]; !known {
			violations = append(violations, fmt.Sprintf("config field %q is not in the schema", name))
		}
	}
	return violations
}

func matchesType(field core.ConfigField, value interface{}) bool {
	switch field.Type {
	case "string":
		s, ok := value.(string)
		if !ok {
			return false
		}
		return len(field.Enum) == 0 || containsString(field.Enum, s)
	case "number":
		switch value.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "bool":
		_, ok := value.(bool)
		return ok
	case "string_list":
		switch list := value.(type) {
		case []string:
			return true
		case []interface{}:
			for _, v := range list {
				if _, ok := v.(string); !ok {
					return false
				}
			}
			return true
		}
		return false
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
