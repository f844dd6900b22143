// Package registry is the certification registry: Skills, Job Roles and
// Agent Type Definitions with immutable IDs. All writes funnel through a
// single logical authority ("Genesis"); reads are strongly consistent
// within it.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentgrid/backend/internal/audit"
	"github.com/agentgrid/backend/internal/clock"
	"github.com/agentgrid/backend/internal/core"
)

// DeprecationGrace is how long a superseded skill keeps resolving.
const DeprecationGrace = 30 * 24 * time.Hour

// CollisionClass distinguishes what a repeated certification attempt is.
type CollisionClass string

const (
	CollisionIdentical CollisionClass = "identical" // reject, return existing id
	CollisionDifferent CollisionClass = "different" // assign next sequence
	CollisionImproved  CollisionClass = "improved"  // assign -v(N+1), deprecate predecessor
)

// Genesis is the single write authority for the registry.
type Genesis struct {
	mu sync.RWMutex

	skills  map[string]*core.Skill // skill_id -> skill
	byKey   map[string]string      // skill_key -> current skill_id
	byTuple map[string]string      // (industry, name, tool_set) -> base skill_id
	seq     map[string]int         // industry -> last sequence

	jobRoles   map[string]*core.JobRole
	agentTypes map[string]*core.AgentTypeDefinition

	log   *audit.Log
	clock clock.Clock
}

// NewGenesis creates an empty registry authority.
func NewGenesis(log *audit.Log, clk clock.Clock) *Genesis {
	if clk == nil {
		clk = clock.System{}
	}
	return &Genesis{
		skills:     make(map[string]*core.Skill),
		byKey:      make(map[string]string),
		byTuple:    make(map[string]string),
		seq:        make(map[string]int),
		jobRoles:   make(map[string]*core.JobRole),
		agentTypes: make(map[string]*core.AgentTypeDefinition),
		log:        log,
		clock:      clk,
	}
}

// SkillInput is the certification request.
type SkillInput struct {
	Name           string                 `json:"name"`
	SkillKey       string                 `json:"skill_key"`
	IndustryCode   string                 `json:"industry_code"`
	ComplianceTags []string               `json:"compliance_tags"`
	Tools          []string               `json:"tools"`
	IOSchemas      map[string]interface{} `json:"io_schemas,omitempty"`
	Contract       core.TAOContract       `json:"contract"`
	FailureModes   []string               `json:"failure_modes"`
	RetryCount     int                    `json:"retry_count"`
	ExternalEffect bool                   `json:"external_effect"`
}

func (in SkillInput) validate() error {
	var violations []string
	if in.Name == "" {
		violations = append(violations, "name is required")
	}
	if in.IndustryCode == "" {
		violations = append(violations, "industry_code is required")
	}
	if len(in.Tools) == 0 {
		violations = append(violations, "tools must be non-empty")
	}
	if in.Contract.Think == "" || in.Contract.Act == "" || in.Contract.Observe == "" {
		violations = append(violations, "think/act/observe contract must be complete")
	}
	if len(in.FailureModes) == 0 {
		violations = append(violations, "failure_modes must be non-null")
	}
	if len(violations) > 0 {
		return &core.Error{
			Kind:       core.KindValidation,
			Message:    "skill certification rejected",
			Violations: violations,
		}
	}
	return nil
}

func tupleKey(industry, name string, tools []string) string {
	sorted := append([]string(nil), tools...)
	sort.Strings(sorted)
	return strings.ToUpper(industry) + "|" + strings.ToLower(name) + "|" + strings.Join(sorted, ",")
}

// CertifySkill certifies a new skill or classifies the collision with an
// existing one. On CollisionIdentical the returned error is a CONFLICT that
// references the existing skill.
func (g *Genesis) CertifySkill(ctx context.Context, correlationID string, in SkillInput) (*core.Skill, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	industry := strings.ToUpper(in.IndustryCode)
	key := tupleKey(industry, in.Name, in.Tools)

	if baseID, collided := g.byTuple[key]; collided {
		existing := g.currentVersionOf(baseID)
		switch classifyCollision(existing, in) {
		case CollisionIdentical:
			return existing, core.NewError(core.KindConflict, core.ReasonConflict,
				"identical skill already certified as "+existing.SkillID)
		case CollisionImproved:
			return g.certifyImprovement(ctx, correlationID, existing, in)
		}
		// Different tool semantics under the same tuple cannot happen: the
		// tuple IS (industry, name, tool_set). Fall through defensively.
	}

	g.seq[industry]++
	skill := g.buildSkill(in, fmt.Sprintf("SKILL-%s-%03d", industry, g.seq[industry]), "")

	g.skills[skill.SkillID] = skill
	g.byKey[skill.SkillKey] = skill.SkillID
	g.byTuple[key] = skill.SkillID

	g.auditCertify(ctx, correlationID, skill)
	return skill, nil
}

// classifyCollision compares a new input against the current version of a
// skill that shares its (industry, name, tool_set) tuple.
func classifyCollision(existing *core.Skill, in SkillInput) CollisionClass {
	if existing.Contract == in.Contract &&
		reflect.DeepEqual(existing.FailureModes, in.FailureModes) &&
		reflect.DeepEqual(existing.IOSchemas, in.IOSchemas) {
		return CollisionIdentical
	}
	return CollisionImproved
}

func (g *Genesis) certifyImprovement(ctx context.Context, correlationID string, predecessor *core.Skill, in SkillInput) (*core.Skill, error) {
	version := versionOf(predecessor.SkillID) + 1
	id := fmt.Sprintf("%s-v%d", baseID(predecessor.SkillID), version)

	skill := g.buildSkill(in, id, predecessor.SkillID)
	skill.SkillKey = predecessor.SkillKey // the key follows the lineage

	now := g.clock.Now()
	predecessor.Status = core.SkillDeprecated
	predecessor.DeprecatedAt = &now

	g.skills[skill.SkillID] = skill
	g.byKey[skill.SkillKey] = skill.SkillID

	g.auditCertify(ctx, correlationID, skill)
	g.auditDeprecate(ctx, correlationID, predecessor, "superseded by "+skill.SkillID)

	slog.Info("skill improved",
		"predecessor", predecessor.SkillID, "successor", skill.SkillID,
		"grace_until", now.Add(DeprecationGrace))
	return skill, nil
}

func (g *Genesis) buildSkill(in SkillInput, id, supersedes string) *core.Skill {
	key := in.SkillKey
	if key == "" {
		key = strings.ToLower(strings.ReplaceAll(in.Name, " ", "_"))
	}
	return &core.Skill{
		SkillID:        id,
		SkillKey:       key,
		Name:           in.Name,
		IndustryCode:   strings.ToUpper(in.IndustryCode),
		ComplianceTags: in.ComplianceTags,
		Tools:          in.Tools,
		IOSchemas:      in.IOSchemas,
		Contract:       in.Contract,
		FailureModes:   in.FailureModes,
		RetryCount:     in.RetryCount,
		ExternalEffect: in.ExternalEffect,
		Status:         core.SkillCertified,
		Supersedes:     supersedes,
		CreatedAt:      g.clock.Now(),
	}
}

// DeprecateSkill retires a skill with no successor. Propagation marks every
// published agent type referencing the key as migration_required; new hires
// of those types are refused until republished.
func (g *Genesis) DeprecateSkill(ctx context.Context, correlationID, skillID, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	skill, ok := g.skills[skillID]
	if !ok {
		return core.NewError(core.KindNotFound, "", "unknown skill "+skillID)
	}
	if skill.Status == core.SkillDeprecated {
		return core.NewError(core.KindConflict, core.ReasonConflict, skillID+" already deprecated")
	}

	now := g.clock.Now()
	skill.Status = core.SkillDeprecated
	skill.DeprecatedAt = &now

	for _, def := range g.agentTypes {
		if def.Status != "published" {
			continue
		}
		for _, k := range def.RequiredSkillKeys {
			if k == skill.SkillKey {
				def.Status = "migration_required"
				slog.Warn("agent type requires migration",
					"agent_type_id", def.AgentTypeID, "skill_key", k)
				break
			}
		}
	}

	g.auditDeprecate(ctx, correlationID, skill, reason)
	return nil
}

// ResolveSkill maps a skill_key to its current skill. Consumers resolve at
// plan time and never cache across goal executions.
func (g *Genesis) ResolveSkill(skillKey string) (*core.Skill, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.resolveLocked(skillKey)
}

func (g *Genesis) resolveLocked(skillKey string) (*core.Skill, error) {
	id, ok := g.byKey[skillKey]
	if !ok {
		return nil, core.NewError(core.KindNotFound, "", "unknown skill key "+skillKey)
	}
	skill := g.skills[id]
	if skill.Status == core.SkillDeprecated {
		if skill.DeprecatedAt != nil && g.clock.Now().After(skill.DeprecatedAt.Add(DeprecationGrace)) {
			return nil, core.NewError(core.KindPolicyDeny, core.ReasonSkillDeprecated,
				"skill "+id+" deprecated beyond grace")
		}
	}
	return skill, nil
}

// GetSkill returns a skill by ID.
func (g *Genesis) GetSkill(skillID string) (*core.Skill, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.skills[skillID]
	return s, ok
}

// ListSkills returns all skills, newest first.
func (g *Genesis) ListSkills() []*core.Skill {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*core.Skill, 0, len(g.skills))
	for _, s := range g.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (g *Genesis) auditCertify(ctx context.Context, correlationID string, s *core.Skill) {
	if g.log == nil {
		return
	}
	_, err := g.log.Append(ctx, audit.Event{
		ChainID:       "platform",
		CorrelationID: correlationID,
		Actor:         "genesis",
		EventType:     audit.EventSkillCertified,
		Payload: map[string]interface{}{
			"skill_id":  s.SkillID,
			"skill_key": s.SkillKey,
			"industry":  s.IndustryCode,
		},
	})
	if err != nil {
		slog.Error("audit append failed for skill certification", "skill_id", s.SkillID, "error", err)
	}
}

func (g *Genesis) auditDeprecate(ctx context.Context, correlationID string, s *core.Skill, reason string) {
	if g.log == nil {
		return
	}
	_, err := g.log.Append(ctx, audit.Event{
		ChainID:       "platform",
		CorrelationID: correlationID,
		Actor:         "genesis",
		EventType:     audit.EventSkillDeprecated,
		Payload: map[string]interface{}{
			"skill_id": s.SkillID,
			"reason":   reason,
		},
	})
	if err != nil {
		slog.Error("audit append failed for skill deprecation", "skill_id", s.SkillID, "error", err)
	}
}

func (g *Genesis) currentVersionOf(baseSkillID string) *core.Skill {
	// Follow the key: byKey always points at the newest version.
	if s, ok := g.skills[baseSkillID]; ok {
		if id, ok := g.byKey[s.SkillKey]; ok {
			return g.skills[id]
		}
		return s
	}
	return nil
}

// baseID strips any -vN suffix: SKILL-HC-001-v2 -> SKILL-HC-001.
func baseID(skillID string) string {
	if i := strings.LastIndex(skillID, "-v"); i > 0 {
		suffix := skillID[i+2:]
		if suffix != "" && strings.IndexFunc(suffix, func(r rune) bool { return r < '0' || r > '9' }) < 0 {
			return skillID[:i]
		}
	}
	return skillID
}

// versionOf returns the version number encoded in the ID, 1 when absent.
func versionOf(skillID string) int {
	base := baseID(skillID)
	if base == skillID {
		return 1
	}
	var v int
	fmt.Sscanf(skillID[len(base)+2:], "%d", &v)
	if v == 0 {
		v = 1
	}
	return v
}
