package registry

import (
	"fmt"
	"sort"

	"github.com/agentgrid/backend/internal/core"
)

// ============================================================================
// JOB ROLES
// ============================================================================

// CertifyJobRole validates and stores a job role. Every required skill key
// must resolve to a certified skill.
func (g *Genesis) CertifyJobRole(role core.JobRole) (*core.JobRole, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var violations []string
	if role.JobRoleID == "" {
		violations = append(violations, "job_role_id is required")
	}
	if role.Name == "" {
		violations = append(violations, "name is required")
	}
	if len(role.RequiredSkillKeys) == 0 {
		violations = append(violations, "required_skill_keys must be non-empty")
	}
	for _, key := range role.RequiredSkillKeys {
		if _, err := g.resolveLocked(key); err != nil {
			violations = append(violations, fmt.Sprintf("skill key %q does not resolve", key))
		}
	}
	if len(violations) > 0 {
		return nil, &core.Error{
			Kind:       core.KindValidation,
			Message:    "job role certification rejected",
			Violations: violations,
		}
	}

	if _, exists := g.jobRoles[role.JobRoleID]; exists {
		return nil, core.NewError(core.KindConflict, core.ReasonConflict,
			"job role "+role.JobRoleID+" already certified")
	}

	role.Status = core.SkillCertified
	role.CreatedAt = g.clock.Now()

	stored := role
	g.jobRoles[role.JobRoleID] = &stored
	return &stored, nil
}

// RecertifyJobRole re-submits a role body under an existing ID. The skill
// keys are resolved again, so a role whose skills have since been deprecated
// fails here instead of at hire time.
func (g *Genesis) RecertifyJobRole(role core.JobRole) (*core.JobRole, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	existing, ok := g.jobRoles[role.JobRoleID]
	if !ok {
		return nil, core.NewError(core.KindNotFound, "", "unknown job role "+role.JobRoleID)
	}
	if role.Name == "" {
		role.Name = existing.Name
	}
	if role.Seniority == "" {
		role.Seniority = existing.Seniority
	}
	if len(role.RequiredSkillKeys) == 0 {
		role.RequiredSkillKeys = existing.RequiredSkillKeys
	}

	var violations []string
	for _, key := range role.RequiredSkillKeys {
		if _, err := g.resolveLocked(key); err != nil {
			violations = append(violations, fmt.Sprintf("skill key %q does not resolve", key))
		}
	}
	if len(violations) > 0 {
		return nil, &core.Error{
			Kind:       core.KindValidation,
			Message:    "job role re-certification rejected",
			Violations: violations,
		}
	}

	role.Status = core.SkillCertified
	role.CreatedAt = existing.CreatedAt

	stored := role
	g.jobRoles[role.JobRoleID] = &stored
	return &stored, nil
}

// GetJobRole returns a role by ID.
func (g *Genesis) GetJobRole(jobRoleID string) (*core.JobRole, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.jobRoles[jobRoleID]
	return r, ok
}

// ListJobRoles returns all roles sorted by ID.
func (g *Genesis) ListJobRoles() []*core.JobRole {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*core.JobRole, 0, len(g.jobRoles))
	for _, r := range g.jobRoles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobRoleID < out[j].JobRoleID })
	return out
}
