package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agentgrid/backend/internal/core"
	"github.com/agentgrid/backend/internal/middleware"
	"github.com/agentgrid/backend/internal/registry"
)

// ============================================================================
// SKILLS
// ============================================================================

func (s *Server) handleCertifySkill(w http.ResponseWriter, r *http.Request) {
	var in registry.SkillInput
	if !decodeJSON(w, r, &in) {
		return
	}
	skill, err := s.registry.CertifySkill(r.Context(), middleware.CorrelationID(r.Context()), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, skill)
}

func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.ListSkills())
}

// handleRecertifySkill re-submits a skill body under an existing ID; the
// registry classifies it as identical, improved or different.
func (s *Server) handleRecertifySkill(w http.ResponseWriter, r *http.Request) {
	var in registry.SkillInput
	if !decodeJSON(w, r, &in) {
		return
	}
	if existing, ok := s.registry.GetSkill(mux.Vars(r)["skill_id"]); ok && in.SkillKey == "" {
		in.SkillKey = existing.SkillKey
	}
	skill, err := s.registry.CertifySkill(r.Context(), middleware.CorrelationID(r.Context()), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, skill)
}

func (s *Server) handleDeprecateSkill(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := s.registry.DeprecateSkill(r.Context(), middleware.CorrelationID(r.Context()),
		mux.Vars(r)["skill_id"], body.Reason); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deprecated"})
}

// ============================================================================
// JOB ROLES
// ============================================================================

func (s *Server) handleCertifyJobRole(w http.ResponseWriter, r *http.Request) {
	var role core.JobRole
	if !decodeJSON(w, r, &role) {
		return
	}
	created, err := s.registry.CertifyJobRole(role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListJobRoles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.ListJobRoles())
}

// handleRecertifyJobRole re-submits a role body under an existing ID; its
// skill keys are resolved afresh.
func (s *Server) handleRecertifyJobRole(w http.ResponseWriter, r *http.Request) {
	var role core.JobRole
	if !decodeJSON(w, r, &role) {
		return
	}
	role.JobRoleID = mux.Vars(r)["job_role_id"]
	updated, err := s.registry.RecertifyJobRole(role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// ============================================================================
// AGENT TYPE DEFINITIONS
// ============================================================================

func (s *Server) handlePublishAgentType(w http.ResponseWriter, r *http.Request) {
	var def core.AgentTypeDefinition
	if !decodeJSON(w, r, &def) {
		return
	}
	def.AgentTypeID = mux.Vars(r)["agent_type_id"]
	published, err := s.registry.PublishAgentType(def)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, published)
}

func (s *Server) handleGetAgentType(w http.ResponseWriter, r *http.Request) {
	def, ok := s.registry.GetAgentType(mux.Vars(r)["agent_type_id"])
	if !ok {
		writeError(w, r, core.NewError(core.KindNotFound, "", "unknown agent type"))
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleListAgentTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.ListAgentTypes())
}
