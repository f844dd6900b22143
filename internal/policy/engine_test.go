package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgrid/backend/internal/audit"
	"github.com/agentgrid/backend/internal/clock"
	"github.com/agentgrid/backend/internal/core"
)

func TestDecideDefaultDenyForUnknownAction(t *testing.T) {
	e := NewEngine()
	d := e.Decide(Subject{}, "launch_rocket", Resource{}, Context{})
	assert.Equal(t, Deny, d.Effect)
	assert.Equal(t, core.ReasonScopeOutOfBounds, d.Reason)
}

func TestDecideStructuralFloor(t *testing.T) {
	e := NewEngine()

	d := e.Decide(Subject{Suspended: true}, "skill.invoke", Resource{}, Context{})
	assert.Equal(t, core.ReasonInstanceSuspended, d.Reason)

	d = e.Decide(Subject{}, "skill.invoke", Resource{}, Context{BudgetExceeded: true})
	assert.Equal(t, core.ReasonBudgetExceeded, d.Reason)

	d = e.Decide(Subject{}, "skill.invoke",
		Resource{SkillStatus: string(core.SkillDeprecated)}, Context{GraceExpired: true})
	assert.Equal(t, core.ReasonSkillDeprecated, d.Reason)

	// Inside the grace window a deprecated skill still resolves.
	d = e.Decide(Subject{}, "skill.invoke",
		Resource{SkillStatus: string(core.SkillDeprecated)}, Context{})
	assert.Equal(t, Allow, d.Effect)

	d = e.Decide(Subject{}, "skill.invoke",
		Resource{Tool: "linkedin"}, Context{AllowedTools: []string{"pubmed"}})
	assert.Equal(t, core.ReasonToolNotAuthorized, d.Reason)
}

func TestDecideApprovalGate(t *testing.T) {
	e := NewEngine()

	d := e.Decide(Subject{}, "publish", Resource{}, Context{})
	require.Equal(t, Deny, d.Effect)
	assert.Equal(t, core.ReasonApprovalRequired, d.Reason)
	assert.True(t, d.HasObligation(ObligationRequireApproval))

	d = e.Decide(Subject{}, "publish", Resource{}, Context{Approved: true, ApprovalID: "ap-1"})
	assert.Equal(t, Allow, d.Effect)
}

func TestDecideObligationsOnAllow(t *testing.T) {
	e := NewEngine()

	d := e.Decide(Subject{Trial: true}, "skill.invoke", Resource{}, Context{EstimatedCost: 0.5})
	require.Equal(t, Allow, d.Effect)
	assert.True(t, d.HasObligation(ObligationTrialMode))
	assert.True(t, d.HasObligation(ObligationBudgetDebit))
}

func TestDecideDeciderMustBeGovernor(t *testing.T) {
	e := NewEngine()

	d := e.Decide(Subject{PrincipalID: "stranger"}, "approval.decide", Resource{}, Context{})
	assert.Equal(t, core.ReasonDeciderUnauthorized, d.Reason)

	d = e.Decide(Subject{PrincipalID: "gov"}, "approval.decide", Resource{}, Context{Governor: true})
	assert.Equal(t, Allow, d.Effect)
}

func TestRulesOnlyTighten(t *testing.T) {
	e := NewEngine()

	err := e.AddRule(Rule{ID: "no-l0", Layer: L0Platform, Action: "*"})
	require.Error(t, err)

	before := e.Decide(Subject{}, "skill.invoke", Resource{}, Context{})
	require.Equal(t, Allow, before.Effect)

	require.NoError(t, e.AddRule(Rule{
		ID:     "tenant-block-pubmed",
		Layer:  L1Tenant,
		Action: "skill.invoke",
		Reason: core.ReasonToolNotAuthorized,
		Matches: func(sub Subject, res Resource, ctx Context) bool {
			return res.Tool == "pubmed"
		},
	}))

	d := e.Decide(Subject{}, "skill.invoke", Resource{Tool: "pubmed"}, Context{})
	assert.Equal(t, Deny, d.Effect)
	assert.Equal(t, core.ReasonToolNotAuthorized, d.Reason)

	// Unrelated requests stay allowed; rule changes bump the ruleset version.
	d = e.Decide(Subject{}, "skill.invoke", Resource{Tool: "composer"}, Context{})
	assert.Equal(t, Allow, d.Effect)
	assert.NotEqual(t, before.RulesetVersion, d.RulesetVersion)
}

func TestDecideIsDeterministic(t *testing.T) {
	e := NewEngine()
	sub := Subject{CustomerID: "c", Trial: true}
	res := Resource{Type: "skill", ID: "SKILL-HC-001", Tool: "pubmed"}
	ctx := Context{AllowedTools: []string{"pubmed"}, EstimatedCost: 0.5}

	first := e.Decide(sub, "skill.invoke", res, ctx)
	for i := 0; i < 10; i++ {
		again := e.Decide(sub, "skill.invoke", res, ctx)
		assert.Equal(t, first.Effect, again.Effect)
		assert.Equal(t, first.Reason, again.Reason)
		assert.Equal(t, first.Obligations, again.Obligations)
	}
}

func TestEnforcerAuditsEveryDecision(t *testing.T) {
	store := audit.NewMemoryStore()
	clk := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	log := audit.NewLog(store, clk, nil)
	denials := NewDenialStore()
	p := NewEnforcer(NewEngine(), log, denials, nil, clk)
	ctx := context.Background()

	d, err := p.Enforce(ctx, "cust-1", "corr-1", Subject{}, "publish", Resource{Type: "skill", ID: "s1"}, Context{})
	require.NoError(t, err)
	require.True(t, d.Denied())
	assert.NotEmpty(t, d.DecisionID)

	entry, ok, err := store.Last(ctx, "cust-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, audit.EventPolicyDecision, entry.EventType)
	assert.Equal(t, "DENY", entry.Payload["effect"])
	assert.Equal(t, d.DecisionID, entry.Payload["decision_id"])

	records := denials.Query("corr-1", "", "")
	require.Len(t, records, 1)
	assert.Equal(t, core.ReasonApprovalRequired, records[0].Reason)

	// Allows are audited too, but leave no denial record.
	_, err = p.Enforce(ctx, "cust-1", "corr-2", Subject{}, "skill.invoke", Resource{}, Context{})
	require.NoError(t, err)
	assert.Empty(t, denials.Query("corr-2", "", ""))
}

func TestEnforcerAbortsOnAuditFailure(t *testing.T) {
	store := audit.NewMemoryStore()
	log := audit.NewLog(store, nil, nil)
	log.Quarantine("cust-1", "test")
	p := NewEnforcer(NewEngine(), log, NewDenialStore(), nil, nil)

	_, err := p.Enforce(context.Background(), "cust-1", "corr-1", Subject{}, "skill.invoke", Resource{}, Context{})
	require.Error(t, err)
	assert.Equal(t, core.KindIntegrity, core.KindOf(err))
}
