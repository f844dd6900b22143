package registry

import (
	"context"
	"time"

	"github.com/agentgrid/backend/internal/core"
)

// SeedDemoCatalog installs the starter catalog used by dev environments and
// the end-to-end tests: a healthcare marketing agent type with a weekly blog
// goal whose publish step carries an external effect.
func SeedDemoCatalog(ctx context.Context, g *Genesis) error {
	skills := []SkillInput{
		{
			Name:         "Research Healthcare Topics",
			SkillKey:     "research_topics",
			IndustryCode: "HC",
			Tools:        []string{"pubmed"},
			Contract: core.TAOContract{
				Think:   "select topic candidates from trend data",
				Act:     "query pubmed and rank sources",
				Observe: "record sources and relevance scores",
			},
			FailureModes: []string{"source_unavailable"},
			RetryCount:   2,
		},
		{
			Name:         "Draft Healthcare Article",
			SkillKey:     "draft_article",
			IndustryCode: "HC",
			Tools:        []string{"composer"},
			Contract: core.TAOContract{
				Think:   "outline the article from research notes",
				Act:     "draft the article body",
				Observe: "store the draft deliverable",
			},
			FailureModes: []string{"draft_rejected"},
			RetryCount:   1,
		},
		{
			Name:           "Publish Article",
			SkillKey:       "publish_article",
			IndustryCode:   "HC",
			Tools:          []string{"linkedin"},
			ComplianceTags: []string{"hipaa_marketing"},
			Contract: core.TAOContract{
				Think:   "verify compliance checklist for the channel",
				Act:     "publish the approved draft",
				Observe: "record the published URL",
			},
			FailureModes:   []string{"channel_rejected"},
			RetryCount:     1,
			ExternalEffect: true,
		},
	}

	for _, in := range skills {
		if _, err := g.CertifySkill(ctx, "seed", in); err != nil {
			if core.KindOf(err) == core.KindConflict {
				continue // already seeded
			}
			return err
		}
	}

	if _, err := g.CertifyJobRole(core.JobRole{
		JobRoleID:         "ROLE-HC-CONTENT",
		Name:              "Healthcare Content Marketer",
		Seniority:         "senior",
		RequiredSkillKeys: []string{"research_topics", "draft_article", "publish_article"},
	}); err != nil && core.KindOf(err) != core.KindConflict {
		return err
	}

	_, err := g.PublishAgentType(core.AgentTypeDefinition{
		AgentTypeID: "MKT_HEALTH_v1",
		Name:        "Healthcare Marketing Agent",
		ConfigSchema: map[string]core.ConfigField{
			"channels": {Type: "string_list", Required: true},
			"tone":     {Type: "string", Enum: []string{"clinical", "friendly"}},
		},
		RequiredSkillKeys: []string{"research_topics", "draft_article", "publish_article"},
		GoalTemplates: []core.GoalTemplate{
			{
				GoalTemplateID: "weekly_blog",
				Name:           "Weekly Blog Post",
				Steps: []core.StepSpec{
					{StepID: "research", SkillKey: "research_topics"},
					{StepID: "draft", SkillKey: "draft_article", DependsOn: []string{"research"}},
					{StepID: "publish", SkillKey: "publish_article", DependsOn: []string{"draft"},
						ExternalEffect: true, SLA: 24 * time.Hour},
				},
			},
		},
		EnforcementDefaults: core.EnforcementDefaults{ApprovalRequired: true},
	})
	return err
}
