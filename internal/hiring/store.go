// Package hiring binds customers to hired agent instances: subscriptions,
// the instance lifecycle machine and goal registration. Instance mutations
// serialize through a per-instance leased lock.
package hiring

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentgrid/backend/internal/audit"
	"github.com/agentgrid/backend/internal/clock"
	"github.com/agentgrid/backend/internal/core"
	"github.com/agentgrid/backend/internal/registry"
)

// DefaultDailyBudgetUSD is assigned to new instances unless the subscription
// tier overrides it.
const DefaultDailyBudgetUSD = 25.0

// Store owns customers, subscriptions and instances.
type Store struct {
	mu            sync.RWMutex
	customers     map[string]*core.Customer
	subscriptions map[string]*core.Subscription
	instances     map[string]*core.AgentInstance
	leases        map[string]*instanceLease

	registry *registry.Genesis
	log      *audit.Log
	clock    clock.Clock
}

type instanceLease struct {
	mu      sync.Mutex
	holder  string
	expires time.Time
}

// NewStore creates the store.
func NewStore(reg *registry.Genesis, log *audit.Log, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.System{}
	}
	return &Store{
		customers:     make(map[string]*core.Customer),
		subscriptions: make(map[string]*core.Subscription),
		instances:     make(map[string]*core.AgentInstance),
		leases:        make(map[string]*instanceLease),
		registry:      reg,
		log:           log,
		clock:         clk,
	}
}

// ============================================================================
// CUSTOMERS & SUBSCRIPTIONS
// ============================================================================

// PutCustomer upserts a customer record.
func (s *Store) PutCustomer(c core.Customer) *core.Customer {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := c
	s.customers[c.CustomerID] = &stored
	return &stored
}

// CreateSubscription opens a subscription for a customer and agent type.
func (s *Store) CreateSubscription(customerID, agentTypeID string, trial bool) (*core.Subscription, error) {
	if err := s.registry.HireAllowed(agentTypeID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.customers[customerID]; !ok {
		return nil, core.NewError(core.KindNotFound, "", "unknown customer "+customerID)
	}

	sub := &core.Subscription{
		SubscriptionID: "sub-" + uuid.NewString()[:8],
		CustomerID:     customerID,
		AgentTypeID:    agentTypeID,
		Status:         core.SubActive,
		CreatedAt:      s.clock.Now(),
	}
	if trial {
		sub.Status = core.SubTrialActive
		end := s.clock.Now().Add(14 * 24 * time.Hour)
		sub.TrialEnd = &end
	}
	s.subscriptions[sub.SubscriptionID] = sub
	return sub, nil
}

// GetSubscription returns a subscription by ID.
func (s *Store) GetSubscription(id string) (*core.Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[id]
	return sub, ok
}

// ============================================================================
// INSTANCE LIFECYCLE
// ============================================================================

// Hire provisions a new instance under a subscription. The subscription
// exclusively owns its instance: a second hire on the same subscription is a
// conflict.
func (s *Store) Hire(ctx context.Context, correlationID, subscriptionID string) (*core.AgentInstance, error) {
	s.mu.Lock()
	sub, ok := s.subscriptions[subscriptionID]
	if !ok {
		s.mu.Unlock()
		return nil, core.NewError(core.KindNotFound, "", "unknown subscription "+subscriptionID)
	}
	if sub.Status == core.SubSuspended || sub.Status == core.SubCancelled {
		s.mu.Unlock()
		return nil, core.NewError(core.KindPrecondition, core.ReasonInstanceSuspended,
			"subscription "+subscriptionID+" is "+string(sub.Status))
	}
	for _, inst := range s.instances {
		if inst.SubscriptionID == subscriptionID && inst.Lifecycle != core.LifecycleRetired {
			s.mu.Unlock()
			return nil, core.NewError(core.KindConflict, core.ReasonConflict,
				"subscription "+subscriptionID+" already owns instance "+inst.HiredInstanceID)
		}
	}
	agentTypeID := sub.AgentTypeID
	s.mu.Unlock()

	if err := s.registry.HireAllowed(agentTypeID); err != nil {
		return nil, err
	}
	def, _ := s.registry.GetAgentType(agentTypeID)

	inst := &core.AgentInstance{
		HiredInstanceID:  "hi-" + uuid.NewString()[:8],
		SubscriptionID:   subscriptionID,
		AgentID:          "agent-" + uuid.NewString()[:8],
		AgentTypeID:      agentTypeID,
		AgentTypeVersion: def.Version,
		Trial:            sub.Status == core.SubTrialActive,
		WorkspaceRef:     "ws://" + agentTypeID + "/" + subscriptionID,
		Lifecycle:        core.LifecycleProvisioned,
		BudgetDailyUSD:   DefaultDailyBudgetUSD,
		CreatedAt:        s.clock.Now(),
	}

	s.mu.Lock()
	s.instances[inst.HiredInstanceID] = inst
	s.mu.Unlock()

	s.auditLifecycle(ctx, correlationID, inst, "hired")
	return inst, nil
}

// Configure validates the config against the agent type schema, resolves all
// required skills and marks the instance configured.
func (s *Store) Configure(ctx context.Context, correlationID, instanceID string, config map[string]interface{}) (*core.AgentInstance, error) {
	return s.mutate(ctx, correlationID, instanceID, "configured", func(inst *core.AgentInstance) error {
		if inst.Lifecycle != core.LifecycleDraft && inst.Lifecycle != core.LifecycleProvisioned {
			return core.NewError(core.KindConflict, core.ReasonConflict,
				fmt.Sprintf("cannot configure instance in lifecycle %s", inst.Lifecycle))
		}
		def, ok := s.registry.GetAgentType(inst.AgentTypeID)
		if !ok {
			return core.NewError(core.KindNotFound, "", "unknown agent type "+inst.AgentTypeID)
		}

		violations := registry.ValidateConfig(def, config)
		for _, key := range def.RequiredSkillKeys {
			if skill, err := s.registry.ResolveSkill(key); err != nil {
				violations = append(violations, fmt.Sprintf("skill key %q does not resolve", key))
			} else if skill.Status != core.SkillCertified {
				violations = append(violations, fmt.Sprintf("skill key %q is deprecated", key))
			}
		}
		if len(violations) > 0 {
			return &core.Error{Kind: core.KindValidation, Message: "configuration rejected", Violations: violations}
		}

		inst.Config = config
		inst.Configured = true
		inst.AgentTypeVersion = def.Version
		inst.Lifecycle = core.LifecycleProvisioned
		return nil
	})
}

// Activate moves a configured instance with at least one goal to active.
func (s *Store) Activate(ctx context.Context, correlationID, instanceID string) (*core.AgentInstance, error) {
	return s.mutate(ctx, correlationID, instanceID, "activated", func(inst *core.AgentInstance) error {
		if inst.Lifecycle != core.LifecycleProvisioned {
			return core.NewError(core.KindConflict, core.ReasonConflict,
				fmt.Sprintf("cannot activate instance in lifecycle %s", inst.Lifecycle))
		}
		if !inst.Configured {
			return core.NewError(core.KindPrecondition, core.ReasonNotConfigured,
				"instance must be configured before activation")
		}
		if len(inst.Goals) == 0 {
			return core.NewError(core.KindPrecondition, core.ReasonNotConfigured,
				"instance needs at least one goal before activation")
		}
		inst.Lifecycle = core.LifecycleActive
		return nil
	})
}

// Interrupt pauses an active instance (customer request or budget gate).
func (s *Store) Interrupt(ctx context.Context, correlationID, instanceID, reason string) (*core.AgentInstance, error) {
	return s.mutate(ctx, correlationID, instanceID, "interrupted:"+reason, func(inst *core.AgentInstance) error {
		if inst.Lifecycle != core.LifecycleActive {
			return core.NewError(core.KindConflict, core.ReasonConflict,
				fmt.Sprintf("cannot interrupt instance in lifecycle %s", inst.Lifecycle))
		}
		inst.Lifecycle = core.LifecycleInterrupted
		return nil
	})
}

// Resume reactivates an interrupted instance. When the agent type version
// moved underneath it, the stored config is re-validated first.
func (s *Store) Resume(ctx context.Context, correlationID, instanceID string) (*core.AgentInstance, error) {
	return s.mutate(ctx, correlationID, instanceID, "resumed", func(inst *core.AgentInstance) error {
		if inst.Lifecycle != core.LifecycleInterrupted {
			return core.NewError(core.KindConflict, core.ReasonConflict,
				fmt.Sprintf("cannot resume instance in lifecycle %s", inst.Lifecycle))
		}
		def, ok := s.registry.GetAgentType(inst.AgentTypeID)
		if !ok {
			return core.NewError(core.KindNotFound, "", "unknown agent type "+inst.AgentTypeID)
		}
		if def.Version != inst.AgentTypeVersion {
			if violations := registry.ValidateConfig(def, inst.Config); len(violations) > 0 {
				return &core.Error{
					Kind:       core.KindPrecondition,
					Reason:     core.ReasonVersionUpgrade,
					Message:    "agent type changed; configuration no longer valid",
					Violations: violations,
				}
			}
			inst.AgentTypeVersion = def.Version
		}
		inst.Lifecycle = core.LifecycleActive
		return nil
	})
}

// Retire permanently decommissions an instance.
func (s *Store) Retire(ctx context.Context, correlationID, instanceID string) (*core.AgentInstance, error) {
	return s.mutate(ctx, correlationID, instanceID, "retired", func(inst *core.AgentInstance) error {
		if inst.Lifecycle == core.LifecycleRetired {
			return core.NewError(core.KindConflict, core.ReasonConflict, "instance already retired")
		}
		inst.Lifecycle = core.LifecycleRetired
		return nil
	})
}

// AddGoal registers a goal against the instance's agent type templates.
func (s *Store) AddGoal(ctx context.Context, correlationID, instanceID, goalTemplateID, frequency string, settings map[string]interface{}) (*core.Goal, error) {
	var created *core.Goal
	_, err := s.mutate(ctx, correlationID, instanceID, "goal_added", func(inst *core.AgentInstance) error {
		if inst.Lifecycle == core.LifecycleRetired {
			return core.NewError(core.KindConflict, core.ReasonConflict, "instance is retired")
		}
		def, ok := s.registry.GetAgentType(inst.AgentTypeID)
		if !ok {
			return core.NewError(core.KindNotFound, "", "unknown agent type "+inst.AgentTypeID)
		}
		if _, ok := def.Template(goalTemplateID); !ok {
			return core.NewError(core.KindValidation, "",
				fmt.Sprintf("goal template %q not offered by %s", goalTemplateID, inst.AgentTypeID))
		}

		goal := core.Goal{
			GoalInstanceID:  "goal-" + uuid.NewString()[:8],
			HiredInstanceID: inst.HiredInstanceID,
			GoalTemplateID:  goalTemplateID,
			Frequency:       frequency,
			Settings:        settings,
			CreatedAt:       s.clock.Now(),
		}
		inst.Goals = append(inst.Goals, goal)
		created = &goal
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// ============================================================================
// READS
// ============================================================================

// GetInstance returns a copy of an instance.
func (s *Store) GetInstance(instanceID string) (*core.AgentInstance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, false
	}
	cp := *inst
	return &cp, true
}

// CustomerOf resolves the owning customer of an instance.
func (s *Store) CustomerOf(instanceID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return "", false
	}
	sub, ok := s.subscriptions[inst.SubscriptionID]
	if !ok {
		return "", false
	}
	return sub.CustomerID, true
}

// ListInstances returns instances, optionally filtered by customer.
func (s *Store) ListInstances(customerID string) []*core.AgentInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.AgentInstance
	for _, inst := range s.instances {
		if customerID != "" {
			sub, ok := s.subscriptions[inst.SubscriptionID]
			if !ok || sub.CustomerID != customerID {
				continue
			}
		}
		cp := *inst
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HiredInstanceID < out[j].HiredInstanceID })
	return out
}

// ============================================================================
// MUTATION SERIALIZATION
// ============================================================================

// mutate runs fn under the instance's lease. The lease is taken per call and
// released immediately after, never held across blocking work.
func (s *Store) mutate(ctx context.Context, correlationID, instanceID, event string, fn func(*core.AgentInstance) error) (*core.AgentInstance, error) {
	lease := s.lease(instanceID)
	lease.mu.Lock()
	defer lease.mu.Unlock()

	s.mu.Lock()
	inst, ok := s.instances[instanceID]
	s.mu.Unlock()
	if !ok {
		return nil, core.NewError(core.KindNotFound, "", "unknown instance "+instanceID)
	}

	if err := fn(inst); err != nil {
		return nil, err
	}

	s.auditLifecycle(ctx, correlationID, inst, event)
	cp := *inst
	return &cp, nil
}

func (s *Store) lease(instanceID string) *instanceLease {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[instanceID]
	if !ok {
		l = &instanceLease{}
		s.leases[instanceID] = l
	}
	return l
}

func (s *Store) auditLifecycle(ctx context.Context, correlationID string, inst *core.AgentInstance, event string) {
	if s.log == nil {
		return
	}
	customerID, _ := s.CustomerOf(inst.HiredInstanceID)
	_, err := s.log.Append(ctx, audit.Event{
		ChainID:       customerID,
		CorrelationID: correlationID,
		Actor:         "hiring",
		EventType:     audit.EventInstanceLifecycle,
		Payload: map[string]interface{}{
			"hired_instance_id": inst.HiredInstanceID,
			"lifecycle":         string(inst.Lifecycle),
			"event":             event,
		},
	})
	if err != nil {
		slog.Error("audit append failed for lifecycle event",
			"instance", inst.HiredInstanceID, "event", event, "error", err)
	}
}
