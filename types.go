package storyteller

import "time"

// Intervention lifecycle events delivered to an EscalationHook.
const (
	EventInterventionTriggered = "intervention_triggered"
	EventInterventionResolved  = "intervention_resolved"
	EventInterventionCancelled = "intervention_cancelled"
)

// Intervention is the public view of a manual intervention, handed to
// extension hooks. It carries no internal types, so hook implementations can
// live outside this module.
type Intervention struct {
	ID               string
	ConversationID   string
	ConsensusID      string
	TriggerReason    string
	InterventionType string
	Status           string
	OriginalDecision string
	HumanDecision    string
	HumanRationale   string
	IntervenerID     string
	IntervenerRole   string
	AffectedRoles    []string
	TriggeredAt      time.Time
	ResolvedAt       *time.Time
	OverrideData     map[string]any
	Metadata         map[string]any
}
