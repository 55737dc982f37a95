package storyteller

import "context"

// EscalationHook receives intervention lifecycle notifications: a consensus
// process was handed to a human, or a human resolved or cancelled it.
// Multiple hooks may be registered via multiple WithEscalationHook calls.
// Hooks run synchronously after the intervention is persisted and must not
// block indefinitely. Errors are logged and never fail the originating request.
type EscalationHook interface {
	OnIntervention(ctx context.Context, event string, intervention Intervention) error
}

// EscalationHookFunc adapts a function to EscalationHook.
type EscalationHookFunc func(ctx context.Context, event string, intervention Intervention) error

// OnIntervention calls f.
func (f EscalationHookFunc) OnIntervention(ctx context.Context, event string, i Intervention) error {
	return f(ctx, event, i)
}
