package events

// Emitter is the fire-and-forget telemetry hook held by every component.
// Emit never blocks and never reports failure to the caller.
type Emitter interface {
	Emit(eventType string, payload map[string]any)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(eventType string, payload map[string]any)

// Emit calls f.
func (f EmitterFunc) Emit(eventType string, payload map[string]any) {
	f(eventType, payload)
}

// Nop discards every event.
var Nop Emitter = EmitterFunc(func(string, map[string]any) {})

// OrNop returns e, or Nop when e is nil.
func OrNop(e Emitter) Emitter {
	if e == nil {
		return Nop
	}
	return e
}

// Internal event types raised by the decision components.
const (
	FeatureUpdated = "feature.updated"
	FeatureExpired = "feature.expired"

	PolicySuggested = "policy.suggested"
	PolicyLearned   = "policy.learned"

	ExperimentStarted   = "experiment.started"
	ExperimentGraduated = "experiment.graduated"
	ExperimentKilled    = "experiment.killed"

	SplitSelected = "split.selected"
	SplitOutcome  = "split.outcome"

	RoutePublished     = "route.published"
	RouteShadowStarted = "route.shadow_started"
	RouteLoaded        = "route.loaded"
	RouteRejected      = "route.rejected"
)
