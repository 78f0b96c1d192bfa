package brain

import (
	"context"
	"time"

	"github.com/fractal-lba/policyhive/internal/apex"
	"github.com/fractal-lba/policyhive/internal/api"
	"github.com/fractal-lba/policyhive/internal/events"
	"github.com/fractal-lba/policyhive/internal/exploration"
	"github.com/fractal-lba/policyhive/internal/featurestore"
	"github.com/fractal-lba/policyhive/internal/revsplit"
	"github.com/fractal-lba/policyhive/pkg/otel"
)

const tracerName = "policyhive/brain"

// Suggest asks the named policy for an action.
func (b *Brain) Suggest(ctx context.Context, policyName string, state api.State) api.Action {
	return b.policies.Suggest(ctx, policyName, state)
}

// SuggestStrict is Suggest with rejections surfaced as errors.
func (b *Brain) SuggestStrict(ctx context.Context, policyName string, state api.State) (api.Action, error) {
	return b.policies.SuggestStrict(ctx, policyName, state)
}

// Learn reports the reward earned by an action.
func (b *Brain) Learn(ctx context.Context, policyName string, state api.State, action api.Action, reward float64, meta map[string]any) {
	b.policies.Learn(ctx, policyName, state, action, reward, meta)
}

// ShouldExplore reports whether the current decision may explore.
func (b *Brain) ShouldExplore(decisionCtx map[string]any) bool {
	return b.governor.ShouldExplore(decisionCtx)
}

// Emit ingests an outcome event from the surrounding platform.
func (b *Brain) Emit(eventType string, payload map[string]any) (events.Event, error) {
	return b.dispatcher.Publish(eventType, payload)
}

// OCS returns the trust score recorded for actorID.
func (b *Brain) OCS(actorID string) float64 {
	return b.features.OCS(actorID)
}

// Feature store administration.

func (b *Brain) GetFeatures(key featurestore.Key, fields ...string) (map[string]any, error) {
	return b.features.Get(key, fields...)
}

func (b *Brain) UpdateFeatures(key featurestore.Key, features map[string]any, ttl time.Duration) (int, error) {
	return b.features.Update(key, features, ttl)
}

func (b *Brain) ScanFeatures(partial featurestore.Key, limit int) []featurestore.Record {
	return b.features.Scan(partial, limit)
}

func (b *Brain) DeleteFeatures(key featurestore.Key) bool {
	return b.features.Delete(key)
}

// Exploration administration.

func (b *Brain) StartExperiment(id string, typ exploration.Type, cfg map[string]any) (exploration.Experiment, error) {
	return b.governor.StartExperiment(id, typ, cfg)
}

func (b *Brain) RecordExploration(ctx context.Context, id string, success bool, reward float64, baseline *float64) (exploration.Check, error) {
	return b.governor.RecordExploration(ctx, id, success, reward, baseline)
}

func (b *Brain) GraduateExperiment(id string) (exploration.Experiment, error) {
	return b.governor.GraduateExperiment(id)
}

func (b *Brain) KillExperiment(id, reason string) (exploration.Experiment, error) {
	return b.governor.KillExperiment(id, reason)
}

func (b *Brain) ListExperiments(status exploration.Status) []exploration.Experiment {
	return b.governor.ListExperiments(status)
}

// Revenue split administration.

func (b *Brain) GetOptimalSplit(ctx context.Context, amount float64, segment, forcePolicy string) (revsplit.Split, error) {
	return b.splits.GetOptimalSplit(ctx, amount, segment, forcePolicy)
}

func (b *Brain) RecordSplitOutcome(ctx context.Context, splitID string, accepted, completed bool, ltvDelta, riskCost float64) (revsplit.OutcomeResult, error) {
	return b.splits.RecordOutcome(ctx, splitID, accepted, completed, ltvDelta, riskCost)
}

// Route administration.

func (b *Brain) FindTopRoutes(topK int, minLift float64) []apex.Candidate {
	return b.routes.FindTop(topK, minLift)
}

// PublishRoutes publishes candidates, or the current top policies when
// candidates is nil.
func (b *Brain) PublishRoutes(ctx context.Context, candidates []apex.Candidate) apex.PublishResult {
	ctx, span := otel.StartSpan(ctx, tracerName, "brain.publish_routes")
	defer span.End()
	return b.routes.Publish(ctx, candidates)
}

func (b *Brain) SubscribeRoutes(patterns ...string) []string {
	return b.routes.Subscribe(patterns...)
}

func (b *Brain) SyncRoutes(ctx context.Context) (apex.SyncResult, error) {
	return b.routes.Sync(ctx)
}

func (b *Brain) HotLoad(ctx context.Context, route apex.Route) (apex.LoadResult, error) {
	return b.routes.HotLoad(ctx, route)
}

func (b *Brain) RecordShadowResult(routeID string, reward, baselineReward float64) {
	b.routes.RecordShadowResult(routeID, reward, baselineReward)
}

func (b *Brain) ListRoutes() []apex.RouteSummary {
	return b.routes.ListRoutes()
}

// RunJob runs a scheduled job immediately.
func (b *Brain) RunJob(ctx context.Context, name string) error {
	return b.sched.RunNow(ctx, name)
}

// EventHistory returns recent dispatched events.
func (b *Brain) EventHistory(eventType string, limit int) []events.Event {
	return b.dispatcher.History(eventType, limit)
}
