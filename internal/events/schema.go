package events

import (
	"sort"
	"strings"

	"github.com/fractal-lba/policyhive/internal/api"
)

// Schema lists the payload fields an event type carries.
type Schema struct {
	Required []string
	Optional []string
}

// Schemas maps event types to their payload schema. Types without an entry
// are accepted with any payload.
var Schemas = map[string]Schema{
	"coi.executed": {
		Required: []string{"actor_id", "outcome_type", "success"},
		Optional: []string{"sku_id", "pdl_id", "connector_id", "cost", "price", "margin",
			"proof_hashes", "sla_met", "latency_ms", "proofs"},
	},
	"pricing.quoted": {
		Required: []string{"sku_id", "base_price", "quoted_price"},
		Optional: []string{"segment", "spread", "fx_rate", "surge_multiplier",
			"pg_attached", "pg_premium", "ocs"},
	},
	"ifx.order_placed": {
		Required: []string{"actor_id", "side", "size", "price"},
		Optional: []string{"sku_id", "kelly_fraction", "order_id"},
	},
	"ifx.order_filled": {
		Required: []string{"actor_id", "order_id", "fill_price", "fill_size"},
		Optional: []string{"slippage", "kelly_fraction"},
	},
	"dealgraph.tranche_bound": {
		Required: []string{"tranche_id", "tranche_type", "principal"},
		Optional: []string{"expected_loss", "premium", "coverage_ratio", "ocs_floor"},
	},
	"ocs.updated": {
		Required: []string{"actor_id", "ocs", "delta"},
		Optional: []string{"cause", "proofs_added", "sla_hits", "disputes"},
	},
	"placement.auction": {
		Required: []string{"placement_id", "winning_bid"},
		Optional: []string{"bids", "position", "ctr", "cpc", "cps", "category"},
	},
	"bundle.attach": {
		Required: []string{"coi_id", "bundle_skus"},
		Optional: []string{"total_value", "attach_rate"},
	},
	"passport.verified": {
		Required: []string{"entity_id", "passport_hash"},
		Optional: []string{"ocs", "downstream_usage", "verifier"},
	},
	"connector.health": {
		Required: []string{"connector_id"},
		Optional: []string{"latency_p50", "latency_p95", "latency_p99",
			"fail_rate", "rate_limit_hits", "tos_risk_score"},
	},

	FeatureUpdated: {Required: []string{"key", "version"}},
	FeatureExpired: {Required: []string{"count"}},

	PolicySuggested: {Required: []string{"policy", "mode"}, Optional: []string{"action"}},
	PolicyLearned:   {Required: []string{"policy", "reward"}, Optional: []string{"mode"}},

	ExperimentStarted:   {Required: []string{"experiment_id", "type"}},
	ExperimentGraduated: {Required: []string{"experiment_id"}, Optional: []string{"lift", "success_rate"}},
	ExperimentKilled:    {Required: []string{"experiment_id"}, Optional: []string{"lift", "reason"}},

	SplitSelected: {Required: []string{"split_id", "segment", "policy"}, Optional: []string{"amount"}},
	SplitOutcome:  {Required: []string{"split_id", "reward"}, Optional: []string{"segment", "policy", "outcome"}},

	RoutePublished:     {Required: []string{"route_id", "version"}, Optional: []string{"proven_on"}},
	RouteShadowStarted: {Required: []string{"route_id"}, Optional: []string{"version"}},
	RouteLoaded:        {Required: []string{"route_id", "version"}, Optional: []string{"lift"}},
	RouteRejected:      {Required: []string{"route_id", "reason"}, Optional: []string{"lift"}},
}

// Validate checks that payload carries every required field of the event
// type's schema.
func Validate(eventType string, payload map[string]any) error {
	if eventType == "" {
		return &api.ValidationError{Field: "type", Message: "event type is required"}
	}

	schema, ok := Schemas[eventType]
	if !ok {
		return nil
	}

	var missing []string
	for _, f := range schema.Required {
		if _, ok := payload[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &api.ValidationError{
			Field:   strings.Join(missing, ","),
			Message: eventType + " is missing required fields",
		}
	}
	return nil
}
