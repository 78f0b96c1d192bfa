package brain

import (
	"context"
	"fmt"

	"github.com/fractal-lba/policyhive/internal/events"
	"github.com/fractal-lba/policyhive/internal/featurestore"
)

// featureUpdate maps an outcome event onto the feature record it refreshes.
type featureUpdate func(p map[string]any) (featurestore.Key, map[string]any)

var featureUpdates = map[string]featureUpdate{
	"coi.executed": func(p map[string]any) (featurestore.Key, map[string]any) {
		return featurestore.Key{"actor_id": str(p, "actor_id"), "sku_id": str(p, "sku_id")},
			map[string]any{
				"last_coi_success": p["success"],
				"last_coi_margin":  valueOr(p, "margin", 0.0),
				"last_coi_latency": valueOr(p, "latency_ms", 0.0),
			}
	},
	"pricing.quoted": func(p map[string]any) (featurestore.Key, map[string]any) {
		return featurestore.Key{"sku_id": str(p, "sku_id"), "segment": str(p, "segment")},
			map[string]any{
				"last_quote":  p["quoted_price"],
				"last_spread": valueOr(p, "spread", 0.0),
				"pg_attached": valueOr(p, "pg_attached", false),
			}
	},
	"ifx.order_filled": func(p map[string]any) (featurestore.Key, map[string]any) {
		return featurestore.Key{"actor_id": str(p, "actor_id")},
			map[string]any{
				"last_fill_price": p["fill_price"],
				"last_slippage":   valueOr(p, "slippage", 0.0),
				"kelly_fraction":  valueOr(p, "kelly_fraction", 0.1),
			}
	},
	"dealgraph.tranche_bound": func(p map[string]any) (featurestore.Key, map[string]any) {
		return featurestore.Key{"tranche_id": str(p, "tranche_id")},
			map[string]any{
				"tranche_type":  p["tranche_type"],
				"expected_loss": valueOr(p, "expected_loss", 0.0),
				"premium":       valueOr(p, "premium", 0.0),
			}
	},
	"ocs.updated": func(p map[string]any) (featurestore.Key, map[string]any) {
		return featurestore.Key{"actor_id": str(p, "actor_id")},
			map[string]any{"ocs": valueOr(p, "ocs", featurestore.DefaultOCS)}
	},
	"placement.auction": func(p map[string]any) (featurestore.Key, map[string]any) {
		return featurestore.Key{"placement_id": str(p, "placement_id")},
			map[string]any{
				"winning_bid": p["winning_bid"],
				"ctr":         valueOr(p, "ctr", 0.0),
				"conversion":  valueOr(p, "conversion", 0.0),
			}
	},
	"connector.health": func(p map[string]any) (featurestore.Key, map[string]any) {
		return featurestore.Key{"connector_id": str(p, "connector_id")},
			map[string]any{
				"latency_p95":     valueOr(p, "latency_p95", 0.0),
				"fail_rate":       valueOr(p, "fail_rate", 0.0),
				"rate_limit_hits": valueOr(p, "rate_limit_hits", 0),
			}
	},
}

// wireHandlers keeps the feature store current with platform outcomes.
func (b *Brain) wireHandlers() {
	for eventType, fn := range featureUpdates {
		fn := fn
		b.dispatcher.On(eventType, func(_ context.Context, ev events.Event) {
			key, features := fn(ev.Payload)
			if _, err := b.features.Update(key, features, 0); err != nil {
				b.log.WithError(err).WithField("type", ev.Type).Debug("event carried no feature key")
			}
		})
	}
}

func str(p map[string]any, k string) string {
	v, ok := p[k]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func valueOr(p map[string]any, k string, def any) any {
	if v, ok := p[k]; ok && v != nil {
		return v
	}
	return def
}
