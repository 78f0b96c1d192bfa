package policy

import (
	"math"
	"math/rand/v2"
	"sync"

	"github.com/fractal-lba/policyhive/internal/api"
)

// Kind tags the exploit logic a policy runs. It is fixed at creation.
type Kind string

const (
	KindGeneric   Kind = "generic"
	KindPricing   Kind = "pricing"
	KindPlacement Kind = "placement"
	KindTranching Kind = "tranching"
	KindConnector Kind = "connector"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindGeneric, KindPricing, KindPlacement, KindTranching, KindConnector:
		return true
	}
	return false
}

// Names of the built-in policies.
const (
	PricingPolicy   = "pricing.oaa"
	PlacementPolicy = "placement.market"
	TranchePolicy   = "dealgraph.tranche"
	ConnectorPolicy = "connector.ucb"
)

// Action names produced by the strategies.
const (
	ActionDefault  = "default"
	ActionExplore  = "explore"
	ActionPrice    = "price"
	ActionRank     = "rank"
	ActionReject   = "reject"
	ActionAllocate = "allocate"
	ActionSelect   = "select"
)

// strategy computes the exploit action for one kind. Exploit must treat
// params as read-only.
type strategy interface {
	kind() Kind
	exploit(state api.State, params api.Params, rng *rand.Rand) (string, map[string]any)
}

func newStrategy(k Kind) strategy {
	switch k {
	case KindPricing:
		return pricing{}
	case KindPlacement:
		return placement{}
	case KindTranching:
		return tranching{}
	case KindConnector:
		return newConnectorStats()
	}
	return generic{}
}

// DefaultParams returns the starting parameters for a kind.
func DefaultParams(k Kind) api.Params {
	switch k {
	case KindPricing:
		return api.Params{
			"price_slope":       0.20,
			"pg_attach_logit":   1.5,
			"kelly_cap":         0.35,
			"min_margin":        0.28,
			"surge_sensitivity": 0.5,
		}
	case KindPlacement:
		return api.Params{
			"bid_elasticity":    0.15,
			"quality_weight":    0.6,
			"fraud_penalty":     5.0,
			"min_quality_score": 0.3,
		}
	case KindTranching:
		return api.Params{
			"senior_threshold":  0.85,
			"mezz_threshold":    0.60,
			"coverage_floor":    0.70,
			"sharpe_target":     1.5,
			"expected_loss_cap": 0.15,
		}
	case KindConnector:
		return api.Params{
			"api_preference":     0.8,
			"webhook_preference": 0.6,
			"ban_risk_weight":    2.0,
			"latency_weight":     0.01,
			"retry_boost":        1.2,
		}
	}
	return api.Params{}
}

func round(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}

type generic struct{}

func (generic) kind() Kind { return KindGeneric }

func (generic) exploit(api.State, api.Params, *rand.Rand) (string, map[string]any) {
	return ActionDefault, nil
}

// pricing derives a demand and trust adjusted price with a margin floor,
// an attach probability for the performance guarantee and a capped stake
// fraction.
type pricing struct{}

func (pricing) kind() Kind { return KindPricing }

func (pricing) exploit(state api.State, p api.Params, rng *rand.Rand) (string, map[string]any) {
	basePrice := state.Float("base_price", 100)
	ocs := state.Float("ocs", 50)
	demand := state.Float("demand_score", 0.5)
	variance := state.Float("historical_variance", 0.1)
	cost := state.Float("cost", basePrice*0.3)

	demandAdj := 1 + (demand-0.5)*p["price_slope"]
	ocsAdj := 1 - (ocs-50)/200

	price := basePrice * demandAdj * ocsAdj
	floor := cost * (1 + p["min_margin"])
	if price < floor {
		price = floor
	}

	pgProb := 1 / (1 + math.Exp(-p["pg_attach_logit"]*(ocs/100-0.5)))

	kelly := 0.0
	if price > 0 {
		kelly = math.Min(p["kelly_cap"], (price-cost)/price*0.5)
	}

	return ActionPrice, map[string]any{
		"price":          round(price, 2),
		"spread":         round(variance*p["surge_sensitivity"], 4),
		"pg_probability": round(pgProb, 4),
		"pg_attach":      rng.Float64() < pgProb,
		"kelly_fraction": round(kelly, 3),
	}
}

// placement turns bid and quality into a rank multiplier. Candidates under
// the quality floor are rejected whatever they bid; above it, a bid under
// the state's min_bid is rejected.
type placement struct{}

func (placement) kind() Kind { return KindPlacement }

func (placement) exploit(state api.State, p api.Params, _ *rand.Rand) (string, map[string]any) {
	baseRank := state.Float("organic_rank", 10)
	quality := state.Float("quality_score", 0.5)
	bid := state.Float("bid", 0)
	categoryAvg := state.Float("category_avg_bid", 1.0)

	if quality < p["min_quality_score"] {
		return ActionReject, map[string]any{
			"reason":        api.ReasonBelowQualityFloor,
			"quality_score": quality,
		}
	}

	if minBid := state.Float("min_bid", 0); bid < minBid {
		return ActionReject, map[string]any{
			"reason":  api.ReasonBelowMinimumBid,
			"bid":     bid,
			"min_bid": minBid,
		}
	}

	bidLift := 0.0
	if categoryAvg > 0 {
		bidLift = (bid / categoryAvg) * p["bid_elasticity"]
	}
	qualityContribution := quality * p["quality_weight"]

	finalRank := math.Max(1, math.Round(baseRank*(1-bidLift-qualityContribution)))

	return ActionRank, map[string]any{
		"organic_rank":         baseRank,
		"final_rank":           finalRank,
		"bid_lift":             round(bidLift, 3),
		"quality_contribution": round(qualityContribution, 3),
	}
}

// tranching assigns a tier by trust score and prices expected loss. The
// covered amount must fit in the risk pool when one is given.
type tranching struct{}

func (tranching) kind() Kind { return KindTranching }

func (tranching) exploit(state api.State, p api.Params, _ *rand.Rand) (string, map[string]any) {
	ocs := state.Float("ocs", 50)
	variance := state.Float("variance", 0.1)
	principal := state.Float("principal", 1000)
	defaultRate := state.Float("default_rate", 0.02)

	var (
		tranche      string
		expectedLoss float64
		premiumMult  float64
	)
	switch {
	case ocs >= p["senior_threshold"]*100:
		tranche, expectedLoss, premiumMult = "senior", defaultRate*0.5, 0.8
	case ocs >= p["mezz_threshold"]*100:
		tranche, expectedLoss, premiumMult = "mezzanine", defaultRate, 1.0
	default:
		tranche, expectedLoss, premiumMult = "junior", defaultRate*2, 1.5
	}

	expectedLoss = math.Min(expectedLoss, p["expected_loss_cap"])
	premium := round(principal*(expectedLoss*2+variance*0.5)*premiumMult, 2)

	// pool_capacity <= 0 means the pool is not constrained
	coverage := round(principal*(1-expectedLoss), 2)
	if pool := state.Float("pool_capacity", 0); pool > 0 && coverage > pool {
		return ActionReject, map[string]any{
			"reason":    api.ReasonInsufficientPool,
			"tranche":   tranche,
			"coverage":  coverage,
			"available": pool,
		}
	}

	return ActionAllocate, map[string]any{
		"tranche":        tranche,
		"expected_loss":  round(expectedLoss, 4),
		"premium":        premium,
		"coverage_ratio": round(1-expectedLoss, 4),
	}
}

// Connector names with a preference multiplier or a risk penalty.
const (
	ConnectorAPI      = "api"
	ConnectorWebhook  = "webhook"
	ConnectorHeadless = "headless"
)

// ConnectorStat is the trial record for one pdl and connector pair.
type ConnectorStat struct {
	Successes  int64   `json:"successes"`
	Trials     int64   `json:"trials"`
	AvgLatency float64 `json:"avg_latency_ms"`
}

// connectorStats scores candidates by UCB1 with channel preferences and
// penalties. Outcomes are keyed by "pdl:connector".
type connectorStats struct {
	mu          sync.Mutex
	stats       map[string]*ConnectorStat
	totalTrials int64
}

func newConnectorStats() *connectorStats {
	return &connectorStats{stats: make(map[string]*ConnectorStat)}
}

func (*connectorStats) kind() Kind { return KindConnector }

func (c *connectorStats) record(pdl, connector string, success bool, latencyMs float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := pdl + ":" + connector
	st, ok := c.stats[key]
	if !ok {
		st = &ConnectorStat{}
		c.stats[key] = st
	}
	st.Trials++
	c.totalTrials++
	if success {
		st.Successes++
	}
	st.AvgLatency = st.AvgLatency*0.9 + latencyMs*0.1
}

func (c *connectorStats) snapshot() map[string]ConnectorStat {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]ConnectorStat, len(c.stats))
	for k, v := range c.stats {
		out[k] = *v
	}
	return out
}

func (c *connectorStats) exploit(state api.State, p api.Params, _ *rand.Rand) (string, map[string]any) {
	available := state.Strings("connectors", []string{ConnectorAPI, ConnectorWebhook, ConnectorHeadless})
	pdl := state.Text("pdl_id", "unknown")
	rateLimitRemaining := state.Float("rate_limit_remaining", 100)
	tosRisk := state.Float("tos_risk_score", 0.1)

	c.mu.Lock()
	defer c.mu.Unlock()

	scores := make(map[string]float64, len(available))
	best := ""
	bestScore := math.Inf(-1)

	for _, conn := range available {
		var st ConnectorStat
		if s, ok := c.stats[pdl+":"+conn]; ok {
			st = *s
		}

		// unseen candidate: infinite UCB forces a first trial
		score := math.Inf(1)
		if st.Trials > 0 {
			successRate := float64(st.Successes) / float64(st.Trials)
			bonus := math.Sqrt(2 * math.Log(float64(c.totalTrials)+1) / float64(st.Trials))
			score = successRate + bonus
		}

		switch conn {
		case ConnectorAPI:
			score *= p["api_preference"]
		case ConnectorWebhook:
			score *= p["webhook_preference"]
		case ConnectorHeadless:
			score -= tosRisk * p["ban_risk_weight"]
		}

		score -= st.AvgLatency * p["latency_weight"]

		if conn == ConnectorAPI && rateLimitRemaining < 10 {
			score *= 0.5
		}

		scores[conn] = score
		if best == "" || score > bestScore {
			best, bestScore = conn, score
		}
	}

	rounded := make(map[string]float64, len(scores))
	for k, v := range scores {
		if math.IsInf(v, 0) {
			rounded[k] = v
			continue
		}
		rounded[k] = round(v, 3)
	}

	return ActionSelect, map[string]any{
		"connector":      best,
		"scores":         rounded,
		"retry_envelope": best != "" && best != ConnectorHeadless,
	}
}
