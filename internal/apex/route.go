package apex

import (
	"strings"
	"time"

	"github.com/fractal-lba/policyhive/internal/api"
	"github.com/fractal-lba/policyhive/pkg/canonical"
)

// ShadowPrefix marks routes under shadow evaluation. They are never
// selected for production.
const ShadowPrefix = "shadow:"

// Route is a signed, versioned parameter set for one policy.
type Route struct {
	ID         string             `json:"route_id"`
	Scope      map[string]string  `json:"scope"`
	Policy     api.Params         `json:"policy"`
	Guardrails map[string]float64 `json:"guardrails"`
	ProvenOn   int64              `json:"proven_on"`
	Version    int                `json:"version"`
	CreatedAt  time.Time          `json:"created_at"`
	Sig        string             `json:"sig"`
}

// Record returns the route as a flat record including the signature.
func (r Route) Record() map[string]any {
	return map[string]any{
		"route_id":               r.ID,
		"scope":                  r.Scope,
		"policy":                 r.Policy,
		"guardrails":             r.Guardrails,
		"proven_on":              r.ProvenOn,
		"version":                r.Version,
		"created_at":             r.CreatedAt,
		canonical.SignatureField: r.Sig,
	}
}

// Clone returns a deep copy of r.
func (r Route) Clone() Route {
	r.Scope = cloneStrings(r.Scope)
	r.Policy = r.Policy.Clone()
	r.Guardrails = cloneFloats(r.Guardrails)
	return r
}

// Sign sets Sig to the keyed hash of every other field.
func (r *Route) Sign(key []byte) error {
	sig, err := canonical.SignHMAC(r.Record(), key)
	if err != nil {
		return err
	}
	r.Sig = sig
	return nil
}

// Verify checks Sig against the other fields.
func (r Route) Verify(key []byte) error {
	return canonical.VerifyHMAC(r.Record(), r.Sig, key)
}

// IsShadow reports whether id names a shadow entry.
func IsShadow(id string) bool {
	return strings.HasPrefix(id, ShadowPrefix)
}

// RouteID derives the route id published for a policy name by replacing
// every "." with "_".
//
// The mapping is only reversible for policy names without "_": such a
// policy cannot be published (see Routable), and route ids containing "."
// are refused.
func RouteID(policyName string) string {
	return strings.ReplaceAll(policyName, ".", "_")
}

// PolicyName maps a route id back to the policy it configures.
func PolicyName(routeID string) string {
	return strings.ReplaceAll(routeID, "_", ".")
}

// Routable reports whether a policy name survives the round trip through
// its route id.
func Routable(policyName string) bool {
	return policyName != "" && !strings.Contains(policyName, "_")
}

func checkRouteID(id string) error {
	switch {
	case id == "":
		return &api.ValidationError{Field: "route_id", Message: "route id is required"}
	case strings.Contains(id, "."):
		return &api.ValidationError{Field: "route_id", Message: "route id may not contain '.'"}
	}
	return nil
}
