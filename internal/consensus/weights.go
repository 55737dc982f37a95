package consensus

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
)

// DefaultRoleWeight is the weight of any role not listed in a RoleWeights table.
const DefaultRoleWeight = 1.0

// defaultWeights reflects relative influence: strategic roles weigh most,
// perspective roles least.
var defaultWeights = map[string]float64{
	"system-architect":      1.5,
	"product-owner":         1.4,
	"lead-developer":        1.3,
	"tech-lead":             1.3,
	"domain-expert":         1.2,
	"security-expert":       1.2,
	"devops-engineer":       1.1,
	"qa-engineer":           1.1,
	"backend-developer":     1.0,
	"frontend-developer":    1.0,
	"full-stack-developer":  1.0,
	"optimistic-developer":  0.9,
	"pessimistic-developer": 0.9,
}

// RoleWeights maps role names to voting weights. It is immutable after
// construction and safe for concurrent use.
type RoleWeights struct {
	weights map[string]float64
	def     float64
}

// DefaultRoleWeights returns the built-in table with a 1.0 default.
func DefaultRoleWeights() RoleWeights {
	return NewRoleWeights(DefaultRoleWeight, nil)
}

// NewRoleWeights builds a table from the built-in weights, replacing the
// default with def (when positive) and applying overrides on top.
func NewRoleWeights(def float64, overrides map[string]float64) RoleWeights {
	if def <= 0 {
		def = DefaultRoleWeight
	}
	w := maps.Clone(defaultWeights)
	for role, weight := range overrides {
		w[role] = weight
	}
	return RoleWeights{weights: w, def: def}
}

// Lookup returns the weight for role and whether the role is explicitly listed.
// Unlisted roles receive the default weight.
// The zero value behaves like DefaultRoleWeights.
func (rw RoleWeights) Lookup(role string) (float64, bool) {
	table := rw.weights
	if table == nil {
		table = defaultWeights
	}
	if w, ok := table[role]; ok {
		return w, true
	}
	return rw.Default(), false
}

// Weight returns the weight for role, falling back to the default.
func (rw RoleWeights) Weight(role string) float64 {
	w, _ := rw.Lookup(role)
	return w
}

// Default returns the weight applied to unlisted roles.
func (rw RoleWeights) Default() float64 {
	if rw.def == 0 {
		return DefaultRoleWeight
	}
	return rw.def
}

// Roles returns a copy of the explicit role table.
func (rw RoleWeights) Roles() map[string]float64 {
	if rw.weights == nil {
		return maps.Clone(defaultWeights)
	}
	return maps.Clone(rw.weights)
}

// ParseRoleWeights parses "role=weight,role=weight" override lists.
// Weights must be non-negative.
func ParseRoleWeights(s string) (map[string]float64, error) {
	out := map[string]float64{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		role, val, ok := strings.Cut(pair, "=")
		role = strings.TrimSpace(role)
		if !ok || role == "" {
			return nil, fmt.Errorf("role weight %q: expected role=weight", pair)
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil, fmt.Errorf("role weight %q: %w", pair, err)
		}
		if w < 0 {
			return nil, fmt.Errorf("role weight %q: must be non-negative", pair)
		}
		out[role] = w
	}
	return out, nil
}
