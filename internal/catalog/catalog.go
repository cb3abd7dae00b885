// Package catalog describes the known node types: their category, tiered
// execution pricing, minimum subscription tier and parameter schema.
package catalog

import (
	"embed"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rendis/deflow/pkg/schema"
)

// Node categories.
const (
	CategoryTrigger       = "trigger"
	CategoryNetwork       = "network"
	CategoryData          = "data"
	CategoryLogic         = "logic"
	CategoryUtility       = "utility"
	CategoryCommunication = "communication"
	CategoryDeFi          = "defi"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Definition is the catalog entry of one node type.
type Definition struct {
	Type        string                              `json:"type"`
	Category    string                              `json:"category"`
	Description string                              `json:"description,omitempty"`
	Pricing     map[schema.SubscriptionTier]float64 `json:"pricing,omitempty"`
	MinTier     schema.SubscriptionTier             `json:"min_tier,omitempty"`
	ParamSchema json.RawMessage                     `json:"param_schema,omitempty"`
}

// HasPricing reports whether the node type charges per execution.
func (d Definition) HasPricing() bool {
	return len(d.Pricing) > 0
}

// Catalog is the node-type collaborator consulted by the engine.
type Catalog interface {
	Lookup(nodeType string) (Definition, bool)
	Category(nodeType string) (string, bool)
	List() []Definition
}

// Static is an immutable in-memory Catalog.
type Static struct {
	defs map[string]Definition
}

// New builds a Static catalog. Duplicate types are rejected.
func New(defs ...Definition) (*Static, error) {
	s := &Static{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		if d.Type == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "catalog definition has empty type")
		}
		if _, exists := s.defs[d.Type]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "node type %q defined twice", d.Type)
		}
		s.defs[d.Type] = d
	}
	return s, nil
}

// Lookup returns the definition of nodeType.
func (s *Static) Lookup(nodeType string) (Definition, bool) {
	d, ok := s.defs[nodeType]
	return d, ok
}

// Category returns the category of nodeType.
func (s *Static) Category(nodeType string) (string, bool) {
	d, ok := s.defs[nodeType]
	if !ok {
		return "", false
	}
	return d.Category, true
}

// List returns all definitions sorted by type.
func (s *Static) List() []Definition {
	out := make([]Definition, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// TieredPricing derives per-tier fees from a base price using each tier's
// transaction fee rate.
func TieredPricing(base float64) map[schema.SubscriptionTier]float64 {
	return map[schema.SubscriptionTier]float64{
		schema.TierStandard: base * schema.TierStandard.TransactionFeeRate(),
		schema.TierPremium:  base * schema.TierPremium.TransactionFeeRate(),
		schema.TierPro:      base * schema.TierPro.TransactionFeeRate(),
	}
}

// Builtin returns the catalog of every node type shipped with the engine.
func Builtin() *Static {
	entries := []struct {
		typ, category, desc string
		base                float64
		minTier             schema.SubscriptionTier
	}{
		{"manual_trigger", CategoryTrigger, "Starts a run on demand with the caller's payload", 0, schema.TierStandard},
		{"webhook_trigger", CategoryTrigger, "Starts a run from an inbound webhook payload", 0, schema.TierPremium},
		{"schedule_trigger", CategoryTrigger, "Starts a run on a cron schedule", 0, schema.TierStandard},
		{"price_trigger", CategoryTrigger, "Fires when a token price crosses a threshold", 5, schema.TierPremium},
		{"http_request", CategoryNetwork, "Performs an HTTP request", 0, schema.TierPremium},
		{"transform", CategoryData, "Reshapes the payload with a jq query or a simple transform", 0, schema.TierStandard},
		{"condition", CategoryLogic, "Evaluates a boolean expression against the payload", 0, schema.TierStandard},
		{"delay", CategoryUtility, "Waits for a fixed duration", 0, schema.TierStandard},
		{"email", CategoryCommunication, "Sends an email notification", 0, schema.TierPremium},
		{"yield_farming", CategoryDeFi, "Selects the best yield opportunity and allocates funds", 100, schema.TierPremium},
		{"arbitrage", CategoryDeFi, "Finds the most profitable cross-venue arbitrage", 150, schema.TierPro},
		{"dca", CategoryDeFi, "Dollar-cost averages into a token", 50, schema.TierPremium},
		{"rebalance", CategoryDeFi, "Computes trades to restore a target allocation", 100, schema.TierPremium},
		{"yield_condition", CategoryLogic, "Compares a protocol APY to a threshold", 5, schema.TierPremium},
		{"gas_optimizer", CategoryDeFi, "Recommends a gas price for a chain", 10, schema.TierPremium},
		{"dao_governance", CategoryDeFi, "Lists proposals or casts a governance vote", 20, schema.TierPro},
	}

	defs := make([]Definition, 0, len(entries))
	for _, e := range entries {
		d := Definition{
			Type:        e.typ,
			Category:    e.category,
			Description: e.desc,
			MinTier:     e.minTier,
			ParamSchema: mustSchema(e.typ),
		}
		if e.base > 0 {
			d.Pricing = TieredPricing(e.base)
		}
		defs = append(defs, d)
	}

	s, err := New(defs...)
	if err != nil {
		panic(fmt.Sprintf("catalog: builtin definitions: %v", err))
	}
	return s
}

func mustSchema(nodeType string) json.RawMessage {
	b, err := schemaFS.ReadFile("schemas/" + nodeType + ".json")
	if err != nil {
		panic(fmt.Sprintf("catalog: missing schema for %s: %v", nodeType, err))
	}
	return b
}
