/*
Package factory provides JSON to Go configuration conversion.

PURPOSE:
  Converts JSON rule-set and benefit-table definitions into typed
  preapproval.Rule and benefit.BenefitEntry values. This enables
  configuration without code changes - operations staff can define
  pre-approval rules in JSON, and the factory creates the proper Go structs.

WHY JSON?
  - Non-developers can modify rule sets
  - Easy integration with admin tooling
  - Version control for rule definitions
  - Rules are parsed and validated ONCE at load; evaluation never touches
    JSON again

JSON SCHEMA (rules):
  [
    {
      "id": "rule-lab-expensive",
      "service_code_pattern": "LAB*",
      "provider_type": "hospital",
      "min_amount": "1000",
      "chronic_only": false,
      "required_level": "MEDICAL",
      "allow_auto_approval": true,
      "max_auto_approve_amount": "2500",
      "priority": 100,
      "validity_days": 30,
      "active": true
    }
  ]

VALIDATION:
  Bad wildcard placement, unknown levels, negative amounts, and duplicate
  rule IDs are all rejected with ValidationError before any rule is used.

SEE ALSO:
  - preapproval/rules.go: Rule type and matching semantics
  - benefits.go: Benefit table loading
*/
package factory

import (
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/sufyanhr/waad-claims-engine/benefit"
	"github.com/sufyanhr/waad-claims-engine/preapproval"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RuleJSON is the wire representation of a pre-approval rule. Amounts are
// decimal strings; floats never carry money.
type RuleJSON struct {
	ID                   string `json:"id"`
	ServiceCodePattern   string `json:"service_code_pattern,omitempty"`
	ProviderType         string `json:"provider_type,omitempty"`
	MinAmount            string `json:"min_amount,omitempty"`
	ChronicOnly          bool   `json:"chronic_only,omitempty"`
	RequiredLevel        string `json:"required_level"`
	AllowAutoApproval    bool   `json:"allow_auto_approval,omitempty"`
	MaxAutoApproveAmount string `json:"max_auto_approve_amount,omitempty"`
	Priority             int    `json:"priority"`
	ValidityDays         int    `json:"validity_days,omitempty"`
	Active               *bool  `json:"active,omitempty"` // default true
}

// =============================================================================
// LOADING
// =============================================================================

// LoadRules reads and validates a JSON rule set.
func LoadRules(r io.Reader) ([]preapproval.Rule, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules parses a JSON array of rules and validates every entry. Any
// invalid rule fails the whole load; a partially-valid rule set never runs.
func ParseRules(data []byte) ([]preapproval.Rule, error) {
	var raw []RuleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse rules JSON: %w", err)
	}

	seen := make(map[string]bool, len(raw))
	rules := make([]preapproval.Rule, 0, len(raw))
	for i, rj := range raw {
		rule, err := ruleFromJSON(rj)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%q): %w", i, rj.ID, err)
		}
		if seen[rule.ID] {
			return nil, &benefit.ValidationError{Field: "id", Message: "duplicate rule id: " + rule.ID}
		}
		seen[rule.ID] = true
		rules = append(rules, rule)
	}
	return rules, nil
}

func ruleFromJSON(rj RuleJSON) (preapproval.Rule, error) {
	if rj.ID == "" {
		return preapproval.Rule{}, &benefit.ValidationError{Field: "id", Message: "required"}
	}
	if err := validatePattern(rj.ServiceCodePattern); err != nil {
		return preapproval.Rule{}, err
	}

	level, err := preapproval.ParseLevel(rj.RequiredLevel)
	if err != nil {
		return preapproval.Rule{}, err
	}

	rule := preapproval.Rule{
		ID:                 rj.ID,
		ServiceCodePattern: rj.ServiceCodePattern,
		ProviderType:       rj.ProviderType,
		ChronicOnly:        rj.ChronicOnly,
		RequiredLevel:      level,
		AllowAutoApproval:  rj.AllowAutoApproval,
		Priority:           rj.Priority,
		ValidityDays:       rj.ValidityDays,
		Active:             true,
	}
	if rj.Active != nil {
		rule.Active = *rj.Active
	}

	if rj.MinAmount != "" {
		min, err := parseAmount("min_amount", rj.MinAmount)
		if err != nil {
			return preapproval.Rule{}, err
		}
		rule.MinAmount = min
		rule.HasMinAmount = true
	}

	if rj.MaxAutoApproveAmount != "" {
		max, err := parseAmount("max_auto_approve_amount", rj.MaxAutoApproveAmount)
		if err != nil {
			return preapproval.Rule{}, err
		}
		rule.MaxAutoApproveAmount = max
	}
	if rule.AllowAutoApproval && !rule.MaxAutoApproveAmount.IsPositive() {
		return preapproval.Rule{}, &benefit.ValidationError{
			Field:   "max_auto_approve_amount",
			Message: "must be positive when auto-approval is allowed",
		}
	}

	if rj.ValidityDays < 0 {
		return preapproval.Rule{}, &benefit.ValidationError{Field: "validity_days", Message: "must not be negative"}
	}

	return rule, nil
}

// validatePattern allows at most one wildcard, and only at the end.
func validatePattern(p string) error {
	if idx := strings.Index(p, "*"); idx >= 0 && idx != len(p)-1 {
		return &benefit.ValidationError{
			Field:   "service_code_pattern",
			Message: "wildcard is only allowed at the end of the pattern",
		}
	}
	if strings.Count(p, "*") > 1 {
		return &benefit.ValidationError{
			Field:   "service_code_pattern",
			Message: "at most one wildcard",
		}
	}
	return nil
}

func parseAmount(field, s string) (benefit.Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return benefit.Money{}, &benefit.ValidationError{Field: field, Message: "invalid decimal: " + s}
	}
	if d.IsNegative() {
		return benefit.Money{}, &benefit.ValidationError{Field: field, Message: "must not be negative"}
	}
	return benefit.Money{Value: d}, nil
}

// =============================================================================
// DEFAULT RULE SET
// =============================================================================

// DefaultRulesJSON is the built-in rule set the server seeds when no rules
// file is supplied. Covers the common routing cases: expensive lab work,
// hospital admissions, chronic-only specialty drugs.
func DefaultRulesJSON() string {
	return `[
  {
    "id": "rule-lab-expensive",
    "service_code_pattern": "LAB*",
    "min_amount": "1000",
    "required_level": "MEDICAL",
    "allow_auto_approval": true,
    "max_auto_approve_amount": "2500",
    "priority": 100,
    "validity_days": 30,
    "active": true
  },
  {
    "id": "rule-inpatient",
    "service_code_pattern": "INP*",
    "required_level": "MANAGER",
    "priority": 200,
    "validity_days": 14,
    "active": true
  },
  {
    "id": "rule-chronic-specialty-rx",
    "service_code_pattern": "RX-SP*",
    "chronic_only": true,
    "required_level": "MEDICAL",
    "allow_auto_approval": true,
    "max_auto_approve_amount": "1500",
    "priority": 150,
    "validity_days": 90,
    "active": true
  },
  {
    "id": "rule-high-cost-any",
    "min_amount": "10000",
    "required_level": "DIRECTOR",
    "priority": 300,
    "validity_days": 30,
    "active": true
  }
]`
}
