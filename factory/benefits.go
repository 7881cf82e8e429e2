/*
benefits.go - Benefit table loading

PURPOSE:
  Loads the benefit table (what each service code covers, at what percent,
  up to which yearly limit) from JSON into typed benefit.BenefitEntry
  values. Like the rule set, the table is parsed and validated once at
  startup; adjudication reads typed structs only.

JSON SCHEMA:
  [
    {
      "id": "ben-gp-visit",
      "service_code": "GP-VISIT",
      "category": "outpatient",
      "coverage_percent": "80",
      "limit_amount": "5000",
      "limit_count": 20,
      "active": true
    }
  ]

SEE ALSO:
  - rules.go: Rule set loading, same conventions
  - benefit/types.go: BenefitEntry definition
*/
package factory

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/sufyanhr/waad-claims-engine/benefit"
)

// BenefitJSON is the wire representation of a benefit table line.
type BenefitJSON struct {
	ID              string `json:"id"`
	ServiceCode     string `json:"service_code"`
	Category        string `json:"category,omitempty"`
	CoveragePercent string `json:"coverage_percent"`
	LimitAmount     string `json:"limit_amount"`
	LimitCount      int    `json:"limit_count,omitempty"`
	Active          *bool  `json:"active,omitempty"` // default true
}

// LoadBenefits reads and validates a JSON benefit table.
func LoadBenefits(r io.Reader) ([]benefit.BenefitEntry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read benefits: %w", err)
	}
	return ParseBenefits(data)
}

// ParseBenefits parses a JSON array of benefit entries. Duplicate service
// codes are rejected: adjudication resolves entries by service code and an
// ambiguous table would make coverage nondeterministic.
func ParseBenefits(data []byte) ([]benefit.BenefitEntry, error) {
	var raw []BenefitJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse benefits JSON: %w", err)
	}

	seenID := make(map[string]bool, len(raw))
	seenCode := make(map[string]bool, len(raw))
	entries := make([]benefit.BenefitEntry, 0, len(raw))
	for i, bj := range raw {
		entry, err := benefitFromJSON(bj)
		if err != nil {
			return nil, fmt.Errorf("benefit %d (%q): %w", i, bj.ID, err)
		}
		if seenID[string(entry.ID)] {
			return nil, &benefit.ValidationError{Field: "id", Message: "duplicate benefit id: " + string(entry.ID)}
		}
		if seenCode[entry.ServiceCode] {
			return nil, &benefit.ValidationError{Field: "service_code", Message: "duplicate service code: " + entry.ServiceCode}
		}
		seenID[string(entry.ID)] = true
		seenCode[entry.ServiceCode] = true
		entries = append(entries, entry)
	}
	return entries, nil
}

func benefitFromJSON(bj BenefitJSON) (benefit.BenefitEntry, error) {
	if bj.ID == "" {
		return benefit.BenefitEntry{}, &benefit.ValidationError{Field: "id", Message: "required"}
	}
	if bj.ServiceCode == "" {
		return benefit.BenefitEntry{}, &benefit.ValidationError{Field: "service_code", Message: "required"}
	}

	percent, err := decimal.NewFromString(bj.CoveragePercent)
	if err != nil {
		return benefit.BenefitEntry{}, &benefit.ValidationError{Field: "coverage_percent", Message: "invalid decimal: " + bj.CoveragePercent}
	}
	if percent.IsNegative() || percent.GreaterThan(decimal.NewFromInt(100)) {
		return benefit.BenefitEntry{}, &benefit.ValidationError{Field: "coverage_percent", Message: "must be between 0 and 100"}
	}

	limit, err := parseAmount("limit_amount", bj.LimitAmount)
	if err != nil {
		return benefit.BenefitEntry{}, err
	}

	if bj.LimitCount < 0 {
		return benefit.BenefitEntry{}, &benefit.ValidationError{Field: "limit_count", Message: "must not be negative"}
	}

	entry := benefit.BenefitEntry{
		ID:              benefit.BenefitID(bj.ID),
		ServiceCode:     bj.ServiceCode,
		Category:        bj.Category,
		CoveragePercent: percent,
		LimitAmount:     limit,
		LimitCount:      bj.LimitCount,
		Active:          true,
	}
	if bj.Active != nil {
		entry.Active = *bj.Active
	}
	return entry, nil
}

// DefaultBenefitsJSON is the demo benefit table the server seeds when no
// benefits file is supplied.
func DefaultBenefitsJSON() string {
	return `[
  {
    "id": "ben-gp-visit",
    "service_code": "GP-VISIT",
    "category": "outpatient",
    "coverage_percent": "80",
    "limit_amount": "5000",
    "limit_count": 20,
    "active": true
  },
  {
    "id": "ben-lab-panel",
    "service_code": "LAB-PANEL",
    "category": "diagnostics",
    "coverage_percent": "90",
    "limit_amount": "3000",
    "active": true
  },
  {
    "id": "ben-inpatient-day",
    "service_code": "INP-DAY",
    "category": "inpatient",
    "coverage_percent": "100",
    "limit_amount": "50000",
    "active": true
  },
  {
    "id": "ben-specialty-rx",
    "service_code": "RX-SP-01",
    "category": "pharmacy",
    "coverage_percent": "70",
    "limit_amount": "8000",
    "active": true
  }
]`
}
