/*
Package preapproval decides whether a requested service needs prior
authorization and manages the authorization's lifecycle.

rules.go - Requirement detection and rule matching

PURPOSE:
  Given a requested service (member, service code, provider, amount),
  compute a Requirement verdict from three independent signals:

    mandatory-chronic  a valid condition forces review  -> level >= MEDICAL
    exceed-limit       amount > remaining balance       -> level >= MANAGER
    rule-match         highest-priority matching rule   -> rule's level

  The final level is the maximum severity across fired signals. Auto-
  approval is only ever granted by a matched rule, and never while a
  forcing signal (mandatory-chronic, exceed-limit) is present.

RULE MATCHING:
  A rule matches when all of its set predicates hold:
    - chronicOnly      => member has at least one valid chronic condition
    - serviceCode      exact match, or prefix match for a trailing "*"
    - providerType     equal, when the rule names one
    - minAmount        amount >= minAmount, when set
  Candidates are ordered by priority descending, rule ID ascending for a
  stable tiebreak; the first candidate wins.

  Rules are immutable configuration parsed once at load time (factory
  package); evaluation is read-only and safe for arbitrary parallelism.

SEE ALSO:
  - workflow.go: What happens once a requirement yields a pre-approval
  - factory/rules.go: Typed rule loading and validation
*/
package preapproval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sufyanhr/waad-claims-engine/benefit"
	"github.com/sufyanhr/waad-claims-engine/chronic"
)

// =============================================================================
// APPROVAL LEVEL - Ordered by severity
// =============================================================================

type Level int

const (
	LevelAuto Level = iota
	LevelMedical
	LevelManager
	LevelDirector
)

func (l Level) String() string {
	switch l {
	case LevelAuto:
		return "AUTO"
	case LevelMedical:
		return "MEDICAL"
	case LevelManager:
		return "MANAGER"
	case LevelDirector:
		return "DIRECTOR"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(s) {
	case "AUTO":
		return LevelAuto, nil
	case "MEDICAL":
		return LevelMedical, nil
	case "MANAGER":
		return LevelManager, nil
	case "DIRECTOR":
		return LevelDirector, nil
	default:
		return LevelAuto, &benefit.ValidationError{Field: "level", Message: "unknown approval level: " + s}
	}
}

func maxLevel(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}

// =============================================================================
// RULE - Immutable matching configuration
// =============================================================================

type Rule struct {
	ID string

	// Matching predicate. Zero values mean "not set" and always match.
	ServiceCodePattern string // optional single trailing "*" wildcard
	ProviderType       string
	MinAmount          benefit.Money
	HasMinAmount       bool
	ChronicOnly        bool

	// Outcome.
	RequiredLevel        Level
	AllowAutoApproval    bool
	MaxAutoApproveAmount benefit.Money
	Priority             int
	ValidityDays         int

	Active bool
}

// MatchesService reports whether the rule's service-code pattern covers the
// code. A pattern ending in "*" matches by prefix; otherwise exact.
func (r Rule) MatchesService(code string) bool {
	if r.ServiceCodePattern == "" {
		return true
	}
	if strings.HasSuffix(r.ServiceCodePattern, "*") {
		return strings.HasPrefix(code, strings.TrimSuffix(r.ServiceCodePattern, "*"))
	}
	return r.ServiceCodePattern == code
}

func (r Rule) matches(code, providerType string, amount benefit.Money, hasChronic bool) bool {
	if !r.Active {
		return false
	}
	if r.ChronicOnly && !hasChronic {
		return false
	}
	if !r.MatchesService(code) {
		return false
	}
	if r.ProviderType != "" && r.ProviderType != providerType {
		return false
	}
	if r.HasMinAmount && amount.LessThan(r.MinAmount) {
		return false
	}
	return true
}

// =============================================================================
// REQUIREMENT - The verdict
// =============================================================================

type Requirement struct {
	Required bool
	Reasons  []string
	Level    Level

	// ExceedAmount is amount - currentRemainingBalance when the exceed-limit
	// signal fired; zero otherwise.
	ExceedAmount benefit.Money

	// AllowAutoApproval mirrors the matched rule's flag; CanAutoApprove is
	// the final gate (rule allows it, amount under threshold, and no
	// forcing signal fired).
	AllowAutoApproval bool
	CanAutoApprove    bool

	MatchedRuleID string
	MatchedRule   *Rule
}

const (
	ReasonMandatoryChronic = "mandatory_chronic_condition"
	ReasonExceedLimit      = "exceeds_remaining_balance"
	ReasonRuleMatch        = "rule_match"
)

// =============================================================================
// BALANCE SOURCE - Real ledger remaining for the requested service
// =============================================================================

// BalanceSource resolves the member's current remaining regular balance for
// the benefit a service code maps to. The exceed-limit signal is computed
// against this, never against a placeholder.
type BalanceSource interface {
	RemainingForService(ctx context.Context, memberID benefit.MemberID, serviceCode string, year int) (benefit.Money, error)
}

// LedgerBalanceSource adapts the benefit ledger to BalanceSource.
type LedgerBalanceSource struct {
	Catalog benefit.BenefitCatalog
	Ledger  *benefit.Ledger
}

func (s *LedgerBalanceSource) RemainingForService(ctx context.Context, memberID benefit.MemberID, serviceCode string, year int) (benefit.Money, error) {
	entry, err := s.Catalog.ByServiceCode(ctx, serviceCode)
	if err != nil {
		return benefit.Money{}, err
	}
	return s.Ledger.Remaining(ctx, memberID, entry.ID, year)
}

// =============================================================================
// MATCHER
// =============================================================================

type Matcher struct {
	Rules    []Rule
	Registry *chronic.Registry
	Balance  BalanceSource
}

func NewMatcher(rules []Rule, registry *chronic.Registry, balance BalanceSource) *Matcher {
	return &Matcher{Rules: rules, Registry: registry, Balance: balance}
}

// EvaluateRequest is the requested-service snapshot the matcher judges.
type EvaluateRequest struct {
	MemberID     benefit.MemberID
	ServiceCode  string
	ProviderType string
	Amount       benefit.Money
	Year         int
	AsOf         time.Time
}

// Evaluate computes the Requirement verdict per the three-signal model.
func (m *Matcher) Evaluate(ctx context.Context, req EvaluateRequest) (Requirement, error) {
	if req.MemberID == "" {
		return Requirement{}, &benefit.ValidationError{Field: "memberId", Message: "required"}
	}
	if req.ServiceCode == "" {
		return Requirement{}, &benefit.ValidationError{Field: "serviceCode", Message: "required"}
	}
	if !req.Amount.IsPositive() {
		return Requirement{}, &benefit.ValidationError{Field: "amount", Message: "must be positive"}
	}
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	valid, err := m.Registry.ActiveConditions(ctx, req.MemberID, asOf)
	if err != nil {
		return Requirement{}, err
	}
	hasChronic := len(valid) > 0

	result := Requirement{Level: LevelAuto, ExceedAmount: benefit.ZeroMoney()}

	// Signal 1: mandatory chronic review.
	mandatory := false
	for _, link := range valid {
		if link.RequiresMandatoryPreApproval {
			mandatory = true
			break
		}
	}
	if mandatory {
		result.Required = true
		result.Reasons = append(result.Reasons, ReasonMandatoryChronic)
		result.Level = maxLevel(result.Level, LevelMedical)
	}

	// Signal 2: exceed-limit against the real ledger remaining.
	remaining, err := m.Balance.RemainingForService(ctx, req.MemberID, req.ServiceCode, req.Year)
	if err != nil {
		return Requirement{}, err
	}
	exceeded := req.Amount.GreaterThan(remaining.FloorZero())
	if exceeded {
		result.Required = true
		result.Reasons = append(result.Reasons, ReasonExceedLimit)
		result.Level = maxLevel(result.Level, LevelManager)
		result.ExceedAmount = req.Amount.Sub(remaining.FloorZero())
	}

	// Signal 3: highest-priority matching rule.
	if rule := m.match(req.ServiceCode, req.ProviderType, req.Amount, hasChronic); rule != nil {
		result.Required = true
		result.Reasons = append(result.Reasons, ReasonRuleMatch)
		result.Level = maxLevel(result.Level, rule.RequiredLevel)
		result.AllowAutoApproval = rule.AllowAutoApproval
		result.MatchedRuleID = rule.ID
		result.MatchedRule = rule
	}

	// Auto-approval is never granted while a forcing signal is present.
	result.CanAutoApprove = result.MatchedRule != nil &&
		result.AllowAutoApproval &&
		!req.Amount.GreaterThan(result.MatchedRule.MaxAutoApproveAmount) &&
		!mandatory &&
		!exceeded

	return result, nil
}

// match returns the winning candidate: priority descending, rule ID
// ascending for a stable tiebreak.
func (m *Matcher) match(code, providerType string, amount benefit.Money, hasChronic bool) *Rule {
	var candidates []Rule
	for _, r := range m.Rules {
		if r.matches(code, providerType, amount, hasChronic) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})

	winner := candidates[0]
	return &winner
}
