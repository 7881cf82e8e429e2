// Package memory provides in-memory store implementations (for testing/dev).
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sufyanhr/waad-claims-engine/benefit"
	"github.com/sufyanhr/waad-claims-engine/chronic"
	"github.com/sufyanhr/waad-claims-engine/preapproval"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Store holds every persisted record behind one RWMutex. Version checks
// match the sqlite store's semantics exactly, so engine and workflow tests
// exercise the same optimistic-locking behavior production sees.
type Store struct {
	mu sync.RWMutex

	benefits      map[benefit.BenefitID]benefit.BenefitEntry
	byService     map[string]benefit.BenefitID
	usage         map[usageKey]benefit.Usage
	conditions    map[string]chronic.Condition
	links         map[string]chronic.MemberCondition
	linksByMember map[benefit.MemberID][]string
	approvals     map[string]preapproval.PreApproval
	byNumber      map[string]string // approval number -> ID
	audit         []benefit.AuditEntry
}

type usageKey struct {
	MemberID  benefit.MemberID
	BenefitID benefit.BenefitID
	Year      int
}

func New() *Store {
	return &Store{
		benefits:      make(map[benefit.BenefitID]benefit.BenefitEntry),
		byService:     make(map[string]benefit.BenefitID),
		usage:         make(map[usageKey]benefit.Usage),
		conditions:    make(map[string]chronic.Condition),
		links:         make(map[string]chronic.MemberCondition),
		linksByMember: make(map[benefit.MemberID][]string),
		approvals:     make(map[string]preapproval.PreApproval),
		byNumber:      make(map[string]string),
	}
}

// =============================================================================
// BENEFIT CATALOG
// =============================================================================

// SeedBenefits loads the benefit table. Replaces any previous seed.
func (s *Store) SeedBenefits(entries []benefit.BenefitEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.benefits = make(map[benefit.BenefitID]benefit.BenefitEntry, len(entries))
	s.byService = make(map[string]benefit.BenefitID, len(entries))
	for _, e := range entries {
		s.benefits[e.ID] = e
		s.byService[e.ServiceCode] = e.ID
	}
}

func (s *Store) ByServiceCode(_ context.Context, code string) (benefit.BenefitEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byService[code]
	if !ok {
		return benefit.BenefitEntry{}, &benefit.NotFoundError{Kind: "benefit", Ref: code}
	}
	entry := s.benefits[id]
	if !entry.Active {
		return benefit.BenefitEntry{}, &benefit.NotFoundError{Kind: "benefit", Ref: code}
	}
	return entry, nil
}

func (s *Store) ByID(_ context.Context, id benefit.BenefitID) (benefit.BenefitEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.benefits[id]
	if !ok {
		return benefit.BenefitEntry{}, &benefit.NotFoundError{Kind: "benefit", Ref: string(id)}
	}
	return entry, nil
}

// =============================================================================
// USAGE STORE
// =============================================================================

func (s *Store) GetUsage(_ context.Context, memberID benefit.MemberID, benefitID benefit.BenefitID, year int) (benefit.Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k := usageKey{MemberID: memberID, BenefitID: benefitID, Year: year}
	if u, ok := s.usage[k]; ok {
		return u, nil
	}
	// Absent row: zero usage, version 0.
	return benefit.Usage{
		MemberID:   memberID,
		BenefitID:  benefitID,
		Year:       year,
		UsedAmount: benefit.ZeroMoney(),
	}, nil
}

func (s *Store) PutUsage(_ context.Context, u benefit.Usage, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := usageKey{MemberID: u.MemberID, BenefitID: u.BenefitID, Year: u.Year}

	current, exists := s.usage[k]
	switch {
	case !exists && expectedVersion != 0:
		return &benefit.ConflictError{Resource: "usage", Key: string(u.MemberID) + "/" + string(u.BenefitID)}
	case exists && current.Version != expectedVersion:
		return &benefit.ConflictError{Resource: "usage", Key: string(u.MemberID) + "/" + string(u.BenefitID)}
	}

	u.Version = expectedVersion + 1
	s.usage[k] = u
	return nil
}

// =============================================================================
// EXTRA LIMIT STORE - Same rows as the chronic link store
// =============================================================================

func (s *Store) GetExtraLimit(_ context.Context, linkID string) (limit, used benefit.Money, version int64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	link, ok := s.links[linkID]
	if !ok {
		return benefit.Money{}, benefit.Money{}, 0, &benefit.NotFoundError{Kind: "condition", Ref: linkID}
	}
	return link.ExtraLimit, link.ExtraLimitUsed, link.Version, nil
}

func (s *Store) PutExtraLimitUsed(_ context.Context, linkID string, used benefit.Money, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[linkID]
	if !ok {
		return &benefit.NotFoundError{Kind: "condition", Ref: linkID}
	}
	if link.Version != expectedVersion {
		return &benefit.ConflictError{Resource: "condition", Key: linkID}
	}
	link.ExtraLimitUsed = used
	link.Version++
	link.UpdatedAt = time.Now().UTC()
	s.links[linkID] = link
	return nil
}

// =============================================================================
// CHRONIC STORE
// =============================================================================

// SeedConditions loads the chronic condition catalog.
func (s *Store) SeedConditions(conditions []chronic.Condition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range conditions {
		s.conditions[c.Code] = c
	}
}

// PutLink inserts or replaces a member condition link. Seeding only; runtime
// mutation of the used counter goes through PutExtraLimitUsed.
func (s *Store) PutLink(link chronic.MemberCondition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.links[link.ID]; !exists {
		s.linksByMember[link.MemberID] = append(s.linksByMember[link.MemberID], link.ID)
	}
	s.links[link.ID] = link
}

func (s *Store) GetCondition(_ context.Context, code string) (chronic.Condition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conditions[code]
	if !ok {
		return chronic.Condition{}, &benefit.NotFoundError{Kind: "condition", Ref: code}
	}
	return c, nil
}

func (s *Store) LinksByMember(_ context.Context, memberID benefit.MemberID) ([]chronic.MemberCondition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.linksByMember[memberID]
	out := make([]chronic.MemberCondition, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.links[id])
	}
	return out, nil
}

func (s *Store) GetLink(_ context.Context, linkID string) (chronic.MemberCondition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	link, ok := s.links[linkID]
	if !ok {
		return chronic.MemberCondition{}, &benefit.NotFoundError{Kind: "condition", Ref: linkID}
	}
	return link, nil
}

// =============================================================================
// APPROVAL STORE
// =============================================================================

func (s *Store) CreateApproval(_ context.Context, p preapproval.PreApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.approvals[p.ID]; exists {
		return &benefit.ConflictError{Resource: "approval", Key: p.ID}
	}
	if _, exists := s.byNumber[p.ApprovalNumber]; exists {
		return &benefit.ConflictError{Resource: "approval", Key: p.ApprovalNumber}
	}
	p.Version = 1
	s.approvals[p.ID] = p
	s.byNumber[p.ApprovalNumber] = p.ID
	return nil
}

func (s *Store) GetApproval(_ context.Context, id string) (preapproval.PreApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.approvals[id]
	if !ok {
		return preapproval.PreApproval{}, &benefit.NotFoundError{Kind: "approval", Ref: id}
	}
	return p, nil
}

func (s *Store) GetApprovalByNumber(_ context.Context, number string) (preapproval.PreApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byNumber[number]
	if !ok {
		return preapproval.PreApproval{}, &benefit.NotFoundError{Kind: "approval", Ref: number}
	}
	return s.approvals[id], nil
}

func (s *Store) UpdateApproval(_ context.Context, p preapproval.PreApproval, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.approvals[p.ID]
	if !ok {
		return &benefit.NotFoundError{Kind: "approval", Ref: p.ID}
	}
	if current.Version != expectedVersion {
		return &benefit.ConflictError{Resource: "approval", Key: p.ID}
	}
	p.Version = expectedVersion + 1
	s.approvals[p.ID] = p
	return nil
}

func (s *Store) ListApprovalsByStatus(_ context.Context, memberID benefit.MemberID, statuses ...preapproval.Status) ([]preapproval.PreApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[preapproval.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var out []preapproval.PreApproval
	for _, p := range s.approvals {
		if memberID != "" && p.MemberID != memberID {
			continue
		}
		if len(want) > 0 && !want[p.Status] {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListExpiring(_ context.Context, cutoff time.Time) ([]preapproval.PreApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []preapproval.PreApproval
	for _, p := range s.approvals {
		if preapproval.IsTerminal(p.Status) {
			continue
		}
		if p.ValidUntil.IsZero() || p.ValidUntil.After(cutoff) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValidUntil.Before(out[j].ValidUntil) })
	return out, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) AppendAudit(_ context.Context, entry benefit.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

// AuditEntries returns a copy of the audit trail, oldest first.
func (s *Store) AuditEntries() []benefit.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]benefit.AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}

// Interface conformance.
var (
	_ benefit.BenefitCatalog    = (*Store)(nil)
	_ benefit.UsageStore        = (*Store)(nil)
	_ benefit.ExtraLimitStore   = (*Store)(nil)
	_ benefit.AuditLog          = (*Store)(nil)
	_ chronic.Store             = (*Store)(nil)
	_ preapproval.ApprovalStore = (*Store)(nil)
)
