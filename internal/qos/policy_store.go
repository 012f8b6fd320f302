package qos

import (
	"sort"
	"sync"

	"github.com/coreweave-labs/inferunner/internal/types"
)

// PolicyStore holds configured QosPolicy entries, matched by tenant/model
// filter and ordered by priority (highest first). Policies are stored as
// given (a sorted copy), with no zero-value normalization.
type PolicyStore struct {
	mu       sync.RWMutex
	policies []types.QosPolicy
}

// NewPolicyStore constructs a store from an initial policy set.
func NewPolicyStore(policies []types.QosPolicy) *PolicyStore {
	s := &PolicyStore{}
	s.Replace(policies)
	return s
}

// Replace swaps in a new policy set, sorted by descending priority.
func (s *PolicyStore) Replace(policies []types.QosPolicy) {
	sorted := make([]types.QosPolicy, len(policies))
	copy(sorted, policies)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })

	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies = sorted
}

// MatchFor returns the single highest-priority enabled policy whose
// filters match tenantID/modelID, or false if none match.
func (s *PolicyStore) MatchFor(tenantID, modelID string) (types.QosPolicy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.policies {
		if !p.Enabled {
			continue
		}
		if matches(p, tenantID, modelID) {
			return p, true
		}
	}
	return types.QosPolicy{}, false
}

func matches(p types.QosPolicy, tenantID, modelID string) bool {
	for _, slo := range p.Slos {
		tenantOK := slo.TenantID == "" || slo.TenantID == tenantID
		modelOK := slo.ModelID == "" || slo.ModelID == modelID
		if tenantOK && modelOK {
			return true
		}
	}
	return false
}

// All returns every configured policy, priority-ordered.
func (s *PolicyStore) All() []types.QosPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.QosPolicy, len(s.policies))
	copy(out, s.policies)
	return out
}
