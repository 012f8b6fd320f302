// Package canary implements the Canary Manager (C11): deterministic
// hash-based traffic split, a per-variant sliding-window metrics
// collector, a trigger-based rollback controller, and an orchestrating
// Manager.
//
// Shapes (DeploymentStatus-like stage, rollout percentage, metrics
// snapshot) are grounded on
// _examples/other_examples/9b46b711_flyingrobots-go-redis-work-queue__
// internal-canary-deployments-types.go.go's CanaryDeployment/
// MetricsSnapshot/SLOThresholds, reworked into this module's error-return
// idiom and types.CanaryDeployment shape (internal/types). The
// stickiness cache uses hashicorp/golang-lru/v2, consistent with
// internal/models and internal/limiter's learned-profile cache.
package canary

import (
	"crypto/sha256"
	"encoding/binary"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/coreweave-labs/inferunner/internal/types"
)

// Variant is the routed target: baseline or canary.
type Variant string

const (
	VariantBaseline Variant = "baseline"
	VariantCanary   Variant = "canary"
)

// RouterConfig controls hashing and stickiness.
type RouterConfig struct {
	HashSeed        string
	StickinessCache int
}

// DefaultRouterConfig matches spec.md §4.11's suggested magnitudes.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{HashSeed: "inferunner-canary", StickinessCache: 4096}
}

// Router deterministically assigns an identifier to baseline or canary.
type Router struct {
	cfg   RouterConfig
	sticky *lru.Cache[string, Variant]
}

// NewRouter constructs a Router.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.StickinessCache <= 0 {
		cfg = DefaultRouterConfig()
	}
	cache, err := lru.New[string, Variant](cfg.StickinessCache)
	if err != nil {
		return nil, err
	}
	return &Router{cfg: cfg, sticky: cache}, nil
}

// bucket computes hash(hashSeed || identifier) mod 10000.
func bucket(seed, identifier string) int {
	h := sha256.Sum256([]byte(seed + identifier))
	n := binary.BigEndian.Uint64(h[:8])
	return int(n % 10000)
}

// Route returns the variant identifier should be routed to for stage,
// honoring a previous sticky decision if one exists.
func (r *Router) Route(identifier string, stage types.CanaryStage) Variant {
	if v, ok := r.sticky.Get(identifier); ok {
		return v
	}
	pct, ok := types.StagePercent[stage]
	if !ok {
		pct = 0
	}
	v := VariantBaseline
	if bucket(r.cfg.HashSeed, identifier) < pct*100 {
		v = VariantCanary
	}
	r.sticky.Add(identifier, v)
	return v
}

// Forget clears identifier's sticky routing decision, so its next Route
// call re-buckets it against the stage passed in.
func (r *Router) Forget(identifier string) {
	r.sticky.Remove(identifier)
}

// Clear evicts every sticky routing decision, used when a deployment rolls
// back entirely: every caller previously pinned to canary must be
// re-bucketed against the new (lower) stage percentage instead of replaying
// a stale canary decision forever.
func (r *Router) Clear() {
	r.sticky.Purge()
}
