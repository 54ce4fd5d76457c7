package cache

import (
	"strings"
	"time"

	goCache "github.com/patrickmn/go-cache"
	plandomain "github.com/smallbiznis/rebill/internal/plan/domain"
)

const (
	defaultPlanTTL         = 5 * time.Minute
	defaultCleanupInterval = 10 * time.Minute
)

// PlanCache stores plan lookups on the initial charge path. A plan is reachable by
// both its id and its code.
type PlanCache interface {
	Get(ref string) (plandomain.Plan, bool)
	Set(plan plandomain.Plan)
	Delete(plan plandomain.Plan)
}

type planCache struct {
	items *goCache.Cache
	ttl   time.Duration
}

// NewPlanCache returns an in-memory plan cache.
func NewPlanCache() PlanCache {
	return newPlanCache(defaultPlanTTL)
}

func newPlanCache(ttl time.Duration) *planCache {
	return &planCache{
		items: goCache.New(ttl, defaultCleanupInterval),
		ttl:   ttl,
	}
}

func (c *planCache) Get(ref string) (plandomain.Plan, bool) {
	key := cacheKey(ref)
	if key == "" {
		return plandomain.Plan{}, false
	}
	value, ok := c.items.Get(key)
	if !ok {
		return plandomain.Plan{}, false
	}
	plan, ok := value.(plandomain.Plan)
	return plan, ok
}

func (c *planCache) Set(plan plandomain.Plan) {
	if plan.ID == 0 {
		return
	}
	c.items.Set(cacheKey(plan.ID.String()), plan, c.ttl)
	if key := cacheKey(plan.Code); key != "" {
		c.items.Set(key, plan, c.ttl)
	}
}

func (c *planCache) Delete(plan plandomain.Plan) {
	c.items.Delete(cacheKey(plan.ID.String()))
	if key := cacheKey(plan.Code); key != "" {
		c.items.Delete(key)
	}
}

func cacheKey(ref string) string {
	return strings.ToLower(strings.TrimSpace(ref))
}
