package authgate

import (
	"sync"
	"time"
)

// DirectoryCache caches resolved tenants and plans to reduce load on the
// external directory during authorization.
type DirectoryCache interface {
	// GetTenant retrieves a cached tenant
	GetTenant(id TenantID) (*Tenant, bool)

	// SetTenant stores a tenant with TTL
	SetTenant(id TenantID, tenant *Tenant, ttl time.Duration)

	// GetPlan retrieves a cached plan
	GetPlan(id TenantID) (*Plan, bool)

	// SetPlan stores a plan with TTL
	SetPlan(id TenantID, plan *Plan, ttl time.Duration)

	// Invalidate removes all cached data for a tenant
	Invalidate(id TenantID)

	// Clear removes all entries
	Clear()
}

// cacheEntry wraps a cached value with expiration and access order for LRU
type cacheEntry struct {
	value      interface{}
	expiration time.Time
	sequence   int64
}

func (e *cacheEntry) isExpired(now time.Time) bool {
	return now.After(e.expiration)
}

// NoopDirectoryCache is used when caching is disabled
type NoopDirectoryCache struct{}

func (c *NoopDirectoryCache) GetTenant(_ TenantID) (*Tenant, bool)             { return nil, false }
func (c *NoopDirectoryCache) SetTenant(_ TenantID, _ *Tenant, _ time.Duration) {}
func (c *NoopDirectoryCache) GetPlan(_ TenantID) (*Plan, bool)                 { return nil, false }
func (c *NoopDirectoryCache) SetPlan(_ TenantID, _ *Plan, _ time.Duration)     {}
func (c *NoopDirectoryCache) Invalidate(_ TenantID)                            {}
func (c *NoopDirectoryCache) Clear()                                           {}

// LRUDirectoryCache implements DirectoryCache with per-entry TTL and LRU
// eviction when the configured capacity is exceeded.
type LRUDirectoryCache struct {
	mu         sync.RWMutex
	tenants    map[TenantID]*cacheEntry
	plans      map[TenantID]*cacheEntry
	maxTenants int
	maxPlans   int
	sequence   int64
}

// NewLRUDirectoryCache creates a cache holding at most maxTenants tenants
// and maxPlans plans
func NewLRUDirectoryCache(maxTenants, maxPlans int) *LRUDirectoryCache {
	if maxTenants <= 0 {
		maxTenants = 1000
	}
	if maxPlans <= 0 {
		maxPlans = 1000
	}
	return &LRUDirectoryCache{
		tenants:    make(map[TenantID]*cacheEntry),
		plans:      make(map[TenantID]*cacheEntry),
		maxTenants: maxTenants,
		maxPlans:   maxPlans,
	}
}

func (c *LRUDirectoryCache) GetTenant(id TenantID) (*Tenant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.tenants[id]
	if !ok || entry.isExpired(time.Now()) {
		delete(c.tenants, id)
		return nil, false
	}
	c.sequence++
	entry.sequence = c.sequence
	tenant := *entry.value.(*Tenant)
	return &tenant, true
}

func (c *LRUDirectoryCache) SetTenant(id TenantID, tenant *Tenant, ttl time.Duration) {
	if tenant == nil || ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sequence++
	cp := *tenant
	c.tenants[id] = &cacheEntry{
		value:      &cp,
		expiration: time.Now().Add(ttl),
		sequence:   c.sequence,
	}
	evictOldest(c.tenants, c.maxTenants)
}

func (c *LRUDirectoryCache) GetPlan(id TenantID) (*Plan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.plans[id]
	if !ok || entry.isExpired(time.Now()) {
		delete(c.plans, id)
		return nil, false
	}
	c.sequence++
	entry.sequence = c.sequence
	plan := *entry.value.(*Plan)
	return &plan, true
}

func (c *LRUDirectoryCache) SetPlan(id TenantID, plan *Plan, ttl time.Duration) {
	if plan == nil || ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sequence++
	cp := *plan
	c.plans[id] = &cacheEntry{
		value:      &cp,
		expiration: time.Now().Add(ttl),
		sequence:   c.sequence,
	}
	evictOldest(c.plans, c.maxPlans)
}

func (c *LRUDirectoryCache) Invalidate(id TenantID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tenants, id)
	delete(c.plans, id)
}

func (c *LRUDirectoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tenants = make(map[TenantID]*cacheEntry)
	c.plans = make(map[TenantID]*cacheEntry)
}

// evictOldest drops least-recently-used entries until the map fits max.
// Caller must hold the write lock.
func evictOldest(entries map[TenantID]*cacheEntry, max int) {
	for len(entries) > max {
		var oldestKey TenantID
		oldestSeq := int64(-1)
		for k, e := range entries {
			if oldestSeq == -1 || e.sequence < oldestSeq {
				oldestSeq = e.sequence
				oldestKey = k
			}
		}
		delete(entries, oldestKey)
	}
}
