package authgate

import (
	"context"
	"sync"
)

// StaticDirectory is an in-memory KeyValidator, TenantResolver, and
// PlanProvider. It is intended for tests, examples, and single-process
// deployments; production deployments implement the three interfaces against
// their own credential and tenant stores.
type StaticDirectory struct {
	mu      sync.RWMutex
	keys    map[string]KeyValidation
	tenants map[TenantID]Tenant
	plans   map[TenantID]Plan
}

// NewStaticDirectory creates an empty directory
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		keys:    make(map[string]KeyValidation),
		tenants: make(map[TenantID]Tenant),
		plans:   make(map[TenantID]Plan),
	}
}

// AddKey registers a credential for a tenant and returns its key id
func (d *StaticDirectory) AddKey(presentedKey string, tenant TenantID) APIKeyID {
	d.mu.Lock()
	defer d.mu.Unlock()

	keyID := NewAPIKeyID()
	d.keys[presentedKey] = KeyValidation{
		Valid:    true,
		TenantID: tenant,
		KeyID:    keyID,
	}
	return keyID
}

// RevokeKey invalidates a credential
func (d *StaticDirectory) RevokeKey(presentedKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.keys, presentedKey)
}

// AddTenant registers a tenant
func (d *StaticDirectory) AddTenant(tenant Tenant) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tenants[tenant.ID] = tenant
}

// AssignPlan assigns a plan to a tenant
func (d *StaticDirectory) AssignPlan(tenant TenantID, plan Plan) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.plans[tenant] = plan
}

// Validate implements KeyValidator
func (d *StaticDirectory) Validate(_ context.Context, presentedKey string) (*KeyValidation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	validation, ok := d.keys[presentedKey]
	if !ok {
		return &KeyValidation{Valid: false, Reason: "unknown api key"}, nil
	}
	return &validation, nil
}

// GetTenant implements TenantResolver
func (d *StaticDirectory) GetTenant(_ context.Context, id TenantID) (*Tenant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tenant, ok := d.tenants[id]
	if !ok {
		return nil, nil
	}
	return &tenant, nil
}

// GetPlan implements PlanProvider
func (d *StaticDirectory) GetPlan(_ context.Context, id TenantID) (*Plan, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	plan, ok := d.plans[id]
	if !ok {
		return nil, nil
	}
	return &plan, nil
}
