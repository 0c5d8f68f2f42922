package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/aegis-gateway/internal/models"
	appErrors "github.com/noah-isme/aegis-gateway/pkg/errors"
)

// ManualApprovalThreshold is the plan size above which a human must approve provisioning.
const ManualApprovalThreshold = 10

const (
	roleCatalogCacheKey     = "roles:catalog"
	roleCatalogCachePattern = "roles:*"

	planSourceRoleAuthority = "role_authority"
	planSourceDefault       = "default"
)

// ApplicationRule maps role-name keywords to downstream applications.
type ApplicationRule struct {
	Keywords     []string
	Applications []string
}

// DefaultApplicationRules is evaluated in order; the first rule with a keyword
// contained in the matched role name wins.
var DefaultApplicationRules = []ApplicationRule{
	{Keywords: []string{"employee"}, Applications: []string{models.AppSSO, models.AppDirectory, models.AppERP, models.AppChat}},
	{Keywords: []string{"developer"}, Applications: []string{models.AppSSO, models.AppSourceControl, models.AppChat}},
	{Keywords: []string{"admin"}, Applications: []string{models.AppSSO, models.AppDirectory, models.AppSourceControl, models.AppDatabase, models.AppChat}},
	{Keywords: []string{"hr"}, Applications: []string{models.AppSSO, models.AppDirectory, models.AppERP, models.AppHR, models.AppChat}},
	{Keywords: []string{"sales", "commercial"}, Applications: []string{models.AppSSO, models.AppDirectory, models.AppERP, models.AppCRM, models.AppChat}},
}

type roleCatalogSource interface {
	ListRoles(ctx context.Context) ([]models.Role, error)
}

type sharedCatalogCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Invalidate(ctx context.Context, pattern string) error
}

// RoleCatalogCache keeps the last fetched role catalog for a bounded time.
type RoleCatalogCache struct {
	mu        sync.RWMutex
	roles     []models.Role
	fetchedAt time.Time
	ttl       time.Duration
	now       func() time.Time
}

// NewRoleCatalogCache returns an empty cache whose entries expire after ttl.
func NewRoleCatalogCache(ttl time.Duration) *RoleCatalogCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RoleCatalogCache{ttl: ttl, now: time.Now}
}

// Get returns a copy of the cached catalog while it is fresh.
func (c *RoleCatalogCache) Get() ([]models.Role, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.roles == nil || c.now().Sub(c.fetchedAt) >= c.ttl {
		return nil, false
	}
	return append([]models.Role(nil), c.roles...), true
}

// Put replaces the cached catalog.
func (c *RoleCatalogCache) Put(roles []models.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roles = append(make([]models.Role, 0, len(roles)), roles...)
	c.fetchedAt = c.now()
}

// Invalidate drops the cached catalog.
func (c *RoleCatalogCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roles = nil
	c.fetchedAt = time.Time{}
}

// PlanResolver expands a job title into the applications to provision.
type PlanResolver struct {
	source roleCatalogSource
	cache  *RoleCatalogCache
	shared sharedCatalogCache
	rules  []ApplicationRule
	logger *zap.Logger
}

// PlanResolverOption configures the resolver.
type PlanResolverOption func(*PlanResolver)

// WithApplicationRules overrides the role keyword table.
func WithApplicationRules(rules []ApplicationRule) PlanResolverOption {
	return func(r *PlanResolver) {
		if len(rules) > 0 {
			r.rules = rules
		}
	}
}

// WithSharedCatalogCache adds a second cache level shared between instances.
func WithSharedCatalogCache(cache sharedCatalogCache) PlanResolverOption {
	return func(r *PlanResolver) {
		r.shared = cache
	}
}

// WithRoleCatalogCache replaces the in-process catalog cache.
func WithRoleCatalogCache(cache *RoleCatalogCache) PlanResolverOption {
	return func(r *PlanResolver) {
		if cache != nil {
			r.cache = cache
		}
	}
}

// NewPlanResolver constructs the resolver.
func NewPlanResolver(source roleCatalogSource, ttl time.Duration, logger *zap.Logger, opts ...PlanResolverOption) *PlanResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &PlanResolver{
		source: source,
		cache:  NewRoleCatalogCache(ttl),
		rules:  DefaultApplicationRules,
		logger: logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Resolve returns the provisioning plan for jobTitle. An unknown title or an
// unreachable role authority yields the SSO-only default plan.
func (r *PlanResolver) Resolve(ctx context.Context, jobTitle string) (*models.ProvisioningPlan, error) {
	title := strings.TrimSpace(jobTitle)
	if title == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "job_title is required")
	}

	catalog, err := r.Catalog(ctx)
	if err != nil {
		r.logger.Warn("role catalog unavailable, using default plan", zap.String("job_title", title), zap.Error(err))
		return newPlan(title, "", []string{models.AppSSO}, planSourceDefault), nil
	}

	role, ok := matchRole(catalog, title)
	if !ok {
		r.logger.Warn("no role matches job title, using default plan", zap.String("job_title", title))
		return newPlan(title, "", []string{models.AppSSO}, planSourceDefault), nil
	}
	return newPlan(title, role.Name, r.applicationsFor(role.Name), planSourceRoleAuthority), nil
}

// FilterApplications keeps only the selected applications, preserving plan order.
// An empty selection returns the plan unchanged.
func (r *PlanResolver) FilterApplications(plan *models.ProvisioningPlan, selected []string) *models.ProvisioningPlan {
	if plan == nil {
		return nil
	}
	if len(selected) == 0 {
		clone := *plan
		clone.Applications = append([]string(nil), plan.Applications...)
		return &clone
	}
	wanted := make(map[string]struct{}, len(selected))
	for _, app := range selected {
		wanted[strings.ToLower(strings.TrimSpace(app))] = struct{}{}
	}
	apps := make([]string, 0, len(plan.Applications))
	for _, app := range plan.Applications {
		if _, ok := wanted[strings.ToLower(app)]; ok {
			apps = append(apps, app)
		}
	}
	return newPlan(plan.JobTitle, plan.MatchedRole, apps, plan.Source)
}

// Catalog returns the role catalog from the freshest available level.
func (r *PlanResolver) Catalog(ctx context.Context) ([]models.Role, error) {
	if roles, ok := r.cache.Get(); ok {
		return roles, nil
	}
	if r.shared != nil {
		var roles []models.Role
		hit, err := r.shared.Get(ctx, roleCatalogCacheKey, &roles)
		if err == nil && hit {
			r.cache.Put(roles)
			return roles, nil
		}
	}
	if r.source == nil {
		return nil, appErrors.Clone(appErrors.ErrInternal, "role authority not configured")
	}
	roles, err := r.source.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	r.cache.Put(roles)
	if r.shared != nil {
		_ = r.shared.Set(ctx, roleCatalogCacheKey, roles, r.cache.ttl)
	}
	return roles, nil
}

// Refresh drops every cached copy of the catalog.
func (r *PlanResolver) Refresh(ctx context.Context) error {
	r.cache.Invalidate()
	if r.shared != nil {
		if err := r.shared.Invalidate(ctx, roleCatalogCachePattern); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to invalidate shared role cache")
		}
	}
	r.logger.Info("role catalog cache invalidated")
	return nil
}

func (r *PlanResolver) applicationsFor(roleName string) []string {
	name := strings.ToLower(roleName)
	apps := []string{models.AppSSO}
	for _, rule := range r.rules {
		if containsAny(name, rule.Keywords) {
			apps = append(apps, rule.Applications...)
			break
		}
	}
	return dedupe(apps)
}

func matchRole(catalog []models.Role, title string) (models.Role, bool) {
	needle := strings.ToLower(title)
	for _, role := range catalog {
		name := strings.ToLower(strings.TrimSpace(role.Name))
		if name == "" {
			continue
		}
		if strings.Contains(name, needle) || strings.Contains(needle, name) {
			return role, true
		}
	}
	for _, role := range catalog {
		if strings.Contains(strings.ToLower(role.Description), needle) {
			return role, true
		}
	}
	return models.Role{}, false
}

func newPlan(title, role string, apps []string, source string) *models.ProvisioningPlan {
	return &models.ProvisioningPlan{
		JobTitle:               title,
		MatchedRole:            role,
		Applications:           apps,
		TotalActions:           len(apps),
		RequiresManualApproval: len(apps) > ManualApprovalThreshold,
		Source:                 source,
	}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
