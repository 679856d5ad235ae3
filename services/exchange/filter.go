package exchange

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/upb/gateway-dataplane/metrics"
	"github.com/upb/gateway-dataplane/models"
	"github.com/upb/gateway-dataplane/services/policy"
	"github.com/upb/gateway-dataplane/services/quota"
	"github.com/upb/gateway-dataplane/services/ratelimit"
)

// Filter is one executable policy filter. Filters run sequentially within an
// exchange but one filter instance serves many exchanges concurrently.
type Filter interface {
	Apply(ctx context.Context, ex *Exchange) (Outcome, error)
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(ctx context.Context, ex *Exchange) (Outcome, error)

// Apply calls f.
func (f FilterFunc) Apply(ctx context.Context, ex *Exchange) (Outcome, error) {
	return f(ctx, ex)
}

// QuotaConsumer charges the quota ledger.
type QuotaConsumer interface {
	Consume(ctx context.Context, facts *models.PlanFacts, amount int64) (quota.Decision, error)
}

// RateLimiter takes tokens from a rate limit bucket.
type RateLimiter interface {
	CheckLimit(ctx context.Context, req ratelimit.RateLimitRequest) (*ratelimit.RateLimitResult, error)
}

// Deps are the services filters may call.
type Deps struct {
	Ledger      QuotaConsumer
	RateLimiter RateLimiter
	Metrics     *metrics.Collector
	Logger      *zap.Logger

	chain *chainState
	// filterID is the policy definition the filter is built for.
	filterID int64
}

// FilterFactory builds a filter from its typed params.
type FilterFactory func(params policy.Params, deps Deps) (Filter, error)

// Factories maps every policy name to the factory of its filter.
type Factories struct {
	mu        sync.RWMutex
	factories map[models.PolicyName]FilterFactory
}

// NewFactories creates a registry with factories for every known policy.
func NewFactories() *Factories {
	f := &Factories{factories: make(map[models.PolicyName]FilterFactory)}

	f.Register(models.PolicyRequestRateLimiter, newRateLimitFilter)
	f.Register(models.PolicyRequestQuota, newQuotaFilter)
	f.Register(models.PolicyMonetization, newMonetizationFilter)
	f.Register(models.PolicyCopyRequestHeader, newHeaderCopyFilter)
	f.Register(models.PolicyAddRequestHeader, newHeaderAddFilter)
	f.Register(models.PolicyCopyRequestQueryParam, newQueryCopyFilter)
	f.Register(models.PolicyAddRequestQueryParam, newQueryAddFilter)
	f.Register(models.PolicyJWSVerification, newJWSVerifyFilter)
	f.Register(models.PolicyJWSRequestHeaderVerifier, newJWSVerifyFilter)
	f.Register(models.PolicyRequestBodyModifier, newBodyModifierFilter)
	f.Register(models.PolicyResponseBodyModifier, newBodyModifierFilter)
	f.Register(models.PolicyJSONToJSONRequest, newJSONTransformFilter)
	f.Register(models.PolicyJSONToJSONResponse, newJSONTransformFilter)
	f.Register(models.PolicyBackendServiceAuth, newBackendAuthFilter)
	f.Register(models.PolicyResponseBodyCache, newBodyCacheFilter)
	f.Register(models.PolicyMockResponse, newMockFilter)
	f.Register(models.PolicyFlattenJSONResponse, newFlattenFilter)
	f.Register(models.PolicyJWSResponseHeaderGenerator, newJWSGenerateFilter)

	return f
}

// Register adds or replaces the factory of a policy.
func (f *Factories) Register(name models.PolicyName, factory FilterFactory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.factories[name] = factory
}

// Build creates the filter of one compiled policy filter.
func (f *Factories) Build(cf policy.CompiledFilter, deps Deps) (Filter, error) {
	f.mu.RLock()
	factory, ok := f.factories[cf.Filter.PolicyName]
	f.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no filter implementation for policy %s", cf.Filter.PolicyName)
	}
	deps.filterID = cf.Filter.PolicyDefinitionID
	return factory(cf.Params, deps)
}

// paramsAs asserts the typed params a factory expects.
func paramsAs[T policy.Params](params policy.Params) (T, error) {
	p, ok := params.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected params %T, want %T", params, zero)
	}
	return p, nil
}
