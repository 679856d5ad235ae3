package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/upb/gateway-dataplane/models"
	"github.com/upb/gateway-dataplane/services"
	"go.uber.org/zap"
)

// SpecSource is the configuration layer's read view of API specifications.
type SpecSource interface {
	GetAPISpec(ctx context.Context, apiSpecID string) (*models.APISpec, error)
}

// ResolverOptions tunes validation strictness.
type ResolverOptions struct {
	// StrictOrder rejects two filters of the same phase sharing an order value.
	StrictOrder bool
}

// Resolver compiles API specifications into cached execution plans.
type Resolver struct {
	source   SpecSource
	cache    *PlanCache
	registry *Registry
	celEnv   *cel.Env
	opts     ResolverOptions
	logger   *zap.Logger
}

// NewResolver creates a new Resolver instance
func NewResolver(source SpecSource, cache *PlanCache, registry *Registry, opts ResolverOptions, logger *zap.Logger) (*Resolver, error) {
	env, err := newCELEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Resolver{
		source:   source,
		cache:    cache,
		registry: registry,
		celEnv:   env,
		opts:     opts,
		logger:   logger,
	}, nil
}

// Plan returns the cached plan of an API, resolving it from the source on a miss.
func (r *Resolver) Plan(ctx context.Context, apiSpecID string) (*Plan, error) {
	if plan := r.cache.Get(apiSpecID); plan != nil {
		r.logger.Debug("cache hit for plan",
			zap.String("api_spec_id", apiSpecID),
			zap.Uint64("version", plan.Version))
		return plan, nil
	}

	gen := r.cache.Generation(apiSpecID)
	spec, err := r.source.GetAPISpec(ctx, apiSpecID)
	if err != nil {
		return nil, err
	}
	return r.resolve(spec, &gen)
}

// Resolve validates the policy sets of spec and returns its plan. A cached plan
// with the same content version is returned without recompiling.
func (r *Resolver) Resolve(ctx context.Context, spec *models.APISpec) (*Plan, error) {
	return r.resolve(spec, nil)
}

// resolve stores the plan unconditionally when gen is nil, otherwise only if
// the API was not invalidated while its specification was loading.
func (r *Resolver) resolve(spec *models.APISpec, gen *Generation) (*Plan, error) {
	if spec == nil || spec.ID == "" {
		return nil, services.NewConfigurationError("", []string{"api specification id is required"})
	}

	version := ContentVersion(spec)
	if cached := r.cache.Get(spec.ID); cached != nil && cached.Version == version {
		return cached, nil
	}

	plan, err := r.Compile(spec)
	if err != nil {
		r.logger.Warn("rejected api specification",
			zap.String("api_spec_id", spec.ID),
			zap.Error(err))
		return nil, err
	}

	if gen == nil {
		r.cache.Set(plan)
	} else if !r.cache.SetIfCurrent(plan, *gen) {
		r.logger.Debug("plan invalidated while loading, not cached",
			zap.String("api_spec_id", spec.ID),
			zap.Uint64("version", plan.Version))
		return plan, nil
	}
	r.logger.Info("resolved policy plan",
		zap.String("api_spec_id", spec.ID),
		zap.Uint64("version", plan.Version),
		zap.Int("filters", plan.Len()))

	return plan, nil
}

// Compile builds a plan without touching the cache.
func (r *Resolver) Compile(spec *models.APISpec) (*Plan, error) {
	var violations []string

	plan := &Plan{
		APISpecID: spec.ID,
		Version:   ContentVersion(spec),
		Route: Route{
			Name:        spec.Name,
			ContextPath: spec.ContextPath,
			BackendURL:  spec.BackendURL,
			ProductID:   spec.ProductID,
			Status:      spec.Status,
		},
		ResolvedAt: time.Now(),
		phases:     make(map[models.HttpExchange][]CompiledFilter),
	}

	for i, p := range spec.Predicates {
		if !p.Name.IsValid() {
			violations = append(violations, fmt.Sprintf("predicate[%d]: unknown predicate %q", i, p.Name))
			continue
		}
		compiled, err := compilePredicate(r.celEnv, p)
		if err != nil {
			violations = append(violations, fmt.Sprintf("predicate[%d] %s: %v", i, p.Name, err))
			continue
		}
		plan.predicates = append(plan.predicates, compiled)
	}

	for _, f := range spec.Policies() {
		label := fmt.Sprintf("filter %d %s", f.PolicyDefinitionID, f.PolicyName)

		if !f.PolicyName.IsValid() {
			violations = append(violations, fmt.Sprintf("%s: unknown policy name", label))
			continue
		}
		if !f.Exchange.IsValid() {
			violations = append(violations, fmt.Sprintf("%s: unknown exchange %q", label, f.Exchange))
			continue
		}
		if !f.PolicyName.AllowedIn(f.Exchange) {
			violations = append(violations, fmt.Sprintf("%s: not allowed in %s", label, f.Exchange))
			continue
		}

		params, err := r.registry.Build(f.PolicyName, f.Args)
		if err != nil {
			violations = append(violations, fmt.Sprintf("%s: %v", label, err))
			continue
		}

		filter := f
		filter.Args = copyArgs(f.Args)
		plan.phases[f.Exchange] = append(plan.phases[f.Exchange], CompiledFilter{Filter: filter, Params: params})
	}

	for _, exchange := range models.ExecutionPhases {
		filters := plan.phases[exchange]
		sortFilters(filters)
		if r.opts.StrictOrder {
			for i := 1; i < len(filters); i++ {
				if filters[i].Filter.Order == filters[i-1].Filter.Order {
					violations = append(violations, fmt.Sprintf("%s: order %d used by filters %d and %d",
						exchange, filters[i].Filter.Order,
						filters[i-1].Filter.PolicyDefinitionID, filters[i].Filter.PolicyDefinitionID))
				}
			}
		}
	}

	if plan.RequiresSubscription() && spec.ProductID == 0 {
		violations = append(violations, "quota charging filters require the api to belong to a product")
	}

	if len(violations) > 0 {
		return nil, services.NewConfigurationError(spec.ID, violations)
	}
	return plan, nil
}

// Invalidate drops the cached plan of one API. The next Plan call re-resolves it.
func (r *Resolver) Invalidate(apiSpecID string) {
	if r.cache.Invalidate(apiSpecID) {
		r.logger.Debug("invalidated plan", zap.String("api_spec_id", apiSpecID))
	}
}

// InvalidateAll drops every cached plan.
func (r *Resolver) InvalidateAll() {
	r.cache.Clear()
	r.logger.Debug("invalidated all plans")
}

// GetCacheStats returns cache statistics
func (r *Resolver) GetCacheStats() CacheStats {
	return r.cache.Stats()
}

// StartCacheCleanup starts a background worker to clean up expired cache entries
func (r *Resolver) StartCacheCleanup(interval time.Duration, stopCh <-chan struct{}) {
	r.logger.Info("started plan cache cleanup worker",
		zap.Duration("interval", interval))
	r.cache.StartCleanupWorker(interval, stopCh)
}
