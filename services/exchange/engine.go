// Package exchange runs one request through the policy plan of its API:
// route predicates, subscription resolution, the request filters, the backend
// call and the response filters.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/gateway-dataplane/metrics"
	"github.com/upb/gateway-dataplane/models"
	"github.com/upb/gateway-dataplane/repositories"
	"github.com/upb/gateway-dataplane/services"
	"github.com/upb/gateway-dataplane/services/policy"
	"github.com/upb/gateway-dataplane/services/subscription"
)

// PlanSource returns the current execution plan of an API.
type PlanSource interface {
	Plan(ctx context.Context, apiSpecID string) (*policy.Plan, error)
}

// PlanResolver resolves the plan facts of a caller for one product.
type PlanResolver interface {
	ResolveEffectivePlan(ctx context.Context, cred subscription.Credential, productID int64) (*models.PlanFacts, error)
}

// boundFilter is a policy filter with its executable implementation.
type boundFilter struct {
	def    models.PolicyFilter
	filter Filter
}

// chain is the set of filters built for one plan version.
type chain struct {
	version    uint64
	resolvedAt time.Time
	phases     map[models.HttpExchange][]boundFilter
}

// Engine executes exchanges. It is safe for concurrent use; each exchange
// runs on the caller's goroutine.
type Engine struct {
	plans     PlanSource
	resolver  PlanResolver
	backend   Backend
	factories *Factories
	deps      Deps
	metrics   *metrics.Collector
	logger    *zap.Logger

	// chains holds *chain per API spec id
	chains sync.Map
}

// NewEngine creates a new exchange engine
func NewEngine(plans PlanSource, resolver PlanResolver, backend Backend, factories *Factories, deps Deps, logger *zap.Logger) *Engine {
	if factories == nil {
		factories = NewFactories()
	}
	if deps.Logger == nil {
		deps.Logger = logger
	}
	return &Engine{
		plans:     plans,
		resolver:  resolver,
		backend:   backend,
		factories: factories,
		deps:      deps,
		metrics:   deps.Metrics,
		logger:    logger,
	}
}

// Forget drops the filter chain of an API so the next exchange rebuilds it.
// Filter state such as cached bodies is discarded with it.
func (e *Engine) Forget(apiSpecID string) {
	e.chains.Delete(apiSpecID)
}

// chainFor returns the filters of plan, building them when the plan version changed.
func (e *Engine) chainFor(plan *policy.Plan) (*chain, error) {
	if v, ok := e.chains.Load(plan.APISpecID); ok {
		if c := v.(*chain); c.version == plan.Version {
			return c, nil
		}
	}

	deps := e.deps
	deps.chain = &chainState{}

	c := &chain{version: plan.Version, resolvedAt: plan.ResolvedAt, phases: make(map[models.HttpExchange][]boundFilter)}
	var violations []string
	for _, phase := range models.ExecutionPhases {
		for _, cf := range plan.Filters(phase) {
			f, err := e.factories.Build(cf, deps)
			if err != nil {
				violations = append(violations, fmt.Sprintf("policy filter %d (%s): %v", cf.Filter.PolicyDefinitionID, cf.Filter.PolicyName, err))
				continue
			}
			c.phases[phase] = append(c.phases[phase], boundFilter{def: cf.Filter, filter: f})
		}
	}
	if len(violations) > 0 {
		return nil, services.NewConfigurationError(plan.APISpecID, violations)
	}

	return e.publish(plan.APISpecID, c), nil
}

// publish installs c as the chain of an API unless a chain of a plan resolved
// later is already installed. An exchange still running an older plan gets its
// own chain without replacing the newer one.
func (e *Engine) publish(apiSpecID string, c *chain) *chain {
	for {
		v, loaded := e.chains.LoadOrStore(apiSpecID, c)
		if !loaded {
			return c
		}
		cur := v.(*chain)
		if cur.version == c.version {
			return cur
		}
		if cur.resolvedAt.After(c.resolvedAt) {
			return c
		}
		if e.chains.CompareAndSwap(apiSpecID, cur, c) {
			return c
		}
	}
}

// Execute runs one exchange. An error is returned only when no exchange could
// be started: unknown or unpublished API, or an invalid plan. Everything that
// happens once the exchange started, denials and failures included, is
// reported in the result.
func (e *Engine) Execute(ctx context.Context, in ExchangeRequest) (*ExchangeResult, error) {
	if in.Request == nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "exchange request is required", nil)
	}

	plan, err := e.plans.Plan(ctx, in.APISpecID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.NewDomainError(services.ErrorTypeNotFound, "api specification not found", err).
				WithDetail("api_spec_id", in.APISpecID)
		}
		return nil, err
	}
	if !plan.Route.Status.Serves() {
		return nil, services.NewDomainError(services.ErrorTypeNotFound, "api specification is not served", nil).
			WithDetail("api_spec_id", in.APISpecID).
			WithDetail("status", string(plan.Route.Status))
	}

	c, err := e.chainFor(plan)
	if err != nil {
		e.logger.Error("failed to build filter chain",
			zap.String("api_spec_id", plan.APISpecID),
			zap.Error(err))
		return nil, err
	}

	r := &run{
		engine: e,
		chain:  c,
		cred:   in.Credential,
		ex: &Exchange{
			ID:            uuid.NewString(),
			APISpecID:     plan.APISpecID,
			Plan:          plan,
			Original:      in.Request.Clone(),
			Request:       in.Request.Clone(),
			BackendURL:    plan.Route.BackendURL,
			ResultHeaders: http.Header{},
		},
	}
	r.res = &ExchangeResult{
		ExchangeID: r.ex.ID,
		APISpecID:  plan.APISpecID,
		State:      StatePending,
	}

	done := e.metrics.ExchangeStarted()
	start := time.Now()
	err = r.execute(ctx)
	done(r.res.APISpecID, string(r.res.State), r.res.Status, r.res.TerminatedBy, time.Since(start))
	if err != nil {
		return nil, err
	}

	return r.res, nil
}
