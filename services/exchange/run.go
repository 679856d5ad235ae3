package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/upb/gateway-dataplane/models"
	"github.com/upb/gateway-dataplane/services"
	"github.com/upb/gateway-dataplane/services/policy"
	"github.com/upb/gateway-dataplane/services/subscription"
)

// run is the execution of a single exchange.
type run struct {
	engine *Engine
	chain  *chain
	cred   subscription.Credential
	ex     *Exchange
	res    *ExchangeResult
}

// errTerminal is returned by steps that ended the exchange.
var errTerminal = errors.New("exchange terminated")

func (r *run) transition(next State) error {
	if !r.res.State.CanTransition(next) {
		return services.WrapInternal("illegal exchange state transition",
			fmt.Errorf("%s -> %s", r.res.State, next))
	}
	r.res.State = next
	return nil
}

func (r *run) execute(ctx context.Context) error {
	err := r.steps(ctx)
	if errors.Is(err, errTerminal) {
		return nil
	}
	return err
}

func (r *run) steps(ctx context.Context) error {
	if err := r.route(); err != nil {
		return err
	}
	if err := r.resolveFacts(ctx); err != nil {
		return err
	}

	if err := r.transition(StateRequestPhase); err != nil {
		return err
	}
	short, err := r.requestPhase(ctx)
	if err != nil {
		return err
	}

	if short == nil {
		if err := r.callBackend(ctx); err != nil {
			return err
		}
	} else {
		r.ex.Response = short.Response
		r.res.Denial = short.Denial
	}

	if err := r.transition(StateResponsePhase); err != nil {
		return err
	}
	if err := r.responsePhase(ctx, short != nil); err != nil {
		return err
	}

	return r.complete(r.ex.Response)
}

// route evaluates the predicates of the plan.
func (r *run) route() error {
	req := r.ex.Request
	ok, name, err := r.ex.Plan.Match(&policy.RouteInput{
		Method:  req.Method,
		Path:    req.Path,
		Host:    req.Host,
		Headers: req.Headers,
		Query:   req.Query,
	})
	if err != nil {
		return r.abort(http.StatusInternalServerError, CodeInternal, "route predicate failed", "predicate:"+string(name),
			services.WrapInternal("route predicate failed", err))
	}
	if !ok {
		r.res.TerminatedBy = "predicate:" + string(name)
		return r.complete(errorResponse(http.StatusNotFound, CodeRouteNotMatched,
			fmt.Sprintf("request does not match the %s predicate", name), nil))
	}
	return nil
}

// resolveFacts attaches the subscription terms before any filter runs.
func (r *run) resolveFacts(ctx context.Context) error {
	plan := r.ex.Plan
	if r.cred.IsZero() && !plan.RequiresSubscription() {
		return nil
	}
	if plan.Route.ProductID == 0 {
		return nil
	}

	facts, err := r.engine.resolver.ResolveEffectivePlan(ctx, r.cred, plan.Route.ProductID)
	if err == nil {
		r.ex.Facts = facts
		return nil
	}

	switch {
	case isCanceled(ctx, err):
		return r.canceled(ctx, "subscription")
	case services.IsSubscriptionDenial(err):
		code := CodeNotSubscribed
		switch services.GetErrorType(err) {
		case services.ErrorTypeSubscriptionExpired:
			code = CodeSubscriptionExpired
		case services.ErrorTypeSubscriptionCanceled:
			code = CodeSubscriptionCanceled
		}
		return r.abort(http.StatusForbidden, code, denialMessage(err), "subscription", err)
	default:
		return r.abort(http.StatusInternalServerError, CodeInternal, "failed to resolve subscription", "subscription", err)
	}
}

// requestPhase runs SYSTEM_REQUEST then REQUEST filters. It returns the
// outcome of the filter that short-circuited, if any.
func (r *run) requestPhase(ctx context.Context) (*Outcome, error) {
	for _, phase := range []models.HttpExchange{models.ExchangeSystemRequest, models.ExchangeRequest} {
		out, err := r.runFilters(ctx, phase)
		if err != nil || out != nil {
			return out, err
		}
	}
	return nil, nil
}

// responsePhase runs RESPONSE then SYSTEM_RESPONSE filters. User RESPONSE
// filters are skipped once the request side short-circuited.
func (r *run) responsePhase(ctx context.Context, shortCircuited bool) error {
	phases := []models.HttpExchange{models.ExchangeResponse, models.ExchangeSystemResponse}
	if shortCircuited {
		phases = phases[1:]
	}
	for _, phase := range phases {
		out, err := r.runFilters(ctx, phase)
		if err != nil {
			return err
		}
		if out != nil {
			r.ex.Response = out.Response
			if out.Denial != nil {
				r.res.Denial = out.Denial
			}
		}
	}
	return nil
}

// runFilters runs the filters of one phase in plan order until one stops.
func (r *run) runFilters(ctx context.Context, phase models.HttpExchange) (*Outcome, error) {
	r.ex.Phase = phase
	for _, bf := range r.chain.phases[phase] {
		if ctx.Err() != nil {
			return nil, r.canceled(ctx, "policy:"+string(bf.def.PolicyName))
		}

		start := time.Now()
		out, err := bf.filter.Apply(ctx, r.ex)
		elapsed := time.Since(start)

		outcome := OutcomeContinue
		switch {
		case err != nil:
			outcome = OutcomeError
		case out.Stops():
			outcome = OutcomeShortCircuit
		}
		r.res.Trace = append(r.res.Trace, TraceEntry{
			PolicyDefinitionID: bf.def.PolicyDefinitionID,
			Policy:             bf.def.PolicyName,
			Exchange:           phase,
			Order:              bf.def.Order,
			Outcome:            outcome,
			Duration:           elapsed,
		})
		r.engine.metrics.ObserveFilter(string(bf.def.PolicyName), string(phase), outcome, elapsed)

		terminatedBy := "policy:" + string(bf.def.PolicyName)
		if err != nil {
			if isCanceled(ctx, err) {
				return nil, r.canceled(ctx, terminatedBy)
			}
			return nil, r.abort(http.StatusInternalServerError, CodePolicyFailed,
				fmt.Sprintf("policy %s failed", bf.def.PolicyName), terminatedBy,
				services.NewPolicyExecutionError(string(bf.def.PolicyName), err).
					WithDetail("policy_definition_id", bf.def.PolicyDefinitionID).
					WithDetail("exchange", string(phase)))
		}
		if out.Stops() {
			r.res.TerminatedBy = terminatedBy
			return &out, nil
		}
	}
	return nil, nil
}

func (r *run) callBackend(ctx context.Context) error {
	if err := r.transition(StateBackendCall); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return r.canceled(ctx, "backend")
	}

	start := time.Now()
	resp, err := r.engine.backend.Do(ctx, r.ex.BackendURL, r.ex.Request)
	elapsed := time.Since(start)
	if err != nil {
		r.engine.metrics.ObserveBackend(r.ex.APISpecID, 0, elapsed)
		if isCanceled(ctx, err) {
			return r.canceled(ctx, "backend")
		}
		return r.abort(http.StatusBadGateway, CodeBackendUnavailable, "backend service unavailable", "backend",
			services.NewDomainError(services.ErrorTypeBackend, "backend unavailable", err).
				WithDetail("api_spec_id", r.ex.APISpecID))
	}
	r.engine.metrics.ObserveBackend(r.ex.APISpecID, resp.Status, elapsed)

	if resp.Headers == nil {
		resp.Headers = http.Header{}
	}
	r.ex.Response = resp
	for _, fn := range r.ex.afterBackend {
		fn(resp)
	}
	return nil
}

// complete ends the exchange with resp.
func (r *run) complete(resp *Response) error {
	if err := r.transition(StateCompleted); err != nil {
		return err
	}
	r.finish(resp)

	r.engine.logger.Debug("exchange completed",
		zap.String("exchange_id", r.res.ExchangeID),
		zap.String("api_spec_id", r.res.APISpecID),
		zap.Int("status", r.res.Status),
		zap.String("terminated_by", r.res.TerminatedBy),
		zap.Int("filters", len(r.res.Trace)))
	return errTerminal
}

// abort ends the exchange with a gateway generated error response.
func (r *run) abort(status int, code, message, terminatedBy string, cause error) error {
	if err := r.transition(StateAborted); err != nil {
		return err
	}
	r.res.TerminatedBy = terminatedBy
	r.res.Err = cause

	var details map[string]interface{}
	if d := services.GetErrorDetails(cause); len(d) > 0 && status < http.StatusInternalServerError {
		details = d
	}
	r.finish(errorResponse(status, code, message, details))

	level := r.engine.logger.Warn
	if status >= http.StatusInternalServerError && status != StatusClientClosedRequest {
		level = r.engine.logger.Error
	}
	level("exchange aborted",
		zap.String("exchange_id", r.res.ExchangeID),
		zap.String("api_spec_id", r.res.APISpecID),
		zap.Int("status", status),
		zap.String("terminated_by", terminatedBy),
		zap.Error(cause))
	return errTerminal
}

func (r *run) canceled(ctx context.Context, at string) error {
	return r.abort(StatusClientClosedRequest, CodeClientClosed, "client closed request", at,
		services.NewDomainError(services.ErrorTypeCanceled, "exchange canceled", ctx.Err()).
			WithDetail("at", at))
}

func (r *run) finish(resp *Response) {
	if resp.Headers == nil {
		resp.Headers = http.Header{}
	}
	for k, v := range r.ex.ResultHeaders {
		if _, set := resp.Headers[k]; !set {
			resp.Headers[k] = v
		}
	}
	r.ex.Response = resp
	r.res.Status = resp.Status
	r.res.Headers = resp.Headers
	r.res.Body = resp.Body
}

func isCanceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

func denialMessage(err error) string {
	var de *services.DomainError
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}
