package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/upb/gateway-dataplane/services/policy"
	"github.com/upb/gateway-dataplane/services/ratelimit"
)

var errNoPlanFacts = errors.New("no subscription facts resolved for exchange")

func newRateLimitFilter(params policy.Params, deps Deps) (Filter, error) {
	p, err := paramsAs[*policy.RateLimiterParams](params)
	if err != nil {
		return nil, err
	}
	if deps.RateLimiter == nil {
		return nil, errors.New("rate limiter not configured")
	}

	return FilterFunc(func(ctx context.Context, ex *Exchange) (Outcome, error) {
		req := ratelimit.RateLimitRequest{
			APISpecID:          ex.APISpecID,
			PolicyDefinitionID: deps.filterID,
			ClientIP:           ex.Request.ClientIP,
			KeyBy:              p.KeyBy,
			ReplenishRate:      p.ReplenishRate,
			BurstCapacity:      p.BurstCapacity,
			Requested:          p.RequestedTokens,
			Window:             p.Window,
		}
		if p.KeyBy == policy.KeyBySubscription {
			if ex.Facts == nil {
				req.KeyBy = policy.KeyByIP
			} else {
				req.SubscriptionID = ex.Facts.SubscriptionID
			}
		}

		res, err := deps.RateLimiter.CheckLimit(ctx, req)
		if err != nil {
			return Continue, err
		}
		deps.Metrics.ObserveRateLimit(ex.APISpecID, res.Allowed)

		if !res.Allowed {
			return denied(&Denial{
				Kind:       DenialRateLimit,
				Limit:      res.Limit,
				Remaining:  res.Remaining,
				RetryAfter: res.RetryAfter,
				ResetAt:    res.ResetAt,
			}, CodeRateLimited, res.ViolationReason), nil
		}
		rateLimitHeaders(ex.ResultHeaders, res.Limit, res.Remaining, res.ResetAt)
		return Continue, nil
	}), nil
}

// charge consumes amount from the ledger and turns a rejection into a 429.
func charge(ctx context.Context, deps Deps, ex *Exchange, amount int64) (Outcome, error) {
	if ex.Facts == nil {
		return Continue, errNoPlanFacts
	}
	d, err := deps.Ledger.Consume(ctx, ex.Facts, amount)
	if err != nil {
		return Continue, err
	}
	deps.Metrics.ObserveQuota(ex.Facts.ProductID, d.Admitted)

	if !d.Admitted {
		return denied(&Denial{
			Kind:       DenialQuota,
			Limit:      d.Limit,
			Remaining:  d.Remaining,
			RetryAfter: d.RetryAfter,
			ResetAt:    d.PeriodEnd,
			PeriodKey:  d.PeriodKey,
		}, CodeQuotaExceeded, fmt.Sprintf("quota of %d calls for period %s exhausted", d.Limit, d.PeriodKey)), nil
	}
	rateLimitHeaders(ex.ResultHeaders, d.Limit, d.Remaining, d.PeriodEnd)
	return Continue, nil
}

func newQuotaFilter(params policy.Params, deps Deps) (Filter, error) {
	p, err := paramsAs[*policy.QuotaParams](params)
	if err != nil {
		return nil, err
	}
	if deps.Ledger == nil {
		return nil, errors.New("quota ledger not configured")
	}

	return FilterFunc(func(ctx context.Context, ex *Exchange) (Outcome, error) {
		return charge(ctx, deps, ex, p.Amount)
	}), nil
}

// newMonetizationFilter charges Amount per started UnitBytes of the phase
// body, or Amount per call when UnitBytes is zero. An empty body costs nothing.
func newMonetizationFilter(params policy.Params, deps Deps) (Filter, error) {
	p, err := paramsAs[*policy.MonetizationParams](params)
	if err != nil {
		return nil, err
	}
	if deps.Ledger == nil {
		return nil, errors.New("quota ledger not configured")
	}

	return FilterFunc(func(ctx context.Context, ex *Exchange) (Outcome, error) {
		amount := p.Amount
		if p.UnitBytes > 0 {
			size := int64(len(ex.body()))
			amount = p.Amount * ((size + p.UnitBytes - 1) / p.UnitBytes)
		}
		if amount == 0 {
			return Continue, nil
		}
		return charge(ctx, deps, ex, amount)
	}), nil
}
