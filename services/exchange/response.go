package exchange

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/upb/gateway-dataplane/utils"
)

// Error codes written into gateway generated bodies
const (
	CodeQuotaExceeded        = "quota_exceeded"
	CodeRateLimited          = "rate_limit_exceeded"
	CodeNotSubscribed        = "not_subscribed"
	CodeSubscriptionExpired  = "subscription_expired"
	CodeSubscriptionCanceled = "subscription_canceled"
	CodeRouteNotMatched      = "route_not_matched"
	CodePolicyFailed         = "policy_execution_failed"
	CodeBackendUnavailable   = "backend_unavailable"
	CodeClientClosed         = "client_closed_request"
	CodeInternal             = "internal_error"
)

// StatusClientClosedRequest is reported when the caller goes away mid exchange.
const StatusClientClosedRequest = 499

func errorResponse(status int, code, message string, details map[string]interface{}) *Response {
	body, err := json.Marshal(utils.ErrorResponse{Error: code, Message: message, Details: details})
	if err != nil {
		body = []byte(`{"error":"` + code + `"}`)
	}
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	return &Response{Status: status, Headers: headers, Body: body}
}

// deniedResponse builds the 429 answer of a quota or rate limit denial.
func deniedResponse(d *Denial, code, message string) *Response {
	retry := int64(math.Ceil(d.RetryAfter.Seconds()))
	if retry < 1 {
		retry = 1
	}

	details := map[string]interface{}{
		"limit":       d.Limit,
		"remaining":   d.Remaining,
		"retry_after": retry,
	}
	if d.PeriodKey != "" {
		details["period"] = d.PeriodKey
	}

	resp := errorResponse(http.StatusTooManyRequests, code, message, details)
	resp.Headers.Set("Retry-After", strconv.FormatInt(retry, 10))
	resp.Headers.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	resp.Headers.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	if !d.ResetAt.IsZero() {
		resp.Headers.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	return resp
}

// denied short-circuits with a 429 carrying the denial.
func denied(d *Denial, code, message string) Outcome {
	return Outcome{Response: deniedResponse(d, code, message), Denial: d}
}

// rateLimitHeaders decorates an admitted response with the remaining allowance.
func rateLimitHeaders(h http.Header, limit, remaining int64, reset time.Time) {
	h.Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	if !reset.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
	}
}
