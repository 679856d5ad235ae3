package exchange

import (
	"net/http"
	"net/url"
	"time"

	"github.com/upb/gateway-dataplane/models"
	"github.com/upb/gateway-dataplane/services/policy"
	"github.com/upb/gateway-dataplane/services/subscription"
)

// Request is the inbound request as filters see and modify it.
type Request struct {
	Method   string
	Path     string
	Host     string
	Query    url.Values
	Headers  http.Header
	Body     []byte
	ClientIP string
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	cp := *r
	cp.Query = cloneValues(r.Query)
	cp.Headers = r.Headers.Clone()
	if cp.Headers == nil {
		cp.Headers = http.Header{}
	}
	if r.Body != nil {
		cp.Body = append([]byte(nil), r.Body...)
	}
	return &cp
}

// Response is the backend or short-circuit response.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Clone returns a deep copy of the response.
func (r *Response) Clone() *Response {
	cp := *r
	cp.Headers = r.Headers.Clone()
	if cp.Headers == nil {
		cp.Headers = http.Header{}
	}
	if r.Body != nil {
		cp.Body = append([]byte(nil), r.Body...)
	}
	return &cp
}

// ExchangeRequest is the input of Engine.Execute.
type ExchangeRequest struct {
	APISpecID  string
	Credential subscription.Credential
	Request    *Request
}

// Denial kinds
const (
	DenialQuota     = "quota"
	DenialRateLimit = "rate_limit"
)

// Denial carries the limit metadata of a quota or rate limit rejection.
type Denial struct {
	Kind       string        `json:"kind"`
	Limit      int64         `json:"limit"`
	Remaining  int64         `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after"`
	ResetAt    time.Time     `json:"reset_at"`
	PeriodKey  string        `json:"period_key,omitempty"`
}

// Filter outcomes as reported in traces
const (
	OutcomeContinue     = "continue"
	OutcomeShortCircuit = "short_circuit"
	OutcomeError        = "error"
)

// TraceEntry records one executed filter.
type TraceEntry struct {
	PolicyDefinitionID int64               `json:"policy_definition_id"`
	Policy             models.PolicyName   `json:"policy"`
	Exchange           models.HttpExchange `json:"exchange"`
	Order              int64               `json:"order"`
	Outcome            string              `json:"outcome"`
	Duration           time.Duration       `json:"duration"`
}

// ExchangeResult is the outcome of one exchange. TerminatedBy names the step
// that ended it early ("predicate:Path", "policy:MOCK_RESPONSE", "backend",
// "subscription", "canceled"); it is empty when every step ran.
type ExchangeResult struct {
	ExchangeID   string
	APISpecID    string
	State        State
	Status       int
	Headers      http.Header
	Body         []byte
	TerminatedBy string
	Denial       *Denial
	Trace        []TraceEntry
	Err          error
}

// Exchange is the mutable state of one execution, handed to every filter.
// Filters run sequentially, so it needs no locking.
type Exchange struct {
	ID        string
	APISpecID string
	Plan      *policy.Plan
	Phase     models.HttpExchange

	// Facts is set when the caller presented a subscription or the plan charges quota.
	Facts *models.PlanFacts

	// Original is the inbound request as received; filters must not modify it.
	Original *Request
	Request  *Request
	Response *Response

	// BackendURL may be rewritten by filters before the backend call.
	BackendURL string

	// ResultHeaders are added to the final response unless it already sets them.
	ResultHeaders http.Header

	afterBackend []func(*Response)
}

// OnBackendResponse registers fn to run with the backend response before the
// response phase starts. It is not called when the backend is skipped or fails.
func (ex *Exchange) OnBackendResponse(fn func(*Response)) {
	ex.afterBackend = append(ex.afterBackend, fn)
}

// Outcome is what a filter decided. A nil Response means continue.
type Outcome struct {
	Response *Response
	Denial   *Denial
}

// Continue lets the chain proceed.
var Continue = Outcome{}

// ShortCircuit ends the phase with resp.
func ShortCircuit(resp *Response) Outcome {
	return Outcome{Response: resp}
}

// Stops reports whether the outcome ends the phase.
func (o Outcome) Stops() bool {
	return o.Response != nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
