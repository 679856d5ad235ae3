package models

import (
	"fmt"
	"strings"
)

// EnumError is returned by the Parse functions when a value is empty or unknown.
type EnumError struct {
	Field string
	Value string
}

func (e *EnumError) Error() string {
	if strings.TrimSpace(e.Value) == "" {
		return fmt.Sprintf("%s must not be empty", e.Field)
	}
	return fmt.Sprintf("invalid %s value %q", e.Field, e.Value)
}

// Empty reports whether the rejected value was blank.
func (e *EnumError) Empty() bool {
	return strings.TrimSpace(e.Value) == ""
}

func parseEnum[T ~string](field, value string, valid func(T) bool) (T, error) {
	v := T(strings.TrimSpace(value))
	if v == "" || !valid(v) {
		return "", &EnumError{Field: field, Value: value}
	}
	return v, nil
}

// HttpExchange is the exchange phase a policy filter is bound to.
type HttpExchange string

const (
	ExchangeRequest        HttpExchange = "REQUEST"
	ExchangeResponse       HttpExchange = "RESPONSE"
	ExchangeSystemRequest  HttpExchange = "SYSTEM_REQUEST"
	ExchangeSystemResponse HttpExchange = "SYSTEM_RESPONSE"
)

// ExecutionPhases lists the phases in the order the engine runs them.
var ExecutionPhases = []HttpExchange{
	ExchangeSystemRequest,
	ExchangeRequest,
	ExchangeResponse,
	ExchangeSystemResponse,
}

// IsValid checks if the exchange is known
func (e HttpExchange) IsValid() bool {
	switch e {
	case ExchangeRequest, ExchangeResponse, ExchangeSystemRequest, ExchangeSystemResponse:
		return true
	}
	return false
}

// IsRequestSide reports whether the phase runs before the backend call.
func (e HttpExchange) IsRequestSide() bool {
	return e == ExchangeRequest || e == ExchangeSystemRequest
}

// ParseHttpExchange parses an exchange name.
func ParseHttpExchange(s string) (HttpExchange, error) {
	return parseEnum("httpExchange", s, HttpExchange.IsValid)
}

// PolicyName identifies the behavior of a policy filter.
type PolicyName string

const (
	// Request policies
	PolicyRequestRateLimiter       PolicyName = "REQUEST_RATE_LIMITER"
	PolicyRequestQuota             PolicyName = "REQUEST_QUOTA"
	PolicyCopyRequestHeader        PolicyName = "COPY_REQUEST_HEADER"
	PolicyAddRequestHeader         PolicyName = "ADD_REQUEST_HEADER"
	PolicyCopyRequestQueryParam    PolicyName = "COPY_REQUEST_QUERY_PARAM"
	PolicyAddRequestQueryParam     PolicyName = "ADD_REQUEST_QUERY_PARAM"
	PolicyJWSVerification          PolicyName = "JWS_VERIFICATION"
	PolicyMonetization             PolicyName = "MONETIZATION"
	PolicyRequestBodyModifier      PolicyName = "REQUEST_BODY_MODIFIER"
	PolicyJSONToJSONRequest        PolicyName = "JSON_TO_JSON_REQUEST_TRANSFORMER"
	PolicyJWSRequestHeaderVerifier PolicyName = "JWS_REQUEST_HEADER_VERIFIER"
	PolicyBackendServiceAuth       PolicyName = "BACKEND_SERVICE_AUTH"

	// Response policies
	PolicyResponseBodyCache          PolicyName = "RESPONSE_BODY_CACHE"
	PolicyMockResponse               PolicyName = "MOCK_RESPONSE"
	PolicyJSONToJSONResponse         PolicyName = "JSON_TO_JSON_RESPONSE_TRANSFORMER"
	PolicyResponseBodyModifier       PolicyName = "RESPONSE_BODY_MODIFIER"
	PolicyFlattenJSONResponse        PolicyName = "FLATTEN_JSON_RESPONSE"
	PolicyJWSResponseHeaderGenerator PolicyName = "JWS_RESPONSE_HEADER_GENERATOR"
)

var policyDisplayNames = map[PolicyName]string{
	PolicyRequestRateLimiter:         "RequestRateLimiter",
	PolicyRequestQuota:               "RequestQuota",
	PolicyCopyRequestHeader:          "CopyRequestHeaders",
	PolicyAddRequestHeader:           "AddRequestHeadersIfNotPresent",
	PolicyCopyRequestQueryParam:      "CopyRequestQueryParameters",
	PolicyAddRequestQueryParam:       "AddRequestQueryParameters",
	PolicyJWSVerification:            "JwsVerification",
	PolicyMonetization:               "Monetization",
	PolicyRequestBodyModifier:        "RequestBodyModifier",
	PolicyJSONToJSONRequest:          "JsonToJsonRequestTransformer",
	PolicyJWSRequestHeaderVerifier:   "JsonWebSignature",
	PolicyBackendServiceAuth:         "BackendServiceAuth",
	PolicyResponseBodyCache:          "ResponseBodyCache",
	PolicyMockResponse:               "MockResponse",
	PolicyJSONToJSONResponse:         "JsonToJsonResponseTransformer",
	PolicyResponseBodyModifier:       "ResponseBodyModifier",
	PolicyFlattenJSONResponse:        "FlattenJsonResponse",
	PolicyJWSResponseHeaderGenerator: "JwsResponseHeaderGenerator",
}

// IsValid checks if the policy name is known
func (p PolicyName) IsValid() bool {
	_, ok := policyDisplayNames[p]
	return ok
}

// DisplayName returns the gateway filter name used in published configuration.
func (p PolicyName) DisplayName() string {
	return policyDisplayNames[p]
}

// IsRequestPolicy reports whether the policy acts on the inbound request.
func (p PolicyName) IsRequestPolicy() bool {
	switch p {
	case PolicyRequestRateLimiter, PolicyRequestQuota, PolicyCopyRequestHeader,
		PolicyAddRequestHeader, PolicyCopyRequestQueryParam, PolicyAddRequestQueryParam,
		PolicyJWSVerification, PolicyMonetization, PolicyRequestBodyModifier,
		PolicyJSONToJSONRequest, PolicyJWSRequestHeaderVerifier, PolicyBackendServiceAuth:
		return true
	}
	return false
}

// IsResponsePolicy reports whether the policy acts on the backend response.
func (p PolicyName) IsResponsePolicy() bool {
	return p.IsValid() && !p.IsRequestPolicy()
}

// ConsumesQuota reports whether the policy charges the quota ledger.
func (p PolicyName) ConsumesQuota() bool {
	return p == PolicyRequestQuota || p == PolicyMonetization
}

// AllowedIn reports whether the policy may be configured under the exchange.
// Monetization charges in either direction; mock and cache may answer before the backend.
func (p PolicyName) AllowedIn(e HttpExchange) bool {
	if !p.IsValid() || !e.IsValid() {
		return false
	}
	if p == PolicyMonetization {
		return true
	}
	if e.IsRequestSide() {
		return p.IsRequestPolicy() || p == PolicyMockResponse || p == PolicyResponseBodyCache
	}
	return p.IsResponsePolicy()
}

// ParsePolicyName parses a policy name.
func ParsePolicyName(s string) (PolicyName, error) {
	return parseEnum("policyName", s, PolicyName.IsValid)
}

// PredicateName identifies a route predicate.
type PredicateName string

const (
	PredicatePath   PredicateName = "Path"
	PredicateMethod PredicateName = "Method"
	PredicateHeader PredicateName = "Header"
	PredicateQuery  PredicateName = "Query"
	PredicateHost   PredicateName = "Host"
	PredicateCel    PredicateName = "Cel"
)

// IsValid checks if the predicate is known
func (p PredicateName) IsValid() bool {
	switch p {
	case PredicatePath, PredicateMethod, PredicateHeader, PredicateQuery, PredicateHost, PredicateCel:
		return true
	}
	return false
}

// ParsePredicateName parses a predicate name.
func ParsePredicateName(s string) (PredicateName, error) {
	return parseEnum("predicate", s, PredicateName.IsValid)
}

// ApiStatus is the lifecycle status of an API specification.
type ApiStatus string

const (
	ApiStatusDraft       ApiStatus = "DRAFT"
	ApiStatusPublished   ApiStatus = "PUBLISHED"
	ApiStatusUnpublished ApiStatus = "UNPUBLISHED"
	ApiStatusDeprecated  ApiStatus = "DEPRECATED"
	ApiStatusRetired     ApiStatus = "RETIRED"
)

// IsValid checks if the status is known
func (s ApiStatus) IsValid() bool {
	switch s {
	case ApiStatusDraft, ApiStatusPublished, ApiStatusUnpublished, ApiStatusDeprecated, ApiStatusRetired:
		return true
	}
	return false
}

// Serves reports whether traffic is accepted for an API in this status.
func (s ApiStatus) Serves() bool {
	return s == ApiStatusPublished || s == ApiStatusDeprecated
}

// ParseApiStatus parses an API status.
func ParseApiStatus(s string) (ApiStatus, error) {
	return parseEnum("apiStatus", s, ApiStatus.IsValid)
}

// PricingType defines how a product is charged within a plan.
type PricingType string

const (
	PricingUsageBased PricingType = "USAGE_BASED_CHARGES"
	PricingFixedQuota PricingType = "FIXED_QUOTA_CHARGES"
)

// IsValid checks if the pricing type is known
func (p PricingType) IsValid() bool {
	return p == PricingUsageBased || p == PricingFixedQuota
}

// ParsePricingType parses a pricing type.
func ParsePricingType(s string) (PricingType, error) {
	return parseEnum("priceType", s, PricingType.IsValid)
}

// SubscriptionStatus is the lifecycle status of a subscription.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "ACTIVE"
	SubscriptionCanceled SubscriptionStatus = "CANCELED"
	SubscriptionExpired  SubscriptionStatus = "EXPIRED"
	SubscriptionPending  SubscriptionStatus = "PENDING"
	SubscriptionRejected SubscriptionStatus = "REJECTED"
)

// IsValid checks if the status is known
func (s SubscriptionStatus) IsValid() bool {
	switch s {
	case SubscriptionActive, SubscriptionCanceled, SubscriptionExpired, SubscriptionPending, SubscriptionRejected:
		return true
	}
	return false
}

// ParseSubscriptionStatus parses a subscription status.
func ParseSubscriptionStatus(s string) (SubscriptionStatus, error) {
	return parseEnum("subscriptionStatus", s, SubscriptionStatus.IsValid)
}

// SubscriptionPeriodOption is the billing period of a subscription.
type SubscriptionPeriodOption string

const (
	PeriodMonthly  SubscriptionPeriodOption = "MONTHLY"
	PeriodYearly   SubscriptionPeriodOption = "YEARLY"
	PeriodLifetime SubscriptionPeriodOption = "LIFETIME"
)

// IsValid checks if the period option is known
func (p SubscriptionPeriodOption) IsValid() bool {
	return p == PeriodMonthly || p == PeriodYearly || p == PeriodLifetime
}

// ParseSubscriptionPeriodOption parses a period option.
func ParseSubscriptionPeriodOption(s string) (SubscriptionPeriodOption, error) {
	return parseEnum("subscriptionPeriod", s, SubscriptionPeriodOption.IsValid)
}

// RenewalType is how a subscription renews.
type RenewalType string

const (
	RenewalAuto   RenewalType = "AUTO"
	RenewalManual RenewalType = "MANUAL"
)

// IsValid checks if the renewal type is known
func (r RenewalType) IsValid() bool {
	return r == RenewalAuto || r == RenewalManual
}

// ParseRenewalType parses a renewal type.
func ParseRenewalType(s string) (RenewalType, error) {
	return parseEnum("renewalType", s, RenewalType.IsValid)
}

// PlanStatus is the publication status of a plan.
type PlanStatus string

const (
	PlanPublished   PlanStatus = "PUBLISHED"
	PlanUnpublished PlanStatus = "UNPUBLISHED"
	PlanDeleted     PlanStatus = "DELETED"
	PlanDraft       PlanStatus = "DRAFT"
)

// IsValid checks if the plan status is known
func (p PlanStatus) IsValid() bool {
	switch p {
	case PlanPublished, PlanUnpublished, PlanDeleted, PlanDraft:
		return true
	}
	return false
}

// ParsePlanStatus parses a plan status.
func ParsePlanStatus(s string) (PlanStatus, error) {
	return parseEnum("planStatus", s, PlanStatus.IsValid)
}

// PlanDefinitionType distinguishes catalog plans from negotiated ones.
type PlanDefinitionType string

const (
	PlanStandard   PlanDefinitionType = "STANDARD"
	PlanEnterprise PlanDefinitionType = "ENTERPRISE"
)

// IsValid checks if the definition type is known
func (p PlanDefinitionType) IsValid() bool {
	return p == PlanStandard || p == PlanEnterprise
}

// ParsePlanDefinitionType parses a plan definition type.
func ParsePlanDefinitionType(s string) (PlanDefinitionType, error) {
	return parseEnum("definitionType", s, PlanDefinitionType.IsValid)
}

// ProductStatus is the publication status of a product.
type ProductStatus string

const (
	ProductDraft       ProductStatus = "DRAFT"
	ProductPublished   ProductStatus = "PUBLISHED"
	ProductUnpublished ProductStatus = "UNPUBLISHED"
)

// IsValid checks if the product status is known
func (p ProductStatus) IsValid() bool {
	return p == ProductDraft || p == ProductPublished || p == ProductUnpublished
}

// ParseProductStatus parses a product status.
func ParseProductStatus(s string) (ProductStatus, error) {
	return parseEnum("productStatus", s, ProductStatus.IsValid)
}

// TimeUnit is the reset cadence of a product quota.
type TimeUnit string

const (
	TimeUnitMinute TimeUnit = "MINUTE"
	TimeUnitHour   TimeUnit = "HOUR"
	TimeUnitDay    TimeUnit = "DAY"
	TimeUnitWeek   TimeUnit = "WEEK"
	TimeUnitMonth  TimeUnit = "MONTH"
	TimeUnitYear   TimeUnit = "YEAR"
)

// IsValid checks if the time unit is known
func (u TimeUnit) IsValid() bool {
	switch u {
	case TimeUnitMinute, TimeUnitHour, TimeUnitDay, TimeUnitWeek, TimeUnitMonth, TimeUnitYear:
		return true
	}
	return false
}

// ParseTimeUnit parses a time unit.
func ParseTimeUnit(s string) (TimeUnit, error) {
	return parseEnum("timeUnit", s, TimeUnit.IsValid)
}
