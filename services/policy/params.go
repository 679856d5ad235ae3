package policy

import (
	"crypto/rsa"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/upb/gateway-dataplane/models"
	"github.com/upb/gateway-dataplane/utils"
)

// Params is the typed, validated argument set of one policy filter.
type Params interface {
	Policy() models.PolicyName
}

// ParamsBuilder turns raw filter args into typed params.
type ParamsBuilder func(args map[string]string) (Params, error)

// Rate limiter keying strategies
const (
	KeyBySubscription = "subscription"
	KeyByAPI          = "api"
	KeyByIP           = "ip"
)

// RateLimiterParams configures REQUEST_RATE_LIMITER.
type RateLimiterParams struct {
	ReplenishRate   int64         `validate:"gt=0"`
	BurstCapacity   int64         `validate:"gtefield=ReplenishRate"`
	RequestedTokens int64         `validate:"gt=0,ltefield=BurstCapacity"`
	Window          time.Duration `validate:"gt=0"`
	KeyBy           string        `validate:"oneof=subscription api ip"`
}

func (RateLimiterParams) Policy() models.PolicyName { return models.PolicyRequestRateLimiter }

// QuotaParams configures REQUEST_QUOTA.
type QuotaParams struct {
	Amount int64 `validate:"gt=0"`
}

func (QuotaParams) Policy() models.PolicyName { return models.PolicyRequestQuota }

// MonetizationParams configures MONETIZATION. With UnitBytes set the charge is
// Amount per started UnitBytes of body, otherwise Amount per call.
type MonetizationParams struct {
	Amount    int64 `validate:"gt=0"`
	UnitBytes int64 `validate:"gte=0"`
}

func (MonetizationParams) Policy() models.PolicyName { return models.PolicyMonetization }

// HeaderCopyParams configures COPY_REQUEST_HEADER.
type HeaderCopyParams struct {
	From string `validate:"required"`
	To   string `validate:"required"`
}

func (HeaderCopyParams) Policy() models.PolicyName { return models.PolicyCopyRequestHeader }

// HeaderAddParams configures ADD_REQUEST_HEADER. Headers are only added when absent.
type HeaderAddParams struct {
	Name  string `validate:"required"`
	Value string `validate:"required"`
}

func (HeaderAddParams) Policy() models.PolicyName { return models.PolicyAddRequestHeader }

// QueryCopyParams configures COPY_REQUEST_QUERY_PARAM.
type QueryCopyParams struct {
	From string `validate:"required"`
	To   string `validate:"required"`
}

func (QueryCopyParams) Policy() models.PolicyName { return models.PolicyCopyRequestQueryParam }

// QueryAddParams configures ADD_REQUEST_QUERY_PARAM.
type QueryAddParams struct {
	Name  string `validate:"required"`
	Value string `validate:"required"`
}

func (QueryAddParams) Policy() models.PolicyName { return models.PolicyAddRequestQueryParam }

// JWSVerificationParams configures JWS_VERIFICATION and JWS_REQUEST_HEADER_VERIFIER.
type JWSVerificationParams struct {
	name      models.PolicyName
	Header    string `validate:"required"`
	Algorithm string `validate:"oneof=HS256 HS384 HS512 RS256 RS384 RS512"`
	Secret    string `validate:"required_unless=KeyType rsa"`
	KeyType   string `validate:"oneof=hmac rsa"`
	Detached  bool
	PublicKey *rsa.PublicKey `validate:"required_if=KeyType rsa"`
}

func (p JWSVerificationParams) Policy() models.PolicyName { return p.name }

// BodyModifierParams configures REQUEST_BODY_MODIFIER and RESPONSE_BODY_MODIFIER.
type BodyModifierParams struct {
	name   models.PolicyName
	Set    map[string]string
	Remove []string
}

func (p BodyModifierParams) Policy() models.PolicyName { return p.name }

// JSONTransformParams configures the JSON to JSON transformers. Mapping holds
// target path to source path, both dot separated.
type JSONTransformParams struct {
	name         models.PolicyName
	Mapping      map[string]string `validate:"min=1"`
	DropUnmapped bool
}

func (p JSONTransformParams) Policy() models.PolicyName { return p.name }

// Backend auth schemes
const (
	BackendAuthBasic  = "basic"
	BackendAuthBearer = "bearer"
	BackendAuthAPIKey = "apikey"
)

// BackendAuthParams configures BACKEND_SERVICE_AUTH.
type BackendAuthParams struct {
	Type     string `validate:"oneof=basic bearer apikey"`
	Username string `validate:"required_if=Type basic"`
	Password string
	Token    string `validate:"required_unless=Type basic"`
	Header   string `validate:"required"`
}

func (BackendAuthParams) Policy() models.PolicyName { return models.PolicyBackendServiceAuth }

// BodyCacheParams configures RESPONSE_BODY_CACHE.
type BodyCacheParams struct {
	TTL        time.Duration `validate:"gt=0"`
	MaxEntries int           `validate:"gt=0"`
}

func (BodyCacheParams) Policy() models.PolicyName { return models.PolicyResponseBodyCache }

// MockResponseParams configures MOCK_RESPONSE.
type MockResponseParams struct {
	Status      int `validate:"gte=100,lte=599"`
	Body        string
	ContentType string `validate:"required"`
	Headers     map[string]string
}

func (MockResponseParams) Policy() models.PolicyName { return models.PolicyMockResponse }

// FlattenParams configures FLATTEN_JSON_RESPONSE.
type FlattenParams struct {
	Separator string `validate:"required"`
}

func (FlattenParams) Policy() models.PolicyName { return models.PolicyFlattenJSONResponse }

// JWSGeneratorParams configures JWS_RESPONSE_HEADER_GENERATOR.
type JWSGeneratorParams struct {
	Header    string `validate:"required"`
	Algorithm string `validate:"oneof=HS256 HS384 HS512"`
	Secret    string `validate:"required,min=16"`
	KeyID     string
}

func (JWSGeneratorParams) Policy() models.PolicyName { return models.PolicyJWSResponseHeaderGenerator }

// Registry maps every policy name to the builder of its params.
type Registry struct {
	mu       sync.RWMutex
	builders map[models.PolicyName]ParamsBuilder
}

// NewRegistry creates a registry with builders for every known policy.
func NewRegistry() *Registry {
	r := &Registry{builders: make(map[models.PolicyName]ParamsBuilder)}

	r.Register(models.PolicyRequestRateLimiter, buildRateLimiter)
	r.Register(models.PolicyRequestQuota, buildQuota)
	r.Register(models.PolicyMonetization, buildMonetization)
	r.Register(models.PolicyCopyRequestHeader, func(args map[string]string) (Params, error) {
		a := newArgReader(args)
		return a.finish(&HeaderCopyParams{From: a.str("from", ""), To: a.str("to", "")})
	})
	r.Register(models.PolicyAddRequestHeader, func(args map[string]string) (Params, error) {
		a := newArgReader(args)
		return a.finish(&HeaderAddParams{Name: a.str("name", ""), Value: a.str("value", "")})
	})
	r.Register(models.PolicyCopyRequestQueryParam, func(args map[string]string) (Params, error) {
		a := newArgReader(args)
		return a.finish(&QueryCopyParams{From: a.str("from", ""), To: a.str("to", "")})
	})
	r.Register(models.PolicyAddRequestQueryParam, func(args map[string]string) (Params, error) {
		a := newArgReader(args)
		return a.finish(&QueryAddParams{Name: a.str("name", ""), Value: a.str("value", "")})
	})
	r.Register(models.PolicyJWSVerification, jwsVerifierBuilder(models.PolicyJWSVerification, "X-JWS-Signature"))
	r.Register(models.PolicyJWSRequestHeaderVerifier, jwsVerifierBuilder(models.PolicyJWSRequestHeaderVerifier, "X-JWS-Signature"))
	r.Register(models.PolicyRequestBodyModifier, bodyModifierBuilder(models.PolicyRequestBodyModifier))
	r.Register(models.PolicyResponseBodyModifier, bodyModifierBuilder(models.PolicyResponseBodyModifier))
	r.Register(models.PolicyJSONToJSONRequest, jsonTransformBuilder(models.PolicyJSONToJSONRequest))
	r.Register(models.PolicyJSONToJSONResponse, jsonTransformBuilder(models.PolicyJSONToJSONResponse))
	r.Register(models.PolicyBackendServiceAuth, buildBackendAuth)
	r.Register(models.PolicyResponseBodyCache, func(args map[string]string) (Params, error) {
		a := newArgReader(args)
		return a.finish(&BodyCacheParams{
			TTL:        a.duration("ttl", 0),
			MaxEntries: int(a.int64("maxEntries", 1024)),
		})
	})
	r.Register(models.PolicyMockResponse, func(args map[string]string) (Params, error) {
		a := newArgReader(args)
		return a.finish(&MockResponseParams{
			Status:      int(a.int64("status", http.StatusOK)),
			Body:        a.str("body", ""),
			ContentType: a.str("contentType", "application/json"),
			Headers:     a.prefixed("header."),
		})
	})
	r.Register(models.PolicyFlattenJSONResponse, func(args map[string]string) (Params, error) {
		a := newArgReader(args)
		return a.finish(&FlattenParams{Separator: a.str("separator", ".")})
	})
	r.Register(models.PolicyJWSResponseHeaderGenerator, func(args map[string]string) (Params, error) {
		a := newArgReader(args)
		return a.finish(&JWSGeneratorParams{
			Header:    a.str("header", "X-JWS-Signature"),
			Algorithm: a.str("algorithm", "HS256"),
			Secret:    a.str("secret", ""),
			KeyID:     a.str("keyId", ""),
		})
	})

	return r
}

// Register adds or replaces the builder of a policy.
func (r *Registry) Register(name models.PolicyName, builder ParamsBuilder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
}

// Build creates the typed params of a policy from its args.
func (r *Registry) Build(name models.PolicyName, args map[string]string) (Params, error) {
	r.mu.RLock()
	builder, ok := r.builders[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no parameter definition for policy %s", name)
	}
	return builder(args)
}

func buildRateLimiter(args map[string]string) (Params, error) {
	a := newArgReader(args)
	rate := a.int64("replenishRate", 0)
	return a.finish(&RateLimiterParams{
		ReplenishRate:   rate,
		BurstCapacity:   a.int64("burstCapacity", rate),
		RequestedTokens: a.int64("requestedTokens", 1),
		Window:          a.duration("window", time.Second),
		KeyBy:           a.str("keyBy", KeyBySubscription),
	})
}

func buildQuota(args map[string]string) (Params, error) {
	a := newArgReader(args)
	return a.finish(&QuotaParams{Amount: a.int64("amount", 1)})
}

func buildMonetization(args map[string]string) (Params, error) {
	a := newArgReader(args)
	return a.finish(&MonetizationParams{
		Amount:    a.int64("amount", 1),
		UnitBytes: a.int64("unitBytes", 0),
	})
}

func buildBackendAuth(args map[string]string) (Params, error) {
	a := newArgReader(args)
	authType := strings.ToLower(a.str("type", BackendAuthBearer))
	header := "Authorization"
	if authType == BackendAuthAPIKey {
		header = "X-API-Key"
	}
	return a.finish(&BackendAuthParams{
		Type:     authType,
		Username: a.str("username", ""),
		Password: a.str("password", ""),
		Token:    a.str("token", ""),
		Header:   a.str("header", header),
	})
}

func jwsVerifierBuilder(name models.PolicyName, defaultHeader string) ParamsBuilder {
	return func(args map[string]string) (Params, error) {
		a := newArgReader(args)
		p := &JWSVerificationParams{
			name:      name,
			Header:    a.str("header", defaultHeader),
			Algorithm: strings.ToUpper(a.str("algorithm", "HS256")),
			Secret:    a.str("secret", ""),
			KeyType:   "hmac",
			Detached:  a.boolean("detached", false),
		}
		if strings.HasPrefix(p.Algorithm, "RS") {
			p.KeyType = "rsa"
			if pem := a.str("publicKey", ""); pem != "" {
				key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
				if err != nil {
					a.fail("publicKey", err.Error())
				} else {
					p.PublicKey = key
				}
			}
		}
		return a.finish(p)
	}
}

func bodyModifierBuilder(name models.PolicyName) ParamsBuilder {
	return func(args map[string]string) (Params, error) {
		a := newArgReader(args)
		p := &BodyModifierParams{
			name:   name,
			Set:    a.prefixed("set."),
			Remove: a.list("remove"),
		}
		if len(p.Set) == 0 && len(p.Remove) == 0 {
			a.fail("set", "at least one set.<path> or remove entry is required")
		}
		return a.finish(p)
	}
}

func jsonTransformBuilder(name models.PolicyName) ParamsBuilder {
	return func(args map[string]string) (Params, error) {
		a := newArgReader(args)
		return a.finish(&JSONTransformParams{
			name:         name,
			Mapping:      a.prefixed("map."),
			DropUnmapped: a.boolean("dropUnmapped", false),
		})
	}
}

// argReader reads typed values out of a string map, collecting conversion failures.
type argReader struct {
	args map[string]string
	errs map[string]string
}

func newArgReader(args map[string]string) *argReader {
	return &argReader{args: args, errs: make(map[string]string)}
}

func (a *argReader) fail(key, msg string) {
	a.errs[key] = msg
}

func (a *argReader) str(key, def string) string {
	if v := strings.TrimSpace(a.args[key]); v != "" {
		return v
	}
	return def
}

func (a *argReader) int64(key string, def int64) int64 {
	v := a.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		a.fail(key, fmt.Sprintf("%q is not an integer", v))
		return def
	}
	return n
}

func (a *argReader) boolean(key string, def bool) bool {
	v := a.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		a.fail(key, fmt.Sprintf("%q is not a boolean", v))
		return def
	}
	return b
}

// duration accepts Go durations ("500ms") or a plain number of seconds.
func (a *argReader) duration(key string, def time.Duration) time.Duration {
	v := a.str(key, "")
	if v == "" {
		return def
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		a.fail(key, fmt.Sprintf("%q is not a duration", v))
		return def
	}
	return d
}

func (a *argReader) prefixed(prefix string) map[string]string {
	out := make(map[string]string)
	for k, v := range a.args {
		if strings.HasPrefix(k, prefix) && len(k) > len(prefix) {
			out[strings.TrimPrefix(k, prefix)] = v
		}
	}
	return out
}

func (a *argReader) list(key string) []string {
	raw := a.str(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// finish validates p and merges conversion and validation failures into one error.
func (a *argReader) finish(p Params) (Params, error) {
	if err := utils.ValidateStruct(p); err != nil {
		for field, msg := range utils.GetValidationFields(err) {
			if _, seen := a.errs[field]; !seen {
				a.errs[field] = msg
			}
		}
		if len(utils.GetValidationFields(err)) == 0 {
			return nil, err
		}
	}
	if len(a.errs) == 0 {
		return p, nil
	}

	keys := make([]string, 0, len(a.errs))
	for k := range a.errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	msgs := make([]string, 0, len(keys))
	for _, k := range keys {
		msgs = append(msgs, fmt.Sprintf("%s: %s", k, a.errs[k]))
	}
	return nil, fmt.Errorf("invalid args: %s", strings.Join(msgs, "; "))
}
