package policy

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/gateway-dataplane/models"
)

func TestRegistry_RateLimiterDefaults(t *testing.T) {
	p, err := NewRegistry().Build(models.PolicyRequestRateLimiter, map[string]string{"replenishRate": "10"})
	require.NoError(t, err)

	params := p.(*RateLimiterParams)
	assert.Equal(t, int64(10), params.ReplenishRate)
	assert.Equal(t, int64(10), params.BurstCapacity)
	assert.Equal(t, int64(1), params.RequestedTokens)
	assert.Equal(t, time.Second, params.Window)
	assert.Equal(t, KeyBySubscription, params.KeyBy)
}

func TestRegistry_Build(t *testing.T) {
	tests := []struct {
		name    string
		policy  models.PolicyName
		args    map[string]string
		wantErr string
		check   func(t *testing.T, p Params)
	}{
		{
			name:    "burst below rate",
			policy:  models.PolicyRequestRateLimiter,
			args:    map[string]string{"replenishRate": "10", "burstCapacity": "5"},
			wantErr: "BurstCapacity",
		},
		{
			name:    "window as seconds",
			policy:  models.PolicyRequestRateLimiter,
			args:    map[string]string{"replenishRate": "1", "window": "60"},
			check: func(t *testing.T, p Params) {
				assert.Equal(t, time.Minute, p.(*RateLimiterParams).Window)
			},
		},
		{
			name:    "unknown key strategy",
			policy:  models.PolicyRequestRateLimiter,
			args:    map[string]string{"replenishRate": "1", "keyBy": "moon"},
			wantErr: "KeyBy",
		},
		{
			name:   "quota default amount",
			policy: models.PolicyRequestQuota,
			check: func(t *testing.T, p Params) {
				assert.Equal(t, int64(1), p.(*QuotaParams).Amount)
			},
		},
		{
			name:    "quota negative amount",
			policy:  models.PolicyRequestQuota,
			args:    map[string]string{"amount": "-2"},
			wantErr: "Amount",
		},
		{
			name:   "monetization by size",
			policy: models.PolicyMonetization,
			args:   map[string]string{"unitBytes": "1024"},
			check: func(t *testing.T, p Params) {
				assert.Equal(t, int64(1024), p.(*MonetizationParams).UnitBytes)
			},
		},
		{
			name:    "copy header without target",
			policy:  models.PolicyCopyRequestHeader,
			args:    map[string]string{"from": "X-A"},
			wantErr: "To",
		},
		{
			name:    "hmac verification without secret",
			policy:  models.PolicyJWSVerification,
			wantErr: "Secret",
		},
		{
			name:    "rsa verification without key",
			policy:  models.PolicyJWSRequestHeaderVerifier,
			args:    map[string]string{"algorithm": "RS256"},
			wantErr: "PublicKey",
		},
		{
			name:    "rsa verification with garbage key",
			policy:  models.PolicyJWSVerification,
			args:    map[string]string{"algorithm": "RS256", "publicKey": "nope"},
			wantErr: "publicKey",
		},
		{
			name:   "verifier keeps its policy name",
			policy: models.PolicyJWSRequestHeaderVerifier,
			args:   map[string]string{"secret": "s3cr3t"},
			check: func(t *testing.T, p Params) {
				assert.Equal(t, models.PolicyJWSRequestHeaderVerifier, p.Policy())
			},
		},
		{
			name:    "body modifier without operations",
			policy:  models.PolicyRequestBodyModifier,
			wantErr: "set",
		},
		{
			name:   "body modifier operations",
			policy: models.PolicyResponseBodyModifier,
			args:   map[string]string{"set.meta.source": "gateway", "remove": "secret, internal.id"},
			check: func(t *testing.T, p Params) {
				params := p.(*BodyModifierParams)
				assert.Equal(t, map[string]string{"meta.source": "gateway"}, params.Set)
				assert.Equal(t, []string{"secret", "internal.id"}, params.Remove)
				assert.Equal(t, models.PolicyResponseBodyModifier, params.Policy())
			},
		},
		{
			name:    "transformer without mapping",
			policy:  models.PolicyJSONToJSONRequest,
			wantErr: "Mapping",
		},
		{
			name:    "basic auth without username",
			policy:  models.PolicyBackendServiceAuth,
			args:    map[string]string{"type": "basic"},
			wantErr: "Username",
		},
		{
			name:   "api key auth header default",
			policy: models.PolicyBackendServiceAuth,
			args:   map[string]string{"type": "apikey", "token": "abc"},
			check: func(t *testing.T, p Params) {
				assert.Equal(t, "X-API-Key", p.(*BackendAuthParams).Header)
			},
		},
		{
			name:    "cache without ttl",
			policy:  models.PolicyResponseBodyCache,
			wantErr: "TTL",
		},
		{
			name:   "mock defaults",
			policy: models.PolicyMockResponse,
			args:   map[string]string{"body": `{"ok":true}`, "header.X-Mock": "yes"},
			check: func(t *testing.T, p Params) {
				params := p.(*MockResponseParams)
				assert.Equal(t, 200, params.Status)
				assert.Equal(t, "application/json", params.ContentType)
				assert.Equal(t, "yes", params.Headers["X-Mock"])
			},
		},
		{
			name:    "mock with bad status",
			policy:  models.PolicyMockResponse,
			args:    map[string]string{"status": "42"},
			wantErr: "Status",
		},
		{
			name:    "generator with short secret",
			policy:  models.PolicyJWSResponseHeaderGenerator,
			args:    map[string]string{"secret": "short"},
			wantErr: "Secret",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewRegistry().Build(tt.policy, tt.args)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, p)
			}
		})
	}
}

func TestRegistry_RSAPublicKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	p, err := NewRegistry().Build(models.PolicyJWSVerification, map[string]string{
		"algorithm": "RS256",
		"publicKey": string(pemKey),
	})
	require.NoError(t, err)

	params := p.(*JWSVerificationParams)
	assert.Equal(t, "rsa", params.KeyType)
	assert.NotNil(t, params.PublicKey)
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	r.Register(models.PolicyFlattenJSONResponse, func(args map[string]string) (Params, error) {
		return &FlattenParams{Separator: "_"}, nil
	})

	p, err := r.Build(models.PolicyFlattenJSONResponse, nil)
	require.NoError(t, err)
	assert.Equal(t, "_", p.(*FlattenParams).Separator)

	_, err = r.Build(models.PolicyName("UNKNOWN"), nil)
	assert.Error(t, err)
}
