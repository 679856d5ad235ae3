package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/upb/gateway-dataplane/services/subscription"
	"github.com/upb/gateway-dataplane/utils"
)

// Credential headers. They are consumed by the gateway and never forwarded.
const (
	HeaderConsumerKey    = "X-Consumer-Key"
	HeaderSubscriptionID = "X-Subscription-ID"
)

// CredentialMiddleware extracts the subscription credential of gateway callers
type CredentialMiddleware struct {
	logger *zap.Logger
}

// NewCredentialMiddleware creates a new CredentialMiddleware
func NewCredentialMiddleware(logger *zap.Logger) *CredentialMiddleware {
	return &CredentialMiddleware{logger: logger}
}

// ExtractCredential stores the caller's credential in the request context and
// strips the credential headers. Missing headers yield a zero credential; the
// engine decides whether the API needs one.
func (m *CredentialMiddleware) ExtractCredential(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		cred := subscription.Credential{
			ConsumerKey: strings.TrimSpace(r.Header.Get(HeaderConsumerKey)),
		}
		if raw := strings.TrimSpace(r.Header.Get(HeaderSubscriptionID)); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				m.logger.Warn("invalid subscription id header",
					zap.String("request_id", GetRequestIDFromContext(ctx)),
					zap.String("value", raw))
				_ = utils.WriteBadRequest(w, HeaderSubscriptionID+" must be a positive integer", nil)
				return
			}
			cred.SubscriptionID = id
		}

		r.Header.Del(HeaderConsumerKey)
		r.Header.Del(HeaderSubscriptionID)

		next.ServeHTTP(w, r.WithContext(WithCredential(ctx, cred)))
	})
}
