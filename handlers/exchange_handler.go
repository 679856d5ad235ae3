package handlers

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/upb/gateway-dataplane/middleware"
	"github.com/upb/gateway-dataplane/services/exchange"
	"github.com/upb/gateway-dataplane/utils"
)

// HeaderExchangeID carries the id of the exchange back to the caller
const HeaderExchangeID = "X-Exchange-ID"

// ExchangeExecutor runs one exchange through an API's policy chain
type ExchangeExecutor interface {
	Execute(ctx context.Context, in exchange.ExchangeRequest) (*exchange.ExchangeResult, error)
}

// ExchangeHandler serves /gateway/{apiSpecID}/*
type ExchangeHandler struct {
	engine       ExchangeExecutor
	maxBodyBytes int64
	logger       *zap.Logger
}

// NewExchangeHandler creates a new ExchangeHandler
func NewExchangeHandler(engine ExchangeExecutor, maxBodyBytes int64, logger *zap.Logger) *ExchangeHandler {
	return &ExchangeHandler{
		engine:       engine,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

// HandleExchange handles any method under /gateway/{apiSpecID}/
func (h *ExchangeHandler) HandleExchange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	apiSpecID := chi.URLParam(r, "apiSpecID")

	body, err := h.readBody(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			_ = utils.WriteError(w, http.StatusRequestEntityTooLarge, "request body too large",
				map[string]interface{}{"limit": tooLarge.Limit})
			return
		}
		h.logger.Warn("failed to read request body",
			zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "failed to read request body", nil)
		return
	}

	result, err := h.engine.Execute(ctx, exchange.ExchangeRequest{
		APISpecID:  apiSpecID,
		Credential: middleware.GetCredentialFromContext(ctx),
		Request: &exchange.Request{
			Method:   r.Method,
			Path:     "/" + strings.TrimLeft(chi.URLParam(r, "*"), "/"),
			Host:     r.Host,
			Query:    r.URL.Query(),
			Headers:  r.Header.Clone(),
			Body:     body,
			ClientIP: clientIP(r),
		},
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	writeResult(w, result)
}

func (h *ExchangeHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
}

func writeResult(w http.ResponseWriter, result *exchange.ExchangeResult) {
	header := w.Header()
	for k, values := range result.Headers {
		header[k] = append([]string(nil), values...)
	}
	header.Set(HeaderExchangeID, result.ExchangeID)
	header.Set("Content-Length", strconv.Itoa(len(result.Body)))

	w.WriteHeader(result.Status)
	if len(result.Body) > 0 {
		_, _ = w.Write(result.Body)
	}
}

// clientIP returns the caller address without its port. RealIP runs first,
// so forwarded addresses are already applied.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
