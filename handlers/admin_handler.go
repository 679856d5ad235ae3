package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/upb/gateway-dataplane/middleware"
	"github.com/upb/gateway-dataplane/models"
	"github.com/upb/gateway-dataplane/services/policy"
	"github.com/upb/gateway-dataplane/utils"
)

// ConsumptionLedger is the administrative surface of the quota ledger
type ConsumptionLedger interface {
	Snapshot(ctx context.Context, subscriptionID int64) ([]models.ProductConsumptionDetails, error)
	RequestReset(ctx context.Context, subscriptionID, productID int64) (bool, error)
	Archive(ctx context.Context, subscriptionID int64) (int, error)
	History(ctx context.Context, subscriptionID, productID int64) ([]*models.ConsumptionRecord, error)
}

// PlanCache exposes the compiled plan cache of the policy resolver
type PlanCache interface {
	Invalidate(apiSpecID string)
	GetCacheStats() policy.CacheStats
}

// ChainCache drops the filter chains built for an API
type ChainCache interface {
	Forget(apiSpecID string)
}

// SubscriptionCache drops cached subscription state
type SubscriptionCache interface {
	Invalidate(subscriptionID int64)
}

// AdminHandler serves the /admin API
type AdminHandler struct {
	ledger ConsumptionLedger
	plans  PlanCache
	chains ChainCache
	subs   SubscriptionCache
	logger *zap.Logger
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(ledger ConsumptionLedger, plans PlanCache, chains ChainCache, subs SubscriptionCache, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		ledger: ledger,
		plans:  plans,
		chains: chains,
		subs:   subs,
		logger: logger,
	}
}

// ResetResult reports whether a reset request changed anything
type ResetResult struct {
	SubscriptionID int64 `json:"subscription_id"`
	ProductID      int64 `json:"product_id"`
	Applied        bool  `json:"applied"`
}

// ArchiveResult reports how many live records moved to history
type ArchiveResult struct {
	SubscriptionID int64 `json:"subscription_id"`
	Archived       int   `json:"archived"`
}

// HandleConsumption handles GET /admin/subscriptions/{subscriptionID}/consumption
func (h *AdminHandler) HandleConsumption(w http.ResponseWriter, r *http.Request) {
	subscriptionID, ok := h.idParam(w, r, "subscriptionID")
	if !ok {
		return
	}

	details, err := h.ledger.Snapshot(r.Context(), subscriptionID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, details)
}

// HandleHistory handles GET /admin/subscriptions/{subscriptionID}/products/{productID}/history
func (h *AdminHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	subscriptionID, ok := h.idParam(w, r, "subscriptionID")
	if !ok {
		return
	}
	productID, ok := h.idParam(w, r, "productID")
	if !ok {
		return
	}

	records, err := h.ledger.History(r.Context(), subscriptionID, productID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if records == nil {
		records = []*models.ConsumptionRecord{}
	}
	_ = utils.WriteOK(w, records)
}

// HandleReset handles POST /admin/subscriptions/{subscriptionID}/products/{productID}/reset
func (h *AdminHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	subscriptionID, ok := h.idParam(w, r, "subscriptionID")
	if !ok {
		return
	}
	productID, ok := h.idParam(w, r, "productID")
	if !ok {
		return
	}

	applied, err := h.ledger.RequestReset(r.Context(), subscriptionID, productID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("consumption reset requested",
		zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
		zap.Int64("subscription_id", subscriptionID),
		zap.Int64("product_id", productID),
		zap.Bool("applied", applied))
	_ = utils.WriteOK(w, ResetResult{SubscriptionID: subscriptionID, ProductID: productID, Applied: applied})
}

// HandleArchive handles POST /admin/subscriptions/{subscriptionID}/archive
func (h *AdminHandler) HandleArchive(w http.ResponseWriter, r *http.Request) {
	subscriptionID, ok := h.idParam(w, r, "subscriptionID")
	if !ok {
		return
	}

	n, err := h.ledger.Archive(r.Context(), subscriptionID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	h.subs.Invalidate(subscriptionID)

	_ = utils.WriteOK(w, ArchiveResult{SubscriptionID: subscriptionID, Archived: n})
}

// HandleInvalidateAPI handles POST /admin/apis/{apiSpecID}/invalidate
func (h *AdminHandler) HandleInvalidateAPI(w http.ResponseWriter, r *http.Request) {
	apiSpecID := chi.URLParam(r, "apiSpecID")
	if apiSpecID == "" {
		_ = utils.WriteBadRequest(w, "apiSpecID is required", nil)
		return
	}

	h.plans.Invalidate(apiSpecID)
	h.chains.Forget(apiSpecID)

	h.logger.Info("api plan invalidated",
		zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
		zap.String("api_spec_id", apiSpecID))
	_ = utils.WriteOK(w, map[string]string{"api_spec_id": apiSpecID})
}

// HandlePlanStats handles GET /admin/plans/stats
func (h *AdminHandler) HandlePlanStats(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.plans.GetCacheStats())
}

func (h *AdminHandler) idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := utils.ParseID(chi.URLParam(r, name), name)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return 0, false
	}
	return id, true
}
