package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/upb/gateway-dataplane/models"
	"github.com/upb/gateway-dataplane/repositories"
	"github.com/upb/gateway-dataplane/services"
)

// Credential identifies the caller. A consumer key takes precedence over a
// subscription id; when both are set they must agree.
type Credential struct {
	ConsumerKey    string
	SubscriptionID int64
}

// IsZero reports whether the credential carries nothing to resolve.
func (c Credential) IsZero() bool {
	return c.ConsumerKey == "" && c.SubscriptionID == 0
}

// Options sizes the read-through caches.
type Options struct {
	CacheSize int
	CacheTTL  time.Duration
}

// Resolver maps callers to the plan terms of their subscription. It reads
// subscription state and never writes it.
type Resolver struct {
	subs     repositories.SubscriptionRepository
	products repositories.ProductRepository

	bySubscription *expirable.LRU[int64, *models.Subscription]
	byConsumerKey  *expirable.LRU[string, int64]
	productCache   *expirable.LRU[int64, *models.Product]

	now    func() time.Time
	logger *zap.Logger
}

// NewResolver creates a new Resolver instance
func NewResolver(subs repositories.SubscriptionRepository, products repositories.ProductRepository, opts Options, logger *zap.Logger) *Resolver {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 10000
	}
	return &Resolver{
		subs:           subs,
		products:       products,
		bySubscription: expirable.NewLRU[int64, *models.Subscription](opts.CacheSize, nil, opts.CacheTTL),
		byConsumerKey:  expirable.NewLRU[string, int64](opts.CacheSize, nil, opts.CacheTTL),
		productCache:   expirable.NewLRU[int64, *models.Product](opts.CacheSize, nil, opts.CacheTTL),
		now:            time.Now,
		logger:         logger,
	}
}

// ResolveEffectivePlan returns the plan facts of productID for the caller,
// or a not subscribed, expired or canceled DomainError.
func (r *Resolver) ResolveEffectivePlan(ctx context.Context, cred Credential, productID int64) (*models.PlanFacts, error) {
	sub, err := r.lookup(ctx, cred)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(sub, r.now()); err != nil {
		r.logger.Debug("subscription rejected",
			zap.Int64("subscription_id", sub.ID),
			zap.String("status", string(sub.Status)),
			zap.Error(err))
		return nil, err
	}
	return r.factsOf(ctx, sub, productID)
}

// ResolveForAPI resolves the facts of the product an API belongs to.
func (r *Resolver) ResolveForAPI(ctx context.Context, cred Credential, apiSpecID string) (*models.PlanFacts, error) {
	product, err := r.products.GetByAPISpecID(ctx, apiSpecID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, notSubscribed("api is not sold in any product").WithDetail("api_spec_id", apiSpecID)
		}
		return nil, services.WrapInternal("failed to load product", err)
	}
	return r.ResolveEffectivePlan(ctx, cred, product.ID)
}

// FactsFor implements quota.FactsProvider. Status rules apply, so the ledger
// never charges an ended subscription.
func (r *Resolver) FactsFor(ctx context.Context, subscriptionID, productID int64) (*models.PlanFacts, error) {
	return r.ResolveEffectivePlan(ctx, Credential{SubscriptionID: subscriptionID}, productID)
}

// Products implements quota.FactsProvider. It lists every product price of
// the plan regardless of status, for reporting.
func (r *Resolver) Products(ctx context.Context, subscriptionID int64) ([]*models.PlanFacts, error) {
	sub, err := r.lookup(ctx, Credential{SubscriptionID: subscriptionID})
	if err != nil {
		return nil, err
	}
	facts := make([]*models.PlanFacts, 0, len(sub.Plan.Prices))
	for _, price := range sub.Plan.Prices {
		facts = append(facts, models.NewPlanFacts(sub, price))
	}
	return facts, nil
}

// Invalidate drops the cached subscription and any consumer key bound to it.
func (r *Resolver) Invalidate(subscriptionID int64) {
	r.bySubscription.Remove(subscriptionID)
	for _, key := range r.byConsumerKey.Keys() {
		if id, ok := r.byConsumerKey.Peek(key); ok && id == subscriptionID {
			r.byConsumerKey.Remove(key)
		}
	}
}

// InvalidateAll drops every cached subscription and product.
func (r *Resolver) InvalidateAll() {
	r.bySubscription.Purge()
	r.byConsumerKey.Purge()
	r.productCache.Purge()
}

func (r *Resolver) lookup(ctx context.Context, cred Credential) (*models.Subscription, error) {
	if cred.IsZero() {
		return nil, notSubscribed("no subscription credential presented")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cred.ConsumerKey != "" {
		id, ok := r.byConsumerKey.Get(cred.ConsumerKey)
		if !ok {
			sub, err := r.load(func() (*models.Subscription, error) {
				return r.subs.GetByConsumerKey(ctx, cred.ConsumerKey)
			})
			if err != nil {
				return nil, err
			}
			r.byConsumerKey.Add(cred.ConsumerKey, sub.ID)
			id = sub.ID
		}
		if cred.SubscriptionID != 0 && cred.SubscriptionID != id {
			return nil, notSubscribed("consumer key does not belong to the subscription").
				WithDetail("subscription_id", cred.SubscriptionID)
		}
		cred.SubscriptionID = id
	}

	if sub, ok := r.bySubscription.Get(cred.SubscriptionID); ok {
		return sub, nil
	}
	return r.load(func() (*models.Subscription, error) {
		return r.subs.GetByID(ctx, cred.SubscriptionID)
	})
}

// load reads through to the repository and caches the result.
func (r *Resolver) load(read func() (*models.Subscription, error)) (*models.Subscription, error) {
	sub, err := read()
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, notSubscribed("unknown subscription credential")
		}
		r.logger.Error("failed to load subscription", zap.Error(err))
		return nil, services.WrapInternal("failed to load subscription", err)
	}
	r.bySubscription.Add(sub.ID, sub)
	return sub, nil
}

func (r *Resolver) product(ctx context.Context, productID int64) (*models.Product, error) {
	if p, ok := r.productCache.Get(productID); ok {
		return p, nil
	}
	p, err := r.products.GetByID(ctx, productID)
	if err != nil {
		return nil, err
	}
	r.productCache.Add(productID, p)
	return p, nil
}

func (r *Resolver) factsOf(ctx context.Context, sub *models.Subscription, productID int64) (*models.PlanFacts, error) {
	if sub.Plan.Status == models.PlanDeleted {
		return nil, notSubscribed("plan was deleted").
			WithDetail("subscription_id", sub.ID).
			WithDetail("plan_id", sub.Plan.ID)
	}

	price, ok := sub.Plan.PriceFor(productID)
	if !ok {
		return nil, notSubscribed("product is not part of the plan").
			WithDetail("subscription_id", sub.ID).
			WithDetail("product_id", productID)
	}

	product, err := r.product(ctx, productID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, notSubscribed("product does not exist").WithDetail("product_id", productID)
		}
		return nil, services.WrapInternal("failed to load product", err)
	}
	if product.Status != models.ProductPublished {
		return nil, notSubscribed("product is not published").
			WithDetail("product_id", productID).
			WithDetail("product_status", string(product.Status))
	}

	return models.NewPlanFacts(sub, price), nil
}

// checkStatus applies the subscription rules in order: canceled, expired,
// then any other non active status.
func checkStatus(sub *models.Subscription, now time.Time) error {
	if sub.Status == models.SubscriptionCanceled ||
		(sub.CancellationDate != nil && !sub.CancellationDate.After(now)) {
		e := services.NewDomainError(services.ErrorTypeSubscriptionCanceled, "subscription canceled", nil).
			WithDetail("subscription_id", sub.ID)
		if sub.CancellationDate != nil {
			e.WithDetail("cancellation_date", sub.CancellationDate.UTC().Format(time.RFC3339))
		}
		return e
	}
	if sub.Status == models.SubscriptionExpired || (sub.EndDate != nil && sub.EndDate.Before(now)) {
		e := services.NewDomainError(services.ErrorTypeSubscriptionExpired, "subscription expired", nil).
			WithDetail("subscription_id", sub.ID)
		if sub.EndDate != nil {
			e.WithDetail("end_date", sub.EndDate.UTC().Format(time.RFC3339))
		}
		return e
	}
	if sub.Status != models.SubscriptionActive {
		return notSubscribed("subscription is not active").
			WithDetail("subscription_id", sub.ID).
			WithDetail("status", string(sub.Status))
	}
	return nil
}

func notSubscribed(message string) *services.DomainError {
	return services.NewDomainError(services.ErrorTypeNotSubscribed, message, nil)
}
