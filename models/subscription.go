package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product groups API specifications sold together.
type Product struct {
	ID         int64         `json:"product_id" db:"product_id"`
	Name       string        `json:"name" db:"name"`
	Status     ProductStatus `json:"status" db:"status"`
	APISpecIDs []string      `json:"api_spec_ids,omitempty" db:"api_spec_ids"`
}

// TableName returns the table name for the Product model
func (Product) TableName() string {
	return "products"
}

// ProductPlanPrice is the price and quota of a product within a plan.
type ProductPlanPrice struct {
	ID             int64                      `json:"id" db:"id"`
	ProductID      int64                      `json:"product_id" db:"product_id"`
	ProductName    string                     `json:"product_name" db:"product_name"`
	PlanID         int64                      `json:"plan_id" db:"plan_id"`
	PlanName       string                     `json:"plan_name" db:"plan_name"`
	PriceType      PricingType                `json:"price_type" db:"price_type"`
	MonthlyPrice   decimal.Decimal            `json:"monthly_price" db:"monthly_price"`
	YearlyPrice    decimal.Decimal            `json:"yearly_price" db:"yearly_price"`
	LifetimePrice  decimal.Decimal            `json:"lifetime_price" db:"lifetime_price"`
	APICallsQuota  int64                      `json:"api_calls_quota" db:"api_calls_quota"`
	TimeUnit       TimeUnit                   `json:"time_unit" db:"time_unit"`
	PeriodOptions  []SubscriptionPeriodOption `json:"subscription_period_options,omitempty"`
	RenewalOptions []RenewalType              `json:"renewal_type_options,omitempty"`
}

// PriceFor returns the price charged for one billing period of the given option.
func (p ProductPlanPrice) PriceFor(period SubscriptionPeriodOption) decimal.Decimal {
	switch period {
	case PeriodYearly:
		return p.YearlyPrice
	case PeriodLifetime:
		return p.LifetimePrice
	default:
		return p.MonthlyPrice
	}
}

// Plan is a commercial bundle of product prices.
type Plan struct {
	ID             int64              `json:"plan_id" db:"plan_id"`
	Name           string             `json:"name" db:"name"`
	DefinitionType PlanDefinitionType `json:"definition_type" db:"definition_type"`
	Status         PlanStatus         `json:"plan_status" db:"plan_status"`
	Prices         []ProductPlanPrice `json:"product_plan_prices,omitempty"`
}

// TableName returns the table name for the Plan model
func (Plan) TableName() string {
	return "plans"
}

// PriceFor returns the product price entry of the plan.
func (p *Plan) PriceFor(productID int64) (ProductPlanPrice, bool) {
	for _, price := range p.Prices {
		if price.ProductID == productID {
			return price, true
		}
	}
	return ProductPlanPrice{}, false
}

// Subscription binds a consumer to a plan.
type Subscription struct {
	ID               int64                    `json:"subscription_id" db:"subscription_id"`
	ConsumerKey      string                   `json:"consumer_key" db:"consumer_key"`
	ProjectID        int64                    `json:"project_id" db:"project_id"`
	Status           SubscriptionStatus       `json:"status" db:"status"`
	RenewalType      RenewalType              `json:"renewal_type" db:"renewal_type"`
	Period           SubscriptionPeriodOption `json:"subscription_period" db:"subscription_period"`
	Trial            bool                     `json:"trial" db:"trial"`
	Plan             Plan                     `json:"plan"`
	StartDate        time.Time                `json:"start_date" db:"start_date"`
	EndDate          *time.Time               `json:"end_date,omitempty" db:"end_date"`
	NextBillingDate  *time.Time               `json:"next_billing_date,omitempty" db:"next_billing_date"`
	LastRenewalDate  *time.Time               `json:"last_renewal_date,omitempty" db:"last_renewal_date"`
	NextRenewalDate  *time.Time               `json:"next_renewal_date,omitempty" db:"next_renewal_date"`
	CancellationDate *time.Time               `json:"cancellation_date,omitempty" db:"cancellation_date"`
}

// TableName returns the table name for the Subscription model
func (Subscription) TableName() string {
	return "subscriptions"
}

// PlanFacts are the read-only terms the ledger needs to account one product.
type PlanFacts struct {
	SubscriptionID int64                    `json:"subscription_id"`
	ProjectID      int64                    `json:"project_id"`
	PlanID         int64                    `json:"plan_id"`
	PlanName       string                   `json:"plan_name"`
	ProductID      int64                    `json:"product_id"`
	ProductName    string                   `json:"product_name"`
	PriceType      PricingType              `json:"price_type"`
	Quota          int64                    `json:"quota"`
	TimeUnit       TimeUnit                 `json:"time_unit"`
	PeriodAnchor   time.Time                `json:"period_anchor"`
	Period         SubscriptionPeriodOption `json:"subscription_period"`
	Price          decimal.Decimal          `json:"price"`
}

// NewPlanFacts derives the facts of one product price for a subscription.
func NewPlanFacts(sub *Subscription, price ProductPlanPrice) *PlanFacts {
	return &PlanFacts{
		SubscriptionID: sub.ID,
		ProjectID:      sub.ProjectID,
		PlanID:         sub.Plan.ID,
		PlanName:       sub.Plan.Name,
		ProductID:      price.ProductID,
		ProductName:    price.ProductName,
		PriceType:      price.PriceType,
		Quota:          price.APICallsQuota,
		TimeUnit:       price.TimeUnit,
		PeriodAnchor:   sub.StartDate,
		Period:         sub.Period,
		Price:          price.PriceFor(sub.Period),
	}
}
