package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConsumptionRecord is the usage counter of one product for one subscription period.
// It is owned by the quota ledger; everything else works on copies.
type ConsumptionRecord struct {
	SubscriptionID int64     `json:"subscription_id" db:"subscription_id"`
	ProductID      int64     `json:"product_id" db:"product_id"`
	PeriodKey      string    `json:"period_key" db:"period_key"`
	Consumed       int64     `json:"consumed" db:"consumed"`
	LastAPICall    time.Time `json:"last_api_call" db:"last_api_call"`
	ResetFlag      bool      `json:"reset_flag" db:"reset_flag"`
	ResetPeriodKey string    `json:"reset_period_key,omitempty" db:"reset_period_key"`
	Archived       bool      `json:"archived" db:"archived"`
}

// TableName returns the table name for the ConsumptionRecord model
func (ConsumptionRecord) TableName() string {
	return "subscription_consumption"
}

// Clone returns a detached copy of the record.
func (r *ConsumptionRecord) Clone() *ConsumptionRecord {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// ProductConsumptionDetails reports the usage of one product of a subscription.
type ProductConsumptionDetails struct {
	ProductID     int64           `json:"product_id"`
	ProductName   string          `json:"product_name"`
	APICallsTotal int64           `json:"api_calls_total"`
	RemainingHit  int64           `json:"remaining_hit"`
	Consumption   int64           `json:"consumption"`
	Price         decimal.Decimal `json:"price"`
	PeriodKey     string          `json:"period_key,omitempty"`
	LastAPICall   *time.Time      `json:"last_api_call,omitempty"`
}
