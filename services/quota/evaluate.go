package quota

import (
	"time"

	"github.com/upb/gateway-dataplane/models"
)

// Decision is the outcome of a consumption attempt.
type Decision struct {
	Admitted   bool          `json:"admitted"`
	Limit      int64         `json:"limit"`
	Consumed   int64         `json:"consumed"`
	Remaining  int64         `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	PeriodKey  string        `json:"period_key"`
	PeriodEnd  time.Time     `json:"period_end"`
}

// Outcome is what a store must commit after evaluating one request.
type Outcome struct {
	Decision Decision
	// Next is the live record to persist, nil when nothing changes.
	Next *models.ConsumptionRecord
	// Previous is the record that rolled over into history, if any.
	Previous *models.ConsumptionRecord
}

// Evaluate decides a consumption attempt against the current live record.
// It never mutates rec.
func Evaluate(rec *models.ConsumptionRecord, facts *models.PlanFacts, amount int64, now time.Time) Outcome {
	key, end := CurrentPeriod(facts, now)

	var out Outcome
	fresh := rec == nil || rec.PeriodKey != key || rec.ResetFlag
	consumed := int64(0)
	if !fresh {
		consumed = rec.Consumed
	}
	if rec != nil && rec.PeriodKey != key {
		out.Previous = rec.Clone()
	}

	admitted := facts.Quota > 0 && consumed+amount <= facts.Quota
	if admitted || fresh {
		next := &models.ConsumptionRecord{
			SubscriptionID: facts.SubscriptionID,
			ProductID:      facts.ProductID,
			PeriodKey:      key,
			Consumed:       consumed,
		}
		if rec != nil {
			next.LastAPICall = rec.LastAPICall
			next.ResetPeriodKey = rec.ResetPeriodKey
		}
		if admitted {
			next.Consumed += amount
			next.LastAPICall = now
		}
		out.Next = next
		consumed = next.Consumed
	}

	out.Decision = newDecision(facts.Quota, consumed, admitted, key, end, now)
	return out
}

// ApplyReset marks rec for reset in the period key. It reports false when a
// reset is already pending or already happened in that period.
func ApplyReset(rec *models.ConsumptionRecord, key string) (*models.ConsumptionRecord, bool) {
	if rec == nil || rec.ResetFlag || rec.ResetPeriodKey == key {
		return nil, false
	}
	next := rec.Clone()
	next.ResetFlag = true
	next.ResetPeriodKey = key
	return next, true
}

func newDecision(limit, consumed int64, admitted bool, key string, end, now time.Time) Decision {
	d := Decision{
		Admitted:  admitted,
		Limit:     limit,
		Consumed:  consumed,
		Remaining: limit - consumed,
		PeriodKey: key,
		PeriodEnd: end,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !admitted {
		d.RetryAfter = end.Sub(now)
	}
	return d
}
