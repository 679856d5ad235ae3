package memory

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/upb/gateway-dataplane/models"
)

// document is the on-disk layout of a catalog file. Enum values stay strings
// here and are parsed once by build.
type document struct {
	APIs          []apiDoc          `yaml:"apis"`
	Products      []productDoc      `yaml:"products"`
	Plans         []planDoc         `yaml:"plans"`
	Subscriptions []subscriptionDoc `yaml:"subscriptions"`
}

type apiDoc struct {
	ID               string         `yaml:"id"`
	Name             string         `yaml:"name"`
	ContextPath      string         `yaml:"contextPath"`
	Status           string         `yaml:"status"`
	BackendURL       string         `yaml:"backendUrl"`
	ProductID        int64          `yaml:"productId"`
	Predicates       []predicateDoc `yaml:"predicates"`
	RequestPolicies  []filterDoc    `yaml:"requestPolicies"`
	ResponsePolicies []filterDoc    `yaml:"responsePolicies"`
}

type predicateDoc struct {
	Name string            `yaml:"name"`
	Args map[string]string `yaml:"args"`
}

type filterDoc struct {
	ID          int64             `yaml:"id"`
	PolicyName  string            `yaml:"policyName"`
	Exchange    string            `yaml:"httpExchange"`
	Description string            `yaml:"description"`
	Order       int64             `yaml:"order"`
	Args        map[string]string `yaml:"args"`
}

type productDoc struct {
	ID     int64  `yaml:"id"`
	Name   string `yaml:"name"`
	Status string `yaml:"status"`
}

type planDoc struct {
	ID             int64      `yaml:"id"`
	Name           string     `yaml:"name"`
	DefinitionType string     `yaml:"definitionType"`
	Status         string     `yaml:"status"`
	Prices         []priceDoc `yaml:"prices"`
}

type priceDoc struct {
	ID             int64    `yaml:"id"`
	ProductID      int64    `yaml:"productId"`
	PriceType      string   `yaml:"priceType"`
	MonthlyPrice   string   `yaml:"monthlyPrice"`
	YearlyPrice    string   `yaml:"yearlyPrice"`
	LifetimePrice  string   `yaml:"lifetimePrice"`
	APICallsQuota  int64    `yaml:"apiCallsQuota"`
	TimeUnit       string   `yaml:"timeUnit"`
	PeriodOptions  []string `yaml:"periodOptions"`
	RenewalOptions []string `yaml:"renewalOptions"`
}

type subscriptionDoc struct {
	ID               int64      `yaml:"id"`
	ConsumerKey      string     `yaml:"consumerKey"`
	ProjectID        int64      `yaml:"projectId"`
	PlanID           int64      `yaml:"planId"`
	Status           string     `yaml:"status"`
	RenewalType      string     `yaml:"renewalType"`
	Period           string     `yaml:"period"`
	Trial            bool       `yaml:"trial"`
	StartDate        time.Time  `yaml:"startDate"`
	EndDate          *time.Time `yaml:"endDate"`
	NextBillingDate  *time.Time `yaml:"nextBillingDate"`
	LastRenewalDate  *time.Time `yaml:"lastRenewalDate"`
	NextRenewalDate  *time.Time `yaml:"nextRenewalDate"`
	CancellationDate *time.Time `yaml:"cancellationDate"`
}

// snapshot is one immutable, fully linked view of the catalog.
type snapshot struct {
	apis          map[string]*models.APISpec
	products      map[int64]*models.Product
	subscriptions map[int64]*models.Subscription
	byConsumerKey map[string]int64
}

// CatalogError lists every problem found in a catalog file.
type CatalogError struct {
	Problems []string
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("invalid catalog: %s", strings.Join(e.Problems, "; "))
}

// parse decodes and links a catalog file.
func parse(data []byte, loadedAt time.Time) (*snapshot, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	return doc.build(loadedAt)
}

type builder struct {
	problems []string
}

func (b *builder) addf(format string, args ...interface{}) {
	b.problems = append(b.problems, fmt.Sprintf(format, args...))
}

// enum parses one value, recording the failure under the given owner.
func enum[T ~string](b *builder, owner string, parse func(string) (T, error), value string) T {
	v, err := parse(value)
	if err != nil {
		b.addf("%s: %v", owner, err)
	}
	return v
}

func (b *builder) price(owner, field, value string) decimal.Decimal {
	if strings.TrimSpace(value) == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		b.addf("%s: %s %q is not a decimal", owner, field, value)
	}
	return d
}

func (doc *document) build(loadedAt time.Time) (*snapshot, error) {
	b := &builder{}
	snap := &snapshot{
		apis:          make(map[string]*models.APISpec, len(doc.APIs)),
		products:      make(map[int64]*models.Product, len(doc.Products)),
		subscriptions: make(map[int64]*models.Subscription, len(doc.Subscriptions)),
		byConsumerKey: make(map[string]int64, len(doc.Subscriptions)),
	}

	for _, p := range doc.Products {
		owner := fmt.Sprintf("product %d", p.ID)
		if _, dup := snap.products[p.ID]; dup {
			b.addf("%s: duplicate id", owner)
			continue
		}
		snap.products[p.ID] = &models.Product{
			ID:     p.ID,
			Name:   p.Name,
			Status: enum(b, owner, models.ParseProductStatus, p.Status),
		}
	}

	for _, a := range doc.APIs {
		owner := fmt.Sprintf("api %q", a.ID)
		if a.ID == "" {
			b.addf("api without id")
			continue
		}
		if _, dup := snap.apis[a.ID]; dup {
			b.addf("%s: duplicate id", owner)
			continue
		}

		spec := &models.APISpec{
			ID:          a.ID,
			Name:        a.Name,
			ContextPath: a.ContextPath,
			Status:      enum(b, owner, models.ParseApiStatus, a.Status),
			BackendURL:  a.BackendURL,
			ProductID:   a.ProductID,
			UpdatedAt:   loadedAt,
		}
		if a.ProductID != 0 {
			if product, ok := snap.products[a.ProductID]; ok {
				product.APISpecIDs = append(product.APISpecIDs, a.ID)
			} else {
				b.addf("%s: unknown product %d", owner, a.ProductID)
			}
		}
		for _, p := range a.Predicates {
			spec.Predicates = append(spec.Predicates, models.Predicate{
				Name: enum(b, owner, models.ParsePredicateName, p.Name),
				Args: p.Args,
			})
		}
		spec.RequestPolicies = b.filters(owner, a.RequestPolicies, loadedAt)
		spec.ResponsePolicies = b.filters(owner, a.ResponsePolicies, loadedAt)
		snap.apis[a.ID] = spec
	}

	plans := make(map[int64]models.Plan, len(doc.Plans))
	for _, p := range doc.Plans {
		owner := fmt.Sprintf("plan %d", p.ID)
		if _, dup := plans[p.ID]; dup {
			b.addf("%s: duplicate id", owner)
			continue
		}
		plan := models.Plan{
			ID:             p.ID,
			Name:           p.Name,
			DefinitionType: enum(b, owner, models.ParsePlanDefinitionType, p.DefinitionType),
			Status:         enum(b, owner, models.ParsePlanStatus, p.Status),
		}
		for _, pr := range p.Prices {
			plan.Prices = append(plan.Prices, b.planPrice(owner, plan, pr, snap.products))
		}
		plans[p.ID] = plan
	}

	for _, s := range doc.Subscriptions {
		owner := fmt.Sprintf("subscription %d", s.ID)
		if _, dup := snap.subscriptions[s.ID]; dup {
			b.addf("%s: duplicate id", owner)
			continue
		}
		plan, ok := plans[s.PlanID]
		if !ok {
			b.addf("%s: unknown plan %d", owner, s.PlanID)
			continue
		}

		sub := &models.Subscription{
			ID:               s.ID,
			ConsumerKey:      s.ConsumerKey,
			ProjectID:        s.ProjectID,
			Status:           enum(b, owner, models.ParseSubscriptionStatus, s.Status),
			RenewalType:      enum(b, owner, models.ParseRenewalType, withDefault(s.RenewalType, string(models.RenewalAuto))),
			Period:           enum(b, owner, models.ParseSubscriptionPeriodOption, withDefault(s.Period, string(models.PeriodMonthly))),
			Trial:            s.Trial,
			Plan:             plan,
			StartDate:        s.StartDate,
			EndDate:          s.EndDate,
			NextBillingDate:  s.NextBillingDate,
			LastRenewalDate:  s.LastRenewalDate,
			NextRenewalDate:  s.NextRenewalDate,
			CancellationDate: s.CancellationDate,
		}
		if s.ConsumerKey != "" {
			if other, taken := snap.byConsumerKey[s.ConsumerKey]; taken {
				b.addf("%s: consumer key already used by subscription %d", owner, other)
			} else {
				snap.byConsumerKey[s.ConsumerKey] = s.ID
			}
		}
		snap.subscriptions[s.ID] = sub
	}

	if len(b.problems) > 0 {
		return nil, &CatalogError{Problems: b.problems}
	}
	for _, product := range snap.products {
		sort.Strings(product.APISpecIDs)
	}
	return snap, nil
}

func (b *builder) filters(owner string, docs []filterDoc, loadedAt time.Time) []models.PolicyFilter {
	if len(docs) == 0 {
		return nil
	}
	out := make([]models.PolicyFilter, 0, len(docs))
	for _, f := range docs {
		fowner := fmt.Sprintf("%s filter %d", owner, f.ID)
		out = append(out, models.PolicyFilter{
			PolicyDefinitionID: f.ID,
			PolicyName:         enum(b, fowner, models.ParsePolicyName, f.PolicyName),
			Exchange:           enum(b, fowner, models.ParseHttpExchange, f.Exchange),
			Description:        f.Description,
			Args:               f.Args,
			Order:              f.Order,
			CreatedAt:          loadedAt,
			UpdatedAt:          loadedAt,
		})
	}
	return out
}

func (b *builder) planPrice(owner string, plan models.Plan, pr priceDoc, products map[int64]*models.Product) models.ProductPlanPrice {
	powner := fmt.Sprintf("%s product %d", owner, pr.ProductID)
	price := models.ProductPlanPrice{
		ID:            pr.ID,
		ProductID:     pr.ProductID,
		PlanID:        plan.ID,
		PlanName:      plan.Name,
		PriceType:     enum(b, powner, models.ParsePricingType, pr.PriceType),
		MonthlyPrice:  b.price(powner, "monthlyPrice", pr.MonthlyPrice),
		YearlyPrice:   b.price(powner, "yearlyPrice", pr.YearlyPrice),
		LifetimePrice: b.price(powner, "lifetimePrice", pr.LifetimePrice),
		APICallsQuota: pr.APICallsQuota,
		TimeUnit:      enum(b, powner, models.ParseTimeUnit, pr.TimeUnit),
	}
	if pr.APICallsQuota < 0 {
		b.addf("%s: apiCallsQuota must not be negative", powner)
	}
	if product, ok := products[pr.ProductID]; ok {
		price.ProductName = product.Name
	} else {
		b.addf("%s: unknown product", powner)
	}
	for _, o := range pr.PeriodOptions {
		price.PeriodOptions = append(price.PeriodOptions, enum(b, powner, models.ParseSubscriptionPeriodOption, o))
	}
	for _, o := range pr.RenewalOptions {
		price.RenewalOptions = append(price.RenewalOptions, enum(b, powner, models.ParseRenewalType, o))
	}
	return price
}

func withDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
