package policy

import (
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/upb/gateway-dataplane/models"
)

// CompiledFilter is a policy filter together with its validated params.
type CompiledFilter struct {
	Filter models.PolicyFilter
	Params Params
}

// Route is the routing information of the API a plan belongs to.
type Route struct {
	Name        string
	ContextPath string
	BackendURL  string
	ProductID   int64
	Status      models.ApiStatus
}

// Plan is the immutable execution plan of one API specification.
// A new plan replaces the old one; plans are never modified after Resolve.
type Plan struct {
	APISpecID  string
	Version    uint64
	Route      Route
	ResolvedAt time.Time

	predicates []CompiledPredicate
	phases     map[models.HttpExchange][]CompiledFilter
}

// Filters returns the ordered filters of one exchange phase.
func (p *Plan) Filters(exchange models.HttpExchange) []CompiledFilter {
	filters := p.phases[exchange]
	out := make([]CompiledFilter, len(filters))
	copy(out, filters)
	return out
}

// Len returns the number of filters across all phases.
func (p *Plan) Len() int {
	n := 0
	for _, filters := range p.phases {
		n += len(filters)
	}
	return n
}

// RequiresSubscription reports whether any filter charges the quota ledger.
func (p *Plan) RequiresSubscription() bool {
	for _, filters := range p.phases {
		for _, f := range filters {
			if f.Filter.PolicyName.ConsumesQuota() {
				return true
			}
		}
	}
	return false
}

// Match evaluates the route predicates in order. It returns the first
// predicate that rejected the request, if any.
func (p *Plan) Match(in *RouteInput) (bool, models.PredicateName, error) {
	for _, pred := range p.predicates {
		ok, err := pred.Matches(in)
		if err != nil {
			return false, pred.Name(), err
		}
		if !ok {
			return false, pred.Name(), nil
		}
	}
	return true, "", nil
}

// sortFilters orders filters by Order ascending. Equal orders keep configuration order.
func sortFilters(filters []CompiledFilter) {
	sort.SliceStable(filters, func(i, j int) bool {
		return filters[i].Filter.Order < filters[j].Filter.Order
	})
}

// ContentVersion hashes everything in a specification that affects its plan.
func ContentVersion(spec *models.APISpec) uint64 {
	d := xxhash.New()
	write := func(parts ...string) {
		for _, part := range parts {
			_, _ = d.WriteString(part)
			_, _ = d.Write([]byte{0})
		}
	}
	writeArgs := func(args map[string]string) {
		keys := make([]string, 0, len(args))
		for k := range args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			write(k, args[k])
		}
		write("|")
	}

	write(spec.ID, spec.ContextPath, spec.BackendURL, string(spec.Status), strconv.FormatInt(spec.ProductID, 10))
	for _, pred := range spec.Predicates {
		write("predicate", string(pred.Name))
		writeArgs(pred.Args)
	}
	for _, f := range spec.Policies() {
		write("filter",
			strconv.FormatInt(f.PolicyDefinitionID, 10),
			string(f.PolicyName),
			string(f.Exchange),
			strconv.FormatInt(f.Order, 10))
		writeArgs(f.Args)
	}
	return d.Sum64()
}

func copyArgs(args map[string]string) map[string]string {
	if args == nil {
		return nil
	}
	out := make(map[string]string, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
