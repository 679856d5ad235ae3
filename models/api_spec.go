package models

import "time"

// PolicyFilter is one configured policy instance of an API specification.
type PolicyFilter struct {
	PolicyDefinitionID int64             `json:"policy_definition_id" db:"policy_definition_id"`
	PolicyName         PolicyName        `json:"policy_name" db:"policy_name"`
	Exchange           HttpExchange      `json:"http_exchange" db:"http_exchange"`
	Description        string            `json:"policy_description,omitempty" db:"policy_description"`
	Args               map[string]string `json:"args,omitempty" db:"args"` // JSONB
	Order              int64             `json:"order" db:"filter_order"`
	CreatedAt          time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at" db:"updated_at"`
}

// Arg returns the argument value, or def when the key is missing or blank.
func (f PolicyFilter) Arg(key, def string) string {
	if v, ok := f.Args[key]; ok && v != "" {
		return v
	}
	return def
}

// Predicate is a route predicate deciding whether a request belongs to the API.
type Predicate struct {
	Name PredicateName     `json:"name"`
	Args map[string]string `json:"args,omitempty"`
}

// APISpec is the runtime view of a published API specification.
type APISpec struct {
	ID               string         `json:"api_spec_id" db:"api_spec_id"`
	Name             string         `json:"name" db:"name"`
	ContextPath      string         `json:"context_path" db:"context_path"`
	Status           ApiStatus      `json:"status" db:"status"`
	BackendURL       string         `json:"backend_url,omitempty" db:"backend_url"`
	ProductID        int64          `json:"product_id,omitempty" db:"product_id"`
	Predicates       []Predicate    `json:"predicates,omitempty" db:"predicates"`
	RequestPolicies  []PolicyFilter `json:"request_policies,omitempty" db:"request_policies"`
	ResponsePolicies []PolicyFilter `json:"response_policies,omitempty" db:"response_policies"`
	UpdatedAt        time.Time      `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the APISpec model
func (APISpec) TableName() string {
	return "api_specs"
}

// Policies returns request and response policy sets in configuration order.
func (s *APISpec) Policies() []PolicyFilter {
	out := make([]PolicyFilter, 0, len(s.RequestPolicies)+len(s.ResponsePolicies))
	out = append(out, s.RequestPolicies...)
	return append(out, s.ResponsePolicies...)
}
