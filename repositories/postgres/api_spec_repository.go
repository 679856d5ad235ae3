package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/upb/gateway-dataplane/models"
	"github.com/upb/gateway-dataplane/repositories"
)

const apiSpecColumns = `api_spec_id, name, context_path, status, COALESCE(backend_url, ''), COALESCE(product_id, 0), predicates, updated_at`

const filterColumns = `policy_definition_id, api_spec_id, policy_name, http_exchange, COALESCE(policy_description, ''), args, filter_order, created_at, updated_at`

// APISpecRepository implements the repositories.APISpecRepository interface
type APISpecRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAPISpecRepository creates a new API specification repository
func NewAPISpecRepository(db *DB, logger *zap.Logger) repositories.APISpecRepository {
	return &APISpecRepository{
		db:     db,
		logger: logger,
	}
}

// GetAPISpec retrieves an API specification and its policy filters
func (r *APISpecRepository) GetAPISpec(ctx context.Context, id string) (*models.APISpec, error) {
	query := `SELECT ` + apiSpecColumns + ` FROM api_specs WHERE api_spec_id = $1`

	executor := GetExecutor(ctx, r.db)
	spec, err := scanAPISpec(executor.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("api spec %s: %w", id, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get api spec: %w", err)
	}

	filters, err := r.queryFilters(ctx,
		`SELECT `+filterColumns+` FROM policy_filters WHERE api_spec_id = $1 ORDER BY policy_definition_id`, id)
	if err != nil {
		return nil, err
	}
	assignFilters(spec, filters[id])

	return spec, nil
}

// List retrieves all API specifications with their filters
func (r *APISpecRepository) List(ctx context.Context) ([]*models.APISpec, error) {
	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, `SELECT `+apiSpecColumns+` FROM api_specs ORDER BY api_spec_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list api specs: %w", err)
	}
	defer rows.Close()

	var specs []*models.APISpec
	for rows.Next() {
		spec, err := scanAPISpec(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan api spec: %w", err)
		}
		specs = append(specs, spec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating api specs: %w", err)
	}

	filters, err := r.queryFilters(ctx,
		`SELECT `+filterColumns+` FROM policy_filters ORDER BY api_spec_id, policy_definition_id`)
	if err != nil {
		return nil, err
	}
	for _, spec := range specs {
		assignFilters(spec, filters[spec.ID])
	}

	return specs, nil
}

// queryFilters loads policy filters grouped by API specification
func (r *APISpecRepository) queryFilters(ctx context.Context, query string, args ...interface{}) (map[string][]models.PolicyFilter, error) {
	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query policy filters: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]models.PolicyFilter)
	for rows.Next() {
		var (
			f         models.PolicyFilter
			apiSpecID string
			rawArgs   []byte
		)
		if err := rows.Scan(
			&f.PolicyDefinitionID,
			&apiSpecID,
			&f.PolicyName,
			&f.Exchange,
			&f.Description,
			&rawArgs,
			&f.Order,
			&f.CreatedAt,
			&f.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan policy filter: %w", err)
		}
		if len(rawArgs) > 0 {
			if err := json.Unmarshal(rawArgs, &f.Args); err != nil {
				return nil, fmt.Errorf("invalid args of policy filter %d: %w", f.PolicyDefinitionID, err)
			}
		}
		out[apiSpecID] = append(out[apiSpecID], f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policy filters: %w", err)
	}

	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAPISpec(row rowScanner) (*models.APISpec, error) {
	spec := &models.APISpec{}
	var rawPredicates []byte

	if err := row.Scan(
		&spec.ID,
		&spec.Name,
		&spec.ContextPath,
		&spec.Status,
		&spec.BackendURL,
		&spec.ProductID,
		&rawPredicates,
		&spec.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if len(rawPredicates) > 0 {
		if err := json.Unmarshal(rawPredicates, &spec.Predicates); err != nil {
			return nil, fmt.Errorf("invalid predicates of api spec %s: %w", spec.ID, err)
		}
	}
	return spec, nil
}

// assignFilters splits filters into the request and response policy sets
func assignFilters(spec *models.APISpec, filters []models.PolicyFilter) {
	for _, f := range filters {
		if f.Exchange.IsRequestSide() {
			spec.RequestPolicies = append(spec.RequestPolicies, f)
		} else {
			spec.ResponsePolicies = append(spec.ResponsePolicies, f)
		}
	}
}
