package exchange

import (
	"context"
	"encoding/base64"

	"github.com/upb/gateway-dataplane/services/policy"
)

func newHeaderCopyFilter(params policy.Params, _ Deps) (Filter, error) {
	p, err := paramsAs[*policy.HeaderCopyParams](params)
	if err != nil {
		return nil, err
	}
	return FilterFunc(func(_ context.Context, ex *Exchange) (Outcome, error) {
		if values := ex.Request.Headers.Values(p.From); len(values) > 0 {
			ex.Request.Headers.Del(p.To)
			for _, v := range values {
				ex.Request.Headers.Add(p.To, v)
			}
		}
		return Continue, nil
	}), nil
}

func newHeaderAddFilter(params policy.Params, _ Deps) (Filter, error) {
	p, err := paramsAs[*policy.HeaderAddParams](params)
	if err != nil {
		return nil, err
	}
	return FilterFunc(func(_ context.Context, ex *Exchange) (Outcome, error) {
		if ex.Request.Headers.Get(p.Name) == "" {
			ex.Request.Headers.Set(p.Name, p.Value)
		}
		return Continue, nil
	}), nil
}

func newQueryCopyFilter(params policy.Params, _ Deps) (Filter, error) {
	p, err := paramsAs[*policy.QueryCopyParams](params)
	if err != nil {
		return nil, err
	}
	return FilterFunc(func(_ context.Context, ex *Exchange) (Outcome, error) {
		if values, ok := ex.Request.Query[p.From]; ok {
			ex.Request.Query[p.To] = append([]string(nil), values...)
		}
		return Continue, nil
	}), nil
}

func newQueryAddFilter(params policy.Params, _ Deps) (Filter, error) {
	p, err := paramsAs[*policy.QueryAddParams](params)
	if err != nil {
		return nil, err
	}
	return FilterFunc(func(_ context.Context, ex *Exchange) (Outcome, error) {
		if !ex.Request.Query.Has(p.Name) {
			ex.Request.Query.Set(p.Name, p.Value)
		}
		return Continue, nil
	}), nil
}

// newBackendAuthFilter replaces whatever the client sent in the auth header
// with the credentials of the backend service.
func newBackendAuthFilter(params policy.Params, _ Deps) (Filter, error) {
	p, err := paramsAs[*policy.BackendAuthParams](params)
	if err != nil {
		return nil, err
	}

	var value string
	switch p.Type {
	case policy.BackendAuthBasic:
		value = "Basic " + base64.StdEncoding.EncodeToString([]byte(p.Username+":"+p.Password))
	case policy.BackendAuthBearer:
		value = "Bearer " + p.Token
	default:
		value = p.Token
	}

	return FilterFunc(func(_ context.Context, ex *Exchange) (Outcome, error) {
		ex.Request.Headers.Set(p.Header, value)
		return Continue, nil
	}), nil
}
