package exchange

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/upb/gateway-dataplane/services/policy"
)

func newMockFilter(params policy.Params, _ Deps) (Filter, error) {
	p, err := paramsAs[*policy.MockResponseParams](params)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Content-Type", p.ContentType)
	for _, k := range sortedKeys(p.Headers) {
		headers.Set(k, p.Headers[k])
	}
	body := []byte(p.Body)

	return FilterFunc(func(_ context.Context, _ *Exchange) (Outcome, error) {
		return ShortCircuit(&Response{
			Status:  p.Status,
			Headers: headers.Clone(),
			Body:    append([]byte(nil), body...),
		}), nil
	}), nil
}

// responseCache is the body cache shared by the cache filters of one chain.
type responseCache = expirable.LRU[string, *Response]

// chainState holds state shared by the filters built for one plan version.
type chainState struct {
	mu    sync.Mutex
	cache *responseCache
}

func (c *chainState) responseCache(p *policy.BodyCacheParams) *responseCache {
	if c == nil {
		return expirable.NewLRU[string, *Response](p.MaxEntries, nil, p.TTL)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache == nil {
		c.cache = expirable.NewLRU[string, *Response](p.MaxEntries, nil, p.TTL)
	}
	return c.cache
}

// cacheKey identifies a cacheable request by subscription, method, path and
// sorted query. Exchanges without resolved facts share the anonymous scope.
func cacheKey(ex *Exchange) (string, bool) {
	r := ex.Original
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return "", false
	}
	scope := "anonymous"
	if ex.Facts != nil {
		scope = "sub:" + strconv.FormatInt(ex.Facts.SubscriptionID, 10)
	}
	key := scope + " " + r.Method + " " + r.Path
	if len(r.Query) > 0 {
		key += "?" + r.Query.Encode()
	}
	return key, true
}

func cacheable(resp *Response) bool {
	return resp != nil && resp.Status >= 200 && resp.Status < 300
}

// newBodyCacheFilter answers repeated GET and HEAD requests from memory.
// Placed on the request side it looks up and, on a miss, stores the backend
// response. Placed on the response side it only stores.
func newBodyCacheFilter(params policy.Params, deps Deps) (Filter, error) {
	p, err := paramsAs[*policy.BodyCacheParams](params)
	if err != nil {
		return nil, err
	}
	cache := deps.chain.responseCache(p)

	return FilterFunc(func(_ context.Context, ex *Exchange) (Outcome, error) {
		key, ok := cacheKey(ex)
		if !ok {
			return Continue, nil
		}

		if !ex.Phase.IsRequestSide() {
			if cacheable(ex.Response) {
				cache.Add(key, ex.Response.Clone())
			}
			return Continue, nil
		}

		if hit, ok := cache.Get(key); ok {
			resp := hit.Clone()
			resp.Headers.Set("X-Cache", "HIT")
			return ShortCircuit(resp), nil
		}
		ex.OnBackendResponse(func(resp *Response) {
			if cacheable(resp) {
				cache.Add(key, resp.Clone())
			}
		})
		return Continue, nil
	}), nil
}
