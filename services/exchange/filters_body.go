package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/upb/gateway-dataplane/services/policy"
)

var errNotJSONObject = errors.New("body is not a JSON object")

// body returns the payload the current phase works on.
func (ex *Exchange) body() []byte {
	if ex.Phase.IsRequestSide() || ex.Response == nil {
		return ex.Request.Body
	}
	return ex.Response.Body
}

func (ex *Exchange) setBody(b []byte) {
	if ex.Phase.IsRequestSide() || ex.Response == nil {
		ex.Request.Body = b
		ex.Request.Headers.Del("Content-Length")
		return
	}
	ex.Response.Body = b
	ex.Response.Headers.Del("Content-Length")
}

func decodeObject(b []byte) (map[string]interface{}, error) {
	if len(b) == 0 {
		return map[string]interface{}{}, nil
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", errNotJSONObject, err)
	}
	if doc == nil {
		return nil, errNotJSONObject
	}
	return doc, nil
}

// literal reads a configured value as JSON when it parses, else as a string.
func literal(v string) interface{} {
	var out interface{}
	if err := json.Unmarshal([]byte(v), &out); err == nil {
		return out
	}
	return v
}

func getPath(doc map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = doc
	for _, part := range parts {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if cur, ok = obj[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(doc map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

func deletePath(doc map[string]interface{}, path string) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]interface{})
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newBodyModifierFilter(params policy.Params, _ Deps) (Filter, error) {
	p, err := paramsAs[*policy.BodyModifierParams](params)
	if err != nil {
		return nil, err
	}
	setKeys := sortedKeys(p.Set)

	return FilterFunc(func(_ context.Context, ex *Exchange) (Outcome, error) {
		doc, err := decodeObject(ex.body())
		if err != nil {
			return Continue, err
		}
		for _, path := range p.Remove {
			deletePath(doc, path)
		}
		for _, path := range setKeys {
			setPath(doc, path, literal(p.Set[path]))
		}
		out, err := json.Marshal(doc)
		if err != nil {
			return Continue, err
		}
		ex.setBody(out)
		return Continue, nil
	}), nil
}

// newJSONTransformFilter moves source paths to target paths. Unless
// DropUnmapped is set, fields without a mapping pass through unchanged.
func newJSONTransformFilter(params policy.Params, _ Deps) (Filter, error) {
	p, err := paramsAs[*policy.JSONTransformParams](params)
	if err != nil {
		return nil, err
	}
	targets := sortedKeys(p.Mapping)

	return FilterFunc(func(_ context.Context, ex *Exchange) (Outcome, error) {
		src, err := decodeObject(ex.body())
		if err != nil {
			return Continue, err
		}

		values := make(map[string]interface{}, len(targets))
		for _, target := range targets {
			if v, ok := getPath(src, p.Mapping[target]); ok {
				values[target] = v
			}
		}

		dst := map[string]interface{}{}
		if !p.DropUnmapped {
			dst = src
			for _, target := range targets {
				deletePath(dst, p.Mapping[target])
			}
		}
		for _, target := range targets {
			if v, ok := values[target]; ok {
				setPath(dst, target, v)
			}
		}

		out, err := json.Marshal(dst)
		if err != nil {
			return Continue, err
		}
		ex.setBody(out)
		return Continue, nil
	}), nil
}

// newFlattenFilter rewrites a nested JSON body into a single level object.
// Array elements are keyed by index.
func newFlattenFilter(params policy.Params, _ Deps) (Filter, error) {
	p, err := paramsAs[*policy.FlattenParams](params)
	if err != nil {
		return nil, err
	}

	return FilterFunc(func(_ context.Context, ex *Exchange) (Outcome, error) {
		b := ex.body()
		if len(b) == 0 {
			return Continue, nil
		}
		var doc interface{}
		if err := json.Unmarshal(b, &doc); err != nil {
			return Continue, fmt.Errorf("body is not JSON: %w", err)
		}

		flat := map[string]interface{}{}
		flatten(flat, "", p.Separator, doc)

		out, err := json.Marshal(flat)
		if err != nil {
			return Continue, err
		}
		ex.setBody(out)
		return Continue, nil
	}), nil
}

func flatten(out map[string]interface{}, prefix, sep string, v interface{}) {
	join := func(key string) string {
		if prefix == "" {
			return key
		}
		return prefix + sep + key
	}

	switch val := v.(type) {
	case map[string]interface{}:
		if len(val) == 0 && prefix != "" {
			out[prefix] = val
		}
		for k, child := range val {
			flatten(out, join(k), sep, child)
		}
	case []interface{}:
		if len(val) == 0 && prefix != "" {
			out[prefix] = val
		}
		for i, child := range val {
			flatten(out, join(strconv.Itoa(i)), sep, child)
		}
	default:
		if prefix == "" {
			prefix = "value"
		}
		out[prefix] = val
	}
}
