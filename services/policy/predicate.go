package policy

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/upb/gateway-dataplane/models"
)

// RouteInput is the part of an inbound request predicates look at.
type RouteInput struct {
	Method  string
	Path    string
	Host    string
	Headers http.Header
	Query   url.Values
}

// CompiledPredicate decides whether a request is routed to the API.
type CompiledPredicate interface {
	Name() models.PredicateName
	Matches(in *RouteInput) (bool, error)
}

type pathPredicate struct{ patterns []string }

func (p *pathPredicate) Name() models.PredicateName { return models.PredicatePath }

// Matches supports path.Match patterns plus a trailing "/**" for any suffix.
func (p *pathPredicate) Matches(in *RouteInput) (bool, error) {
	for _, pattern := range p.patterns {
		if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
			if in.Path == prefix || strings.HasPrefix(in.Path, prefix+"/") {
				return true, nil
			}
			continue
		}
		if ok, _ := path.Match(pattern, in.Path); ok {
			return true, nil
		}
	}
	return false, nil
}

type methodPredicate struct{ methods map[string]bool }

func (p *methodPredicate) Name() models.PredicateName { return models.PredicateMethod }

func (p *methodPredicate) Matches(in *RouteInput) (bool, error) {
	return p.methods[strings.ToUpper(in.Method)], nil
}

type headerPredicate struct {
	header string
	re     *regexp.Regexp
}

func (p *headerPredicate) Name() models.PredicateName { return models.PredicateHeader }

func (p *headerPredicate) Matches(in *RouteInput) (bool, error) {
	values := in.Headers.Values(p.header)
	if len(values) == 0 {
		return false, nil
	}
	if p.re == nil {
		return true, nil
	}
	for _, v := range values {
		if p.re.MatchString(v) {
			return true, nil
		}
	}
	return false, nil
}

type queryPredicate struct {
	param string
	re    *regexp.Regexp
}

func (p *queryPredicate) Name() models.PredicateName { return models.PredicateQuery }

func (p *queryPredicate) Matches(in *RouteInput) (bool, error) {
	values, ok := in.Query[p.param]
	if !ok {
		return false, nil
	}
	if p.re == nil {
		return true, nil
	}
	for _, v := range values {
		if p.re.MatchString(v) {
			return true, nil
		}
	}
	return false, nil
}

type hostPredicate struct{ patterns []string }

func (p *hostPredicate) Name() models.PredicateName { return models.PredicateHost }

func (p *hostPredicate) Matches(in *RouteInput) (bool, error) {
	host := strings.ToLower(in.Host)
	if h, _, found := strings.Cut(host, ":"); found {
		host = h
	}
	for _, pattern := range p.patterns {
		if ok, _ := path.Match(strings.ToLower(pattern), host); ok {
			return true, nil
		}
	}
	return false, nil
}

type celPredicate struct {
	expression string
	program    cel.Program
}

func (p *celPredicate) Name() models.PredicateName { return models.PredicateCel }

func (p *celPredicate) Matches(in *RouteInput) (bool, error) {
	headers := make(map[string]string, len(in.Headers))
	for k := range in.Headers {
		headers[strings.ToLower(k)] = in.Headers.Get(k)
	}
	query := make(map[string]string, len(in.Query))
	for k := range in.Query {
		query[k] = in.Query.Get(k)
	}

	out, _, err := p.program.Eval(map[string]interface{}{
		"request": map[string]interface{}{
			"method":  strings.ToUpper(in.Method),
			"path":    in.Path,
			"host":    in.Host,
			"headers": headers,
			"query":   query,
		},
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation failed: %w", err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression must return boolean, got %T", out.Value())
	}
	return matched, nil
}

// newCELEnv declares the request variable available to Cel predicates.
func newCELEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// compilePredicate validates predicate args and builds its matcher.
func compilePredicate(env *cel.Env, p models.Predicate) (CompiledPredicate, error) {
	args := newArgReader(p.Args)

	switch p.Name {
	case models.PredicatePath:
		patterns := args.list("patterns")
		if len(patterns) == 0 {
			patterns = args.list("pattern")
		}
		if len(patterns) == 0 {
			return nil, fmt.Errorf("path predicate requires a pattern")
		}
		for _, pattern := range patterns {
			if _, err := path.Match(strings.TrimSuffix(pattern, "/**"), ""); err != nil {
				return nil, fmt.Errorf("path predicate pattern %q: %w", pattern, err)
			}
		}
		return &pathPredicate{patterns: patterns}, nil

	case models.PredicateMethod:
		methods := args.list("methods")
		if len(methods) == 0 {
			return nil, fmt.Errorf("method predicate requires methods")
		}
		set := make(map[string]bool, len(methods))
		for _, m := range methods {
			set[strings.ToUpper(m)] = true
		}
		return &methodPredicate{methods: set}, nil

	case models.PredicateHeader:
		name := args.str("name", "")
		if name == "" {
			return nil, fmt.Errorf("header predicate requires a name")
		}
		re, err := optionalRegexp(args.str("regexp", ""))
		if err != nil {
			return nil, fmt.Errorf("header predicate: %w", err)
		}
		return &headerPredicate{header: name, re: re}, nil

	case models.PredicateQuery:
		param := args.str("param", "")
		if param == "" {
			return nil, fmt.Errorf("query predicate requires a param")
		}
		re, err := optionalRegexp(args.str("regexp", ""))
		if err != nil {
			return nil, fmt.Errorf("query predicate: %w", err)
		}
		return &queryPredicate{param: param, re: re}, nil

	case models.PredicateHost:
		patterns := args.list("patterns")
		if len(patterns) == 0 {
			return nil, fmt.Errorf("host predicate requires patterns")
		}
		return &hostPredicate{patterns: patterns}, nil

	case models.PredicateCel:
		expression := args.str("expression", "")
		if expression == "" {
			return nil, fmt.Errorf("cel predicate requires an expression")
		}
		ast, issues := env.Compile(expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("cel predicate: %w", issues.Err())
		}
		if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("cel predicate must return bool, got %s", out)
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("cel predicate: %w", err)
		}
		return &celPredicate{expression: expression, program: program}, nil
	}

	return nil, fmt.Errorf("unknown predicate %q", p.Name)
}

func optionalRegexp(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	return regexp.Compile(expr)
}
