package ratelimit

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// ruleCostLimit bounds the evaluation cost of one exemption rule.
const ruleCostLimit = 10_000

// Request is what exemption rules and the limiter see of a request.
type Request struct {
	Source string
	Path   string
	Method string
}

type rule struct {
	expr string
	prg  cel.Program
}

// ruleSet is an immutable list of compiled exemption rules.
type ruleSet []rule

var ruleEnv *cel.Env

func init() {
	var err error
	ruleEnv, err = cel.NewEnv(
		cel.Variable("path", cel.StringType),
		cel.Variable("method", cel.StringType),
		cel.Variable("source", cel.StringType),
	)
	if err != nil {
		panic(fmt.Sprintf("ratelimit: cel environment: %v", err))
	}
}

// ValidateRules reports the first rule that does not compile.
func ValidateRules(exprs []string) error {
	_, err := compileRules(exprs)
	return err
}

// compileRules compiles CEL exemption rules over path, method and source.
// Each rule must evaluate to a bool.
func compileRules(exprs []string) (ruleSet, error) {
	out := make(ruleSet, 0, len(exprs))
	for _, expr := range exprs {
		expr = strings.TrimSpace(expr)
		if expr == "" {
			continue
		}
		ast, iss := ruleEnv.Compile(expr)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("invalid exemption rule %q: %w", expr, iss.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("exemption rule %q must return bool, got %s", expr, ast.OutputType())
		}
		prg, err := ruleEnv.Program(ast, cel.CostLimit(ruleCostLimit))
		if err != nil {
			return nil, fmt.Errorf("invalid exemption rule %q: %w", expr, err)
		}
		out = append(out, rule{expr: expr, prg: prg})
	}
	return out, nil
}

// match returns the first rule that evaluates to true for req. Evaluation
// errors count as no match and are returned for logging.
func (rs ruleSet) match(req Request) (string, error) {
	if len(rs) == 0 {
		return "", nil
	}
	vars := map[string]any{
		"path":   req.Path,
		"method": req.Method,
		"source": req.Source,
	}
	var firstErr error
	for _, r := range rs {
		out, _, err := r.prg.Eval(vars)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("rule %q: %w", r.expr, err)
			}
			continue
		}
		if b, ok := out.Value().(bool); ok && b {
			return r.expr, nil
		}
	}
	return "", firstErr
}
