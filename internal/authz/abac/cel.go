package abac

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// ErrEvaluation is returned when a compiled rule fails at evaluation time.
var ErrEvaluation = errors.New("attribute rule evaluation failed")

// Rule is an attribute restriction. A rule whose expression evaluates to
// true denies the request with Reason.
type Rule struct {
	Name       string
	Expression string
	Reason     string
}

// Input holds the attributes a rule can reference.
type Input struct {
	Subject    map[string]interface{}
	Resource   map[string]interface{}
	Request    map[string]interface{}
	Permission string
	Now        time.Time
}

// Match describes the rule that denied a request.
type Match struct {
	Rule   string
	Reason string
}

type compiledRule struct {
	Rule
	program cel.Program
}

// Evaluator evaluates a fixed, ordered set of compiled rules. It is
// immutable and safe for concurrent use.
type Evaluator struct {
	rules []compiledRule
}

// NewEvaluator compiles rules. Any compile error is returned and no
// evaluator is built.
func NewEvaluator(rules []Rule) (*Evaluator, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Evaluator{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		ast, issues := env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %q: failed to compile expression: %w", r.Name, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("rule %q: expression must evaluate to bool, got %s", r.Name, ast.OutputType())
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("rule %q: failed to create program: %w", r.Name, err)
		}
		if r.Reason == "" {
			r.Reason = "access restricted by rule " + r.Name
		}
		e.rules = append(e.rules, compiledRule{Rule: r, program: program})
	}
	return e, nil
}

// Len returns the number of rules.
func (e *Evaluator) Len() int {
	if e == nil {
		return 0
	}
	return len(e.rules)
}

// Evaluate returns the first rule that matches in, or nil when none does.
func (e *Evaluator) Evaluate(ctx context.Context, in *Input) (*Match, error) {
	if e.Len() == 0 {
		return nil, nil
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	vars := map[string]interface{}{
		"subject":    orEmpty(in.Subject),
		"resource":   orEmpty(in.Resource),
		"request":    orEmpty(in.Request),
		"permission": in.Permission,
		"now":        now,
	}

	for _, r := range e.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, _, err := r.program.ContextEval(ctx, vars)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %q: %v", ErrEvaluation, r.Name, err)
		}
		if matched, ok := out.Value().(bool); ok && matched {
			return &Match{Rule: r.Name, Reason: r.Reason}, nil
		}
	}
	return nil, nil
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("subject", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("resource", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("permission", cel.StringType),
		cel.Variable("now", cel.TimestampType),
		cel.Function("ip_in_range",
			cel.Overload("ip_in_range_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(ipInRange),
			),
		),
	)
}

// ipInRange reports whether an IP lies inside a CIDR. Unparseable input is
// never in range.
func ipInRange(ip, cidr ref.Val) ref.Val {
	ipStr, ok := ip.Value().(string)
	if !ok {
		return types.False
	}
	cidrStr, ok := cidr.Value().(string)
	if !ok {
		return types.False
	}
	parsed := net.ParseIP(ipStr)
	if parsed == nil {
		return types.False
	}
	_, network, err := net.ParseCIDR(cidrStr)
	if err != nil {
		return types.False
	}
	return types.Bool(network.Contains(parsed))
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
