// Package backoff compiles the retry section of a queue into a function that
// maps a failed-delivery attempt count to the next retry delay.
//
// The delay is an arithmetic expression in HCL syntax over the attempt count
// x, e.g. "300 * pow(2, x - 1)". Only arithmetic, conditionals, the
// constants pi, e, and tau, and a fixed set of math functions are accepted.
package backoff

import (
	"fmt"
	"math"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"github.com/polisai/polis-mta/pkg/config"
	"github.com/polisai/polis-mta/pkg/domain"
)

// Func returns the delay before retry number attempts, or false to give up.
// It is pure and safe for concurrent use.
type Func func(attempts int) (time.Duration, bool)

// DefaultDelay is the delay expression used when none is configured.
const DefaultDelay = "300"

// maxSeconds keeps the delay representable as a time.Duration.
const maxSeconds = float64(math.MaxInt64 / int64(time.Second))

// Stop never retries.
func Stop(int) (time.Duration, bool) {
	return 0, false
}

// Build compiles sec (a queue's retry section). A missing or empty section
// yields Stop; maximum defaults to 0, so a section has to set it to retry.
func Build(sec *config.Section) (Func, error) {
	if sec.Len() == 0 {
		return Stop, nil
	}

	maximum, err := sec.Int("maximum", 0)
	if err != nil {
		return nil, err
	}
	src := sec.String("delay", DefaultDelay)

	eval, err := Compile(src)
	if err != nil {
		return nil, &domain.ConfigurationError{Section: sec.Path(), Field: "delay", Err: err}
	}

	return func(attempts int) (time.Duration, bool) {
		if attempts > maximum {
			return 0, false
		}
		seconds, ok := eval(attempts)
		if !ok {
			return 0, false
		}
		return time.Duration(seconds * float64(time.Second)), true
	}, nil
}

// Compile parses and checks a delay expression once. The returned evaluator
// reports false when evaluation fails or yields a non-finite or oversized
// value; negative results are clamped to zero.
func Compile(src string) (func(x int) (float64, bool), error) {
	expr, diags := hclsyntax.ParseExpression([]byte(src), "delay", hcl.Pos{Line: 1, Column: 1, Byte: 0})
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse delay expression %q: %s", src, diags.Error())
	}
	if err := checkExpression(expr); err != nil {
		return nil, fmt.Errorf("delay expression %q: %w", src, err)
	}

	eval := func(x int) (float64, bool) {
		ctx := &hcl.EvalContext{
			Variables: variables(x),
			Functions: functions,
		}
		val, diags := expr.Value(ctx)
		if diags.HasErrors() || val.IsNull() || !val.IsKnown() {
			return 0, false
		}
		num, err := convert.Convert(val, cty.Number)
		if err != nil {
			return 0, false
		}
		f, _ := num.AsBigFloat().Float64()
		if math.IsNaN(f) || math.IsInf(f, 0) || f > maxSeconds {
			return 0, false
		}
		return math.Max(f, 0), true
	}

	// An expression that fails for the first few attempts is almost
	// certainly a mistake (wrong arity, non-numeric operands).
	for x := 1; x <= 3; x++ {
		if _, ok := eval(x); ok {
			return eval, nil
		}
	}
	return nil, fmt.Errorf("delay expression %q does not evaluate to a number for x in 1..3", src)
}

func variables(x int) map[string]cty.Value {
	return map[string]cty.Value{
		"x":   cty.NumberIntVal(int64(x)),
		"pi":  cty.NumberFloatVal(math.Pi),
		"e":   cty.NumberFloatVal(math.E),
		"tau": cty.NumberFloatVal(2 * math.Pi),
	}
}

// checkExpression walks the syntax tree and rejects anything but arithmetic
// over the known variables and functions.
func checkExpression(expr hclsyntax.Expression) error {
	switch e := expr.(type) {
	case *hclsyntax.LiteralValueExpr:
		if t := e.Val.Type(); !t.Equals(cty.Number) && !t.Equals(cty.Bool) {
			return fmt.Errorf("only numeric literals are allowed")
		}
		return nil
	case *hclsyntax.ScopeTraversalExpr:
		name := e.Traversal.RootName()
		if _, ok := variables(0)[name]; !ok {
			return fmt.Errorf("unknown variable %q", name)
		}
		if len(e.Traversal) != 1 {
			return fmt.Errorf("attribute access on %q is not allowed", name)
		}
		return nil
	case *hclsyntax.FunctionCallExpr:
		if _, ok := functions[e.Name]; !ok {
			return fmt.Errorf("function %q is not allowed", e.Name)
		}
		for _, arg := range e.Args {
			if err := checkExpression(arg); err != nil {
				return err
			}
		}
		return nil
	case *hclsyntax.BinaryOpExpr:
		if err := checkExpression(e.LHS); err != nil {
			return err
		}
		return checkExpression(e.RHS)
	case *hclsyntax.UnaryOpExpr:
		return checkExpression(e.Val)
	case *hclsyntax.ConditionalExpr:
		for _, sub := range []hclsyntax.Expression{e.Condition, e.TrueResult, e.FalseResult} {
			if err := checkExpression(sub); err != nil {
				return err
			}
		}
		return nil
	case *hclsyntax.ParenthesesExpr:
		return checkExpression(e.Expression)
	}
	return fmt.Errorf("unsupported expression %T", expr)
}
