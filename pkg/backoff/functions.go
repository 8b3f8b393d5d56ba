package backoff

import (
	"errors"
	"math"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

var errNotFinite = errors.New("result is not a finite number")

// functions is the math allow-list available to delay expressions.
var functions = map[string]function.Function{
	"abs":    stdlib.AbsoluteFunc,
	"ceil":   stdlib.CeilFunc,
	"floor":  stdlib.FloorFunc,
	"pow":    stdlib.PowFunc,
	"min":    stdlib.MinFunc,
	"max":    stdlib.MaxFunc,
	"signum": stdlib.SignumFunc,
	"sqrt":   unaryFunc(math.Sqrt),
	"exp":    unaryFunc(math.Exp),
	"log2":   unaryFunc(math.Log2),
	"log10":  unaryFunc(math.Log10),
	"log":    logFunc,
}

func unaryFunc(fn func(float64) float64) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{{Name: "num", Type: cty.Number}},
		Type:   function.StaticReturnType(cty.Number),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			f, _ := args[0].AsBigFloat().Float64()
			return numberVal(fn(f))
		},
	})
}

// logFunc is the natural logarithm, or the logarithm in an explicit base
// when a second argument is given.
var logFunc = function.New(&function.Spec{
	Params:   []function.Parameter{{Name: "num", Type: cty.Number}},
	VarParam: &function.Parameter{Name: "base", Type: cty.Number},
	Type:     function.StaticReturnType(cty.Number),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		f, _ := args[0].AsBigFloat().Float64()
		switch len(args) {
		case 1:
			return numberVal(math.Log(f))
		case 2:
			base, _ := args[1].AsBigFloat().Float64()
			return numberVal(math.Log(f) / math.Log(base))
		}
		return cty.UnknownVal(cty.Number), errors.New("log takes one or two arguments")
	},
})

func numberVal(f float64) (cty.Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return cty.UnknownVal(cty.Number), errNotFinite
	}
	return cty.NumberFloatVal(f), nil
}
