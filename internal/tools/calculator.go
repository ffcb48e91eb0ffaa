package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
	"github.com/expr-lang/expr"
)

const CalculatorName = "Calculator"

var mathConstants = map[string]any{
	"pi": math.Pi,
	"e":  math.E,
}

var mathFuncs = map[string]func(float64) float64{
	"sqrt":  math.Sqrt,
	"abs":   math.Abs,
	"sin":   math.Sin,
	"cos":   math.Cos,
	"tan":   math.Tan,
	"asin":  math.Asin,
	"acos":  math.Acos,
	"atan":  math.Atan,
	"exp":   math.Exp,
	"ln":    math.Log,
	"log":   math.Log,
	"log10": math.Log10,
	"log2":  math.Log2,
	"floor": math.Floor,
	"ceil":  math.Ceil,
	"round": math.Round,
}

// Calculate evaluates an arithmetic expression. Only numbers, operators,
// the constants pi and e, and the math functions above are accepted.
func Calculate(expression string) (float64, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return 0, errors.New("expression must not be empty")
	}

	opts := []expr.Option{expr.Env(mathConstants)}
	for name, fn := range mathFuncs {
		fn := fn
		opts = append(opts, expr.Function(name, func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("%s expects one argument", name)
			}
			x, err := toFloat(params[0])
			if err != nil {
				return nil, err
			}
			return fn(x), nil
		}))
	}

	program, err := expr.Compile(expression, opts...)
	if err != nil {
		return 0, fmt.Errorf("parse expression: %w", err)
	}
	out, err := expr.Run(program, mathConstants)
	if err != nil {
		return 0, fmt.Errorf("evaluate expression: %w", err)
	}
	result, err := toFloat(out)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return 0, fmt.Errorf("expression %q has no finite value", expression)
	}
	return result, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expression result %v is not a number", v)
	}
}

type calculatorParams struct {
	Expression string `json:"expression"`
}

// NewCalculator builds the local arithmetic tool.
func NewCalculator() tool.InvokableTool {
	info := &schema.ToolInfo{
		Name: CalculatorName,
		Desc: "Evaluate a mathematical expression such as '2 * (3 + 4)', 'sqrt(16)' or '2^10'. " +
			"Supports + - * / % ^, parentheses, pi, e and common math functions.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"expression": {
				Desc:     "Arithmetic expression to evaluate",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, runCalculator)
}

func runCalculator(_ context.Context, params *calculatorParams) (string, error) {
	if params == nil {
		return "", errors.New("missing calculator parameters")
	}
	result, err := Calculate(params.Expression)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(map[string]any{"result": result, "expression": params.Expression})
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return string(out), nil
}
