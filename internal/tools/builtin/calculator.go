package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"math"
	"strconv"
	"strings"

	"github.com/user/gopherchat/pkg/llm"
)

// Calculator evaluates arithmetic expressions.
type Calculator struct{}

// NewCalculator creates a calculator tool.
func NewCalculator() *Calculator { return &Calculator{} }

func (c *Calculator) Name() string { return "calculator" }
func (c *Calculator) Description() string {
	return "Evaluate an arithmetic expression. Supports + - * / %, parentheses, pi, e, and sqrt, abs, pow, floor, ceil, round, min, max, log, sin, cos, tan."
}
func (c *Calculator) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"expr": {"type": "string", "description": "Expression to evaluate, e.g. (2+3)*4"}
		},
		"required": ["expr"]
	}`)
}

func (c *Calculator) Describe(args json.RawMessage) string {
	var p struct {
		Expr string `json:"expr"`
	}
	json.Unmarshal(args, &p)
	return "Calculating " + p.Expr
}

func (c *Calculator) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Expr string `json:"expr"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", llm.Wrap(llm.KindMalformedArguments, "parse args", err)
	}
	if strings.TrimSpace(params.Expr) == "" {
		return "", llm.Errorf(llm.KindMalformedArguments, "parse args", "expr is required")
	}

	v, err := Evaluate(params.Expr)
	if err != nil {
		return "", err
	}
	return strconv.FormatFloat(v, 'f', -1, 64), nil
}

// Evaluate computes the value of an arithmetic expression using Go's
// operator precedence. Exponentiation is pow(x, y).
func Evaluate(expr string) (float64, error) {
	node, err := parser.ParseExpr(expr)
	if err != nil {
		return 0, fmt.Errorf("invalid expression %q: %w", expr, err)
	}
	v, err := eval(node)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("expression %q has no finite value", expr)
	}
	return v, nil
}

var constants = map[string]float64{
	"pi": math.Pi,
	"e":  math.E,
}

var unaryFuncs = map[string]func(float64) float64{
	"sqrt":  math.Sqrt,
	"abs":   math.Abs,
	"floor": math.Floor,
	"ceil":  math.Ceil,
	"round": math.Round,
	"log":   math.Log,
	"log10": math.Log10,
	"sin":   math.Sin,
	"cos":   math.Cos,
	"tan":   math.Tan,
}

var binaryFuncs = map[string]func(float64, float64) float64{
	"pow": math.Pow,
	"min": math.Min,
	"max": math.Max,
}

func eval(n ast.Expr) (float64, error) {
	switch n := n.(type) {
	case *ast.BasicLit:
		switch n.Kind {
		case token.INT, token.FLOAT:
			return strconv.ParseFloat(n.Value, 64)
		}
		return 0, fmt.Errorf("unsupported literal %s", n.Value)

	case *ast.ParenExpr:
		return eval(n.X)

	case *ast.Ident:
		if v, ok := constants[strings.ToLower(n.Name)]; ok {
			return v, nil
		}
		return 0, fmt.Errorf("unknown identifier %q", n.Name)

	case *ast.UnaryExpr:
		x, err := eval(n.X)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case token.SUB:
			return -x, nil
		case token.ADD:
			return x, nil
		}
		return 0, fmt.Errorf("unsupported operator %s", n.Op)

	case *ast.BinaryExpr:
		x, err := eval(n.X)
		if err != nil {
			return 0, err
		}
		y, err := eval(n.Y)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case token.ADD:
			return x + y, nil
		case token.SUB:
			return x - y, nil
		case token.MUL:
			return x * y, nil
		case token.QUO:
			if y == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			return x / y, nil
		case token.REM:
			if y == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			return math.Mod(x, y), nil
		case token.XOR:
			return 0, fmt.Errorf("use pow(x, y) for exponents")
		}
		return 0, fmt.Errorf("unsupported operator %s", n.Op)

	case *ast.CallExpr:
		ident, ok := n.Fun.(*ast.Ident)
		if !ok {
			return 0, fmt.Errorf("unsupported call")
		}
		name := strings.ToLower(ident.Name)
		argv := make([]float64, len(n.Args))
		for i, a := range n.Args {
			v, err := eval(a)
			if err != nil {
				return 0, err
			}
			argv[i] = v
		}
		if f, ok := unaryFuncs[name]; ok && len(argv) == 1 {
			return f(argv[0]), nil
		}
		if f, ok := binaryFuncs[name]; ok && len(argv) == 2 {
			return f(argv[0], argv[1]), nil
		}
		return 0, fmt.Errorf("unknown function %s/%d", ident.Name, len(argv))
	}
	return 0, fmt.Errorf("unsupported expression")
}
