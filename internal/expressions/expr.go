package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/execgraph/pkg/schema"
)

// ExprEngine evaluates expr-lang expressions against untyped documents. It
// backs the `where` filter of summary listings, with each summary document as
// the environment.
type ExprEngine struct {
	programs sync.Map // source -> *vm.Program
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{}
}

func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate runs expression with data as the environment. Unknown
// identifiers evaluate to nil.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	return run(prg, expression, data)
}

// Filter returns the indexes of items for which expression is true. The
// expression is compiled once for the whole batch.
func (e *ExprEngine) Filter(ctx context.Context, expression string, items []map[string]any) ([]int, error) {
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	var keep []int
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := run(prg, expression, item)
		if err != nil {
			return nil, err
		}
		match, ok := out.(bool)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"filter %q returned %T, want bool", expression, out).
				WithDetails(map[string]any{"expression": expression, "index": i})
		}
		if match {
			keep = append(keep, i)
		}
	}
	return keep, nil
}

// program compiles expression against an untyped environment so one program
// serves documents of any shape. Concurrent first compiles of the same source
// may race; the first stored program wins.
func (e *ExprEngine) program(expression string) (*vm.Program, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}
	if prg, ok := e.programs.Load(expression); ok {
		return prg.(*vm.Program), nil
	}
	prg, err := expr.Compile(expression, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid expr expression %q: %s", expression, err).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	actual, _ := e.programs.LoadOrStore(expression, prg)
	return actual.(*vm.Program), nil
}

func run(prg *vm.Program, expression string, data map[string]any) (any, error) {
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "evaluate %q: %s", expression, err).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

var _ Engine = (*ExprEngine)(nil)
