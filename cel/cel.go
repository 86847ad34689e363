// Package cel evaluates rule domain filter expressions against record snapshots.
// Expressions are compiled once (at rule save and registry rebuild) and run per
// intercepted record.
package cel

import (
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
)

// Evaluator struct contains the filter expression & the cel program used to evaluate
// expression vs. a record snapshot.
type Evaluator struct {
	Expression string
	program    cel.Program
}

// NewEvaluator instantiates a CEL evaluator for a rule's domain filter. The expression
// sees three variables: record (map of field name to value), changed (list of changed
// field names, empty outside writes), and operation (create/write/unlink).
func NewEvaluator(name string, expression string) (*Evaluator, error) {
	if name == "" {
		return nil, fmt.Errorf("name can't be empty string")
	}
	if expression == "" {
		return nil, fmt.Errorf("expression can't be empty string")
	}

	env, err := cel.NewEnv(
		// Declare variables based on the expected record snapshot (JSON/map[string]any) data.
		cel.Variable("record", cel.MapType(cel.StringType, cel.AnyType)),
		cel.Variable("changed", cel.ListType(cel.StringType)),
		cel.Variable("operation", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %v", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("error compiling CEL expression: %v", issues.Err())
	}
	p, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("error creating Program: %v", err)
	}
	return &Evaluator{
		Expression: expression,
		program:    p,
	}, nil
}

// Evaluate runs the compiled filter against a record snapshot and reports whether it matches.
func (e *Evaluator) Evaluate(record map[string]any, changed []string, operation string) (bool, error) {
	if changed == nil {
		changed = []string{}
	}
	out, _, err := e.program.Eval(map[string]any{
		"record":    record,
		"changed":   changed,
		"operation": operation,
	})
	if err != nil {
		return false, fmt.Errorf("error evaluating CEL expression: %v", err)
	}
	nv, err := out.ConvertToNative(reflect.TypeOf(bool(false)))
	if err != nil {
		return false, fmt.Errorf("error ConvertToNative, got err: %v", err)
	}

	if v, ok := nv.(bool); !ok {
		return false, fmt.Errorf("error converting to bool, nv: %v", nv)
	} else {
		return v, nil
	}
}
