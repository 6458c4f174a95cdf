package services

import (
	"fmt"
	"unicode/utf8"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Predicate is a compiled boolean row expression such as
// `odometer != nil && odometer > 100000`. Column names are variables; NULL
// cells are nil, so comparisons on nullable columns need an explicit nil
// guard.
type Predicate struct {
	source  string
	program *vm.Program
}

// length counts the characters of a string cell; the builtin len counts
// bytes. NULL has length 0.
var length = expr.Function("length", func(params ...any) (any, error) {
	switch v := params[0].(type) {
	case nil:
		return 0, nil
	case string:
		return utf8.RuneCountInString(v), nil
	default:
		return nil, fmt.Errorf("length: %T is not a string", v)
	}
})

// CompilePredicate parses src. Unknown names evaluate to nil rather than
// failing, matching a column that is absent from the row. length(col)
// counts characters.
func CompilePredicate(src string) (*Predicate, error) {
	program, err := expr.Compile(src, expr.AllowUndefinedVariables(), length)
	if err != nil {
		return nil, fmt.Errorf("compile predicate %q: %w", src, err)
	}
	return &Predicate{source: src, program: program}, nil
}

// Match evaluates the predicate against one record.
func (p *Predicate) Match(record map[string]any) (bool, error) {
	out, err := expr.Run(p.program, record)
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", p.source, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("predicate %q returned %T, want bool", p.source, out)
	}
	return b, nil
}

func (p *Predicate) String() string { return p.source }
