// Package formula evaluates the arithmetic formulas cooperative staff write
// for SHU and THR. Only numbers, variables, + - * / %, unary signs and
// parentheses are accepted.
package formula

import (
	"fmt"
	"math"
	"strings"
)

// MaxLength is the longest formula source accepted, in bytes.
const MaxLength = 4096

// Expression is a parsed formula, safe to evaluate repeatedly.
type Expression struct {
	source string
	root   node
	idents []identNode
}

// Parse compiles src into an Expression.
func Parse(src string) (*Expression, error) {
	if strings.TrimSpace(src) == "" {
		return nil, ErrEmptyFormula
	}
	if len(src) > MaxLength {
		return nil, &SyntaxError{Pos: MaxLength, Msg: fmt.Sprintf("formula longer than %d bytes", MaxLength)}
	}
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("unexpected %s", describe(t))}
	}
	return &Expression{source: src, root: root, idents: p.idents}, nil
}

func (e *Expression) String() string {
	return e.source
}

// Identifiers lists the distinct variable names in order of first use.
func (e *Expression) Identifiers() []string {
	seen := make(map[string]bool, len(e.idents))
	names := make([]string, 0, len(e.idents))
	for _, id := range e.idents {
		if !seen[id.name] {
			seen[id.name] = true
			names = append(names, id.name)
		}
	}
	return names
}

// Validate checks that every identifier has a value in vars.
func (e *Expression) Validate(vars map[string]float64) error {
	for _, id := range e.idents {
		if _, ok := vars[id.name]; !ok {
			return &UndefinedVariableError{Name: id.name, Pos: id.pos}
		}
	}
	return nil
}

// Eval validates and evaluates the expression against vars.
func (e *Expression) Eval(vars map[string]float64) (float64, error) {
	if err := e.Validate(vars); err != nil {
		return 0, err
	}
	v := e.root.eval(vars)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrInvalidResult
	}
	return v, nil
}

// Evaluate parses expr and evaluates it against vars.
func Evaluate(expr string, vars map[string]float64) (float64, error) {
	e, err := Parse(expr)
	if err != nil {
		return 0, err
	}
	return e.Eval(vars)
}

// Identifiers returns the variable names referenced by expr.
func Identifiers(expr string) ([]string, error) {
	e, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	return e.Identifiers(), nil
}
