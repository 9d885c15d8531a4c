package formula

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyFormula is returned for a blank expression.
	ErrEmptyFormula = errors.New("formula is empty")
	// ErrInvalidResult is returned when evaluation yields NaN or an infinity.
	ErrInvalidResult = errors.New("formula result is not a finite number")
)

// UndefinedVariableError reports an identifier with no value in the variable set.
type UndefinedVariableError struct {
	Name string
	Pos  int
}

func (e *UndefinedVariableError) Error() string {
	return fmt.Sprintf("undefined variable %q at position %d", e.Name, e.Pos)
}

// SyntaxError carries the byte offset of the offending token.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at position %d: %s", e.Pos, e.Msg)
}
