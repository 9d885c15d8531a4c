package formula

import "math"

type node interface {
	eval(vars map[string]float64) float64
}

type numberNode struct {
	value float64
}

func (n numberNode) eval(map[string]float64) float64 { return n.value }

type identNode struct {
	name string
	pos  int
}

func (n identNode) eval(vars map[string]float64) float64 { return vars[n.name] }

type unaryNode struct {
	op      byte
	operand node
}

func (n unaryNode) eval(vars map[string]float64) float64 {
	v := n.operand.eval(vars)
	if n.op == '-' {
		return -v
	}
	return v
}

type binaryNode struct {
	op          byte
	left, right node
}

// eval follows IEEE-754: x/0 is ±Inf and 0/0 or x%0 is NaN.
func (n binaryNode) eval(vars map[string]float64) float64 {
	l := n.left.eval(vars)
	r := n.right.eval(vars)
	switch n.op {
	case '+':
		return l + r
	case '-':
		return l - r
	case '*':
		return l * r
	case '/':
		return l / r
	case '%':
		return math.Mod(l, r)
	}
	return math.NaN()
}
