package formula

import "fmt"

// parser is a recursive-descent parser over the grammar
//
//	expr    := term (('+' | '-') term)*
//	term    := unary (('*' | '/' | '%') unary)*
//	unary   := ('+' | '-') unary | primary
//	primary := number | identifier | '(' expr ')'
type parser struct {
	tokens []token
	pos    int
	idents []identNode
	depth  int
}

// maxNesting bounds parentheses and unary signs combined, keeping parse and
// evaluation recursion shallow.
const maxNesting = 256

func (p *parser) enter(t token) error {
	p.depth++
	if p.depth > maxNesting {
		return &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("formula nested too deeply (more than %d levels)", maxNesting)}
	}
	return nil
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) parseExpr() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOperator || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		p.next()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: t.text[0], left: left, right: right}
	}
}

func (p *parser) parseTerm() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOperator || (t.text != "*" && t.text != "/" && t.text != "%") {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: t.text[0], left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	t := p.peek()
	if t.kind == tokOperator && (t.text == "+" || t.text == "-") {
		p.next()
		if err := p.enter(t); err != nil {
			return nil, err
		}
		defer func() { p.depth-- }()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: t.text[0], operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return numberNode{value: t.value}, nil
	case tokIdent:
		n := identNode{name: t.text, pos: t.pos}
		p.idents = append(p.idents, n)
		return n, nil
	case tokLParen:
		if err := p.enter(t); err != nil {
			return nil, err
		}
		defer func() { p.depth-- }()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		closing := p.next()
		if closing.kind != tokRParen {
			return nil, &SyntaxError{Pos: closing.pos, Msg: fmt.Sprintf("expected ')', found %s", describe(closing))}
		}
		return inner, nil
	default:
		return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("expected operand, found %s", describe(t))}
	}
}

func describe(t token) string {
	if t.kind == tokEOF {
		return t.kind.String()
	}
	return fmt.Sprintf("%s %q", t.kind, t.text)
}
