package expr

import "fmt"

type parser struct {
	src    string
	base   Pos
	tokens []token
	pos    int
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tEOF {
		p.pos++
	}
	return t
}

func (p *parser) at(t token) Pos { return p.base.advance(p.src, t.offset) }

func (p *parser) errorf(t token, format string, args ...any) error {
	return &ParseError{Pos: p.at(t), Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) expect(kind tokenKind) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, p.errorf(t, "expected %s, got %s", kind, describe(t))
	}
	return t, nil
}

func describe(t token) string {
	switch t.kind {
	case tName, tInt, tReal, tString:
		return fmt.Sprintf("%s %q", t.kind, t.text)
	}
	return t.kind.String()
}

// parseTemplate builds the root node: a single expression, a literal text or an interpolation.
func (p *parser) parseTemplate() (*Node, error) {
	var parts []*Node
	for p.peek().kind != tEOF {
		t := p.next()
		switch t.kind {
		case tText:
			parts = append(parts, &Node{Kind: KindLiteral, Pos: p.at(t), Value: t.text})
		case tOpen:
			if p.peek().kind == tClose {
				return nil, p.errorf(p.peek(), "empty expression")
			}
			n, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tClose); err != nil {
				return nil, err
			}
			parts = append(parts, n)
		default:
			return nil, p.errorf(t, "unexpected %s", describe(t))
		}
	}
	switch len(parts) {
	case 0:
		return &Node{Kind: KindLiteral, Pos: p.base, Value: ""}, nil
	case 1:
		return parts[0], nil
	}
	return &Node{Kind: KindInterp, Pos: parts[0].Pos, Args: parts}, nil
}

func (p *parser) parseOr() (*Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tOr {
		op := p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Node{Kind: KindBinary, Pos: p.at(op), Name: "||", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (*Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tAnd {
		op := p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &Node{Kind: KindBinary, Pos: p.at(op), Name: "&&", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (*Node, error) {
	t := p.peek()
	if t.kind == tNot || (t.kind == tName && t.text == "not") {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Node{Kind: KindUnary, Pos: p.at(t), Name: "!", Left: operand}, nil
	}
	return p.parseCompare()
}

var compareOps = map[tokenKind]string{
	tEq: "==", tNe: "!=", tLt: "<", tLe: "<=", tGt: ">", tGe: ">=",
}

func (p *parser) parseCompare() (*Node, error) {
	left, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	op, ok := compareOps[p.peek().kind]
	if !ok {
		return left, nil
	}
	t := p.next()
	right, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	return &Node{Kind: KindBinary, Pos: p.at(t), Name: op, Left: left, Right: right}, nil
}

func (p *parser) parsePostfix() (*Node, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch t := p.peek(); t.kind {
		case tDot:
			p.next()
			name, err := p.expect(tName)
			if err != nil {
				return nil, err
			}
			n = &Node{Kind: KindAttr, Pos: p.at(name), Name: name.text, Left: n}
		case tLBrack:
			p.next()
			idx, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tRBrack); err != nil {
				return nil, err
			}
			n = &Node{Kind: KindIndex, Pos: p.at(t), Left: n, Right: idx}
		default:
			return n, nil
		}
	}
}

var keywordLiterals = map[string]any{
	"None": nil, "null": nil,
	"True": true, "true": true,
	"False": false, "false": false,
}

func (p *parser) parsePrimary() (*Node, error) {
	t := p.next()
	pos := p.at(t)
	switch t.kind {
	case tInt, tReal, tString:
		return &Node{Kind: KindLiteral, Pos: pos, Value: t.value}, nil
	case tName:
		if p.peek().kind == tLParen {
			p.next()
			args, err := p.parseList(tRParen)
			if err != nil {
				return nil, err
			}
			return &Node{Kind: KindCall, Pos: pos, Name: t.text, Args: args}, nil
		}
		if v, ok := keywordLiterals[t.text]; ok {
			return &Node{Kind: KindLiteral, Pos: pos, Value: v}, nil
		}
		return &Node{Kind: KindLookup, Pos: pos, Name: t.text}, nil
	case tLParen:
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tRParen); err != nil {
			return nil, err
		}
		return n, nil
	case tLBrack:
		items, err := p.parseList(tRBrack)
		if err != nil {
			return nil, err
		}
		return &Node{Kind: KindList, Pos: pos, Args: items}, nil
	}
	return nil, p.errorf(t, "unexpected %s", describe(t))
}

// parseList parses comma separated expressions up to the closing token.
func (p *parser) parseList(closing tokenKind) ([]*Node, error) {
	var items []*Node
	if p.peek().kind == closing {
		p.next()
		return items, nil
	}
	for {
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		items = append(items, n)
		t := p.next()
		switch t.kind {
		case closing:
			return items, nil
		case tComma:
			if p.peek().kind == closing {
				p.next()
				return items, nil
			}
		default:
			return nil, p.errorf(t, "expected ',' or %s, got %s", closing, describe(t))
		}
	}
}
