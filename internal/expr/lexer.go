package expr

import (
	"fmt"
	"strconv"
	"strings"
)

type tokenKind uint8

const (
	tEOF tokenKind = iota
	tText
	tOpen  // ${{
	tClose // }}
	tName
	tInt
	tReal
	tString
	tDot
	tComma
	tLParen
	tRParen
	tLBrack
	tRBrack
	tEq
	tNe
	tLt
	tLe
	tGt
	tGe
	tAnd
	tOr
	tNot
)

var tokenNames = map[tokenKind]string{
	tEOF: "end of input", tText: "text", tOpen: "'${{'", tClose: "'}}'",
	tName: "name", tInt: "integer", tReal: "real", tString: "string",
	tDot: "'.'", tComma: "','", tLParen: "'('", tRParen: "')'",
	tLBrack: "'['", tRBrack: "']'", tEq: "'=='", tNe: "'!='",
	tLt: "'<'", tLe: "'<='", tGt: "'>'", tGe: "'>='",
	tAnd: "'&&'", tOr: "'||'", tNot: "'!'",
}

func (k tokenKind) String() string { return tokenNames[k] }

type token struct {
	kind   tokenKind
	text   string // raw text for names and text chunks
	value  any    // decoded literal
	offset int
}

type lexer struct {
	src    string
	pos    int
	base   Pos
	tokens []token
}

func (l *lexer) errorf(offset int, format string, args ...any) error {
	return &ParseError{Pos: l.base.advance(l.src, offset), Msg: fmt.Sprintf(format, args...)}
}

func (l *lexer) emit(kind tokenKind, text string, value any, offset int) {
	l.tokens = append(l.tokens, token{kind: kind, text: text, value: value, offset: offset})
}

// tokenize splits src into text chunks and expression tokens.
func tokenize(src string, base Pos) ([]token, error) {
	l := &lexer{src: src, base: base}
	for l.pos < len(l.src) {
		if err := l.lexText(); err != nil {
			return nil, err
		}
		if l.pos >= len(l.src) {
			break
		}
		if err := l.lexExpr(); err != nil {
			return nil, err
		}
	}
	l.emit(tEOF, "", nil, len(l.src))
	return l.tokens, nil
}

func (l *lexer) lexText() error {
	start := l.pos
	for l.pos < len(l.src) {
		rest := l.src[l.pos:]
		if strings.HasPrefix(rest, "${{") {
			break
		}
		if strings.HasPrefix(rest, "}}") {
			return l.errorf(l.pos, "unexpected '}}' outside of an expression")
		}
		l.pos++
	}
	if l.pos > start {
		l.emit(tText, l.src[start:l.pos], nil, start)
	}
	return nil
}

func (l *lexer) lexExpr() error {
	l.emit(tOpen, "${{", nil, l.pos)
	l.pos += 3
	for {
		l.skipSpace()
		if l.pos >= len(l.src) {
			return l.errorf(l.pos, "unterminated expression, expected '}}'")
		}
		start := l.pos
		c := l.src[l.pos]
		two := ""
		if l.pos+1 < len(l.src) {
			two = l.src[l.pos : l.pos+2]
		}
		switch {
		case two == "}}":
			l.emit(tClose, two, nil, start)
			l.pos += 2
			return nil
		case two == "==":
			l.op(tEq, 2)
		case two == "!=":
			l.op(tNe, 2)
		case two == "<=":
			l.op(tLe, 2)
		case two == ">=":
			l.op(tGe, 2)
		case two == "&&":
			l.op(tAnd, 2)
		case two == "||":
			l.op(tOr, 2)
		case c == '<':
			l.op(tLt, 1)
		case c == '>':
			l.op(tGt, 1)
		case c == '!':
			l.op(tNot, 1)
		case c == '.':
			l.op(tDot, 1)
		case c == ',':
			l.op(tComma, 1)
		case c == '(':
			l.op(tLParen, 1)
		case c == ')':
			l.op(tRParen, 1)
		case c == '[':
			l.op(tLBrack, 1)
		case c == ']':
			l.op(tRBrack, 1)
		case c == '\'' || c == '"':
			if err := l.lexString(c); err != nil {
				return err
			}
		case isDigit(c) || (c == '-' && l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1])):
			if err := l.lexNumber(); err != nil {
				return err
			}
		case isNameStart(c):
			for l.pos < len(l.src) && isNameChar(l.src[l.pos]) {
				l.pos++
			}
			l.emit(tName, l.src[start:l.pos], nil, start)
		default:
			return l.errorf(start, "unexpected character %q", c)
		}
	}
}

func (l *lexer) op(kind tokenKind, width int) {
	l.emit(kind, l.src[l.pos:l.pos+width], nil, l.pos)
	l.pos += width
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) {
		switch l.src[l.pos] {
		case ' ', '\t', '\n', '\r':
			l.pos++
		default:
			return
		}
	}
}

func (l *lexer) lexString(quote byte) error {
	start := l.pos
	l.pos++
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == quote:
			l.pos++
			l.emit(tString, l.src[start:l.pos], sb.String(), start)
			return nil
		case c == '\\' && l.pos+1 < len(l.src):
			l.pos++
			switch e := l.src[l.pos]; e {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case '\\', '\'', '"':
				sb.WriteByte(e)
			default:
				sb.WriteByte('\\')
				sb.WriteByte(e)
			}
		default:
			sb.WriteByte(c)
		}
		l.pos++
	}
	return l.errorf(start, "unterminated string literal")
}

func (l *lexer) lexNumber() error {
	start := l.pos
	if l.src[l.pos] == '-' {
		l.pos++
	}
	digitsStart := l.pos
	if l.src[l.pos] == '0' && l.pos+1 < len(l.src) && strings.ContainsRune("xXoObB", rune(l.src[l.pos+1])) {
		l.pos += 2
		for l.pos < len(l.src) && (isHexDigit(l.src[l.pos]) || l.src[l.pos] == '_') {
			l.pos++
		}
		return l.emitInt(start)
	}
	l.digits()
	isReal := false
	if l.pos+1 < len(l.src) && l.src[l.pos] == '.' && isDigit(l.src[l.pos+1]) {
		isReal = true
		l.pos++
		l.digits()
	}
	if l.pos < len(l.src) && (l.src[l.pos] == 'e' || l.src[l.pos] == 'E') {
		save := l.pos
		l.pos++
		if l.pos < len(l.src) && (l.src[l.pos] == '+' || l.src[l.pos] == '-') {
			l.pos++
		}
		if l.pos < len(l.src) && isDigit(l.src[l.pos]) {
			isReal = true
			l.digits()
		} else {
			l.pos = save
		}
	}
	if l.pos == digitsStart {
		return l.errorf(start, "malformed number")
	}
	if !isReal {
		return l.emitInt(start)
	}
	text := strings.ReplaceAll(l.src[start:l.pos], "_", "")
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return l.errorf(start, "malformed real %q", l.src[start:l.pos])
	}
	l.emit(tReal, l.src[start:l.pos], f, start)
	return nil
}

func (l *lexer) digits() {
	for l.pos < len(l.src) && (isDigit(l.src[l.pos]) || l.src[l.pos] == '_') {
		l.pos++
	}
}

func (l *lexer) emitInt(start int) error {
	raw := l.src[start:l.pos]
	n, err := strconv.ParseInt(raw, 0, 64)
	if err != nil {
		return l.errorf(start, "malformed integer %q", raw)
	}
	l.emit(tInt, raw, n, start)
	return nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isHexDigit(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameChar(c byte) bool { return isNameStart(c) || isDigit(c) || c == '-' }
