package engine

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Legacy expression evaluation: a hand-rolled lexer and recursive-descent
// parser for the restricted grammar
//
//	expression := or
//	or         := and ( "||" and )*
//	and        := unary ( "&&" unary )*
//	unary      := "!" unary | comparison
//	comparison := value ( ("=="|"!="|">"|">="|"<"|"<=") value )?
//	value      := primary ( ".includes" "(" expression ")" )*
//	primary    := NUMBER | STRING | true | false | {ref} | IDENT
//	            | parseInt "(" expression ")" | parseFloat "(" expression ")"
//	            | "(" expression ")"
//
// Template references ({stepId.output}, {stepId}, {threadId}, {projectId},
// {timestamp}) resolve to string values; unresolved references keep their
// literal text, matching the resolver contract. Bare identifiers are string
// literals so expressions whose references were substituted up front still
// parse. No other property access, function calls, or loops exist.

type exprTokenKind int

const (
	tokenEOF exprTokenKind = iota
	tokenNumber
	tokenString
	tokenIdent
	tokenTemplate
	tokenOp     // == != > >= < <= && || !
	tokenLParen // (
	tokenRParen // )
	tokenDot    // .
	tokenComma  // ,
)

type exprToken struct {
	kind exprTokenKind
	text string
	pos  int
}

type exprLexer struct {
	input string
	pos   int
}

func (l *exprLexer) next() (exprToken, error) {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return exprToken{kind: tokenEOF, pos: l.pos}, nil
	}

	start := l.pos
	ch := l.input[l.pos]

	switch ch {
	case '(':
		l.pos++
		return exprToken{kind: tokenLParen, text: "(", pos: start}, nil
	case ')':
		l.pos++
		return exprToken{kind: tokenRParen, text: ")", pos: start}, nil
	case ',':
		l.pos++
		return exprToken{kind: tokenComma, text: ",", pos: start}, nil
	case '.':
		l.pos++
		return exprToken{kind: tokenDot, text: ".", pos: start}, nil
	case '\'', '"':
		quote := ch
		l.pos++
		var sb strings.Builder
		for l.pos < len(l.input) && l.input[l.pos] != quote {
			if l.input[l.pos] == '\\' && l.pos+1 < len(l.input) {
				l.pos++
			}
			sb.WriteByte(l.input[l.pos])
			l.pos++
		}
		if l.pos >= len(l.input) {
			return exprToken{}, fmt.Errorf("unterminated string at position %d", start)
		}
		l.pos++
		return exprToken{kind: tokenString, text: sb.String(), pos: start}, nil
	case '{':
		depth := 1
		l.pos++
		for l.pos < len(l.input) && depth > 0 {
			switch l.input[l.pos] {
			case '{':
				depth++
			case '}':
				depth--
			}
			l.pos++
		}
		if depth != 0 {
			return exprToken{}, fmt.Errorf("unterminated reference at position %d", start)
		}
		return exprToken{kind: tokenTemplate, text: l.input[start:l.pos], pos: start}, nil
	case '=', '!', '>', '<', '&', '|':
		two := ""
		if l.pos+1 < len(l.input) {
			two = l.input[l.pos : l.pos+2]
		}
		switch two {
		case "==", "!=", ">=", "<=", "&&", "||":
			l.pos += 2
			return exprToken{kind: tokenOp, text: two, pos: start}, nil
		}
		switch ch {
		case '>', '<', '!':
			l.pos++
			return exprToken{kind: tokenOp, text: string(ch), pos: start}, nil
		}
		return exprToken{}, fmt.Errorf("unexpected character %q at position %d", ch, start)
	}

	if ch >= '0' && ch <= '9' || ch == '-' && l.pos+1 < len(l.input) && l.input[l.pos+1] >= '0' && l.input[l.pos+1] <= '9' {
		l.pos++
		for l.pos < len(l.input) && (l.input[l.pos] >= '0' && l.input[l.pos] <= '9' || l.input[l.pos] == '.') {
			l.pos++
		}
		return exprToken{kind: tokenNumber, text: l.input[start:l.pos], pos: start}, nil
	}

	if isIdentStart(rune(ch)) {
		l.pos++
		for l.pos < len(l.input) && isIdentPart(rune(l.input[l.pos])) {
			l.pos++
		}
		return exprToken{kind: tokenIdent, text: l.input[start:l.pos], pos: start}, nil
	}

	return exprToken{}, fmt.Errorf("unexpected character %q at position %d", ch, start)
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

func isIdentPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-'
}

// exprValue is the runtime value of an expression node.
type exprValue struct {
	isNum  bool
	isBool bool
	num    float64
	b      bool
	str    string
}

func numValue(f float64) exprValue { return exprValue{isNum: true, num: f} }
func boolValue(b bool) exprValue   { return exprValue{isBool: true, b: b} }
func strValue(s string) exprValue  { return exprValue{str: s} }

func (v exprValue) String() string {
	if v.isNum {
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	}
	if v.isBool {
		return strconv.FormatBool(v.b)
	}
	return v.str
}

// truthy follows the host-language convention the legacy expressions assume:
// false, 0, and the empty string are false.
func (v exprValue) truthy() bool {
	if v.isBool {
		return v.b
	}
	if v.isNum {
		return v.num != 0
	}
	return v.str != "" && v.str != "false"
}

// asNumber attempts numeric interpretation.
func (v exprValue) asNumber() (float64, bool) {
	if v.isNum {
		return v.num, true
	}
	if v.isBool {
		if v.b {
			return 1, true
		}
		return 0, true
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v.str), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

type exprParser struct {
	lexer   *exprLexer
	current exprToken
	ctx     *EvalContext
}

// evaluateExpression parses and evaluates a legacy condition expression.
func evaluateExpression(expression string, ctx *EvalContext) (bool, error) {
	p := &exprParser{lexer: &exprLexer{input: expression}, ctx: ctx}
	if err := p.advance(); err != nil {
		return false, err
	}
	v, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if p.current.kind != tokenEOF {
		return false, fmt.Errorf("unexpected %q at position %d", p.current.text, p.current.pos)
	}
	return v.truthy(), nil
}

func (p *exprParser) advance() error {
	tok, err := p.lexer.next()
	if err != nil {
		return err
	}
	p.current = tok
	return nil
}

func (p *exprParser) expect(kind exprTokenKind, what string) error {
	if p.current.kind != kind {
		return fmt.Errorf("expected %s at position %d, got %q", what, p.current.pos, p.current.text)
	}
	return p.advance()
}

func (p *exprParser) parseOr() (exprValue, error) {
	left, err := p.parseAnd()
	if err != nil {
		return exprValue{}, err
	}
	for p.current.kind == tokenOp && p.current.text == "||" {
		if err := p.advance(); err != nil {
			return exprValue{}, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return exprValue{}, err
		}
		left = boolValue(left.truthy() || right.truthy())
	}
	return left, nil
}

func (p *exprParser) parseAnd() (exprValue, error) {
	left, err := p.parseUnary()
	if err != nil {
		return exprValue{}, err
	}
	for p.current.kind == tokenOp && p.current.text == "&&" {
		if err := p.advance(); err != nil {
			return exprValue{}, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return exprValue{}, err
		}
		left = boolValue(left.truthy() && right.truthy())
	}
	return left, nil
}

func (p *exprParser) parseUnary() (exprValue, error) {
	if p.current.kind == tokenOp && p.current.text == "!" {
		if err := p.advance(); err != nil {
			return exprValue{}, err
		}
		v, err := p.parseUnary()
		if err != nil {
			return exprValue{}, err
		}
		return boolValue(!v.truthy()), nil
	}
	return p.parseComparison()
}

func (p *exprParser) parseComparison() (exprValue, error) {
	left, err := p.parseValue()
	if err != nil {
		return exprValue{}, err
	}

	if p.current.kind != tokenOp {
		return left, nil
	}
	op := p.current.text
	switch op {
	case "==", "!=", ">", ">=", "<", "<=":
	default:
		return left, nil
	}
	if err := p.advance(); err != nil {
		return exprValue{}, err
	}

	right, err := p.parseValue()
	if err != nil {
		return exprValue{}, err
	}

	return compareValues(op, left, right)
}

func compareValues(op string, left, right exprValue) (exprValue, error) {
	ln, lok := left.asNumber()
	rn, rok := right.asNumber()

	switch op {
	case "==", "!=":
		var eq bool
		if lok && rok && (left.isNum || right.isNum) {
			eq = ln == rn
		} else {
			eq = left.String() == right.String()
		}
		if op == "!=" {
			return boolValue(!eq), nil
		}
		return boolValue(eq), nil
	}

	// Ordering operators require numeric operands.
	if !lok || !rok {
		return exprValue{}, fmt.Errorf("operator %q requires numeric operands (got %q, %q)",
			op, left.String(), right.String())
	}
	switch op {
	case ">":
		return boolValue(ln > rn), nil
	case ">=":
		return boolValue(ln >= rn), nil
	case "<":
		return boolValue(ln < rn), nil
	case "<=":
		return boolValue(ln <= rn), nil
	}
	return exprValue{}, fmt.Errorf("unknown operator %q", op)
}

// parseValue handles primaries and the .includes() postfix.
func (p *exprParser) parseValue() (exprValue, error) {
	v, err := p.parsePrimary()
	if err != nil {
		return exprValue{}, err
	}

	for p.current.kind == tokenDot {
		if err := p.advance(); err != nil {
			return exprValue{}, err
		}
		if p.current.kind != tokenIdent || p.current.text != "includes" {
			return exprValue{}, fmt.Errorf("unsupported property %q at position %d (only .includes is allowed)",
				p.current.text, p.current.pos)
		}
		if err := p.advance(); err != nil {
			return exprValue{}, err
		}
		if err := p.expect(tokenLParen, "("); err != nil {
			return exprValue{}, err
		}
		arg, err := p.parseOr()
		if err != nil {
			return exprValue{}, err
		}
		if err := p.expect(tokenRParen, ")"); err != nil {
			return exprValue{}, err
		}
		v = boolValue(strings.Contains(v.String(), arg.String()))
	}

	return v, nil
}

func (p *exprParser) parsePrimary() (exprValue, error) {
	tok := p.current

	switch tok.kind {
	case tokenNumber:
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return exprValue{}, fmt.Errorf("malformed number %q at position %d", tok.text, tok.pos)
		}
		if err := p.advance(); err != nil {
			return exprValue{}, err
		}
		return numValue(f), nil

	case tokenString:
		if err := p.advance(); err != nil {
			return exprValue{}, err
		}
		return strValue(tok.text), nil

	case tokenTemplate:
		if err := p.advance(); err != nil {
			return exprValue{}, err
		}
		resolved := ResolveTemplate(tok.text, &TemplateContext{
			StepOutputs: p.ctx.StepOutputs,
			ThreadID:    p.ctx.ThreadID,
			ProjectID:   p.ctx.ProjectID,
		})
		return strValue(resolved), nil

	case tokenLParen:
		if err := p.advance(); err != nil {
			return exprValue{}, err
		}
		v, err := p.parseOr()
		if err != nil {
			return exprValue{}, err
		}
		if err := p.expect(tokenRParen, ")"); err != nil {
			return exprValue{}, err
		}
		return v, nil

	case tokenIdent:
		switch tok.text {
		case "true":
			if err := p.advance(); err != nil {
				return exprValue{}, err
			}
			return boolValue(true), nil
		case "false":
			if err := p.advance(); err != nil {
				return exprValue{}, err
			}
			return boolValue(false), nil
		case "parseInt", "parseFloat":
			return p.parseNumericCall(tok.text)
		default:
			// Bare identifiers are string literals; substituted references
			// arrive here as plain words.
			if err := p.advance(); err != nil {
				return exprValue{}, err
			}
			return strValue(tok.text), nil
		}
	}

	return exprValue{}, fmt.Errorf("unexpected %q at position %d", tok.text, tok.pos)
}

func (p *exprParser) parseNumericCall(fn string) (exprValue, error) {
	if err := p.advance(); err != nil {
		return exprValue{}, err
	}
	if err := p.expect(tokenLParen, "("); err != nil {
		return exprValue{}, err
	}
	arg, err := p.parseOr()
	if err != nil {
		return exprValue{}, err
	}
	if err := p.expect(tokenRParen, ")"); err != nil {
		return exprValue{}, err
	}

	text := strings.TrimSpace(arg.String())
	switch fn {
	case "parseInt":
		// Leading integer digits, matching the host-language parseInt.
		end := 0
		if end < len(text) && (text[end] == '-' || text[end] == '+') {
			end++
		}
		for end < len(text) && text[end] >= '0' && text[end] <= '9' {
			end++
		}
		if end == 0 || text[:end] == "-" || text[:end] == "+" {
			return exprValue{}, fmt.Errorf("parseInt: %q has no leading integer", text)
		}
		n, err := strconv.ParseInt(text[:end], 10, 64)
		if err != nil {
			return exprValue{}, fmt.Errorf("parseInt: %v", err)
		}
		return numValue(float64(n)), nil
	default: // parseFloat
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			// Salvage a leading float the way parseFloat does.
			end := 0
			if end < len(text) && (text[end] == '-' || text[end] == '+') {
				end++
			}
			dot := false
			for end < len(text) {
				if text[end] >= '0' && text[end] <= '9' {
					end++
					continue
				}
				if text[end] == '.' && !dot {
					dot = true
					end++
					continue
				}
				break
			}
			f, err = strconv.ParseFloat(text[:end], 64)
			if err != nil {
				return exprValue{}, fmt.Errorf("parseFloat: %q has no leading number", text)
			}
		}
		return numValue(f), nil
	}
}
