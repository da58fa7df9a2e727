package parser

import (
	"encoding/hex"
	"math"
	"strconv"
	"strings"
)

// Operator precedence, loosest first:
//
//	OR
//	AND
//	NOT
//	= == != <> IS [NOT] IN LIKE BETWEEN
//	< <= > >=
//	+ -
//	* / %
//	||
//	unary - +
func (p *parser) parseExpr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: OpOr, L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: OpAnd, L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.keyword("NOT") {
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: OpNot, X: x}, nil
	}
	return p.parseEquality()
}

func (p *parser) parseEquality() (Expr, error) {
	left, err := p.parseRelational()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.op("="), p.op("=="):
			left, err = p.binary(OpEq, left, p.parseRelational)
		case p.op("!="), p.op("<>"):
			left, err = p.binary(OpNe, left, p.parseRelational)
		case p.keyword("IS"):
			not := p.keyword("NOT")
			if p.keyword("NULL") {
				left = &IsNullExpr{X: left, Not: not}
				continue
			}
			op := OpIs
			if not {
				op = OpIsNot
			}
			left, err = p.binary(op, left, p.parseRelational)
		case p.keyword("ISNULL"):
			left = &IsNullExpr{X: left}
		case p.keyword("NOTNULL"), p.keywords("NOT", "NULL"):
			left = &IsNullExpr{X: left, Not: true}
		default:
			not := p.keywords("NOT", "IN") || p.keywords("NOT", "LIKE") || p.keywords("NOT", "BETWEEN")
			if not {
				// Step back so the shared branches below see the operator.
				p.pos--
			}
			switch {
			case p.keyword("IN"):
				left, err = p.parseIn(left, not)
			case p.keyword("LIKE"):
				var pattern Expr
				if pattern, err = p.parseRelational(); err == nil {
					left = &LikeExpr{X: left, Pattern: pattern, Not: not}
				}
			case p.keyword("BETWEEN"):
				left, err = p.parseBetween(left, not)
			default:
				return left, nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

func (p *parser) binary(op BinaryOp, left Expr, operand func() (Expr, error)) (Expr, error) {
	right, err := operand()
	if err != nil {
		return nil, err
	}
	return &BinaryExpr{Op: op, L: left, R: right}, nil
}

func (p *parser) parseIn(x Expr, not bool) (Expr, error) {
	if err := p.expectOp("("); err != nil {
		return nil, err
	}
	if p.checkKeyword("SELECT") {
		return nil, p.errorf("subqueries are not supported")
	}
	var list []Expr
	if !p.check(")") {
		var err error
		if list, err = p.parseExprList(); err != nil {
			return nil, err
		}
	}
	return &InExpr{X: x, List: list, Not: not}, p.expectOp(")")
}

func (p *parser) parseBetween(x Expr, not bool) (Expr, error) {
	lo, err := p.parseRelational()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("AND"); err != nil {
		return nil, err
	}
	hi, err := p.parseRelational()
	if err != nil {
		return nil, err
	}
	return &BetweenExpr{X: x, Lo: lo, Hi: hi, Not: not}, nil
}

func (p *parser) parseRelational() (Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	ops := []struct {
		text string
		op   BinaryOp
	}{{"<=", OpLe}, {">=", OpGe}, {"<", OpLt}, {">", OpGt}}
	for {
		matched := false
		for _, o := range ops {
			if p.op(o.text) {
				if left, err = p.binary(o.op, left, p.parseAdditive); err != nil {
					return nil, err
				}
				matched = true
				break
			}
		}
		if !matched {
			return left, nil
		}
	}
}

func (p *parser) parseAdditive() (Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.op("+"):
			left, err = p.binary(OpAdd, left, p.parseMultiplicative)
		case p.op("-"):
			left, err = p.binary(OpSub, left, p.parseMultiplicative)
		default:
			return left, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (p *parser) parseMultiplicative() (Expr, error) {
	left, err := p.parseConcat()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.op("*"):
			left, err = p.binary(OpMul, left, p.parseConcat)
		case p.op("/"):
			left, err = p.binary(OpDiv, left, p.parseConcat)
		case p.op("%"):
			left, err = p.binary(OpMod, left, p.parseConcat)
		default:
			return left, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (p *parser) parseConcat() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.op("||") {
		if left, err = p.binary(OpConcat, left, p.parseUnary); err != nil {
			return nil, err
		}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	switch {
	case p.op("-"):
		if t := p.peek(); t.Type == tokInt && t.Value == "9223372036854775808" {
			p.pos++
			return &Literal{Value: int64(math.MinInt64)}, nil
		}
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if lit, ok := x.(*Literal); ok {
			switch v := lit.Value.(type) {
			case int64:
				return &Literal{Value: -v}, nil
			case float64:
				return &Literal{Value: -v}, nil
			}
		}
		return &UnaryExpr{Op: OpNeg, X: x}, nil
	case p.op("+"):
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: OpPlus, X: x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	t := p.peek()
	switch t.Type {
	case tokInt:
		p.pos++
		if v, err := strconv.ParseInt(t.Value, 10, 64); err == nil {
			return &Literal{Value: v}, nil
		}
		f, err := strconv.ParseFloat(t.Value, 64)
		if err != nil {
			return nil, p.errorf("bad number %s", t.Value)
		}
		return &Literal{Value: f}, nil
	case tokHex:
		p.pos++
		v, err := strconv.ParseUint(t.Value[2:], 16, 64)
		if err != nil {
			return nil, p.errorf("hex literal too big: %s", t.Value)
		}
		return &Literal{Value: int64(v)}, nil
	case tokFloat:
		p.pos++
		f, err := strconv.ParseFloat(t.Value, 64)
		if err != nil {
			return nil, p.errorf("bad number %s", t.Value)
		}
		return &Literal{Value: f}, nil
	case tokString:
		p.pos++
		return &Literal{Value: unquoteString(t.Value)}, nil
	case tokBlob:
		p.pos++
		b, err := hex.DecodeString(t.Value[2 : len(t.Value)-1])
		if err != nil {
			return nil, p.errorf("bad blob literal")
		}
		return &Literal{Value: b}, nil
	case tokParam:
		p.pos++
		return p.param(t.Value)
	case tokOp:
		if p.op("(") {
			if p.checkKeyword("SELECT") {
				return nil, p.errorf("subqueries are not supported")
			}
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			return e, p.expectOp(")")
		}
	case tokIdent, tokQuotedIdent:
		return p.parseIdentExpr()
	}
	return nil, p.errorf("expected an expression")
}

func (p *parser) param(text string) (Expr, error) {
	if text == "?" {
		p.params++
		return &Param{Index: p.params}, nil
	}
	if text[0] == '?' {
		n, err := strconv.Atoi(text[1:])
		if err != nil || n < 1 || n > 32766 {
			return nil, p.errorf("variable number must be between ?1 and ?32766")
		}
		p.params = max(p.params, n)
		return &Param{Index: n}, nil
	}
	if idx, ok := p.names[text]; ok {
		return &Param{Index: idx, Name: text}, nil
	}
	if p.names == nil {
		p.names = make(map[string]int)
	}
	p.params++
	p.names[text] = p.params
	return &Param{Index: p.params, Name: text}, nil
}

func (p *parser) parseIdentExpr() (Expr, error) {
	t := p.peek()
	if t.Type == tokIdent {
		switch strings.ToUpper(t.Value) {
		case "NULL":
			p.pos++
			return &Literal{}, nil
		case "TRUE":
			p.pos++
			return &Literal{Value: int64(1)}, nil
		case "FALSE":
			p.pos++
			return &Literal{Value: int64(0)}, nil
		case "CAST":
			p.pos++
			return p.parseCast()
		}
		if isOpToken(p.peekAt(1), "(") {
			p.pos += 2
			return p.parseCall(strings.ToUpper(t.Value))
		}
	}
	name, err := p.ident("column name")
	if err != nil {
		return nil, err
	}
	if !p.op(".") {
		return &ColumnRef{Column: name}, nil
	}
	col, err := p.ident("column name")
	if err != nil {
		return nil, err
	}
	return &ColumnRef{Table: name, Column: col}, nil
}

func (p *parser) parseCast() (Expr, error) {
	if err := p.expectOp("("); err != nil {
		return nil, err
	}
	x, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("AS"); err != nil {
		return nil, err
	}
	typ := p.parseTypeName()
	if typ == "" {
		return nil, p.errorf("expected a type name")
	}
	return &CastExpr{X: x, Type: typ}, p.expectOp(")")
}

func (p *parser) parseCall(name string) (Expr, error) {
	call := &FuncCall{Name: name}
	if p.op("*") {
		call.Star = true
		return call, p.expectOp(")")
	}
	if p.op(")") {
		return call, nil
	}
	call.Distinct = p.keyword("DISTINCT")
	args, err := p.parseExprList()
	if err != nil {
		return nil, err
	}
	call.Args = args
	return call, p.expectOp(")")
}

func (p *parser) parseExprList() ([]Expr, error) {
	var list []Expr
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		list = append(list, e)
		if !p.op(",") {
			return list, nil
		}
	}
}
