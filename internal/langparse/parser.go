package langparse

import (
	"fmt"
	"strconv"

	"inputlayer/internal/coreerr"
	"inputlayer/internal/value"
)

// ParseError carries a line/column-tagged parse failure, matching spec
// §4.1 ("fails with structured errors carrying line/column").
type ParseError struct {
	Line, Col int
	Msg       string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%d:%d: %s", e.Line, e.Col, e.Msg)
}

// Parser is a hand-written recursive-descent parser over the token
// stream, rather than a generated grammar.
type Parser struct {
	lex  *Lexer
	cur  Token
	next Token
	err  error
}

// Parse parses src into a Program, or returns a wrapped coreerr parse error.
func Parse(src string) (*Program, error) {
	p := &Parser{lex: NewLexer(src)}
	if err := p.primeTokens(); err != nil {
		return nil, wrapParse(err)
	}

	prog := &Program{}
	for p.cur.Type != TokEOF {
		stmt, err := p.parseStatement()
		if err != nil {
			return nil, wrapParse(err)
		}
		prog.Statements = append(prog.Statements, stmt)
		if p.cur.Type == TokDot {
			p.advance()
		}
	}
	return prog, nil
}

func wrapParse(err error) error {
	if err == nil {
		return nil
	}
	return coreerr.Parse(err.Error(), nil)
}

func (p *Parser) primeTokens() error {
	t, err := p.lex.Next()
	if err != nil {
		return err
	}
	p.cur = t
	t2, err := p.lex.Next()
	if err != nil {
		return err
	}
	p.next = t2
	return nil
}

func (p *Parser) advance() error {
	p.cur = p.next
	t, err := p.lex.Next()
	if err != nil {
		return err
	}
	p.next = t
	return nil
}

func (p *Parser) expect(tt TokenType, what string) (Token, error) {
	if p.cur.Type != tt {
		return Token{}, &ParseError{p.cur.Line, p.cur.Col, fmt.Sprintf("expected %s, got %q", what, p.cur.Text)}
	}
	t := p.cur
	if err := p.advance(); err != nil {
		return Token{}, err
	}
	return t, nil
}

func (p *Parser) parseStatement() (Statement, error) {
	switch p.cur.Type {
	case TokMeta:
		return p.parseMetaCommand()
	case TokQuestion:
		return p.parseQuery()
	case TokPlus:
		return p.parsePlusStatement()
	case TokMinus:
		return p.parseMinusStatement()
	case TokIdentLower:
		return p.parseSessionRule()
	default:
		return nil, &ParseError{p.cur.Line, p.cur.Col, fmt.Sprintf("unexpected token %q at start of statement", p.cur.Text)}
	}
}

// rawArg is a parsed parenthesized-argument before we know whether the
// enclosing construct is a fact, a rule head, or a schema declaration.
type rawArg struct {
	isVar     bool
	varName   string
	isWild    bool
	isConst   bool
	constVal  value.Value
	isColumn  bool
	colName   string
	colType   string
	colDim    int
	isAgg     bool
	aggFunc   string
	aggArgs   []Term
}

func (p *Parser) parseArgList() ([]rawArg, error) {
	if _, err := p.expect(TokLParen, "'('"); err != nil {
		return nil, err
	}
	var args []rawArg
	if p.cur.Type != TokRParen {
		for {
			a, err := p.parseArg()
			if err != nil {
				return nil, err
			}
			args = append(args, a)
			if p.cur.Type == TokComma {
				if err := p.advance(); err != nil {
					return nil, err
				}
				continue
			}
			break
		}
	}
	if _, err := p.expect(TokRParen, "')'"); err != nil {
		return nil, err
	}
	return args, nil
}

func (p *Parser) parseArg() (rawArg, error) {
	switch p.cur.Type {
	case TokIdentUpper:
		name := p.cur.Text
		if err := p.advance(); err != nil {
			return rawArg{}, err
		}
		return rawArg{isVar: true, varName: name}, nil
	case TokUnderscore:
		if err := p.advance(); err != nil {
			return rawArg{}, err
		}
		return rawArg{isWild: true}, nil
	case TokInt:
		n, _ := strconv.ParseInt(p.cur.Text, 10, 64)
		if err := p.advance(); err != nil {
			return rawArg{}, err
		}
		return rawArg{isConst: true, constVal: value.Int64(n)}, nil
	case TokFloat:
		f, _ := strconv.ParseFloat(p.cur.Text, 64)
		if err := p.advance(); err != nil {
			return rawArg{}, err
		}
		return rawArg{isConst: true, constVal: value.Float64(f)}, nil
	case TokString:
		s := p.cur.Text
		if err := p.advance(); err != nil {
			return rawArg{}, err
		}
		return rawArg{isConst: true, constVal: value.String(s)}, nil
	case TokLBracket:
		return p.parseVectorLiteral()
	case TokIdentLower:
		return p.parseLowerArg()
	default:
		return rawArg{}, &ParseError{p.cur.Line, p.cur.Col, fmt.Sprintf("unexpected token %q in argument", p.cur.Text)}
	}
}

// parseLowerArg handles the ambiguous forms starting with a lowercase
// identifier: bool constants, column:type schema entries, and
// aggregation func<args> entries.
func (p *Parser) parseLowerArg() (rawArg, error) {
	name := p.cur.Text
	if err := p.advance(); err != nil {
		return rawArg{}, err
	}
	switch p.cur.Type {
	case TokColon:
		if err := p.advance(); err != nil {
			return rawArg{}, err
		}
		typTok, err := p.expect(TokIdentLower, "column type")
		if err != nil {
			return rawArg{}, err
		}
		col := rawArg{isColumn: true, colName: name, colType: typTok.Text}
		if p.cur.Type == TokLParen {
			if err := p.advance(); err != nil {
				return rawArg{}, err
			}
			dimTok, err := p.expect(TokInt, "vector dimension")
			if err != nil {
				return rawArg{}, err
			}
			dim, _ := strconv.Atoi(dimTok.Text)
			col.colDim = dim
			if _, err := p.expect(TokRParen, "')'"); err != nil {
				return rawArg{}, err
			}
		}
		return col, nil
	case TokLAngle:
		if err := p.advance(); err != nil {
			return rawArg{}, err
		}
		var aggArgs []Term
		for {
			t, err := p.parseTerm()
			if err != nil {
				return rawArg{}, err
			}
			aggArgs = append(aggArgs, t)
			if p.cur.Type == TokComma {
				if err := p.advance(); err != nil {
					return rawArg{}, err
				}
				continue
			}
			break
		}
		if _, err := p.expect(TokRAngle, "'>'"); err != nil {
			return rawArg{}, err
		}
		return rawArg{isAgg: true, aggFunc: name, aggArgs: aggArgs}, nil
	case TokLParen:
		// bare lowercase identifier followed by '(' is not a valid scalar
		// argument in this position (predicates never nest); report plainly.
		return rawArg{}, &ParseError{p.cur.Line, p.cur.Col, fmt.Sprintf("unexpected '(' after identifier %q", name)}
	default:
		switch name {
		case "true":
			return rawArg{isConst: true, constVal: value.Bool(true)}, nil
		case "false":
			return rawArg{isConst: true, constVal: value.Bool(false)}, nil
		case "desc", "asc":
			// Sort-direction marker inside an aggregation arg list, e.g.
			// top_k<2, N, S, desc>; represented as a string constant Term so
			// callers of parseTerm (used when already inside '<...>') get a
			// uniform Term shape.
			return rawArg{isConst: true, constVal: value.String(name)}, nil
		default:
			return rawArg{}, &ParseError{p.cur.Line, p.cur.Col, fmt.Sprintf("unexpected identifier %q", name)}
		}
	}
}

func (p *Parser) parseVectorLiteral() (rawArg, error) {
	if _, err := p.expect(TokLBracket, "'['"); err != nil {
		return rawArg{}, err
	}
	var fs []float32
	if p.cur.Type != TokRBracket {
		for {
			neg := false
			if p.cur.Type == TokMinus {
				neg = true
				if err := p.advance(); err != nil {
					return rawArg{}, err
				}
			}
			var f float64
			switch p.cur.Type {
			case TokInt:
				n, _ := strconv.ParseInt(p.cur.Text, 10, 64)
				f = float64(n)
			case TokFloat:
				f, _ = strconv.ParseFloat(p.cur.Text, 64)
			default:
				return rawArg{}, &ParseError{p.cur.Line, p.cur.Col, "expected numeric vector element"}
			}
			if neg {
				f = -f
			}
			fs = append(fs, float32(f))
			if err := p.advance(); err != nil {
				return rawArg{}, err
			}
			if p.cur.Type == TokComma {
				if err := p.advance(); err != nil {
					return rawArg{}, err
				}
				continue
			}
			break
		}
	}
	if _, err := p.expect(TokRBracket, "']'"); err != nil {
		return rawArg{}, err
	}
	return rawArg{isConst: true, constVal: value.Vector(fs)}, nil
}

// parseTerm parses a single Term (used inside aggregation argument lists
// and comparison literals).
func (p *Parser) parseTerm() (Term, error) {
	a, err := p.parseArg()
	if err != nil {
		return nil, err
	}
	return rawArgToTerm(a)
}

func rawArgToTerm(a rawArg) (Term, error) {
	switch {
	case a.isVar:
		return Var{Name: a.varName}, nil
	case a.isWild:
		return Wildcard{}, nil
	case a.isConst:
		return Const{Value: a.constVal}, nil
	default:
		return nil, fmt.Errorf("argument is not a valid term")
	}
}

func rawArgsToTerms(args []rawArg) ([]Term, error) {
	out := make([]Term, 0, len(args))
	for _, a := range args {
		t, err := rawArgToTerm(a)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func rawArgsToHeadTerms(args []rawArg) ([]HeadTerm, error) {
	out := make([]HeadTerm, 0, len(args))
	for _, a := range args {
		if a.isAgg {
			out = append(out, Agg{FuncName: a.aggFunc, Args: a.aggArgs})
			continue
		}
		t, err := rawArgToTerm(a)
		if err != nil {
			return nil, fmt.Errorf("invalid rule head argument: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

func rawArgsToColumns(args []rawArg) ([]ColumnDecl, bool) {
	out := make([]ColumnDecl, 0, len(args))
	for _, a := range args {
		if !a.isColumn {
			return nil, false
		}
		out = append(out, ColumnDecl{Name: a.colName, Type: a.colType, Dim: a.colDim})
	}
	return out, true
}

// parsePlusStatement handles `+rel(...)`, `+rel[(...),...]`, `+h <- body`,
// and `+rel(col:type,...)` (persistent rule vs. fact vs. schema, all share
// the `+` sigil).
func (p *Parser) parsePlusStatement() (Statement, error) {
	if err := p.advance(); err != nil { // consume '+'
		return nil, err
	}
	relTok, err := p.expect(TokIdentLower, "relation name")
	if err != nil {
		return nil, err
	}
	rel := relTok.Text

	if p.cur.Type == TokLBracket {
		tuples, err := p.parseBulkTuples()
		if err != nil {
			return nil, err
		}
		return FactStmt{Delete: false, Relation: rel, Tuples: tuples}, nil
	}

	args, err := p.parseArgList()
	if err != nil {
		return nil, err
	}

	if p.cur.Type == TokLArrow {
		if err := p.advance(); err != nil {
			return nil, err
		}
		headTerms, err := rawArgsToHeadTerms(args)
		if err != nil {
			return nil, err
		}
		body, err := p.parseBody()
		if err != nil {
			return nil, err
		}
		return RuleStmt{Persistent: true, Head: HeadAtom{Relation: rel, Args: headTerms}, Body: body}, nil
	}

	if cols, ok := rawArgsToColumns(args); ok && len(args) > 0 {
		return SchemaStmt{Relation: rel, Columns: cols}, nil
	}

	terms, err := rawArgsToTerms(args)
	if err != nil {
		return nil, err
	}
	return FactStmt{Delete: false, Relation: rel, Tuples: [][]Term{terms}}, nil
}

func (p *Parser) parseBulkTuples() ([][]Term, error) {
	if _, err := p.expect(TokLBracket, "'['"); err != nil {
		return nil, err
	}
	var tuples [][]Term
	if p.cur.Type != TokRBracket {
		for {
			args, err := p.parseArgList()
			if err != nil {
				return nil, err
			}
			terms, err := rawArgsToTerms(args)
			if err != nil {
				return nil, err
			}
			tuples = append(tuples, terms)
			if p.cur.Type == TokComma {
				if err := p.advance(); err != nil {
					return nil, err
				}
				continue
			}
			break
		}
	}
	if _, err := p.expect(TokRBracket, "']'"); err != nil {
		return nil, err
	}
	return tuples, nil
}

// parseMinusStatement handles `-rel(...)` (delete) and the conditional
// delete form `-rel(X) <- body`.
func (p *Parser) parseMinusStatement() (Statement, error) {
	if err := p.advance(); err != nil { // consume '-'
		return nil, err
	}
	relTok, err := p.expect(TokIdentLower, "relation name")
	if err != nil {
		return nil, err
	}
	args, err := p.parseArgList()
	if err != nil {
		return nil, err
	}
	terms, err := rawArgsToTerms(args)
	if err != nil {
		return nil, err
	}

	if p.cur.Type == TokLArrow {
		if err := p.advance(); err != nil {
			return nil, err
		}
		body, err := p.parseBody()
		if err != nil {
			return nil, err
		}
		return FactStmt{Delete: true, Relation: relTok.Text, Tuples: [][]Term{terms}, CondBody: body}, nil
	}
	return FactStmt{Delete: true, Relation: relTok.Text, Tuples: [][]Term{terms}}, nil
}

// parseSessionRule handles `h <- body` (a bare relation name starting a
// statement is always a session rule; persistent rules require the `+`
// sigil).
func (p *Parser) parseSessionRule() (Statement, error) {
	relTok, err := p.expect(TokIdentLower, "relation name")
	if err != nil {
		return nil, err
	}
	args, err := p.parseArgList()
	if err != nil {
		return nil, err
	}
	headTerms, err := rawArgsToHeadTerms(args)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokLArrow, "'<-'"); err != nil {
		return nil, err
	}
	body, err := p.parseBody()
	if err != nil {
		return nil, err
	}
	return RuleStmt{Persistent: false, Head: HeadAtom{Relation: relTok.Text, Args: headTerms}, Body: body}, nil
}

func (p *Parser) parseQuery() (Statement, error) {
	if err := p.advance(); err != nil { // consume '?'
		return nil, err
	}
	body, err := p.parseBody()
	if err != nil {
		return nil, err
	}
	return QueryStmt{Body: body}, nil
}

func (p *Parser) parseBody() ([]Literal, error) {
	var lits []Literal
	for {
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		lits = append(lits, lit)
		if p.cur.Type == TokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	return lits, nil
}

func (p *Parser) parseLiteral() (Literal, error) {
	negated := false
	if p.cur.Type == TokBang {
		negated = true
		if err := p.advance(); err != nil {
			return nil, err
		}
	}

	if p.cur.Type == TokIdentLower {
		// Could be predicate(...) or a lone identifier used in a comparison
		// (not supported as bare Term on the left without a variable, so we
		// require predicate form here).
		relTok := p.cur
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cur.Type != TokLParen {
			return nil, &ParseError{relTok.Line, relTok.Col, fmt.Sprintf("expected '(' after predicate %q", relTok.Text)}
		}
		args, err := p.parseArgList()
		if err != nil {
			return nil, err
		}
		terms, err := rawArgsToTerms(args)
		if err != nil {
			return nil, err
		}
		atom := Atom{Relation: relTok.Text, Args: terms}
		if negated {
			return NegAtom{Atom: atom}, nil
		}
		return PosAtom{Atom: atom}, nil
	}

	if negated {
		return nil, &ParseError{p.cur.Line, p.cur.Col, "'!' must precede a predicate atom"}
	}

	// Comparison literal: Term op Term.
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	op, err := p.parseCompareOp()
	if err != nil {
		return nil, err
	}
	right, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	return Compare{Left: left, Op: op, Right: right}, nil
}

func (p *Parser) parseCompareOp() (CompareOp, error) {
	var op CompareOp
	switch p.cur.Type {
	case TokEq:
		op = OpEq
	case TokNe:
		op = OpNe
	case TokLAngle:
		op = OpLt
	case TokLe:
		op = OpLe
	case TokRAngle:
		op = OpGt
	case TokGe:
		op = OpGe
	default:
		return "", &ParseError{p.cur.Line, p.cur.Col, fmt.Sprintf("expected comparison operator, got %q", p.cur.Text)}
	}
	if err := p.advance(); err != nil {
		return "", err
	}
	return op, nil
}

func (p *Parser) parseMetaCommand() (Statement, error) {
	name := p.cur.Text
	if err := p.advance(); err != nil {
		return nil, err
	}
	var args []string
	for p.cur.Type != TokDot && p.cur.Type != TokEOF {
		args = append(args, p.cur.Text)
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	return MetaCommand{Name: name, Args: args}, nil
}
