package langparse

import (
	"fmt"
	"strings"

	"inputlayer/internal/value"
)

// Display renders an AST node back to source text satisfying the round-trip
// property required by spec §8 property 1: parse(Display(node)) == node.
func Display(s Statement) string {
	switch n := s.(type) {
	case FactStmt:
		return displayFact(n)
	case RuleStmt:
		return displayRule(n)
	case QueryStmt:
		return fmt.Sprintf("?%s.", displayBody(n.Body))
	case SchemaStmt:
		return displaySchema(n)
	case MetaCommand:
		return displayMeta(n)
	default:
		return fmt.Sprintf("<?unknown statement %T>", s)
	}
}

func displayFact(f FactStmt) string {
	sigil := "+"
	if f.Delete {
		sigil = "-"
	}
	if f.Delete && f.CondBody != nil {
		return fmt.Sprintf("-%s%s <- %s.", f.Relation, displayTerms(f.Tuples[0]), displayBody(f.CondBody))
	}
	if len(f.Tuples) == 1 {
		return fmt.Sprintf("%s%s%s.", sigil, f.Relation, displayTerms(f.Tuples[0]))
	}
	parts := make([]string, len(f.Tuples))
	for i, t := range f.Tuples {
		parts[i] = displayTerms(t)
	}
	return fmt.Sprintf("%s%s[%s].", sigil, f.Relation, strings.Join(parts, ", "))
}

func displayRule(r RuleStmt) string {
	sigil := ""
	if r.Persistent {
		sigil = "+"
	}
	return fmt.Sprintf("%s%s%s <- %s.", sigil, r.Head.Relation, displayHeadTerms(r.Head.Args), displayBody(r.Body))
}

func displaySchema(s SchemaStmt) string {
	parts := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		if c.Dim > 0 {
			parts[i] = fmt.Sprintf("%s:%s(%d)", c.Name, c.Type, c.Dim)
		} else {
			parts[i] = fmt.Sprintf("%s:%s", c.Name, c.Type)
		}
	}
	return fmt.Sprintf("+%s(%s).", s.Relation, strings.Join(parts, ", "))
}

func displayMeta(m MetaCommand) string {
	if len(m.Args) == 0 {
		return fmt.Sprintf(".%s", m.Name)
	}
	return fmt.Sprintf(".%s %s", m.Name, strings.Join(m.Args, " "))
}

func displayTerms(ts []Term) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = displayTerm(t)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func displayTerm(t Term) string {
	switch v := t.(type) {
	case Var:
		return v.Name
	case Wildcard:
		return "_"
	case Const:
		return displayConst(v)
	default:
		return fmt.Sprintf("<?term %T>", t)
	}
}

func displayConst(c Const) string {
	switch c.Value.Kind() {
	case value.KindNull:
		return "null"
	default:
		if b, ok := c.Value.AsBool(); ok {
			if b {
				return "true"
			}
			return "false"
		}
		if s, ok := c.Value.AsString(); ok {
			return fmt.Sprintf("%q", s)
		}
		if vec, ok := c.Value.AsVector(); ok {
			parts := make([]string, len(vec))
			for i, f := range vec {
				parts[i] = fmt.Sprintf("%g", f)
			}
			return "[" + strings.Join(parts, ", ") + "]"
		}
		if c.Value.Kind() == value.KindFloat64 {
			// %g drops the fraction of a whole float ("3"), which would
			// reparse as an int; keep a decimal point so the kind survives.
			s := c.Value.String()
			if !strings.ContainsAny(s, ".eEnN") {
				s += ".0"
			}
			return s
		}
		return c.Value.String()
	}
}

func displayHeadTerms(hts []HeadTerm) string {
	parts := make([]string, len(hts))
	for i, h := range hts {
		switch v := h.(type) {
		case Agg:
			argParts := make([]string, len(v.Args))
			for j, a := range v.Args {
				argParts[j] = displayTerm(a)
			}
			parts[i] = fmt.Sprintf("%s<%s>", v.FuncName, strings.Join(argParts, ", "))
		case Term:
			parts[i] = displayTerm(v)
		default:
			parts[i] = fmt.Sprintf("<?headterm %T>", h)
		}
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func displayBody(lits []Literal) string {
	parts := make([]string, len(lits))
	for i, l := range lits {
		parts[i] = displayLiteral(l)
	}
	return strings.Join(parts, ", ")
}

func displayLiteral(l Literal) string {
	switch v := l.(type) {
	case PosAtom:
		return displayAtom(v.Atom)
	case NegAtom:
		return "!" + displayAtom(v.Atom)
	case Compare:
		return fmt.Sprintf("%s %s %s", displayTerm(v.Left), v.Op, displayTerm(v.Right))
	default:
		return fmt.Sprintf("<?literal %T>", l)
	}
}

func displayAtom(a Atom) string {
	return a.Relation + displayTerms(a.Args)
}
