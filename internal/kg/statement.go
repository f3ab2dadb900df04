package kg

import (
	"context"
	"fmt"

	"inputlayer/internal/coreerr"
	"inputlayer/internal/hnsw"
	"inputlayer/internal/langparse"
	"inputlayer/internal/value"
)

// defaultIndexParams are the construction/search knobs used when
// `.index create` omits explicit tuning.
var defaultIndexParams = hnsw.Params{M: 16, EfConstruction: 200, EfSearch: 64}

// Execute parses and runs one program of statements against kg, returning
// one result per statement (nil for statements with no rows to report,
// []runtime.Row for queries). This is the non-session entry point;
// internal/session wraps it to apply the session-rule/session-fact
// overlay spec §6 requires before delegating here for anything
// persistent.
func (kg *KnowledgeGraph) Execute(ctx context.Context, src string) ([]interface{}, error) {
	prog, err := langparse.Parse(src)
	if err != nil {
		return nil, err
	}
	results := make([]interface{}, len(prog.Statements))
	for i, stmt := range prog.Statements {
		r, err := kg.ExecuteStatement(ctx, stmt)
		if err != nil {
			return results, err
		}
		results[i] = r
	}
	return results, nil
}

// ExecuteStatement runs one already-parsed statement against kg. Exported
// so internal/session can intercept session-scoped statements (a
// non-persistent RuleStmt, `.kg`, `.session`) itself and delegate
// everything else here without re-parsing or re-serializing source text.
func (kg *KnowledgeGraph) ExecuteStatement(ctx context.Context, stmt langparse.Statement) (interface{}, error) {
	switch s := stmt.(type) {
	case langparse.RuleStmt:
		return nil, kg.RegisterRule(s.Head.Relation, langparse.Display(s))
	case langparse.FactStmt:
		return nil, kg.executeFact(ctx, s)
	case langparse.QueryStmt:
		return kg.Query(s.Body)
	case langparse.SchemaStmt:
		return nil, kg.RegisterSchema(s, true)
	case langparse.MetaCommand:
		return kg.executeMeta(s)
	default:
		return nil, coreerr.Internal(fmt.Sprintf("unhandled statement type %T", stmt), nil)
	}
}

func (kg *KnowledgeGraph) executeFact(ctx context.Context, s langparse.FactStmt) error {
	if s.Delete {
		if s.CondBody != nil {
			return kg.ConditionalDelete(ctx, s.Relation, s.Tuples[0], s.CondBody)
		}
		for _, terms := range s.Tuples {
			t, err := constTuple(terms)
			if err != nil {
				return err
			}
			if err := kg.Delete(ctx, s.Relation, t); err != nil {
				return err
			}
		}
		return nil
	}
	tuples := make([]value.Tuple, 0, len(s.Tuples))
	for _, terms := range s.Tuples {
		t, err := constTuple(terms)
		if err != nil {
			return err
		}
		tuples = append(tuples, t)
	}
	return kg.BulkInsert(ctx, s.Relation, tuples)
}

// constTuple builds a value.Tuple out of a fact's argument terms, which
// must all be Const (a fact names concrete values, never variables).
func constTuple(terms []langparse.Term) (value.Tuple, error) {
	vals := make([]value.Value, len(terms))
	for i, t := range terms {
		c, ok := t.(langparse.Const)
		if !ok {
			return value.Tuple{}, coreerr.Validation("fact arguments must be constants", nil)
		}
		vals[i] = c.Value
	}
	return value.NewTuple(vals...), nil
}

// executeMeta handles the subset of leading-dot administrative commands
// that are KG-local (rule/index lifecycle, compaction). m.Name carries the
// command word without its leading dot. `.kg` and `.session` are handled
// by internal/session before a command reaches here; any other name,
// `.user` and `.apikey` included, is rejected with a validation error.
func (kg *KnowledgeGraph) executeMeta(m langparse.MetaCommand) (interface{}, error) {
	switch m.Name {
	case "index":
		return kg.executeIndexCommand(m.Args)
	case "rule":
		if len(m.Args) >= 2 && m.Args[0] == "remove" {
			return nil, kg.RemoveRule(m.Args[1])
		}
		if len(m.Args) >= 1 && m.Args[0] == "list" {
			return kg.rules.List(), nil
		}
		return nil, coreerr.Validation(fmt.Sprintf("unrecognized .rule subcommand %v", m.Args), nil)
	case "compact":
		if len(m.Args) < 1 {
			return nil, coreerr.Validation(".compact requires a relation name", nil)
		}
		shard, err := kg.shardFor(m.Args[0])
		if err != nil {
			return nil, err
		}
		return nil, shard.Compact()
	default:
		return nil, coreerr.Validation(fmt.Sprintf("unrecognized meta command %q (handled by a higher layer)", m.Name), nil)
	}
}

func (kg *KnowledgeGraph) executeIndexCommand(args []string) (interface{}, error) {
	if len(args) == 0 {
		return nil, coreerr.Validation(".index requires a subcommand", nil)
	}
	switch args[0] {
	case "create":
		if len(args) < 4 {
			return nil, coreerr.Validation(".index create requires name, relation, column", nil)
		}
		decl := hnsw.Declaration{
			Name:     args[1],
			Relation: args[2],
			Column:   args[3],
			Metric:   hnsw.Cosine,
			Params:   defaultIndexParams,
		}
		if len(args) > 4 {
			if m, ok := parseMetric(args[4]); ok {
				decl.Metric = m
			}
		}
		return nil, kg.CreateIndex(decl)
	case "drop":
		if len(args) < 2 {
			return nil, coreerr.Validation(".index drop requires a name", nil)
		}
		return nil, kg.DropIndex(args[1])
	case "rebuild":
		if len(args) < 2 {
			return nil, coreerr.Validation(".index rebuild requires a name", nil)
		}
		return nil, kg.RebuildIndex(args[1])
	default:
		return nil, coreerr.Validation(fmt.Sprintf("unrecognized .index subcommand %q", args[0]), nil)
	}
}

func parseMetric(s string) (hnsw.Metric, bool) {
	switch hnsw.Metric(s) {
	case hnsw.Cosine, hnsw.Euclidean, hnsw.Dot, hnsw.Manhattan:
		return hnsw.Metric(s), true
	default:
		return "", false
	}
}
