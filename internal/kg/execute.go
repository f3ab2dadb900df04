package kg

import (
	"context"
	"fmt"

	"inputlayer/internal/codegen"
	"inputlayer/internal/coreerr"
	"inputlayer/internal/hnsw"
	"inputlayer/internal/ir"
	"inputlayer/internal/langparse"
	"inputlayer/internal/notify"
	"inputlayer/internal/runtime"
	"inputlayer/internal/schema"
	"inputlayer/internal/value"
)

// Insert applies one tuple to relation at the next logical time (spec
// §4.4 then §4.5): validated against any registered schema, written to
// the WAL, then handed to the worker, which fans it out to the
// derived-relations manager; applyDelta then feeds any declared HNSW index.
func (kg *KnowledgeGraph) Insert(ctx context.Context, relation string, t value.Tuple) error {
	return kg.applyDelta(ctx, relation, runtime.Update{Tuple: t, Time: kg.clock(), Diff: 1})
}

// BulkInsert applies every tuple at the same logical time (spec §4.3's
// bulk-insert form). The tuples still go through applyDelta one at a time,
// so a read that runs while the loop is in progress can see part of the
// batch.
func (kg *KnowledgeGraph) BulkInsert(ctx context.Context, relation string, tuples []value.Tuple) error {
	t := kg.clock()
	for _, tup := range tuples {
		if err := kg.applyDelta(ctx, relation, runtime.Update{Tuple: tup, Time: t, Diff: 1}); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes one tuple by value.
func (kg *KnowledgeGraph) Delete(ctx context.Context, relation string, t value.Tuple) error {
	return kg.applyDelta(ctx, relation, runtime.Update{Tuple: t, Time: kg.clock(), Diff: -1})
}

// ConditionalDelete evaluates body against the current (pre-delete)
// snapshot, binds headVars from each matching row, and deletes every
// resulting tuple as one batch at a single logical time (spec §9 open
// question: the delete set is computed once against the old snapshot,
// never against its own partial output).
func (kg *KnowledgeGraph) ConditionalDelete(ctx context.Context, relation string, headVars []langparse.Term, body []langparse.Literal) error {
	plan, err := ir.LowerBody(body, kg)
	if err != nil {
		return err
	}
	rows, err := kg.evalPlan(codegen.GenerateQuery(plan))
	if err != nil {
		return err
	}
	toDelete, err := projectRows(rows, headVars)
	if err != nil {
		return err
	}
	t := kg.clock()
	for _, tup := range toDelete {
		if err := kg.applyDelta(ctx, relation, runtime.Update{Tuple: tup, Time: t, Diff: -1}); err != nil {
			return err
		}
	}
	return nil
}

// applyDelta is the single write path every Insert/Delete variant funnels
// through: schema validation, WAL durability, the runtime worker (base
// relation + derived fan-out), HNSW fan-out, then a shard flush once
// enough updates have accumulated (spec §4.8: shards hold only the
// updates the WAL has already made durable, so a flush never risks data
// the WAL hasn't already recorded).
func (kg *KnowledgeGraph) applyDelta(ctx context.Context, relation string, u runtime.Update) error {
	if _, ok := kg.schemas.Get(relation); ok {
		if err := kg.schemas.ValidateInsert(relation, u.Tuple); err != nil {
			return err
		}
	}
	if _, err := kg.shardFor(relation); err != nil {
		return err
	}
	if err := kg.wal.Append(kg.Name+":"+relation, u); err != nil {
		return err
	}
	if err := kg.worker.InsertDelta(ctx, relation, u); err != nil {
		return err
	}
	kg.rememberArity(relation, u.Tuple.Arity())
	var idxErr error
	if u.Diff < 0 {
		idxErr = kg.indexes.OnDelete(relation, u.Tuple)
	} else {
		idxErr = kg.indexes.OnInsert(relation, u.Tuple, kg.columnsOf(relation))
	}
	if idxErr != nil {
		kg.log.Warnw("index update failed", "relation", relation, "error", idxErr)
	}
	kg.bufferForShard(relation, u)

	op := notify.OpInsert
	if u.Diff < 0 {
		op = notify.OpDelete
	}
	kg.emit(notify.KindPersistentUpdate, op, relation, "", "", 1)
	return nil
}

// bufferForShard accumulates u for relation's shard and flushes a new
// columnar batch once the buffer reaches opts.WALBatchSize (spec §4.8's
// "auto-compacts once its batch count exceeds a configured threshold"
// extended one level down to how batches themselves accumulate).
func (kg *KnowledgeGraph) bufferForShard(relation string, u runtime.Update) {
	kg.shardBufMu.Lock()
	if kg.pendingByRelation == nil {
		kg.pendingByRelation = map[string][]runtime.Update{}
	}
	kg.pendingByRelation[relation] = append(kg.pendingByRelation[relation], u)
	buffered := kg.pendingByRelation[relation]
	flush := len(buffered) >= kg.opts.WALBatchSize
	var batch []runtime.Update
	if flush {
		batch = buffered
		kg.pendingByRelation[relation] = nil
	}
	kg.shardBufMu.Unlock()

	if !flush {
		return
	}
	shard, err := kg.shardFor(relation)
	if err != nil {
		kg.log.Errorw("shard lookup failed during flush", "relation", relation, "error", err)
		return
	}
	lower := shard.Meta().Upper
	upper := kg.clock() + 1
	if err := shard.WriteBatch(batch, lower, upper); err != nil {
		kg.log.Errorw("shard flush failed", "relation", relation, "error", err)
	}
}

// Query evaluates body (a `?...` statement's literals) against a
// consistent read barrier (spec §4.5 ReadConsistent) merging live base
// sessions with the derived-relations manager's published snapshot, and
// returns the resulting rows.
func (kg *KnowledgeGraph) Query(body []langparse.Literal) ([]runtime.Row, error) {
	plan, err := ir.LowerBody(body, kg)
	if err != nil {
		return nil, err
	}
	return kg.evalPlan(codegen.GenerateQuery(plan))
}

func (kg *KnowledgeGraph) evalPlan(plan *codegen.Plan) ([]runtime.Row, error) {
	return kg.EvalPlan(plan, nil)
}

// EvalPlan evaluates plan against the merged base+derived view, with
// overlay's relations layered on top (shadowing a base or derived relation
// of the same name). Exported for internal/session, which lowers and
// compiles session-local rule bodies itself (against a schema lookup that
// also knows about session-only relations) and needs only the shared
// evaluator here, not kg's own lowering of ad hoc queries.
func (kg *KnowledgeGraph) EvalPlan(plan *codegen.Plan, overlay map[string][]value.Tuple) ([]runtime.Row, error) {
	return kg.worker.ReadConsistent(func(sessions map[string]*runtime.Session, asOf uint64) ([]runtime.Row, error) {
		merged := kg.mergeWithDerived(sessions)
		for rel, tuples := range overlay {
			arity := 0
			if len(tuples) > 0 {
				arity = tuples[0].Arity()
			}
			sess := runtime.NewSession(rel, arity)
			for _, t := range tuples {
				sess.Insert(t, 0)
			}
			merged[rel] = sess
		}
		ctx := &runtime.EvalContext{Sessions: merged, AsOf: asOf, Probe: kg.indexes.Prober()}
		return runtime.Eval(plan.Body, ctx)
	})
}

// mergeWithDerived overlays the derived-relations manager's last
// published snapshot on top of the worker's live base sessions: base
// relations read straight from the worker (so inserts since the last
// materialization are visible to ad hoc queries over base relations),
// while derived relations read from the already-materialized snapshot
// (spec §4.6: derived relations are recomputed on base-relation change
// notifications, not on every read).
func (kg *KnowledgeGraph) mergeWithDerived(base map[string]*runtime.Session) map[string]*runtime.Session {
	merged := make(map[string]*runtime.Session, len(base))
	for rel, sess := range base {
		merged[rel] = sess
	}
	snap := kg.derived.Snapshot()
	if snap == nil {
		return merged
	}
	for rel, tuples := range snap.Derived {
		if _, ok := merged[rel]; ok {
			continue
		}
		arity := 0
		if len(tuples) > 0 {
			arity = tuples[0].Arity()
		}
		sess := runtime.NewSession(rel, arity)
		for _, t := range tuples {
			sess.Insert(t, 0)
		}
		merged[rel] = sess
	}
	return merged
}

// RegisterRule persists and materializes src (`+h <- body.`) under name.
func (kg *KnowledgeGraph) RegisterRule(name, src string) error {
	return kg.rules.Register(name, src)
}

// RemoveRule unmaterializes and forgets the named rule.
func (kg *KnowledgeGraph) RemoveRule(name string) error {
	return kg.rules.Remove(name)
}

// RegisterSchema registers decl's typed schema, persisted if persistent is
// true (spec §4.4: "schemas can be introduced after data exists" —
// existing tuples are validated, not discarded, and registration is
// rejected atomically on the first violation).
func (kg *KnowledgeGraph) RegisterSchema(decl langparse.SchemaStmt, persistent bool) error {
	s := schema.FromDecl(decl)
	existing := func(relation string) []value.Tuple {
		return kg.consolidatedOf(relation)
	}
	if persistent {
		return kg.schemas.RegisterPersistent(s, existing)
	}
	return kg.schemas.RegisterSession(s, existing)
}

// consolidatedOf reads relation's current net tuple set from the live
// worker session, unbounded by any frontier. It runs the lookup inside a
// ReadConsistent closure (the only place the worker's Sessions map may be
// read) and captures the result through sess rather than Row bindings,
// since a bare tuple set has no variable names to bind.
func (kg *KnowledgeGraph) consolidatedOf(relation string) []value.Tuple {
	var tuples []value.Tuple
	_, _ = kg.worker.ReadConsistent(func(sessions map[string]*runtime.Session, asOf uint64) ([]runtime.Row, error) {
		if sess, ok := sessions[relation]; ok {
			for _, u := range sess.Consolidated(^uint64(0)) {
				tuples = append(tuples, u.Tuple)
			}
		}
		return nil, nil
	})
	return tuples
}

// CreateIndex declares a new HNSW index over a relation's vector column.
func (kg *KnowledgeGraph) CreateIndex(decl hnsw.Declaration) error {
	return kg.indexes.Create(decl)
}

// DropIndex removes a declared HNSW index.
func (kg *KnowledgeGraph) DropIndex(name string) error {
	return kg.indexes.Drop(name)
}

// RebuildIndex rebuilds a declared HNSW index from scratch.
func (kg *KnowledgeGraph) RebuildIndex(name string) error {
	return kg.indexes.Rebuild(name)
}

// columnsOf returns relation's column names for HNSW indexing: the typed
// schema's names when registered, otherwise synthesized positional names
// ("c0", "c1", ...), since an untyped relation with live data must still
// be indexable (spec §4.4's "schemas can be introduced after data exists"
// extends to index declarations over pre-existing relations).
func (kg *KnowledgeGraph) columnsOf(relation string) []string {
	if s, ok := kg.schemas.Get(relation); ok {
		names := make([]string, len(s.Columns))
		for i, c := range s.Columns {
			names[i] = c.Name
		}
		return names
	}
	arity, _ := kg.Arity(relation)
	names := make([]string, arity)
	for i := range names {
		names[i] = fmt.Sprintf("c%d", i)
	}
	return names
}

// projectRows reads headVars (variable names) out of each row's binding,
// in order, building one tuple per row. Only langparse.Var terms are
// supported in a conditional-delete head; anything else is rejected since
// the head simply names which bound variables to project.
func projectRows(rows []runtime.Row, headVars []langparse.Term) ([]value.Tuple, error) {
	names := make([]string, len(headVars))
	for i, t := range headVars {
		v, ok := t.(langparse.Var)
		if !ok {
			return nil, coreerr.Validation("conditional delete head must name bound variables", nil)
		}
		names[i] = v.Name
	}
	out := make([]value.Tuple, 0, len(rows))
	for _, r := range rows {
		vals := make([]value.Value, len(names))
		for i, n := range names {
			bound, ok := r.Bind[n]
			if !ok {
				return nil, coreerr.Validation(fmt.Sprintf("conditional delete head variable %q not bound by body", n), nil)
			}
			vals[i] = bound
		}
		out = append(out, value.NewTuple(vals...))
	}
	return out, nil
}
