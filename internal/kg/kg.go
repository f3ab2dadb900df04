// Package kg implements L9: the knowledge graph. A KnowledgeGraph composes
// every lower layer behind one name — schema catalog (L7), rule catalog
// (L6), derived-relations manager (L5), incremental runtime (L4), persist
// layer (L8), and HNSW index registry (L11) — and is the unit the storage
// engine (L10) keys its top-level directory by (spec §4.10: "a named
// namespace owning relations, rules, indexes, schemas, and their persisted
// state").
//
// It is the composition root for one named graph: store, evaluator, and
// index layers are wired together behind a single KnowledgeGraph value so
// callers never reach into a sublayer directly.
package kg

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"inputlayer/internal/catalog"
	"inputlayer/internal/coreerr"
	"inputlayer/internal/derived"
	"inputlayer/internal/hnsw"
	"inputlayer/internal/ir"
	"inputlayer/internal/logging"
	"inputlayer/internal/notify"
	"inputlayer/internal/persist"
	"inputlayer/internal/runtime"
	"inputlayer/internal/schema"
	"inputlayer/internal/value"
)

// Clock supplies the monotonically increasing logical time stamped on
// every ingest. The storage engine (L10) owns the real process-wide clock
// and injects it here; tests inject their own.
type Clock func() uint64

// Options configures one KnowledgeGraph's persist layer and runtime.
type Options struct {
	DurabilityMode       persist.DurabilityMode
	MaxWALSizeBytes      int64
	WALBatchSize         int
	AutoCompactThreshold int
	CommandBufferSize    int
	HNSWSeed             int64

	// OnEvent receives every committed mutation this KG makes (spec §6
	// notifications). nil is a valid no-op subscriber; the storage engine
	// (L10) supplies a real one backed by a notify.Hub.
	OnEvent func(notify.Event)
}

// DefaultOptions mirrors internal/config's engine-wide defaults (spec
// §4.8: 64 MiB WAL rollover, immediate durability).
func DefaultOptions() Options {
	return Options{
		DurabilityMode:       persist.Immediate,
		MaxWALSizeBytes:      64 * 1024 * 1024,
		WALBatchSize:         100,
		AutoCompactThreshold: 16,
		CommandBufferSize:    1024,
		HNSWSeed:             1,
	}
}

// KnowledgeGraph is one named namespace: its schemas, rules, indexes, and
// runtime state, backed by one directory on disk.
type KnowledgeGraph struct {
	Name string
	dir  string

	clock Clock
	opts  Options
	log   *zap.SugaredLogger

	schemas *schema.Catalog
	rules   *catalog.Catalog
	derived *derived.Manager
	worker  *runtime.Worker
	indexes *hnsw.Registry

	wal    *persist.WAL
	shards struct {
		mu sync.Mutex
		m  map[string]*persist.Shard
	}

	// recoveredFrontiers records each relation's recovered upper bound
	// purely for diagnostics (`.status`); the worker's own frontier is
	// already correct from replaying every recovered update's own Time.
	recoveredFrontiers map[string]uint64

	arity struct {
		mu    sync.RWMutex
		known map[string]int
	}

	// shardBufMu/pendingByRelation buffer applied updates per relation
	// until bufferForShard's flush threshold, so a shard's columnar
	// batches cover many writes rather than one file per insert.
	shardBufMu        sync.Mutex
	pendingByRelation map[string][]runtime.Update

	// pendingRule stashes the compiled rule a Materialize/Unmaterialize
	// hook is about to act on so the worker's thin RegisterRule(name)/
	// RemoveRule(name) commands (spec §4.5's own command set) still
	// serialize rule changes through the same channel as writes, without
	// widening Command's payload: catalog.Register already holds its own
	// lock around the whole call, so only one registration is ever in
	// flight at a time.
	pendingMu   sync.Mutex
	pendingRule *derived.CompiledRule
}

// Arity implements ir.SchemaLookup: a typed schema's arity wins when
// registered, otherwise the arity observed from the relation's own data or
// from compiling a rule over it (spec §3: "schemas can be introduced
// after data exists" — rule/query safety only needs to know a relation's
// shape, not its column types).
func (kg *KnowledgeGraph) Arity(relation string) (int, bool) {
	if s, ok := kg.schemas.Get(relation); ok {
		return s.Arity(), true
	}
	kg.arity.mu.RLock()
	defer kg.arity.mu.RUnlock()
	n, ok := kg.arity.known[relation]
	return n, ok
}

func (kg *KnowledgeGraph) rememberArity(relation string, n int) {
	kg.arity.mu.Lock()
	defer kg.arity.mu.Unlock()
	if kg.arity.known == nil {
		kg.arity.known = map[string]int{}
	}
	if _, ok := kg.arity.known[relation]; !ok {
		kg.arity.known[relation] = n
	}
}

// Open recovers dataDir/name (if present) and starts a live KnowledgeGraph:
// load shard metas and WAL, replay them into fresh runtime sessions
// (spec §4.8 Recovery), wire the catalog/derived-manager/hnsw hooks, then
// replay the rule catalog in topological order (spec §4.7).
func Open(dataDir, name string, clock Clock, opts Options) (*KnowledgeGraph, error) {
	dir := filepath.Join(dataDir, name)

	sessions, frontiers, err := persist.Recover(dir, opts.AutoCompactThreshold)
	if err != nil {
		return nil, err
	}

	wal, err := persist.NewWAL(filepath.Join(dir, "wal"), opts.DurabilityMode, opts.MaxWALSizeBytes, opts.WALBatchSize)
	if err != nil {
		return nil, err
	}

	if warn, reason := persist.ProductionWarning(opts.DurabilityMode); warn {
		logging.Named(logging.CategoryWAL).Warnw("production durability warning", "kg", name, "reason", reason)
	}

	kg := &KnowledgeGraph{
		Name:    name,
		dir:     dir,
		clock:   clock,
		opts:    opts,
		log:     logging.Named(logging.CategoryStorage).With("kg", name),
		schemas: schema.NewCatalog(),
		indexes: hnsw.NewRegistry(opts.HNSWSeed),
		wal:     wal,
	}
	kg.shards.m = map[string]*persist.Shard{}
	kg.arity.known = map[string]int{}

	kg.worker = runtime.NewWorker(runtime.Hooks{
		OnRegisterRule:    kg.onRegisterRule,
		OnRemoveRule:      kg.onRemoveRule,
		OnSetMaterialized: kg.onSetMaterialized,
		OnBaseUpdate:      kg.onBaseUpdate,
	}, opts.CommandBufferSize)
	kg.derived = derived.NewManager(kg.worker)

	kg.rules = catalog.NewCatalog(filepath.Join(dir, "rules"), catalog.Hooks{
		Schema:        kg,
		Materialize:   kg.materialize,
		Unmaterialize: kg.unmaterialize,
	})

	ctx := context.Background()
	for relation, sess := range sessions {
		if _, err := kg.shardFor(relation); err != nil {
			return nil, err
		}
		updates := sess.Consolidated(^uint64(0))
		arity := 0
		if len(updates) > 0 {
			arity = updates[0].Tuple.Arity()
		}
		if err := kg.worker.AddRelation(relation, arity); err != nil {
			return nil, err
		}
		for _, u := range updates {
			// Replays recovered state straight into the worker's session,
			// never back through kg.wal: the WAL already holds these
			// records, and Append is only ever called from Insert/Delete.
			if err := kg.worker.InsertDelta(ctx, relation, u); err != nil {
				return nil, err
			}
			kg.rememberArity(relation, u.Tuple.Arity())
		}
	}
	kg.recoveredFrontiers = frontiers

	if err := kg.rules.Open(); err != nil {
		return nil, err
	}

	return kg, nil
}

// Close flushes the WAL and stops the runtime worker.
func (kg *KnowledgeGraph) Close() error {
	if err := kg.worker.Shutdown(); err != nil {
		return err
	}
	return kg.wal.Close()
}

func (kg *KnowledgeGraph) shardFor(relation string) (*persist.Shard, error) {
	kg.shards.mu.Lock()
	defer kg.shards.mu.Unlock()
	if s, ok := kg.shards.m[relation]; ok {
		return s, nil
	}
	s, err := persist.OpenShard(kg.dir, relation, kg.opts.AutoCompactThreshold)
	if err != nil {
		return nil, err
	}
	kg.shards.m[relation] = s
	return s, nil
}

// onBaseUpdate forwards a base-relation's freshly consolidated tuple set
// to the derived-relations manager (spec §4.6 step 1 onward). HNSW indexes
// are not fed from here; applyDelta routes each update to them.
func (kg *KnowledgeGraph) onBaseUpdate(relation string, tuples []value.Tuple) error {
	if err := kg.derived.NotifyBaseUpdate(relation, tuples); err != nil {
		return err
	}
	return nil
}

func (kg *KnowledgeGraph) onRegisterRule(name string) error {
	kg.pendingMu.Lock()
	rule := kg.pendingRule
	kg.pendingRule = nil
	kg.pendingMu.Unlock()
	if rule == nil {
		return coreerr.Internal(fmt.Sprintf("runtime: RegisterRule(%q) fired with no staged compiled rule", name), nil)
	}
	return kg.derived.RegisterRule(rule)
}

func (kg *KnowledgeGraph) onRemoveRule(name string) error {
	return kg.derived.RemoveRule(name)
}

func (kg *KnowledgeGraph) onSetMaterialized(relation string, on bool) error {
	if on {
		return nil
	}
	return kg.derived.RemoveRule(relation)
}

// materialize is catalog.Hooks.Materialize: it decides recursiveness by
// whether rule's own body ever scans its own head relation, lowers to a
// codegen.Plan, stages the result, and pings the runtime command channel
// so rule registration serializes with writes the same way every other
// mutation does.
func (kg *KnowledgeGraph) materialize(rule *ir.Rule, src string) error {
	kg.rememberArity(rule.HeadRelation, len(rule.HeadVars))
	plan := planFor(rule)

	kg.pendingMu.Lock()
	kg.pendingRule = &derived.CompiledRule{Relation: rule.HeadRelation, Plan: plan.Body, Recursive: plan.Recursive, Src: src}
	kg.pendingMu.Unlock()

	if err := kg.worker.RegisterRule(rule.HeadRelation); err != nil {
		return err
	}
	kg.emit(notify.KindRuleChange, notify.OpRegistered, "", rule.HeadRelation, "", 0)
	return nil
}

func (kg *KnowledgeGraph) unmaterialize(relation string) error {
	if err := kg.worker.RemoveRule(relation); err != nil {
		return err
	}
	kg.emit(notify.KindRuleChange, notify.OpRemoved, "", relation, "", 0)
	return nil
}

// emit publishes e through the KG's injected subscriber, if any (spec §6:
// every committed mutation emits one notification). Never fails a commit
// on the caller's behalf: a nil OnEvent is a legitimate no-op, and OnEvent
// itself is expected not to block.
func (kg *KnowledgeGraph) emit(kind notify.Kind, op notify.Op, relation, rule, entity string, count int) {
	if kg.opts.OnEvent == nil {
		return
	}
	kg.opts.OnEvent(notify.Event{Kind: kind, KG: kg.Name, Relation: relation, Rule: rule, Entity: entity, Op: op, Count: count})
}
