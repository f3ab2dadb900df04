package runtime

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"inputlayer/internal/coreerr"
	"inputlayer/internal/logging"
	"inputlayer/internal/value"
)

// CommandKind enumerates the runtime's command set (spec §4.5).
type CommandKind int

const (
	CmdInsertDelta CommandKind = iota
	CmdAdvanceTime
	CmdWaitUntilCaughtUp
	CmdAddRelation
	CmdRegisterRule
	CmdRemoveRule
	CmdSetMaterialized
	CmdNotifyBaseUpdate
	CmdReadConsistent
	CmdShutdown
)

// Command is one message on the worker's command channel.
type Command struct {
	Kind     CommandKind
	Relation string
	Delta    Update
	Arity    int
	Ack      chan error
	Result   chan []Row
	Plan     ReadPlanFn
}

// ReadPlanFn lets ReadConsistent carry a closure that builds (and
// evaluates) the caller's plan once the frontier has caught up, so the
// worker goroutine — the only goroutine allowed to touch Sessions — does
// the actual evaluation.
type ReadPlanFn func(sessions map[string]*Session, asOf uint64) ([]Row, error)

// Hooks lets the owning KG (L9) wire RegisterRule/RemoveRule/
// SetMaterialized/NotifyBaseUpdate through to the derived-relations
// manager (L5) without this package importing it (L5 imports L4, not the
// reverse). OnBaseUpdate carries the relation's full consolidated tuple
// set alongside its name: it runs synchronously inside the worker
// goroutine that owns Sessions, the only place that may read them
// directly, so the hook is handed the snapshot rather than having to call
// back into the worker (which would deadlock against its own command
// channel).
type Hooks struct {
	OnRegisterRule    func(name string) error
	OnRemoveRule      func(name string) error
	OnSetMaterialized func(relation string, on bool) error
	OnBaseUpdate      func(relation string, tuples []value.Tuple) error
}

// Worker is the single goroutine owning all mutable dataflow state for one
// KG: every read and write arrives as a Command over a channel rather than
// through a shared mutex, so writers never block on evaluation.
type Worker struct {
	cmds     chan Command
	sessions map[string]*Session
	maxWrite uint64
	frontier uint64
	hooks    Hooks
	log      *zap.SugaredLogger
}

// NewWorker creates and starts a Worker goroutine.
func NewWorker(hooks Hooks, bufferSize int) *Worker {
	w := &Worker{
		cmds:     make(chan Command, bufferSize),
		sessions: map[string]*Session{},
		hooks:    hooks,
		log:      logging.Named(logging.CategoryRuntime),
	}
	go w.run()
	return w
}

func (w *Worker) run() {
	for cmd := range w.cmds {
		switch cmd.Kind {
		case CmdAddRelation:
			if _, ok := w.sessions[cmd.Relation]; !ok {
				w.sessions[cmd.Relation] = NewSession(cmd.Relation, cmd.Arity)
			}
			ackOK(cmd.Ack)
		case CmdInsertDelta:
			sess, ok := w.sessions[cmd.Relation]
			if !ok {
				sess = NewSession(cmd.Relation, cmd.Delta.Tuple.Arity())
				w.sessions[cmd.Relation] = sess
			}
			sess.InsertDelta(cmd.Delta)
			if cmd.Delta.Time > w.maxWrite {
				w.maxWrite = cmd.Delta.Time
			}
			if w.hooks.OnBaseUpdate != nil {
				if err := w.hooks.OnBaseUpdate(cmd.Relation, consolidatedTuples(sess)); err != nil {
					w.log.Errorw("base update hook failed", "relation", cmd.Relation, "error", err)
				}
			}
			ackOK(cmd.Ack)
		case CmdAdvanceTime:
			if w.maxWrite+1 > w.frontier {
				w.frontier = w.maxWrite + 1
			}
			ackOK(cmd.Ack)
		case CmdWaitUntilCaughtUp:
			// Single-goroutine worker: by the time this command is
			// dequeued, every earlier InsertDelta has already been
			// applied, so "caught up" is immediate.
			ackOK(cmd.Ack)
		case CmdRegisterRule:
			err := callHook(w.hooks.OnRegisterRule, cmd.Relation)
			ackErr(cmd.Ack, err)
		case CmdRemoveRule:
			err := callHook(w.hooks.OnRemoveRule, cmd.Relation)
			ackErr(cmd.Ack, err)
		case CmdSetMaterialized:
			var err error
			if w.hooks.OnSetMaterialized != nil {
				err = w.hooks.OnSetMaterialized(cmd.Relation, cmd.Arity != 0)
			}
			ackErr(cmd.Ack, err)
		case CmdNotifyBaseUpdate:
			var err error
			if w.hooks.OnBaseUpdate != nil {
				err = w.hooks.OnBaseUpdate(cmd.Relation, consolidatedTuples(w.sessions[cmd.Relation]))
			}
			ackErr(cmd.Ack, err)
		case CmdReadConsistent:
			if w.maxWrite+1 > w.frontier {
				w.frontier = w.maxWrite + 1
			}
			if cmd.Plan != nil && cmd.Result != nil {
				rows, err := cmd.Plan(w.sessions, w.frontier)
				if err != nil {
					ackErr(cmd.Ack, err)
					continue
				}
				cmd.Result <- rows
			}
			ackOK(cmd.Ack)
		case CmdShutdown:
			ackOK(cmd.Ack)
			return
		}
	}
}

// consolidatedTuples reads sess's current net tuple set, unbounded by any
// frontier, for handing to a base-update hook; sess is nil when a relation
// has no session yet (e.g. a stray NotifyBaseUpdate before AddRelation).
func consolidatedTuples(sess *Session) []value.Tuple {
	if sess == nil {
		return nil
	}
	updates := sess.Consolidated(^uint64(0))
	out := make([]value.Tuple, len(updates))
	for i, u := range updates {
		out[i] = u.Tuple
	}
	return out
}

func callHook(fn func(string) error, arg string) error {
	if fn == nil {
		return nil
	}
	return fn(arg)
}

func ackOK(ack chan error) {
	if ack != nil {
		ack <- nil
	}
}

func ackErr(ack chan error, err error) {
	if ack != nil {
		ack <- err
	}
}

// InsertDelta enqueues a write and returns as soon as it is enqueued
// (spec §4.5's fire-and-forget invariant); it never waits for the worker
// to apply it. A full command channel is retried with bounded backoff
// before surfacing a KindRuntimeTransient error.
func (w *Worker) InsertDelta(ctx context.Context, relation string, u Update) error {
	op := func() error {
		select {
		case w.cmds <- Command{Kind: CmdInsertDelta, Relation: relation, Delta: u}:
			return nil
		default:
			return fmt.Errorf("command channel full")
		}
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return coreerr.Transient("runtime: command channel saturated", err)
	}
	return nil
}

// AddRelation registers a new base relation session synchronously.
func (w *Worker) AddRelation(relation string, arity int) error {
	ack := make(chan error, 1)
	w.cmds <- Command{Kind: CmdAddRelation, Relation: relation, Arity: arity, Ack: ack}
	return <-ack
}

// AdvanceTime bumps the frontier to max_write_time+1 without waiting for a
// read (used by `.compact` and similar administrative commands that need a
// closed frontier without a full ReadConsistent).
func (w *Worker) AdvanceTime() error {
	ack := make(chan error, 1)
	w.cmds <- Command{Kind: CmdAdvanceTime, Ack: ack}
	return <-ack
}

// WaitUntilCaughtUp blocks until every command enqueued before this call
// has been applied by the worker.
func (w *Worker) WaitUntilCaughtUp() error {
	ack := make(chan error, 1)
	w.cmds <- Command{Kind: CmdWaitUntilCaughtUp, Ack: ack}
	return <-ack
}

// ReadConsistent is the runtime's only read barrier: advance time to
// max_write_time+1, wait for the frontier to pass, then evaluate plan
// against the now-consistent session state (spec §4.5).
func (w *Worker) ReadConsistent(plan ReadPlanFn) ([]Row, error) {
	ack := make(chan error, 1)
	result := make(chan []Row, 1)
	w.cmds <- Command{Kind: CmdReadConsistent, Plan: plan, Ack: ack, Result: result}
	if err := <-ack; err != nil {
		return nil, err
	}
	return <-result, nil
}

// RegisterRule, RemoveRule, and SetMaterialized delegate to the
// derived-relations manager via Hooks, serialized through the same command
// channel as every other mutation so rule changes never race a concurrent
// read's frontier advance.
func (w *Worker) RegisterRule(name string) error {
	ack := make(chan error, 1)
	w.cmds <- Command{Kind: CmdRegisterRule, Relation: name, Ack: ack}
	return <-ack
}

func (w *Worker) RemoveRule(name string) error {
	ack := make(chan error, 1)
	w.cmds <- Command{Kind: CmdRemoveRule, Relation: name, Ack: ack}
	return <-ack
}

func (w *Worker) SetMaterialized(relation string, on bool) error {
	ack := make(chan error, 1)
	flag := 0
	if on {
		flag = 1
	}
	w.cmds <- Command{Kind: CmdSetMaterialized, Relation: relation, Arity: flag, Ack: ack}
	return <-ack
}

func (w *Worker) NotifyBaseUpdate(relation string) error {
	ack := make(chan error, 1)
	w.cmds <- Command{Kind: CmdNotifyBaseUpdate, Relation: relation, Ack: ack}
	return <-ack
}

// Shutdown stops the worker goroutine after every already-enqueued command
// drains.
func (w *Worker) Shutdown() error {
	ack := make(chan error, 1)
	w.cmds <- Command{Kind: CmdShutdown, Ack: ack}
	return <-ack
}
