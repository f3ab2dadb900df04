// Package storage implements L10: the storage engine, the process-wide
// entry point that owns every KnowledgeGraph by name, a monotonic
// logical clock shared across all of them, and the on-disk process
// identity file (spec §4.10).
//
// A name-keyed map of KnowledgeGraphs behind one mutex; opening or
// dropping a graph is the only operation that needs the write lock, reads
// and lookups take the read lock.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"inputlayer/internal/coreerr"
	"inputlayer/internal/kg"
	"inputlayer/internal/logging"
	"inputlayer/internal/notify"
)

// identity is the on-disk process-identity record written to
// <data_dir>/metadata/engine.toml on first start and read back on every
// subsequent start, so restarts are attributable to the same process
// lineage across logs (spec §4.10).
type identity struct {
	EngineID  string    `toml:"engine_id"`
	StartedAt time.Time `toml:"started_at"`
}

// Engine is the process-wide storage engine: every open KnowledgeGraph,
// keyed by name, plus the logical clock every KG's writes are stamped
// from.
type Engine struct {
	mu   sync.RWMutex
	kgs  map[string]*kg.KnowledgeGraph
	hubs map[string]*notify.Hub

	dataDir  string
	opts     kg.Options
	clockSeq uint64

	id  identity
	log *zap.SugaredLogger
}

// eventBufferSize bounds each KG's notification ring buffer (spec §6:
// "used for reconnect replay via a bounded ring buffer").
const eventBufferSize = 1024

// Open loads (or creates) dataDir's process identity file and returns a
// ready Engine. It does not itself open any KnowledgeGraph; call Create
// or OpenKG per name.
func Open(dataDir string, opts kg.Options) (*Engine, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "metadata"), 0o755); err != nil {
		return nil, coreerr.Persist("failed to create metadata directory", err)
	}
	id, err := loadOrCreateIdentity(dataDir)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		kgs:     map[string]*kg.KnowledgeGraph{},
		hubs:    map[string]*notify.Hub{},
		dataDir: dataDir,
		opts:    opts,
		id:      id,
		log:     logging.Named(logging.CategoryStorage),
	}
	e.log.Infow("storage engine started", "engine_id", id.EngineID, "data_dir", dataDir)
	return e, nil
}

func loadOrCreateIdentity(dataDir string) (identity, error) {
	path := filepath.Join(dataDir, "metadata", "engine.toml")
	var id identity
	if _, err := toml.DecodeFile(path, &id); err == nil {
		return id, nil
	} else if !os.IsNotExist(err) {
		return identity{}, coreerr.Corruption("engine identity file is corrupt", err)
	}

	id = identity{EngineID: uuid.NewString(), StartedAt: time.Now()}
	f, err := os.Create(path)
	if err != nil {
		return identity{}, coreerr.Persist("failed to create engine identity file", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(id); err != nil {
		return identity{}, coreerr.Persist("failed to write engine identity file", err)
	}
	return id, nil
}

// EngineID is this process's stable identity, persisted across restarts.
func (e *Engine) EngineID() string { return e.id.EngineID }

// clock is the process-wide monotonic logical clock every KnowledgeGraph
// under this Engine shares (spec §4.10): a single atomic counter, not a
// wall-clock reading, so ordering is exact regardless of host clock skew.
func (e *Engine) clock() uint64 {
	return atomic.AddUint64(&e.clockSeq, 1)
}

// hubForLocked returns name's notification hub, creating it on first use.
// Callers must hold e.mu.
func (e *Engine) hubForLocked(name string) *notify.Hub {
	if h, ok := e.hubs[name]; ok {
		return h
	}
	h := notify.NewHub(name, eventBufferSize)
	e.hubs[name] = h
	return h
}

// Hub returns name's notification hub (creating it if this is the first
// reference), so a session layer can subscribe for reconnect replay even
// before the named KG has ever been opened in this process.
func (e *Engine) Hub(name string) *notify.Hub {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hubForLocked(name)
}

func (e *Engine) openOptions(name string) kg.Options {
	opts := e.opts
	hub := e.hubForLocked(name)
	opts.OnEvent = func(ev notify.Event) {
		hub.Publish(ev.Kind, ev.Op, ev.Relation, ev.Rule, ev.Entity, ev.Count)
	}
	return opts
}

// Create opens a brand-new (or recovers an existing) KnowledgeGraph under
// name and registers it with the engine.
func (e *Engine) Create(name string) (*kg.KnowledgeGraph, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.kgs[name]; exists {
		return nil, coreerr.Conflict(fmt.Sprintf("knowledge graph %q already open", name), nil)
	}
	g, err := kg.Open(e.dataDir, name, e.clock, e.openOptions(name))
	if err != nil {
		return nil, err
	}
	e.kgs[name] = g
	e.hubForLocked(name).Publish(notify.KindKGChange, notify.OpCreated, "", "", name, 0)
	return g, nil
}

// Get returns the named KnowledgeGraph, opening it from disk if it exists
// there but isn't currently loaded.
func (e *Engine) Get(name string) (*kg.KnowledgeGraph, error) {
	e.mu.RLock()
	g, ok := e.kgs[name]
	e.mu.RUnlock()
	if ok {
		return g, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if g, ok := e.kgs[name]; ok {
		return g, nil
	}
	if _, err := os.Stat(filepath.Join(e.dataDir, name)); err != nil {
		return nil, coreerr.NotFound(fmt.Sprintf("no such knowledge graph %q", name), nil)
	}
	g, err := kg.Open(e.dataDir, name, e.clock, e.openOptions(name))
	if err != nil {
		return nil, err
	}
	e.kgs[name] = g
	return g, nil
}

// List returns every currently loaded KnowledgeGraph's name.
func (e *Engine) List() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.kgs))
	for name := range e.kgs {
		names = append(names, name)
	}
	return names
}

// Drop closes and deletes the named KnowledgeGraph's on-disk state. It
// refuses while any session holds a live reference (refs > 0).
func (e *Engine) Drop(ctx context.Context, name string, refs int) error {
	if refs > 0 {
		return coreerr.Conflict(fmt.Sprintf("knowledge graph %q has %d live session reference(s)", name, refs), nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if g, ok := e.kgs[name]; ok {
		if err := g.Close(); err != nil {
			return err
		}
		delete(e.kgs, name)
	}
	if err := os.RemoveAll(filepath.Join(e.dataDir, name)); err != nil {
		return err
	}
	e.hubForLocked(name).Publish(notify.KindKGChange, notify.OpDropped, "", "", name, 0)
	return nil
}

// Close shuts down every open KnowledgeGraph.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for name, g := range e.kgs {
		if err := g.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing %q: %w", name, err)
		}
	}
	e.kgs = map[string]*kg.KnowledgeGraph{}
	return firstErr
}
