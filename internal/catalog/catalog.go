// Package catalog implements L6: the rule catalog (spec §4.7). Rule
// definitions persist as a JSON document under the KG directory; on
// registration the catalog stratifies the predicate-dependency graph,
// safety-checks the rule body, and (via Hooks) asks the derived-relations
// manager to compile and materialize it against the current snapshot.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"inputlayer/internal/coreerr"
	"inputlayer/internal/ir"
	"inputlayer/internal/langparse"
)

// RuleDef is one persisted rule: its name (the head relation, or an
// explicit alias for multiple rules sharing a head), and its source text
// (round-tripped through langparse.Display so `.rule def` can show it back
// verbatim).
type RuleDef struct {
	Name string `json:"name"`
	Src  string `json:"src"`
}

// document is the on-disk JSON shape: name -> source, written atomically
// (write-then-rename) like the persist layer's shard metas (spec §4.8).
type document struct {
	Rules []RuleDef `json:"rules"`
}

// Hooks lets the owning KG wire rule compilation/materialization through
// to L2 (ir.LowerRule) and L5 (the derived-relations manager) without this
// package importing either.
type Hooks struct {
	Schema         ir.SchemaLookup
	Materialize    func(rule *ir.Rule, src string) error
	Unmaterialize  func(relation string) error
}

// Catalog is the per-KG rule registry.
type Catalog struct {
	mu    sync.Mutex
	path  string
	rules []RuleDef
	graph *DepGraph
	hooks Hooks
}

// NewCatalog opens (or prepares to create) the catalog file at dir/rules.json.
func NewCatalog(dir string, hooks Hooks) *Catalog {
	return &Catalog{path: filepath.Join(dir, "rules.json"), graph: NewDepGraph(), hooks: hooks}
}

// Register parses src as a rule statement, stratifies and safety-checks
// it, persists it, and auto-materializes it (spec §4.7).
func (c *Catalog) Register(name, src string) error {
	stmt, err := langparse.Parse(src)
	if err != nil {
		return err
	}
	if len(stmt.Statements) != 1 {
		return coreerr.Validation("rule definition must be exactly one statement", nil)
	}
	ruleStmt, ok := stmt.Statements[0].(langparse.RuleStmt)
	if !ok {
		return coreerr.Validation("rule definition must be a rule (`h <- body.`)", nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	candidate := cloneGraph(c.graph)
	addRuleEdges(candidate, ruleStmt)
	if err := CheckStratification(candidate); err != nil {
		return coreerr.Validation("rule rejected: "+err.Error(), err)
	}

	compiled, err := ir.LowerRule(ruleStmt.Head, ruleStmt.Body, c.hooks.Schema)
	if err != nil {
		return coreerr.Validation("rule rejected: unsafe rule", err)
	}

	c.graph = candidate
	c.rules = upsertRule(c.rules, RuleDef{Name: name, Src: langparse.Display(ruleStmt)})
	if err := c.persist(); err != nil {
		return err
	}

	if c.hooks.Materialize != nil {
		if err := c.hooks.Materialize(compiled, src); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes the named rule and unmaterializes its relation.
func (c *Catalog) Remove(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := -1
	for i, r := range c.rules {
		if r.Name == name {
			idx = i
			break
		}
	}
	if idx == -1 {
		return coreerr.NotFound(fmt.Sprintf("no such rule %q", name), nil)
	}
	removed := c.rules[idx]
	c.rules = append(c.rules[:idx], c.rules[idx+1:]...)
	if err := c.persist(); err != nil {
		return err
	}
	if c.hooks.Unmaterialize != nil {
		return c.hooks.Unmaterialize(removed.Name)
	}
	return nil
}

// RemoveByPrefix deletes every rule whose name starts with p. p must be
// non-empty (spec §4.7: "non-empty p enforced") to prevent an accidental
// wipe of the entire catalog.
func (c *Catalog) RemoveByPrefix(p string) (int, error) {
	if p == "" {
		return 0, coreerr.Validation("remove_by_prefix requires a non-empty prefix", nil)
	}
	c.mu.Lock()
	var toRemove []string
	var kept []RuleDef
	for _, r := range c.rules {
		if strings.HasPrefix(r.Name, p) {
			toRemove = append(toRemove, r.Name)
		} else {
			kept = append(kept, r)
		}
	}
	c.rules = kept
	err := c.persist()
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if c.hooks.Unmaterialize != nil {
		for _, name := range toRemove {
			if err := c.hooks.Unmaterialize(name); err != nil {
				return len(toRemove), err
			}
		}
	}
	return len(toRemove), nil
}

// List returns every registered rule name in sorted order.
func (c *Catalog) List() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(c.rules))
	for i, r := range c.rules {
		names[i] = r.Name
	}
	sort.Strings(names)
	return names
}

// Show returns the round-tripped source of the named rule.
func (c *Catalog) Show(name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.rules {
		if r.Name == name {
			return r.Src, nil
		}
	}
	return "", coreerr.NotFound(fmt.Sprintf("no such rule %q", name), nil)
}

// Open loads the catalog file (if present) and replays every rule in
// topological order (spec §4.7: "On KG open, replays the catalog in
// topological order").
func (c *Catalog) Open() error {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return coreerr.Persist("failed to read rule catalog", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return coreerr.Corruption("rule catalog is corrupt", err)
	}

	byName := map[string]RuleDef{}
	graph := NewDepGraph()
	for _, r := range doc.Rules {
		byName[r.Name] = r
		stmt, err := langparse.Parse(r.Src)
		if err != nil {
			return coreerr.Corruption(fmt.Sprintf("rule %q failed to reparse on replay", r.Name), err)
		}
		ruleStmt := stmt.Statements[0].(langparse.RuleStmt)
		addRuleEdges(graph, ruleStmt)
	}

	order := TopoOrder(graph)
	c.mu.Lock()
	c.rules = doc.Rules
	c.graph = graph
	c.mu.Unlock()

	for _, scc := range order {
		for _, relation := range scc {
			r, ok := byName[relation]
			if !ok {
				continue
			}
			stmt, _ := langparse.Parse(r.Src)
			ruleStmt := stmt.Statements[0].(langparse.RuleStmt)
			compiled, err := ir.LowerRule(ruleStmt.Head, ruleStmt.Body, c.hooks.Schema)
			if err != nil {
				return err
			}
			if c.hooks.Materialize != nil {
				if err := c.hooks.Materialize(compiled, r.Src); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (c *Catalog) persist() error {
	if c.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return coreerr.Persist("failed to create KG directory", err)
	}
	data, err := json.MarshalIndent(document{Rules: c.rules}, "", "  ")
	if err != nil {
		return coreerr.Internal("failed to marshal rule catalog", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return coreerr.Persist("failed to write rule catalog", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return coreerr.Persist("failed to rename rule catalog into place", err)
	}
	return nil
}

func upsertRule(rules []RuleDef, def RuleDef) []RuleDef {
	for i, r := range rules {
		if r.Name == def.Name {
			rules[i] = def
			return rules
		}
	}
	return append(rules, def)
}

func addRuleEdges(g *DepGraph, r langparse.RuleStmt) {
	for _, lit := range r.Body {
		switch l := lit.(type) {
		case langparse.PosAtom:
			g.AddEdge(r.Head.Relation, l.Atom.Relation, false)
		case langparse.NegAtom:
			g.AddEdge(r.Head.Relation, l.Atom.Relation, true)
		}
	}
	if _, ok := g.edges[r.Head.Relation]; !ok {
		g.edges[r.Head.Relation] = nil
	}
}

func cloneGraph(g *DepGraph) *DepGraph {
	cp := NewDepGraph()
	for from, edges := range g.edges {
		cp.edges[from] = append([]Edge{}, edges...)
	}
	return cp
}
