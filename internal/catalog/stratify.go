package catalog

// DepGraph is the predicate-dependency graph a rule set builds: an edge
// from the head predicate to every predicate referenced in its body,
// tagged negated when it comes from a `!pred(...)` literal.
type DepGraph struct {
	edges map[string][]Edge
}

type Edge struct {
	To      string
	Negated bool
}

func NewDepGraph() *DepGraph {
	return &DepGraph{edges: map[string][]Edge{}}
}

func (g *DepGraph) AddEdge(from, to string, negated bool) {
	g.edges[from] = append(g.edges[from], Edge{To: to, Negated: negated})
	if _, ok := g.edges[to]; !ok {
		g.edges[to] = nil
	}
}

// tarjanSCC computes the graph's strongly connected components via
// Tarjan's algorithm, grounded on the classic index/lowlink/stack
// formulation (spec §4.7: "build the predicate-dependency graph ... fail
// if any negation edge lies on a cycle").
type tarjanState struct {
	g        *DepGraph
	index    map[string]int
	lowlink  map[string]int
	onStack  map[string]bool
	stack    []string
	counter  int
	sccs     [][]string
}

func tarjanSCC(g *DepGraph) [][]string {
	st := &tarjanState{
		g:       g,
		index:   map[string]int{},
		lowlink: map[string]int{},
		onStack: map[string]bool{},
	}
	nodes := make([]string, 0, len(g.edges))
	for n := range g.edges {
		nodes = append(nodes, n)
	}
	for _, n := range nodes {
		if _, visited := st.index[n]; !visited {
			st.strongConnect(n)
		}
	}
	return st.sccs
}

func (st *tarjanState) strongConnect(v string) {
	st.index[v] = st.counter
	st.lowlink[v] = st.counter
	st.counter++
	st.stack = append(st.stack, v)
	st.onStack[v] = true

	for _, e := range st.g.edges[v] {
		w := e.To
		if _, visited := st.index[w]; !visited {
			st.strongConnect(w)
			if st.lowlink[w] < st.lowlink[v] {
				st.lowlink[v] = st.lowlink[w]
			}
		} else if st.onStack[w] {
			if st.index[w] < st.lowlink[v] {
				st.lowlink[v] = st.index[w]
			}
		}
	}

	if st.lowlink[v] == st.index[v] {
		var scc []string
		for {
			n := len(st.stack) - 1
			w := st.stack[n]
			st.stack = st.stack[:n]
			st.onStack[w] = false
			scc = append(scc, w)
			if w == v {
				break
			}
		}
		st.sccs = append(st.sccs, scc)
	}
}

// CheckStratification fails if any negated edge has both endpoints in the
// same strongly connected component — i.e. lies on a cycle, including the
// degenerate self-negation cycle `p <- !p(...)` (spec §4.7: "Self-negation
// is always rejected").
func CheckStratification(g *DepGraph) error {
	sccs := tarjanSCC(g)
	compOf := map[string]int{}
	for i, scc := range sccs {
		for _, n := range scc {
			compOf[n] = i
		}
	}
	for from, edges := range g.edges {
		for _, e := range edges {
			if e.Negated && compOf[from] == compOf[e.To] {
				return &StratificationError{From: from, To: e.To}
			}
		}
	}
	return nil
}

// StratificationError reports an unstratifiable negation cycle.
type StratificationError struct {
	From, To string
}

func (e *StratificationError) Error() string {
	if e.From == e.To {
		return "unstratifiable: relation " + e.From + " negates itself"
	}
	return "unstratifiable negation cycle through " + e.From + " and " + e.To
}

// TopoOrder returns the graph's strongly connected components in
// dependency order (dependencies before dependents), condensing each SCC
// to one entry — the order rules must be (re)compiled and replayed in on
// KG open (spec §4.7).
func TopoOrder(g *DepGraph) [][]string {
	// Edges run from a rule's head to the relations its body reads, so
	// Tarjan completes (and emits) every dependency's SCC before the SCC of
	// anything that depends on it: its output is already dependency order.
	return tarjanSCC(g)
}
