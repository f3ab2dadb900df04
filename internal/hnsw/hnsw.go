// Package hnsw implements L11: a Hierarchical Navigable Small World
// approximate nearest-neighbor index (spec §4.9). An index is declared per
// (relation, column) with a distance metric and HNSW params {M,
// ef_construction, ef_search}. It behaves as an arrangement sink: the
// runtime routes (insert, id, vector) to Insert and (delete, id) to
// Tombstone; deletes are lazy, and the index rebuilds inline once the
// tombstone ratio exceeds 30%.
//
// A genuine multi-layer graph with exponential layer assignment, not a
// flat/brute-force scan: query time stays sublinear in the number of
// indexed vectors as the relation grows.
package hnsw

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// Metric is a supported distance function (spec §4.9).
type Metric string

const (
	Cosine    Metric = "cosine"
	Euclidean Metric = "euclidean"
	Dot       Metric = "dot"
	Manhattan Metric = "manhattan"
)

// Params are the HNSW construction/search knobs.
type Params struct {
	M              int
	EfConstruction int
	EfSearch       int
}

const tombstoneRebuildRatio = 0.30

type node struct {
	id      uint32
	vec     []float32
	layer   int
	friends [][]uint32 // friends[l] = neighbor ids at layer l
}

// Index is one HNSW graph over a declared (relation, column).
type Index struct {
	mu         sync.RWMutex
	Relation   string
	Column     string
	Metric     Metric
	Params     Params
	entryPoint uint32
	hasEntry   bool
	nodes      map[uint32]*node
	tombstones *roaring.Bitmap
	rng        *rand.Rand
}

// New creates an empty index. seed makes layer assignment reproducible for
// tests; production callers should pass a time-derived seed.
func New(relation, column string, metric Metric, params Params, seed int64) *Index {
	return &Index{
		Relation:   relation,
		Column:     column,
		Metric:     metric,
		Params:     params,
		nodes:      map[uint32]*node{},
		tombstones: roaring.New(),
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// randomLayer picks a layer by an exponential distribution with mean
// 1/ln(M), the standard HNSW layer-assignment rule (spec §4.9: "inserts
// pick a random top layer by an exponential distribution").
func (idx *Index) randomLayer() int {
	m := idx.Params.M
	if m < 2 {
		m = 2
	}
	lambda := 1.0 / math.Log(float64(m))
	r := idx.rng.Float64()
	if r <= 0 {
		r = 1e-12
	}
	return int(math.Floor(-math.Log(r) * lambda))
}

// Insert adds (id, vec) to the index, greedily connecting to its nearest
// neighbors at every layer up to its randomly assigned top layer (spec
// §4.9).
func (idx *Index) Insert(id uint32, vec []float32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.tombstones.Remove(id) // a reinsert clears any prior tombstone
	layer := idx.randomLayer()
	n := &node{id: id, vec: vec, layer: layer, friends: make([][]uint32, layer+1)}
	idx.nodes[id] = n

	if !idx.hasEntry {
		idx.entryPoint = id
		idx.hasEntry = true
		return
	}

	ep := idx.entryPoint
	epNode := idx.nodes[ep]
	for l := epNode.layer; l > layer; l-- {
		ep = idx.greedySearchLayer(vec, ep, l)
	}
	for l := min(layer, epNode.layer); l >= 0; l-- {
		candidates := idx.searchLayer(vec, ep, idx.Params.EfConstruction, l)
		m := idx.Params.M
		if len(candidates) > m {
			candidates = candidates[:m]
		}
		for _, c := range candidates {
			idx.connect(n, idx.nodes[c.id], l)
		}
		if len(candidates) > 0 {
			ep = candidates[0].id
		}
	}
	if layer > epNode.layer {
		idx.entryPoint = id
	}
}

func (idx *Index) connect(a, b *node, layer int) {
	if layer >= len(a.friends) || layer >= len(b.friends) {
		return
	}
	a.friends[layer] = appendUnique(a.friends[layer], b.id)
	b.friends[layer] = appendUnique(b.friends[layer], a.id)
	idx.pruneLayer(a, layer)
	idx.pruneLayer(b, layer)
}

func (idx *Index) pruneLayer(n *node, layer int) {
	m := idx.Params.M
	if len(n.friends[layer]) <= m {
		return
	}
	type scored struct {
		id   uint32
		dist float64
	}
	scoredFriends := make([]scored, 0, len(n.friends[layer]))
	for _, id := range n.friends[layer] {
		if other, ok := idx.nodes[id]; ok {
			scoredFriends = append(scoredFriends, scored{id: id, dist: idx.distance(n.vec, other.vec)})
		}
	}
	sort.Slice(scoredFriends, func(i, j int) bool { return scoredFriends[i].dist < scoredFriends[j].dist })
	if len(scoredFriends) > m {
		scoredFriends = scoredFriends[:m]
	}
	kept := make([]uint32, len(scoredFriends))
	for i, s := range scoredFriends {
		kept[i] = s.id
	}
	n.friends[layer] = kept
}

func appendUnique(xs []uint32, x uint32) []uint32 {
	for _, v := range xs {
		if v == x {
			return xs
		}
	}
	return append(xs, x)
}

// Tombstone marks id deleted without removing it from the graph; if the
// tombstone ratio now exceeds 30%, the index rebuilds inline (spec §4.9).
func (idx *Index) Tombstone(id uint32) {
	idx.mu.Lock()
	idx.tombstones.Add(id)
	ratio := float64(idx.tombstones.GetCardinality()) / float64(max(1, len(idx.nodes)))
	needsRebuild := ratio > tombstoneRebuildRatio
	idx.mu.Unlock()

	if needsRebuild {
		idx.Rebuild()
	}
}

// Rebuild reconstructs the graph from scratch over every non-tombstoned
// node, discarding all tombstones (spec §4.9, also reachable via
// `.index rebuild`).
func (idx *Index) Rebuild() {
	idx.mu.Lock()
	live := make([]*node, 0, len(idx.nodes))
	for id, n := range idx.nodes {
		if !idx.tombstones.Contains(id) {
			live = append(live, n)
		}
	}
	idx.nodes = map[uint32]*node{}
	idx.tombstones = roaring.New()
	idx.hasEntry = false
	idx.mu.Unlock()

	for _, n := range live {
		idx.Insert(n.id, n.vec)
	}
}

// Search returns the k approximate nearest neighbors to query, using ef
// (or the index's configured EfSearch if ef<=0), skipping tombstoned ids
// (spec §4.9's hnsw_nearest built-in).
func (idx *Index) Search(query []float32, k, ef int) []Result {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if !idx.hasEntry {
		return nil
	}
	if ef <= 0 {
		ef = idx.Params.EfSearch
	}
	if ef < k {
		ef = k
	}

	ep := idx.entryPoint
	epNode := idx.nodes[ep]
	for l := epNode.layer; l > 0; l-- {
		ep = idx.greedySearchLayer(query, ep, l)
	}
	candidates := idx.searchLayer(query, ep, ef, 0)

	var out []Result
	for _, c := range candidates {
		if idx.tombstones.Contains(c.id) {
			continue
		}
		out = append(out, Result{ID: c.id, Distance: c.dist})
		if len(out) == k {
			break
		}
	}
	return out
}

// Result is one Search hit.
type Result struct {
	ID       uint32
	Distance float64
}

type scoredID struct {
	id   uint32
	dist float64
}

// greedySearchLayer walks layer l from ep toward the single closest
// neighbor to query, used to descend from the top layer to layer 0.
func (idx *Index) greedySearchLayer(query []float32, ep uint32, layer int) uint32 {
	cur := ep
	curDist := idx.distance(query, idx.nodes[cur].vec)
	for {
		improved := false
		n := idx.nodes[cur]
		if layer >= len(n.friends) {
			break
		}
		for _, fid := range n.friends[layer] {
			fn, ok := idx.nodes[fid]
			if !ok {
				continue
			}
			d := idx.distance(query, fn.vec)
			if d < curDist {
				curDist = d
				cur = fid
				improved = true
			}
		}
		if !improved {
			break
		}
	}
	return cur
}

// searchLayer performs a best-first search at layer, expanding up to ef
// candidates, returning them sorted nearest-first.
func (idx *Index) searchLayer(query []float32, ep uint32, ef int, layer int) []scoredID {
	visited := map[uint32]bool{ep: true}
	entryDist := idx.distance(query, idx.nodes[ep].vec)
	candidates := []scoredID{{id: ep, dist: entryDist}}
	results := []scoredID{{id: ep, dist: entryDist}}

	for len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
		c := candidates[0]
		candidates = candidates[1:]

		sort.Slice(results, func(i, j int) bool { return results[i].dist < results[j].dist })
		if len(results) >= ef && c.dist > results[len(results)-1].dist {
			break
		}

		n, ok := idx.nodes[c.id]
		if !ok || layer >= len(n.friends) {
			continue
		}
		for _, fid := range n.friends[layer] {
			if visited[fid] {
				continue
			}
			visited[fid] = true
			fn, ok := idx.nodes[fid]
			if !ok {
				continue
			}
			d := idx.distance(query, fn.vec)
			candidates = append(candidates, scoredID{id: fid, dist: d})
			results = append(results, scoredID{id: fid, dist: d})
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].dist < results[j].dist })
	if len(results) > ef {
		results = results[:ef]
	}
	return results
}

func (idx *Index) distance(a, b []float32) float64 {
	switch idx.Metric {
	case Euclidean:
		return euclidean(a, b)
	case Dot:
		return -dot(a, b) // smaller is "closer" for the rest of the index, so negate
	case Manhattan:
		return manhattan(a, b)
	default: // Cosine
		return 1 - cosineSim(a, b)
	}
}

func euclidean(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func manhattan(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i] - b[i])
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func cosineSim(a, b []float32) float64 {
	num := dot(a, b)
	var na, nb float64
	for i := range a {
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return num / (math.Sqrt(na) * math.Sqrt(nb))
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
