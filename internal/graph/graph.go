// Package graph implements the typed knowledge graph (C7): a node/edge
// store with forward and reverse relationship indexes, BFS traversal,
// temporal operations, and transactional batch commit. Grounded on
// UniversalSymbolGraph's node map + forward/reverse relationship index
// + name/file index + LRU-by-accessOrder eviction shape, generalized
// to the project's typed node/edge schema instead of a language-symbol
// schema.
package graph

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/standardbeagle/kbindex/internal/debug"
	"github.com/standardbeagle/kbindex/internal/kberrors"
	"github.com/standardbeagle/kbindex/internal/types"
)

const schemaVersion = 1

// DefaultMaxNodes bounds memory growth before LRU eviction kicks in.
const DefaultMaxNodes = 200000

// Node is a typed graph node. Kind mirrors types.EntityKind for code
// entities but is left as a plain string so migrator-sourced nodes
// (Document, Concept, Fact, Event, Person, ...) fit the same store.
type Node struct {
	ID        string
	Kind      string
	Props     map[string]any
	FilePath  string
	Name      string
	Embedding []float64
	CreatedAt time.Time
	Importance float64
}

// Edge is a typed directed relationship between two node ids.
type Edge struct {
	ID     string
	Source string
	Target string
	Kind   string
	Props  map[string]any
}

// Graph is the in-memory knowledge graph store, guarded by a single
// RWMutex exactly as the teacher's graph does.
type Graph struct {
	mu sync.RWMutex

	nodes map[string]*Node
	edges map[string]*Edge

	forward map[string]map[string][]string // kind -> source -> []edgeID
	reverse map[string]map[string][]string // kind -> target -> []edgeID

	byFile map[string][]string
	byName map[string][]string

	incident map[string][]string // node id -> edge ids touching it as source or target

	maxNodes    int
	accessOrder []string
	accessIndex map[string]int

	schemaVersion int
}

// New creates an empty Graph bounded to maxNodes (DefaultMaxNodes if <= 0).
func New(maxNodes int) *Graph {
	if maxNodes <= 0 {
		maxNodes = DefaultMaxNodes
	}
	return &Graph{
		nodes:         make(map[string]*Node),
		edges:         make(map[string]*Edge),
		forward:       make(map[string]map[string][]string),
		reverse:       make(map[string]map[string][]string),
		byFile:        make(map[string][]string),
		byName:        make(map[string][]string),
		incident:      make(map[string][]string),
		maxNodes:      maxNodes,
		accessIndex:   make(map[string]int),
		schemaVersion: schemaVersion,
	}
}

// CreateNode inserts a node under a freshly minted uuid and returns
// that id.
func (g *Graph) CreateNode(kind string, props map[string]any) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.nodes) >= g.maxNodes {
		if err := g.evictLRULocked(); err != nil {
			return "", err
		}
	}

	id := uuid.NewString()
	node := &Node{ID: id, Kind: kind, Props: cloneProps(props), CreatedAt: time.Now(), Importance: 1.0}
	if fp, ok := props["file_path"].(string); ok {
		node.FilePath = fp
	}
	if name, ok := props["name"].(string); ok {
		node.Name = name
	}

	g.nodes[id] = node
	g.indexNodeLocked(node)
	g.touchLRULocked(id)

	debug.LogGraph("created node %s kind=%s", id, kind)
	return id, nil
}

// CreateEdge inserts a directed edge between two existing node ids.
func (g *Graph) CreateEdge(src, dst, kind string, props map[string]any) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.createEdgeLocked(src, dst, kind, props)
}

func (g *Graph) createEdgeLocked(src, dst, kind string, props map[string]any) (string, error) {
	if _, ok := g.nodes[src]; !ok {
		return "", kberrors.New(kberrors.NotFound, "graph.create_edge", nil).WithPath(src)
	}
	if _, ok := g.nodes[dst]; !ok {
		return "", kberrors.New(kberrors.NotFound, "graph.create_edge", nil).WithPath(dst)
	}

	id := uuid.NewString()
	edge := &Edge{ID: id, Source: src, Target: dst, Kind: kind, Props: cloneProps(props)}
	g.edges[id] = edge

	if g.forward[kind] == nil {
		g.forward[kind] = make(map[string][]string)
	}
	g.forward[kind][src] = append(g.forward[kind][src], id)

	if g.reverse[kind] == nil {
		g.reverse[kind] = make(map[string][]string)
	}
	g.reverse[kind][dst] = append(g.reverse[kind][dst], id)

	g.incident[src] = append(g.incident[src], id)
	g.incident[dst] = append(g.incident[dst], id)

	return id, nil
}

// DeleteEdge removes a single edge by id without touching its endpoints.
func (g *Graph) DeleteEdge(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.edges[id]; !ok {
		return kberrors.New(kberrors.NotFound, "graph.delete_edge", nil).WithPath(id)
	}
	g.removeEdgeLocked(id)
	return nil
}

// DeleteNode removes a node and every edge incident to it (as either
// source or target, of any kind).
func (g *Graph) DeleteNode(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[id]; !ok {
		return kberrors.New(kberrors.NotFound, "graph.delete_node", nil).WithPath(id)
	}

	for _, edgeID := range append([]string(nil), g.incident[id]...) {
		g.removeEdgeLocked(edgeID)
	}
	g.removeNodeLocked(id)
	delete(g.incident, id)
	return nil
}

func (g *Graph) indexNodeLocked(n *Node) {
	if n.FilePath != "" {
		g.byFile[n.FilePath] = append(g.byFile[n.FilePath], n.ID)
	}
	if n.Name != "" {
		g.byName[n.Name] = append(g.byName[n.Name], n.ID)
	}
}

// FindNodesByKind returns every node of a given kind.
func (g *Graph) FindNodesByKind(kind string) []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Node
	for _, n := range g.nodes {
		if n.Kind == kind {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// QueryParams binds the free variables of a Query expression. The
// query language itself is treated as opaque per spec §4.7: this graph
// exposes one concrete expression dialect (kind plus a flat AND of
// property equality predicates) rather than mandating a particular
// grammar on every implementer.
type QueryParams struct {
	Kind  string
	Props map[string]any
}

// Query evaluates a property-predicate expression over every node,
// returning matches in stable (ID-sorted) order. An empty Kind matches
// any node kind; an empty Props matches on Kind alone.
func (g *Graph) Query(params QueryParams) []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Node
	for _, n := range g.nodes {
		if params.Kind != "" && n.Kind != params.Kind {
			continue
		}
		if !propsMatchLocked(n.Props, params.Props) {
			continue
		}
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func propsMatchLocked(have, want map[string]any) bool {
	for k, v := range want {
		hv, ok := have[k]
		if !ok || hv != v {
			return false
		}
	}
	return true
}

// GetNode fetches a node by id, touching its LRU position.
func (g *Graph) GetNode(id string) (Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	g.touchLRULocked(id)
	return *n, true
}

// FindRelated performs a breadth-first traversal from id out to
// max_depth, across every relationship kind, returning every reached
// node id keyed by the depth at which it was first reached.
func (g *Graph) FindRelated(id string, maxDepth int) (map[string]int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[id]; !ok {
		return nil, kberrors.New(kberrors.NotFound, "graph.find_related", nil).WithPath(id)
	}

	depths := map[string]int{id: 0}
	queue := []string{id}

	for len(queue) > 0 && (maxDepth <= 0 || depths[queue[0]] < maxDepth) {
		cur := queue[0]
		queue = queue[1:]
		curDepth := depths[cur]

		for _, neighbor := range g.neighborsLocked(cur) {
			if _, seen := depths[neighbor]; seen {
				continue
			}
			depths[neighbor] = curDepth + 1
			queue = append(queue, neighbor)
		}
	}

	delete(depths, id)
	return depths, nil
}

func (g *Graph) neighborsLocked(id string) []string {
	var out []string
	for _, bySrc := range g.forward {
		out = append(out, edgeTargets(g.edges, bySrc[id])...)
	}
	for _, byDst := range g.reverse {
		out = append(out, edgeSources(g.edges, byDst[id])...)
	}
	return out
}

func edgeTargets(edges map[string]*Edge, ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if e, ok := edges[id]; ok {
			out = append(out, e.Target)
		}
	}
	return out
}

func edgeSources(edges map[string]*Edge, ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if e, ok := edges[id]; ok {
			out = append(out, e.Source)
		}
	}
	return out
}

// ShortestPath finds the shortest node-id path from a to b (inclusive)
// via unweighted BFS, bounded to maxDepth hops. Returns (nil, nil)
// when no path exists within the bound.
func (g *Graph) ShortestPath(a, b string, maxDepth int) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[a]; !ok {
		return nil, kberrors.New(kberrors.NotFound, "graph.shortest_path", nil).WithPath(a)
	}
	if _, ok := g.nodes[b]; !ok {
		return nil, kberrors.New(kberrors.NotFound, "graph.shortest_path", nil).WithPath(b)
	}
	if a == b {
		return []string{a}, nil
	}

	prev := map[string]string{a: ""}
	depth := map[string]int{a: 0}
	queue := []string{a}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if maxDepth > 0 && depth[cur] >= maxDepth {
			continue
		}

		for _, neighbor := range g.neighborsLocked(cur) {
			if _, seen := prev[neighbor]; seen {
				continue
			}
			prev[neighbor] = cur
			depth[neighbor] = depth[cur] + 1
			if neighbor == b {
				return reconstructPath(prev, a, b), nil
			}
			queue = append(queue, neighbor)
		}
	}

	return nil, nil
}

func reconstructPath(prev map[string]string, start, target string) []string {
	var path []string
	cur := target
	for {
		path = append([]string{cur}, path...)
		if cur == start {
			break
		}
		cur = prev[cur]
	}
	return path
}

// TemporalInsert stores a node with an explicit timestamp, linking it
// to the previous most-recent node of the same kind with
// TemporalNext/TemporalPrev edges.
func (g *Graph) TemporalInsert(kind string, props map[string]any, at time.Time) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.nodes) >= g.maxNodes {
		if err := g.evictLRULocked(); err != nil {
			return "", err
		}
	}

	id := uuid.NewString()
	node := &Node{ID: id, Kind: kind, Props: cloneProps(props), CreatedAt: at, Importance: 1.0}
	g.nodes[id] = node
	g.indexNodeLocked(node)
	g.touchLRULocked(id)

	var latest *Node
	for _, n := range g.nodes {
		if n.Kind != kind || n.ID == id {
			continue
		}
		if latest == nil || n.CreatedAt.After(latest.CreatedAt) {
			latest = n
		}
	}
	if latest != nil && latest.CreatedAt.Before(at) {
		if _, err := g.createEdgeLocked(latest.ID, id, string(types.RelTemporalNext), nil); err != nil {
			return "", err
		}
		if _, err := g.createEdgeLocked(id, latest.ID, string(types.RelTemporalPrev), nil); err != nil {
			return "", err
		}
	}

	return id, nil
}

// TemporalRange returns every node of kind whose CreatedAt falls in
// [from, to], ordered oldest first.
func (g *Graph) TemporalRange(kind string, from, to time.Time) []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Node
	for _, n := range g.nodes {
		if n.Kind != kind {
			continue
		}
		if n.CreatedAt.Before(from) || n.CreatedAt.After(to) {
			continue
		}
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// DecaySweep multiplicatively decays Importance for every node older
// than threshold by factor, clamped to [0,1].
func (g *Graph) DecaySweep(threshold time.Duration, factor float64) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := time.Now().Add(-threshold)
	decayed := 0
	for _, n := range g.nodes {
		if n.CreatedAt.After(cutoff) {
			continue
		}
		n.Importance *= factor
		if n.Importance < 0 {
			n.Importance = 0
		}
		if n.Importance > 1 {
			n.Importance = 1
		}
		decayed++
	}
	return decayed
}

// Mutation is one operation within a Commit batch.
type Mutation struct {
	CreateNode *struct {
		Kind  string
		Props map[string]any
	}
	CreateEdge *struct {
		Source, Target, Kind string
		Props                map[string]any
	}
}

// CommitResult carries the ids minted by a successful Commit, in
// mutation order (nodes first within each mutation, then its edge).
type CommitResult struct {
	NodeIDs []string
	EdgeIDs []string
}

// Commit applies a batch of mutations atomically: any single failure
// rolls back every mutation already applied in this call.
func (g *Graph) Commit(mutations []Mutation) (CommitResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var result CommitResult
	var appliedNodes []string
	var appliedEdges []string

	rollback := func() {
		for _, id := range appliedEdges {
			g.removeEdgeLocked(id)
		}
		for _, id := range appliedNodes {
			g.removeNodeLocked(id)
		}
	}

	for _, m := range mutations {
		switch {
		case m.CreateNode != nil:
			if len(g.nodes) >= g.maxNodes {
				rollback()
				return CommitResult{}, kberrors.New(kberrors.Internal, "graph.commit", nil)
			}
			id := uuid.NewString()
			node := &Node{ID: id, Kind: m.CreateNode.Kind, Props: cloneProps(m.CreateNode.Props), CreatedAt: time.Now(), Importance: 1.0}
			g.nodes[id] = node
			g.indexNodeLocked(node)
			g.touchLRULocked(id)
			appliedNodes = append(appliedNodes, id)
			result.NodeIDs = append(result.NodeIDs, id)

		case m.CreateEdge != nil:
			id, err := g.createEdgeLocked(m.CreateEdge.Source, m.CreateEdge.Target, m.CreateEdge.Kind, m.CreateEdge.Props)
			if err != nil {
				rollback()
				return CommitResult{}, err
			}
			appliedEdges = append(appliedEdges, id)
			result.EdgeIDs = append(result.EdgeIDs, id)
		}
	}

	return result, nil
}

func (g *Graph) removeEdgeLocked(id string) {
	e, ok := g.edges[id]
	if !ok {
		return
	}
	delete(g.edges, id)
	g.forward[e.Kind][e.Source] = removeString(g.forward[e.Kind][e.Source], id)
	g.reverse[e.Kind][e.Target] = removeString(g.reverse[e.Kind][e.Target], id)
	g.incident[e.Source] = removeString(g.incident[e.Source], id)
	if e.Target != e.Source {
		g.incident[e.Target] = removeString(g.incident[e.Target], id)
	}
}

func (g *Graph) removeNodeLocked(id string) {
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	delete(g.nodes, id)
	if n.FilePath != "" {
		g.byFile[n.FilePath] = removeString(g.byFile[n.FilePath], id)
	}
	if n.Name != "" {
		g.byName[n.Name] = removeString(g.byName[n.Name], id)
	}
	delete(g.accessIndex, id)
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func (g *Graph) touchLRULocked(id string) {
	if idx, ok := g.accessIndex[id]; ok {
		g.accessOrder = append(g.accessOrder[:idx], g.accessOrder[idx+1:]...)
		for i := idx; i < len(g.accessOrder); i++ {
			g.accessIndex[g.accessOrder[i]] = i
		}
	}
	g.accessIndex[id] = len(g.accessOrder)
	g.accessOrder = append(g.accessOrder, id)
}

func (g *Graph) evictLRULocked() error {
	if len(g.accessOrder) == 0 {
		return kberrors.New(kberrors.Internal, "graph.evict", nil)
	}
	oldest := g.accessOrder[0]
	for _, edgeID := range append([]string(nil), g.incident[oldest]...) {
		g.removeEdgeLocked(edgeID)
	}
	delete(g.incident, oldest)
	g.removeNodeLocked(oldest)
	g.accessOrder = g.accessOrder[1:]
	for i := range g.accessOrder {
		g.accessIndex[g.accessOrder[i]] = i
	}
	return nil
}

func cloneProps(props map[string]any) map[string]any {
	if props == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}

// SchemaVersion reports the store's current schema version.
func (g *Graph) SchemaVersion() int {
	return g.schemaVersion
}

// NodeCount reports the current number of live nodes.
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}
