// Package persist23 implements a persistent (structurally shared) 2-3
// search tree keyed by int64, with immutable point-in-time snapshots and
// a mutable builder that commits via compare-and-swap against the root
// it was forked from. This is the engine's optimistic snapshot-isolation
// primitive for index state: readers never block writers and writers
// never block readers, because no existing node is ever mutated in
// place — every path from the root to a changed node is copied, and
// everything else is shared by reference.
package persist23

import (
	"reflect"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// node is either a leaf (children == nil) or an internal node with
// len(children) == len(keys)+1. Every node holds 1 or 2 keys in
// ascending order ("2-node" or "3-node" in the classical terminology).
// Nodes are never mutated after construction; any change produces a new
// node and reuses untouched children by reference.
type node[V any] struct {
	leaf     bool
	keys     []int64
	vals     []V
	children []*node[V]
}

func newLeaf[V any](keys []int64, vals []V) *node[V] {
	return &node[V]{leaf: true, keys: keys, vals: vals}
}

func newInternal[V any](keys []int64, vals []V, children []*node[V]) *node[V] {
	return &node[V]{leaf: false, keys: keys, vals: vals, children: children}
}

// root bundles an immutable tree root with its cached size, per the
// invariant that size is maintained only at the root rather than on
// every node.
type root[V any] struct {
	node *node[V]
	size int
}

// Map is a persistent long-to-V map. The zero value is an empty map.
type Map[V any] struct {
	live atomic.Pointer[root[V]]
}

// NewMap returns a new, empty persistent map.
func NewMap[V any]() *Map[V] {
	m := &Map[V]{}
	m.live.Store(&root[V]{})
	return m
}

func (m *Map[V]) loadRoot() *root[V] {
	r := m.live.Load()
	if r == nil {
		// Publish an empty root so builders forked from a zero-value Map
		// have a live root to compare-and-swap against on Commit.
		m.live.CompareAndSwap(nil, &root[V]{})
		r = m.live.Load()
	}
	return r
}

// Clone returns a new Map sharing the current root; this is O(1) and
// performs no copying of tree data.
func (m *Map[V]) Clone() *Map[V] {
	c := &Map[V]{}
	c.live.Store(m.loadRoot())
	return c
}

// Snapshot is an immutable view of a Map at the moment it was taken.
// Subsequent writes to builders forked from the same Map never affect
// an already-taken Snapshot.
type Snapshot[V any] struct {
	root *root[V]
}

// BeginRead returns a snapshot of the map's current state.
func (m *Map[V]) BeginRead() *Snapshot[V] {
	return &Snapshot[V]{root: m.loadRoot()}
}

// Get returns the value stored for key, if any.
func (s *Snapshot[V]) Get(key int64) (V, bool) {
	return getNode(s.root.node, key)
}

// ContainsKey reports whether key is present.
func (s *Snapshot[V]) ContainsKey(key int64) bool {
	_, ok := getNode(s.root.node, key)
	return ok
}

// Size returns the number of entries in the snapshot.
func (s *Snapshot[V]) Size() int {
	return s.root.size
}

// ForEach visits every entry in ascending key order. Iteration stops
// early if visit returns false.
func (s *Snapshot[V]) ForEach(visit func(key int64, val V) bool) {
	forEachNode(s.root.node, visit)
}

// Builder is a mutable view forked from a Map. Mutations build new
// nodes without touching the map the builder was forked from; Commit
// atomically publishes the result iff the map's live root has not
// advanced since the fork.
type Builder[V any] struct {
	m      *Map[V]
	forked *root[V]
	cur    *root[V]
}

// BeginWrite forks a builder from the map's current root.
func (m *Map[V]) BeginWrite() *Builder[V] {
	r := m.loadRoot()
	return &Builder[V]{m: m, forked: r, cur: r}
}

// Get returns the value stored for key as of the builder's current
// (possibly locally mutated) state.
func (b *Builder[V]) Get(key int64) (V, bool) {
	return getNode(b.cur.node, key)
}

// ContainsKey reports whether key is present in the builder's current
// state.
func (b *Builder[V]) ContainsKey(key int64) bool {
	_, ok := getNode(b.cur.node, key)
	return ok
}

// Size returns the number of entries in the builder's current state.
func (b *Builder[V]) Size() int {
	return b.cur.size
}

// Put inserts or replaces the value for key. A zero Go value is a
// perfectly valid V for most instantiations; Put only rejects a nil
// value when V is itself a pointer, interface, map, channel, function,
// slice, or unsafe pointer type and the caller passed a nil of that
// type (see isNilValue), mirroring the source engine's
// "put with a null value is rejected" rule.
func (b *Builder[V]) Put(key int64, val V) error {
	if isNilValue(val) {
		return errors.New("persist23: put with a nil value is rejected")
	}
	newRoot, inserted := insertNode(b.cur.node, key, val)
	size := b.cur.size
	if inserted {
		size++
	}
	b.cur = &root[V]{node: newRoot, size: size}
	return nil
}

// Remove deletes key, returning its prior value and whether it was
// present.
func (b *Builder[V]) Remove(key int64) (V, bool) {
	newNode, _, val, found := removeNode(b.cur.node, key)
	if !found {
		var zero V
		return zero, false
	}
	newNode = shrinkRoot(newNode)
	b.cur = &root[V]{node: newNode, size: b.cur.size - 1}
	return val, true
}

// ForEach visits every entry in the builder's current state in
// ascending key order.
func (b *Builder[V]) ForEach(visit func(key int64, val V) bool) {
	forEachNode(b.cur.node, visit)
}

// Commit atomically publishes the builder's accumulated mutations to
// the map it was forked from, iff the map's live root is still the one
// this builder forked from. On success the map's live root becomes the
// builder's current root and true is returned. On failure (another
// builder committed first) false is returned and the caller should
// retry: rebuild a fresh builder with BeginWrite and re-apply its
// mutations.
func (b *Builder[V]) Commit() bool {
	return b.m.live.CompareAndSwap(b.forked, b.cur)
}

// isNilValue reports whether v is a nil pointer, interface, map,
// channel, function, slice, or unsafe pointer. Ordinary value types
// (int, string, structs) always report false, so their zero values are
// accepted by Put.
func isNilValue[V any](v V) bool {
	if any(v) == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Chan, reflect.Func, reflect.Slice, reflect.UnsafePointer:
		return rv.IsNil()
	default:
		return false
	}
}

func getNode[V any](n *node[V], key int64) (V, bool) {
	for n != nil {
		i, exact := searchKeys(n.keys, key)
		if exact {
			return n.vals[i], true
		}
		if n.leaf {
			break
		}
		n = n.children[i]
	}
	var zero V
	return zero, false
}

func forEachNode[V any](n *node[V], visit func(int64, V) bool) bool {
	if n == nil {
		return true
	}
	if n.leaf {
		for i, k := range n.keys {
			if !visit(k, n.vals[i]) {
				return false
			}
		}
		return true
	}
	for i, k := range n.keys {
		if !forEachNode(n.children[i], visit) {
			return false
		}
		if !visit(k, n.vals[i]) {
			return false
		}
	}
	return forEachNode(n.children[len(n.children)-1], visit)
}

// searchKeys returns the index of key in a sorted, 1-or-2-element key
// slice, or, if absent, the index of the child subtree that would
// contain it.
func searchKeys(keys []int64, key int64) (int, bool) {
	for i, k := range keys {
		if key == k {
			return i, true
		}
		if key < k {
			return i, false
		}
	}
	return len(keys), false
}

// promotion describes a key that was pushed up from a split child,
// along with the new right sibling it separates from the left node
// returned alongside it.
type promotion[V any] struct {
	key   int64
	val   V
	right *node[V]
}

// insertNode inserts (key, val) into the subtree rooted at n, returning
// the new subtree root and whether a brand new key was added (false if
// an existing key's value was simply replaced). Overflowing nodes are
// split on the way back up, classical 2-3 tree style.
func insertNode[V any](n *node[V], key int64, val V) (*node[V], bool) {
	newNode, promo, inserted := insertRec(n, key, val)
	if promo == nil {
		return newNode, inserted
	}
	// The root itself overflowed; grow the tree by one level.
	return newInternal([]int64{promo.key}, []V{promo.val}, []*node[V]{newNode, promo.right}), inserted
}

func insertRec[V any](n *node[V], key int64, val V) (*node[V], *promotion[V], bool) {
	if n == nil {
		return newLeaf([]int64{key}, []V{val}), nil, true
	}
	if n.leaf {
		i, exact := searchKeys(n.keys, key)
		if exact {
			keys := append([]int64(nil), n.keys...)
			vals := append([]V(nil), n.vals...)
			vals[i] = val
			return newLeaf(keys, vals), nil, false
		}
		keys := insertAt(n.keys, i, key)
		vals := insertAtV(n.vals, i, val)
		if len(keys) <= 2 {
			return newLeaf(keys, vals), nil, true
		}
		// Overflow: split the 3-key temp leaf into two 2-nodes and
		// promote the middle key.
		left := newLeaf(keys[:1], vals[:1])
		right := newLeaf(keys[2:], vals[2:])
		return left, &promotion[V]{key: keys[1], val: vals[1], right: right}, true
	}

	i, exact := searchKeys(n.keys, key)
	if exact {
		keys := append([]int64(nil), n.keys...)
		vals := append([]V(nil), n.vals...)
		vals[i] = val
		children := append([]*node[V](nil), n.children...)
		return newInternal(keys, vals, children), nil, false
	}
	newChild, promo, inserted := insertRec(n.children[i], key, val)
	if promo == nil {
		children := append([]*node[V](nil), n.children...)
		children[i] = newChild
		return newInternal(n.keys, n.vals, children), nil, inserted
	}

	keys := insertAt(n.keys, i, promo.key)
	vals := insertAtV(n.vals, i, promo.val)
	children := make([]*node[V], 0, len(n.children)+1)
	children = append(children, n.children[:i]...)
	children = append(children, newChild, promo.right)
	children = append(children, n.children[i+1:]...)

	if len(keys) <= 2 {
		return newInternal(keys, vals, children), nil, inserted
	}
	// Overflow: split the 3-key temp internal node, promoting the
	// middle key and handing each side half the children.
	left := newInternal(keys[:1], vals[:1], children[:2])
	right := newInternal(keys[2:], vals[2:], children[2:])
	return left, &promotion[V]{key: keys[1], val: vals[1], right: right}, inserted
}

func insertAt(s []int64, i int, v int64) []int64 {
	out := make([]int64, 0, len(s)+1)
	out = append(out, s[:i]...)
	out = append(out, v)
	out = append(out, s[i:]...)
	return out
}

func insertAtV[V any](s []V, i int, v V) []V {
	out := make([]V, 0, len(s)+1)
	out = append(out, s[:i]...)
	out = append(out, v)
	out = append(out, s[i:]...)
	return out
}

// removeNode deletes key from the subtree rooted at n. It returns the
// replacement subtree, whether that replacement is a "hole" needing the
// caller to rebalance (a 0-key node: leafless for a former leaf, or
// carrying exactly one child for a former internal node), the removed
// value, and whether key was present at all.
func removeNode[V any](n *node[V], key int64) (*node[V], bool, V, bool) {
	if n == nil {
		var zero V
		return nil, false, zero, false
	}
	if n.leaf {
		i, exact := searchKeys(n.keys, key)
		if !exact {
			var zero V
			return n, false, zero, false
		}
		val := n.vals[i]
		if len(n.keys) == 2 {
			j := 1 - i
			return newLeaf([]int64{n.keys[j]}, []V{n.vals[j]}), false, val, true
		}
		return newLeaf[V](nil, nil), true, val, true
	}

	i, exact := searchKeys(n.keys, key)
	if exact {
		// Replace with the in-order predecessor (rightmost key of the
		// left child) and delete that entry from the left subtree.
		predKey, predVal := rightmost(n.children[i])
		newLeft, holeLeft, _, _ := removeNode(n.children[i], predKey)
		keys := append([]int64(nil), n.keys...)
		vals := append([]V(nil), n.vals...)
		keys[i], vals[i] = predKey, predVal
		children := append([]*node[V](nil), n.children...)
		children[i] = newLeft
		newN := newInternal(keys, vals, children)
		if !holeLeft {
			return newN, false, n.vals[i], true
		}
		fixed, becameHole := fixupChildHole(newN, i, newLeft)
		return fixed, becameHole, n.vals[i], true
	}

	newChild, hole, val, found := removeNode(n.children[i], key)
	if !found {
		var zero V
		return n, false, zero, false
	}
	children := append([]*node[V](nil), n.children...)
	children[i] = newChild
	newN := newInternal(n.keys, n.vals, children)
	if !hole {
		return newN, false, val, true
	}
	fixed, becameHole := fixupChildHole(newN, i, newChild)
	return fixed, becameHole, val, true
}

// rightmost returns the largest key (and its value) in the subtree
// rooted at n.
func rightmost[V any](n *node[V]) (int64, V) {
	for !n.leaf {
		n = n.children[len(n.children)-1]
	}
	last := len(n.keys) - 1
	return n.keys[last], n.vals[last]
}

// fixupChildHole repairs n after n.children[ci] became holeChild (a
// 0-key node), by borrowing a key from an adjacent sibling that can
// spare one (rotation) or, failing that, merging holeChild with a
// sibling and absorbing one of n's own keys (merge). It returns the
// repaired node and whether n itself is now a hole that the caller must
// further repair.
func fixupChildHole[V any](n *node[V], ci int, holeChild *node[V]) (*node[V], bool) {
	// Prefer borrowing from a left sibling.
	if ci > 0 && len(n.children[ci-1].keys) == 2 {
		left := n.children[ci-1]
		lk := len(left.keys) - 1
		newLeft, moved := splitOffLast(left)
		newHole := graftBorrowed(holeChild, n.keys[ci-1], n.vals[ci-1], moved, true)
		keys := append([]int64(nil), n.keys...)
		vals := append([]V(nil), n.vals...)
		keys[ci-1], vals[ci-1] = left.keys[lk], left.vals[lk]
		children := append([]*node[V](nil), n.children...)
		children[ci-1], children[ci] = newLeft, newHole
		return newInternal(keys, vals, children), false
	}
	// Then a right sibling.
	if ci < len(n.children)-1 && len(n.children[ci+1].keys) == 2 {
		right := n.children[ci+1]
		newRight, moved := splitOffFirst(right)
		newHole := graftBorrowed(holeChild, n.keys[ci], n.vals[ci], moved, false)
		keys := append([]int64(nil), n.keys...)
		vals := append([]V(nil), n.vals...)
		keys[ci], vals[ci] = right.keys[0], right.vals[0]
		children := append([]*node[V](nil), n.children...)
		children[ci], children[ci+1] = newHole, newRight
		return newInternal(keys, vals, children), false
	}
	// No sibling can spare a key: merge. Pick the left sibling if it
	// exists, otherwise the right one.
	if ci > 0 {
		return mergeWithLeft(n, ci, holeChild)
	}
	return mergeWithRight(n, ci, holeChild)
}

// splitOffLast removes the last key/child pair from a 2-key node,
// returning the shrunk node and, for internal nodes, the detached last
// child (nil for leaves).
func splitOffLast[V any](n *node[V]) (*node[V], *node[V]) {
	if n.leaf {
		return newLeaf(n.keys[:1], n.vals[:1]), nil
	}
	return newInternal(n.keys[:1], n.vals[:1], n.children[:2]), n.children[2]
}

// splitOffFirst removes the first key/child pair from a 2-key node,
// returning the shrunk node and, for internal nodes, the detached first
// child (nil for leaves).
func splitOffFirst[V any](n *node[V]) (*node[V], *node[V]) {
	if n.leaf {
		return newLeaf(n.keys[1:], n.vals[1:]), nil
	}
	return newInternal(n.keys[1:], n.vals[1:], n.children[1:]), n.children[0]
}

// graftBorrowed turns a 0-key hole into a valid 1-key node by giving it
// the separator key/val borrowed from the parent, plus, for internal
// holes, the child detached from the donor sibling. fromLeft indicates
// the donor sibling was to the hole's left (so the borrowed child
// becomes the hole's first child).
func graftBorrowed[V any](hole *node[V], key int64, val V, movedChild *node[V], fromLeft bool) *node[V] {
	if hole.leaf {
		return newLeaf([]int64{key}, []V{val})
	}
	var children []*node[V]
	if fromLeft {
		children = append([]*node[V]{movedChild}, hole.children...)
	} else {
		children = append(append([]*node[V]{}, hole.children...), movedChild)
	}
	return newInternal([]int64{key}, []V{val}, children)
}

// mergeWithLeft merges holeChild (n.children[ci]) with its left sibling
// and the separating key n.keys[ci-1], reducing n's key count by one.
// It returns the repaired n and whether n itself is now a hole.
func mergeWithLeft[V any](n *node[V], ci int, holeChild *node[V]) (*node[V], bool) {
	left := n.children[ci-1]
	merged := mergeNodes(left, n.keys[ci-1], n.vals[ci-1], holeChild)
	keys := removeAt(n.keys, ci-1)
	vals := removeAtV(n.vals, ci-1)
	children := append([]*node[V](nil), n.children[:ci-1]...)
	children = append(children, merged)
	children = append(children, n.children[ci+1:]...)
	if len(keys) == 0 {
		return holeInternal(children), true
	}
	return newInternal(keys, vals, children), false
}

// mergeWithRight merges holeChild (n.children[ci]) with its right
// sibling and the separating key n.keys[ci], reducing n's key count by
// one. It returns the repaired n and whether n itself is now a hole.
func mergeWithRight[V any](n *node[V], ci int, holeChild *node[V]) (*node[V], bool) {
	right := n.children[ci+1]
	merged := mergeNodes(holeChild, n.keys[ci], n.vals[ci], right)
	keys := removeAt(n.keys, ci)
	vals := removeAtV(n.vals, ci)
	children := append([]*node[V](nil), n.children[:ci]...)
	children = append(children, merged)
	children = append(children, n.children[ci+2:]...)
	if len(keys) == 0 {
		return holeInternal(children), true
	}
	return newInternal(keys, vals, children), false
}

// mergeNodes merges left and right (a hole and its sibling, in either
// order) around separator key/val into a single valid node.
func mergeNodes[V any](left *node[V], key int64, val V, right *node[V]) *node[V] {
	keys := append(append([]int64(nil), left.keys...), key)
	keys = append(keys, right.keys...)
	vals := append(append([]V(nil), left.vals...), val)
	vals = append(vals, right.vals...)
	if left.leaf {
		return newLeaf(keys, vals)
	}
	children := append(append([]*node[V](nil), left.children...), right.children...)
	return newInternal(keys, vals, children)
}

// holeInternal builds a 0-key internal hole node from the single
// remaining child, for the caller's parent to resolve further.
func holeInternal[V any](children []*node[V]) *node[V] {
	return newInternal(nil, nil, children)
}

func removeAt(s []int64, i int) []int64 {
	out := make([]int64, 0, len(s)-1)
	out = append(out, s[:i]...)
	out = append(out, s[i+1:]...)
	return out
}

func removeAtV[V any](s []V, i int) []V {
	out := make([]V, 0, len(s)-1)
	out = append(out, s[:i]...)
	out = append(out, s[i+1:]...)
	return out
}

// shrinkRoot collapses a 0-key root with exactly one child down to that
// child, and a 0-key leaf root to nil, so tree height only shrinks at
// the root as spec'd.
func shrinkRoot[V any](n *node[V]) *node[V] {
	if n == nil {
		return nil
	}
	if len(n.keys) > 0 {
		return n
	}
	if n.leaf {
		return nil
	}
	return n.children[0]
}
