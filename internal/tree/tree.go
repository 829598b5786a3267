// Package tree is the authoritative store of accounts and their parent/child
// links.
//
// Accounts live in a map keyed by their public id; links are id references,
// never pointers that outlive a call. One RWMutex guards the whole forest:
// lookups share it, structural changes take it exclusively. Deleting an
// account removes its entire subtree in the same critical section, so the
// forest never holds a child whose parent is gone.
package tree

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"

	"phantomid/internal/clock"
	"phantomid/internal/identity"
	"phantomid/internal/logging"
)

const DefaultTTL = 90 * 24 * time.Hour

var (
	ErrUnknownParent = errors.New("unknown parent")
	// ErrIDCollision is the only error a caller may retry: the next attempt
	// draws a fresh seed.
	ErrIDCollision = errors.New("id collision")
	ErrParentFull  = errors.New("parent has reached its child limit")
	ErrTreeFull    = errors.New("account limit reached")
)

// Order selects the traversal used by Walk.
type Order int

const (
	BFS Order = iota
	DFS
)

func (o Order) String() string {
	if o == DFS {
		return "dfs"
	}
	return "bfs"
}

// ParseOrder accepts "bfs", "dfs" or "" (bfs).
func ParseOrder(s string) (Order, error) {
	switch s {
	case "", "bfs":
		return BFS, nil
	case "dfs":
		return DFS, nil
	default:
		return BFS, fmt.Errorf("unknown traversal order %q", s)
	}
}

// Account is the public view of a stored account. The seed never leaves the
// tree.
type Account struct {
	ID        string
	ParentID  string
	CreatedAt time.Time
	ExpiresAt time.Time
	Depth     int
	Children  int
}

func (a Account) Root() bool { return a.ParentID == "" }

type Options struct {
	TTL         time.Duration
	MaxChildren int
	MaxAccounts int
	Seeds       identity.SeedSource
	// Codec must produce ids accepted by identity.ValidID; Insert refuses
	// any other parent id.
	Codec  identity.Codec
	Clock  clock.Clock
	Logger pslog.Logger
}

type node struct {
	seed      identity.Seed
	id        string
	parent    string
	createdAt time.Time
	expiresAt time.Time
	depth     int
	children  []string
}

type Tree struct {
	mu    sync.RWMutex
	nodes map[string]*node
	roots []string

	ttl         time.Duration
	maxChildren int
	maxAccounts int
	seeds       identity.SeedSource
	codec       identity.Codec
	clock       clock.Clock
	logger      pslog.Logger

	hookMu   sync.RWMutex
	onRemove []func(ids []string)
}

func New(opts Options) *Tree {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	seeds := opts.Seeds
	if seeds == nil {
		seeds = identity.RandSeeds{}
	}
	codec := opts.Codec
	if codec == nil {
		codec = identity.SHA3Codec{}
	}
	return &Tree{
		nodes:       make(map[string]*node),
		ttl:         ttl,
		maxChildren: opts.MaxChildren,
		maxAccounts: opts.MaxAccounts,
		seeds:       seeds,
		codec:       codec,
		clock:       clock.OrReal(opts.Clock),
		logger:      logging.WithSubsystem(opts.Logger, "tree"),
	}
}

// TTL is the lifetime given to new accounts.
func (t *Tree) TTL() time.Duration { return t.ttl }

// OnRemove registers fn to receive the ids removed by every Delete, Sweep
// eviction or Reset. fn runs after the tree lock is released.
func (t *Tree) OnRemove(fn func(ids []string)) {
	if fn == nil {
		return
	}
	t.hookMu.Lock()
	t.onRemove = append(t.onRemove, fn)
	t.hookMu.Unlock()
}

// Insert creates an account under parentID, or a root when parentID is empty.
func (t *Tree) Insert(parentID string) (Account, error) {
	if parentID != "" && !identity.ValidID(parentID) {
		return Account{}, fmt.Errorf("%w: malformed id", ErrUnknownParent)
	}
	seed, err := t.seeds.NewSeed()
	if err != nil {
		return Account{}, err
	}
	id := t.codec.DeriveID(seed, parentID)

	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()

	var parent *node
	if parentID != "" {
		parent = t.nodes[parentID]
		if parent == nil || !t.liveLocked(parent, now) {
			return Account{}, fmt.Errorf("%w: %s", ErrUnknownParent, parentID)
		}
		if t.maxChildren > 0 && len(parent.children) >= t.maxChildren {
			return Account{}, fmt.Errorf("%w: %s", ErrParentFull, parentID)
		}
	}
	if t.maxAccounts > 0 && len(t.nodes) >= t.maxAccounts {
		return Account{}, ErrTreeFull
	}
	if _, exists := t.nodes[id]; exists {
		return Account{}, ErrIDCollision
	}

	n := &node{
		seed:      seed,
		id:        id,
		parent:    parentID,
		createdAt: now,
		expiresAt: now.Add(t.ttl),
	}
	if parent != nil {
		n.depth = parent.depth + 1
		parent.children = append(parent.children, id)
	} else {
		t.roots = append(t.roots, id)
	}
	t.nodes[id] = n
	t.logger.Debug("tree.insert", "id", id, "parent_id", parentID, "depth", n.depth)
	return n.view(), nil
}

// Delete removes id and every descendant. It reports whether id existed.
func (t *Tree) Delete(id string) bool {
	return t.Remove(id) > 0
}

// Remove is Delete returning the number of accounts removed.
func (t *Tree) Remove(id string) int {
	t.mu.Lock()
	removed := t.deleteLocked(id)
	t.mu.Unlock()
	if len(removed) == 0 {
		return 0
	}
	t.logger.Debug("tree.delete", "id", id, "removed", len(removed))
	t.notify(removed)
	return len(removed)
}

func (t *Tree) deleteLocked(id string) []string {
	n := t.nodes[id]
	if n == nil {
		return nil
	}
	if n.parent == "" {
		t.roots = without(t.roots, id)
	} else {
		p := t.nodes[n.parent]
		if p == nil {
			panic(fmt.Sprintf("tree: account %s references missing parent %s", id, n.parent))
		}
		p.children = without(p.children, id)
	}
	removed := make([]string, 0, 1+len(n.children))
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		cn := t.nodes[cur]
		if cn == nil {
			panic(fmt.Sprintf("tree: child %s missing from arena", cur))
		}
		stack = append(stack, cn.children...)
		cn.seed = identity.Seed{}
		cn.children = nil
		delete(t.nodes, cur)
		removed = append(removed, cur)
	}
	return removed
}

// Lookup returns the live account with the given id. An account whose
// deadline, or any ancestor's deadline, has passed is reported absent even
// before the sweep evicts it.
func (t *Tree) Lookup(id string) (Account, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := t.nodes[id]
	if n == nil || !t.liveLocked(n, t.clock.Now()) {
		return Account{}, false
	}
	return n.view(), true
}

// IsDescendantOf reports whether candidate sits strictly below ancestor.
func (t *Tree) IsDescendantOf(candidateID, ancestorID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isDescendantLocked(candidateID, ancestorID)
}

func (t *Tree) isDescendantLocked(candidateID, ancestorID string) bool {
	n := t.nodes[candidateID]
	if n == nil || t.nodes[ancestorID] == nil {
		return false
	}
	for n.parent != "" {
		if n.parent == ancestorID {
			return true
		}
		n = t.nodes[n.parent]
		if n == nil {
			return false
		}
	}
	return false
}

// SameTree reports whether a and b belong to the same trust subtree, i.e.
// share a root account.
func (t *Tree) SameTree(a, b string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	root := t.rootLocked(b)
	if root == "" || t.nodes[a] == nil {
		return false
	}
	return a == root || t.isDescendantLocked(a, root)
}

func (t *Tree) rootLocked(id string) string {
	n := t.nodes[id]
	for n != nil && n.parent != "" {
		n = t.nodes[n.parent]
	}
	if n == nil {
		return ""
	}
	return n.id
}

// Extend pushes the deadline of a live account back by d. It cannot revive
// an account under an expired ancestor.
func (t *Tree) Extend(id string, d time.Duration) (Account, bool) {
	if d <= 0 {
		return Account{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.nodes[id]
	if n == nil || !t.liveLocked(n, t.clock.Now()) {
		return Account{}, false
	}
	n.expiresAt = n.expiresAt.Add(d)
	return n.view(), true
}

// Expired lists accounts whose deadline is at or before now, outermost
// first, skipping descendants of an already listed account.
func (t *Tree) Expired(now time.Time) []string {
	var out []string
	t.walk(BFS, func(n *node) bool {
		if !n.live(now) {
			out = append(out, n.id)
			return false
		}
		return true
	})
	return out
}

// Walk visits every account in the requested order. Returning false from
// fn stops the walk.
func (t *Tree) Walk(order Order, fn func(Account) bool) {
	for _, a := range t.Snapshot(order) {
		if !fn(a) {
			return
		}
	}
}

// Snapshot returns every account in traversal order, roots by creation time.
func (t *Tree) Snapshot(order Order) []Account {
	t.mu.RLock()
	out := make([]Account, 0, len(t.nodes))
	t.mu.RUnlock()
	t.walk(order, func(n *node) bool {
		out = append(out, n.view())
		return true
	})
	return out
}

// walk runs visit under the read lock. When visit returns false the
// subtree below that node is skipped.
func (t *Tree) walk(order Order, visit func(*node) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	roots := t.sortedLocked(t.roots)
	switch order {
	case DFS:
		stack := make([]*node, 0, len(roots))
		for i := len(roots) - 1; i >= 0; i-- {
			stack = append(stack, roots[i])
		}
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if !visit(n) {
				continue
			}
			kids := t.sortedLocked(n.children)
			for i := len(kids) - 1; i >= 0; i-- {
				stack = append(stack, kids[i])
			}
		}
	default:
		queue := roots
		for len(queue) > 0 {
			n := queue[0]
			queue = queue[1:]
			if !visit(n) {
				continue
			}
			queue = append(queue, t.sortedLocked(n.children)...)
		}
	}
}

func (t *Tree) sortedLocked(ids []string) []*node {
	out := make([]*node, 0, len(ids))
	for _, id := range ids {
		if n := t.nodes[id]; n != nil {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].id < out[j].id
		}
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}

// Len counts stored accounts, including expired ones not yet swept.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// Depth is the number of accounts on the longest root-to-leaf path.
func (t *Tree) Depth() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.nodes) == 0 {
		return 0
	}
	max := 0
	for _, n := range t.nodes {
		if n.depth > max {
			max = n.depth
		}
	}
	return max + 1
}

func (t *Tree) Roots() []Account {
	t.mu.RLock()
	defer t.mu.RUnlock()
	nodes := t.sortedLocked(t.roots)
	out := make([]Account, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.view())
	}
	return out
}

// Reset discards every account.
func (t *Tree) Reset() {
	t.mu.Lock()
	removed := make([]string, 0, len(t.nodes))
	for id, n := range t.nodes {
		n.seed = identity.Seed{}
		removed = append(removed, id)
	}
	t.nodes = make(map[string]*node)
	t.roots = nil
	t.mu.Unlock()
	if len(removed) > 0 {
		t.notify(removed)
	}
}

func (t *Tree) notify(ids []string) {
	t.hookMu.RLock()
	hooks := append([]func([]string){}, t.onRemove...)
	t.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(ids)
	}
}

func (n *node) live(now time.Time) bool {
	return n.expiresAt.After(now)
}

// liveLocked reports whether n and every ancestor are unexpired. An expired
// parent revokes its whole subtree even before the sweep removes it.
func (t *Tree) liveLocked(n *node, now time.Time) bool {
	for n != nil {
		if !n.live(now) {
			return false
		}
		if n.parent == "" {
			return true
		}
		n = t.nodes[n.parent]
	}
	return false
}

func (n *node) view() Account {
	return Account{
		ID:        n.id,
		ParentID:  n.parent,
		CreatedAt: n.createdAt,
		ExpiresAt: n.expiresAt,
		Depth:     n.depth,
		Children:  len(n.children),
	}
}

func without(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
