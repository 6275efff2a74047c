// Package tree implements conversation message trees: per-chat threads of
// user turns with FIFO processing, error cascades, and cancellation.
package tree

import (
	"context"
	"sync"
	"time"

	"github.com/nimbridge/nimbridge/internal/domain/entity"
)

// Tree is one conversation: a root user message and the reply nodes under
// it. At most one node is in progress at a time; the rest queue FIFO.
type Tree struct {
	RootID    string
	CreatedAt time.Time

	mu            sync.Mutex
	nodes         map[string]*entity.MessageNode
	queue         []string
	isProcessing  bool
	currentNodeID string
	currentCancel context.CancelFunc
}

// NewTree creates a tree rooted at the given node.
func NewTree(root *entity.MessageNode) *Tree {
	return &Tree{
		RootID:    root.NodeID,
		CreatedAt: time.Now(),
		nodes:     map[string]*entity.MessageNode{root.NodeID: root},
	}
}

// RestoreTree rebuilds a tree from persisted nodes.
func RestoreTree(rootID string, nodes map[string]*entity.MessageNode, createdAt time.Time) *Tree {
	if nodes == nil {
		nodes = make(map[string]*entity.MessageNode)
	}
	return &Tree{RootID: rootID, CreatedAt: createdAt, nodes: nodes}
}

// AddNode inserts a node and links it under its parent.
func (t *Tree) AddNode(node *entity.MessageNode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[node.NodeID] = node
	if parent, ok := t.nodes[node.ParentID]; ok && node.ParentID != "" {
		parent.ChildrenIDs = append(parent.ChildrenIDs, node.NodeID)
	}
}

// GetNode returns a node by id.
func (t *Tree) GetNode(nodeID string) (*entity.MessageNode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	node, ok := t.nodes[nodeID]
	return node, ok
}

// Nodes returns a shallow snapshot of the node map.
func (t *Tree) Nodes() map[string]*entity.MessageNode {
	t.mu.Lock()
	defer t.mu.Unlock()
	snapshot := make(map[string]*entity.MessageNode, len(t.nodes))
	for id, node := range t.nodes {
		snapshot[id] = node
	}
	return snapshot
}

// Size returns the node count.
func (t *Tree) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes)
}

// CurrentNodeID returns the node currently being processed, if any.
func (t *Tree) CurrentNodeID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentNodeID
}

// QueueLength returns the number of nodes waiting behind the current one.
func (t *Tree) QueueLength() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Processing reports whether a task is running or queued on this tree.
func (t *Tree) Processing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isProcessing
}

// descendantsDFS collects the subtree below nodeID in DFS order. Caller
// holds the lock.
func (t *Tree) descendantsDFS(nodeID string) []*entity.MessageNode {
	var out []*entity.MessageNode
	node, ok := t.nodes[nodeID]
	if !ok {
		return nil
	}
	for _, childID := range node.ChildrenIDs {
		if child, ok := t.nodes[childID]; ok {
			out = append(out, child)
			out = append(out, t.descendantsDFS(childID)...)
		}
	}
	return out
}
