package tree

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nimbridge/nimbridge/internal/domain/entity"
)

// Repository indexes trees by root id and every known message id (user
// nodes and bot status messages alike) by the tree it belongs to.
type Repository struct {
	logger *zap.Logger

	mu         sync.Mutex
	trees      map[string]*Tree
	nodeToTree map[string]string
}

func NewRepository(logger *zap.Logger) *Repository {
	return &Repository{
		logger:     logger,
		trees:      make(map[string]*Tree),
		nodeToTree: make(map[string]string),
	}
}

// CreateTree starts a new tree rooted at the node.
func (r *Repository) CreateTree(root *entity.MessageNode) *Tree {
	t := NewTree(root)
	r.mu.Lock()
	r.trees[t.RootID] = t
	r.nodeToTree[root.NodeID] = t.RootID
	r.mu.Unlock()
	r.logger.Debug("Tree created", zap.String("root_id", t.RootID))
	return t
}

// AddNode attaches a node to an existing tree and indexes it.
func (r *Repository) AddNode(rootID string, node *entity.MessageNode) bool {
	r.mu.Lock()
	t, ok := r.trees[rootID]
	if ok {
		r.nodeToTree[node.NodeID] = rootID
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	t.AddNode(node)
	return true
}

// RegisterMessage maps an extra message id (typically a bot status
// message) to a tree, so replies to it resolve.
func (r *Repository) RegisterMessage(messageID, rootID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.trees[rootID]; ok {
		r.nodeToTree[messageID] = rootID
	}
}

// TreeByRoot returns a tree by its root id.
func (r *Repository) TreeByRoot(rootID string) (*Tree, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trees[rootID]
	return t, ok
}

// TreeByMessage resolves any registered message id to its tree.
func (r *Repository) TreeByMessage(messageID string) (*Tree, bool) {
	r.mu.Lock()
	rootID, ok := r.nodeToTree[messageID]
	t := r.trees[rootID]
	r.mu.Unlock()
	if !ok || t == nil {
		return nil, false
	}
	return t, true
}

// ResolveNode maps a replied-to message id to the node it denotes: either
// the user node itself or the node whose status message was replied to.
func (r *Repository) ResolveNode(messageID string) (*Tree, *entity.MessageNode, bool) {
	t, ok := r.TreeByMessage(messageID)
	if !ok {
		return nil, nil, false
	}
	if node, ok := t.GetNode(messageID); ok {
		return t, node, true
	}
	for _, node := range t.Nodes() {
		if node.StatusMessageID == messageID {
			return t, node, true
		}
	}
	return nil, nil, false
}

// Trees returns a snapshot of all trees.
func (r *Repository) Trees() []*Tree {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Tree, 0, len(r.trees))
	for _, t := range r.trees {
		out = append(out, t)
	}
	return out
}

// RemoveTree drops a tree and all its message index entries.
func (r *Repository) RemoveTree(rootID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.trees, rootID)
	for msgID, root := range r.nodeToTree {
		if root == rootID {
			delete(r.nodeToTree, msgID)
		}
	}
}

// PersistedTree is the wire shape a tree serialises to in the session
// store.
type PersistedTree struct {
	RootID    string                         `json:"root_id"`
	CreatedAt time.Time                      `json:"created_at"`
	Nodes     map[string]*entity.MessageNode `json:"nodes"`
}

// Export snapshots every tree plus the message index for persistence.
func (r *Repository) Export() (map[string]PersistedTree, map[string]string) {
	r.mu.Lock()
	trees := make([]*Tree, 0, len(r.trees))
	for _, t := range r.trees {
		trees = append(trees, t)
	}
	index := make(map[string]string, len(r.nodeToTree))
	for k, v := range r.nodeToTree {
		index[k] = v
	}
	r.mu.Unlock()

	out := make(map[string]PersistedTree, len(trees))
	for _, t := range trees {
		out[t.RootID] = PersistedTree{
			RootID:    t.RootID,
			CreatedAt: t.CreatedAt,
			Nodes:     t.Nodes(),
		}
	}
	return out, index
}

// Restore loads trees and the message index from persisted state.
func (r *Repository) Restore(trees map[string]PersistedTree, nodeToTree map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for rootID, pt := range trees {
		r.trees[rootID] = RestoreTree(pt.RootID, pt.Nodes, pt.CreatedAt)
	}
	for msgID, rootID := range nodeToTree {
		if _, ok := r.trees[rootID]; ok {
			r.nodeToTree[msgID] = rootID
		}
	}
	r.logger.Info("Trees restored", zap.Int("trees", len(r.trees)))
}
