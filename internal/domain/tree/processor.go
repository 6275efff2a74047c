package tree

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nimbridge/nimbridge/internal/domain/entity"
	"github.com/nimbridge/nimbridge/pkg/safego"
)

// ProcessorFn runs one node's task. It must honour ctx cancellation.
type ProcessorFn func(ctx context.Context, node *entity.MessageNode) error

// ErrUnknownNode is returned when a node id resolves to no tree.
var ErrUnknownNode = errors.New("node does not belong to any tree")

// Processor drives per-tree FIFO execution: one running node per tree,
// later nodes queued, failures cascading to pending descendants.
type Processor struct {
	repo   *Repository
	logger *zap.Logger

	// Invoked after a cascade or cancellation changes node states, so the
	// chat layer can update status messages. Optional.
	OnNodesAffected func(tree *Tree, nodes []*entity.MessageNode)
}

func NewProcessor(repo *Repository, logger *zap.Logger) *Processor {
	return &Processor{repo: repo, logger: logger}
}

// Enqueue runs fn for the node now if its tree is idle, otherwise queues
// it. Returns whether the node was queued behind earlier work.
func (p *Processor) Enqueue(nodeID string, fn ProcessorFn) (bool, error) {
	t, ok := p.repo.TreeByMessage(nodeID)
	if !ok {
		return false, ErrUnknownNode
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.isProcessing {
		t.queue = append(t.queue, nodeID)
		p.logger.Debug("Node queued",
			zap.String("node_id", nodeID),
			zap.Int("queue_position", len(t.queue)),
		)
		return true, nil
	}

	t.isProcessing = true
	p.launchLocked(t, nodeID, fn)
	return false, nil
}

// launchLocked starts the task goroutine for nodeID. Caller holds t.mu;
// the lock is never held across fn itself.
func (p *Processor) launchLocked(t *Tree, nodeID string, fn ProcessorFn) {
	ctx, cancel := context.WithCancel(context.Background())
	t.currentNodeID = nodeID
	t.currentCancel = cancel

	safego.Go(p.logger, "tree-task-"+nodeID, func() {
		defer cancel()
		p.runTask(ctx, t, nodeID, fn)
	})
}

func (p *Processor) runTask(ctx context.Context, t *Tree, nodeID string, fn ProcessorFn) {
	node, ok := t.GetNode(nodeID)
	if ok {
		err := fn(ctx, node)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("Node task failed",
				zap.String("node_id", nodeID),
				zap.Error(err),
			)
			affected := p.MarkNodeError(nodeID, err.Error(), true)
			p.notify(t, affected)
		}
	} else {
		p.logger.Warn("Queued node vanished", zap.String("node_id", nodeID))
	}

	t.mu.Lock()
	if t.currentNodeID != nodeID {
		// Cancelled and superseded while fn was running; the new owner
		// manages the queue.
		t.mu.Unlock()
		return
	}
	t.currentNodeID = ""
	t.currentCancel = nil

	for len(t.queue) > 0 {
		next := t.queue[0]
		t.queue = t.queue[1:]
		if _, ok := t.nodes[next]; !ok {
			continue
		}
		p.launchLocked(t, next, fn)
		t.mu.Unlock()
		return
	}

	t.isProcessing = false
	t.mu.Unlock()
}

func (p *Processor) notify(t *Tree, nodes []*entity.MessageNode) {
	if p.OnNodesAffected != nil && len(nodes) > 0 {
		p.OnNodesAffected(t, nodes)
	}
}

// MarkNodeError moves a node to the error state. With propagate, every
// pending descendant fails too, attributed to the parent. Returns the
// nodes whose state changed.
func (p *Processor) MarkNodeError(nodeID, message string, propagate bool) []*entity.MessageNode {
	t, ok := p.repo.TreeByMessage(nodeID)
	if !ok {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var affected []*entity.MessageNode
	node, ok := t.nodes[nodeID]
	if !ok {
		return nil
	}
	if node.SetState(entity.StateError) {
		node.ErrorMessage = message
		affected = append(affected, node)
	}

	if propagate {
		cascade := "Parent failed: " + message
		for _, desc := range t.descendantsDFS(nodeID) {
			if desc.State == entity.StatePending && desc.SetState(entity.StateError) {
				desc.ErrorMessage = cascade
				affected = append(affected, desc)
			}
		}
	}
	return affected
}

// CancelTree aborts the running task and fails every non-terminal node.
// Returns the nodes whose state changed.
func (p *Processor) CancelTree(rootID string) []*entity.MessageNode {
	t, ok := p.repo.TreeByRoot(rootID)
	if !ok {
		return nil
	}

	t.mu.Lock()

	if t.currentCancel != nil {
		t.currentCancel()
		t.currentCancel = nil
	}

	var affected []*entity.MessageNode
	fail := func(node *entity.MessageNode, reason string) {
		if node.SetState(entity.StateError) {
			node.ErrorMessage = reason
			affected = append(affected, node)
		}
	}

	if current, ok := t.nodes[t.currentNodeID]; ok {
		fail(current, "Cancelled by user")
	}
	for _, id := range t.queue {
		if node, ok := t.nodes[id]; ok {
			fail(node, "Cancelled by user")
		}
	}
	t.queue = nil

	for _, node := range t.nodes {
		if node.State == entity.StatePending || node.State == entity.StateInProgress {
			fail(node, "Stale task cleaned up")
		}
	}

	t.currentNodeID = ""
	t.isProcessing = false
	t.mu.Unlock()

	p.notify(t, affected)
	return affected
}

// CancelAll cancels every tree. Returns the total number of affected
// nodes.
func (p *Processor) CancelAll() int {
	total := 0
	for _, t := range p.repo.Trees() {
		total += len(p.CancelTree(t.RootID))
	}
	return total
}

// CleanupStaleNodes fails every node left pending or in progress by a
// previous run. Called once after restoring persisted trees.
func (p *Processor) CleanupStaleNodes() int {
	count := 0
	for _, t := range p.repo.Trees() {
		t.mu.Lock()
		for _, node := range t.nodes {
			if node.State == entity.StatePending || node.State == entity.StateInProgress {
				if node.SetState(entity.StateError) {
					node.ErrorMessage = "Lost during server restart"
					count++
				}
			}
		}
		t.queue = nil
		t.isProcessing = false
		t.currentNodeID = ""
		t.mu.Unlock()
	}
	if count > 0 {
		p.logger.Info(fmt.Sprintf("Marked %d stale nodes from previous run", count))
	}
	return count
}
