package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bnb-chain/eth-gateway/types"
)

var errNoCommonAncestor = errors.New("no common ancestor")

type handle int

const nilHandle handle = -1

type treeNode struct {
	ref    types.NativeBlockRef
	parent handle
}

type headerLoader func(ctx context.Context, hash common.Hash) (types.NativeBlockRef, error)

// blockTree is an arena of native headers linked by parent handle. Nodes are
// loaded on demand, so a route walk only touches blocks between the two tips
// and their common ancestor.
type blockTree struct {
	nodes []treeNode
	index map[common.Hash]handle
	load  headerLoader
}

func newBlockTree(load headerLoader) *blockTree {
	return &blockTree{
		index: make(map[common.Hash]handle),
		load:  load,
	}
}

func (t *blockTree) insert(ref types.NativeBlockRef) handle {
	if h, ok := t.index[ref.Hash]; ok {
		return h
	}
	h := handle(len(t.nodes))
	parent := nilHandle
	if p, ok := t.index[ref.ParentHash]; ok {
		parent = p
	}
	t.nodes = append(t.nodes, treeNode{ref: ref, parent: parent})
	t.index[ref.Hash] = h
	return h
}

func (t *blockTree) get(ctx context.Context, hash common.Hash) (handle, error) {
	if h, ok := t.index[hash]; ok {
		return h, nil
	}
	ref, err := t.load(ctx, hash)
	if err != nil {
		return nilHandle, fmt.Errorf("load header %s: %w", hash.Hex(), err)
	}
	return t.insert(ref), nil
}

func (t *blockTree) parentOf(ctx context.Context, h handle) (handle, error) {
	node := t.nodes[h]
	if node.parent != nilHandle {
		return node.parent, nil
	}
	if node.ref.Number == 0 {
		return nilHandle, errNoCommonAncestor
	}
	p, err := t.get(ctx, node.ref.ParentHash)
	if err != nil {
		return nilHandle, err
	}
	t.nodes[h].parent = p
	return p, nil
}

// route returns the blocks to retract, tip first, and the blocks to enact,
// ancestor first, when moving the canonical head from one block to another.
func (t *blockTree) route(ctx context.Context, from, to common.Hash) (retracted, enacted []types.NativeBlockRef, err error) {
	a, err := t.get(ctx, from)
	if err != nil {
		return nil, nil, err
	}
	b, err := t.get(ctx, to)
	if err != nil {
		return nil, nil, err
	}
	for t.nodes[a].ref.Number > t.nodes[b].ref.Number {
		retracted = append(retracted, t.nodes[a].ref)
		if a, err = t.parentOf(ctx, a); err != nil {
			return nil, nil, err
		}
	}
	for t.nodes[b].ref.Number > t.nodes[a].ref.Number {
		enacted = append(enacted, t.nodes[b].ref)
		if b, err = t.parentOf(ctx, b); err != nil {
			return nil, nil, err
		}
	}
	for a != b {
		retracted = append(retracted, t.nodes[a].ref)
		enacted = append(enacted, t.nodes[b].ref)
		if a, err = t.parentOf(ctx, a); err != nil {
			return nil, nil, err
		}
		if b, err = t.parentOf(ctx, b); err != nil {
			return nil, nil, err
		}
	}
	for i, j := 0, len(enacted)-1; i < j; i, j = i+1, j-1 {
		enacted[i], enacted[j] = enacted[j], enacted[i]
	}
	return retracted, enacted, nil
}

// prune drops every node below number and compacts the arena.
func (t *blockTree) prune(below uint64) {
	remap := make(map[handle]handle, len(t.nodes))
	kept := make([]treeNode, 0, len(t.nodes))
	for i, node := range t.nodes {
		if node.ref.Number < below {
			continue
		}
		remap[handle(i)] = handle(len(kept))
		kept = append(kept, node)
	}
	index := make(map[common.Hash]handle, len(kept))
	for i := range kept {
		if p, ok := remap[kept[i].parent]; ok && kept[i].parent != nilHandle {
			kept[i].parent = p
		} else {
			kept[i].parent = nilHandle
		}
		index[kept[i].ref.Hash] = handle(i)
	}
	t.nodes = kept
	t.index = index
}

func (t *blockTree) size() int {
	return len(t.nodes)
}
