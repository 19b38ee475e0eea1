package syncer

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/bnb-chain/eth-gateway/external"
	"github.com/bnb-chain/eth-gateway/types"
)

type fakeHeaders struct {
	refs  map[common.Hash]types.NativeBlockRef
	loads int
}

func (f *fakeHeaders) add(name string, number uint64, parent string) types.NativeBlockRef {
	ref := types.NativeBlockRef{Hash: common.BytesToHash([]byte(name)), Number: number}
	if parent != "" {
		ref.ParentHash = common.BytesToHash([]byte(parent))
	}
	f.refs[ref.Hash] = ref
	return ref
}

func (f *fakeHeaders) load(_ context.Context, hash common.Hash) (types.NativeBlockRef, error) {
	f.loads++
	ref, ok := f.refs[hash]
	if !ok {
		return types.NativeBlockRef{}, external.ErrBlockNotFound
	}
	return ref, nil
}

func refNumbers(refs []types.NativeBlockRef) []uint64 {
	out := make([]uint64, 0, len(refs))
	for _, ref := range refs {
		out = append(out, ref.Number)
	}
	return out
}

func TestTreeRoute(t *testing.T) {
	ctx := context.Background()
	f := &fakeHeaders{refs: make(map[common.Hash]types.NativeBlockRef)}
	g := f.add("g", 0, "")
	a1 := f.add("a1", 1, "g")
	a2 := f.add("a2", 2, "a1")
	b1 := f.add("b1", 1, "g")
	f.add("b2", 2, "b1")
	b3 := f.add("b3", 3, "b2")
	tree := newBlockTree(f.load)

	retracted, enacted, err := tree.route(ctx, g.Hash, a2.Hash)
	require.NoError(t, err)
	require.Empty(t, retracted)
	require.Equal(t, []types.NativeBlockRef{a1, a2}, enacted)

	retracted, enacted, err = tree.route(ctx, a2.Hash, b3.Hash)
	require.NoError(t, err)
	require.Equal(t, []types.NativeBlockRef{a2, a1}, retracted)
	require.Equal(t, []uint64{1, 2, 3}, refNumbers(enacted))
	require.Equal(t, b1, enacted[0])

	// walking back to an ancestor only retracts
	retracted, enacted, err = tree.route(ctx, b3.Hash, b1.Hash)
	require.NoError(t, err)
	require.Equal(t, []uint64{3, 2}, refNumbers(retracted))
	require.Empty(t, enacted)

	loads := f.loads
	_, _, err = tree.route(ctx, a2.Hash, b3.Hash)
	require.NoError(t, err)
	require.Equal(t, loads, f.loads)
	require.Equal(t, 6, tree.size())
}

func TestTreePrune(t *testing.T) {
	ctx := context.Background()
	f := &fakeHeaders{refs: make(map[common.Hash]types.NativeBlockRef)}
	f.add("g", 0, "")
	f.add("a1", 1, "g")
	a2 := f.add("a2", 2, "a1")
	a3 := f.add("a3", 3, "a2")
	tree := newBlockTree(f.load)

	_, _, err := tree.route(ctx, common.BytesToHash([]byte("g")), a3.Hash)
	require.NoError(t, err)
	require.Equal(t, 4, tree.size())

	tree.prune(2)
	require.Equal(t, 2, tree.size())
	_, enacted, err := tree.route(ctx, a2.Hash, a3.Hash)
	require.NoError(t, err)
	require.Equal(t, []types.NativeBlockRef{a3}, enacted)
}

func TestTreeUnknownBlock(t *testing.T) {
	f := &fakeHeaders{refs: make(map[common.Hash]types.NativeBlockRef)}
	g := f.add("g", 0, "")
	tree := newBlockTree(f.load)
	_, _, err := tree.route(context.Background(), g.Hash, common.HexToHash("0x99"))
	require.ErrorIs(t, err, external.ErrBlockNotFound)
}
