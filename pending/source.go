package pending

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/bnb-chain/eth-gateway/config"
	"github.com/bnb-chain/eth-gateway/external"
	"github.com/bnb-chain/eth-gateway/types"
)

// source reads the pool relative to the indexed head.
type source interface {
	snapshot(head *types.EthereumBlockRecord) (ready, future []*ethtypes.Transaction)
}

// singleStateSource uses the pool's own notion of the best block.
type singleStateSource struct {
	pool external.TxPool
}

func (s *singleStateSource) snapshot(_ *types.EthereumBlockRecord) (ready, future []*ethtypes.Transaction) {
	return s.pool.All()
}

// forkAwareSource asks the pool for the ready set at the indexed head, so the
// pending view never runs ahead of the mapping store.
type forkAwareSource struct {
	pool external.ForkAwareTxPool
}

func (s *forkAwareSource) snapshot(head *types.EthereumBlockRecord) (ready, future []*ethtypes.Transaction) {
	all, future := s.pool.All()
	if head == nil {
		return all, future
	}
	ready = s.pool.ReadyAt(head.NativeHash)
	inReady := make(map[common.Hash]struct{}, len(ready))
	for _, tx := range ready {
		inReady[tx.Hash()] = struct{}{}
	}
	// txs ready at the host's best block but not at the indexed head are
	// still waiting from the gateway's point of view
	for _, tx := range all {
		if _, ok := inReady[tx.Hash()]; !ok {
			future = append(future, tx)
		}
	}
	return ready, future
}

func newSource(pool external.TxPool, strategy string) (source, error) {
	switch strategy {
	case "", config.PoolSingleState:
		return &singleStateSource{pool: pool}, nil
	case config.PoolForkAware:
		forkAware, ok := pool.(external.ForkAwareTxPool)
		if !ok {
			return nil, fmt.Errorf("pool strategy %s needs a fork-aware host pool", strategy)
		}
		return &forkAwareSource{pool: forkAware}, nil
	default:
		return nil, fmt.Errorf("unknown pool strategy %s", strategy)
	}
}
