package service

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/stretchr/testify/require"

	"github.com/bnb-chain/eth-gateway/cache"
	"github.com/bnb-chain/eth-gateway/syncer"
	"github.com/bnb-chain/eth-gateway/types"
)

type chainFeed struct {
	feed event.Feed
}

func (f *chainFeed) SubscribeChainEvent(ch chan<- syncer.ChainEvent) event.Subscription {
	return f.feed.Subscribe(ch)
}

func TestFollowDropsRetractedBodies(t *testing.T) {
	lru, err := cache.NewLocalCache(16)
	require.NoError(t, err)
	c := NewChainService(nil, nil, nil, nil, nil, lru, big.NewInt(1337), time.Second)

	kept := &types.EthereumBlockRecord{EthHash: common.Hash{0x01}}
	retracted := &types.EthereumBlockRecord{EthHash: common.Hash{0x02}}
	lru.Set(bodyKey(kept.EthHash), &BlockBody{Record: kept})
	lru.Set(bodyKey(retracted.EthHash), &BlockBody{Record: retracted})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := &chainFeed{}
	c.Follow(ctx, source)
	source.feed.Send(syncer.ChainEvent{Block: kept})
	source.feed.Send(syncer.ChainEvent{Block: retracted, Removed: true})

	require.Eventually(t, func() bool {
		_, ok := lru.Get(bodyKey(retracted.EthHash))
		return !ok
	}, time.Second, 10*time.Millisecond)
	_, ok := lru.Get(bodyKey(kept.EthHash))
	require.True(t, ok)
}
