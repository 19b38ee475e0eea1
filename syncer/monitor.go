package syncer

import (
	"context"

	"github.com/bnb-chain/eth-gateway/logging"
	"github.com/bnb-chain/eth-gateway/metrics"
)

// LagWarnThreshold is the number of unindexed blocks above which lag is logged.
const LagWarnThreshold = 32

func (s *Syncer) monitor(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()
	target, err := s.target(ctx)
	if err != nil {
		logging.Logger.Errorf("failed to get host head, err=%s", err.Error())
		return
	}
	metrics.HostBestBlockGauge.Set(float64(target.Number))
	if s.checkpoint == nil {
		return
	}
	var lag uint64
	if target.Number > s.checkpoint.NativeNumber {
		lag = target.Number - s.checkpoint.NativeNumber
	}
	metrics.SyncLagGauge.Set(float64(lag))
	if lag > LagWarnThreshold {
		logging.Logger.Warningf("indexing lags the host by %d blocks, checkpoint=%s", lag, s.checkpoint)
	}
}
