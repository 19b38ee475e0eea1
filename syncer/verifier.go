package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/bnb-chain/eth-gateway/db"
	"github.com/bnb-chain/eth-gateway/logging"
	"github.com/bnb-chain/eth-gateway/metrics"
)

var (
	ErrVerificationFailed = errors.New("verification failed")
)

// LoadProgressAndResume restores the checkpoint and checks that the store and
// the host chain still agree on it before indexing resumes.
func (s *Syncer) LoadProgressAndResume(ctx context.Context) error {
	cp, err := s.store.GetCheckpoint()
	if err != nil {
		return fmt.Errorf("%w: load checkpoint: %s", ErrIndexingHalted, err.Error())
	}
	if cp == nil {
		logging.Logger.Infof("no checkpoint found, strategy=%s", s.strategy)
		s.publish(nil, nil)
		return nil
	}
	if cp.Strategy != s.strategy {
		logging.Logger.Warningf("checkpoint %s was written by %s sync, continuing with %s", cp, cp.Strategy, s.strategy)
	}

	ctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()
	ref, err := s.host.Header(ctx, cp.NativeHash)
	if err != nil {
		return fmt.Errorf("%w: checkpoint %s is unknown to the host: %s", ErrIndexingHalted, cp, err.Error())
	}
	if ref.Number != cp.NativeNumber {
		return fmt.Errorf("%w: %w: checkpoint %s, host has #%d", ErrIndexingHalted, ErrVerificationFailed, cp, ref.Number)
	}

	head, err := s.store.GetBlock(db.Latest(), true)
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		return fmt.Errorf("%w: load head: %s", ErrIndexingHalted, err.Error())
	default:
		record, err := s.store.GetBlockByNativeHash(cp.NativeHash)
		if err == nil && record.EthHash != head.EthHash {
			return fmt.Errorf("%w: %w: checkpoint block %s is not the canonical head %s", ErrIndexingHalted, ErrVerificationFailed, record, head)
		}
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: load checkpoint block: %s", ErrIndexingHalted, err.Error())
		}
	}

	s.checkpoint = cp
	s.tree.insert(ref)
	s.setStatus(func(status *SyncStatus) {
		status.StartingBlock = cp.NativeNumber
		status.CurrentBlock = cp.NativeNumber
	})
	metrics.IndexedNativeBlockGauge.Set(float64(cp.NativeNumber))
	logging.Logger.Infof("resume indexing from checkpoint %s", cp)
	s.publish(nil, nil)
	return nil
}
