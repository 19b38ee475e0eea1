package db

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/bnb-chain/eth-gateway/types"
)

// Key layout, numbers are 8 byte big endian:
//
//	b <eth hash>                -> rlp(block record)
//	h <native hash>             -> eth hash
//	n <number> <eth hash>       -> empty, every block ever written at number
//	c <number>                  -> canonical eth hash
//	t <tx hash> <eth hash>      -> rlp(txEntry)
//	l <eth hash>                -> rlp([]storedLog)
//	k                           -> rlp(checkpoint)
var (
	blockPrefix     = []byte("b")
	nativePrefix    = []byte("h")
	numberPrefix    = []byte("n")
	canonicalPrefix = []byte("c")
	txPrefix        = []byte("t")
	logPrefix       = []byte("l")
	checkpointKey   = []byte("k")
)

type txEntry struct {
	BlockNumber          uint64
	IndexInBlock         uint32
	NativeExtrinsicIndex uint32
}

type storedLog struct {
	Address common.Address
	Topics  []common.Hash
	Data    []byte
	TxHash  common.Hash
	TxIndex uint64
	Index   uint64
}

type storedCheckpoint struct {
	NativeHash   common.Hash
	NativeNumber uint64
	Strategy     uint64
}

// KVStore is the ordered key-value mapping store on leveldb. Every write is a
// single leveldb batch; multi-key reads go through a snapshot.
type KVStore struct {
	db      *leveldb.DB
	writeMu sync.Mutex
}

// NewKVStore opens or creates the store at path. An empty path keeps everything in memory.
func NewKVStore(path string) (MappingDao, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
		if lerrors.IsCorrupted(err) {
			db, err = leveldb.RecoverFile(path, nil)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, wrapErr(err))
	}
	return &KVStore{db: db}, nil
}

func encodeNumber(number uint64) []byte {
	enc := make([]byte, 8)
	binary.BigEndian.PutUint64(enc, number)
	return enc
}

func key(prefix []byte, parts ...[]byte) []byte {
	k := append([]byte{}, prefix...)
	for _, p := range parts {
		k = append(k, p...)
	}
	return k
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if lerrors.IsCorrupted(err) {
		return fmt.Errorf("%w: %s", ErrCorrupted, err.Error())
	}
	return err
}

func (d *KVStore) PutBlock(block *types.EthereumBlockRecord, txs []*types.EthereumTransactionRecord, logs []*ethtypes.Log, cp *types.SyncCheckpoint) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	batch := new(leveldb.Batch)
	exists, err := d.db.Has(key(blockPrefix, block.EthHash.Bytes()), nil)
	if err != nil {
		return wrapErr(err)
	}
	if !exists {
		stored := block.Copy()
		stored.Canonical = false
		enc, err := rlp.EncodeToBytes(stored)
		if err != nil {
			return err
		}
		batch.Put(key(blockPrefix, block.EthHash.Bytes()), enc)
		batch.Put(key(nativePrefix, block.NativeHash.Bytes()), block.EthHash.Bytes())
		batch.Put(key(numberPrefix, encodeNumber(block.EthNumber), block.EthHash.Bytes()), nil)
		for _, tx := range txs {
			enc, err := rlp.EncodeToBytes(&txEntry{
				BlockNumber:          block.EthNumber,
				IndexInBlock:         tx.IndexInBlock,
				NativeExtrinsicIndex: tx.NativeExtrinsicIndex,
			})
			if err != nil {
				return err
			}
			batch.Put(key(txPrefix, tx.EthTxHash.Bytes(), block.EthHash.Bytes()), enc)
		}
		entries := make([]*storedLog, 0, len(logs))
		for _, log := range logs {
			entries = append(entries, &storedLog{
				Address: log.Address,
				Topics:  log.Topics,
				Data:    log.Data,
				TxHash:  log.TxHash,
				TxIndex: uint64(log.TxIndex),
				Index:   uint64(log.Index),
			})
		}
		enc, err = rlp.EncodeToBytes(entries)
		if err != nil {
			return err
		}
		batch.Put(key(logPrefix, block.EthHash.Bytes()), enc)
	}
	if block.Canonical {
		batch.Put(key(canonicalPrefix, encodeNumber(block.EthNumber)), block.EthHash.Bytes())
	}
	if err := putCheckpoint(batch, cp); err != nil {
		return err
	}
	return wrapErr(d.db.Write(batch, nil))
}

func putCheckpoint(batch *leveldb.Batch, cp *types.SyncCheckpoint) error {
	if cp == nil {
		return nil
	}
	enc, err := rlp.EncodeToBytes(&storedCheckpoint{
		NativeHash:   cp.NativeHash,
		NativeNumber: cp.NativeNumber,
		Strategy:     uint64(cp.Strategy),
	})
	if err != nil {
		return err
	}
	batch.Put(checkpointKey, enc)
	return nil
}

func (d *KVStore) Canonicalize(number uint64, hash common.Hash, cp *types.SyncCheckpoint) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	batch := new(leveldb.Batch)
	if hash == (common.Hash{}) {
		batch.Delete(key(canonicalPrefix, encodeNumber(number)))
	} else {
		ok, err := d.db.Has(key(numberPrefix, encodeNumber(number), hash.Bytes()), nil)
		if err != nil {
			return wrapErr(err)
		}
		if !ok {
			return fmt.Errorf("canonicalize block %s at %d: %w", hash.Hex(), number, ErrNotFound)
		}
		batch.Put(key(canonicalPrefix, encodeNumber(number)), hash.Bytes())
	}
	if err := putCheckpoint(batch, cp); err != nil {
		return err
	}
	return wrapErr(d.db.Write(batch, nil))
}

func (d *KVStore) GetBlock(sel BlockSelector, canonicalOnly bool) (*types.EthereumBlockRecord, error) {
	snap, err := d.db.GetSnapshot()
	if err != nil {
		return nil, wrapErr(err)
	}
	defer snap.Release()

	var hash common.Hash
	switch sel.Kind {
	case SelectByHash:
		hash = sel.Hash
	case SelectByNumber:
		enc, err := snap.Get(key(canonicalPrefix, encodeNumber(sel.Number)), nil)
		switch {
		case err == nil:
			hash = common.BytesToHash(enc)
		case errors.Is(err, leveldb.ErrNotFound) && !canonicalOnly:
			// fall back to any block written at that height
			it := snap.NewIterator(util.BytesPrefix(key(numberPrefix, encodeNumber(sel.Number))), nil)
			found := it.Next()
			if found {
				hash = common.BytesToHash(it.Key()[1+8:])
			}
			it.Release()
			if !found {
				return nil, ErrNotFound
			}
		case errors.Is(err, leveldb.ErrNotFound):
			return nil, ErrNotFound
		default:
			return nil, wrapErr(err)
		}
	case SelectLatest, SelectEarliest:
		it := snap.NewIterator(util.BytesPrefix(canonicalPrefix), nil)
		var ok bool
		if sel.Kind == SelectLatest {
			ok = it.Last()
		} else {
			ok = it.First()
		}
		if ok {
			hash = common.BytesToHash(it.Value())
		}
		err := it.Error()
		it.Release()
		if err != nil {
			return nil, wrapErr(err)
		}
		if !ok {
			return nil, ErrNotFound
		}
	default:
		return nil, fmt.Errorf("unknown block selector %d", sel.Kind)
	}

	block, err := readBlock(snap, hash)
	if err != nil {
		return nil, err
	}
	if canonicalOnly && !block.Canonical {
		return nil, ErrNotFound
	}
	return block, nil
}

// readBlock loads a record and derives its canonical flag from the c index.
func readBlock(snap *leveldb.Snapshot, hash common.Hash) (*types.EthereumBlockRecord, error) {
	enc, err := snap.Get(key(blockPrefix, hash.Bytes()), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	block := new(types.EthereumBlockRecord)
	if err := rlp.DecodeBytes(enc, block); err != nil {
		return nil, fmt.Errorf("decode block %s: %w", hash.Hex(), ErrCorrupted)
	}
	canonical, err := snap.Get(key(canonicalPrefix, encodeNumber(block.EthNumber)), nil)
	switch {
	case err == nil:
		block.Canonical = bytes.Equal(canonical, hash.Bytes())
	case errors.Is(err, leveldb.ErrNotFound):
		block.Canonical = false
	default:
		return nil, wrapErr(err)
	}
	return block, nil
}

func (d *KVStore) GetBlockByNativeHash(nativeHash common.Hash) (*types.EthereumBlockRecord, error) {
	snap, err := d.db.GetSnapshot()
	if err != nil {
		return nil, wrapErr(err)
	}
	defer snap.Release()

	enc, err := snap.Get(key(nativePrefix, nativeHash.Bytes()), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	return readBlock(snap, common.BytesToHash(enc))
}

func (d *KVStore) GetTransaction(hash common.Hash) (*types.EthereumTransactionRecord, error) {
	snap, err := d.db.GetSnapshot()
	if err != nil {
		return nil, wrapErr(err)
	}
	defer snap.Release()

	it := snap.NewIterator(util.BytesPrefix(key(txPrefix, hash.Bytes())), nil)
	defer it.Release()
	for it.Next() {
		blockHash := common.BytesToHash(it.Key()[1+common.HashLength:])
		entry := new(txEntry)
		if err := rlp.DecodeBytes(it.Value(), entry); err != nil {
			return nil, fmt.Errorf("decode tx %s: %w", hash.Hex(), ErrCorrupted)
		}
		canonical, err := snap.Get(key(canonicalPrefix, encodeNumber(entry.BlockNumber)), nil)
		if errors.Is(err, leveldb.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, wrapErr(err)
		}
		if bytes.Equal(canonical, blockHash.Bytes()) {
			return &types.EthereumTransactionRecord{
				EthTxHash:            hash,
				EthBlockHash:         blockHash,
				IndexInBlock:         entry.IndexInBlock,
				NativeExtrinsicIndex: entry.NativeExtrinsicIndex,
			}, nil
		}
	}
	if err := it.Error(); err != nil {
		return nil, wrapErr(err)
	}
	return nil, ErrNotFound
}

func (d *KVStore) GetLogs(q *LogQuery) ([]*ethtypes.Log, error) {
	if q.FromBlock > q.ToBlock {
		return []*ethtypes.Log{}, nil
	}
	snap, err := d.db.GetSnapshot()
	if err != nil {
		return nil, wrapErr(err)
	}
	defer snap.Release()

	var limit []byte
	if q.ToBlock < ^uint64(0) {
		limit = key(canonicalPrefix, encodeNumber(q.ToBlock+1))
	} else {
		limit = util.BytesPrefix(canonicalPrefix).Limit
	}
	it := snap.NewIterator(&util.Range{
		Start: key(canonicalPrefix, encodeNumber(q.FromBlock)),
		Limit: limit,
	}, nil)
	defer it.Release()

	logs := make([]*ethtypes.Log, 0)
	for it.Next() {
		number := binary.BigEndian.Uint64(it.Key()[1:])
		blockHash := common.BytesToHash(it.Value())
		enc, err := snap.Get(key(logPrefix, blockHash.Bytes()), nil)
		if errors.Is(err, leveldb.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, wrapErr(err)
		}
		var stored []*storedLog
		if err := rlp.DecodeBytes(enc, &stored); err != nil {
			return nil, fmt.Errorf("decode logs of %s: %w", blockHash.Hex(), ErrCorrupted)
		}
		for _, s := range stored {
			log := &ethtypes.Log{
				Address:     s.Address,
				Topics:      s.Topics,
				Data:        s.Data,
				BlockNumber: number,
				TxHash:      s.TxHash,
				TxIndex:     uint(s.TxIndex),
				BlockHash:   blockHash,
				Index:       uint(s.Index),
			}
			if !MatchLog(log, q.Addresses, q.Topics) {
				continue
			}
			logs = append(logs, log)
			if q.Limit > 0 && len(logs) >= q.Limit {
				return logs, nil
			}
		}
	}
	if err := it.Error(); err != nil {
		return nil, wrapErr(err)
	}
	return logs, nil
}

func (d *KVStore) GetCheckpoint() (*types.SyncCheckpoint, error) {
	enc, err := d.db.Get(checkpointKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	stored := new(storedCheckpoint)
	if err := rlp.DecodeBytes(enc, stored); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", ErrCorrupted)
	}
	return &types.SyncCheckpoint{
		NativeHash:   stored.NativeHash,
		NativeNumber: stored.NativeNumber,
		Strategy:     types.SyncStrategy(stored.Strategy),
	}, nil
}

func (d *KVStore) SetCheckpoint(cp *types.SyncCheckpoint) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	batch := new(leveldb.Batch)
	if err := putCheckpoint(batch, cp); err != nil {
		return err
	}
	return wrapErr(d.db.Write(batch, nil))
}

func (d *KVStore) PruneBefore(number uint64) (int, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	snap, err := d.db.GetSnapshot()
	if err != nil {
		return 0, wrapErr(err)
	}
	defer snap.Release()

	batch := new(leveldb.Batch)
	pruned := 0
	it := snap.NewIterator(&util.Range{
		Start: key(numberPrefix, encodeNumber(0)),
		Limit: key(numberPrefix, encodeNumber(number)),
	}, nil)
	defer it.Release()
	for it.Next() {
		hash := common.BytesToHash(it.Key()[1+8:])
		block, err := readBlock(snap, hash)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if block.Canonical {
			continue
		}
		batch.Delete(append([]byte{}, it.Key()...))
		batch.Delete(key(blockPrefix, hash.Bytes()))
		batch.Delete(key(logPrefix, hash.Bytes()))
		if owner, err := snap.Get(key(nativePrefix, block.NativeHash.Bytes()), nil); err == nil && bytes.Equal(owner, hash.Bytes()) {
			batch.Delete(key(nativePrefix, block.NativeHash.Bytes()))
		}
		for _, tx := range block.TxHashes {
			batch.Delete(key(txPrefix, tx.Bytes(), hash.Bytes()))
		}
		pruned++
	}
	if err := it.Error(); err != nil {
		return 0, wrapErr(err)
	}
	if pruned == 0 {
		return 0, nil
	}
	if err := d.db.Write(batch, nil); err != nil {
		return 0, wrapErr(err)
	}
	return pruned, nil
}

func (d *KVStore) Close() error {
	return d.db.Close()
}
