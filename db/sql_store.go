package db

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"gorm.io/gorm"

	"github.com/bnb-chain/eth-gateway/types"
	"github.com/bnb-chain/eth-gateway/util"
)

const checkpointRowId = 1

// SQLStore is the relational mapping store. Log rows carry their block number
// and topics in columns so large log ranges are answered by one indexed query.
type SQLStore struct {
	db      *gorm.DB
	writeMu sync.Mutex
}

func NewSQLStore(db *gorm.DB) MappingDao {
	return &SQLStore{
		db: db,
	}
}

func (d *SQLStore) PutBlock(block *types.EthereumBlockRecord, txs []*types.EthereumTransactionRecord, logs []*ethtypes.Log, cp *types.SyncCheckpoint) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	return d.db.Transaction(func(dbTx *gorm.DB) error {
		hash := util.HashToHex(block.EthHash)
		existing := EthBlock{}
		err := dbTx.Model(&EthBlock{}).Where("hash = ?", hash).Take(&existing).Error
		switch {
		case err == nil:
			if block.Canonical && !existing.Canonical {
				if err = setCanonical(dbTx, block.EthNumber, hash); err != nil {
					return err
				}
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err = insertBlock(dbTx, block, txs, logs); err != nil {
				return err
			}
		default:
			return err
		}
		if cp != nil {
			return saveCheckpoint(dbTx, cp)
		}
		return nil
	})
}

func insertBlock(dbTx *gorm.DB, block *types.EthereumBlockRecord, txs []*types.EthereumTransactionRecord, logs []*ethtypes.Log) error {
	if block.Canonical {
		if err := dbTx.Model(&EthBlock{}).Where("number = ? AND canonical = ?", block.EthNumber, true).
			Update("canonical", false).Error; err != nil {
			return err
		}
	}
	if err := dbTx.Create(toBlockRow(block)).Error; err != nil && !IsDuplicateEntry(err) {
		return err
	}
	if len(txs) != 0 {
		rows := make([]*EthTransaction, 0, len(txs))
		for _, tx := range txs {
			rows = append(rows, &EthTransaction{
				TxHash:         util.HashToHex(tx.EthTxHash),
				BlockHash:      util.HashToHex(tx.EthBlockHash),
				BlockNumber:    block.EthNumber,
				TxIndex:        tx.IndexInBlock,
				ExtrinsicIndex: tx.NativeExtrinsicIndex,
			})
		}
		if err := dbTx.Create(rows).Error; err != nil && !IsDuplicateEntry(err) {
			return err
		}
	}
	if len(logs) != 0 {
		rows := make([]*EthLog, 0, len(logs))
		for _, log := range logs {
			row, err := toLogRow(log)
			if err != nil {
				return err
			}
			rows = append(rows, row)
		}
		if err := dbTx.Create(rows).Error; err != nil && !IsDuplicateEntry(err) {
			return err
		}
	}
	return nil
}

func setCanonical(dbTx *gorm.DB, number uint64, hash string) error {
	if err := dbTx.Model(&EthBlock{}).Where("number = ? AND canonical = ?", number, true).
		Update("canonical", false).Error; err != nil {
		return err
	}
	if hash == "" {
		return nil
	}
	res := dbTx.Model(&EthBlock{}).Where("hash = ? AND number = ?", hash, number).Update("canonical", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("canonicalize block %s at %d: %w", hash, number, ErrNotFound)
	}
	return nil
}

func saveCheckpoint(dbTx *gorm.DB, cp *types.SyncCheckpoint) error {
	return dbTx.Save(&SyncCheckpoint{
		Id:           checkpointRowId,
		NativeHash:   util.HashToHex(cp.NativeHash),
		NativeNumber: cp.NativeNumber,
		Strategy:     int(cp.Strategy),
	}).Error
}

func (d *SQLStore) Canonicalize(number uint64, hash common.Hash, cp *types.SyncCheckpoint) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	return d.db.Transaction(func(dbTx *gorm.DB) error {
		target := ""
		if hash != (common.Hash{}) {
			target = util.HashToHex(hash)
		}
		if err := setCanonical(dbTx, number, target); err != nil {
			return err
		}
		if cp != nil {
			return saveCheckpoint(dbTx, cp)
		}
		return nil
	})
}

func (d *SQLStore) GetBlock(sel BlockSelector, canonicalOnly bool) (*types.EthereumBlockRecord, error) {
	row := EthBlock{}
	q := d.db.Model(&EthBlock{})
	switch sel.Kind {
	case SelectByHash:
		q = q.Where("hash = ?", util.HashToHex(sel.Hash))
	case SelectByNumber:
		q = q.Where("number = ?", sel.Number).Order("canonical desc")
	case SelectLatest:
		q = q.Where("canonical = ?", true).Order("number desc")
	case SelectEarliest:
		q = q.Where("canonical = ?", true).Order("number asc")
	default:
		return nil, fmt.Errorf("unknown block selector %d", sel.Kind)
	}
	if canonicalOnly {
		q = q.Where("canonical = ?", true)
	}
	err := q.Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromBlockRow(&row)
}

func (d *SQLStore) GetBlockByNativeHash(nativeHash common.Hash) (*types.EthereumBlockRecord, error) {
	row := EthBlock{}
	err := d.db.Model(&EthBlock{}).Where("native_hash = ?", util.HashToHex(nativeHash)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromBlockRow(&row)
}

func (d *SQLStore) GetTransaction(hash common.Hash) (*types.EthereumTransactionRecord, error) {
	row := EthTransaction{}
	err := d.db.Table("eth_transaction").Select("eth_transaction.*").
		Joins("JOIN eth_block ON eth_block.hash = eth_transaction.block_hash").
		Where("eth_transaction.tx_hash = ? AND eth_block.canonical = ?", util.HashToHex(hash), true).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &types.EthereumTransactionRecord{
		EthTxHash:            util.HexToHash(row.TxHash),
		EthBlockHash:         util.HexToHash(row.BlockHash),
		IndexInBlock:         row.TxIndex,
		NativeExtrinsicIndex: row.ExtrinsicIndex,
	}, nil
}

func (d *SQLStore) GetLogs(q *LogQuery) ([]*ethtypes.Log, error) {
	tx := d.db.Table("eth_log").Select("eth_log.*").
		Joins("JOIN eth_block ON eth_block.hash = eth_log.block_hash").
		Where("eth_block.canonical = ?", true).
		Where("eth_log.block_number >= ? AND eth_log.block_number <= ?", q.FromBlock, q.ToBlock)
	if len(q.Addresses) != 0 {
		addrs := make([]string, 0, len(q.Addresses))
		for _, addr := range q.Addresses {
			addrs = append(addrs, util.AddressToHex(addr))
		}
		tx = tx.Where("eth_log.address IN ?", addrs)
	}
	if len(q.Topics) > 4 {
		// logs carry at most four topics
		return []*ethtypes.Log{}, nil
	}
	if len(q.Topics) > 0 {
		// a log needs at least as many topics as the query has positions
		tx = tx.Where(fmt.Sprintf("eth_log.topic%d <> ''", len(q.Topics)-1))
	}
	for i, sub := range q.Topics {
		if len(sub) == 0 {
			continue
		}
		topics := make([]string, 0, len(sub))
		for _, topic := range sub {
			topics = append(topics, util.HashToHex(topic))
		}
		tx = tx.Where(fmt.Sprintf("eth_log.topic%d IN ?", i), topics)
	}
	tx = tx.Order("eth_log.block_number asc").Order("eth_log.log_index asc")
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	rows := make([]*EthLog, 0)
	if err := tx.Find(&rows).Error; err != nil {
		return nil, err
	}
	logs := make([]*ethtypes.Log, 0, len(rows))
	for _, row := range rows {
		log, err := fromLogRow(row)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, nil
}

func (d *SQLStore) GetCheckpoint() (*types.SyncCheckpoint, error) {
	row := SyncCheckpoint{}
	err := d.db.Model(&SyncCheckpoint{}).Where("id = ?", checkpointRowId).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &types.SyncCheckpoint{
		NativeHash:   util.HexToHash(row.NativeHash),
		NativeNumber: row.NativeNumber,
		Strategy:     types.SyncStrategy(row.Strategy),
	}, nil
}

func (d *SQLStore) SetCheckpoint(cp *types.SyncCheckpoint) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	return d.db.Transaction(func(dbTx *gorm.DB) error {
		return saveCheckpoint(dbTx, cp)
	})
}

func (d *SQLStore) PruneBefore(number uint64) (int, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	var hashes []string
	err := d.db.Transaction(func(dbTx *gorm.DB) error {
		if err := dbTx.Model(&EthBlock{}).Where("number < ? AND canonical = ?", number, false).
			Pluck("hash", &hashes).Error; err != nil {
			return err
		}
		if len(hashes) == 0 {
			return nil
		}
		if err := dbTx.Where("block_hash IN ?", hashes).Delete(&EthLog{}).Error; err != nil {
			return err
		}
		if err := dbTx.Where("block_hash IN ?", hashes).Delete(&EthTransaction{}).Error; err != nil {
			return err
		}
		return dbTx.Where("hash IN ?", hashes).Delete(&EthBlock{}).Error
	})
	if err != nil {
		return 0, err
	}
	return len(hashes), nil
}

func (d *SQLStore) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func AutoMigrateDB(db *gorm.DB) {
	var err error
	if err = db.AutoMigrate(&EthBlock{}); err != nil {
		panic(err)
	}
	if err = db.AutoMigrate(&EthTransaction{}); err != nil {
		panic(err)
	}
	if err = db.AutoMigrate(&EthLog{}); err != nil {
		panic(err)
	}
	if err = db.AutoMigrate(&SyncCheckpoint{}); err != nil {
		panic(err)
	}
}

func toBlockRow(block *types.EthereumBlockRecord) *EthBlock {
	txHashes := make([]string, 0, len(block.TxHashes))
	for _, h := range block.TxHashes {
		txHashes = append(txHashes, util.HashToHex(h))
	}
	baseFee := "0"
	if block.BaseFee != nil {
		baseFee = block.BaseFee.String()
	}
	return &EthBlock{
		Hash:             util.HashToHex(block.EthHash),
		Number:           block.EthNumber,
		Canonical:        block.Canonical,
		ParentHash:       util.HashToHex(block.ParentEthHash),
		NativeHash:       util.HashToHex(block.NativeHash),
		TxHashes:         util.JoinWithComma(txHashes),
		Miner:            util.AddressToHex(block.Miner),
		StateRoot:        util.HashToHex(block.StateRoot),
		TransactionsRoot: util.HashToHex(block.TransactionsRoot),
		ReceiptsRoot:     util.HashToHex(block.ReceiptsRoot),
		LogsBloom:        util.BytesToHex(block.LogsBloom.Bytes()),
		GasLimit:         block.GasLimit,
		GasUsed:          block.GasUsed,
		Timestamp:        block.Timestamp,
		BaseFee:          baseFee,
		ExtraData:        util.BytesToHex(block.ExtraData),
	}
}

func fromBlockRow(row *EthBlock) (*types.EthereumBlockRecord, error) {
	baseFee, ok := new(big.Int).SetString(row.BaseFee, 10)
	if !ok {
		return nil, fmt.Errorf("block %s has base fee %q: %w", row.Hash, row.BaseFee, ErrCorrupted)
	}
	bloom, err := util.HexToBytes(row.LogsBloom)
	if err != nil || len(bloom) != ethtypes.BloomByteLength {
		return nil, fmt.Errorf("block %s has a bad logs bloom: %w", row.Hash, ErrCorrupted)
	}
	extra, err := util.HexToBytes(row.ExtraData)
	if err != nil {
		return nil, fmt.Errorf("block %s has bad extra data: %w", row.Hash, ErrCorrupted)
	}
	txHashes := make([]common.Hash, 0)
	for _, h := range util.SplitByComma(row.TxHashes) {
		txHashes = append(txHashes, util.HexToHash(h))
	}
	return &types.EthereumBlockRecord{
		EthHash:          util.HexToHash(row.Hash),
		EthNumber:        row.Number,
		ParentEthHash:    util.HexToHash(row.ParentHash),
		NativeHash:       util.HexToHash(row.NativeHash),
		Canonical:        row.Canonical,
		TxHashes:         txHashes,
		Miner:            util.HexToAddress(row.Miner),
		StateRoot:        util.HexToHash(row.StateRoot),
		TransactionsRoot: util.HexToHash(row.TransactionsRoot),
		ReceiptsRoot:     util.HexToHash(row.ReceiptsRoot),
		LogsBloom:        ethtypes.BytesToBloom(bloom),
		GasLimit:         row.GasLimit,
		GasUsed:          row.GasUsed,
		Timestamp:        row.Timestamp,
		BaseFee:          baseFee,
		ExtraData:        extra,
	}, nil
}

func toLogRow(log *ethtypes.Log) (*EthLog, error) {
	if len(log.Topics) > 4 {
		return nil, fmt.Errorf("log %d of tx %s has %d topics", log.Index, log.TxHash.Hex(), len(log.Topics))
	}
	var topics [4]string
	for i, topic := range log.Topics {
		topics[i] = util.HashToHex(topic)
	}
	return &EthLog{
		BlockHash:   util.HashToHex(log.BlockHash),
		LogIndex:    uint32(log.Index),
		BlockNumber: log.BlockNumber,
		TxHash:      util.HashToHex(log.TxHash),
		TxIndex:     uint32(log.TxIndex),
		Address:     util.AddressToHex(log.Address),
		Topic0:      topics[0],
		Topic1:      topics[1],
		Topic2:      topics[2],
		Topic3:      topics[3],
		Data:        util.BytesToHex(log.Data),
	}, nil
}

func fromLogRow(row *EthLog) (*ethtypes.Log, error) {
	data, err := util.HexToBytes(row.Data)
	if err != nil {
		return nil, fmt.Errorf("log %d of block %s has bad data: %w", row.LogIndex, row.BlockHash, ErrCorrupted)
	}
	topics := make([]common.Hash, 0, 4)
	for _, topic := range []string{row.Topic0, row.Topic1, row.Topic2, row.Topic3} {
		if topic == "" {
			break
		}
		topics = append(topics, util.HexToHash(topic))
	}
	return &ethtypes.Log{
		Address:     util.HexToAddress(row.Address),
		Topics:      topics,
		Data:        data,
		BlockNumber: row.BlockNumber,
		TxHash:      util.HexToHash(row.TxHash),
		TxIndex:     uint(row.TxIndex),
		BlockHash:   util.HexToHash(row.BlockHash),
		Index:       uint(row.LogIndex),
	}, nil
}
