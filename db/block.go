package db

type EthBlock struct {
	Id               int64
	Hash             string `gorm:"NOT NULL;uniqueIndex:idx_eth_block_hash;size:64"`
	Number           uint64 `gorm:"NOT NULL;index:idx_eth_block_number_canonical,priority:1"`
	Canonical        bool   `gorm:"NOT NULL;index:idx_eth_block_number_canonical,priority:2"`
	ParentHash       string `gorm:"NOT NULL;size:64"`
	NativeHash       string `gorm:"NOT NULL;index:idx_eth_block_native_hash;size:64"`
	TxHashes         string `gorm:"type:text"` // comma separated, in block order
	Miner            string `gorm:"size:40"`
	StateRoot        string `gorm:"size:64"`
	TransactionsRoot string `gorm:"size:64"`
	ReceiptsRoot     string `gorm:"size:64"`
	LogsBloom        string `gorm:"type:text"`
	GasLimit         uint64
	GasUsed          uint64
	Timestamp        uint64
	BaseFee          string
	ExtraData        string `gorm:"type:text"`
}

func (*EthBlock) TableName() string {
	return "eth_block"
}

type EthTransaction struct {
	Id             int64
	TxHash         string `gorm:"NOT NULL;uniqueIndex:idx_eth_tx_hash_block,priority:1;size:64"`
	BlockHash      string `gorm:"NOT NULL;uniqueIndex:idx_eth_tx_hash_block,priority:2;size:64"`
	BlockNumber    uint64 `gorm:"NOT NULL"`
	TxIndex        uint32
	ExtrinsicIndex uint32
}

func (*EthTransaction) TableName() string {
	return "eth_transaction"
}

type EthLog struct {
	Id          int64
	BlockHash   string `gorm:"NOT NULL;uniqueIndex:idx_eth_log_block_index,priority:1;size:64"`
	LogIndex    uint32 `gorm:"NOT NULL;uniqueIndex:idx_eth_log_block_index,priority:2"`
	BlockNumber uint64 `gorm:"NOT NULL;index:idx_eth_log_number"`
	TxHash      string `gorm:"NOT NULL;size:64"`
	TxIndex     uint32
	Address     string `gorm:"NOT NULL;index:idx_eth_log_address;size:40"`
	Topic0      string `gorm:"index:idx_eth_log_topic0;size:64"`
	Topic1      string `gorm:"size:64"`
	Topic2      string `gorm:"size:64"`
	Topic3      string `gorm:"size:64"`
	Data        string `gorm:"type:text"`
}

func (*EthLog) TableName() string {
	return "eth_log"
}

// SyncCheckpoint holds a single row with Id 1.
type SyncCheckpoint struct {
	Id           int64
	NativeHash   string `gorm:"NOT NULL;size:64"`
	NativeNumber uint64
	Strategy     int
}

func (*SyncCheckpoint) TableName() string {
	return "sync_checkpoint"
}
