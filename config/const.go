package config

import "time"

const (
	FlagConfigPath = "config-path"
	FlagDevMode    = "dev"

	EnvVarConfigFilePath = "CONFIG_FILE_PATH"
	EnvVarDBPassword     = "DB_PASSWORD"

	DBDialectMysql   = "mysql"
	DBDialectSqlite3 = "sqlite3"

	BackendKeyValue = "key-value"
	BackendSQL      = "sql"

	PoolSingleState = "single-state"
	PoolForkAware   = "fork-aware"

	KeyTypeLocal         = "local_private_key"
	KeyTypeAWSPrivateKey = "aws_private_key"

	LocalCache = "local"

	DefaultMaxBlockRange         = 1024
	DefaultMaxPastLogs           = 10000
	DefaultMaxFilters            = 500
	DefaultFilterTTL             = 5 * time.Minute
	DefaultFeeHistoryBlocks      = 20
	DefaultFeePercentile         = 60
	DefaultGasEstimateTimeout    = 10 * time.Second
	DefaultSubscriptionBuffer    = 256
	DefaultNotificationQueueSize = 128
	DefaultMetricsAddress        = "0.0.0.0:9090"
	DefaultHTTPAddress           = "0.0.0.0:8545"
	DefaultClientVersion         = "eth-gateway/v0.1.0"
	DefaultMonitorInterval       = 10 * time.Second
	DefaultDevBlockTime          = 2 * time.Second
	DefaultDevChainID            = uint64(1337)
)
