package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

type Config struct {
	LogConfig     LogConfig     `json:"log_config"`
	DBConfig      DBConfig      `json:"db_config"`
	SyncerConfig  SyncerConfig  `json:"syncer_config"`
	RPCConfig     RPCConfig     `json:"rpc_config"`
	PoolConfig    PoolConfig    `json:"pool_config"`
	CacheConfig   CacheConfig   `json:"cache_config"`
	MetricsConfig MetricsConfig `json:"metrics_config"`
	DevConfig     DevConfig     `json:"dev_config"`
}

func (cfg *Config) Validate() {
	cfg.LogConfig.Validate()
	cfg.DBConfig.Validate()
	cfg.SyncerConfig.Validate()
	cfg.RPCConfig.Validate()
	cfg.PoolConfig.Validate()
}

type SyncerConfig struct {
	Strategy              string `json:"strategy"`                // Strategy is "normal" (best chain) or "parachain" (finalized only)
	StartBlock            uint64 `json:"start_block"`             // StartBlock is the first native block indexed on an empty store
	NotificationQueueSize int    `json:"notification_queue_size"` // NotificationQueueSize bounds pending host notifications
	RetentionBlocks       uint64 `json:"retention_blocks"`        // RetentionBlocks keeps non-canonical records this many blocks, 0 keeps all
	MonitorIntervalSecs   int    `json:"monitor_interval_secs"`
}

func (cfg *SyncerConfig) Validate() {
	if cfg.Strategy != "" && cfg.Strategy != "normal" && cfg.Strategy != "parachain" {
		panic(fmt.Sprintf("unknown sync strategy %s", cfg.Strategy))
	}
	if cfg.NotificationQueueSize < 0 {
		panic("notification_queue_size should not be negative")
	}
}

func (cfg *SyncerConfig) GetNotificationQueueSize() int {
	if cfg.NotificationQueueSize != 0 {
		return cfg.NotificationQueueSize
	}
	return DefaultNotificationQueueSize
}

func (cfg *SyncerConfig) GetMonitorInterval() time.Duration {
	if cfg.MonitorIntervalSecs != 0 {
		return time.Duration(cfg.MonitorIntervalSecs) * time.Second
	}
	return DefaultMonitorInterval
}

type RPCConfig struct {
	HTTPAddress          string   `json:"http_address"`
	ChainID              uint64   `json:"chain_id"`
	ClientVersion        string   `json:"client_version"`
	MaxBlockRange        uint64   `json:"max_block_range"` // MaxBlockRange bounds the span of eth_getLogs and log filter polls
	MaxPastLogs          int      `json:"max_past_logs"`
	MaxFilters           int      `json:"max_filters"`
	FilterTTLSecs        int      `json:"filter_ttl_secs"`
	FeeHistoryBlocks     int      `json:"fee_history_blocks"`
	FeePercentile        int      `json:"fee_percentile"`
	GasEstimateTimeoutMs int      `json:"gas_estimate_timeout_ms"`
	SubscriptionBuffer   int      `json:"subscription_buffer"`
	CorsAllowedOrigins   []string `json:"cors_allowed_origins"`
	WSAllowedOrigins     []string `json:"ws_allowed_origins"`
	RequestsPerSecond    float64  `json:"requests_per_second"` // RequestsPerSecond limits HTTP requests, 0 disables the limiter
	RequestBurst         int      `json:"request_burst"`
}

func (cfg *RPCConfig) Validate() {
	if cfg.FeePercentile < 0 || cfg.FeePercentile > 100 {
		panic("fee_percentile should be within [0, 100]")
	}
	if cfg.RequestsPerSecond < 0 {
		panic("requests_per_second should not be negative")
	}
}

func (cfg *RPCConfig) GetHTTPAddress() string {
	if cfg.HTTPAddress != "" {
		return cfg.HTTPAddress
	}
	return DefaultHTTPAddress
}

func (cfg *RPCConfig) GetClientVersion() string {
	if cfg.ClientVersion != "" {
		return cfg.ClientVersion
	}
	return DefaultClientVersion
}

func (cfg *RPCConfig) GetMaxBlockRange() uint64 {
	if cfg.MaxBlockRange != 0 {
		return cfg.MaxBlockRange
	}
	return DefaultMaxBlockRange
}

func (cfg *RPCConfig) GetMaxPastLogs() int {
	if cfg.MaxPastLogs != 0 {
		return cfg.MaxPastLogs
	}
	return DefaultMaxPastLogs
}

func (cfg *RPCConfig) GetMaxFilters() int {
	if cfg.MaxFilters != 0 {
		return cfg.MaxFilters
	}
	return DefaultMaxFilters
}

func (cfg *RPCConfig) GetFilterTTL() time.Duration {
	if cfg.FilterTTLSecs != 0 {
		return time.Duration(cfg.FilterTTLSecs) * time.Second
	}
	return DefaultFilterTTL
}

func (cfg *RPCConfig) GetFeeHistoryBlocks() int {
	if cfg.FeeHistoryBlocks != 0 {
		return cfg.FeeHistoryBlocks
	}
	return DefaultFeeHistoryBlocks
}

func (cfg *RPCConfig) GetFeePercentile() int {
	if cfg.FeePercentile != 0 {
		return cfg.FeePercentile
	}
	return DefaultFeePercentile
}

func (cfg *RPCConfig) GetGasEstimateTimeout() time.Duration {
	if cfg.GasEstimateTimeoutMs != 0 {
		return time.Duration(cfg.GasEstimateTimeoutMs) * time.Millisecond
	}
	return DefaultGasEstimateTimeout
}

func (cfg *RPCConfig) GetSubscriptionBuffer() int {
	if cfg.SubscriptionBuffer != 0 {
		return cfg.SubscriptionBuffer
	}
	return DefaultSubscriptionBuffer
}

type PoolConfig struct {
	Strategy string `json:"strategy"` // Strategy is "single-state" or "fork-aware"
}

func (cfg *PoolConfig) Validate() {
	if cfg.Strategy != "" && cfg.Strategy != PoolSingleState && cfg.Strategy != PoolForkAware {
		panic(fmt.Sprintf("only %s and %s pools supported", PoolSingleState, PoolForkAware))
	}
}

func (cfg *PoolConfig) GetStrategy() string {
	if cfg.Strategy != "" {
		return cfg.Strategy
	}
	return PoolSingleState
}

type CacheConfig struct {
	CacheType string `json:"cache_type"`
	CacheSize uint64 `json:"cache_size"`
}

func (c *CacheConfig) GetCacheSize() uint64 {
	if c.CacheSize != 0 {
		return c.CacheSize
	}
	return 1024
}

type MetricsConfig struct {
	Enable      bool   `json:"enable"`
	HttpAddress string `json:"http_address"`
}

func (cfg *MetricsConfig) GetHttpAddress() string {
	if cfg.HttpAddress != "" {
		return cfg.HttpAddress
	}
	return DefaultMetricsAddress
}

// DevConfig drives the in-memory host chain used by --dev.
type DevConfig struct {
	ChainID       uint64            `json:"chain_id"`
	BlockTimeMs   int               `json:"block_time_ms"`
	FinalityDepth uint64            `json:"finality_depth"`
	Alloc         map[string]string `json:"alloc"` // address -> decimal balance in wei
}

func (cfg *DevConfig) GetBlockTime() time.Duration {
	if cfg.BlockTimeMs != 0 {
		return time.Duration(cfg.BlockTimeMs) * time.Millisecond
	}
	return DefaultDevBlockTime
}

type DBConfig struct {
	Backend       string `json:"backend"` // Backend is "key-value" (leveldb) or "sql" (gorm)
	KVPath        string `json:"kv_path"` // KVPath is the leveldb directory, empty for in-memory
	Dialect       string `json:"dialect"`
	KeyType       string `json:"key_type"`
	AWSRegion     string `json:"aws_region"`
	AWSSecretName string `json:"aws_secret_name"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	Url           string `json:"url"`
	MaxIdleConns  int    `json:"max_idle_conns"`
	MaxOpenConns  int    `json:"max_open_conns"`
}

func (cfg *DBConfig) Validate() {
	if cfg.Backend != BackendKeyValue && cfg.Backend != BackendSQL {
		panic(fmt.Sprintf("only %s and %s backends supported", BackendKeyValue, BackendSQL))
	}
	if cfg.Backend == BackendKeyValue {
		return
	}
	if cfg.Dialect != DBDialectMysql && cfg.Dialect != DBDialectSqlite3 {
		panic(fmt.Sprintf("only %s and %s supported", DBDialectMysql, DBDialectSqlite3))
	}
	if cfg.Dialect == DBDialectMysql && (cfg.Username == "" || cfg.Url == "") {
		panic("db config is not correct, missing username and/or url")
	}
	if cfg.MaxIdleConns == 0 || cfg.MaxOpenConns == 0 {
		panic("db connections is not correct")
	}
	if cfg.KeyType == KeyTypeAWSPrivateKey && (cfg.AWSRegion == "" || cfg.AWSSecretName == "") {
		panic("aws_region and aws_secret_name are required for aws_private_key")
	}
}

type LogConfig struct {
	Level                        string `json:"level"`
	Filename                     string `json:"filename"`
	MaxFileSizeInMB              int    `json:"max_file_size_in_mb"`
	MaxBackupsOfLogFiles         int    `json:"max_backups_of_log_files"`
	MaxAgeToRetainLogFilesInDays int    `json:"max_age_to_retain_log_files_in_days"`
	UseConsoleLogger             bool   `json:"use_console_logger"`
	UseFileLogger                bool   `json:"use_file_logger"`
	Compress                     bool   `json:"compress"`
}

func (cfg *LogConfig) Validate() {
	if cfg.UseFileLogger {
		if cfg.Filename == "" {
			panic("filename should not be empty if use file logger")
		}
		if cfg.MaxFileSizeInMB <= 0 {
			panic("max_file_size_in_mb should be larger than 0 if use file logger")
		}
		if cfg.MaxBackupsOfLogFiles <= 0 {
			panic("max_backups_off_log_files should be larger than 0 if use file logger")
		}
	}
}

func ParseConfigFromJson(content string) *Config {
	var config Config
	if err := json.Unmarshal([]byte(content), &config); err != nil {
		panic(err)
	}
	return &config
}

func ParseConfigFromFile(filePath string) *Config {
	bz, err := os.ReadFile(filePath)
	if err != nil {
		panic(err)
	}
	return ParseConfigFromJson(string(bz))
}
