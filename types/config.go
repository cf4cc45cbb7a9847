package types

// Config is a struct to hold the configuration data
type Config struct {
	Logging struct {
		OutputLevel  string `yaml:"outputLevel" envconfig:"LOG_LEVEL"`
		OutputStderr bool   `yaml:"outputStderr" envconfig:"LOGGING_OUTPUT_STDERR"`
	} `yaml:"logging"`

	Server struct {
		Host string `yaml:"host" envconfig:"API_HOST"`
		Port string `yaml:"port" envconfig:"API_PORT"`
	} `yaml:"server"`

	Chain struct {
		Name             string `yaml:"name" envconfig:"CHAIN_NAME"`
		GenesisTimestamp uint64 `yaml:"genesisTimestamp" envconfig:"CHAIN_GENESIS_TIMESTAMP"`
		SecondsPerSlot   uint64 `yaml:"secondsPerSlot" envconfig:"CHAIN_SECONDS_PER_SLOT"`
		SlotsPerEpoch    uint64 `yaml:"slotsPerEpoch" envconfig:"CHAIN_SLOTS_PER_EPOCH"`
	} `yaml:"chain"`

	ExecutionApi struct {
		Endpoint      string `yaml:"endpoint" envconfig:"ETH_RPC_URL"`
		MinIntervalMs uint64 `yaml:"minIntervalMs" envconfig:"ETH_RPC_MIN_INTERVAL_MS"`
		MaxConcurrent int    `yaml:"maxConcurrent" envconfig:"ETH_RPC_MAX_CONCURRENT"`
		BatchSize     int    `yaml:"batchSize" envconfig:"RPC_BATCH_SIZE"`
	} `yaml:"executionapi"`

	BeaconApi struct {
		Endpoint      string `yaml:"endpoint" envconfig:"BEACON_RPC_URL"`
		MinIntervalMs uint64 `yaml:"minIntervalMs" envconfig:"BEACON_RPC_MIN_INTERVAL_MS"`
		MaxConcurrent int    `yaml:"maxConcurrent" envconfig:"BEACON_RPC_MAX_CONCURRENT"`
	} `yaml:"beaconapi"`

	Indexer struct {
		StartBlock                  *int64 `yaml:"startBlock" envconfig:"START_BLOCK"`
		WorkerPoolSize              int    `yaml:"workerPoolSize" envconfig:"WORKER_POOL_SIZE"`
		BlockQueueSizeMultiplier    int    `yaml:"blockQueueSizeMultiplier" envconfig:"BLOCK_QUEUE_SIZE_MULTIPLIER"`
		MaxConcurrentBlocks         int    `yaml:"maxConcurrentBlocks" envconfig:"MAX_CONCURRENT_BLOCKS"`
		MaxConcurrentTxReceipts     int    `yaml:"maxConcurrentTxReceipts" envconfig:"MAX_CONCURRENT_TX_RECEIPTS"`
		MaxConcurrentBalanceFetches int    `yaml:"maxConcurrentBalanceFetches" envconfig:"MAX_CONCURRENT_BALANCE_FETCHES"`
		AccountBatchSize            int    `yaml:"accountBatchSize" envconfig:"ACCOUNT_BATCH_SIZE"`
		BlockFetchIntervalSeconds   uint64 `yaml:"blockFetchIntervalSeconds" envconfig:"BLOCK_FETCH_INTERVAL_SECONDS"`
		SyncDelaySeconds            uint64 `yaml:"syncDelaySeconds" envconfig:"SYNC_DELAY_SECONDS"`
		WorkerTimeoutSeconds        uint64 `yaml:"workerTimeoutSeconds" envconfig:"WORKER_TIMEOUT_SECONDS"`
	} `yaml:"indexer"`

	TokenService struct {
		BalanceUpdateIntervalMs uint64 `yaml:"balanceUpdateIntervalMs" envconfig:"TOKEN_BALANCE_UPDATE_INTERVAL_MS"`
		RefreshIntervalMs       uint64 `yaml:"refreshIntervalMs" envconfig:"TOKEN_REFRESH_INTERVAL_MS"`
	} `yaml:"tokenService"`

	Database struct {
		Url         string               `yaml:"url" envconfig:"DATABASE_URL"`
		Engine      string               `yaml:"engine" envconfig:"DATABASE_ENGINE"`
		Sqlite      SqliteDatabaseConfig `yaml:"sqlite"`
		Pgsql       PgsqlDatabaseConfig  `yaml:"pgsql"`
		PgsqlWriter PgsqlDatabaseConfig  `yaml:"pgsqlWriter"`
	} `yaml:"database"`

	Metrics struct {
		Enabled bool   `yaml:"enabled" envconfig:"METRICS_ENABLED"`
		Host    string `yaml:"host" envconfig:"METRICS_HOST"`
		Port    string `yaml:"port" envconfig:"METRICS_PORT"`
	} `yaml:"metrics"`

	Historical struct {
		ServiceAccountPath string `yaml:"serviceAccountPath" envconfig:"BIGQUERY_SERVICE_ACCOUNT_PATH"`
	} `yaml:"historical"`
}

type SqliteDatabaseConfig struct {
	File         string `yaml:"file" envconfig:"DATABASE_SQLITE_FILE"`
	MaxOpenConns int    `yaml:"maxOpenConns" envconfig:"DATABASE_SQLITE_MAX_OPEN_CONNS"`
	MaxIdleConns int    `yaml:"maxIdleConns" envconfig:"DATABASE_SQLITE_MAX_IDLE_CONNS"`
}

type PgsqlDatabaseConfig struct {
	Username     string `yaml:"user" envconfig:"DATABASE_PGSQL_USER"`
	Password     string `yaml:"password" envconfig:"DATABASE_PGSQL_PASSWORD"`
	Name         string `yaml:"name" envconfig:"DATABASE_PGSQL_NAME"`
	Host         string `yaml:"host" envconfig:"DATABASE_PGSQL_HOST"`
	Port         string `yaml:"port" envconfig:"DATABASE_PGSQL_PORT"`
	MaxOpenConns int    `yaml:"maxOpenConns" envconfig:"DATABASE_PGSQL_MAX_OPEN_CONNS"`
	MaxIdleConns int    `yaml:"maxIdleConns" envconfig:"DATABASE_PGSQL_MAX_IDLE_CONNS"`
}
