package config

import "time"

type AppConfig struct {
	Workdir      string `envconfig:"WORK_DIR"`
	Port         string `envconfig:"PORT" default:"6180"`
	DatabaseUri  string `envconfig:"DATABASE_URI" default:"tradehub.db"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"4"`
	LogToFile    bool   `envconfig:"LOG_TO_FILE" default:"true"`
	LogDBQueries bool   `envconfig:"LOG_DB_QUERIES" default:"false"`

	// webhook delivery worker pool size; per-robot ordering is preserved
	// by pinning a robot to one worker
	WebhookWorkers int `envconfig:"WEBHOOK_WORKERS" default:"4"`

	// seconds between scheduler sweeps for expired orders
	SchedulerInterval int `envconfig:"SCHEDULER_INTERVAL" default:"10"`

	// fixed swap-out service fee in percent (2-decimal)
	SwapServiceFeeRate float64 `envconfig:"SWAP_SERVICE_FEE_RATE" default:"1.0"`

	// seconds to wait for an inbound escrow payment to settle
	CollectTimeout int `envconfig:"COLLECT_TIMEOUT" default:"600"`

	// Lightning node (LND REST API)
	LNDAddress     string `envconfig:"LND_ADDRESS"`
	LNDMacaroonHex string `envconfig:"LND_MACAROON_HEX"`

	// on-chain wallet (bitcoind JSON-RPC)
	BitcoindRpcUrl      string `envconfig:"BITCOIND_RPC_URL"`
	BitcoindRpcUser     string `envconfig:"BITCOIND_RPC_USER"`
	BitcoindRpcPassword string `envconfig:"BITCOIND_RPC_PASSWORD"`

	// confirmation target in blocks for mining fee estimation
	FeeEstimateTarget int `envconfig:"FEE_ESTIMATE_TARGET" default:"2"`
}

type Config interface {
	GetEnv() *AppConfig
	GetSchedulerInterval() time.Duration
	GetCollectTimeout() time.Duration
}
