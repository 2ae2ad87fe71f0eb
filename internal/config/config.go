// Package config
package config

import (
	"flag"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

/*
YAML config example:
db_conn_str: "..."
db_max_open: 10
db_max_idle: 5
run_migration: true
xrpl_node_url: "wss://s1.ripple.com"
telegram_token: "..."
fee_wallet_address: "r..."
fee_percent: 1.0
referral_percent: 10.0
poll_interval: 5s
request_timeout: 10s
submit_timeout: 30s
*/

type Config struct {
	DBConnStr        string        `yaml:"db_conn_str"`
	DBMaxOpen        int           `yaml:"db_max_open"`
	DBMaxIdle        int           `yaml:"db_max_idle"`
	RunMigration     bool          `yaml:"run_migration"`
	XRPLNodeURL      string        `yaml:"xrpl_node_url"`
	TelegramToken    string        `yaml:"telegram_token"`
	FeeWalletAddress string        `yaml:"fee_wallet_address"`
	FeePercent       float64       `yaml:"fee_percent"`
	ReferralPercent  float64       `yaml:"referral_percent"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	SubmitTimeout    time.Duration `yaml:"submit_timeout"`
	OracleTimeout    time.Duration `yaml:"oracle_timeout"`
}

func MustLoadConfig() Config {
	nodeURL := flag.String("xrpl-node", "wss://s1.ripple.com", "XRPL node websocket URL")
	telegramToken := flag.String("telegram-token", "", "Telegram bot token for notifications")
	feeWallet := flag.String("fee-wallet", "", "Platform fee wallet address")
	feePercent := flag.Float64("fee-percent", 1.0, "Platform fee percent per executed trade (e.g., 1.0 for 1%)")
	referralPercent := flag.Float64("referral-percent", 10.0, "Referrer share of the fee in percent (e.g., 10.0 for 10%)")
	pollInterval := flag.Duration("poll-interval", 5*time.Second, "Watcher poll interval (e.g., 5s)")
	requestTimeout := flag.Duration("request-timeout", 10*time.Second, "Timeout for oracle and ledger queries")
	submitTimeout := flag.Duration("submit-timeout", 30*time.Second, "Timeout for ledger submissions including consensus wait")
	oracleTimeout := flag.Duration("oracle-timeout", 10*time.Second, "Timeout for price oracle HTTP calls")
	runMigration := flag.Bool("run-migration", false, "Apply scripts/schema.sql before starting")
	configFile := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			log.Fatalf("Failed to read config file: %v", err)
		}
		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			log.Fatalf("Failed to parse config file: %v", err)
		}
		if fileCfg.PollInterval <= 0 {
			fileCfg.PollInterval = *pollInterval
		}
		if fileCfg.RequestTimeout <= 0 {
			fileCfg.RequestTimeout = *requestTimeout
		}
		if fileCfg.SubmitTimeout <= 0 {
			fileCfg.SubmitTimeout = *submitTimeout
		}
		if fileCfg.OracleTimeout <= 0 {
			fileCfg.OracleTimeout = *oracleTimeout
		}
		if fileCfg.DBMaxOpen <= 0 {
			fileCfg.DBMaxOpen = 10
		}
		if fileCfg.DBMaxIdle <= 0 {
			fileCfg.DBMaxIdle = 5
		}
		return fileCfg
	}

	cfg := Config{
		DBConnStr:        os.Getenv("DB_CONN_STR"),
		DBMaxOpen:        10,
		DBMaxIdle:        5,
		RunMigration:     *runMigration,
		XRPLNodeURL:      *nodeURL,
		TelegramToken:    *telegramToken,
		FeeWalletAddress: *feeWallet,
		FeePercent:       *feePercent,
		ReferralPercent:  *referralPercent,
		PollInterval:     *pollInterval,
		RequestTimeout:   *requestTimeout,
		SubmitTimeout:    *submitTimeout,
		OracleTimeout:    *oracleTimeout,
	}
	if env := os.Getenv("XRPL_NODE_URL"); env != "" {
		cfg.XRPLNodeURL = env
	}
	if env := os.Getenv("TELEGRAM_TOKEN"); env != "" {
		cfg.TelegramToken = env
	}
	if env := os.Getenv("XRP_FEE_WALLET"); env != "" {
		cfg.FeeWalletAddress = env
	}
	return cfg
}
