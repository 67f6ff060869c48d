package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Operating modes. In ledger mode the local record store is authoritative; in
// trustless mode the external contract is, and write operations return
// unsigned transaction plans instead of mutating state.
const (
	ModeLedger    = "ledger"
	ModeTrustless = "trustless"
)

type Config struct {
	Mode   string `yaml:"mode"`
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	DB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Escrow struct {
		FeeBps                uint32 `yaml:"fee_bps"`
		FeeRecipient          string `yaml:"fee_recipient"`
		Arbiter               string `yaml:"arbiter"`
		DeadlineHours         int    `yaml:"deadline_hours"`
		AcceptanceWindowHours int    `yaml:"acceptance_window_hours"`
	} `yaml:"escrow"`
	Wallet struct {
		XPub         string `yaml:"xpub"`
		Bech32Prefix string `yaml:"bech32_prefix"`
	} `yaml:"wallet"`
	Contract struct {
		Address        string `yaml:"address"`
		TokenAddress   string `yaml:"token_address"`
		RPCEndpoint    string `yaml:"rpc_endpoint"`
		WSEndpoint     string `yaml:"ws_endpoint"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"contract"`
	Sweeper struct {
		IntervalSeconds int `yaml:"interval_seconds"`
		BatchSize       int `yaml:"batch_size"`
		Workers         int `yaml:"workers"`
	} `yaml:"sweeper"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Mode == "" {
		cfg.Mode = ModeLedger
	}
	if cfg.Mode != ModeLedger && cfg.Mode != ModeTrustless {
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	if cfg.Server.Addr == "" {
		return nil, errors.New("server.addr is required")
	}
	switch cfg.Mode {
	case ModeLedger:
		if cfg.DB.DSN == "" {
			return nil, errors.New("db.dsn is required in ledger mode")
		}
	case ModeTrustless:
		if cfg.Contract.Address == "" || cfg.Contract.RPCEndpoint == "" {
			return nil, errors.New("contract.address and contract.rpc_endpoint are required in trustless mode")
		}
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ESCROW_MODE"); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("AUTH_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("ESCROW_FEE_BPS"); v != "" {
		cfg.Escrow.FeeBps = uint32(atoiOr(int(cfg.Escrow.FeeBps), v))
	}
	if v := os.Getenv("ESCROW_FEE_RECIPIENT"); v != "" {
		cfg.Escrow.FeeRecipient = v
	}
	if v := os.Getenv("ESCROW_ARBITER"); v != "" {
		cfg.Escrow.Arbiter = v
	}
	if v := os.Getenv("ESCROW_DEADLINE_HOURS"); v != "" {
		cfg.Escrow.DeadlineHours = atoiOr(cfg.Escrow.DeadlineHours, v)
	}
	if v := os.Getenv("ESCROW_ACCEPTANCE_WINDOW_HOURS"); v != "" {
		cfg.Escrow.AcceptanceWindowHours = atoiOr(cfg.Escrow.AcceptanceWindowHours, v)
	}
	if v := os.Getenv("WALLET_XPUB"); v != "" {
		cfg.Wallet.XPub = v
	}
	if v := os.Getenv("BECH32_PREFIX"); v != "" {
		cfg.Wallet.Bech32Prefix = v
	}
	if v := os.Getenv("CONTRACT_ADDRESS"); v != "" {
		cfg.Contract.Address = v
	}
	if v := os.Getenv("CONTRACT_TOKEN_ADDRESS"); v != "" {
		cfg.Contract.TokenAddress = v
	}
	if v := os.Getenv("CONTRACT_RPC_ENDPOINT"); v != "" {
		cfg.Contract.RPCEndpoint = v
	}
	if v := os.Getenv("CONTRACT_WS_ENDPOINT"); v != "" {
		cfg.Contract.WSEndpoint = v
	}
	if v := os.Getenv("CONTRACT_TIMEOUT_SECONDS"); v != "" {
		cfg.Contract.TimeoutSeconds = atoiOr(cfg.Contract.TimeoutSeconds, v)
	}
	if v := os.Getenv("SWEEP_INTERVAL_SECONDS"); v != "" {
		cfg.Sweeper.IntervalSeconds = atoiOr(cfg.Sweeper.IntervalSeconds, v)
	}
	if v := os.Getenv("SWEEP_BATCH_SIZE"); v != "" {
		cfg.Sweeper.BatchSize = atoiOr(cfg.Sweeper.BatchSize, v)
	}
	if v := os.Getenv("SWEEP_WORKERS"); v != "" {
		cfg.Sweeper.Workers = atoiOr(cfg.Sweeper.Workers, v)
	}
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}
