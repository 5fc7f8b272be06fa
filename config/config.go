// Package config loads and validates the agent's TOML configuration file,
// in the spirit of the teacher's flat, fatal-on-error startup config
// loading (cmd/lncli's config handling): a raw struct decoded with
// BurntSushi/toml, then converted into typed, range-checked values once.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/graphops/tap-agent/core"
)

// raw mirrors the TOML file's shape. Durations and u128 values are read as
// strings here and converted in parse, since TOML has no native duration
// type.
type raw struct {
	Database struct {
		URL string `toml:"url"`
	} `toml:"database"`

	Indexer struct {
		Address string `toml:"address"`
	} `toml:"indexer"`

	Chain struct {
		ID             uint64 `toml:"id"`
		EscrowContract string `toml:"escrow_contract"`
	} `toml:"chain"`

	Subgraphs struct {
		Escrow  string `toml:"escrow_url"`
		Network string `toml:"network_url"`
	} `toml:"subgraphs"`

	Accounting struct {
		RavRequestBuffer         string `toml:"rav_request_buffer"`
		MaxAmountWillingToLose   string `toml:"max_amount_willing_to_lose_grt"`
		TriggerValue             string `toml:"trigger_value"`
		RavRequestTimeout        string `toml:"rav_request_timeout"`
		RavRequestReceiptLimit   int    `toml:"rav_request_receipt_limit"`
		EscrowPollingInterval    string `toml:"escrow_polling_interval"`
		TapSenderTimeout         string `toml:"tap_sender_timeout"`
		RetryInterval            string `toml:"retry_interval"`
		TimestampErrorTolerance  string `toml:"timestamp_error_tolerance"`
		ReceiptMaxValue          string `toml:"receipt_max_value"`
		AllocationGracePeriod    string `toml:"allocation_grace_period"`
		RecentlyClosedWindow     string `toml:"recently_closed_allocation_window"`
		MaxConcurrentSenderSpawn int    `toml:"max_concurrent_sender_spawn"`
	} `toml:"accounting"`

	Aggregator struct {
		LegacyEndpoint  string `toml:"legacy_endpoint"`
		CurrentEndpoint string `toml:"current_endpoint"`
		UseZstd         bool   `toml:"use_zstd"`
	} `toml:"aggregator"`

	Metrics struct {
		ListenAddr string `toml:"listen_addr"`
	} `toml:"metrics"`

	LogLevel string `toml:"log_level"`
}

// Config is the fully-parsed, typed configuration every package below
// cmd/tap-agent consumes.
type Config struct {
	DatabaseURL string
	Indexer     core.Address

	ChainID        uint64
	EscrowContract core.Address

	EscrowSubgraphURL  string
	NetworkSubgraphURL string

	RavRequestBuffer         time.Duration
	MaxAmountWillingToLose   core.U128
	TriggerValue             core.U128
	RavRequestTimeout        time.Duration
	RavRequestReceiptLimit   int
	EscrowPollingInterval    time.Duration
	TapSenderTimeout         time.Duration
	RetryInterval            time.Duration
	TimestampErrorTolerance  time.Duration
	ReceiptMaxValue          core.U128
	AllocationGracePeriod    time.Duration
	RecentlyClosedWindow     time.Duration
	MaxConcurrentSenderSpawn int

	AggregatorLegacyEndpoint  string
	AggregatorCurrentEndpoint string
	AggregatorUseZstd         bool

	MetricsListenAddr string
	LogLevel          string
}

// defaults applied to any field the file leaves at its TOML zero value,
// matching the teacher's pattern of filling in sane defaults after decode
// rather than requiring every key.
var defaults = Config{
	RavRequestBuffer:         30 * time.Second,
	RavRequestTimeout:        30 * time.Second,
	RavRequestReceiptLimit:   10_000,
	EscrowPollingInterval:    30 * time.Second,
	TapSenderTimeout:         10 * time.Second,
	RetryInterval:            30 * time.Second,
	TimestampErrorTolerance:  30 * time.Second,
	AllocationGracePeriod:    5 * time.Minute,
	RecentlyClosedWindow:     time.Hour,
	MaxConcurrentSenderSpawn: 10,
	MetricsListenAddr:        ":7300",
	LogLevel:                 "info",
}

// Load reads and parses the TOML file at path.
func Load(path string) (*Config, error) {
	var r raw
	if _, err := toml.DecodeFile(path, &r); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return parse(&r)
}

func parse(r *raw) (*Config, error) {
	cfg := defaults

	if r.Database.URL == "" {
		return nil, fmt.Errorf("config: database.url is required")
	}
	cfg.DatabaseURL = r.Database.URL

	if r.Indexer.Address == "" {
		return nil, fmt.Errorf("config: indexer.address is required")
	}
	cfg.Indexer = core.HexToAddress(r.Indexer.Address)

	if r.Chain.ID == 0 {
		return nil, fmt.Errorf("config: chain.id is required")
	}
	cfg.ChainID = r.Chain.ID
	if r.Chain.EscrowContract == "" {
		return nil, fmt.Errorf("config: chain.escrow_contract is required")
	}
	cfg.EscrowContract = core.HexToAddress(r.Chain.EscrowContract)

	if r.Subgraphs.Escrow == "" {
		return nil, fmt.Errorf("config: subgraphs.escrow_url is required")
	}
	cfg.EscrowSubgraphURL = r.Subgraphs.Escrow
	if r.Subgraphs.Network == "" {
		return nil, fmt.Errorf("config: subgraphs.network_url is required")
	}
	cfg.NetworkSubgraphURL = r.Subgraphs.Network

	var err error
	if cfg.RavRequestBuffer, err = parseDurationOr(r.Accounting.RavRequestBuffer, cfg.RavRequestBuffer); err != nil {
		return nil, fmt.Errorf("config: accounting.rav_request_buffer: %w", err)
	}
	if cfg.RavRequestTimeout, err = parseDurationOr(r.Accounting.RavRequestTimeout, cfg.RavRequestTimeout); err != nil {
		return nil, fmt.Errorf("config: accounting.rav_request_timeout: %w", err)
	}
	if cfg.EscrowPollingInterval, err = parseDurationOr(r.Accounting.EscrowPollingInterval, cfg.EscrowPollingInterval); err != nil {
		return nil, fmt.Errorf("config: accounting.escrow_polling_interval: %w", err)
	}
	if cfg.TapSenderTimeout, err = parseDurationOr(r.Accounting.TapSenderTimeout, cfg.TapSenderTimeout); err != nil {
		return nil, fmt.Errorf("config: accounting.tap_sender_timeout: %w", err)
	}
	if cfg.RetryInterval, err = parseDurationOr(r.Accounting.RetryInterval, cfg.RetryInterval); err != nil {
		return nil, fmt.Errorf("config: accounting.retry_interval: %w", err)
	}
	if cfg.TimestampErrorTolerance, err = parseDurationOr(r.Accounting.TimestampErrorTolerance, cfg.TimestampErrorTolerance); err != nil {
		return nil, fmt.Errorf("config: accounting.timestamp_error_tolerance: %w", err)
	}
	if cfg.AllocationGracePeriod, err = parseDurationOr(r.Accounting.AllocationGracePeriod, cfg.AllocationGracePeriod); err != nil {
		return nil, fmt.Errorf("config: accounting.allocation_grace_period: %w", err)
	}
	if cfg.RecentlyClosedWindow, err = parseDurationOr(r.Accounting.RecentlyClosedWindow, cfg.RecentlyClosedWindow); err != nil {
		return nil, fmt.Errorf("config: accounting.recently_closed_allocation_window: %w", err)
	}

	if cfg.MaxAmountWillingToLose, err = parseU128Or(r.Accounting.MaxAmountWillingToLose, cfg.MaxAmountWillingToLose); err != nil {
		return nil, fmt.Errorf("config: accounting.max_amount_willing_to_lose_grt: %w", err)
	}
	if cfg.TriggerValue, err = parseU128Or(r.Accounting.TriggerValue, cfg.TriggerValue); err != nil {
		return nil, fmt.Errorf("config: accounting.trigger_value: %w", err)
	}
	if cfg.ReceiptMaxValue, err = parseU128Or(r.Accounting.ReceiptMaxValue, cfg.ReceiptMaxValue); err != nil {
		return nil, fmt.Errorf("config: accounting.receipt_max_value: %w", err)
	}

	if r.Accounting.RavRequestReceiptLimit > 0 {
		cfg.RavRequestReceiptLimit = r.Accounting.RavRequestReceiptLimit
	}
	if r.Accounting.MaxConcurrentSenderSpawn > 0 {
		cfg.MaxConcurrentSenderSpawn = r.Accounting.MaxConcurrentSenderSpawn
	}

	if r.Aggregator.LegacyEndpoint == "" && r.Aggregator.CurrentEndpoint == "" {
		return nil, fmt.Errorf("config: at least one of aggregator.legacy_endpoint / aggregator.current_endpoint is required")
	}
	cfg.AggregatorLegacyEndpoint = r.Aggregator.LegacyEndpoint
	cfg.AggregatorCurrentEndpoint = r.Aggregator.CurrentEndpoint
	cfg.AggregatorUseZstd = r.Aggregator.UseZstd

	if r.Metrics.ListenAddr != "" {
		cfg.MetricsListenAddr = r.Metrics.ListenAddr
	}
	if r.LogLevel != "" {
		cfg.LogLevel = r.LogLevel
	}

	return &cfg, nil
}

func parseDurationOr(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}

func parseU128Or(s string, fallback core.U128) (core.U128, error) {
	if s == "" {
		return fallback, nil
	}
	var v core.U128
	if err := v.UnmarshalText([]byte(s)); err != nil {
		return core.U128{}, err
	}
	return v, nil
}
