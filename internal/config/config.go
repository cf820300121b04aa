// Package config builds the top-level CoreConfig from the environment,
// replacing the source's scattered module-level defaults (DESIGN NOTES,
// spec.md §9 "Global mutable state") with one struct threaded explicitly
// through C1–C9 at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// RiskConfig holds the C5 thresholds from spec.md §6.
type RiskConfig struct {
	PipMultiplier      decimal.Decimal
	MaxPositionSizePct decimal.Decimal
	MaxDailyLossPct    decimal.Decimal
}

// ExecutionConfig holds the C7 fill-simulation defaults from spec.md §6.
type ExecutionConfig struct {
	DefaultFillPct     decimal.Decimal
	DefaultSlippagePct decimal.Decimal
	DefaultMakerFee    decimal.Decimal
	DefaultTakerFee    decimal.Decimal
	DefaultLatencyMs   int64
	RandomLatencyMs    int64
	StopScanIntervalMs int64
}

// PyramidConfig holds the C8 timer cadence from spec.md §6.
type PyramidConfig struct {
	TimerIntervalMs int64
}

// PriceSourceConfig holds the C2 freshness/timeout bounds from spec.md §6.
type PriceSourceConfig struct {
	CacheTTLSeconds int64
	FetchTimeoutMs  int64
}

// StoreConfig picks SOT/TS backends — spec.md §6 "two SQLite databases (or
// any SQL store with the same transactional semantics)".
type StoreConfig struct {
	SOTDatabaseURL string
	TSDatabaseURL  string
}

// ObservabilityConfig wires the ambient stack added in SPEC_FULL.md §4.11.
type ObservabilityConfig struct {
	MetricsAddr      string // empty disables the /metrics listener
	NATSURL          string // empty disables NATS fan-out
	TelegramToken    string
	TelegramChatID   int64
	AuditParquetPath string
	AuditIntervalMs  int64
}

// CoreConfig is the single struct threaded through every component at
// startup, per spec.md §9's "Global mutable state" design note.
type CoreConfig struct {
	Risk      RiskConfig
	Execution ExecutionConfig
	Pyramid   PyramidConfig
	Price     PriceSourceConfig
	Store     StoreConfig
	Obs       ObservabilityConfig

	// RandomSeed seeds the RandomSource for deterministic test/ops replay.
	RandomSeed int64
}

// Load builds a CoreConfig from the environment, following the teacher's
// getEnv*-with-default accessor pattern exactly.
func Load() (*CoreConfig, error) {
	cfg := &CoreConfig{
		Risk: RiskConfig{
			PipMultiplier:      getEnvDecimal("PIP_MULTIPLIER", decimal.NewFromFloat(2.0)),
			MaxPositionSizePct: getEnvDecimal("MAX_POSITION_SIZE_PCT", decimal.NewFromFloat(10.0)),
			MaxDailyLossPct:    getEnvDecimal("MAX_DAILY_LOSS_PCT", decimal.NewFromFloat(5.0)),
		},
		Execution: ExecutionConfig{
			DefaultFillPct:     getEnvDecimal("DEFAULT_FILL_PCT", decimal.NewFromFloat(1.0)),
			DefaultSlippagePct: getEnvDecimal("DEFAULT_SLIPPAGE_PCT", decimal.Zero),
			DefaultMakerFee:    getEnvDecimal("DEFAULT_MAKER_FEE", decimal.Zero),
			DefaultTakerFee:    getEnvDecimal("DEFAULT_TAKER_FEE", decimal.Zero),
			DefaultLatencyMs:   getEnvInt64("DEFAULT_LATENCY_MS", 0),
			RandomLatencyMs:    getEnvInt64("RANDOM_LATENCY_MS", 0),
			StopScanIntervalMs: getEnvInt64("STOP_SCAN_INTERVAL_MS", 1000),
		},
		Pyramid: PyramidConfig{
			TimerIntervalMs: getEnvInt64("PYRAMID_TIMER_INTERVAL_MS", 10000),
		},
		Price: PriceSourceConfig{
			CacheTTLSeconds: getEnvInt64("PRICE_CACHE_TTL_S", 60),
			FetchTimeoutMs:  getEnvInt64("PRICE_FETCH_TIMEOUT_MS", 2000),
		},
		Store: StoreConfig{
			SOTDatabaseURL: getEnv("DATABASE_URL", "data/sot.db"),
			TSDatabaseURL:  getEnv("TS_DATABASE_URL", "data/ts.db"),
		},
		Obs: ObservabilityConfig{
			MetricsAddr:      getEnv("METRICS_ADDR", ""),
			NATSURL:          getEnv("NATS_URL", ""),
			TelegramToken:    os.Getenv("TELEGRAM_BOT_TOKEN"),
			AuditParquetPath: getEnv("AUDIT_PARQUET_PATH", "data/fills_audit.parquet"),
			AuditIntervalMs:  getEnvInt64("AUDIT_EXPORT_INTERVAL_MS", 5*60*1000),
		},
		RandomSeed: getEnvInt64("RANDOM_SEED", 1),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.Obs.TelegramChatID = id
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// ScanInterval returns the stop-scan interval as a time.Duration.
func (c ExecutionConfig) ScanInterval() time.Duration {
	return time.Duration(c.StopScanIntervalMs) * time.Millisecond
}

// Interval returns the pyramid-timer cadence as a time.Duration.
func (c PyramidConfig) Interval() time.Duration {
	return time.Duration(c.TimerIntervalMs) * time.Millisecond
}
