// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir    string // Base directory for the database and backup staging (always absolute)
	SessionID  string // Session key for persisted scheduler/risk state
	LogLevel   string
	Port       int
	DevMode    bool
	ExchangeTZ string // IANA timezone of the exchange session (e.g. "America/New_York")

	Phases    PhaseConfig
	Risk      RiskConfig
	Execution ExecutionConfig
	Monitor   MonitorConfig
	Research  ResearchConfig
	Broker    BrokerConfig
	Backup    *BackupConfig
}

// BrokerConfig holds brokerage API credentials and endpoints. The
// defaults point at the paper-trading environment.
type BrokerConfig struct {
	APIKey     string
	APISecret  string
	TradingURL string
	DataURL    string
}

// PhaseConfig holds the daily phase boundaries (minutes from midnight,
// exchange-local) and the per-phase loop intervals.
type PhaseConfig struct {
	PreMarketStart   int // default 04:00
	MarketOpen       int // default 09:30
	PowerHourEnd     int // default 10:30
	MarketClose      int // default 16:00
	AfterHoursEnd    int // default 20:00
	PowerHourTick    time.Duration
	MarketHoursTick  time.Duration
	PreMarketTick    time.Duration
	OvernightTick    time.Duration
	AfterHoursTick   time.Duration
	DispatchBackoff  time.Duration // sleep after a failed iteration
	ResearchInterval time.Duration // minimum gap between research runs
}

// RiskConfig holds portfolio-level risk limits.
type RiskConfig struct {
	MaxDrawdown          float64 // e.g. 0.10 = halt entries at 10% drawdown
	MaxDailyLossFraction float64 // |daily P/L| / portfolio value
	MaxConsecutiveLosses int
	DailyTradeCap        int
	BreakerCooldown      time.Duration
}

// ExecutionConfig holds entry timing and sizing rules.
type ExecutionConfig struct {
	OpeningRangeMinutes int     // intraday entries blocked until this many minutes after open
	EntryWindowMinutes  int     // intraday entries blocked after this many minutes after open
	RequireRangeConfirm bool    // require price holding on the favorable side of the session open
	SafetyMargin        float64 // fraction of available cash usable for one entry
	MinNotional         float64 // skip entries below this position value
	MaxEntryVolatility  float64 // annualized realized vol veto; 0 disables
	DailyTradeCap       int     // coordinator-local cap, independent of the risk governor
	IntradayCapFraction float64 // per-horizon position value caps (fraction of equity)
	ShortSwingCap       float64
	MediumSwingCap      float64
	LongSwingCap        float64
	ApprovalConfidence  float64 // approve verdicts below this are downgraded to conditional
}

// MonitorConfig holds position exit rules.
type MonitorConfig struct {
	PartialProfitPct    float64 // unrealized gain (%) that triggers a partial exit
	PartialExitFraction float64 // fraction of the position sold on partial exit
	IntradayExitMinutes int     // minutes before the close at which intraday positions are forced flat
	MaxHoldDaysShort    int
	MaxHoldDaysMedium   int
	MaxHoldDaysLong     int
}

// ResearchConfig holds research ingestion settings.
type ResearchConfig struct {
	Watchlist          []string // base symbol universe scanned every research run
	MaxCandidates      int      // cap on the widened symbol set per research run
	EventRetentionDays int      // processed events older than this are purged by maintenance
}

// BackupConfig holds S3-compatible snapshot backup settings.
// Backups are disabled when Endpoint or Bucket is empty.
type BackupConfig struct {
	Endpoint      string
	Bucket        string
	AccessKey     string
	SecretKey     string
	Region        string
	RetentionDays int
}

// Enabled reports whether backups are configured.
func (b *BackupConfig) Enabled() bool {
	return b != nil && b.Endpoint != "" && b.Bucket != ""
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("SKOPOS_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:    absDataDir,
		SessionID:  getEnv("SKOPOS_SESSION_ID", "default"),
		Port:       getEnvAsInt("SKOPOS_PORT", 8011),
		DevMode:    getEnvAsBool("DEV_MODE", false),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		ExchangeTZ: getEnv("EXCHANGE_TZ", "America/New_York"),

		Phases: PhaseConfig{
			PreMarketStart:   getEnvAsInt("PHASE_PREMARKET_START", 4*60),
			MarketOpen:       getEnvAsInt("PHASE_MARKET_OPEN", 9*60+30),
			PowerHourEnd:     getEnvAsInt("PHASE_POWER_HOUR_END", 10*60+30),
			MarketClose:      getEnvAsInt("PHASE_MARKET_CLOSE", 16*60),
			AfterHoursEnd:    getEnvAsInt("PHASE_AFTER_HOURS_END", 20*60),
			PowerHourTick:    getEnvAsDuration("TICK_POWER_HOUR", 30*time.Second),
			MarketHoursTick:  getEnvAsDuration("TICK_MARKET_HOURS", 2*time.Minute),
			PreMarketTick:    getEnvAsDuration("TICK_PREMARKET", 5*time.Minute),
			OvernightTick:    getEnvAsDuration("TICK_OVERNIGHT", 10*time.Minute),
			AfterHoursTick:   getEnvAsDuration("TICK_AFTER_HOURS", 15*time.Minute),
			DispatchBackoff:  getEnvAsDuration("DISPATCH_BACKOFF", 30*time.Second),
			ResearchInterval: getEnvAsDuration("RESEARCH_INTERVAL", 4*time.Hour),
		},

		Risk: RiskConfig{
			MaxDrawdown:          getEnvAsFloat("RISK_MAX_DRAWDOWN", 0.10),
			MaxDailyLossFraction: getEnvAsFloat("RISK_MAX_DAILY_LOSS", 0.03),
			MaxConsecutiveLosses: getEnvAsInt("RISK_MAX_CONSECUTIVE_LOSSES", 3),
			DailyTradeCap:        getEnvAsInt("RISK_DAILY_TRADE_CAP", 5),
			BreakerCooldown:      getEnvAsDuration("RISK_BREAKER_COOLDOWN", 2*time.Hour),
		},

		Execution: ExecutionConfig{
			OpeningRangeMinutes: getEnvAsInt("EXEC_OPENING_RANGE_MIN", 5),
			EntryWindowMinutes:  getEnvAsInt("EXEC_ENTRY_WINDOW_MIN", 90),
			RequireRangeConfirm: getEnvAsBool("EXEC_REQUIRE_RANGE_CONFIRM", true),
			SafetyMargin:        getEnvAsFloat("EXEC_CASH_SAFETY_MARGIN", 0.95),
			MinNotional:         getEnvAsFloat("EXEC_MIN_NOTIONAL", 200.0),
			MaxEntryVolatility:  getEnvAsFloat("EXEC_MAX_ENTRY_VOL", 0),
			DailyTradeCap:       getEnvAsInt("EXEC_DAILY_TRADE_CAP", 5),
			IntradayCapFraction: getEnvAsFloat("EXEC_CAP_INTRADAY", 0.05),
			ShortSwingCap:       getEnvAsFloat("EXEC_CAP_SHORT_SWING", 0.10),
			MediumSwingCap:      getEnvAsFloat("EXEC_CAP_MEDIUM_SWING", 0.10),
			LongSwingCap:        getEnvAsFloat("EXEC_CAP_LONG_SWING", 0.15),
			ApprovalConfidence:  getEnvAsFloat("REVIEW_APPROVAL_CONFIDENCE", 0.65),
		},

		Monitor: MonitorConfig{
			PartialProfitPct:    getEnvAsFloat("MONITOR_PARTIAL_PROFIT_PCT", 8.0),
			PartialExitFraction: getEnvAsFloat("MONITOR_PARTIAL_EXIT_FRACTION", 0.5),
			IntradayExitMinutes: getEnvAsInt("MONITOR_INTRADAY_EXIT_MIN", 15),
			MaxHoldDaysShort:    getEnvAsInt("MONITOR_MAX_HOLD_SHORT", 5),
			MaxHoldDaysMedium:   getEnvAsInt("MONITOR_MAX_HOLD_MEDIUM", 20),
			MaxHoldDaysLong:     getEnvAsInt("MONITOR_MAX_HOLD_LONG", 60),
		},

		Research: ResearchConfig{
			Watchlist:          getEnvAsSlice("RESEARCH_WATCHLIST", []string{"SPY", "QQQ"}),
			MaxCandidates:      getEnvAsInt("RESEARCH_MAX_CANDIDATES", 20),
			EventRetentionDays: getEnvAsInt("RESEARCH_EVENT_RETENTION_DAYS", 30),
		},

		Broker: BrokerConfig{
			APIKey:     getEnv("BROKER_API_KEY", ""),
			APISecret:  getEnv("BROKER_API_SECRET", ""),
			TradingURL: getEnv("BROKER_TRADING_URL", "https://paper-api.alpaca.markets"),
			DataURL:    getEnv("BROKER_DATA_URL", "https://data.alpaca.markets"),
		},

		Backup: loadBackupConfig(),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present and coherent
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.ExchangeTZ); err != nil {
		return fmt.Errorf("invalid EXCHANGE_TZ %q: %w", c.ExchangeTZ, err)
	}

	p := c.Phases
	if !(p.PreMarketStart < p.MarketOpen &&
		p.MarketOpen < p.PowerHourEnd &&
		p.PowerHourEnd < p.MarketClose &&
		p.MarketClose < p.AfterHoursEnd) {
		return fmt.Errorf("phase boundaries must be strictly increasing within the day")
	}

	if c.Risk.MaxDrawdown <= 0 || c.Risk.MaxDrawdown >= 1 {
		return fmt.Errorf("RISK_MAX_DRAWDOWN must be in (0, 1), got %v", c.Risk.MaxDrawdown)
	}
	if c.Broker.APIKey == "" || c.Broker.APISecret == "" {
		return fmt.Errorf("BROKER_API_KEY and BROKER_API_SECRET are required")
	}
	if c.Execution.OpeningRangeMinutes >= c.Execution.EntryWindowMinutes {
		return fmt.Errorf("opening range (%d min) must end before the entry window closes (%d min)",
			c.Execution.OpeningRangeMinutes, c.Execution.EntryWindowMinutes)
	}

	return nil
}

// Location returns the exchange timezone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.ExchangeTZ)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.ToUpper(strings.TrimSpace(p)); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// loadBackupConfig loads S3-compatible backup settings. Returns a config
// even when unset; BackupConfig.Enabled() gates actual use.
func loadBackupConfig() *BackupConfig {
	return &BackupConfig{
		Endpoint:      getEnv("BACKUP_S3_ENDPOINT", ""),
		Bucket:        getEnv("BACKUP_S3_BUCKET", ""),
		AccessKey:     getEnv("BACKUP_S3_ACCESS_KEY", ""),
		SecretKey:     getEnv("BACKUP_S3_SECRET_KEY", ""),
		Region:        getEnv("BACKUP_S3_REGION", "auto"),
		RetentionDays: getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
	}
}
