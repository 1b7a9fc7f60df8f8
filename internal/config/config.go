package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/peterwi/project-f/internal/infrastructure/db"
)

// Config is the complete operating policy for the decision pipeline
type Config struct {
	Account     AccountConfig     `yaml:"account"`
	DataQuality DataQualityConfig `yaml:"data_quality"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Portfolio   PortfolioConfig   `yaml:"portfolio"`
	Risk        RiskConfig        `yaml:"risk"`
	Trading     TradingConfig     `yaml:"trading"`
	Targets     TargetsConfig     `yaml:"targets"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Artifacts   ArtifactsConfig   `yaml:"artifacts"`
	Database    db.Config         `yaml:"database"`
	Cache       CacheConfig       `yaml:"cache"`
}

// AccountConfig describes the brokerage account being tracked
type AccountConfig struct {
	BaseCurrency string `yaml:"base_currency"` // ISO code, e.g. GBP
}

// DataQualityConfig drives the market-data gate
type DataQualityConfig struct {
	CoverageMinPct        float64  `yaml:"coverage_min_pct"`        // 0-100
	Benchmarks            []string `yaml:"benchmarks"`              // Must have a bar on the as-of date
	MaxBenchmarkStaleDays int      `yaml:"max_benchmark_stale_days"` // 0 disables
	RequireAdjClose       bool     `yaml:"require_adj_close"`
}

// ReconcileConfig drives the reconciliation engine
type ReconcileConfig struct {
	Required           bool    `yaml:"required"`
	CashTolerance      float64 `yaml:"cash_tolerance"`        // Base currency units
	UnitsTolerance     float64 `yaml:"units_tolerance"`       // Shares
	MaxSnapshotAgeDays int     `yaml:"max_snapshot_age_days"` // 0 disables
	AllowGenesis       bool    `yaml:"allow_genesis"`
}

// PortfolioConfig holds the position-level limits
type PortfolioConfig struct {
	MaxPositions            int     `yaml:"max_positions"`
	MaxPositionWeight       float64 `yaml:"max_position_weight"`
	MinCashBuffer           float64 `yaml:"min_cash_buffer"`
	MaxTurnoverPerRebalance float64 `yaml:"max_turnover_per_rebalance"`
}

// RiskConfig holds portfolio-level circuit breakers
type RiskConfig struct {
	KillSwitch KillSwitchConfig `yaml:"kill_switch"`
}

// KillSwitchConfig blocks trading after a drawdown from the high-water mark
type KillSwitchConfig struct {
	Enabled     bool    `yaml:"enabled"`
	MaxDrawdown float64 `yaml:"max_drawdown"` // Fraction, e.g. 0.2
}

// TradingConfig shapes the order lines
type TradingConfig struct {
	MinNotional    float64 `yaml:"min_notional"`     // Absolute floor in base currency
	MinNotionalPct float64 `yaml:"min_notional_pct"` // Optional fraction of portfolio value, 0 disables
	OrderType      string  `yaml:"order_type"`
	MaxSlippageBps int     `yaml:"max_slippage_bps"`
}

// TargetsConfig selects where portfolio targets come from
type TargetsConfig struct {
	Source string `yaml:"source"` // "external" or "signals"
}

// ExecutionConfig is operator guidance printed on tickets
type ExecutionConfig struct {
	Window string `yaml:"window"`
}

// AlertsConfig configures the secondary alert sink
type AlertsConfig struct {
	SecondarySink    string        `yaml:"secondary_sink"` // none, webhook, telegram
	SecondaryDryRun  bool          `yaml:"secondary_dryrun"`
	WebhookURL       string        `yaml:"webhook_url"`
	TelegramBotToken string        `yaml:"telegram_bot_token"`
	TelegramChatID   string        `yaml:"telegram_chat_id"`
	Timeout          time.Duration `yaml:"timeout"`
	RatePerMinute    int           `yaml:"rate_per_minute"`
}

// ArtifactsConfig locates the artifact tree
type ArtifactsConfig struct {
	Dir string `yaml:"dir"`
}

// CacheConfig configures the optional ledger view cache
type CacheConfig struct {
	Redis struct {
		Addr       string `yaml:"addr"`
		DB         int    `yaml:"db"`
		TTLSeconds int    `yaml:"ttl_seconds"`
	} `yaml:"redis"`
}

// Default returns the policy used when no file overrides a value
func Default() *Config {
	return &Config{
		Account: AccountConfig{BaseCurrency: "GBP"},
		DataQuality: DataQualityConfig{
			CoverageMinPct:        98,
			Benchmarks:            []string{"SPY"},
			MaxBenchmarkStaleDays: 5,
		},
		Reconcile: ReconcileConfig{
			Required:       true,
			CashTolerance:  5,
			UnitsTolerance: 0.0001,
			AllowGenesis:   true,
		},
		Portfolio: PortfolioConfig{
			MaxPositions:            15,
			MaxPositionWeight:       0.075,
			MinCashBuffer:           0.03,
			MaxTurnoverPerRebalance: 0.5,
		},
		Risk: RiskConfig{
			KillSwitch: KillSwitchConfig{Enabled: true, MaxDrawdown: 0.2},
		},
		Trading: TradingConfig{
			MinNotional:    25,
			OrderType:      "MKT",
			MaxSlippageBps: 50,
		},
		Targets:   TargetsConfig{Source: "external"},
		Execution: ExecutionConfig{Window: "UK time 14:30-16:00"},
		Alerts: AlertsConfig{
			SecondarySink:   "none",
			SecondaryDryRun: true,
			Timeout:         10 * time.Second,
			RatePerMinute:   20,
		},
		Artifacts: ArtifactsConfig{Dir: "artifacts"},
		Database:  db.DefaultConfig(),
	}
}

// Load reads the policy file, layering it over defaults and environment overrides.
// A missing path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	db.ApplyEnvOverrides(&cfg.Database)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if dir := os.Getenv("ARTIFACTS_DIR"); dir != "" {
		cfg.Artifacts.Dir = dir
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Cache.Redis.Addr = addr
	}
	if sink := os.Getenv("ALERT_SECONDARY_SINK"); sink != "" {
		cfg.Alerts.SecondarySink = strings.ToLower(sink)
	}
	if dry := os.Getenv("ALERT_SECONDARY_DRYRUN"); dry != "" {
		if val, err := strconv.ParseBool(dry); err == nil {
			cfg.Alerts.SecondaryDryRun = val
		}
	}
	if url := os.Getenv("ALERT_WEBHOOK_URL"); url != "" {
		cfg.Alerts.WebhookURL = url
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Alerts.TelegramBotToken = token
	}
	if chat := os.Getenv("TELEGRAM_CHAT_ID"); chat != "" {
		cfg.Alerts.TelegramChatID = chat
	}
}

// Fingerprint identifies the policy a run was executed under: the SHA-256
// of the canonical YAML encoding with connection details and secrets blanked.
func (c *Config) Fingerprint() string {
	policy := *c
	policy.Database = db.Config{}
	policy.Cache = CacheConfig{}
	policy.Artifacts = ArtifactsConfig{}
	policy.Alerts.WebhookURL = ""
	policy.Alerts.TelegramBotToken = ""
	policy.Alerts.TelegramChatID = ""

	data, err := yaml.Marshal(&policy)
	if err != nil {
		data = []byte(fmt.Sprintf("%+v", policy))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Problems lists every policy violation; an empty slice means the policy is usable
func (c *Config) Problems() []string {
	var problems []string

	if len(c.Account.BaseCurrency) != 3 {
		problems = append(problems, "account.base_currency must be a 3-letter code")
	}
	if c.DataQuality.CoverageMinPct <= 0 || c.DataQuality.CoverageMinPct > 100 {
		problems = append(problems, "data_quality.coverage_min_pct must be in (0, 100]")
	}
	if len(c.DataQuality.Benchmarks) == 0 {
		problems = append(problems, "data_quality.benchmarks must name at least one symbol")
	}
	if !c.Reconcile.Required {
		problems = append(problems, "reconcile.required must be true")
	}
	if c.Reconcile.CashTolerance < 0 || c.Reconcile.UnitsTolerance < 0 {
		problems = append(problems, "reconcile tolerances cannot be negative")
	}
	if c.Portfolio.MaxPositions < 1 || c.Portfolio.MaxPositions > 50 {
		problems = append(problems, "portfolio.max_positions must be between 1 and 50")
	}
	if c.Portfolio.MaxPositionWeight <= 0 || c.Portfolio.MaxPositionWeight > 0.10 {
		problems = append(problems, "portfolio.max_position_weight must be in (0, 0.10]")
	}
	if c.Portfolio.MinCashBuffer < 0 || c.Portfolio.MinCashBuffer > 0.10 {
		problems = append(problems, "portfolio.min_cash_buffer must be in [0, 0.10]")
	}
	if c.Portfolio.MaxTurnoverPerRebalance <= 0 || c.Portfolio.MaxTurnoverPerRebalance > 0.50 {
		problems = append(problems, "portfolio.max_turnover_per_rebalance must be in (0, 0.50]")
	}
	if !c.Risk.KillSwitch.Enabled {
		problems = append(problems, "risk.kill_switch.enabled must be true")
	}
	if c.Risk.KillSwitch.MaxDrawdown <= 0 || c.Risk.KillSwitch.MaxDrawdown >= 1 {
		problems = append(problems, "risk.kill_switch.max_drawdown must be in (0, 1)")
	}
	if c.Trading.MinNotional < 0 || c.Trading.MinNotionalPct < 0 {
		problems = append(problems, "trading minimum notional cannot be negative")
	}
	if c.Trading.OrderType == "" {
		problems = append(problems, "trading.order_type is required")
	}
	if c.Trading.MaxSlippageBps < 0 {
		problems = append(problems, "trading.max_slippage_bps cannot be negative")
	}
	switch c.Targets.Source {
	case "external", "signals":
	default:
		problems = append(problems, "targets.source must be external or signals")
	}
	switch c.Alerts.SecondarySink {
	case "none", "":
	case "webhook":
		if c.Alerts.WebhookURL == "" && !c.Alerts.SecondaryDryRun {
			problems = append(problems, "alerts.webhook_url is required for the webhook sink")
		}
	case "telegram":
		if (c.Alerts.TelegramBotToken == "" || c.Alerts.TelegramChatID == "") && !c.Alerts.SecondaryDryRun {
			problems = append(problems, "telegram bot token and chat id are required for the telegram sink")
		}
	default:
		problems = append(problems, "alerts.secondary_sink must be none, webhook or telegram")
	}
	if c.Artifacts.Dir == "" {
		problems = append(problems, "artifacts.dir is required")
	}
	if err := c.Database.Validate(); err != nil {
		problems = append(problems, err.Error())
	}

	return problems
}

// Validate returns an error describing every policy violation
func (c *Config) Validate() error {
	if problems := c.Problems(); len(problems) > 0 {
		return fmt.Errorf("invalid policy: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Dec converts a configured float to an exact decimal
func Dec(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}
