package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	DB        DBConfig        `mapstructure:"db"`
	Cron      CronConfig      `mapstructure:"cron"`
	DataAPI   DataAPIConfig   `mapstructure:"data_api"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Signals   SignalsConfig   `mapstructure:"signals"`
	Triggers  TriggersConfig  `mapstructure:"triggers"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	Notifier  NotifierConfig  `mapstructure:"notifier"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
	Report    ReportConfig    `mapstructure:"report"`
	Retention RetentionConfig `mapstructure:"retention"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type CronConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	RetentionSpec string `mapstructure:"retention_spec"`
	StaleSpec     string `mapstructure:"stale_spec"`
	ProfilingSpec string `mapstructure:"profiling_spec"`
	ReportSpec    string `mapstructure:"report_spec"`
}

type DataAPIConfig struct {
	MarketsBaseURL string        `mapstructure:"markets_base_url"`
	TradesBaseURL  string        `mapstructure:"trades_base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type IngestConfig struct {
	MarketsRefresh    time.Duration `mapstructure:"markets_refresh"`
	MarketsPageLimit  int           `mapstructure:"markets_page_limit"`
	MarketsMaxPages   int           `mapstructure:"markets_max_pages"`
	TradePollMin      time.Duration `mapstructure:"trade_poll_min"`
	TradePollMax      time.Duration `mapstructure:"trade_poll_max"`
	TradePageLimit    int           `mapstructure:"trade_page_limit"`
	MaxMarketsPerTick int           `mapstructure:"max_markets_per_tick"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	MaxRetriesPerTick int           `mapstructure:"max_retries_per_tick"`
}

type StreamConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	URL               string        `mapstructure:"url"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	BackoffMin        time.Duration `mapstructure:"backoff_min"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
}

type SignalsConfig struct {
	BatchSize      int           `mapstructure:"batch_size"`
	IdleInterval   time.Duration `mapstructure:"idle_interval"`
	WindowTrades   int           `mapstructure:"window_trades"`
	WindowSpan     time.Duration `mapstructure:"window_span"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	WalletLookback time.Duration `mapstructure:"wallet_lookback"`
}

type TriggersConfig struct {
	FreshWalletMaxAge     time.Duration `mapstructure:"fresh_wallet_max_age"`
	BigTradeNotional      float64       `mapstructure:"big_trade_notional"`
	LowActivityMaxTrades  int64         `mapstructure:"low_activity_max_trades"`
	RepeatMinEntries      int           `mapstructure:"repeat_min_entries"`
	RepeatWindow          time.Duration `mapstructure:"repeat_window"`
	ThinMarketDeviation   float64       `mapstructure:"thin_market_deviation"`
	ThinMarketMinNotional float64       `mapstructure:"thin_market_min_notional"`
	ThinMarketBaseline    int           `mapstructure:"thin_market_baseline"`
	ClusterMinWallets     int           `mapstructure:"cluster_min_wallets"`
	ClusterWindow         time.Duration `mapstructure:"cluster_window"`
	ClusterMinNotional    float64       `mapstructure:"cluster_min_notional"`
	EarlyMinWinRate       float64       `mapstructure:"early_min_win_rate"`
	EarlyMinResolved      int64         `mapstructure:"early_min_resolved"`
	EarlyMinNotional      float64       `mapstructure:"early_min_notional"`
}

type ScoringConfig struct {
	BatchSize         int                `mapstructure:"batch_size"`
	IdleInterval      time.Duration      `mapstructure:"idle_interval"`
	Cooldown          time.Duration      `mapstructure:"cooldown"`
	AggregationWindow time.Duration      `mapstructure:"aggregation_window"`
	HighThreshold     float64            `mapstructure:"high_threshold"`
	WatchThreshold    float64            `mapstructure:"watch_threshold"`
	BonusPerExtraKind float64            `mapstructure:"bonus_per_extra_kind"`
	Weights           map[string]float64 `mapstructure:"weights"`
	SeverityFactors   map[string]float64 `mapstructure:"severity_factors"`
	BackoffBase       time.Duration      `mapstructure:"backoff_base"`
	BackoffMax        time.Duration      `mapstructure:"backoff_max"`
}

type NotifierConfig struct {
	BatchSize    int            `mapstructure:"batch_size"`
	IdleInterval time.Duration  `mapstructure:"idle_interval"`
	MaxAttempts  int            `mapstructure:"max_attempts"`
	DryRun       bool           `mapstructure:"dry_run"`
	BackoffBase  time.Duration  `mapstructure:"backoff_base"`
	BackoffMax   time.Duration  `mapstructure:"backoff_max"`
	Telegram     TelegramConfig `mapstructure:"telegram"`
}

type TelegramConfig struct {
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type ProfilingConfig struct {
	MarketBatch int `mapstructure:"market_batch"`
	TradeBatch  int `mapstructure:"trade_batch"`
}

type ReportConfig struct {
	Window time.Duration `mapstructure:"window"`
}

type RetentionConfig struct {
	SignalEventsMaxAge time.Duration `mapstructure:"signal_events_max_age"`
	MarketStaleAfter   time.Duration `mapstructure:"market_stale_after"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.retention_spec", "@every 1h")
	v.SetDefault("cron.stale_spec", "@every 6h")
	v.SetDefault("cron.profiling_spec", "@every 1h")
	v.SetDefault("cron.report_spec", "@weekly")
	v.SetDefault("data_api.markets_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("data_api.trades_base_url", "https://data-api.polymarket.com")
	v.SetDefault("data_api.timeout", "10s")
	v.SetDefault("ingest.markets_refresh", "10m")
	v.SetDefault("ingest.markets_page_limit", 200)
	v.SetDefault("ingest.markets_max_pages", 5)
	v.SetDefault("ingest.trade_poll_min", "30s")
	v.SetDefault("ingest.trade_poll_max", "60s")
	v.SetDefault("ingest.trade_page_limit", 200)
	v.SetDefault("ingest.max_markets_per_tick", 100)
	v.SetDefault("ingest.backoff_base", "5s")
	v.SetDefault("ingest.backoff_max", "300s")
	v.SetDefault("ingest.max_retries_per_tick", 3)
	v.SetDefault("stream.enabled", false)
	v.SetDefault("stream.url", "")
	v.SetDefault("stream.heartbeat_interval", "20s")
	v.SetDefault("stream.backoff_min", "1s")
	v.SetDefault("stream.backoff_max", "30s")
	v.SetDefault("signals.batch_size", 500)
	v.SetDefault("signals.idle_interval", "5s")
	v.SetDefault("signals.window_trades", 50)
	v.SetDefault("signals.window_span", "10m")
	v.SetDefault("signals.backoff_base", "5s")
	v.SetDefault("signals.backoff_max", "120s")
	v.SetDefault("signals.wallet_lookback", "24h")
	v.SetDefault("triggers.fresh_wallet_max_age", "24h")
	v.SetDefault("triggers.big_trade_notional", 1000)
	v.SetDefault("triggers.low_activity_max_trades", 2)
	v.SetDefault("triggers.repeat_min_entries", 3)
	v.SetDefault("triggers.repeat_window", "10m")
	v.SetDefault("triggers.thin_market_deviation", 0.05)
	v.SetDefault("triggers.thin_market_min_notional", 500)
	v.SetDefault("triggers.thin_market_baseline", 10)
	v.SetDefault("triggers.cluster_min_wallets", 3)
	v.SetDefault("triggers.cluster_window", "5m")
	v.SetDefault("triggers.cluster_min_notional", 200)
	v.SetDefault("triggers.early_min_win_rate", 0.6)
	v.SetDefault("triggers.early_min_resolved", 5)
	v.SetDefault("triggers.early_min_notional", 100)
	v.SetDefault("scoring.batch_size", 500)
	v.SetDefault("scoring.idle_interval", "10s")
	v.SetDefault("scoring.cooldown", "1h")
	v.SetDefault("scoring.aggregation_window", "2h")
	v.SetDefault("scoring.high_threshold", 12)
	v.SetDefault("scoring.watch_threshold", 4)
	v.SetDefault("scoring.bonus_per_extra_kind", 2.5)
	v.SetDefault("scoring.backoff_base", "5s")
	v.SetDefault("scoring.backoff_max", "180s")
	v.SetDefault("notifier.batch_size", 20)
	v.SetDefault("notifier.idle_interval", "15s")
	v.SetDefault("notifier.max_attempts", 5)
	v.SetDefault("notifier.dry_run", true)
	v.SetDefault("notifier.backoff_base", "5s")
	v.SetDefault("notifier.backoff_max", "300s")
	v.SetDefault("notifier.telegram.timeout", "10s")
	v.SetDefault("profiling.market_batch", 20)
	v.SetDefault("profiling.trade_batch", 500)
	v.SetDefault("report.window", "168h")
	v.SetDefault("retention.signal_events_max_age", "336h")
	v.SetDefault("retention.market_stale_after", "72h")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
