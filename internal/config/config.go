// Package config
package config

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/amirphl/simple-backtester/internal/strategy"
)

/*
YAML config example:
mode: "backtest"
log_file: "backtester.log"
storage:
  driver: "sqlite"
  sqlite_path: "data/backtester.db"
strategy:
  rsi_period: 14
  signal_threshold: 0.3
  weights: { rsi: 0.30, macd: 0.25, bollinger: 0.25, volume: 0.20 }
backtest:
  initial_capital: 10000
  symbol: "BTC-USDT"
  timeframe: "1h"
  from: "2024-01-01"
  to: "2024-06-01"
  pause_poll_interval: 50ms
exchange:
  name: "rest"
  base_url: "https://fapi.example.com"
  requests_per_minute: 1200
trade:
  quantity: 0.01
  stop_loss_percent: 2.0
  take_profit_percent: 4.0
server:
  addr: ":8080"
telegram:
  chat_id: "123"
...
*/

const dateLayout = "2006-01-02"

var (
	Modes   = []string{"backtest", "serve", "import", "export", "fetch", "trade"}
	Drivers = []string{"sqlite", "postgres", "memory"}
	Venues  = []string{"rest", "wallex", "mock"}
)

type Config struct {
	Mode     string          `yaml:"mode"`
	LogFile  string          `yaml:"log_file"`
	Storage  StorageConfig   `yaml:"storage"`
	Strategy strategy.Config `yaml:"strategy"`
	Backtest BacktestConfig  `yaml:"backtest"`
	Import   ImportConfig    `yaml:"import"`
	Exchange ExchangeConfig  `yaml:"exchange"`
	Trade    TradeConfig     `yaml:"trade"`
	Server   ServerConfig    `yaml:"server"`
	Telegram TelegramConfig  `yaml:"telegram"`
}

type StorageConfig struct {
	Driver     string `yaml:"driver"`
	ConnStr    string `yaml:"conn_str"`
	SQLitePath string `yaml:"sqlite_path"`
	MaxOpen    int    `yaml:"max_open"`
	MaxIdle    int    `yaml:"max_idle"`
}

type BacktestConfig struct {
	InitialCapital float64       `yaml:"initial_capital"`
	Dataset        string        `yaml:"dataset"`
	Symbol         string        `yaml:"symbol"`
	Timeframe      string        `yaml:"timeframe"`
	From           string        `yaml:"from"` // YYYY-MM-DD
	To             string        `yaml:"to"`   // YYYY-MM-DD, exclusive
	PollInterval   time.Duration `yaml:"pause_poll_interval"`
	ProgressEvery  int           `yaml:"progress_every"`
}

// Range parses From and To. An empty To means now.
func (b BacktestConfig) Range() (time.Time, time.Time, error) {
	var from, to time.Time
	var err error
	if b.From != "" {
		if from, err = time.Parse(dateLayout, b.From); err != nil {
			return from, to, fmt.Errorf("invalid from date %q: %w", b.From, err)
		}
	}
	if b.To != "" {
		if to, err = time.Parse(dateLayout, b.To); err != nil {
			return from, to, fmt.Errorf("invalid to date %q: %w", b.To, err)
		}
	}
	return from, to, nil
}

// ImportConfig names a file and the dataset it is imported into or exported
// from.
type ImportConfig struct {
	File   string `yaml:"file"`
	Format string `yaml:"format"` // csv, json or parquet; inferred from the extension when empty
	Name   string `yaml:"name"`
}

type ExchangeConfig struct {
	Name              string        `yaml:"name"`
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	APISecret         string        `yaml:"api_secret"`
	APIKeyHeader      string        `yaml:"api_key_header"`
	RecvWindow        time.Duration `yaml:"recv_window"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	MaxRetries        int           `yaml:"max_retries"`
	Leverage          int           `yaml:"leverage"`
	MarginType        string        `yaml:"margin_type"`
}

type TradeConfig struct {
	Quantity          float64       `yaml:"quantity"`
	StopLossPercent   float64       `yaml:"stop_loss_percent"`
	TakeProfitPercent float64       `yaml:"take_profit_percent"`
	TickSize          float64       `yaml:"tick_size"`    // 0 leaves prices unrounded
	FillTimeout       time.Duration `yaml:"fill_timeout"` // 0 skips waiting for the entry fill
	JournalFile       string        `yaml:"journal_file"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type TelegramConfig struct {
	Token   string        `yaml:"token"`
	ChatID  string        `yaml:"chat_id"`
	Retries int           `yaml:"retries"`
	Delay   time.Duration `yaml:"delay"`
}

// MustLoadConfig loads the process configuration and exits on error.
func MustLoadConfig() Config {
	cfg, err := Load(os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// Load builds the configuration from command line flags, then the YAML file
// named by -config, then environment variables. Each layer overrides the
// values it sets.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("backtester", flag.ContinueOnError)
	mode := fs.String("mode", "backtest", "Mode: "+strings.Join(Modes, ", "))
	configFile := fs.String("config", "", "Path to YAML config file")
	logFile := fs.String("log-file", "", "Also write logs to this file")

	driver := fs.String("storage", "sqlite", "Dataset storage: "+strings.Join(Drivers, ", "))
	sqlitePath := fs.String("sqlite-path", "data/backtester.db", "SQLite database file")
	dbMaxOpen := fs.Int("db-max-open", 10, "Max open postgres connections")
	dbMaxIdle := fs.Int("db-max-idle", 5, "Max idle postgres connections")

	def := strategy.DefaultConfig()
	rsiPeriod := fs.Int("rsi-period", def.RSIPeriod, "RSI lookback period")
	threshold := fs.Float64("signal-threshold", def.SignalThreshold, "Composite signal threshold in (0, 1]")

	capital := fs.Float64("capital", 10000, "Initial capital")
	dataset := fs.String("dataset", "", "Stored dataset to backtest (overrides symbol/timeframe)")
	symbol := fs.String("symbol", "BTC-USDT", "Trading symbol")
	timeframe := fs.String("timeframe", "1h", "Candle timeframe")
	from := fs.String("from", time.Now().AddDate(-1, 0, 0).Format(dateLayout), "Start date (YYYY-MM-DD)")
	to := fs.String("to", "", "End date (YYYY-MM-DD), exclusive; empty means now")
	pollInterval := fs.Duration("pause-poll-interval", 50*time.Millisecond, "How often a paused run re-emits progress")
	progressEvery := fs.Int("progress-every", 100, "Emit progress every N steps")

	importFile := fs.String("file", "", "File to import from or export to")
	importFormat := fs.String("format", "", "Import format: csv, json or parquet")
	importName := fs.String("name", "", "Dataset name for import, export or fetch")

	venue := fs.String("exchange", "rest", "Exchange: "+strings.Join(Venues, ", "))
	baseURL := fs.String("exchange-url", "", "Exchange REST base URL")
	rpm := fs.Int("requests-per-minute", 1200, "Exchange request rate limit, 0 disables")
	maxRetries := fs.Int("max-retries", 3, "Exchange request attempts")

	quantity := fs.Float64("quantity", 0, "Order quantity for trade mode")
	slPercent := fs.Float64("stop-loss-percent", 2.0, "Stop loss percent (e.g., 2.0 for 2%)")
	tpPercent := fs.Float64("take-profit-percent", 4.0, "Take profit percent (e.g., 4.0 for 4%)")
	tickSize := fs.Float64("tick-size", 0, "Price tick size bracket prices are rounded down to, 0 disables")
	fillTimeout := fs.Duration("fill-timeout", 5*time.Minute, "How long trade mode waits for the entry to fill before withdrawing the bracket, 0 disables")
	journalFile := fs.String("journal", "data/journal.jsonl", "Trade mode event journal, empty disables")

	addr := fs.String("addr", ":8080", "HTTP listen address for serve mode")
	telegramChatID := fs.String("telegram-chat", "", "Telegram chat ID for notifications")
	notificationRetries := fs.Int("notification-retries", 3, "Number of notification send attempts")
	notificationDelay := fs.Duration("notification-delay", 5*time.Second, "Delay between notification retries (e.g., 5s)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Mode:    *mode,
		LogFile: *logFile,
		Storage: StorageConfig{
			Driver:     *driver,
			SQLitePath: *sqlitePath,
			MaxOpen:    *dbMaxOpen,
			MaxIdle:    *dbMaxIdle,
		},
		Strategy: strategy.Config{
			RSIPeriod:       *rsiPeriod,
			SignalThreshold: *threshold,
			Weights:         def.Weights,
		},
		Backtest: BacktestConfig{
			InitialCapital: *capital,
			Dataset:        *dataset,
			Symbol:         *symbol,
			Timeframe:      *timeframe,
			From:           *from,
			To:             *to,
			PollInterval:   *pollInterval,
			ProgressEvery:  *progressEvery,
		},
		Import: ImportConfig{File: *importFile, Format: *importFormat, Name: *importName},
		Exchange: ExchangeConfig{
			Name:              *venue,
			BaseURL:           *baseURL,
			RequestsPerMinute: *rpm,
			MaxRetries:        *maxRetries,
		},
		Trade: TradeConfig{
			Quantity:          *quantity,
			StopLossPercent:   *slPercent,
			TakeProfitPercent: *tpPercent,
			TickSize:          *tickSize,
			FillTimeout:       *fillTimeout,
			JournalFile:       *journalFile,
		},
		Server: ServerConfig{Addr: *addr},
		Telegram: TelegramConfig{
			ChatID:  *telegramChatID,
			Retries: *notificationRetries,
			Delay:   *notificationDelay,
		},
	}

	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if cfg.Exchange.Name == "wallex" {
		set(&cfg.Exchange.APIKey, "WALLEX_API_KEY")
	} else {
		set(&cfg.Exchange.APIKey, "EXCHANGE_API_KEY")
		set(&cfg.Exchange.APISecret, "EXCHANGE_API_SECRET")
	}
	set(&cfg.Storage.ConnStr, "DB_CONN_STR")
	set(&cfg.Telegram.Token, "TELEGRAM_TOKEN")
}

// Validate checks the settings the selected mode depends on.
func (c Config) Validate() error {
	if !slices.Contains(Modes, c.Mode) {
		return fmt.Errorf("unknown mode %q, want one of %s", c.Mode, strings.Join(Modes, ", "))
	}
	if !slices.Contains(Drivers, c.Storage.Driver) {
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.ConnStr == "" {
		return errors.New("postgres storage needs a connection string (DB_CONN_STR)")
	}
	if c.Storage.Driver == "sqlite" && c.Storage.SQLitePath == "" {
		return errors.New("sqlite storage needs a database path")
	}
	if err := c.Strategy.Validate(); err != nil {
		return fmt.Errorf("strategy: %w", err)
	}
	if _, _, err := c.Backtest.Range(); err != nil {
		return fmt.Errorf("backtest: %w", err)
	}

	switch c.Mode {
	case "backtest":
		if !(c.Backtest.InitialCapital > 0) {
			return fmt.Errorf("backtest: initial_capital must be positive, got %v", c.Backtest.InitialCapital)
		}
	case "import", "export":
		if c.Import.File == "" || c.Import.Name == "" {
			return fmt.Errorf("%s: file and name are required", c.Mode)
		}
	case "trade":
		if !(c.Trade.Quantity > 0) {
			return fmt.Errorf("trade: quantity must be positive, got %v", c.Trade.Quantity)
		}
		if !(c.Trade.StopLossPercent > 0 && c.Trade.StopLossPercent < 100) || !(c.Trade.TakeProfitPercent > 0) {
			return errors.New("trade: stop_loss_percent must be in (0, 100) and take_profit_percent positive")
		}
		if c.Trade.TickSize < 0 || c.Trade.FillTimeout < 0 {
			return errors.New("trade: tick_size and fill_timeout must not be negative")
		}
	}
	if c.Mode == "fetch" || c.Mode == "trade" {
		if !slices.Contains(Venues, c.Exchange.Name) {
			return fmt.Errorf("unknown exchange %q", c.Exchange.Name)
		}
		if c.Exchange.Name == "rest" && c.Exchange.BaseURL == "" {
			return errors.New("rest exchange needs base_url")
		}
	}
	return nil
}
