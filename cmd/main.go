package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/amirphl/simple-backtester/internal/backtest"
	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/config"
	"github.com/amirphl/simple-backtester/internal/db"
	"github.com/amirphl/simple-backtester/internal/db/conf"
	"github.com/amirphl/simple-backtester/internal/exchange"
	"github.com/amirphl/simple-backtester/internal/history"
	"github.com/amirphl/simple-backtester/internal/journal"
	"github.com/amirphl/simple-backtester/internal/notifier"
	"github.com/amirphl/simple-backtester/internal/order"
	"github.com/amirphl/simple-backtester/internal/server"
	"github.com/amirphl/simple-backtester/internal/strategy"
	"github.com/amirphl/simple-backtester/internal/utils"
)

func main() {
	// Load configuration
	cfg := config.MustLoadConfig()
	if err := utils.InitLogger(cfg.LogFile); err != nil {
		log.Printf("Failed to open log file %s: %v", cfg.LogFile, err)
	}
	logger := utils.GetLogger()
	logger.Println("Starting Simple Backtester in mode:", cfg.Mode)

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	// Initialize dataset storage
	storage, err := openStorage(cfg.Storage)
	if err != nil {
		logger.Fatalf("Failed to open %s storage: %v", cfg.Storage.Driver, err)
	}
	defer storage.Close()

	switch cfg.Mode {
	case "backtest":
		err = runBacktest(ctx, cfg, storage)
	case "serve":
		err = runServer(ctx, cfg, storage)
	case "import":
		err = runImport(ctx, cfg, storage)
	case "export":
		err = runExport(ctx, cfg, storage)
	case "fetch":
		err = runFetch(ctx, cfg, storage)
	case "trade":
		err = runTrade(ctx, cfg, storage)
	}
	if err != nil {
		logger.Fatalf("%s failed: %v", cfg.Mode, err)
	}
	logger.Println("Simple Backtester stopped")
}

func openStorage(cfg config.StorageConfig) (db.Storage, error) {
	switch cfg.Driver {
	case "postgres":
		c, err := conf.NewConfig(cfg.ConnStr, cfg.MaxOpen, cfg.MaxIdle)
		if err != nil {
			return nil, err
		}
		return db.New(*c)
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		return db.NewSQLite(cfg.SQLitePath)
	default:
		return db.NewMemory(), nil
	}
}

// openExchange returns the configured exchange. The REST client is also
// returned on its own for the futures account settings only it supports.
func openExchange(cfg config.ExchangeConfig) (exchange.Exchange, *exchange.REST, error) {
	switch cfg.Name {
	case "wallex":
		return exchange.NewWallexExchange(cfg.APIKey), nil, nil
	case "mock":
		return exchange.NewMockExchange(), nil, nil
	default:
		rest, err := exchange.NewREST(exchange.RESTConfig{
			BaseURL:           cfg.BaseURL,
			APIKey:            cfg.APIKey,
			APISecret:         cfg.APISecret,
			APIKeyHeader:      cfg.APIKeyHeader,
			RecvWindow:        cfg.RecvWindow,
			RequestsPerMinute: cfg.RequestsPerMinute,
			MaxRetries:        cfg.MaxRetries,
		})
		if err != nil {
			return nil, nil, err
		}
		return rest, rest, nil
	}
}

func newNotifier(cfg config.TelegramConfig) notifier.Notifier {
	if cfg.Token == "" || cfg.ChatID == "" {
		return notifier.Nop{}
	}
	t := notifier.NewTelegramNotifier(cfg.Token, cfg.ChatID)
	if cfg.Retries > 0 {
		t.Attempts = cfg.Retries
	}
	if cfg.Delay > 0 {
		t.Delay = cfg.Delay
	}
	return t
}

// newLoader wires storage to an exchange when one is usable for downloads.
func newLoader(cfg config.Config, storage db.Storage) *history.Loader {
	loader := history.NewLoader(storage, nil)
	if cfg.Exchange.Name == "rest" && cfg.Exchange.BaseURL == "" {
		return loader
	}
	ex, _, err := openExchange(cfg.Exchange)
	if err != nil {
		utils.GetLogger().Printf("newLoader | exchange unavailable, using stored datasets only: %v", err)
		return loader
	}
	loader.Exchange = ex
	return loader
}

func historyRequest(cfg config.Config) (history.Request, error) {
	from, to, err := cfg.Backtest.Range()
	if err != nil {
		return history.Request{}, err
	}
	return history.Request{
		Dataset:   cfg.Backtest.Dataset,
		Symbol:    cfg.Backtest.Symbol,
		Timeframe: cfg.Backtest.Timeframe,
		From:      from,
		To:        to,
	}, nil
}

// runBacktest runs one backtest in the foreground. SIGINT cancels it and
// still prints the partial result; SIGUSR1 toggles pause.
func runBacktest(ctx context.Context, cfg config.Config, storage db.Storage) error {
	logger := utils.GetLogger()
	req, err := historyRequest(cfg)
	if err != nil {
		return err
	}
	candles, err := newLoader(cfg, storage).Load(ctx, req)
	if err != nil {
		return fmt.Errorf("loading candles: %w", err)
	}
	logger.Printf("Loaded %d candles", len(candles))

	engine := backtest.NewEngine(
		backtest.WithPollInterval(cfg.Backtest.PollInterval),
		backtest.WithProgressEvery(cfg.Backtest.ProgressEvery),
		backtest.WithLogger(logger),
	)

	pauseCh := make(chan os.Signal, 1)
	signal.Notify(pauseCh, syscall.SIGUSR1)
	defer signal.Stop(pauseCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-pauseCh:
				if engine.IsPaused() {
					logger.Println("Resuming backtest")
					engine.Resume()
				} else {
					logger.Println("Pausing backtest (send SIGUSR1 again to resume)")
					engine.Pause()
				}
			}
		}
	}()

	lastLog := time.Now()
	res, runErr := engine.Run(ctx, candles, cfg.Backtest.InitialCapital, cfg.Strategy, func(p backtest.Progress) {
		if time.Since(lastLog) < 5*time.Second {
			return
		}
		lastLog = time.Now()
		logger.Printf("Progress | candle %d/%d, trades=%d, capital=%.2f, paused=%v",
			p.Index+1, p.Total, len(p.Trades), p.Capital, p.Paused)
	})
	if res != nil {
		name := cfg.Backtest.Dataset
		if name == "" {
			name = cfg.Backtest.Symbol + " " + cfg.Backtest.Timeframe
		}
		backtest.PrintResult(logger, name, res)
	}
	if runErr != nil && errors.Is(runErr, context.Canceled) {
		logger.Printf("Backtest interrupted: %v", runErr)
		return nil
	}
	return runErr
}

func runServer(ctx context.Context, cfg config.Config, storage db.Storage) error {
	manager := backtest.NewManager(
		backtest.WithPollInterval(cfg.Backtest.PollInterval),
		backtest.WithProgressEvery(cfg.Backtest.ProgressEvery),
	)
	srv := server.New(server.Config{
		Addr:           cfg.Server.Addr,
		Strategy:       cfg.Strategy,
		InitialCapital: cfg.Backtest.InitialCapital,
	}, manager, newLoader(cfg, storage))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func readCandleFile(path, format, symbol, timeframe string) ([]candle.Candle, error) {
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}
	if format == "parquet" {
		return candle.ReadParquet(path, symbol, timeframe)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	switch format {
	case "csv":
		return candle.ReadCSV(f, symbol, timeframe)
	case "json":
		return candle.ReadJSON(f, symbol, timeframe)
	default:
		return nil, fmt.Errorf("unsupported import format %q", format)
	}
}

func runImport(ctx context.Context, cfg config.Config, storage db.Storage) error {
	candles, err := readCandleFile(cfg.Import.File, cfg.Import.Format, cfg.Backtest.Symbol, cfg.Backtest.Timeframe)
	if err != nil {
		return fmt.Errorf("reading %s: %w", cfg.Import.File, err)
	}
	source := filepath.Base(cfg.Import.File)
	ds, err := history.NewLoader(storage, nil).Save(ctx, cfg.Import.Name, source, candles)
	if err != nil {
		return err
	}
	utils.GetLogger().Printf("Imported %d candles into dataset %s (%s %s)", ds.Count, ds.Name, ds.Symbol, ds.Timeframe)
	return nil
}

func runExport(ctx context.Context, cfg config.Config, storage db.Storage) error {
	candles, err := history.NewLoader(storage, nil).Load(ctx, history.Request{Dataset: cfg.Import.Name})
	if err != nil {
		return err
	}
	if err := candle.WriteParquet(cfg.Import.File, candles); err != nil {
		return fmt.Errorf("writing %s: %w", cfg.Import.File, err)
	}
	utils.GetLogger().Printf("Exported %d candles of dataset %s to %s", len(candles), cfg.Import.Name, cfg.Import.File)
	return nil
}

func runFetch(ctx context.Context, cfg config.Config, storage db.Storage) error {
	ex, _, err := openExchange(cfg.Exchange)
	if err != nil {
		return err
	}
	from, to, err := cfg.Backtest.Range()
	if err != nil {
		return err
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}
	name := cfg.Import.Name
	if name == "" {
		name = history.DatasetName(cfg.Backtest.Symbol, cfg.Backtest.Timeframe, from, to)
	}
	ds, _, err := history.NewLoader(storage, ex).Download(ctx, name, cfg.Backtest.Symbol, cfg.Backtest.Timeframe, from, to)
	if err != nil {
		return err
	}
	utils.GetLogger().Printf("Fetched %d candles from %s into dataset %s", ds.Count, ex.Name(), ds.Name)
	return nil
}

// openJournal returns a file journal, or nil when journaling is disabled.
func openJournal(path string) journal.Journaler {
	if path == "" {
		return nil
	}
	j, err := journal.NewFileJournal(path)
	if err != nil {
		utils.GetLogger().Printf("openJournal | journaling disabled: %v", err)
		return nil
	}
	return j
}

func logEvent(j journal.Journaler, typ, description string, data map[string]any) {
	if j == nil {
		return
	}
	if err := j.LogEvent(journal.Event{Type: typ, Description: description, Data: data}); err != nil {
		utils.GetLogger().Printf("logEvent | %v", err)
	}
}

// runTrade analyzes the latest candle and places the recommendation as a
// bracket order.
func runTrade(ctx context.Context, cfg config.Config, storage db.Storage) error {
	logger := utils.GetLogger()
	ex, rest, err := openExchange(cfg.Exchange)
	if err != nil {
		return err
	}
	req, err := historyRequest(cfg)
	if err != nil {
		return err
	}
	loader := history.NewLoader(storage, ex)
	candles, err := loader.Load(ctx, req)
	if err != nil {
		return fmt.Errorf("loading candles: %w", err)
	}

	last := candles[len(candles)-1]
	window := candle.NewWindow(candles, len(candles)-1)
	analysis, err := strategy.Analyze(window, cfg.Strategy)
	if err != nil {
		return fmt.Errorf("analyzing %s: %w", last.Time().Format(time.RFC3339), err)
	}
	logger.Printf("Signal | %s close=%.2f candles=%d total=%.4f recommendation=%s",
		last.Time().Format(time.RFC3339), window.LastClose(), window.Len(), analysis.TotalSignal, analysis.Recommendation)
	jrnl := openJournal(cfg.Trade.JournalFile)
	logEvent(jrnl, "signal", string(analysis.Recommendation), map[string]any{
		"candle":     last.Timestamp,
		"close":      window.LastClose(),
		"indicators": analysis.Snapshot(),
	})
	if jrnl != nil {
		placed, err := journal.BracketPlaced(jrnl, last.Timestamp)
		if err != nil {
			logger.Printf("Failed to read journal: %v", err)
		} else if placed {
			logger.Printf("No trade: a bracket was already placed on the %s candle", last.Time().Format(time.RFC3339))
			return nil
		}
	}

	symbol := cfg.Backtest.Symbol
	if last.Symbol != "" {
		symbol = last.Symbol
	}
	bracket, err := order.FromRecommendation(analysis.Recommendation, symbol, cfg.Trade.Quantity, window.LastClose(),
		cfg.Trade.StopLossPercent/100, cfg.Trade.TakeProfitPercent/100)
	if errors.Is(err, order.ErrNoAction) {
		logger.Println("No trade: recommendation is neutral")
		return nil
	}
	if err != nil {
		return err
	}
	bracket.Main.Price = exchange.RoundToTick(bracket.Main.Price, cfg.Trade.TickSize)
	bracket.StopLoss.StopPrice = exchange.RoundToTick(bracket.StopLoss.StopPrice, cfg.Trade.TickSize)
	bracket.TakeProfit.Price = exchange.RoundToTick(bracket.TakeProfit.Price, cfg.Trade.TickSize)

	if rest != nil {
		if cfg.Exchange.MarginType != "" {
			if err := rest.SetMarginType(ctx, symbol, exchange.MarginType(strings.ToUpper(cfg.Exchange.MarginType))); err != nil {
				logger.Printf("Failed to set margin type: %v", err)
			}
		}
		if cfg.Exchange.Leverage > 0 {
			if err := rest.SetLeverage(ctx, symbol, cfg.Exchange.Leverage); err != nil {
				return fmt.Errorf("setting leverage: %w", err)
			}
		}
	}

	n := newNotifier(cfg.Telegram)
	executor := order.NewExecutor(ex, n)
	res, err := executor.PlaceBracket(ctx, bracket)
	outcome := res.Reason
	if res.Success {
		outcome = journal.BracketPlacedDescription
	}
	logEvent(jrnl, "order", outcome, map[string]any{"candle": last.Timestamp, "request": bracket, "result": res})
	if err != nil {
		return fmt.Errorf("placing bracket: %w", err)
	}
	msg := fmt.Sprintf("Bracket placed on %s: %s %s qty=%.6f entry=%.2f sl=%.2f tp=%.2f (orders %s, %s, %s)",
		ex.Name(), bracket.Main.Side, symbol, bracket.Main.Quantity, bracket.Main.Price,
		bracket.StopLoss.StopPrice, bracket.TakeProfit.Price,
		res.Main.OrderID, res.StopLoss.OrderID, res.TakeProfit.OrderID)
	logger.Println(msg)
	if err := n.Send(msg); err != nil {
		logger.Printf("Failed to send notification: %v", err)
	}

	if cfg.Trade.FillTimeout <= 0 {
		return nil
	}
	fill, err := executor.AwaitFill(ctx, ex, res, cfg.Trade.FillTimeout, 5*time.Second)
	if err != nil {
		logEvent(jrnl, "order", err.Error(), map[string]any{"candle": last.Timestamp, "main": fill})
		return fmt.Errorf("waiting for entry fill: %w", err)
	}
	logEvent(jrnl, "fill", "entry filled", map[string]any{"candle": last.Timestamp, "main": fill})
	return nil
}
