package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/amirphl/simple-backtester/internal/backtest"
	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/db"
	"github.com/amirphl/simple-backtester/internal/history"
	"github.com/amirphl/simple-backtester/internal/strategy"
)

func errorJSON(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var (
		invalid   *candle.InvalidInputError
		importErr *candle.ImportError
	)
	switch {
	case errors.Is(err, backtest.ErrRunNotFound), errors.Is(err, db.ErrDatasetNotFound):
		return http.StatusNotFound
	case errors.Is(err, db.ErrDatasetExists):
		return http.StatusConflict
	case errors.As(err, &invalid), errors.As(err, &importErr), errors.Is(err, history.ErrNoCandles),
		errors.Is(err, history.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) getHealth(c *gin.Context) {
	running := 0
	for _, r := range s.manager.List() {
		if r.Status == backtest.StatusRunning || r.Status == backtest.StatusPaused {
			running++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"active_runs": running,
		"time":        time.Now().UTC(),
	})
}

func (s *Server) listDatasets(c *gin.Context) {
	datasets, err := s.loader.Storage.ListDatasets(c.Request.Context())
	if err != nil {
		errorJSON(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, datasets)
}

func (s *Server) getDataset(c *gin.Context) {
	ds, err := s.loader.Storage.GetDataset(c.Request.Context(), c.Param("name"))
	if err != nil {
		errorJSON(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, ds)
}

func (s *Server) deleteDataset(c *gin.Context) {
	if err := s.loader.Storage.DeleteDataset(c.Request.Context(), c.Param("name")); err != nil {
		errorJSON(c, statusFor(err), err)
		return
	}
	c.Status(http.StatusNoContent)
}

// importDataset stores the request body as a dataset. The body is CSV or a
// JSON array depending on the format query parameter.
func (s *Server) importDataset(c *gin.Context) {
	name, symbol, timeframe := c.Query("name"), c.Query("symbol"), c.Query("timeframe")
	if name == "" || symbol == "" || timeframe == "" {
		errorJSON(c, http.StatusBadRequest, errors.New("name, symbol and timeframe are required"))
		return
	}

	var (
		candles []candle.Candle
		err     error
	)
	format := strings.ToLower(c.DefaultQuery("format", "csv"))
	switch format {
	case "csv":
		candles, err = candle.ReadCSV(c.Request.Body, symbol, timeframe)
	case "json":
		candles, err = candle.ReadJSON(c.Request.Body, symbol, timeframe)
	default:
		errorJSON(c, http.StatusBadRequest, fmt.Errorf("unsupported format %q", format))
		return
	}
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	if len(candles) == 0 {
		errorJSON(c, http.StatusBadRequest, history.ErrNoCandles)
		return
	}

	ds, err := s.loader.Save(c.Request.Context(), name, format, candles)
	if err != nil {
		errorJSON(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusCreated, ds)
}

// datasetSignal analyzes the latest candle of a dataset.
func (s *Server) datasetSignal(c *gin.Context) {
	candles, err := s.loader.Load(c.Request.Context(), history.Request{Dataset: c.Param("name")})
	if err != nil {
		errorJSON(c, statusFor(err), err)
		return
	}
	w := candle.NewWindow(candles, len(candles)-1)
	res, err := strategy.Analyze(w, s.cfg.Strategy)
	if err != nil {
		errorJSON(c, http.StatusUnprocessableEntity, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"timestamp": candles[len(candles)-1].Timestamp,
		"close":     w.LastClose(),
		"candles":   w.Len(),
		"analysis":  res,
	})
}

// startRequest selects candles by dataset, by symbol and range, or inline.
type startRequest struct {
	Name           string          `json:"name"`
	Dataset        string          `json:"dataset"`
	Symbol         string          `json:"symbol"`
	Timeframe      string          `json:"timeframe"`
	From           time.Time       `json:"from"`
	To             time.Time       `json:"to"`
	Candles        []candle.Candle `json:"candles"`
	InitialCapital float64         `json:"initial_capital"`
	Strategy       json.RawMessage `json:"strategy"`
	Paused         bool            `json:"paused"`
}

func (s *Server) startBacktest(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}

	candles := req.Candles
	if len(candles) == 0 {
		var err error
		candles, err = s.loader.Load(c.Request.Context(), history.Request{
			Dataset:   req.Dataset,
			Symbol:    req.Symbol,
			Timeframe: req.Timeframe,
			From:      req.From,
			To:        req.To,
		})
		if err != nil {
			errorJSON(c, statusFor(err), err)
			return
		}
	}

	// Fields missing from the body keep the server's defaults.
	cfg := s.cfg.Strategy
	if len(req.Strategy) > 0 {
		if err := json.Unmarshal(req.Strategy, &cfg); err != nil {
			errorJSON(c, http.StatusBadRequest, fmt.Errorf("strategy: %w", err))
			return
		}
	}
	capital := req.InitialCapital
	if capital == 0 {
		capital = s.cfg.InitialCapital
	}
	name := req.Name
	if name == "" {
		name = req.Dataset
	}

	id, err := s.manager.Start(backtest.Request{
		Name:           name,
		Candles:        candles,
		InitialCapital: capital,
		Config:         cfg,
		Paused:         req.Paused,
	})
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) listBacktests(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.List())
}

func (s *Server) getBacktest(c *gin.Context) {
	info, err := s.manager.Get(c.Param("id"))
	if err != nil {
		errorJSON(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) control(c *gin.Context, action func(string) error) {
	id := c.Param("id")
	if err := action(id); err != nil {
		errorJSON(c, statusFor(err), err)
		return
	}
	info, err := s.manager.Get(id)
	if err != nil {
		errorJSON(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": info.Status})
}

func (s *Server) pauseBacktest(c *gin.Context)  { s.control(c, s.manager.Pause) }
func (s *Server) resumeBacktest(c *gin.Context) { s.control(c, s.manager.Resume) }
func (s *Server) cancelBacktest(c *gin.Context) { s.control(c, s.manager.Cancel) }
