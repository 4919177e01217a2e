// Package api serves cached rates over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"rate-cache/internal/rates"
	"rate-cache/internal/service"
	"rate-cache/internal/version"
)

// RateService is the part of the cache the API reads from.
type RateService interface {
	GetRates(r rates.TimeRange) (rates.RatesWithInterval, error)
	Stats() service.Stats
}

// Server exposes the query surface.
type Server struct {
	addr            string
	shutdownTimeout time.Duration
	svc             RateService
	logger          zerolog.Logger
	engine          *gin.Engine
	srv             *http.Server
}

// NewServer builds the gin engine and routes.
func NewServer(addr string, shutdownTimeout time.Duration, svc RateService, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}

	s := &Server{
		addr:            addr,
		shutdownTimeout: shutdownTimeout,
		svc:             svc,
		logger:          logger.With().Str("component", "api").Logger(),
		engine:          gin.New(),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/api/rates", s.getRates)
	s.engine.GET("/api/stats", s.getStats)
	s.engine.GET("/api/health", s.getHealth)
}

// Handler returns the routed engine.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}

	s.srv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("http shutdown incomplete")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("http server starting")
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type ratePayload struct {
	Timestamp uint64          `json:"timestamp"`
	Rate      decimal.Decimal `json:"rate"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

type ratesPayload struct {
	Interval uint64        `json:"interval"`
	Rates    []ratePayload `json:"rates"`
}

func (s *Server) getRates(c *gin.Context) {
	start, err := parseTimestamp(c.Query("start"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("start: %v", err)})
		return
	}
	end, err := parseTimestamp(c.Query("end"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("end: %v", err)})
		return
	}

	result, err := s.svc.GetRates(rates.TimeRange{Start: start, End: end})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, rates.ErrInvalidRange) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	payload := ratesPayload{Interval: result.Interval, Rates: make([]ratePayload, 0, len(result.Rates))}
	for _, p := range result.Rates {
		payload.Rates = append(payload.Rates, ratePayload{
			Timestamp: uint64(p.Timestamp),
			Rate:      p.Rate.Value(),
			Open:      p.Rate.Open,
			High:      p.Rate.High,
			Low:       p.Rate.Low,
			Close:     p.Rate.Close,
			Volume:    p.Rate.Volume,
		})
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Stats())
}

func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.Version,
	})
}

// parseTimestamp accepts unix seconds or RFC3339.
func parseTimestamp(raw string) (rates.Timestamp, error) {
	if raw == "" {
		return 0, errors.New("required")
	}
	if secs, err := strconv.ParseUint(raw, 10, 64); err == nil {
		return rates.Timestamp(secs), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, fmt.Errorf("want unix seconds or RFC3339, got %q", raw)
	}
	if t.Unix() < 0 {
		return 0, fmt.Errorf("before epoch: %q", raw)
	}
	return rates.FromTime(t), nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(started)).
			Msg("request")
	}
}
