package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"rate-cache/internal/rates"
)

const (
	defaultCoinbaseURL = "https://api.exchange.coinbase.com"
	defaultProduct     = "ICP-USD"
	defaultUserAgent   = "ratecache/1.0"
)

// CoinbaseOptions parameterise the candle source.
type CoinbaseOptions struct {
	BaseURL          string
	Product          string
	Granularity      uint64
	PointsPerCall    uint64
	MaxResponseBytes uint64
	UserAgent        string
}

// Coinbase fetches one-minute candles from the Coinbase Exchange API.
type Coinbase struct {
	opts      CoinbaseOptions
	outcaller Outcaller
	logger    zerolog.Logger
}

// NewCoinbase constructs a candle source that issues calls through outcaller.
func NewCoinbase(opts CoinbaseOptions, outcaller Outcaller, logger zerolog.Logger) *Coinbase {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.BaseURL == "" {
		opts.BaseURL = defaultCoinbaseURL
	}
	if opts.Product == "" {
		opts.Product = defaultProduct
	}
	if opts.Granularity == 0 {
		opts.Granularity = rates.DefaultGranularity
	}
	if opts.PointsPerCall == 0 {
		opts.PointsPerCall = rates.DefaultPointsPerCall
	}
	if opts.MaxResponseBytes == 0 {
		opts.MaxResponseBytes = rates.MaxResponseBytes(opts.PointsPerCall)
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = defaultUserAgent
	}

	return &Coinbase{
		opts:      opts,
		outcaller: outcaller,
		logger:    logger.With().Str("component", "coinbase_fetcher").Logger(),
	}
}

// BuildRequest describes the candle call for one run of buckets.
func (c *Coinbase) BuildRequest(run []rates.Timestamp) (Request, error) {
	if len(run) == 0 {
		return Request{}, errors.New("empty bucket run")
	}
	if uint64(len(run)) > c.opts.PointsPerCall {
		return Request{}, fmt.Errorf("run of %d buckets exceeds %d points per call", len(run), c.opts.PointsPerCall)
	}

	query := url.Values{}
	query.Set("granularity", strconv.FormatUint(c.opts.Granularity, 10))
	query.Set("start", run[0].Time().Format("2006-01-02T15:04:05Z"))
	query.Set("end", run[len(run)-1].Time().Format("2006-01-02T15:04:05Z"))

	endpoint := fmt.Sprintf("%s/products/%s/candles?%s", c.opts.BaseURL, url.PathEscape(c.opts.Product), query.Encode())

	return Request{
		Method: http.MethodGet,
		URL:    endpoint,
		Headers: []Header{
			{Name: "Accept", Value: "application/json"},
			{Name: "User-Agent", Value: c.opts.UserAgent},
		},
		MaxResponseBytes: c.opts.MaxResponseBytes,
		Transform:        NormalizeCandles,
	}, nil
}

// FetchRun requests the candles for run and decodes the normalized body.
func (c *Coinbase) FetchRun(ctx context.Context, run []rates.Timestamp) ([]rates.RatePoint, error) {
	req, err := c.BuildRequest(run)
	if err != nil {
		return nil, err
	}

	resp, err := c.outcaller.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return nil, fmt.Errorf("%w (%d)", ErrUpstreamStatus, resp.Status)
	}

	points, err := DecodeCandles(resp.Body, run)
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Uint64("start", uint64(run[0])).
		Int("requested", len(run)).
		Int("returned", len(points)).
		Msg("candles fetched")
	return points, nil
}

var _ RateSource = (*Coinbase)(nil)
